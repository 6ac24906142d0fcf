package hub

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Claims identify the holder of a real-time session token. TenantID is
// nil for location-scoped (customer) tokens.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Role     string `json:"role"`
	TenantID *int64 `json:"tenant_id,omitempty"`
}

// TokenManager issues and validates the short-lived bearer tokens carried
// as the `?token=` query parameter on the real-time upgrade (§4.9, §6).
type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
}

// NewTokenManager creates a TokenManager. secret must be at least 32
// bytes.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("hub: signing key must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenManager{signingKey: []byte(secret), ttl: ttl}, nil
}

// Issue mints a signed token for claims, expiring after the manager's TTL.
func (tm *TokenManager) Issue(claims Claims) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: tm.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("hub: creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   fmt.Sprintf("%d", claims.UserID),
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(tm.ttl)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "sentinel-hub",
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("hub: signing token: %w", err)
	}
	return token, nil
}

// Verify checks the token's signature and expiry and returns its claims.
func (tm *TokenManager) Verify(raw string) (Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Claims{}, fmt.Errorf("hub: parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(tm.signingKey, &registered, &custom); err != nil {
		return Claims{}, fmt.Errorf("hub: verifying token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: "sentinel-hub",
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return Claims{}, fmt.Errorf("hub: validating claims: %w", err)
	}

	return custom, nil
}
