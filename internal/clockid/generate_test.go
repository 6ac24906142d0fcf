package clockid

import (
	"strings"
	"testing"
)

func TestMaskLicenseKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"LIC-ABCD-EFGH-IJKL", "LIC-ABCD-****"},
		{"", "****"},
		{"no-segments-here-at-all", "no-segments-****"},
	}
	for _, c := range cases {
		got := MaskLicenseKey(c.in)
		if got != c.want {
			t.Errorf("MaskLicenseKey(%q) = %q, want %q", c.in, got, c.want)
		}
		// P5: never contains the third or fourth segment.
		parts := strings.Split(c.in, "-")
		if len(parts) >= 4 {
			if strings.Contains(got, parts[2]) || strings.Contains(got, parts[3]) {
				t.Errorf("MaskLicenseKey(%q) = %q leaked a trailing segment", c.in, got)
			}
		}
	}
}

func TestGenerateLicenseKeyFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		key := GenerateLicenseKey()
		parts := strings.Split(key, "-")
		if len(parts) != 4 || parts[0] != "LIC" {
			t.Fatalf("GenerateLicenseKey() = %q, wrong shape", key)
		}
		for _, p := range parts[1:] {
			if len(p) != 4 {
				t.Fatalf("GenerateLicenseKey() segment %q wrong length", p)
			}
		}
	}
}

func TestGenerateDeviceID(t *testing.T) {
	got := GenerateDeviceID("aa:bb:cc:dd:ee:ff")
	want := "ESP32-AABBCCDDEEFF"
	if got != want {
		t.Errorf("GenerateDeviceID = %q, want %q", got, want)
	}
}

func TestSlugCandidateIdempotentAndBounded(t *testing.T) {
	name := strings.Repeat("Ace Auto Works ", 10)
	a := SlugCandidate(name, 2)
	b := SlugCandidate(name, 2)
	if a != b {
		t.Fatalf("SlugCandidate not idempotent: %q != %q", a, b)
	}
	if len(a) > 50 {
		t.Fatalf("SlugCandidate exceeded 50 chars: %q (%d)", a, len(a))
	}
	for _, r := range a {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			t.Fatalf("SlugCandidate %q not URL-safe at rune %q", a, r)
		}
	}
}

func TestGenerateTempPasswordComposition(t *testing.T) {
	for i := 0; i < 50; i++ {
		pw := GenerateTempPassword()
		if len(pw) != 8 {
			t.Fatalf("GenerateTempPassword length = %d, want 8", len(pw))
		}
		var hasUpper, hasDigit, hasPunct bool
		for _, r := range pw {
			switch {
			case r >= 'A' && r <= 'Z':
				hasUpper = true
			case r >= '0' && r <= '9':
				hasDigit = true
			case strings.ContainsRune(tempPwdPunct, r):
				hasPunct = true
			}
		}
		if !hasUpper || !hasDigit || !hasPunct {
			t.Fatalf("GenerateTempPassword() = %q missing a required class (upper=%v digit=%v punct=%v)", pw, hasUpper, hasDigit, hasPunct)
		}
	}
}

func TestGenerateTokenEntropyAndCharset(t *testing.T) {
	tok := GenerateToken()
	if len(tok) < 32 {
		t.Fatalf("GenerateToken() too short: %d", len(tok))
	}
	for _, r := range tok {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
		if !ok {
			t.Fatalf("GenerateToken() contains non-URL-safe rune %q", r)
		}
	}
}
