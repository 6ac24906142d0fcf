package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pitwatch/sentinel/pkg/model"
)

// CreateTenant inserts a new tenant and returns its assigned ID.
func (s *Store) CreateTenant(ctx context.Context, t model.Tenant) (int64, error) {
	const q = `
		INSERT INTO tenants (name, slug, subscription_plan, subscription_status, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, q, t.Name, t.Slug, t.SubscriptionPlan, t.SubscriptionStatus, t.IsActive).Scan(&id)
	if err != nil {
		return 0, classify("store.CreateTenant", err)
	}
	return id, nil
}

// GetTenant fetches a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id int64) (model.Tenant, error) {
	const q = `
		SELECT id, name, slug, subscription_plan, subscription_status, expires_at, is_active
		FROM tenants WHERE id = $1`
	var t model.Tenant
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&t.ID, &t.Name, &t.Slug, &t.SubscriptionPlan, &t.SubscriptionStatus, &t.ExpiresAt, &t.IsActive,
	)
	if err != nil {
		return model.Tenant{}, classify("store.GetTenant", err)
	}
	return t, nil
}

// GetTenantBySlug fetches a tenant by its unique slug.
func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (model.Tenant, error) {
	const q = `
		SELECT id, name, slug, subscription_plan, subscription_status, expires_at, is_active
		FROM tenants WHERE slug = $1`
	var t model.Tenant
	err := s.pool.QueryRow(ctx, q, slug).Scan(
		&t.ID, &t.Name, &t.Slug, &t.SubscriptionPlan, &t.SubscriptionStatus, &t.ExpiresAt, &t.IsActive,
	)
	if err != nil {
		return model.Tenant{}, classify("store.GetTenantBySlug", err)
	}
	return t, nil
}

// SlugExists reports whether slug is already taken (used by the slug
// collision loop when provisioning a tenant, P6).
func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM tenants WHERE slug = $1)`
	var exists bool
	if err := s.pool.QueryRow(ctx, q, slug).Scan(&exists); err != nil {
		return false, classify("store.SlugExists", err)
	}
	return exists, nil
}

// SetTenantSubscriptionStatus updates a tenant's cached subscription status
// and expiry, kept in sync by the subscription lifecycle sweeper (C10).
func (s *Store) SetTenantSubscriptionStatus(ctx context.Context, tenantID int64, status string, expiresAt *time.Time) error {
	const q = `UPDATE tenants SET subscription_status = $2, expires_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, tenantID, status, expiresAt)
	if err != nil {
		return classify("store.SetTenantSubscriptionStatus", err)
	}
	if tag.RowsAffected() == 0 {
		return classify("store.SetTenantSubscriptionStatus", fmt.Errorf("tenant %d not found", tenantID))
	}
	return nil
}
