package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitwatch/sentinel/pkg/model"
)

const subscriptionColumns = `
	id, tenant_id, device_id, license_key, plan, status, monthly_fee, currency,
	starts_at, expires_at, trial_expires_at, grace_period_days, last_payment_at, next_payment_at`

func scanSubscription(row pgx.Row) (model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.DeviceID, &sub.LicenseKey, &sub.Plan, &sub.Status, &sub.MonthlyFee, &sub.Currency,
		&sub.StartsAt, &sub.ExpiresAt, &sub.TrialExpiresAt, &sub.GracePeriodDays, &sub.LastPaymentAt, &sub.NextPaymentAt,
	)
	if err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

// GetSubscriptionByLicenseKey is the lookup the License Gate (C4)
// performs once a device/license pair is confirmed to match.
func (s *Store) GetSubscriptionByLicenseKey(ctx context.Context, licenseKey string) (model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE license_key = $1`
	sub, err := scanSubscription(s.pool.QueryRow(ctx, q, licenseKey))
	if err != nil {
		return model.Subscription{}, classify("store.GetSubscriptionByLicenseKey", err)
	}
	return sub, nil
}

// GetSubscription fetches a subscription by its internal ID.
func (s *Store) GetSubscription(ctx context.Context, id int64) (model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return model.Subscription{}, classify("store.GetSubscription", err)
	}
	return sub, nil
}

// CreateTrialSubscription inserts a trial-plan subscription for a newly
// approved device, within the caller's transaction (C8.Approve).
func (s *Store) CreateTrialSubscription(ctx context.Context, tx pgx.Tx, tenantID int64, deviceID, licenseKey string, trialExpiresAt time.Time) (int64, error) {
	const q = `
		INSERT INTO subscriptions (tenant_id, device_id, license_key, plan, status, currency, trial_expires_at, grace_period_days)
		VALUES ($1, $2, $3, 'trial', 'trial', 'USD', $4, 7)
		RETURNING id`
	var id int64
	err := tx.QueryRow(ctx, q, tenantID, deviceID, licenseKey, trialExpiresAt).Scan(&id)
	if err != nil {
		return 0, classify("store.CreateTrialSubscription", err)
	}
	return id, nil
}

// ListExpiringSubscriptions returns active/trial subscriptions whose
// expiry falls within [now, now+window) — candidates for the expiry
// warning the sweeper (C10) raises once per 24h.
func (s *Store) ListExpiringSubscriptions(ctx context.Context, now time.Time, window time.Duration) ([]model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status IN ('trial', 'active')
		AND COALESCE(expires_at, trial_expires_at) BETWEEN $1 AND $2`
	rows, err := s.pool.Query(ctx, q, now, now.Add(window))
	if err != nil {
		return nil, classify("store.ListExpiringSubscriptions", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, classify("store.ListExpiringSubscriptions", err)
		}
		out = append(out, sub)
	}
	return out, classify("store.ListExpiringSubscriptions", rows.Err())
}

// ListExpiredSubscriptions returns trial/active subscriptions whose expiry
// has already passed.
func (s *Store) ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status IN ('trial', 'active')
		AND COALESCE(expires_at, trial_expires_at) < $1`
	rows, err := s.pool.Query(ctx, q, now)
	if err != nil {
		return nil, classify("store.ListExpiredSubscriptions", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, classify("store.ListExpiredSubscriptions", err)
		}
		out = append(out, sub)
	}
	return out, classify("store.ListExpiredSubscriptions", rows.Err())
}

// ListExpiredPastGrace returns expired subscriptions whose grace period
// has elapsed — these transition to suspended, with a DISABLE command
// issued to any bound device (§4.10 step 2).
func (s *Store) ListExpiredPastGrace(ctx context.Context, now time.Time) ([]model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = 'expired'
		AND COALESCE(expires_at, trial_expires_at) + (grace_period_days || ' days')::interval < $1`
	rows, err := s.pool.Query(ctx, q, now)
	if err != nil {
		return nil, classify("store.ListExpiredPastGrace", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, classify("store.ListExpiredPastGrace", err)
		}
		out = append(out, sub)
	}
	return out, classify("store.ListExpiredPastGrace", rows.Err())
}

// SetSubscriptionStatus transitions a subscription's status.
func (s *Store) SetSubscriptionStatus(ctx context.Context, id int64, status string) error {
	const q = `UPDATE subscriptions SET status = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, status)
	return classify("store.SetSubscriptionStatus", err)
}

// RecordPayment extends a subscription's expiry and marks it active,
// satisfying P7 (extension is monotonic: the new expiry is never earlier
// than the subscription's current expiry).
func (s *Store) RecordPayment(ctx context.Context, id int64, newExpiresAt, paidAt time.Time) error {
	const q = `
		UPDATE subscriptions
		SET status = 'active', expires_at = $2, last_payment_at = $3, next_payment_at = $2
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, newExpiresAt, paidAt)
	return classify("store.RecordPayment", err)
}

// WasWarnedRecently reports whether an expiry-warning alert already exists
// for this subscription's device within the last 24h (dedup for the
// sweeper).
func (s *Store) WasWarnedRecently(ctx context.Context, deviceID string, alertType string, since time.Time) (bool, error) {
	const q = `SELECT EXISTS(
		SELECT 1 FROM alerts
		WHERE device_id = $1 AND type = $2 AND created_at > $3
	)`
	var exists bool
	if err := s.pool.QueryRow(ctx, q, deviceID, alertType, since).Scan(&exists); err != nil {
		return false, classify("store.WasWarnedRecently", err)
	}
	return exists, nil
}
