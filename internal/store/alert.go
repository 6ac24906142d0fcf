package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitwatch/sentinel/pkg/model"
)

const alertColumns = `
	id, tenant_id, location_id, device_id, type, severity, message,
	trigger_value, threshold_value, is_acknowledged, acked_by, acked_at,
	resolved_at, sms_sent, email_sent, created_at`

// CreateAlert inserts a new alert. This is the fallback path the alert
// engine (C6) uses when Redis is unavailable for the cooldown check, and
// is always used to persist an alert once cooldown passes.
func (s *Store) CreateAlert(ctx context.Context, a model.Alert) (int64, error) {
	const q = `
		INSERT INTO alerts (
			tenant_id, location_id, device_id, type, severity, message,
			trigger_value, threshold_value, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, q,
		a.TenantID, a.LocationID, a.DeviceID, a.Type, a.Severity, a.Message,
		a.TriggerValue, a.ThresholdValue, a.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, classify("store.CreateAlert", err)
	}
	return id, nil
}

// MostRecentAlert returns the most recently created alert matching
// (deviceID, locationID, alertType), the DB-fallback half of the cooldown
// check (P4).
func (s *Store) MostRecentAlert(ctx context.Context, deviceID string, locationID int64, alertType string) (*model.Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM alerts
		WHERE device_id = $1 AND location_id = $2 AND type = $3
		ORDER BY created_at DESC LIMIT 1`
	row := s.pool.QueryRow(ctx, q, deviceID, locationID, alertType)

	var a model.Alert
	err := row.Scan(
		&a.ID, &a.TenantID, &a.LocationID, &a.DeviceID, &a.Type, &a.Severity, &a.Message,
		&a.TriggerValue, &a.ThresholdValue, &a.IsAcknowledged, &a.AckedBy, &a.AckedAt,
		&a.ResolvedAt, &a.SMSSent, &a.EmailSent, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("store.MostRecentAlert", err)
	}
	return &a, nil
}

// AcknowledgeAlert marks an alert acknowledged by a user.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64, userID int64, now time.Time) error {
	const q = `UPDATE alerts SET is_acknowledged = true, acked_by = $2, acked_at = $3 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, userID, now)
	return classify("store.AcknowledgeAlert", err)
}

// ListActiveAlertsByLocation returns unacknowledged alerts for a location,
// newest first, for the real-time hub's initial snapshot.
func (s *Store) ListActiveAlertsByLocation(ctx context.Context, locationID int64) ([]model.Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM alerts
		WHERE location_id = $1 AND is_acknowledged = false
		ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, locationID)
	if err != nil {
		return nil, classify("store.ListActiveAlertsByLocation", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.LocationID, &a.DeviceID, &a.Type, &a.Severity, &a.Message,
			&a.TriggerValue, &a.ThresholdValue, &a.IsAcknowledged, &a.AckedBy, &a.AckedAt,
			&a.ResolvedAt, &a.SMSSent, &a.EmailSent, &a.CreatedAt,
		); err != nil {
			return nil, classify("store.ListActiveAlertsByLocation", err)
		}
		out = append(out, a)
	}
	return out, classify("store.ListActiveAlertsByLocation", rows.Err())
}

// ListAlertsByTenant returns a paginated, newest-first alert history for a
// tenant.
func (s *Store) ListAlertsByTenant(ctx context.Context, tenantID int64, page, pageSize int) ([]model.Alert, int64, error) {
	limit, offset := Paginate(page, pageSize)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alerts WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, classify("store.ListAlertsByTenant", err)
	}

	q := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, tenantID, limit, offset)
	if err != nil {
		return nil, 0, classify("store.ListAlertsByTenant", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.LocationID, &a.DeviceID, &a.Type, &a.Severity, &a.Message,
			&a.TriggerValue, &a.ThresholdValue, &a.IsAcknowledged, &a.AckedBy, &a.AckedAt,
			&a.ResolvedAt, &a.SMSSent, &a.EmailSent, &a.CreatedAt,
		); err != nil {
			return nil, 0, classify("store.ListAlertsByTenant", err)
		}
		out = append(out, a)
	}
	return out, total, classify("store.ListAlertsByTenant", rows.Err())
}
