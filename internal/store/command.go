package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pitwatch/sentinel/pkg/model"
)

const commandColumns = `
	id, device_id, tenant_id, command, reason, payload, status,
	sent_at, acked_at, issuer_user_id, created_at`

// CreateCommand inserts a pending command row before it is published; the
// dispatcher (C7) updates its status once the publish attempt resolves.
func (s *Store) CreateCommand(ctx context.Context, c model.Command) (int64, error) {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return 0, classify("store.CreateCommand", err)
	}
	const q = `
		INSERT INTO commands (device_id, tenant_id, command, reason, payload, status, issuer_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		RETURNING id`
	var id int64
	err = s.pool.QueryRow(ctx, q, c.DeviceID, c.TenantID, c.Command, c.Reason, payload, c.IssuerUserID, c.CreatedAt).Scan(&id)
	if err != nil {
		return 0, classify("store.CreateCommand", err)
	}
	return id, nil
}

// SetCommandSent marks a command as successfully published.
func (s *Store) SetCommandSent(ctx context.Context, id int64, now time.Time) error {
	const q = `UPDATE commands SET status = 'sent', sent_at = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, now)
	return classify("store.SetCommandSent", err)
}

// SetCommandFailed marks a command as failed to publish.
func (s *Store) SetCommandFailed(ctx context.Context, id int64) error {
	const q = `UPDATE commands SET status = 'failed' WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id)
	return classify("store.SetCommandFailed", err)
}

// AcknowledgeCommand records that a device confirmed a command via its
// status topic.
func (s *Store) AcknowledgeCommand(ctx context.Context, id int64, now time.Time) error {
	const q = `UPDATE commands SET status = 'acknowledged', acked_at = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, now)
	return classify("store.AcknowledgeCommand", err)
}

// ListCommandsByDevice returns a paginated, newest-first command history
// for a device.
func (s *Store) ListCommandsByDevice(ctx context.Context, deviceID string, page, pageSize int) ([]model.Command, int64, error) {
	limit, offset := Paginate(page, pageSize)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM commands WHERE device_id = $1`, deviceID).Scan(&total); err != nil {
		return nil, 0, classify("store.ListCommandsByDevice", err)
	}

	q := `SELECT ` + commandColumns + ` FROM commands WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, deviceID, limit, offset)
	if err != nil {
		return nil, 0, classify("store.ListCommandsByDevice", err)
	}
	defer rows.Close()

	var out []model.Command
	for rows.Next() {
		var c model.Command
		var payload []byte
		if err := rows.Scan(
			&c.ID, &c.DeviceID, &c.TenantID, &c.Command, &c.Reason, &payload, &c.Status,
			&c.SentAt, &c.AckedAt, &c.IssuerUserID, &c.CreatedAt,
		); err != nil {
			return nil, 0, classify("store.ListCommandsByDevice", err)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &c.Payload)
		}
		out = append(out, c)
	}
	return out, total, classify("store.ListCommandsByDevice", rows.Err())
}
