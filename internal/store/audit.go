package store

import (
	"context"
	"encoding/json"

	"github.com/pitwatch/sentinel/pkg/model"
)

// InsertAuditLog appends an audit entry. Old/New are marshaled to JSONB;
// a nil map marshals to JSON null.
func (s *Store) InsertAuditLog(ctx context.Context, a model.AuditLog) error {
	oldJSON, err := json.Marshal(a.Old)
	if err != nil {
		return classify("store.InsertAuditLog", err)
	}
	newJSON, err := json.Marshal(a.New)
	if err != nil {
		return classify("store.InsertAuditLog", err)
	}

	const q = `
		INSERT INTO audit_log (tenant_id, user_id, action, resource_type, resource_id, old, new, ip, ua, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, q, a.TenantID, a.UserID, a.Action, a.ResourceType, a.ResourceID, oldJSON, newJSON, a.IP, a.UA, a.CreatedAt)
	return classify("store.InsertAuditLog", err)
}
