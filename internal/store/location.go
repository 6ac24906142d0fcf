package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitwatch/sentinel/pkg/model"
)

const locationColumns = `id, tenant_id, number, name, status, camera_id, camera_is_online, camera_last_seen`

func scanLocation(row pgx.Row) (model.Location, error) {
	var l model.Location
	err := row.Scan(&l.ID, &l.TenantID, &l.Number, &l.Name, &l.Status, &l.CameraID, &l.CameraIsOnline, &l.CameraLastSeen)
	if err != nil {
		return model.Location{}, err
	}
	return l, nil
}

// CreateLocation inserts a new pit under a tenant.
func (s *Store) CreateLocation(ctx context.Context, l model.Location) (int64, error) {
	const q = `
		INSERT INTO locations (tenant_id, number, name, status, camera_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, q, l.TenantID, l.Number, l.Name, l.Status, l.CameraID).Scan(&id)
	if err != nil {
		return 0, classify("store.CreateLocation", err)
	}
	return id, nil
}

// GetLocation fetches a location by ID.
func (s *Store) GetLocation(ctx context.Context, id int64) (model.Location, error) {
	q := `SELECT ` + locationColumns + ` FROM locations WHERE id = $1`
	l, err := scanLocation(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return model.Location{}, classify("store.GetLocation", err)
	}
	return l, nil
}

// ListLocationsByTenant returns every location owned by tenantID, ordered
// by pit number.
func (s *Store) ListLocationsByTenant(ctx context.Context, tenantID int64) ([]model.Location, error) {
	q := `SELECT ` + locationColumns + ` FROM locations WHERE tenant_id = $1 ORDER BY number`
	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, classify("store.ListLocationsByTenant", err)
	}
	defer rows.Close()

	var out []model.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, classify("store.ListLocationsByTenant", err)
		}
		out = append(out, l)
	}
	return out, classify("store.ListLocationsByTenant", rows.Err())
}

// SetLocationStatus updates a location's operational status.
func (s *Store) SetLocationStatus(ctx context.Context, id int64, status string) error {
	const q = `UPDATE locations SET status = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, status)
	return classify("store.SetLocationStatus", err)
}

// TouchCameraByDeviceID marks the camera attached to deviceID's location
// as online, called when a status heartbeat reports the camera reachable
// (§4.6). No-op if the device has no bound location or camera.
func (s *Store) TouchCameraByDeviceID(ctx context.Context, tx pgx.Tx, deviceID string, now time.Time) error {
	const q = `
		UPDATE locations
		SET camera_is_online = true, camera_last_seen = $2
		WHERE camera_id IS NOT NULL
		  AND id = (SELECT location_id FROM devices WHERE device_id = $1)`
	_, err := tx.Exec(ctx, q, deviceID, now)
	return classify("store.TouchCameraByDeviceID", err)
}

// SetCameraOffline marks a location's camera offline; raised by the
// presence sweeper alongside the corresponding camera_offline alert.
func (s *Store) SetCameraOffline(ctx context.Context, locationID int64) error {
	const q = `UPDATE locations SET camera_is_online = false WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, locationID)
	return classify("store.SetCameraOffline", err)
}

// ListStaleOnlineCameras returns locations with an attached camera still
// marked online whose camera_last_seen is older than olderThan.
func (s *Store) ListStaleOnlineCameras(ctx context.Context, olderThan time.Time) ([]model.Location, error) {
	q := `SELECT ` + locationColumns + ` FROM locations
		WHERE camera_id IS NOT NULL AND camera_is_online = true
		  AND (camera_last_seen IS NULL OR camera_last_seen < $1)`
	rows, err := s.pool.Query(ctx, q, olderThan)
	if err != nil {
		return nil, classify("store.ListStaleOnlineCameras", err)
	}
	defer rows.Close()

	var out []model.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, classify("store.ListStaleOnlineCameras", err)
		}
		out = append(out, l)
	}
	return out, classify("store.ListStaleOnlineCameras", rows.Err())
}
