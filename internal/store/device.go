package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitwatch/sentinel/internal/errs"
	"github.com/pitwatch/sentinel/pkg/model"
)

var errNotPendingOrMissing = errors.New("device not found or not pending")

// scanDevice scans a single device row. The column order must match every
// SELECT in this file.
func scanDevice(row pgx.Row) (model.Device, error) {
	var d model.Device
	err := row.Scan(
		&d.ID, &d.DeviceID, &d.LicenseKey, &d.TenantID, &d.LocationID,
		&d.PrimarySensorType, &d.AQSensorType, &d.FirmwareVersion, &d.MAC, &d.IP,
		&d.Status, &d.IsOnline, &d.LastSeen, &d.LastMessage, &d.ReportIntervalSec,
	)
	if err != nil {
		return model.Device{}, err
	}
	return d, nil
}

const deviceColumns = `
	id, device_id, license_key, tenant_id, location_id,
	primary_sensor_type, aq_sensor_type, firmware_version, mac, ip,
	status, is_online, last_seen, last_message, report_interval_sec`

// GetDeviceByDeviceID fetches a device by its public device_id string, the
// lookup the License Gate (C4) and ingest pipeline (C5) perform on every
// inbound message.
func (s *Store) GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`
	d, err := scanDevice(s.pool.QueryRow(ctx, q, deviceID))
	if err != nil {
		return model.Device{}, classify("store.GetDeviceByDeviceID", err)
	}
	return d, nil
}

// GetDevice fetches a device by its internal ID.
func (s *Store) GetDevice(ctx context.Context, id int64) (model.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	d, err := scanDevice(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return model.Device{}, classify("store.GetDevice", err)
	}
	return d, nil
}

// CreateProvisionalDevice inserts a device discovered via a provisioning
// announce, in the pending state with no tenant/location assignment yet.
// If the device_id already exists this returns an errs.KindConflict error
// — callers (C8) treat that as "already known" and refresh LastSeen
// instead.
func (s *Store) CreateProvisionalDevice(ctx context.Context, deviceID string, mac, firmwareVersion, ip *string, now time.Time) (int64, error) {
	const q = `
		INSERT INTO devices (device_id, mac, firmware_version, ip, primary_sensor_type, status, is_online, last_seen, report_interval_sec)
		VALUES ($1, $2, $3, $4, '', 'pending', true, $5, 60)
		RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, q, deviceID, mac, firmwareVersion, ip, now).Scan(&id)
	if err != nil {
		return 0, classify("store.CreateProvisionalDevice", err)
	}
	return id, nil
}

// TouchProvisionalDevice refreshes last_seen/ip/firmware_version for a
// device still awaiting approval; used when a duplicate announce arrives.
func (s *Store) TouchProvisionalDevice(ctx context.Context, deviceID string, firmwareVersion, ip *string, now time.Time) error {
	const q = `
		UPDATE devices
		SET last_seen = $2, is_online = true,
		    firmware_version = COALESCE($3, firmware_version),
		    ip = COALESCE($4, ip)
		WHERE device_id = $1 AND status = 'pending'`
	_, err := s.pool.Exec(ctx, q, deviceID, now, firmwareVersion, ip)
	return classify("store.TouchProvisionalDevice", err)
}

// ApproveDevice binds a pending device to a tenant, location and license
// key and marks it active. Run inside the caller's transaction alongside
// the Subscription insert (C8.Approve).
func (s *Store) ApproveDevice(ctx context.Context, tx pgx.Tx, deviceID string, tenantID int64, locationID *int64, licenseKey string, primarySensorType string) error {
	const q = `
		UPDATE devices
		SET tenant_id = $2, location_id = $3, license_key = $4, primary_sensor_type = $5, status = 'active'
		WHERE device_id = $1 AND status = 'pending'`
	tag, err := tx.Exec(ctx, q, deviceID, tenantID, locationID, licenseKey, primarySensorType)
	if err != nil {
		return classify("store.ApproveDevice", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("store.ApproveDevice", errNotPendingOrMissing)
	}
	return nil
}

// UpdateDeviceHealth records that a device just reported in: refreshes
// last_seen/last_message and marks it online. Called from inside the
// ingest pipeline's per-reading transaction (C5).
func (s *Store) UpdateDeviceHealth(ctx context.Context, tx pgx.Tx, deviceID string, firmwareVersion *string, now time.Time) error {
	const q = `
		UPDATE devices
		SET last_seen = $2, last_message = $2, is_online = true,
		    firmware_version = COALESCE($3, firmware_version)
		WHERE device_id = $1`
	_, err := tx.Exec(ctx, q, deviceID, now, firmwareVersion)
	return classify("store.UpdateDeviceHealth", err)
}

// SetDeviceStatus transitions a device's lifecycle status (e.g. disabled,
// suspended, active) — used by the subscription lifecycle sweeper (C10)
// and manual operator commands (C7).
func (s *Store) SetDeviceStatus(ctx context.Context, deviceID string, status string) error {
	const q = `UPDATE devices SET status = $2 WHERE device_id = $1`
	_, err := s.pool.Exec(ctx, q, deviceID, status)
	return classify("store.SetDeviceStatus", err)
}

// SetDeviceOffline marks stale devices offline; the online flag, not the
// lifecycle status, drives the device_offline alert (C6).
func (s *Store) SetDeviceOffline(ctx context.Context, deviceID string) error {
	const q = `UPDATE devices SET is_online = false WHERE device_id = $1`
	_, err := s.pool.Exec(ctx, q, deviceID)
	return classify("store.SetDeviceOffline", err)
}

// ListStaleOnlineDevices returns devices still marked online whose
// last_message is older than olderThan — candidates for the
// device_offline alert.
func (s *Store) ListStaleOnlineDevices(ctx context.Context, olderThan time.Time) ([]model.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE is_online = true AND (last_message IS NULL OR last_message < $1)`
	rows, err := s.pool.Query(ctx, q, olderThan)
	if err != nil {
		return nil, classify("store.ListStaleOnlineDevices", err)
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, classify("store.ListStaleOnlineDevices", err)
		}
		out = append(out, d)
	}
	return out, classify("store.ListStaleOnlineDevices", rows.Err())
}

// ListDevicesByTenant returns every device owned by tenantID — used by
// C10 when suspending all of a tenant's devices.
func (s *Store) ListDevicesByTenant(ctx context.Context, tenantID int64) ([]model.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE tenant_id = $1`
	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, classify("store.ListDevicesByTenant", err)
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, classify("store.ListDevicesByTenant", err)
		}
		out = append(out, d)
	}
	return out, classify("store.ListDevicesByTenant", rows.Err())
}
