package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pitwatch/sentinel/pkg/model"
)

// GetTenantThresholds fetches the tenant-level threshold override row. A
// nil result (with no error) means the tenant has none and the alert
// engine should fall back to model.DefaultThresholds (I6).
func (s *Store) GetTenantThresholds(ctx context.Context, tenantID int64) (*model.TenantThresholds, error) {
	const q = `
		SELECT tenant_id, temp_min, temp_max, humidity_max,
		       pm25_warn, pm25_crit, pm10_warn, pm10_crit, iaq_warn, iaq_crit,
		       device_offline_s, camera_offline_s, notify_sms, notify_email, notify_webhook, webhook_url
		FROM tenant_thresholds WHERE tenant_id = $1`
	var t model.TenantThresholds
	err := s.pool.QueryRow(ctx, q, tenantID).Scan(
		&t.TenantID, &t.TempMin, &t.TempMax, &t.HumidityMax,
		&t.PM25Warn, &t.PM25Crit, &t.PM10Warn, &t.PM10Crit, &t.IAQWarn, &t.IAQCrit,
		&t.DeviceOfflineS, &t.CameraOfflineS, &t.NotifySMS, &t.NotifyEmail, &t.NotifyWebhook, &t.WebhookURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("store.GetTenantThresholds", err)
	}
	return &t, nil
}

// GetLocationThresholds fetches the location-level override row. A nil
// result means the location has no override and inherits from the tenant.
func (s *Store) GetLocationThresholds(ctx context.Context, locationID int64) (*model.LocationThresholds, error) {
	const q = `
		SELECT location_id, temp_min, temp_max, humidity_max,
		       pm25_warn, pm25_crit, pm10_warn, pm10_crit, iaq_warn, iaq_crit,
		       device_offline_s, camera_offline_s
		FROM location_thresholds WHERE location_id = $1`
	var t model.LocationThresholds
	err := s.pool.QueryRow(ctx, q, locationID).Scan(
		&t.LocationID, &t.TempMin, &t.TempMax, &t.HumidityMax,
		&t.PM25Warn, &t.PM25Crit, &t.PM10Warn, &t.PM10Crit, &t.IAQWarn, &t.IAQCrit,
		&t.DeviceOfflineS, &t.CameraOfflineS,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("store.GetLocationThresholds", err)
	}
	return &t, nil
}

// UpsertTenantThresholds inserts or replaces a tenant's threshold overrides.
func (s *Store) UpsertTenantThresholds(ctx context.Context, t model.TenantThresholds) error {
	const q = `
		INSERT INTO tenant_thresholds (
			tenant_id, temp_min, temp_max, humidity_max,
			pm25_warn, pm25_crit, pm10_warn, pm10_crit, iaq_warn, iaq_crit,
			device_offline_s, camera_offline_s, notify_sms, notify_email, notify_webhook, webhook_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tenant_id) DO UPDATE SET
			temp_min = EXCLUDED.temp_min, temp_max = EXCLUDED.temp_max, humidity_max = EXCLUDED.humidity_max,
			pm25_warn = EXCLUDED.pm25_warn, pm25_crit = EXCLUDED.pm25_crit,
			pm10_warn = EXCLUDED.pm10_warn, pm10_crit = EXCLUDED.pm10_crit,
			iaq_warn = EXCLUDED.iaq_warn, iaq_crit = EXCLUDED.iaq_crit,
			device_offline_s = EXCLUDED.device_offline_s, camera_offline_s = EXCLUDED.camera_offline_s,
			notify_sms = EXCLUDED.notify_sms, notify_email = EXCLUDED.notify_email,
			notify_webhook = EXCLUDED.notify_webhook, webhook_url = EXCLUDED.webhook_url`
	_, err := s.pool.Exec(ctx, q,
		t.TenantID, t.TempMin, t.TempMax, t.HumidityMax,
		t.PM25Warn, t.PM25Crit, t.PM10Warn, t.PM10Crit, t.IAQWarn, t.IAQCrit,
		t.DeviceOfflineS, t.CameraOfflineS, t.NotifySMS, t.NotifyEmail, t.NotifyWebhook, t.WebhookURL,
	)
	return classify("store.UpsertTenantThresholds", err)
}

// UpsertLocationThresholds inserts or replaces a location's threshold
// overrides.
func (s *Store) UpsertLocationThresholds(ctx context.Context, t model.LocationThresholds) error {
	const q = `
		INSERT INTO location_thresholds (
			location_id, temp_min, temp_max, humidity_max,
			pm25_warn, pm25_crit, pm10_warn, pm10_crit, iaq_warn, iaq_crit,
			device_offline_s, camera_offline_s
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (location_id) DO UPDATE SET
			temp_min = EXCLUDED.temp_min, temp_max = EXCLUDED.temp_max, humidity_max = EXCLUDED.humidity_max,
			pm25_warn = EXCLUDED.pm25_warn, pm25_crit = EXCLUDED.pm25_crit,
			pm10_warn = EXCLUDED.pm10_warn, pm10_crit = EXCLUDED.pm10_crit,
			iaq_warn = EXCLUDED.iaq_warn, iaq_crit = EXCLUDED.iaq_crit,
			device_offline_s = EXCLUDED.device_offline_s, camera_offline_s = EXCLUDED.camera_offline_s`
	_, err := s.pool.Exec(ctx, q,
		t.LocationID, t.TempMin, t.TempMax, t.HumidityMax,
		t.PM25Warn, t.PM25Crit, t.PM10Warn, t.PM10Crit, t.IAQWarn, t.IAQCrit,
		t.DeviceOfflineS, t.CameraOfflineS,
	)
	return classify("store.UpsertLocationThresholds", err)
}
