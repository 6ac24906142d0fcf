// Package presence implements the device/camera presence sweeper
// referenced by the alert taxonomy (§4.6) and the real-time hub's event
// list (§4.9): a periodic worker that marks devices and camera-equipped
// locations offline once they stop reporting, raising the corresponding
// alert and broadcasting the matching hub event.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/pkg/model"
)

const defaultInterval = 30 * time.Second

// DeviceStore is the sweeper's narrow device persistence dependency.
type DeviceStore interface {
	ListStaleOnlineDevices(ctx context.Context, olderThan time.Time) ([]model.Device, error)
	SetDeviceOffline(ctx context.Context, deviceID string) error
}

// CameraStore is the sweeper's narrow camera persistence dependency.
type CameraStore interface {
	ListStaleOnlineCameras(ctx context.Context, olderThan time.Time) ([]model.Location, error)
	SetCameraOffline(ctx context.Context, locationID int64) error
}

// AlertStore persists the offline alerts this package raises.
type AlertStore interface {
	CreateAlert(ctx context.Context, a model.Alert) (int64, error)
}

// Fanout is the narrow C9 dependency the sweeper uses to broadcast
// offline transitions in real time.
type Fanout interface {
	DeviceOffline(tenantID, locationID int64, deviceID string)
	CameraOffline(tenantID, locationID int64, cameraID string)
}

// Sweeper is the periodic presence worker.
type Sweeper struct {
	devices DeviceStore
	cameras CameraStore
	alerts  AlertStore
	fanout  Fanout
	clock   clockid.Clock
	logger  *slog.Logger

	interval      time.Duration
	deviceOffline time.Duration
	cameraOffline time.Duration
}

// New creates a Sweeper. interval defaults to 30 seconds when zero.
func New(devices DeviceStore, cameras CameraStore, alerts AlertStore, fanout Fanout, clock clockid.Clock, logger *slog.Logger, interval time.Duration, deviceOfflineSeconds, cameraOfflineSeconds int) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		devices: devices, cameras: cameras, alerts: alerts, fanout: fanout,
		clock: clock, logger: logger, interval: interval,
		deviceOffline: time.Duration(deviceOfflineSeconds) * time.Second,
		cameraOffline: time.Duration(cameraOfflineSeconds) * time.Second,
	}
}

// Run blocks, ticking at the sweeper's configured interval, until ctx is
// cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	sw.logger.Info("presence sweeper started", "interval", sw.interval)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	if err := sw.Tick(ctx); err != nil {
		sw.logger.Error("presence sweep", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("presence sweeper stopped")
			return nil
		case <-ticker.C:
			if err := sw.Tick(ctx); err != nil {
				sw.logger.Error("presence sweep", "error", err)
			}
		}
	}
}

// Tick runs one full sweep: stale devices, then stale cameras.
func (sw *Sweeper) Tick(ctx context.Context) error {
	now := sw.clock.Now()
	if err := sw.sweepDevices(ctx, now); err != nil {
		return fmt.Errorf("presence: sweeping stale devices: %w", err)
	}
	if err := sw.sweepCameras(ctx, now); err != nil {
		return fmt.Errorf("presence: sweeping stale cameras: %w", err)
	}
	return nil
}

func (sw *Sweeper) sweepDevices(ctx context.Context, now time.Time) error {
	stale, err := sw.devices.ListStaleOnlineDevices(ctx, now.Add(-sw.deviceOffline))
	if err != nil {
		return err
	}
	for _, d := range stale {
		if d.TenantID == nil {
			continue
		}
		if err := sw.devices.SetDeviceOffline(ctx, d.DeviceID); err != nil {
			sw.logger.Error("marking device offline", "device_id", d.DeviceID, "error", err)
			continue
		}
		sw.logger.Info("device went offline", "device_id", d.DeviceID, "tenant_id", *d.TenantID)

		alert := model.Alert{
			TenantID:   *d.TenantID,
			LocationID: d.LocationID,
			DeviceID:   &d.DeviceID,
			Type:       model.AlertDeviceOffline,
			Severity:   model.SeverityWarning,
			Message:    fmt.Sprintf("Device %s stopped reporting", d.DeviceID),
			CreatedAt:  now,
		}
		if _, err := sw.alerts.CreateAlert(ctx, alert); err != nil {
			sw.logger.Error("raising device_offline alert", "device_id", d.DeviceID, "error", err)
		}
		if sw.fanout != nil && d.LocationID != nil {
			sw.fanout.DeviceOffline(*d.TenantID, *d.LocationID, d.DeviceID)
		}
	}
	return nil
}

func (sw *Sweeper) sweepCameras(ctx context.Context, now time.Time) error {
	stale, err := sw.cameras.ListStaleOnlineCameras(ctx, now.Add(-sw.cameraOffline))
	if err != nil {
		return err
	}
	for _, l := range stale {
		if l.CameraID == nil {
			continue
		}
		if err := sw.cameras.SetCameraOffline(ctx, l.ID); err != nil {
			sw.logger.Error("marking camera offline", "location_id", l.ID, "error", err)
			continue
		}
		sw.logger.Info("camera went offline", "location_id", l.ID, "tenant_id", l.TenantID)

		alert := model.Alert{
			TenantID:   l.TenantID,
			LocationID: &l.ID,
			Type:       model.AlertCameraOffline,
			Severity:   model.SeverityWarning,
			Message:    fmt.Sprintf("Camera at pit %d stopped reporting", l.Number),
			CreatedAt:  now,
		}
		if _, err := sw.alerts.CreateAlert(ctx, alert); err != nil {
			sw.logger.Error("raising camera_offline alert", "location_id", l.ID, "error", err)
		}
		if sw.fanout != nil {
			sw.fanout.CameraOffline(l.TenantID, l.ID, *l.CameraID)
		}
	}
	return nil
}
