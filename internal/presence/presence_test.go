package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/pkg/model"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDeviceStore struct {
	stale          []model.Device
	offlineCalls   []string
}

func (f *fakeDeviceStore) ListStaleOnlineDevices(ctx context.Context, olderThan time.Time) ([]model.Device, error) {
	return f.stale, nil
}

func (f *fakeDeviceStore) SetDeviceOffline(ctx context.Context, deviceID string) error {
	f.offlineCalls = append(f.offlineCalls, deviceID)
	return nil
}

type fakeCameraStore struct {
	stale        []model.Location
	offlineCalls []int64
}

func (f *fakeCameraStore) ListStaleOnlineCameras(ctx context.Context, olderThan time.Time) ([]model.Location, error) {
	return f.stale, nil
}

func (f *fakeCameraStore) SetCameraOffline(ctx context.Context, locationID int64) error {
	f.offlineCalls = append(f.offlineCalls, locationID)
	return nil
}

type fakeAlertStore struct {
	alerts []model.Alert
}

func (f *fakeAlertStore) CreateAlert(ctx context.Context, a model.Alert) (int64, error) {
	f.alerts = append(f.alerts, a)
	return int64(len(f.alerts)), nil
}

type fakeFanout struct {
	deviceOffline int
	cameraOffline int
}

func (f *fakeFanout) DeviceOffline(tenantID, locationID int64, deviceID string) { f.deviceOffline++ }
func (f *fakeFanout) CameraOffline(tenantID, locationID int64, cameraID string) { f.cameraOffline++ }

func TestTickMarksStaleDeviceOfflineAndRaisesAlert(t *testing.T) {
	tenantID := int64(1)
	locationID := int64(9)
	devices := &fakeDeviceStore{stale: []model.Device{
		{DeviceID: "ESP32-AAAA", TenantID: &tenantID, LocationID: &locationID},
	}}
	cameras := &fakeCameraStore{}
	alerts := &fakeAlertStore{}
	fanout := &fakeFanout{}
	sw := New(devices, cameras, alerts, fanout, clockid.RealClock{}, newDiscardLogger(), time.Minute, 60, 30)

	if err := sw.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(devices.offlineCalls) != 1 || devices.offlineCalls[0] != "ESP32-AAAA" {
		t.Fatalf("offlineCalls = %v, want [ESP32-AAAA]", devices.offlineCalls)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Type != model.AlertDeviceOffline {
		t.Fatalf("alerts = %+v, want one device_offline alert", alerts.alerts)
	}
	if fanout.deviceOffline != 1 {
		t.Fatalf("deviceOffline fanout calls = %d, want 1", fanout.deviceOffline)
	}
}

func TestTickMarksStaleCameraOfflineAndRaisesAlert(t *testing.T) {
	cameraID := "CAM-1"
	devices := &fakeDeviceStore{}
	cameras := &fakeCameraStore{stale: []model.Location{
		{ID: 9, TenantID: 1, Number: 3, CameraID: &cameraID},
	}}
	alerts := &fakeAlertStore{}
	fanout := &fakeFanout{}
	sw := New(devices, cameras, alerts, fanout, clockid.RealClock{}, newDiscardLogger(), time.Minute, 60, 30)

	if err := sw.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(cameras.offlineCalls) != 1 || cameras.offlineCalls[0] != 9 {
		t.Fatalf("offlineCalls = %v, want [9]", cameras.offlineCalls)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Type != model.AlertCameraOffline {
		t.Fatalf("alerts = %+v, want one camera_offline alert", alerts.alerts)
	}
	if fanout.cameraOffline != 1 {
		t.Fatalf("cameraOffline fanout calls = %d, want 1", fanout.cameraOffline)
	}
}

func TestTickSkipsDeviceWithNoTenant(t *testing.T) {
	devices := &fakeDeviceStore{stale: []model.Device{{DeviceID: "ESP32-ORPHAN"}}}
	cameras := &fakeCameraStore{}
	alerts := &fakeAlertStore{}
	fanout := &fakeFanout{}
	sw := New(devices, cameras, alerts, fanout, clockid.RealClock{}, newDiscardLogger(), time.Minute, 60, 30)

	if err := sw.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(devices.offlineCalls) != 0 {
		t.Fatalf("expected no offline call for an unbound device, got %v", devices.offlineCalls)
	}
	if len(alerts.alerts) != 0 {
		t.Fatalf("expected no alert for an unbound device, got %+v", alerts.alerts)
	}
}
