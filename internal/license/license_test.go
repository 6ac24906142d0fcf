package license

import (
	"context"
	"errors"
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

type fakeDevices struct {
	device model.Device
	err    error
}

func (f fakeDevices) GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error) {
	if f.err != nil {
		return model.Device{}, f.err
	}
	return f.device, nil
}

type fakeSubscriptions struct {
	sub model.Subscription
	err error
}

func (f fakeSubscriptions) GetSubscriptionByLicenseKey(ctx context.Context, licenseKey string) (model.Subscription, error) {
	if f.err != nil {
		return model.Subscription{}, f.err
	}
	return f.sub, nil
}

func TestDecideUnknownDevice(t *testing.T) {
	g := newTestGate(fakeDevices{err: errors.New("not found")}, fakeSubscriptions{}, time.Now())
	d := g.Decide(context.Background(), "ESP32-AAAA", "LIC-AAAA-BBBB-CCCC")
	if d.Valid || d.Reason != UnknownDevice {
		t.Fatalf("got %+v, want UnknownDevice", d)
	}
}

func TestDecideKeyMismatch(t *testing.T) {
	key := "LIC-AAAA-BBBB-CCCC"
	device := model.Device{DeviceID: "ESP32-AAAA", LicenseKey: &key, Status: model.DeviceStatusActive}
	g := newTestGate(fakeDevices{device: device}, fakeSubscriptions{}, time.Now())
	d := g.Decide(context.Background(), "ESP32-AAAA", "LIC-WRONG-0000-0000")
	if d.Valid || d.Reason != KeyMismatch {
		t.Fatalf("got %+v, want KeyMismatch", d)
	}
}

func TestDecideDeviceDisabled(t *testing.T) {
	key := "LIC-AAAA-BBBB-CCCC"
	device := model.Device{DeviceID: "ESP32-AAAA", LicenseKey: &key, Status: model.DeviceStatusDisabled}
	g := newTestGate(fakeDevices{device: device}, fakeSubscriptions{}, time.Now())
	d := g.Decide(context.Background(), "ESP32-AAAA", key)
	if d.Valid || d.Reason != DeviceDisabled {
		t.Fatalf("got %+v, want DeviceDisabled", d)
	}
}

func TestDecideNoSubscription(t *testing.T) {
	key := "LIC-AAAA-BBBB-CCCC"
	device := model.Device{DeviceID: "ESP32-AAAA", LicenseKey: &key, Status: model.DeviceStatusActive}
	g := newTestGate(fakeDevices{device: device}, fakeSubscriptions{err: errors.New("not found")}, time.Now())
	d := g.Decide(context.Background(), "ESP32-AAAA", key)
	if d.Valid || d.Reason != NoSubscription {
		t.Fatalf("got %+v, want NoSubscription", d)
	}
}

func TestDecideSubscriptionExpiredStatus(t *testing.T) {
	key := "LIC-AAAA-BBBB-CCCC"
	device := model.Device{DeviceID: "ESP32-AAAA", LicenseKey: &key, Status: model.DeviceStatusActive}
	sub := model.Subscription{LicenseKey: key, Status: model.SubscriptionStatusExpired}
	g := newTestGate(fakeDevices{device: device}, fakeSubscriptions{sub: sub}, time.Now())
	d := g.Decide(context.Background(), "ESP32-AAAA", key)
	if d.Valid || d.Reason != SubscriptionExpired {
		t.Fatalf("got %+v, want SubscriptionExpired", d)
	}
}

func TestDecideLicenseExpiredByDate(t *testing.T) {
	key := "LIC-AAAA-BBBB-CCCC"
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	tenantID := int64(1)
	device := model.Device{DeviceID: "ESP32-AAAA", LicenseKey: &key, Status: model.DeviceStatusActive, TenantID: &tenantID}
	sub := model.Subscription{LicenseKey: key, Status: model.SubscriptionStatusActive, ExpiresAt: &past}
	g := newTestGate(fakeDevices{device: device}, fakeSubscriptions{sub: sub}, now)
	d := g.Decide(context.Background(), "ESP32-AAAA", key)
	if d.Valid || d.Reason != LicenseExpired {
		t.Fatalf("got %+v, want LicenseExpired", d)
	}
}

func TestDecideValid(t *testing.T) {
	key := "LIC-AAAA-BBBB-CCCC"
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	tenantID := int64(7)
	locationID := int64(3)
	device := model.Device{
		DeviceID: "ESP32-AAAA", LicenseKey: &key, Status: model.DeviceStatusActive,
		TenantID: &tenantID, LocationID: &locationID,
	}
	sub := model.Subscription{LicenseKey: key, Status: model.SubscriptionStatusActive, ExpiresAt: &future}
	g := newTestGate(fakeDevices{device: device}, fakeSubscriptions{sub: sub}, now)
	d := g.Decide(context.Background(), "ESP32-AAAA", key)
	if !d.Valid || d.TenantID != tenantID || d.LocationID == nil || *d.LocationID != locationID {
		t.Fatalf("got %+v, want Valid with tenant=%d location=%d", d, tenantID, locationID)
	}
}

func newTestGate(dl fakeDevices, sl fakeSubscriptions, now time.Time) *Gate {
	return New(dl, sl, clockid.FixedClock{At: now}, newDiscardLogger())
}
