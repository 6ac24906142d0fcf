// Package license implements the License Gate (C4): a pure authorization
// decision for a (device_id, license_key) pair. It has no side effects —
// it never writes to the database or the broker — so it can be unit
// tested against fakes without any live infrastructure (P2).
package license

import (
	"context"
	"log/slog"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/pkg/model"
)

// Reason enumerates why a decision was Invalid.
type Reason string

const (
	UnknownDevice        Reason = "UnknownDevice"
	KeyMismatch          Reason = "KeyMismatch"
	DeviceDisabled       Reason = "DeviceDisabled"
	DeviceSuspended      Reason = "DeviceSuspended"
	NoSubscription       Reason = "NoSubscription"
	SubscriptionExpired  Reason = "SubscriptionExpired"
	SubscriptionSuspended Reason = "SubscriptionSuspended"
	LicenseExpired       Reason = "LicenseExpired"
)

// Human renders Reason as the human-readable phrase callers should surface
// on the wire (e.g. as a DISABLE command's reason field), matching the
// original license service's rejection messages.
func (r Reason) Human() string {
	switch r {
	case UnknownDevice:
		return "Unknown device"
	case KeyMismatch:
		return "License key mismatch"
	case DeviceDisabled:
		return "Device disabled"
	case DeviceSuspended:
		return "Subscription suspended"
	case NoSubscription:
		return "No active subscription"
	case SubscriptionExpired:
		return "Subscription expired"
	case SubscriptionSuspended:
		return "Subscription suspended — payment overdue"
	case LicenseExpired:
		return "License expired"
	default:
		return string(r)
	}
}

// Decision is the outcome of Decide. Valid is true exactly when the
// message should be accepted; otherwise Reason explains why not.
type Decision struct {
	Valid      bool
	Reason     Reason
	Device     *model.Device
	TenantID   int64
	LocationID *int64
}

// DeviceLookup is the narrow read-only dependency the gate needs from the
// persistence gateway (C2). Production wiring satisfies this with
// *store.Store; tests supply a fake.
type DeviceLookup interface {
	GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
}

// SubscriptionLookup is the other read-only dependency the gate needs.
type SubscriptionLookup interface {
	GetSubscriptionByLicenseKey(ctx context.Context, licenseKey string) (model.Subscription, error)
}

// Gate decides whether an inbound (device_id, license_key) pair may
// publish data.
type Gate struct {
	devices       DeviceLookup
	subscriptions SubscriptionLookup
	clock         clockid.Clock
	logger        *slog.Logger
}

// New creates a Gate.
func New(devices DeviceLookup, subscriptions SubscriptionLookup, clock clockid.Clock, logger *slog.Logger) *Gate {
	return &Gate{devices: devices, subscriptions: subscriptions, clock: clock, logger: logger}
}

// Decide runs the short-circuit resolution order from §4.4. It never
// mutates state; callers (C5, C8) are responsible for acting on the
// decision.
func (g *Gate) Decide(ctx context.Context, deviceID, licenseKey string) Decision {
	now := g.clock.Now()

	// 1. Load device by device_id.
	device, err := g.devices.GetDeviceByDeviceID(ctx, deviceID)
	if err != nil {
		g.logger.Debug("license gate: unknown device", "device_id", deviceID)
		return Decision{Reason: UnknownDevice}
	}

	// 2. Compare license key byte-for-byte.
	if device.LicenseKey == nil || *device.LicenseKey != licenseKey {
		g.logger.Warn("license gate: key mismatch",
			"device_id", deviceID, "license_key", clockid.MaskLicenseKey(licenseKey))
		return Decision{Reason: KeyMismatch, Device: &device}
	}

	// 3. Device status.
	switch device.Status {
	case model.DeviceStatusDisabled:
		return Decision{Reason: DeviceDisabled, Device: &device}
	case model.DeviceStatusSuspended:
		return Decision{Reason: DeviceSuspended, Device: &device}
	}

	// 4. Load subscription by license key (I4: subscription's license_key
	// matches the device's).
	sub, err := g.subscriptions.GetSubscriptionByLicenseKey(ctx, licenseKey)
	if err != nil {
		return Decision{Reason: NoSubscription, Device: &device}
	}

	// 5. Subscription status.
	switch sub.Status {
	case model.SubscriptionStatusExpired:
		return Decision{Reason: SubscriptionExpired, Device: &device}
	case model.SubscriptionStatusSuspended:
		return Decision{Reason: SubscriptionSuspended, Device: &device}
	}

	// 6. Explicit expiry, independent of cached status.
	if sub.ExpiresAt != nil && sub.ExpiresAt.Before(now) {
		return Decision{Reason: LicenseExpired, Device: &device}
	}

	// 7. Valid.
	if device.TenantID == nil {
		return Decision{Reason: UnknownDevice, Device: &device}
	}
	return Decision{
		Valid:      true,
		Device:     &device,
		TenantID:   *device.TenantID,
		LocationID: device.LocationID,
	}
}
