// Package provisioning implements the Provisioning Handler (C8): the
// announce handshake new devices perform before an operator approves
// them, and the approval operation that binds a device to a tenant.
package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/internal/errs"
	"github.com/pitwatch/sentinel/pkg/model"
)

// DeviceStore is the narrow C2 dependency.
type DeviceStore interface {
	GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
	CreateProvisionalDevice(ctx context.Context, deviceID string, mac, firmwareVersion, ip *string, now time.Time) (int64, error)
	TouchProvisionalDevice(ctx context.Context, deviceID string, firmwareVersion, ip *string, now time.Time) error
	ApproveDevice(ctx context.Context, tx pgx.Tx, deviceID string, tenantID int64, locationID *int64, licenseKey string, primarySensorType string) error
}

// SubscriptionStore is the narrow C2 dependency for the trial
// subscription created on approval.
type SubscriptionStore interface {
	CreateTrialSubscription(ctx context.Context, tx pgx.Tx, tenantID int64, deviceID, licenseKey string, trialExpiresAt time.Time) (int64, error)
}

// TxRunner runs the approval's device-bind and subscription-create as one
// transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// ConfigPublisher is the narrow C7 dependency.
type ConfigPublisher interface {
	ProvisioningConfig(ctx context.Context, deviceID, licenseKey string, tenantID int64, locationID *int64) error
}

// Handler implements the announce handshake and the approval operation.
type Handler struct {
	devices       DeviceStore
	subscriptions SubscriptionStore
	tx            TxRunner
	dispatcher    ConfigPublisher
	clock         clockid.Clock
	logger        *slog.Logger
	trialDays     int
}

// New creates a Handler. trialDays defaults to 14 if <= 0.
func New(devices DeviceStore, subscriptions SubscriptionStore, tx TxRunner, dispatcher ConfigPublisher, clock clockid.Clock, logger *slog.Logger, trialDays int) *Handler {
	if trialDays <= 0 {
		trialDays = 14
	}
	return &Handler{devices: devices, subscriptions: subscriptions, tx: tx, dispatcher: dispatcher, clock: clock, logger: logger, trialDays: trialDays}
}

type announcePayload struct {
	DeviceID        string  `json:"device_id"`
	MAC             *string `json:"mac"`
	FirmwareVersion *string `json:"firmware_version"`
	IP              *string `json:"ip"`
}

// HandleAnnounce implements §4.8: create a pending device on first
// announce, refresh it on a duplicate announce while still pending, and
// ignore announces from already-provisioned devices.
func (h *Handler) HandleAnnounce(ctx context.Context, payload []byte) error {
	var p announcePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("provisioning: decoding announce: %w", err)
	}
	if p.DeviceID == "" {
		return fmt.Errorf("provisioning: announce missing device_id")
	}

	now := h.clock.Now()
	device, err := h.devices.GetDeviceByDeviceID(ctx, p.DeviceID)
	if errs.Is(err, errs.KindNotFound) {
		if _, err := h.devices.CreateProvisionalDevice(ctx, p.DeviceID, p.MAC, p.FirmwareVersion, p.IP, now); err != nil {
			return fmt.Errorf("provisioning: creating provisional device: %w", err)
		}
		h.logger.Info("provisioning: new device announced", "device_id", p.DeviceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("provisioning: looking up device: %w", err)
	}

	if device.Status != model.DeviceStatusPending {
		return nil
	}
	if err := h.devices.TouchProvisionalDevice(ctx, p.DeviceID, p.FirmwareVersion, p.IP, now); err != nil {
		return fmt.Errorf("provisioning: refreshing provisional device: %w", err)
	}
	return nil
}

// Approval is the result of approving a pending device.
type Approval struct {
	Device       model.Device
	LicenseKey   string
	Subscription model.Subscription
}

// Approve binds a pending device to a tenant/location, mints a license
// key, creates its trial subscription, and publishes the provisioning
// config retained to the device. Idempotent against duplicate commits via
// the license key's unique constraint (I4).
func (h *Handler) Approve(ctx context.Context, deviceID string, tenantID int64, locationID *int64, primarySensorType string, issuerUserID *int64) (Approval, error) {
	licenseKey := clockid.GenerateLicenseKey()
	now := h.clock.Now()
	trialExpiresAt := now.AddDate(0, 0, h.trialDays)

	var subscriptionID int64
	err := h.tx.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := h.devices.ApproveDevice(ctx, tx, deviceID, tenantID, locationID, licenseKey, primarySensorType); err != nil {
			return err
		}
		id, err := h.subscriptions.CreateTrialSubscription(ctx, tx, tenantID, deviceID, licenseKey, trialExpiresAt)
		if err != nil {
			return err
		}
		subscriptionID = id
		return nil
	})
	if err != nil {
		return Approval{}, fmt.Errorf("provisioning: approving device: %w", err)
	}

	device, err := h.devices.GetDeviceByDeviceID(ctx, deviceID)
	if err != nil {
		return Approval{}, fmt.Errorf("provisioning: reloading approved device: %w", err)
	}

	if err := h.dispatcher.ProvisioningConfig(ctx, deviceID, licenseKey, tenantID, locationID); err != nil {
		h.logger.Error("provisioning: publishing provisioning config failed", "device_id", deviceID, "error", err)
	}

	return Approval{
		Device:     device,
		LicenseKey: licenseKey,
		Subscription: model.Subscription{
			ID:             subscriptionID,
			TenantID:       tenantID,
			LicenseKey:     licenseKey,
			Plan:           "trial",
			Status:         model.SubscriptionStatusTrial,
			TrialExpiresAt: &trialExpiresAt,
		},
	}, nil
}
