// Package subscriptionlifecycle implements the Subscription/Licensing
// Lifecycle sweeper (C10): a periodic worker that expires subscriptions,
// suspends devices whose grace period has lapsed, warns of upcoming
// expiry, and re-enables devices on payment.
package subscriptionlifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/pkg/model"
)

const (
	defaultInterval     = 5 * time.Minute
	expiryWarningWindow = 7 * 24 * time.Hour
)

// SubscriptionStore is the sweeper's narrow persistence dependency.
type SubscriptionStore interface {
	ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]model.Subscription, error)
	ListExpiredPastGrace(ctx context.Context, now time.Time) ([]model.Subscription, error)
	ListExpiringSubscriptions(ctx context.Context, now time.Time, window time.Duration) ([]model.Subscription, error)
	SetSubscriptionStatus(ctx context.Context, id int64, status string) error
	RecordPayment(ctx context.Context, id int64, newExpiresAt, paidAt time.Time) error
	WasWarnedRecently(ctx context.Context, deviceID string, alertType string, since time.Time) (bool, error)
	GetSubscription(ctx context.Context, id int64) (model.Subscription, error)
}

// AlertStore persists the expiry-warning alerts this package raises.
type AlertStore interface {
	CreateAlert(ctx context.Context, a model.Alert) (int64, error)
}

// DeviceStore resolves and updates the device bound to a subscription.
type DeviceStore interface {
	GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
	SetDeviceStatus(ctx context.Context, deviceID string, status string) error
}

// Dispatcher sends the DISABLE command to a device whose subscription
// lapsed past its grace period.
type Dispatcher interface {
	Send(ctx context.Context, tenantID int64, deviceID, command string, reason *string, payload map[string]any, issuerUserID *int64) (model.Command, error)
}

// Sweeper is the periodic lifecycle worker.
type Sweeper struct {
	subscriptions SubscriptionStore
	alerts        AlertStore
	devices       DeviceStore
	dispatcher    Dispatcher
	clock         clockid.Clock
	logger        *slog.Logger
	interval      time.Duration
}

// New creates a Sweeper. interval defaults to 5 minutes when zero.
func New(subscriptions SubscriptionStore, alerts AlertStore, devices DeviceStore, dispatcher Dispatcher, clock clockid.Clock, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		subscriptions: subscriptions,
		alerts:        alerts,
		devices:       devices,
		dispatcher:    dispatcher,
		clock:         clock,
		logger:        logger,
		interval:      interval,
	}
}

// Run blocks, ticking at the sweeper's configured interval, until ctx is
// cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	sw.logger.Info("subscription lifecycle sweeper started", "interval", sw.interval)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	if err := sw.Tick(ctx); err != nil {
		sw.logger.Error("subscription lifecycle sweep", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("subscription lifecycle sweeper stopped")
			return nil
		case <-ticker.C:
			if err := sw.Tick(ctx); err != nil {
				sw.logger.Error("subscription lifecycle sweep", "error", err)
			}
		}
	}
}

// Tick runs one full sweep: expire, suspend-past-grace, warn-of-expiry
// (§4.10).
func (sw *Sweeper) Tick(ctx context.Context) error {
	now := sw.clock.Now()

	if err := sw.expireLapsed(ctx, now); err != nil {
		return fmt.Errorf("subscriptionlifecycle: expiring lapsed subscriptions: %w", err)
	}
	if err := sw.suspendPastGrace(ctx, now); err != nil {
		return fmt.Errorf("subscriptionlifecycle: suspending past-grace subscriptions: %w", err)
	}
	if err := sw.warnExpiring(ctx, now); err != nil {
		return fmt.Errorf("subscriptionlifecycle: warning of expiring subscriptions: %w", err)
	}
	return nil
}

// expireLapsed transitions trial/active subscriptions whose expiry has
// passed to expired (§4.10 step 1).
func (sw *Sweeper) expireLapsed(ctx context.Context, now time.Time) error {
	subs, err := sw.subscriptions.ListExpiredSubscriptions(ctx, now)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := sw.subscriptions.SetSubscriptionStatus(ctx, sub.ID, model.SubscriptionStatusExpired); err != nil {
			sw.logger.Error("marking subscription expired", "subscription_id", sub.ID, "error", err)
			continue
		}
		sw.logger.Info("subscription expired", "subscription_id", sub.ID, "tenant_id", sub.TenantID)
	}
	return nil
}

// suspendPastGrace transitions expired subscriptions whose grace period
// has elapsed to suspended, and issues a DISABLE command to any bound
// device (§4.10 step 2).
func (sw *Sweeper) suspendPastGrace(ctx context.Context, now time.Time) error {
	subs, err := sw.subscriptions.ListExpiredPastGrace(ctx, now)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := sw.subscriptions.SetSubscriptionStatus(ctx, sub.ID, model.SubscriptionStatusSuspended); err != nil {
			sw.logger.Error("marking subscription suspended", "subscription_id", sub.ID, "error", err)
			continue
		}
		sw.logger.Info("subscription suspended past grace period", "subscription_id", sub.ID, "tenant_id", sub.TenantID)
		sw.disableBoundDevice(ctx, sub)
	}
	return nil
}

func (sw *Sweeper) disableBoundDevice(ctx context.Context, sub model.Subscription) {
	if sub.DeviceID == nil {
		return
	}
	if err := sw.devices.SetDeviceStatus(ctx, *sub.DeviceID, model.DeviceStatusSuspended); err != nil {
		sw.logger.Error("suspending device for lapsed subscription", "device_id", *sub.DeviceID, "error", err)
	}
	reason := "subscription suspended: grace period elapsed"
	if _, err := sw.dispatcher.Send(ctx, sub.TenantID, *sub.DeviceID, model.CommandDisable, &reason, nil, nil); err != nil {
		sw.logger.Error("dispatching disable for suspended subscription", "device_id", *sub.DeviceID, "error", err)
	}
}

// warnExpiring raises a subscription_expiring alert (warning severity)
// for every subscription expiring within 7 days, deduplicated per
// subscription's device within a 24-hour window (§4.10 step 3).
func (sw *Sweeper) warnExpiring(ctx context.Context, now time.Time) error {
	subs, err := sw.subscriptions.ListExpiringSubscriptions(ctx, now, expiryWarningWindow)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.DeviceID == nil {
			continue
		}
		warned, err := sw.subscriptions.WasWarnedRecently(ctx, *sub.DeviceID, model.AlertSubscriptionExpiring, now.Add(-24*time.Hour))
		if err != nil {
			sw.logger.Error("checking expiry warning dedup", "device_id", *sub.DeviceID, "error", err)
			continue
		}
		if warned {
			continue
		}

		device, err := sw.devices.GetDeviceByDeviceID(ctx, *sub.DeviceID)
		if err != nil {
			sw.logger.Error("resolving device for expiry warning", "device_id", *sub.DeviceID, "error", err)
			continue
		}

		expiresAt := sub.ExpiresAt
		if expiresAt == nil {
			expiresAt = sub.TrialExpiresAt
		}
		alert := model.Alert{
			TenantID:   sub.TenantID,
			LocationID: device.LocationID,
			DeviceID:   sub.DeviceID,
			Type:       model.AlertSubscriptionExpiring,
			Severity:   model.SeverityWarning,
			Message:    fmt.Sprintf("Subscription for device %s expires soon", *sub.DeviceID),
			CreatedAt:  now,
		}
		if expiresAt != nil {
			alert.Message = fmt.Sprintf("Subscription for device %s expires on %s", *sub.DeviceID, expiresAt.Format("2006-01-02"))
		}
		if _, err := sw.alerts.CreateAlert(ctx, alert); err != nil {
			sw.logger.Error("raising subscription expiry warning", "device_id", *sub.DeviceID, "error", err)
		}
	}
	return nil
}

// RecordPayment extends a subscription's expiry by 30×extendMonths days
// from the later of now or the subscription's current expiry, sets
// next_payment_at accordingly, and re-enables the bound device if it was
// suspended (§4.10, P7: extension is monotonic).
func (sw *Sweeper) RecordPayment(ctx context.Context, subscriptionID int64, extendMonths int) (model.Subscription, error) {
	sub, err := sw.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("subscriptionlifecycle: loading subscription: %w", err)
	}

	now := sw.clock.Now()
	base := now
	if sub.ExpiresAt != nil && sub.ExpiresAt.After(base) {
		base = *sub.ExpiresAt
	}
	newExpiresAt := base.AddDate(0, 0, 30*extendMonths)

	if err := sw.subscriptions.RecordPayment(ctx, subscriptionID, newExpiresAt, now); err != nil {
		return model.Subscription{}, fmt.Errorf("subscriptionlifecycle: recording payment: %w", err)
	}

	if sub.DeviceID != nil {
		device, err := sw.devices.GetDeviceByDeviceID(ctx, *sub.DeviceID)
		if err != nil {
			sw.logger.Error("resolving device after payment", "device_id", *sub.DeviceID, "error", err)
		} else if device.Status == model.DeviceStatusSuspended {
			if err := sw.devices.SetDeviceStatus(ctx, *sub.DeviceID, model.DeviceStatusActive); err != nil {
				sw.logger.Error("re-enabling device after payment", "device_id", *sub.DeviceID, "error", err)
			}
			reason := "subscription payment recorded"
			if _, err := sw.dispatcher.Send(ctx, sub.TenantID, *sub.DeviceID, model.CommandEnable, &reason, nil, nil); err != nil {
				sw.logger.Error("dispatching enable after payment", "device_id", *sub.DeviceID, "error", err)
			}
		}
	}

	sub, err = sw.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("subscriptionlifecycle: reloading subscription: %w", err)
	}
	return sub, nil
}
