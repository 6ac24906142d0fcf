// Package dispatch implements the Command Dispatcher (C7), the single
// MQTT producer in Sentinel. Every outbound message — manual operator
// commands, licensing-driven DISABLE commands, firmware OTA triggers,
// provisioning config — flows through here.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/pkg/model"
)

// Publisher is the narrow dependency on the broker client.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishRetained(ctx context.Context, topic string, payload []byte) error
}

// CommandStore is the narrow persistence dependency.
type CommandStore interface {
	CreateCommand(ctx context.Context, c model.Command) (int64, error)
	SetCommandSent(ctx context.Context, id int64, now time.Time) error
	SetCommandFailed(ctx context.Context, id int64) error
}

// Dispatcher sends commands to devices.
type Dispatcher struct {
	publisher Publisher
	store     CommandStore
	clock     clockid.Clock
	logger    *slog.Logger
}

// New creates a Dispatcher.
func New(publisher Publisher, store CommandStore, clock clockid.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{publisher: publisher, store: store, clock: clock, logger: logger}
}

type wireCommand struct {
	Command  string         `json:"command"`
	Reason   string         `json:"reason"`
	Payload  map[string]any `json:"payload,omitempty"`
	IssuedAt string         `json:"issued_at"`
}

// Send persists a command as pending, publishes it, then transitions it
// to sent or failed depending on the publish outcome. If persistence
// itself fails, nothing is published and the error is returned as-is
// (already Kind-tagged by the store).
func (d *Dispatcher) Send(ctx context.Context, tenantID int64, deviceID, command string, reason *string, payload map[string]any, issuerUserID *int64) (model.Command, error) {
	now := d.clock.Now()
	reasonVal := ""
	if reason != nil {
		reasonVal = *reason
	}

	cmd := model.Command{
		DeviceID:     deviceID,
		TenantID:     tenantID,
		Command:      command,
		Reason:       reason,
		Payload:      payload,
		IssuerUserID: issuerUserID,
		CreatedAt:    now,
	}

	id, err := d.store.CreateCommand(ctx, cmd)
	if err != nil {
		return model.Command{}, fmt.Errorf("dispatch: persisting command: %w", err)
	}
	cmd.ID = id
	cmd.Status = model.CommandStatusPending

	body, err := json.Marshal(wireCommand{
		Command:  command,
		Reason:   reasonVal,
		Payload:  payload,
		IssuedAt: now.Format(time.RFC3339),
	})
	if err != nil {
		_ = d.store.SetCommandFailed(ctx, id)
		cmd.Status = model.CommandStatusFailed
		return cmd, fmt.Errorf("dispatch: marshaling command body: %w", err)
	}

	topic := fmt.Sprintf("workshop/%d/device/%s/command", tenantID, deviceID)
	if err := d.publisher.Publish(ctx, topic, body); err != nil {
		d.logger.Warn("dispatch: publish failed, marking command failed",
			"device_id", deviceID, "command", command, "error", err)
		if setErr := d.store.SetCommandFailed(ctx, id); setErr != nil {
			d.logger.Error("dispatch: recording failed command status", "error", setErr)
		}
		cmd.Status = model.CommandStatusFailed
		return cmd, nil
	}

	if err := d.store.SetCommandSent(ctx, id, d.clock.Now()); err != nil {
		d.logger.Error("dispatch: recording sent command status", "error", err)
	}
	cmd.Status = model.CommandStatusSent
	return cmd, nil
}

type wireProvisioningConfig struct {
	Command    string `json:"command"`
	LicenseKey string `json:"license_key"`
	WorkshopID int64  `json:"workshop_id"`
	PitID      *int64 `json:"pit_id,omitempty"`
}

// ProvisioningConfig publishes the retained provisioning config for a
// newly approved device. No Command row is created — the spec treats
// this as distinct from a runtime command (§4.7).
func (d *Dispatcher) ProvisioningConfig(ctx context.Context, deviceID, licenseKey string, tenantID int64, locationID *int64) error {
	body, err := json.Marshal(wireProvisioningConfig{
		Command:    "PROVISION",
		LicenseKey: licenseKey,
		WorkshopID: tenantID,
		PitID:      locationID,
	})
	if err != nil {
		return fmt.Errorf("dispatch: marshaling provisioning config: %w", err)
	}

	topic := fmt.Sprintf("provisioning/%s/config", deviceID)
	if err := d.publisher.PublishRetained(ctx, topic, body); err != nil {
		return fmt.Errorf("dispatch: publishing provisioning config: %w", err)
	}
	return nil
}
