// Package alertengine implements the Alert Engine (C6): threshold
// resolution, per-signal classification, cooldown suppression, and
// persistence of the resulting alerts.
package alertengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/internal/telemetry"
	"github.com/pitwatch/sentinel/pkg/model"
)

// ThresholdLookup is the narrow store dependency for threshold
// resolution (I6).
type ThresholdLookup interface {
	GetTenantThresholds(ctx context.Context, tenantID int64) (*model.TenantThresholds, error)
	GetLocationThresholds(ctx context.Context, locationID int64) (*model.LocationThresholds, error)
}

// AlertCreator is the narrow store dependency for persisting alerts.
type AlertCreator interface {
	CreateAlert(ctx context.Context, a model.Alert) (int64, error)
}

// Engine evaluates a stored reading against resolved thresholds and
// raises alerts, subject to cooldown suppression.
type Engine struct {
	thresholds ThresholdLookup
	alerts     AlertCreator
	cooldown   *Cooldown
	clock      clockid.Clock
	logger     *slog.Logger
}

// New creates an Engine.
func New(thresholds ThresholdLookup, alerts AlertCreator, cooldown *Cooldown, clock clockid.Clock, logger *slog.Logger) *Engine {
	return &Engine{thresholds: thresholds, alerts: alerts, cooldown: cooldown, clock: clock, logger: logger}
}

type signal struct {
	alertType string
	value     *float64
	cls       classification
	unit      string
	label     string
	lowReason string // reason phrase for a below-minimum crossing (temperature only)
}

// Evaluate resolves thresholds for r's tenant/location, classifies every
// populated signal, and persists a new Alert for each signal that
// crosses its threshold and is not within its cooldown window. It never
// fails the caller's ingest transaction: persistence errors for one
// signal are logged and evaluation continues with the rest (sweepers and
// the ingest fan-out treat alerting as best-effort once the reading
// itself is safely stored).
func (e *Engine) Evaluate(ctx context.Context, r model.Reading) ([]model.Alert, error) {
	tenantThresholds, err := e.thresholds.GetTenantThresholds(ctx, r.TenantID)
	if err != nil {
		return nil, fmt.Errorf("alertengine: loading tenant thresholds: %w", err)
	}
	locationThresholds, err := e.thresholds.GetLocationThresholds(ctx, r.LocationID)
	if err != nil {
		return nil, fmt.Errorf("alertengine: loading location thresholds: %w", err)
	}
	resolved := Resolve(r.TenantID, tenantThresholds, locationThresholds)

	signals := e.classifySignals(r, resolved)

	var raised []model.Alert
	now := e.clock.Now()
	for _, sig := range signals {
		if sig.cls.level == levelUnknown || sig.cls.level == levelGood {
			continue
		}

		active, err := e.cooldown.Active(ctx, r.DeviceID, r.LocationID, sig.alertType, now)
		if err != nil {
			e.logger.Error("alertengine: cooldown check failed, raising alert anyway", "error", err, "type", sig.alertType)
		} else if active {
			telemetry.AlertsSuppressedTotal.Inc()
			continue
		}

		severity := model.SeverityWarning
		if sig.cls.level == levelCritical {
			severity = model.SeverityCritical
		}

		alert := model.Alert{
			TenantID:       r.TenantID,
			LocationID:     &r.LocationID,
			DeviceID:       &r.DeviceID,
			Type:           sig.alertType,
			Severity:       severity,
			Message:        formatMessage(sig),
			TriggerValue:   sig.value,
			ThresholdValue: &sig.cls.threshold,
			CreatedAt:      now,
		}

		id, err := e.alerts.CreateAlert(ctx, alert)
		if err != nil {
			e.logger.Error("alertengine: persisting alert failed", "error", err, "type", sig.alertType, "device_id", r.DeviceID)
			continue
		}
		alert.ID = id
		telemetry.AlertsRaisedTotal.WithLabelValues(sig.alertType, severity).Inc()
		raised = append(raised, alert)
	}

	return raised, nil
}

func (e *Engine) classifySignals(r model.Reading, t ResolvedThresholds) []signal {
	var out []signal

	if r.Temperature != nil {
		cls := classifyTemperature(r.Temperature, t.TempMin, t.TempMax)
		alertType := model.AlertTempTooHigh
		low := false
		if cls.level != levelGood && cls.level != levelUnknown && *r.Temperature < t.TempMin {
			alertType = model.AlertTempTooLow
			low = true
		}
		out = append(out, signal{alertType: alertType, value: r.Temperature, cls: cls, unit: "°C", label: "Temperature", lowReason: boolToLowReason(low)})
	}

	if r.Humidity != nil {
		cls := classifyHumidity(r.Humidity, t.HumidityMax)
		out = append(out, signal{alertType: model.AlertHumidityTooHigh, value: r.Humidity, cls: cls, unit: "%", label: "Humidity"})
	}

	if r.PM25 != nil {
		cls := classifyTriLevel(r.PM25, t.PM25Warn, t.PM25Crit)
		out = append(out, signal{alertType: model.AlertHighPM25, value: r.PM25, cls: cls, unit: "µg/m³", label: "PM2.5"})
	}

	if r.PM10 != nil {
		cls := classifyTriLevel(r.PM10, t.PM10Warn, t.PM10Crit)
		out = append(out, signal{alertType: model.AlertHighPM10, value: r.PM10, cls: cls, unit: "µg/m³", label: "PM10"})
	}

	if r.IAQ != nil {
		cls := classifyTriLevel(r.IAQ, t.IAQWarn, t.IAQCrit)
		out = append(out, signal{alertType: model.AlertHighIAQ, value: r.IAQ, cls: cls, unit: "", label: "IAQ"})
	}

	return out
}

func boolToLowReason(low bool) string {
	if low {
		return "min"
	}
	return "max"
}

// formatMessage renders "<Label> <value><unit> <verb> <bound> threshold
// of <threshold><unit>", one decimal place, per §4.6.
func formatMessage(sig signal) string {
	verb := "exceeded max"
	if sig.lowReason == "min" {
		verb = "fell below min"
	}
	if sig.cls.level == levelCritical {
		verb = "exceeded critical"
		if sig.lowReason == "min" {
			verb = "fell below critical"
		}
	}
	return fmt.Sprintf("%s %.1f%s %s threshold of %.1f%s", sig.label, valueOrZero(sig.value), sig.unit, verb, sig.cls.threshold, sig.unit)
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
