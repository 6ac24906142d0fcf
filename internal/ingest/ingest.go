// Package ingest implements the Ingest Pipeline (C5): parse, authorize
// against the License Gate, persist, evaluate alerts, and fan out to the
// real-time hub. It is the sole consumer of the broker client's inbound
// channel, and demultiplexes by topic to the provisioning handler (C8)
// for announce messages.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitwatch/sentinel/internal/broker"
	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/internal/license"
	"github.com/pitwatch/sentinel/internal/telemetry"
	"github.com/pitwatch/sentinel/pkg/model"
)

// LicenseGate is the narrow C4 dependency.
type LicenseGate interface {
	Decide(ctx context.Context, deviceID, licenseKey string) license.Decision
}

// Persister is the narrow C2 dependency: one transaction per message
// covering the reading insert and the device health update (§5).
type Persister interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	InsertReading(ctx context.Context, tx pgx.Tx, r model.Reading) (int64, error)
	UpdateDeviceHealth(ctx context.Context, tx pgx.Tx, deviceID string, firmwareVersion *string, now time.Time) error
	TouchCameraByDeviceID(ctx context.Context, tx pgx.Tx, deviceID string, now time.Time) error
}

// AlertEvaluator is the narrow C6 dependency.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, r model.Reading) ([]model.Alert, error)
}

// Dispatcher is the narrow C7 dependency, used to DISABLE a device on an
// invalid license.
type Dispatcher interface {
	Send(ctx context.Context, tenantID int64, deviceID, command string, reason *string, payload map[string]any, issuerUserID *int64) (model.Command, error)
}

// Fanout is the narrow C9 dependency. The hub implements this; ingest
// only needs to know events exist, not how they're delivered.
type Fanout interface {
	SensorUpdate(ctx context.Context, tenantID, locationID int64, r model.Reading)
	Alert(ctx context.Context, tenantID, locationID int64, a model.Alert)
}

// AnnounceHandler is the narrow C8 dependency for provisioning announce
// messages, which ingest routes but does not itself interpret.
type AnnounceHandler interface {
	HandleAnnounce(ctx context.Context, payload []byte) error
}

// Pipeline is the ingest pipeline.
type Pipeline struct {
	gate       LicenseGate
	persister  Persister
	engine     AlertEvaluator
	dispatcher Dispatcher
	fanout     Fanout
	announce   AnnounceHandler
	clock      clockid.Clock
	logger     *slog.Logger
	workers    int
	queueDepth int
}

// New creates a Pipeline. workers and queueDepth default to 4 and 256.
func New(gate LicenseGate, persister Persister, engine AlertEvaluator, dispatcher Dispatcher, fanout Fanout, announce AnnounceHandler, clock clockid.Clock, logger *slog.Logger, workers, queueDepth int) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Pipeline{
		gate: gate, persister: persister, engine: engine, dispatcher: dispatcher,
		fanout: fanout, announce: announce, clock: clock, logger: logger,
		workers: workers, queueDepth: queueDepth,
	}
}

// Run drains inbound until the channel closes or ctx is cancelled,
// partitioning messages across workers by device_id so readings from one
// device are processed in order while devices proceed in parallel (§5).
func (p *Pipeline) Run(ctx context.Context, inbound <-chan broker.Message) {
	lanes := make([]chan broker.Message, p.workers)
	for i := range lanes {
		lanes[i] = make(chan broker.Message, p.queueDepth)
		go p.worker(ctx, lanes[i])
	}
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			lane := lanes[partitionKey(msg)%uint32(p.workers)]
			select {
			case lane <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) worker(ctx context.Context, lane <-chan broker.Message) {
	for msg := range lane {
		p.handle(ctx, msg)
	}
}

// partitionKey hashes the message's device_id so that a sensor reading
// and a status heartbeat from the same device always land on the same
// worker lane (§5), even though the sensors topic keys on pit number and
// the status topic keys on device id (spec.md:219-220). The topic's
// device/pit segment is not a reliable partition key across both message
// kinds, so the device_id is read out of the JSON body instead.
func partitionKey(msg broker.Message) uint32 {
	key := devicePartitionKey(msg.Payload)
	if key == "" {
		key = msg.Topic
	}
	sum := sha1.Sum([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}

func devicePartitionKey(raw []byte) string {
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.DeviceID
}

func (p *Pipeline) handle(ctx context.Context, msg broker.Message) {
	switch {
	case strings.HasSuffix(msg.Topic, "/sensors"):
		p.handleSensors(ctx, msg.Payload)
	case strings.HasSuffix(msg.Topic, "/status"):
		p.handleStatus(ctx, msg.Payload)
	case strings.HasPrefix(msg.Topic, "provisioning/") && strings.HasSuffix(msg.Topic, "/announce"):
		if p.announce == nil {
			return
		}
		if err := p.announce.HandleAnnounce(ctx, msg.Payload); err != nil {
			p.logger.Warn("ingest: provisioning announce failed", "error", err)
		}
	default:
		p.logger.Warn("ingest: message on unrecognized topic", "topic", msg.Topic)
	}
}

func (p *Pipeline) handleSensors(ctx context.Context, raw []byte) {
	payload, err := parseSensorPayload(raw)
	if err != nil || payload.DeviceID == "" || payload.LicenseKey == "" {
		p.logger.Warn("ingest: dropping unparseable sensor message", "error", err)
		telemetry.ReadingsIngestedTotal.WithLabelValues("rejected_invalid").Inc()
		return
	}

	decision := p.gate.Decide(ctx, payload.DeviceID, payload.LicenseKey)
	if !decision.Valid {
		p.logger.Warn("ingest: rejecting reading, license gate denied",
			"device_id", payload.DeviceID, "reason", decision.Reason)
		telemetry.ReadingsIngestedTotal.WithLabelValues("rejected_license").Inc()
		p.disableOnInvalidLicense(ctx, decision, payload.DeviceID)
		return
	}
	if decision.LocationID == nil {
		p.logger.Warn("ingest: dropping reading, device has no bound location", "device_id", payload.DeviceID)
		telemetry.ReadingsIngestedTotal.WithLabelValues("rejected_invalid").Inc()
		return
	}

	now := p.clock.Now()
	reading := model.Reading{
		DeviceID:          payload.DeviceID,
		LocationID:        *decision.LocationID,
		TenantID:          decision.TenantID,
		PrimarySensorType: &decision.Device.PrimarySensorType,
		AQSensorType:      decision.Device.AQSensorType,

		Temperature:   sanitizeFloat(payload.Temperature),
		Humidity:      sanitizeFloat(payload.Humidity),
		Pressure:      sanitizeFloat(payload.Pressure),
		GasResistance: sanitizeFloat(payload.GasResistance),
		IAQ:           sanitizeFloat(payload.IAQ),
		IAQAccuracy:   payload.IAQAccuracy,

		PM1:  sanitizeFloat(payload.PM1),
		PM25: sanitizeFloat(payload.PM25),
		PM10: sanitizeFloat(payload.PM10),

		Particles03um:  payload.Particles03um,
		Particles05um:  payload.Particles05um,
		Particles10um:  payload.Particles10um,
		Particles25um:  payload.Particles25um,
		Particles50um:  payload.Particles50um,
		Particles100um: payload.Particles100um,

		IsValid:         true,
		DeviceTimestamp: parseDeviceTimestamp(payload.Timestamp),
		CreatedAt:       now,
	}

	var readingID int64
	err = p.persister.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		id, err := p.persister.InsertReading(ctx, tx, reading)
		if err != nil {
			return err
		}
		readingID = id
		return p.persister.UpdateDeviceHealth(ctx, tx, payload.DeviceID, decision.Device.FirmwareVersion, now)
	})
	if err != nil {
		p.logger.Error("ingest: persisting reading failed", "device_id", payload.DeviceID, "error", err)
		telemetry.ReadingsIngestedTotal.WithLabelValues("rejected_invalid").Inc()
		return
	}
	reading.ID = readingID
	telemetry.ReadingsIngestedTotal.WithLabelValues("accepted").Inc()

	if p.fanout != nil {
		p.fanout.SensorUpdate(ctx, reading.TenantID, reading.LocationID, reading)
	}

	alerts, err := p.engine.Evaluate(ctx, reading)
	if err != nil {
		p.logger.Error("ingest: alert evaluation failed", "device_id", payload.DeviceID, "error", err)
		return
	}
	if p.fanout != nil {
		for _, a := range alerts {
			p.fanout.Alert(ctx, reading.TenantID, reading.LocationID, a)
		}
	}
}

func (p *Pipeline) disableOnInvalidLicense(ctx context.Context, decision license.Decision, deviceID string) {
	if decision.Device == nil || decision.Device.TenantID == nil {
		return
	}
	if p.dispatcher == nil {
		return
	}
	reason := decision.Reason.Human()
	if _, err := p.dispatcher.Send(ctx, *decision.Device.TenantID, deviceID, model.CommandDisable, &reason, nil, nil); err != nil {
		p.logger.Error("ingest: failed to dispatch DISABLE for invalid license", "device_id", deviceID, "error", err)
	}
}

func (p *Pipeline) handleStatus(ctx context.Context, raw []byte) {
	payload, err := parseStatusPayload(raw)
	if err != nil || payload.DeviceID == "" {
		p.logger.Warn("ingest: dropping unparseable status message", "error", err)
		return
	}

	now := p.clock.Now()
	err = p.persister.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := p.persister.UpdateDeviceHealth(ctx, tx, payload.DeviceID, payload.FirmwareVersion, now); err != nil {
			return err
		}
		if payload.CameraOnline != nil && *payload.CameraOnline {
			return p.persister.TouchCameraByDeviceID(ctx, tx, payload.DeviceID, now)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("ingest: updating device health from status failed", "device_id", payload.DeviceID, "error", err)
	}
}
