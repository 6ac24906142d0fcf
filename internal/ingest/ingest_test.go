package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/internal/license"
	"github.com/pitwatch/sentinel/pkg/model"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptrs(s string) *string { return &s }

type fakeGate struct {
	decision license.Decision
}

func (f *fakeGate) Decide(ctx context.Context, deviceID, licenseKey string) license.Decision {
	return f.decision
}

type fakePersister struct {
	insertErr    error
	healthErr    error
	insertedRead  model.Reading
	healthCalled  bool
	cameraTouched bool
}

func (f *fakePersister) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (f *fakePersister) InsertReading(ctx context.Context, tx pgx.Tx, r model.Reading) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.insertedRead = r
	return 42, nil
}

func (f *fakePersister) UpdateDeviceHealth(ctx context.Context, tx pgx.Tx, deviceID string, firmwareVersion *string, now time.Time) error {
	f.healthCalled = true
	return f.healthErr
}

func (f *fakePersister) TouchCameraByDeviceID(ctx context.Context, tx pgx.Tx, deviceID string, now time.Time) error {
	f.cameraTouched = true
	return nil
}

type fakeEngine struct {
	alerts []model.Alert
}

func (f *fakeEngine) Evaluate(ctx context.Context, r model.Reading) ([]model.Alert, error) {
	return f.alerts, nil
}

type fakeDispatcher struct {
	sendCalled bool
	command    string
}

func (f *fakeDispatcher) Send(ctx context.Context, tenantID int64, deviceID, command string, reason *string, payload map[string]any, issuerUserID *int64) (model.Command, error) {
	f.sendCalled = true
	f.command = command
	return model.Command{}, nil
}

type fakeFanout struct {
	sensorUpdates int
	alerts        int
}

func (f *fakeFanout) SensorUpdate(ctx context.Context, tenantID, locationID int64, r model.Reading) {
	f.sensorUpdates++
}

func (f *fakeFanout) Alert(ctx context.Context, tenantID, locationID int64, a model.Alert) {
	f.alerts++
}

func validDecision() license.Decision {
	locationID := int64(9)
	tenantID := int64(1)
	device := model.Device{
		DeviceID:          "ESP32-AAAA",
		TenantID:          &tenantID,
		LocationID:        &locationID,
		PrimarySensorType: model.SensorDHT22,
	}
	return license.Decision{Valid: true, Device: &device, TenantID: tenantID, LocationID: &locationID}
}

func newTestPipeline(gate *fakeGate, pers *fakePersister, eng *fakeEngine, disp *fakeDispatcher, fan *fakeFanout) *Pipeline {
	return New(gate, pers, eng, disp, fan, nil, clockid.RealClock{}, newDiscardLogger(), 2, 16)
}

func TestHandleSensorsAcceptsValidReading(t *testing.T) {
	gate := &fakeGate{decision: validDecision()}
	pers := &fakePersister{}
	eng := &fakeEngine{}
	disp := &fakeDispatcher{}
	fan := &fakeFanout{}
	p := newTestPipeline(gate, pers, eng, disp, fan)

	raw := []byte(`{"device_id":"ESP32-AAAA","license_key":"LIC-AAAA-BBBB-CCCC","humidity":80.0}`)
	p.handleSensors(context.Background(), raw)

	if pers.insertedRead.DeviceID != "ESP32-AAAA" {
		t.Fatalf("reading not persisted: %+v", pers.insertedRead)
	}
	if !pers.healthCalled {
		t.Fatal("expected device health update")
	}
	if fan.sensorUpdates != 1 {
		t.Fatalf("sensorUpdates = %d, want 1", fan.sensorUpdates)
	}
	if disp.sendCalled {
		t.Fatal("did not expect a DISABLE dispatch for a valid reading")
	}
}

func TestHandleSensorsRejectsInvalidLicenseAndDispatchesDisable(t *testing.T) {
	tenantID := int64(1)
	device := model.Device{DeviceID: "ESP32-AAAA", TenantID: &tenantID, Status: model.DeviceStatusDisabled}
	gate := &fakeGate{decision: license.Decision{Valid: false, Reason: license.DeviceDisabled, Device: &device}}
	pers := &fakePersister{}
	eng := &fakeEngine{}
	disp := &fakeDispatcher{}
	fan := &fakeFanout{}
	p := newTestPipeline(gate, pers, eng, disp, fan)

	raw := []byte(`{"device_id":"ESP32-AAAA","license_key":"LIC-AAAA-BBBB-CCCC"}`)
	p.handleSensors(context.Background(), raw)

	if pers.insertedRead.DeviceID != "" {
		t.Fatal("expected no reading to be persisted")
	}
	if !disp.sendCalled || disp.command != model.CommandDisable {
		t.Fatal("expected a DISABLE command to be dispatched")
	}
}

func TestHandleSensorsDropsMalformedJSON(t *testing.T) {
	gate := &fakeGate{decision: validDecision()}
	pers := &fakePersister{}
	p := newTestPipeline(gate, pers, &fakeEngine{}, &fakeDispatcher{}, &fakeFanout{})

	p.handleSensors(context.Background(), []byte(`not json`))

	if pers.insertedRead.DeviceID != "" {
		t.Fatal("expected malformed message to be dropped")
	}
}

func TestHandleSensorsDropsMissingDeviceID(t *testing.T) {
	gate := &fakeGate{decision: validDecision()}
	pers := &fakePersister{}
	p := newTestPipeline(gate, pers, &fakeEngine{}, &fakeDispatcher{}, &fakeFanout{})

	p.handleSensors(context.Background(), []byte(`{"license_key":"LIC-AAAA-BBBB-CCCC"}`))

	if pers.insertedRead.DeviceID != "" {
		t.Fatal("expected message with no device_id to be dropped")
	}
}

func TestHandleSensorsPersistenceFailureDoesNotFanOut(t *testing.T) {
	gate := &fakeGate{decision: validDecision()}
	pers := &fakePersister{insertErr: errors.New("db down")}
	fan := &fakeFanout{}
	p := newTestPipeline(gate, pers, &fakeEngine{}, &fakeDispatcher{}, fan)

	p.handleSensors(context.Background(), []byte(`{"device_id":"ESP32-AAAA","license_key":"LIC-AAAA-BBBB-CCCC"}`))

	if fan.sensorUpdates != 0 {
		t.Fatal("expected no fan-out on persistence failure")
	}
}

func TestHandleStatusUpdatesHealthWithoutPersistingReading(t *testing.T) {
	pers := &fakePersister{}
	p := newTestPipeline(&fakeGate{}, pers, &fakeEngine{}, &fakeDispatcher{}, &fakeFanout{})

	p.handleStatus(context.Background(), []byte(`{"device_id":"ESP32-AAAA","firmware_version":"1.2.0"}`))

	if !pers.healthCalled {
		t.Fatal("expected device health update")
	}
	if pers.insertedRead.DeviceID != "" {
		t.Fatal("status messages must not write a reading")
	}
}

func TestHandleStatusTouchesCameraWhenReportedOnline(t *testing.T) {
	pers := &fakePersister{}
	p := newTestPipeline(&fakeGate{}, pers, &fakeEngine{}, &fakeDispatcher{}, &fakeFanout{})

	p.handleStatus(context.Background(), []byte(`{"device_id":"ESP32-AAAA","camera_online":true}`))

	if !pers.cameraTouched {
		t.Fatal("expected camera liveness to be touched when camera_online is true")
	}
}

func TestHandleStatusDoesNotTouchCameraWhenAbsent(t *testing.T) {
	pers := &fakePersister{}
	p := newTestPipeline(&fakeGate{}, pers, &fakeEngine{}, &fakeDispatcher{}, &fakeFanout{})

	p.handleStatus(context.Background(), []byte(`{"device_id":"ESP32-AAAA"}`))

	if pers.cameraTouched {
		t.Fatal("expected no camera touch when camera_online is absent")
	}
}

func TestSanitizeFloatDropsNaNAndInf(t *testing.T) {
	if got := sanitizeFloat(nil); got != nil {
		t.Fatal("expected nil passthrough")
	}
	nan := math.NaN()
	if got := sanitizeFloat(&nan); got != nil {
		t.Fatalf("expected NaN to become nil, got %v", got)
	}
	inf := math.Inf(1)
	if got := sanitizeFloat(&inf); got != nil {
		t.Fatalf("expected Inf to become nil, got %v", got)
	}
	v := 21.5
	if got := sanitizeFloat(&v); got == nil || *got != 21.5 {
		t.Fatalf("expected value preserved, got %v", got)
	}
}

func TestParseDeviceTimestampMalformedBecomesNil(t *testing.T) {
	if got := parseDeviceTimestamp(ptrs("not-a-timestamp")); got != nil {
		t.Fatalf("expected nil for malformed timestamp, got %v", got)
	}
	if got := parseDeviceTimestamp(nil); got != nil {
		t.Fatal("expected nil for absent timestamp")
	}
	valid := "2026-07-31T12:00:00Z"
	got := parseDeviceTimestamp(&valid)
	if got == nil || got.Year() != 2026 {
		t.Fatalf("expected parsed timestamp, got %v", got)
	}
}
