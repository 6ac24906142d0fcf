package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitwatch/sentinel/internal/errs"
	"github.com/pitwatch/sentinel/internal/provisioning"
	"github.com/pitwatch/sentinel/pkg/model"
)

type fakeDevices struct {
	device model.Device
	err    error
}

func (f fakeDevices) GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error) {
	return f.device, f.err
}

type fakeApprovals struct {
	approval provisioning.Approval
	err      error
}

func (f fakeApprovals) Approve(ctx context.Context, deviceID string, tenantID int64, locationID *int64, primarySensorType string, issuerUserID *int64) (provisioning.Approval, error) {
	return f.approval, f.err
}

type fakePayments struct {
	sub model.Subscription
	err error
}

func (f fakePayments) RecordPayment(ctx context.Context, subscriptionID int64, extendMonths int) (model.Subscription, error) {
	return f.sub, f.err
}

type fakeCommands struct {
	cmd model.Command
	err error
}

func (f fakeCommands) Send(ctx context.Context, tenantID int64, deviceID, command string, reason *string, payload map[string]any, issuerUserID *int64) (model.Command, error) {
	return f.cmd, f.err
}

type fakeFirmware struct {
	release model.FirmwareRelease
	err     error
}

func (f fakeFirmware) Upload(ctx context.Context, version, filename string, body io.Reader, notes *string, uploaderID *int64) (model.FirmwareRelease, error) {
	return f.release, f.err
}
func (f fakeFirmware) List(ctx context.Context) ([]model.FirmwareRelease, error) {
	return []model.FirmwareRelease{f.release}, f.err
}
func (f fakeFirmware) ByVersion(ctx context.Context, version string) (model.FirmwareRelease, error) {
	return f.release, f.err
}
func (f fakeFirmware) Open(release model.FirmwareRelease) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("firmware-bytes"))), f.err
}
func (f fakeFirmware) TriggerOTA(ctx context.Context, tenantID int64, deviceID, version, downloadURL string, issuerUserID *int64) (model.Command, error) {
	return f.cmd()
}
func (f fakeFirmware) cmd() (model.Command, error) { return model.Command{ID: 1}, f.err }

type fakeAudit struct {
	entries []model.AuditLog
}

func (f *fakeAudit) Log(entry model.AuditLog) { f.entries = append(f.entries, entry) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(devices DeviceLookup, approvals ApprovalService, payments PaymentService, commands CommandService, firmware FirmwareService, audit AuditLogger) *Server {
	return NewServer(Dependencies{
		Devices:       devices,
		Approvals:     approvals,
		Payments:      payments,
		Commands:      commands,
		Firmware:      firmware,
		Audit:         audit,
		Logger:        discardLogger(),
		MetricsReg:    prometheus.NewRegistry(),
		CORSOrigins:   []string{"*"},
		PublicBaseURL: "http://sentinel.example",
	})
}

func TestHandleHealthzReturnsOK(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil, nil, nil)
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestHandleApproveDeviceSuccess(t *testing.T) {
	audit := &fakeAudit{}
	approval := provisioning.Approval{
		Device:     model.Device{ID: 7, DeviceID: "ESP32-AA"},
		LicenseKey: "LIC-TEST",
	}
	s := newTestServer(nil, fakeApprovals{approval: approval}, nil, nil, nil, audit)

	body, _ := json.Marshal(approveRequest{TenantID: 1, PrimarySensorType: model.SensorDHT22})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/ESP32-AA/approve", bytes.NewReader(body))
	req.Header.Set("X-User-Id", "42")
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	if len(audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(audit.entries))
	}
	if audit.entries[0].Action != "device.approve" {
		t.Fatalf("audit action = %q, want device.approve", audit.entries[0].Action)
	}
	if userID := audit.entries[0].UserID; userID == nil || *userID != 42 {
		t.Fatalf("audit user id = %v, want 42", userID)
	}
}

func TestHandleApproveDeviceTranslatesConflictError(t *testing.T) {
	s := newTestServer(nil, fakeApprovals{err: errs.Conflict("provisioning.Approve", nil)}, nil, nil, nil, nil)

	body, _ := json.Marshal(approveRequest{TenantID: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/ESP32-AA/approve", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if env.Success {
		t.Fatalf("envelope.Success = true, want false")
	}
	if env.ErrorCode != "conflict" {
		t.Fatalf("envelope.ErrorCode = %q, want conflict", env.ErrorCode)
	}
}

func TestHandleSendCommandRejectsUnboundDevice(t *testing.T) {
	s := newTestServer(fakeDevices{device: model.Device{DeviceID: "ESP32-AA"}}, nil, nil, fakeCommands{}, nil, nil)

	body, _ := json.Marshal(commandRequest{Command: model.CommandRestart})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/ESP32-AA/commands", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandleSendCommandSuccess(t *testing.T) {
	tenantID := int64(3)
	device := model.Device{DeviceID: "ESP32-AA", TenantID: &tenantID}
	audit := &fakeAudit{}
	s := newTestServer(fakeDevices{device: device}, nil, nil, fakeCommands{cmd: model.Command{ID: 9}}, nil, audit)

	body, _ := json.Marshal(commandRequest{Command: model.CommandRestart})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/ESP32-AA/commands", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rr.Code, rr.Body.String())
	}
	if len(audit.entries) != 1 || audit.entries[0].Action != "device.command" {
		t.Fatalf("audit entries = %+v", audit.entries)
	}
}

func TestHandleRecordPaymentDefaultsExtendMonths(t *testing.T) {
	var captured int
	s := newTestServer(nil, nil, recordingPayments{fn: func(months int) { captured = months }}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/5/payments", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	if captured != 1 {
		t.Fatalf("extend_months = %d, want default of 1", captured)
	}
}

type recordingPayments struct {
	fn func(months int)
}

func (r recordingPayments) RecordPayment(ctx context.Context, subscriptionID int64, extendMonths int) (model.Subscription, error) {
	r.fn(extendMonths)
	return model.Subscription{ID: subscriptionID}, nil
}

func TestHandleFirmwareDownloadSetsHeaders(t *testing.T) {
	release := model.FirmwareRelease{Version: "1.2.3", Filename: "fw.bin", SHA256: "deadbeef"}
	s := newTestServer(nil, nil, nil, nil, fakeFirmware{release: release}, nil)

	req := httptest.NewRequest(http.MethodGet, "/firmware/1.2.3/download", nil)
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("X-Firmware-SHA256"); got != "deadbeef" {
		t.Fatalf("X-Firmware-SHA256 = %q, want deadbeef", got)
	}
	if rr.Body.String() != "firmware-bytes" {
		t.Fatalf("body = %q, want firmware-bytes", rr.Body.String())
	}
}
