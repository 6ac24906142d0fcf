package firmware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/internal/errs"
	"github.com/pitwatch/sentinel/pkg/model"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	releases   map[string]model.FirmwareRelease
	createErr  error
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{releases: map[string]model.FirmwareRelease{}}
}

func (f *fakeStore) CreateFirmwareRelease(ctx context.Context, rel model.FirmwareRelease) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	if _, exists := f.releases[rel.Version]; exists {
		return 0, errs.Conflict("store.CreateFirmwareRelease", nil)
	}
	f.nextID++
	rel.ID = f.nextID
	f.releases[rel.Version] = rel
	return f.nextID, nil
}

func (f *fakeStore) GetFirmwareReleaseByVersion(ctx context.Context, version string) (model.FirmwareRelease, error) {
	rel, ok := f.releases[version]
	if !ok {
		return model.FirmwareRelease{}, errs.NotFound("store.GetFirmwareReleaseByVersion", nil)
	}
	return rel, nil
}

func (f *fakeStore) LatestFirmwareRelease(ctx context.Context) (model.FirmwareRelease, error) {
	var latest model.FirmwareRelease
	for _, rel := range f.releases {
		if rel.CreatedAt.After(latest.CreatedAt) {
			latest = rel
		}
	}
	return latest, nil
}

func (f *fakeStore) ListFirmwareReleases(ctx context.Context) ([]model.FirmwareRelease, error) {
	var out []model.FirmwareRelease
	for _, rel := range f.releases {
		out = append(out, rel)
	}
	return out, nil
}

type fakeDispatcher struct {
	sent     []string
	payloads []map[string]any
}

func (f *fakeDispatcher) Send(ctx context.Context, tenantID int64, deviceID, command string, reason *string, payload map[string]any, issuerUserID *int64) (model.Command, error) {
	f.sent = append(f.sent, command)
	f.payloads = append(f.payloads, payload)
	return model.Command{Command: command, DeviceID: deviceID, TenantID: tenantID}, nil
}

func TestUploadComputesChecksumAndPersistsRelease(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	reg := New(store, &fakeDispatcher{}, clockid.FixedClock{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, newDiscardLogger(), dir)

	body := bytes.NewReader([]byte("firmware binary contents"))
	rel, err := reg.Upload(context.Background(), "1.0.0", "gateway.bin", body, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rel.SHA256 == "" {
		t.Fatal("expected a non-empty sha256")
	}
	if rel.Size != int64(len("firmware binary contents")) {
		t.Fatalf("unexpected size: %d", rel.Size)
	}
	if _, err := os.Stat(rel.Path); err != nil {
		t.Fatalf("expected binary to be written to %s: %v", rel.Path, err)
	}
}

func TestUploadRejectsDuplicateVersion(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	reg := New(store, &fakeDispatcher{}, clockid.FixedClock{At: time.Now()}, newDiscardLogger(), dir)

	ctx := context.Background()
	if _, err := reg.Upload(ctx, "1.0.0", "a.bin", bytes.NewReader([]byte("a")), nil, nil); err != nil {
		t.Fatalf("unexpected error on first upload: %v", err)
	}
	if _, err := reg.Upload(ctx, "1.0.0", "b.bin", bytes.NewReader([]byte("b")), nil, nil); err == nil {
		t.Fatal("expected a conflict error for a duplicate version")
	} else if !errs.Is(err, errs.KindConflict) {
		t.Fatalf("expected KindConflict, got %v", errs.KindOf(err))
	}
}

func TestLatestReturnsNewestByCreatedAt(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	reg := New(store, &fakeDispatcher{}, clockid.FixedClock{At: time.Now()}, newDiscardLogger(), dir)

	ctx := context.Background()
	older := &fixedClockRegistry{reg: reg, at: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	older.upload(t, ctx, "1.0.0")
	newer := &fixedClockRegistry{reg: reg, at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	newer.upload(t, ctx, "1.1.0")

	latest, err := reg.Latest(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest.Version != "1.1.0" {
		t.Fatalf("expected latest version 1.1.0, got %s", latest.Version)
	}
}

// fixedClockRegistry re-stamps a registry's clock between uploads so
// Latest()'s created_at ordering can be exercised deterministically.
type fixedClockRegistry struct {
	reg *Registry
	at  time.Time
}

func (f *fixedClockRegistry) upload(t *testing.T, ctx context.Context, version string) {
	t.Helper()
	f.reg.clock = clockid.FixedClock{At: f.at}
	if _, err := f.reg.Upload(ctx, version, version+".bin", bytes.NewReader([]byte(version)), nil, nil); err != nil {
		t.Fatalf("unexpected error uploading %s: %v", version, err)
	}
}

func TestTriggerOTAPublishesUpdateFirmwareWithDownloadURL(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	reg := New(store, dispatcher, clockid.FixedClock{At: time.Now()}, newDiscardLogger(), dir)

	ctx := context.Background()
	if _, err := reg.Upload(ctx, "2.0.0", "gw.bin", bytes.NewReader([]byte("x")), nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := reg.TriggerOTA(ctx, 10, "dev-1", "2.0.0", "https://example/firmware/2.0.0/download", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatcher.sent) != 1 || dispatcher.sent[0] != model.CommandUpdateFirmware {
		t.Fatalf("expected UPDATE_FIRMWARE to be sent, got %v", dispatcher.sent)
	}
	if dispatcher.payloads[0]["url"] != "https://example/firmware/2.0.0/download" {
		t.Fatalf("unexpected payload: %v", dispatcher.payloads[0])
	}
}

func TestTriggerOTAFailsForUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	reg := New(store, &fakeDispatcher{}, clockid.FixedClock{At: time.Now()}, newDiscardLogger(), dir)

	if _, err := reg.TriggerOTA(context.Background(), 10, "dev-1", "9.9.9", "https://example/firmware/9.9.9/download", nil); err == nil {
		t.Fatal("expected an error for an unknown firmware version")
	}
}
