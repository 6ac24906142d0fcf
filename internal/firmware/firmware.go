// Package firmware implements the Firmware Registry & OTA Trigger (C11):
// content-addressed firmware storage and the command that tells a device
// to pull and apply an update.
package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/pkg/model"
)

// Store is the registry's narrow persistence dependency.
type Store interface {
	CreateFirmwareRelease(ctx context.Context, f model.FirmwareRelease) (int64, error)
	GetFirmwareReleaseByVersion(ctx context.Context, version string) (model.FirmwareRelease, error)
	LatestFirmwareRelease(ctx context.Context) (model.FirmwareRelease, error)
	ListFirmwareReleases(ctx context.Context) ([]model.FirmwareRelease, error)
}

// Dispatcher sends the UPDATE_FIRMWARE OTA trigger.
type Dispatcher interface {
	Send(ctx context.Context, tenantID int64, deviceID, command string, reason *string, payload map[string]any, issuerUserID *int64) (model.Command, error)
}

// Registry manages firmware uploads and OTA triggers.
type Registry struct {
	store     Store
	dispatch  Dispatcher
	clock     clockid.Clock
	logger    *slog.Logger
	uploadDir string
}

// New creates a Registry. Binaries are written under uploadDir, one file
// per content hash.
func New(store Store, dispatch Dispatcher, clock clockid.Clock, logger *slog.Logger, uploadDir string) *Registry {
	return &Registry{store: store, dispatch: dispatch, clock: clock, logger: logger, uploadDir: uploadDir}
}

// Upload computes the SHA-256 of body, rejects a version that already
// exists (surfaced by the store as errs.KindConflict), writes the binary
// to a content-addressed path under uploadDir, and records the release.
func (r *Registry) Upload(ctx context.Context, version, filename string, body io.Reader, notes *string, uploaderID *int64) (model.FirmwareRelease, error) {
	if err := os.MkdirAll(r.uploadDir, 0o755); err != nil {
		return model.FirmwareRelease{}, fmt.Errorf("firmware: creating upload directory: %w", err)
	}

	tmp, err := os.CreateTemp(r.uploadDir, ".upload-*")
	if err != nil {
		return model.FirmwareRelease{}, fmt.Errorf("firmware: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		return model.FirmwareRelease{}, fmt.Errorf("firmware: writing upload: %w", err)
	}
	sum := hex.EncodeToString(hasher.Sum(nil))

	finalPath := filepath.Join(r.uploadDir, sum)
	if err := tmp.Close(); err != nil {
		return model.FirmwareRelease{}, fmt.Errorf("firmware: finalizing upload: %w", err)
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		if err := os.Rename(tmp.Name(), finalPath); err != nil {
			return model.FirmwareRelease{}, fmt.Errorf("firmware: storing content-addressed binary: %w", err)
		}
	}

	release := model.FirmwareRelease{
		Version:    version,
		Filename:   filename,
		Path:       finalPath,
		Size:       size,
		SHA256:     sum,
		Notes:      notes,
		UploaderID: uploaderID,
		CreatedAt:  r.clock.Now(),
	}

	id, err := r.store.CreateFirmwareRelease(ctx, release)
	if err != nil {
		os.Remove(finalPath)
		return model.FirmwareRelease{}, fmt.Errorf("firmware: recording release: %w", err)
	}
	release.ID = id
	return release, nil
}

// List returns every release, newest first.
func (r *Registry) List(ctx context.Context) ([]model.FirmwareRelease, error) {
	return r.store.ListFirmwareReleases(ctx)
}

// ByVersion fetches a release by its version string.
func (r *Registry) ByVersion(ctx context.Context, version string) (model.FirmwareRelease, error) {
	return r.store.GetFirmwareReleaseByVersion(ctx, version)
}

// Latest returns the most recently uploaded release.
func (r *Registry) Latest(ctx context.Context) (model.FirmwareRelease, error) {
	return r.store.LatestFirmwareRelease(ctx)
}

// Open returns a reader over a release's binary for the download
// endpoint.
func (r *Registry) Open(release model.FirmwareRelease) (io.ReadCloser, error) {
	return os.Open(release.Path)
}

// TriggerOTA publishes UPDATE_FIRMWARE to a device, pointing it at
// downloadURL for the given version (§4.11).
func (r *Registry) TriggerOTA(ctx context.Context, tenantID int64, deviceID, version, downloadURL string, issuerUserID *int64) (model.Command, error) {
	release, err := r.store.GetFirmwareReleaseByVersion(ctx, version)
	if err != nil {
		return model.Command{}, fmt.Errorf("firmware: resolving release %s: %w", version, err)
	}

	reason := fmt.Sprintf("firmware update to %s", release.Version)
	payload := map[string]any{"url": downloadURL}
	return r.dispatch.Send(ctx, tenantID, deviceID, model.CommandUpdateFirmware, &reason, payload, issuerUserID)
}
