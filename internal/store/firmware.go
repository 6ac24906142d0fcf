package store

import (
	"context"

	"github.com/pitwatch/sentinel/pkg/model"
)

const firmwareColumns = `id, version, filename, path, size, sha256, notes, uploader_id, created_at`

func scanFirmware(rows interface {
	Scan(dest ...any) error
}) (model.FirmwareRelease, error) {
	var f model.FirmwareRelease
	err := rows.Scan(&f.ID, &f.Version, &f.Filename, &f.Path, &f.Size, &f.SHA256, &f.Notes, &f.UploaderID, &f.CreatedAt)
	return f, err
}

// CreateFirmwareRelease inserts a new content-addressed firmware record.
// The version-uniqueness constraint is enforced by a unique index; a
// duplicate version surfaces as errs.KindConflict.
func (s *Store) CreateFirmwareRelease(ctx context.Context, f model.FirmwareRelease) (int64, error) {
	const q = `
		INSERT INTO firmware_releases (version, filename, path, size, sha256, notes, uploader_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, q, f.Version, f.Filename, f.Path, f.Size, f.SHA256, f.Notes, f.UploaderID, f.CreatedAt).Scan(&id)
	if err != nil {
		return 0, classify("store.CreateFirmwareRelease", err)
	}
	return id, nil
}

// GetFirmwareReleaseByVersion fetches a release by its version string, the
// lookup the firmware download endpoint and OTA trigger both use.
func (s *Store) GetFirmwareReleaseByVersion(ctx context.Context, version string) (model.FirmwareRelease, error) {
	q := `SELECT ` + firmwareColumns + ` FROM firmware_releases WHERE version = $1`
	f, err := scanFirmware(s.pool.QueryRow(ctx, q, version))
	if err != nil {
		return model.FirmwareRelease{}, classify("store.GetFirmwareReleaseByVersion", err)
	}
	return f, nil
}

// LatestFirmwareRelease returns the most recently uploaded release.
func (s *Store) LatestFirmwareRelease(ctx context.Context) (model.FirmwareRelease, error) {
	q := `SELECT ` + firmwareColumns + ` FROM firmware_releases ORDER BY created_at DESC LIMIT 1`
	f, err := scanFirmware(s.pool.QueryRow(ctx, q))
	if err != nil {
		return model.FirmwareRelease{}, classify("store.LatestFirmwareRelease", err)
	}
	return f, nil
}

// ListFirmwareReleases returns every release, newest first.
func (s *Store) ListFirmwareReleases(ctx context.Context) ([]model.FirmwareRelease, error) {
	q := `SELECT ` + firmwareColumns + ` FROM firmware_releases ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, classify("store.ListFirmwareReleases", err)
	}
	defer rows.Close()

	var out []model.FirmwareRelease
	for rows.Next() {
		f, err := scanFirmware(rows)
		if err != nil {
			return nil, classify("store.ListFirmwareReleases", err)
		}
		out = append(out, f)
	}
	return out, classify("store.ListFirmwareReleases", rows.Err())
}
