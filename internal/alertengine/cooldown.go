package alertengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitwatch/sentinel/pkg/model"
)

// AlertLookup is the narrow store dependency for the cooldown fallback
// path.
type AlertLookup interface {
	MostRecentAlert(ctx context.Context, deviceID string, locationID int64, alertType string) (*model.Alert, error)
}

// Cooldown suppresses repeated alerts of the same (device, location, type)
// within a window. Redis is a fast-path cache; Postgres is authoritative,
// so the cooldown invariant (P4) holds even when Redis is unavailable.
type Cooldown struct {
	rdb    *redis.Client // may be nil: degrades to DB-only
	lookup AlertLookup
	logger *slog.Logger
	window time.Duration
}

// NewCooldown creates a Cooldown. rdb may be nil.
func NewCooldown(rdb *redis.Client, lookup AlertLookup, logger *slog.Logger, window time.Duration) *Cooldown {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Cooldown{rdb: rdb, lookup: lookup, logger: logger, window: window}
}

func cooldownKey(deviceID string, locationID int64, alertType string) string {
	return fmt.Sprintf("alert:cooldown:%s:%d:%s", deviceID, locationID, alertType)
}

// Active reports whether an alert of this (device, location, type) was
// already raised within the cooldown window.
func (c *Cooldown) Active(ctx context.Context, deviceID string, locationID int64, alertType string, now time.Time) (bool, error) {
	key := cooldownKey(deviceID, locationID, alertType)

	if c.rdb != nil {
		ok, err := c.rdb.SetNX(ctx, key, now.Format(time.RFC3339), c.window).Result()
		if err == nil {
			if !ok {
				// Key already existed — still within the window.
				return true, nil
			}
			// We just claimed the key; fall through to the DB check below
			// only to guard against a Redis restart losing state while an
			// unacknowledged alert still exists in Postgres.
		} else {
			c.logger.Warn("alertengine: redis cooldown check failed, falling back to database", "error", err)
		}
	}

	alert, err := c.lookup.MostRecentAlert(ctx, deviceID, locationID, alertType)
	if err != nil {
		return false, fmt.Errorf("alertengine: cooldown database fallback: %w", err)
	}
	if alert == nil {
		return false, nil
	}
	return alert.CreatedAt.Add(c.window).After(now), nil
}
