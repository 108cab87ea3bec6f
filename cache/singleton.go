package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	offline "github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/store/cachedb"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/telemetry"
)

// DefaultMaxAge is the freshness window used when a caller has no specific
// tolerance. Observed tolerances range from a couple of minutes for
// attendance dashboards to an hour for historical reports.
const DefaultMaxAge = 5 * time.Minute

// CacheSingleton stores one value under key, stamped with the current time.
// Any prior value under that key is overwritten.
func CacheSingleton[T any](ctx context.Context, c *Cache, ns offline.Namespace, key string, data T) error {
	if err := requireStamped(ns); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling singleton %s/%s: %w", ns.Name, key, err)
	}

	if err := c.db.PutStamped(ctx, ns.Name, key, payload); err != nil {
		c.logger.Error("failed to cache singleton",
			"namespace", ns.Name,
			"key", key,
			"error", err)
		return fmt.Errorf("caching %s/%s: %w", ns.Name, key, err)
	}

	telemetry.RecordWrite(ctx, ns.Name, "singleton")
	c.logger.Debug("cached singleton", "namespace", ns.Name, "key", key)
	return nil
}

// Singleton reads one value with the timestamp stripped, however old it is.
// Returns (zero, false, nil) when absent. Callers who care how stale the
// value might be should use FreshSingleton instead.
func Singleton[T any](ctx context.Context, c *Cache, ns offline.Namespace, key string) (T, bool, error) {
	var zero T
	if err := requireStamped(ns); err != nil {
		return zero, false, err
	}

	rec, err := c.db.GetStamped(ctx, ns.Name, key)
	if err != nil {
		if errors.Is(err, cachedb.ErrNotFound) {
			telemetry.RecordRead(ctx, ns.Name, offline.Miss.String())
			return zero, false, nil
		}
		c.logger.Error("failed to read singleton",
			"namespace", ns.Name,
			"key", key,
			"error", err)
		return zero, false, fmt.Errorf("reading %s/%s: %w", ns.Name, key, err)
	}

	var data T
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		c.logger.Error("failed to decode singleton",
			"namespace", ns.Name,
			"key", key,
			"error", err)
		return zero, false, fmt.Errorf("decoding %s/%s: %w", ns.Name, key, err)
	}

	telemetry.RecordRead(ctx, ns.Name, offline.Hit.String())
	return data, true, nil
}

// FreshSingleton reads one value only if it is younger than maxAge. A stale
// value reads as absent even though it still physically exists; the sweeper
// removes it later, at the retention ceiling. A corrupted value also reads
// as absent, so one bad record cannot wedge a screen into an error loop.
// maxAge <= 0 selects DefaultMaxAge.
func FreshSingleton[T any](ctx context.Context, c *Cache, ns offline.Namespace, key string, maxAge time.Duration) (T, bool, error) {
	var zero T
	if err := requireStamped(ns); err != nil {
		return zero, false, err
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	rec, err := c.db.GetStamped(ctx, ns.Name, key)
	if err != nil {
		switch {
		case errors.Is(err, cachedb.ErrNotFound):
			telemetry.RecordRead(ctx, ns.Name, offline.Miss.String())
			return zero, false, nil
		case errors.Is(err, cachedb.ErrCorrupted):
			c.logger.Warn("dropping corrupted singleton from read path",
				"namespace", ns.Name,
				"key", key)
			telemetry.RecordRead(ctx, ns.Name, offline.Miss.String())
			return zero, false, nil
		default:
			c.logger.Error("failed to read singleton",
				"namespace", ns.Name,
				"key", key,
				"error", err)
			return zero, false, fmt.Errorf("reading %s/%s: %w", ns.Name, key, err)
		}
	}

	class := offline.Classify(rec.CapturedAt, maxAge, c.now())
	telemetry.RecordRead(ctx, ns.Name, class.String())
	if class != offline.Hit {
		c.logger.Debug("singleton read classified stale",
			"namespace", ns.Name,
			"key", key,
			"capturedAt", rec.CapturedAt,
			"maxAge", maxAge)
		return zero, false, nil
	}

	var data T
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		c.logger.Error("failed to decode singleton",
			"namespace", ns.Name,
			"key", key,
			"error", err)
		return zero, false, fmt.Errorf("decoding %s/%s: %w", ns.Name, key, err)
	}
	return data, true, nil
}

// SingletonAge returns how long ago the value under key was captured.
// Used by callers that track a collection's freshness through a companion
// stamped entry. Reports false when the key is absent or unreadable.
func (c *Cache) SingletonAge(ctx context.Context, ns offline.Namespace, key string) (time.Duration, bool) {
	if !ns.Stamped {
		return 0, false
	}

	header, err := c.db.StampedHeader(ctx, ns.Name, key)
	if err != nil {
		return 0, false
	}
	return c.now().Sub(header.CapturedAt()), true
}

// InvalidateSingleton removes one value explicitly, ahead of the sweeper.
func (c *Cache) InvalidateSingleton(ctx context.Context, ns offline.Namespace, key string) error {
	if err := requireStamped(ns); err != nil {
		return err
	}
	if err := c.db.Delete(ctx, ns.Name, key); err != nil {
		c.logger.Error("failed to invalidate singleton",
			"namespace", ns.Name,
			"key", key,
			"error", err)
		return fmt.Errorf("invalidating %s/%s: %w", ns.Name, key, err)
	}
	telemetry.RecordWrite(ctx, ns.Name, "clear")
	return nil
}
