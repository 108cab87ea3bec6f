// Package cache is the application-facing surface of the offline data layer.
// A Cache owns one persistent store, the background sweeper, and the sync
// queue; the application constructs it once at startup and injects it into
// every screen that reads or writes cached data.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	offline "github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/store/cachedb"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/store/gc"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/syncq"
)

// Cache is the shared handle to the offline data layer.
type Cache struct {
	db      cachedb.CacheDB
	queue   *syncq.Queue
	sweeper *gc.Sweeper
	logger  *slog.Logger
	now     func() time.Time
}

type config struct {
	logger        *slog.Logger
	now           func() time.Time
	sweepInterval time.Duration
	retention     time.Duration
	noSweeper     bool
	noSync        bool
}

// Option configures a Cache.
type Option func(*config)

// WithLogger sets the logger for the cache and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithSweepInterval sets how often the sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		c.sweepInterval = d
	}
}

// WithRetention sets the stamped record age ceiling enforced by the sweeper.
func WithRetention(d time.Duration) Option {
	return func(c *config) {
		c.retention = d
	}
}

// WithoutSweeper disables the background sweep loop. CleanupStaleCache still
// works on demand.
func WithoutSweeper() Option {
	return func(c *config) {
		c.noSweeper = true
	}
}

// WithNoSync disables fsync per transaction. Testing only.
func WithNoSync() Option {
	return func(c *config) {
		c.noSync = true
	}
}

// Open opens the store at path, migrates its schema, and starts the
// background sweeper. An error here is fatal to every cache operation:
// callers must not fall back to a degraded cache, they must surface it.
func Open(path string, opts ...Option) (*Cache, error) {
	cfg := config{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := cachedb.NewBoltDB(
		cachedb.WithLogger(cfg.logger),
		cachedb.WithNow(cfg.now),
		cachedb.WithNoSync(cfg.noSync),
	)
	if err := db.Open(path); err != nil {
		return nil, fmt.Errorf("opening offline cache: %w", err)
	}

	c := &Cache{
		db:     db,
		logger: cfg.logger,
		now:    cfg.now,
	}

	c.queue = syncq.New(db,
		syncq.WithLogger(cfg.logger),
		syncq.WithNow(cfg.now),
	)

	c.sweeper = gc.New(db, gc.Config{
		Interval:  cfg.sweepInterval,
		Retention: cfg.retention,
		Logger:    cfg.logger,
	}, gc.WithNow(cfg.now))

	if !cfg.noSweeper {
		c.sweeper.Start(context.Background())
	}

	return c, nil
}

// Close stops the sweeper and closes the store.
func (c *Cache) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.sweeper.Stop(ctx); err != nil {
		c.logger.Warn("sweeper did not stop cleanly", "error", err)
	}
	return c.db.Close()
}

// Queue returns the sync queue for offline mutations.
func (c *Cache) Queue() *syncq.Queue {
	return c.queue
}

// Store exposes the underlying namespace store for tooling.
func (c *Cache) Store() cachedb.CacheDB {
	return c.db
}

// CleanupStaleCache runs one sweep immediately and returns the number of
// records removed. Per-namespace failures are absorbed into the sweep
// result; the sweep itself never fails.
func (c *Cache) CleanupStaleCache(ctx context.Context) (int, error) {
	result, err := c.sweeper.RunNow(ctx)
	if err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

// requireStamped guards the singleton API against collection namespaces.
func requireStamped(ns offline.Namespace) error {
	if !ns.Stamped {
		return fmt.Errorf("namespace %s does not hold stamped records", ns.Name)
	}
	return nil
}

// requireCollection guards the collection API against stamped namespaces.
func requireCollection(ns offline.Namespace) error {
	if ns.Stamped {
		return fmt.Errorf("namespace %s holds stamped records, not collections", ns.Name)
	}
	return nil
}
