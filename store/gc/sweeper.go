// Package gc sweeps stale stamped records out of the offline cache.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	offline "github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/telemetry"
)

// Store is the slice of the cache store the sweeper needs.
type Store interface {
	DeleteStampedBefore(ctx context.Context, namespace string, cutoff time.Time) (int, error)
}

// Config configures the sweeper.
type Config struct {
	// Namespaces are the stamped namespaces to sweep. Collection
	// namespaces hold no capture timestamps and are never swept.
	Namespaces []offline.Namespace

	// Retention is the global ceiling on stamped record age (default: 24h).
	// This is deliberately coarser than any per-read freshness window: a
	// record can be stale to a 5-minute reader long before the sweeper
	// deletes it.
	Retention time.Duration

	// Interval is how often to sweep (default: 1h). The first sweep runs
	// immediately at start.
	Interval time.Duration

	// Logger for sweep activity. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Namespaces: offline.Sweepable(),
		Retention:  24 * time.Hour,
		Interval:   1 * time.Hour,
	}
}

// Result contains the results of one sweep.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Deleted   int           `json:"deleted"`
	Errors    []string      `json:"errors,omitempty"`
}

// Sweeper deletes stamped records older than the retention ceiling across
// the configured namespaces.
type Sweeper struct {
	store  Store
	config Config
	logger *slog.Logger
	now    func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a sweeper. Zero config fields take their defaults.
func New(store Store, config Config, opts ...SweeperOption) *Sweeper {
	def := DefaultConfig()
	if config.Namespaces == nil {
		config.Namespaces = def.Namespaces
	}
	if config.Retention == 0 {
		config.Retention = def.Retention
	}
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Sweeper{
		store:  store,
		config: config,
		logger: config.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the background sweep goroutine. The first sweep runs
// immediately, then every Interval.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop gracefully stops the sweeper, waiting for any in-flight sweep.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate sweep.
func (s *Sweeper) RunNow(ctx context.Context) (*Result, error) {
	return s.sweep(ctx), nil
}

// Status returns the last sweep result.
func (s *Sweeper) Status() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	s.logger.Info("cache sweeper starting",
		"interval", s.config.Interval,
		"retention", s.config.Retention,
		"namespaces", len(s.config.Namespaces),
	)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopCh:
			s.logger.Info("cache sweeper stopped")
			s.setRunning(false)
			return
		case <-ctx.Done():
			s.logger.Info("cache sweeper context cancelled")
			s.setRunning(false)
			return
		}
	}
}

func (s *Sweeper) setRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// sweep visits every configured namespace. A failure in one namespace is
// recorded and the sweep continues with the rest.
func (s *Sweeper) sweep(ctx context.Context) *Result {
	result := &Result{
		StartedAt: s.now(),
	}
	cutoff := result.StartedAt.Add(-s.config.Retention)

	s.logger.Debug("starting cache sweep", "cutoff", cutoff)

	for _, ns := range s.config.Namespaces {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ns.Name, err))
			break
		}

		deleted, err := s.store.DeleteStampedBefore(ctx, ns.Name, cutoff)
		if err != nil {
			s.logger.Warn("sweep failed for namespace",
				"namespace", ns.Name,
				"error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ns.Name, err))
			continue
		}
		result.Deleted += deleted
	}

	result.Duration = time.Since(result.StartedAt)

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	telemetry.RecordSweep(ctx, result.Deleted, len(result.Errors), result.Duration)

	s.logger.Info("cache sweep completed",
		"duration", result.Duration,
		"deleted", result.Deleted,
		"errors", len(result.Errors),
	)

	return result
}
