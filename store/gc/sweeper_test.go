package gc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offline "github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004"
)

// fakeStore records sweep calls and returns scripted results per namespace.
type fakeStore struct {
	mu      sync.Mutex
	deleted map[string]int
	errs    map[string]error
	calls   []string
	cutoffs []time.Time
}

func (f *fakeStore) DeleteStampedBefore(_ context.Context, namespace string, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, namespace)
	f.cutoffs = append(f.cutoffs, cutoff)
	if err := f.errs[namespace]; err != nil {
		return 0, err
	}
	return f.deleted[namespace], nil
}

func TestSweeper_RunNow(t *testing.T) {
	ctx := context.Background()

	t.Run("sums deletions across namespaces", func(t *testing.T) {
		store := &fakeStore{deleted: map[string]int{"analytics": 3, "screens": 4}}
		sweeper := New(store, Config{})

		result, err := sweeper.RunNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, result.Deleted)
		assert.Empty(t, result.Errors)
		assert.Equal(t, []string{"analytics", "screens"}, store.calls)
	})

	t.Run("cutoff is retention before now", func(t *testing.T) {
		now := time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)
		store := &fakeStore{}
		sweeper := New(store, Config{Retention: 24 * time.Hour}, WithNow(func() time.Time { return now }))

		_, err := sweeper.RunNow(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, store.cutoffs)
		assert.Equal(t, now.Add(-24*time.Hour), store.cutoffs[0])
	})

	t.Run("one failing namespace does not stop the sweep", func(t *testing.T) {
		store := &fakeStore{
			deleted: map[string]int{"screens": 2},
			errs:    map[string]error{"analytics": errors.New("bucket scan failed")},
		}
		sweeper := New(store, Config{})

		result, err := sweeper.RunNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Deleted)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "analytics")
		assert.Equal(t, []string{"analytics", "screens"}, store.calls)
	})

	t.Run("status reports the last run", func(t *testing.T) {
		store := &fakeStore{deleted: map[string]int{"analytics": 1}}
		sweeper := New(store, Config{Namespaces: []offline.Namespace{offline.Analytics}})

		assert.Nil(t, sweeper.Status())

		result, err := sweeper.RunNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, result, sweeper.Status())
	})
}

func TestSweeper_Lifecycle(t *testing.T) {
	t.Run("start sweeps immediately and stop joins the goroutine", func(t *testing.T) {
		store := &fakeStore{deleted: map[string]int{"analytics": 1, "screens": 1}}
		sweeper := New(store, Config{Interval: time.Hour})

		ctx := context.Background()
		sweeper.Start(ctx)

		require.Eventually(t, func() bool {
			return sweeper.Status() != nil
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, sweeper.Stop(ctx))
		assert.Equal(t, 2, sweeper.Status().Deleted)
	})

	t.Run("double start is a no-op and stop after stop is safe", func(t *testing.T) {
		store := &fakeStore{}
		sweeper := New(store, Config{Interval: time.Hour})

		ctx := context.Background()
		sweeper.Start(ctx)
		sweeper.Start(ctx)

		require.NoError(t, sweeper.Stop(ctx))
		require.NoError(t, sweeper.Stop(ctx))
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.Equal(t, offline.Sweepable(), cfg.Namespaces)
}
