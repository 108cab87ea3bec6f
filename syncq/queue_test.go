package syncq

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/store/cachedb"
)

func newTestQueue(t *testing.T, opts ...QueueOption) *Queue {
	t.Helper()
	db := cachedb.NewBoltDB()
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = db.Close() })
	return New(db, opts...)
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("entry is pending with timestamp and payload intact", func(t *testing.T) {
		now := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
		queue := newTestQueue(t, WithNow(func() time.Time { return now }))

		entry, err := queue.Enqueue(ctx, Operation{
			Type:    "create_grade",
			Payload: map[string]any{"cadetId": "c-101", "score": 92},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), entry.ID)
		assert.False(t, entry.Synced)
		assert.Equal(t, now, entry.Timestamp())

		pending, err := queue.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, entry.ID, pending[0].ID)
		assert.Equal(t, "create_grade", pending[0].Type)
		assert.JSONEq(t, `{"cadetId":"c-101","score":92}`, string(pending[0].Payload))
	})

	t.Run("pending preserves insertion order", func(t *testing.T) {
		queue := newTestQueue(t)

		for _, typ := range []string{"create_grade", "update_attendance", "delete_activity"} {
			_, err := queue.Enqueue(ctx, Operation{Type: typ, Payload: nil})
			require.NoError(t, err)
		}

		pending, err := queue.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, "create_grade", pending[0].Type)
		assert.Equal(t, "update_attendance", pending[1].Type)
		assert.Equal(t, "delete_activity", pending[2].Type)
	})
}

func TestQueue_MarkCompleted(t *testing.T) {
	ctx := context.Background()

	t.Run("completed entries leave pending but stay retrievable", func(t *testing.T) {
		enqueuedAt := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
		clock := enqueuedAt
		queue := newTestQueue(t, WithNow(func() time.Time { return clock }))

		entry, err := queue.Enqueue(ctx, Operation{Type: "create_grade", Payload: "p"})
		require.NoError(t, err)

		clock = enqueuedAt.Add(10 * time.Minute)
		require.NoError(t, queue.MarkCompleted(ctx, entry.ID))

		pending, err := queue.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		got, found, err := queue.Get(ctx, entry.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, got.Synced)
		assert.Equal(t, clock, got.SyncedAt())
		assert.Equal(t, enqueuedAt, got.Timestamp())
	})

	t.Run("missing or already-synced IDs are a no-op", func(t *testing.T) {
		clock := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
		queue := newTestQueue(t, WithNow(func() time.Time { return clock }))

		require.NoError(t, queue.MarkCompleted(ctx, 99))

		entry, err := queue.Enqueue(ctx, Operation{Type: "create_grade", Payload: "p"})
		require.NoError(t, err)

		clock = clock.Add(time.Minute)
		require.NoError(t, queue.MarkCompleted(ctx, entry.ID))
		firstSyncedAt := clock

		// A second completion must not move SyncedAt.
		clock = clock.Add(time.Hour)
		require.NoError(t, queue.MarkCompleted(ctx, entry.ID))

		got, found, err := queue.Get(ctx, entry.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, firstSyncedAt, got.SyncedAt())
	})

	t.Run("completion in the middle keeps the rest ordered", func(t *testing.T) {
		queue := newTestQueue(t)

		var ids []uint64
		for _, typ := range []string{"a", "b", "c"} {
			entry, err := queue.Enqueue(ctx, Operation{Type: typ, Payload: nil})
			require.NoError(t, err)
			ids = append(ids, entry.ID)
		}

		require.NoError(t, queue.MarkCompleted(ctx, ids[1]))

		pending, err := queue.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "a", pending[0].Type)
		assert.Equal(t, "c", pending[1].Type)
	})
}

func TestQueue_GetAndLen(t *testing.T) {
	ctx := context.Background()

	t.Run("get on a missing ID reports absence without error", func(t *testing.T) {
		queue := newTestQueue(t)

		_, found, err := queue.Get(ctx, 7)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("len counts pending and total", func(t *testing.T) {
		queue := newTestQueue(t)

		for i := 0; i < 3; i++ {
			_, err := queue.Enqueue(ctx, Operation{Type: "op", Payload: i})
			require.NoError(t, err)
		}
		require.NoError(t, queue.MarkCompleted(ctx, 1))

		pending, total, err := queue.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, pending)
		assert.Equal(t, 3, total)
	})
}
