// Package syncq is the durable queue of mutations made while offline. Each
// entry is a write the application could not confirm against the server;
// entries are replayed in insertion order once connectivity returns and are
// marked synced rather than deleted, so the log doubles as an audit trail.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/store/cachedb"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/telemetry"
)

// Operation is one mutation to record for later replay.
type Operation struct {
	// Type names the mutation, e.g. "create_grade" or "update_attendance".
	Type string `json:"type"`

	// Payload is the mutation body, opaque to the queue.
	Payload any `json:"payload"`
}

// Entry is one recorded mutation. IDs come from the store's sequence, so
// ascending ID order is insertion order.
type Entry struct {
	ID          uint64          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	TimestampMs int64           `json:"timestamp_ms"`
	Synced      bool            `json:"synced"`
	SyncedAtMs  int64           `json:"synced_at_ms,omitempty"`
}

// Timestamp returns the time the entry was recorded.
func (e Entry) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMs).UTC()
}

// SyncedAt returns the time the entry was marked synced, or the zero time
// when it is still pending.
func (e Entry) SyncedAt() time.Time {
	if e.SyncedAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.SyncedAtMs).UTC()
}

// Queue records pending mutations in the sync queue namespace.
type Queue struct {
	db     cachedb.CacheDB
	logger *slog.Logger
	now    func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue on the given store. The queue namespace is created by
// the schema migrations at open; New never creates it.
func New(db cachedb.CacheDB, opts ...QueueOption) *Queue {
	q := &Queue{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends one operation, stamped with the current time and
// synced=false, and returns the stored entry.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Entry, error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("marshaling operation payload: %w", err)
	}

	entry := Entry{
		Type:        op.Type,
		Payload:     payload,
		TimestampMs: q.now().UnixMilli(),
	}

	_, err = q.db.AppendSeq(ctx, cachedb.SyncQueueBucket, func(id uint64) ([]byte, error) {
		entry.ID = id
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshaling queue entry: %w", err)
		}
		return data, nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("appending to sync queue: %w", err)
	}

	telemetry.RecordSyncOp(ctx, "enqueued")
	q.logger.Debug("queued offline mutation", "id", entry.ID, "type", entry.Type)
	return entry, nil
}

// Pending returns every unsynced entry in insertion order.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	var pending []Entry
	err := q.db.ScanSeq(ctx, cachedb.SyncQueueBucket, func(id uint64, data []byte) error {
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("parsing queue entry %d: %w", id, err)
		}
		if !entry.Synced {
			pending = append(pending, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// Get retrieves one entry by ID, synced or not.
func (q *Queue) Get(ctx context.Context, id uint64) (Entry, bool, error) {
	data, err := q.db.GetSeq(ctx, cachedb.SyncQueueBucket, id)
	if err != nil {
		if errors.Is(err, cachedb.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("parsing queue entry %d: %w", id, err)
	}
	return entry, true, nil
}

// MarkCompleted flips one entry from pending to synced and stamps SyncedAt.
// A no-op when the entry is missing or already synced; the flip happens at
// most once.
func (q *Queue) MarkCompleted(ctx context.Context, id uint64) error {
	var flipped bool
	err := q.db.UpdateSeq(ctx, cachedb.SyncQueueBucket, id, func(cur []byte) ([]byte, error) {
		var entry Entry
		if err := json.Unmarshal(cur, &entry); err != nil {
			return nil, fmt.Errorf("parsing queue entry %d: %w", id, err)
		}
		if entry.Synced {
			return nil, nil
		}

		entry.Synced = true
		entry.SyncedAtMs = q.now().UnixMilli()
		flipped = true
		return json.Marshal(entry)
	})
	if errors.Is(err, cachedb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}

	telemetry.RecordSyncOp(ctx, "completed")
	q.logger.Debug("marked mutation synced", "id", id)
	return nil
}

// Len returns the pending and total entry counts.
func (q *Queue) Len(ctx context.Context) (pending, total int, err error) {
	err = q.db.ScanSeq(ctx, cachedb.SyncQueueBucket, func(id uint64, data []byte) error {
		total++
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("parsing queue entry %d: %w", id, err)
		}
		if !entry.Synced {
			pending++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	telemetry.RecordSyncDepth(ctx, pending)
	return pending, total, nil
}
