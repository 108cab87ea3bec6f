package cachedb

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements CacheDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *Codec // shared codec for all stamped operations
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the store at the given path and brings its schema up to
// SchemaVersion. The migration gap and the version bump run in a single
// transaction, so a failed upgrade leaves the store at its prior version.
// Open errors are fatal to every cache operation and must be handled by the
// caller; nothing downstream degrades silently.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	b.db = db

	var from uint64
	err = db.Update(func(tx *bbolt.Tx) error {
		from, err = migrateSchema(tx)
		if err != nil {
			return err
		}
		return verifySchema(tx)
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating frame codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened cache store",
		"path", path,
		"fromVersion", from,
		"schemaVersion", uint64(SchemaVersion),
		"noSync", b.noSync)
	return nil
}

// Close closes the store and releases codec resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing cache store")
	return b.db.Close()
}

// namespaceBucket resolves a namespace to its bucket. A missing bucket means
// the schema is behind the code; the fix is a migration table entry.
func namespaceBucket(tx *bbolt.Tx, namespace string) (*bbolt.Bucket, error) {
	bucket := tx.Bucket([]byte(namespace))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceMissing, namespace)
	}
	return bucket, nil
}

// Get retrieves one record by key. Returns ErrNotFound when absent.
func (b *BoltDB) Get(_ context.Context, namespace, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}

		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// Put stores one record under key, overwriting any prior record.
func (b *BoltDB) Put(_ context.Context, namespace, key string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting record %s/%s: %w", namespace, key, err)
		}
		return nil
	})
}

// Delete removes one record by key. A no-op when the record is absent.
func (b *BoltDB) Delete(_ context.Context, namespace, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(key))
	})
}

// Clear removes every record in the namespace. The namespace survives.
func (b *BoltDB) Clear(_ context.Context, namespace string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return clearBucket(tx, namespace)
	})
}

// clearBucket drops and recreates a bucket inside tx. Dropping the bucket
// frees pages in one operation instead of deleting keys one at a time.
func clearBucket(tx *bbolt.Tx, namespace string) error {
	key := []byte(namespace)
	if tx.Bucket(key) == nil {
		return fmt.Errorf("%w: %s", ErrNamespaceMissing, namespace)
	}
	if err := tx.DeleteBucket(key); err != nil {
		return fmt.Errorf("clearing namespace %s: %w", namespace, err)
	}
	if _, err := tx.CreateBucket(key); err != nil {
		return fmt.Errorf("recreating namespace %s: %w", namespace, err)
	}
	return nil
}

// GetAll returns every record in the namespace. Order is the engine's key
// order; callers must not rely on it.
func (b *BoltDB) GetAll(_ context.Context, namespace string) ([]Record, error) {
	var records []Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			records = append(records, Record{Key: string(k), Data: data})
			return nil
		})
	})
	return records, err
}

// ReplaceAll clears the namespace and inserts records, all in one
// transaction. A crash mid-replace leaves the prior collection intact; the
// namespace is never observed with a partial new collection.
func (b *BoltDB) ReplaceAll(_ context.Context, namespace string, records []Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := clearBucket(tx, namespace); err != nil {
			return err
		}

		bucket := tx.Bucket([]byte(namespace))
		for _, rec := range records {
			if err := bucket.Put([]byte(rec.Key), rec.Data); err != nil {
				return fmt.Errorf("putting record %s/%s: %w", namespace, rec.Key, err)
			}
		}
		return nil
	})
}

// Count returns the number of records in the namespace.
func (b *BoltDB) Count(_ context.Context, namespace string) (int, error) {
	var count int
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// PutStamped stores payload under key wrapped in a frame stamped with the
// current time, overwriting any prior record.
func (b *BoltDB) PutStamped(ctx context.Context, namespace, key string, payload []byte) error {
	frame, err := b.codec.EncodeFrame(payload, b.now())
	if err != nil {
		return fmt.Errorf("encoding stamped record %s/%s: %w", namespace, key, err)
	}
	return b.Put(ctx, namespace, key, frame)
}

// GetStamped retrieves and decodes one stamped record. Returns ErrNotFound
// when absent and ErrCorrupted when the payload digest does not match.
func (b *BoltDB) GetStamped(ctx context.Context, namespace, key string) (*StampedRecord, error) {
	frame, err := b.Get(ctx, namespace, key)
	if err != nil {
		return nil, err
	}

	header, payload, err := b.codec.DecodeFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("decoding stamped record %s/%s: %w", namespace, key, err)
	}

	return &StampedRecord{
		Key:        key,
		Data:       payload,
		CapturedAt: header.CapturedAt(),
	}, nil
}

// StampedHeader returns the frame header of one stamped record without
// decoding the payload. Used by age checks that do not need the data.
func (b *BoltDB) StampedHeader(ctx context.Context, namespace, key string) (FrameHeader, error) {
	frame, err := b.Get(ctx, namespace, key)
	if err != nil {
		return FrameHeader{}, err
	}
	return DecodeFrameHeader(frame)
}

// DeleteStampedBefore removes every stamped record in the namespace captured
// before cutoff and returns the number deleted. Values that do not parse as
// frames are left in place.
func (b *BoltDB) DeleteStampedBefore(_ context.Context, namespace string, cutoff time.Time) (int, error) {
	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}

		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			header, err := DecodeFrameHeader(v)
			if err != nil {
				b.logger.Warn("skipping unparseable stamped record",
					"namespace", namespace,
					"key", string(k),
					"error", err)
				return nil
			}
			if header.CapturedAt().Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting stale record %s/%s: %w", namespace, string(k), err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// encodeSeqKey converts a sequence ID into an 8-byte big-endian key so the
// engine's key order matches insertion order.
func encodeSeqKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// AppendSeq assigns the bucket's next sequence number, calls encode with it,
// and stores the result under that ID. Sequence assignment and the put share
// one transaction, so the stored value can embed its own ID.
func (b *BoltDB) AppendSeq(_ context.Context, namespace string, encode func(id uint64) ([]byte, error)) (uint64, error) {
	var id uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}

		id, err = bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("assigning sequence in %s: %w", namespace, err)
		}

		data, err := encode(id)
		if err != nil {
			return err
		}
		if err := bucket.Put(encodeSeqKey(id), data); err != nil {
			return fmt.Errorf("appending record %s/%d: %w", namespace, id, err)
		}
		return nil
	})
	return id, err
}

// GetSeq retrieves one sequence-keyed record. Returns ErrNotFound when
// absent.
func (b *BoltDB) GetSeq(_ context.Context, namespace string, id uint64) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}

		val := bucket.Get(encodeSeqKey(id))
		if val == nil {
			return ErrNotFound
		}

		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// ScanSeq visits every sequence-keyed record in ascending ID order.
func (b *BoltDB) ScanSeq(_ context.Context, namespace string, fn func(id uint64, data []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return nil
			}
			return fn(binary.BigEndian.Uint64(k), v)
		})
	})
}

// UpdateSeq applies a read-modify-write to one sequence-keyed record in a
// single transaction. Returns ErrNotFound when the record is absent. fn may
// return nil data to leave the record unchanged.
func (b *BoltDB) UpdateSeq(_ context.Context, namespace string, id uint64, fn func(cur []byte) ([]byte, error)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}

		key := encodeSeqKey(id)
		cur := bucket.Get(key)
		if cur == nil {
			return ErrNotFound
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		return bucket.Put(key, next)
	})
}
