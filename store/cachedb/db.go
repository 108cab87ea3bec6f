package cachedb

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("cachedb: not found")

	// ErrNamespaceMissing is returned when an operation names a bucket the
	// schema has not created. The fix is a new migration table entry, not
	// a create at the call site.
	ErrNamespaceMissing = errors.New("cachedb: namespace missing from schema")

	// ErrVersionTooNew is returned when the stored schema version is ahead
	// of the version this build expects.
	ErrVersionTooNew = errors.New("cachedb: stored schema version is newer than this build")
)

// Record is one raw entry in a collection namespace.
type Record struct {
	Key  string
	Data []byte
}

// StampedRecord is one decoded entry from a stamped namespace.
type StampedRecord struct {
	Key        string
	Data       []byte
	CapturedAt time.Time
}

// CacheDB provides namespaced record storage for the offline cache.
type CacheDB interface {
	// Lifecycle
	Open(path string) error
	Close() error
	Version(ctx context.Context) (uint64, error)

	// Collection records
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, data []byte) error
	Delete(ctx context.Context, namespace, key string) error
	Clear(ctx context.Context, namespace string) error
	GetAll(ctx context.Context, namespace string) ([]Record, error)
	ReplaceAll(ctx context.Context, namespace string, records []Record) error
	Count(ctx context.Context, namespace string) (int, error)

	// Stamped records
	PutStamped(ctx context.Context, namespace, key string, payload []byte) error
	GetStamped(ctx context.Context, namespace, key string) (*StampedRecord, error)
	StampedHeader(ctx context.Context, namespace, key string) (FrameHeader, error)
	DeleteStampedBefore(ctx context.Context, namespace string, cutoff time.Time) (int, error)

	// Sequence-keyed records (sync queue)
	AppendSeq(ctx context.Context, namespace string, encode func(id uint64) ([]byte, error)) (uint64, error)
	GetSeq(ctx context.Context, namespace string, id uint64) ([]byte, error)
	ScanSeq(ctx context.Context, namespace string, fn func(id uint64, data []byte) error) error
	UpdateSeq(ctx context.Context, namespace string, id uint64, fn func(cur []byte) ([]byte, error)) error
}

// New creates a CacheDB backed by bbolt.
func New(opts ...BoltDBOption) CacheDB {
	return NewBoltDB(opts...)
}
