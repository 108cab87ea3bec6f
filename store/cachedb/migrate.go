package cachedb

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	offline "github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004"
)

// SchemaVersion is the schema this build expects. Opening a store below it
// runs every migration in the gap; opening a store above it fails with
// ErrVersionTooNew.
const SchemaVersion = 8

// SyncQueueBucket holds queued offline mutations. Created by schema
// version 8; the syncq package owns its contents.
const SyncQueueBucket = "sync_queue"

var (
	bucketSchemaMeta = []byte("schema_meta")
	keySchemaVersion = []byte("schema_version")
)

// A migration brings the store across one version boundary. apply runs
// inside the single upgrade transaction shared by all traversed versions.
type migration struct {
	version uint64
	apply   func(tx *bbolt.Tx) error
}

// The migration table, in ascending version order. Append-only: released
// entries are never edited, so every store reaches the same layout no
// matter which version it starts from.
var migrations = []migration{
	{version: 1, apply: createNamespaces(offline.Cadets.Name, offline.Grades.Name, offline.Activities.Name)},
	{version: 2, apply: createNamespaces(offline.Analytics.Name)},
	// v3: analytics snapshots re-encoded as framed values.
	{version: 3, apply: resetNamespaces(offline.Analytics.Name)},
	{version: 4, apply: createNamespaces(offline.Attendance.Name)},
	{version: 5, apply: createNamespaces(offline.Screens.Name)},
	// v6: per-screen responses re-encoded as framed values.
	{version: 6, apply: resetNamespaces(offline.Screens.Name)},
	// v7: grade scale rework changed record shapes; derived data invalidated.
	{version: 7, apply: resetNamespaces(offline.Grades.Name, offline.Analytics.Name, offline.Screens.Name)},
	{version: 8, apply: createNamespaces(SyncQueueBucket)},
}

// createNamespaces returns a migration step creating the named buckets.
func createNamespaces(names ...string) func(tx *bbolt.Tx) error {
	return func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating namespace %s: %w", name, err)
			}
		}
		return nil
	}
}

// resetNamespaces returns a migration step dropping and recreating the named
// buckets: contents are cleared, the namespace itself survives.
func resetNamespaces(names ...string) func(tx *bbolt.Tx) error {
	return func(tx *bbolt.Tx) error {
		for _, name := range names {
			key := []byte(name)
			if tx.Bucket(key) != nil {
				if err := tx.DeleteBucket(key); err != nil {
					return fmt.Errorf("dropping namespace %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(key); err != nil {
				return fmt.Errorf("recreating namespace %s: %w", name, err)
			}
		}
		return nil
	}
}

// migrateSchema runs every migration between the stored version and
// SchemaVersion inside tx, then records the new version. The version bump
// commits with the migrations or not at all. Returns the version the store
// was at before the upgrade.
func migrateSchema(tx *bbolt.Tx) (uint64, error) {
	meta, err := tx.CreateBucketIfNotExists(bucketSchemaMeta)
	if err != nil {
		return 0, fmt.Errorf("creating schema meta bucket: %w", err)
	}

	var stored uint64
	if v := meta.Get(keySchemaVersion); len(v) == 8 {
		stored = binary.BigEndian.Uint64(v)
	}

	if stored > SchemaVersion {
		return stored, fmt.Errorf("%w: store at v%d, build expects v%d", ErrVersionTooNew, stored, uint64(SchemaVersion))
	}

	for _, m := range migrations {
		if m.version <= stored {
			continue
		}
		if err := m.apply(tx); err != nil {
			return stored, fmt.Errorf("migrating to v%d: %w", m.version, err)
		}
	}

	if stored != SchemaVersion {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, SchemaVersion)
		if err := meta.Put(keySchemaVersion, buf); err != nil {
			return stored, fmt.Errorf("recording schema version: %w", err)
		}
	}

	return stored, nil
}

// verifySchema checks that every catalog namespace and the sync queue have
// buckets. Guards against stores modified outside the migration path.
func verifySchema(tx *bbolt.Tx) error {
	for _, ns := range offline.All() {
		if tx.Bucket([]byte(ns.Name)) == nil {
			return fmt.Errorf("%w: %s", ErrNamespaceMissing, ns.Name)
		}
	}
	if tx.Bucket([]byte(SyncQueueBucket)) == nil {
		return fmt.Errorf("%w: %s", ErrNamespaceMissing, SyncQueueBucket)
	}
	return nil
}

// Version returns the stored schema version.
func (b *BoltDB) Version(_ context.Context) (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketSchemaMeta)
		if meta == nil {
			return fmt.Errorf("%w: %s", ErrNamespaceMissing, string(bucketSchemaMeta))
		}
		if v := meta.Get(keySchemaVersion); len(v) == 8 {
			version = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return version, err
}
