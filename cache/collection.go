package cache

import (
	"context"
	"encoding/json"
	"fmt"

	offline "github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/store/cachedb"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/telemetry"
)

// CacheData mirrors the server's current full list into the namespace: the
// prior contents are cleared and records inserted in one transaction, so
// server-side deletions disappear locally too. Records are keyed by the
// namespace's key field; a record missing that field fails the whole call
// before anything is replaced.
func CacheData[T any](ctx context.Context, c *Cache, ns offline.Namespace, records []T) error {
	if err := requireCollection(ns); err != nil {
		return err
	}

	rows := make([]cachedb.Record, 0, len(records))
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record %d for %s: %w", i, ns.Name, err)
		}
		key, err := extractKey(data, ns.KeyField)
		if err != nil {
			return fmt.Errorf("record %d for %s: %w", i, ns.Name, err)
		}
		rows = append(rows, cachedb.Record{Key: key, Data: data})
	}

	if err := c.db.ReplaceAll(ctx, ns.Name, rows); err != nil {
		c.logger.Error("failed to cache collection",
			"namespace", ns.Name,
			"records", len(rows),
			"error", err)
		return fmt.Errorf("caching %s: %w", ns.Name, err)
	}

	telemetry.RecordWrite(ctx, ns.Name, "collection")
	c.logger.Debug("cached collection", "namespace", ns.Name, "records", len(rows))
	return nil
}

// CachedData returns whatever the namespace currently holds. Collections
// carry no capture timestamp, so there is no freshness filtering here;
// callers track list freshness through a companion stamped entry.
func CachedData[T any](ctx context.Context, c *Cache, ns offline.Namespace) ([]T, error) {
	if err := requireCollection(ns); err != nil {
		return nil, err
	}

	rows, err := c.db.GetAll(ctx, ns.Name)
	if err != nil {
		c.logger.Error("failed to read collection", "namespace", ns.Name, "error", err)
		return nil, fmt.Errorf("reading %s: %w", ns.Name, err)
	}

	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var rec T
		if err := json.Unmarshal(row.Data, &rec); err != nil {
			c.logger.Error("failed to decode cached record",
				"namespace", ns.Name,
				"key", row.Key,
				"error", err)
			return nil, fmt.Errorf("decoding %s/%s: %w", ns.Name, row.Key, err)
		}
		out = append(out, rec)
	}

	result := "hit"
	if len(out) == 0 {
		result = "miss"
	}
	telemetry.RecordRead(ctx, ns.Name, result)
	return out, nil
}

// ClearCache drops every record in the namespace.
func (c *Cache) ClearCache(ctx context.Context, ns offline.Namespace) error {
	if err := c.db.Clear(ctx, ns.Name); err != nil {
		c.logger.Error("failed to clear namespace", "namespace", ns.Name, "error", err)
		return fmt.Errorf("clearing %s: %w", ns.Name, err)
	}
	telemetry.RecordWrite(ctx, ns.Name, "clear")
	c.logger.Debug("cleared namespace", "namespace", ns.Name)
	return nil
}

// extractKey pulls the key field's value out of a marshaled record. String
// values key as-is; integer values key by their decimal form.
func extractKey(data []byte, field string) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("record is not a JSON object: %w", err)
	}

	raw, ok := doc[field]
	if !ok {
		return "", fmt.Errorf("record has no %q field", field)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("record %q field is empty", field)
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := n.Int64(); err != nil {
			return "", fmt.Errorf("record %q field is not an integer: %v", field, n)
		}
		return n.String(), nil
	}

	return "", fmt.Errorf("record %q field must be a string or integer", field)
}
