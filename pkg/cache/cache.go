// Package cache provides the read-through cache of last-known-good server
// responses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/logging"
	"github.com/trackingdudes/offsync/internal/metrics"
	"github.com/trackingdudes/offsync/pkg/kv"
	"github.com/trackingdudes/offsync/pkg/models"
)

// KeyPrefix namespaces cache entries inside the durable store.
const KeyPrefix = "cache_"

// DefaultVolatileParams are query parameters that vary per request without
// changing the resource (freshness timestamps, page numbers).
var DefaultVolatileParams = []string{"_t", "t", "timestamp", "page"}

// Store caches server responses keyed by normalized endpoint. It is a
// best-effort optimization: writes never fail the caller and unreadable
// entries are misses.
type Store struct {
	kv       kv.Storage
	volatile map[string]bool
	now      func() time.Time
	log      *zap.Logger
}

// New creates a cache on top of s. With no volatile params given,
// DefaultVolatileParams are stripped.
func New(s kv.Storage, volatileParams ...string) *Store {
	if len(volatileParams) == 0 {
		volatileParams = DefaultVolatileParams
	}
	volatile := make(map[string]bool, len(volatileParams))
	for _, p := range volatileParams {
		volatile[p] = true
	}
	return &Store{
		kv:       s,
		volatile: volatile,
		now:      time.Now,
		log:      logging.Named("cache"),
	}
}

// NormalizeKey strips volatile query parameters and sorts the rest, so
// requests for the same resource share one slot.
func (c *Store) NormalizeKey(endpoint string) string {
	path, query, found := strings.Cut(endpoint, "?")
	if !found {
		// Tolerate endpoints built as base + "&_t=..." with no "?".
		path, query, found = strings.Cut(endpoint, "&")
	}
	if !found || query == "" {
		return path
	}

	values, _ := url.ParseQuery(query)
	for k := range values {
		if c.volatile[k] {
			delete(values, k)
		}
	}
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}

func (c *Store) storeKey(normalized string) string {
	return KeyPrefix + normalized
}

// Set stores value under the normalized key. Persistence errors are logged
// and swallowed.
func (c *Store) Set(ctx context.Context, key string, value any) {
	norm := c.NormalizeKey(key)

	raw, err := toRaw(value)
	if err != nil {
		c.log.Error("cache encode failed", zap.String("key", norm), zap.Error(err))
		metrics.RecordCacheWriteError()
		return
	}

	data, err := json.Marshal(models.CacheEntry{Key: norm, Value: raw, StoredAt: c.now()})
	if err != nil {
		c.log.Error("cache encode failed", zap.String("key", norm), zap.Error(err))
		metrics.RecordCacheWriteError()
		return
	}

	if err := c.kv.SetItem(ctx, c.storeKey(norm), string(data)); err != nil {
		c.log.Error("cache write failed", zap.String("key", norm), zap.Error(err))
		metrics.RecordCacheWriteError()
		return
	}
	c.log.Debug("cache set", zap.String("key", norm), zap.Int("bytes", len(raw)))
}

// Entry returns the stored entry for key, or false on a miss. Corrupt
// entries are misses.
func (c *Store) Entry(ctx context.Context, key string) (*models.CacheEntry, bool) {
	norm := c.NormalizeKey(key)

	data, err := c.kv.GetItem(ctx, c.storeKey(norm))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.log.Warn("cache read failed", zap.String("key", norm), zap.Error(err))
		}
		metrics.RecordCacheLookup(false)
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil || len(entry.Value) == 0 {
		c.log.Warn("cache entry corrupt, treating as miss", zap.String("key", norm), zap.Error(err))
		metrics.RecordCacheLookup(false)
		return nil, false
	}

	metrics.RecordCacheLookup(true)
	return &entry, true
}

// Get returns the cached value for key.
func (c *Store) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	entry, ok := c.Entry(ctx, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetRecords returns the cached value as a list of records. A cached value
// that is not a list is a miss.
func (c *Store) GetRecords(ctx context.Context, key string) ([]models.Record, bool) {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return nil, false
	}
	return models.ExtractList(raw)
}

// SetRecords stores records in the shape of the value already cached under
// key: inside the same envelope when it wraps its list, as a JSON array
// otherwise.
func (c *Store) SetRecords(ctx context.Context, key string, records []models.Record) {
	prev, _ := c.Get(ctx, key)
	raw, err := models.ReplaceList(prev, records)
	if err != nil {
		c.log.Error("cache encode failed", zap.String("key", c.NormalizeKey(key)), zap.Error(err))
		return
	}
	c.Set(ctx, key, raw)
}

// Remove deletes the entry for key.
func (c *Store) Remove(ctx context.Context, key string) {
	norm := c.NormalizeKey(key)
	if err := c.kv.RemoveItem(ctx, c.storeKey(norm)); err != nil {
		c.log.Warn("cache remove failed", zap.String("key", norm), zap.Error(err))
	}
}

// Keys returns the normalized keys of every cached entry.
func (c *Store) Keys(ctx context.Context) []string {
	keys, err := c.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		c.log.Warn("cache list failed", zap.Error(err))
		return nil
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, KeyPrefix)
	}
	return keys
}

// Clear removes every cached entry and returns how many were removed.
func (c *Store) Clear(ctx context.Context) int {
	count := 0
	for _, k := range c.Keys(ctx) {
		if err := c.kv.RemoveItem(ctx, c.storeKey(k)); err != nil {
			c.log.Warn("cache remove failed", zap.String("key", k), zap.Error(err))
			continue
		}
		count++
	}
	return count
}

func toRaw(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON value")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON value")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(value)
	}
}
