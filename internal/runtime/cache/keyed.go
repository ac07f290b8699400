package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/transitd/internal/metrics"
)

// Options configures a KeyedCache.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// KeyedCache is a namespaced insert-if-absent store backed by a SnapshotStore.
// Entries are never overwritten or evicted once written. Each namespace owns
// its own lock so traffic on one namespace never blocks another.
type KeyedCache struct {
	store   SnapshotStore
	logger  *slog.Logger
	metrics *metrics.Recorder

	partitions map[Namespace]*partition

	dirty   atomic.Bool
	flushMu sync.Mutex
	daemon  atomic.Bool
}

type partition struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

// New builds a cache and hydrates it from store. Load failures degrade to empty
// namespaces and never fail construction.
func New(ctx context.Context, store SnapshotStore, opts Options) (*KeyedCache, error) {
	if store == nil {
		return nil, errors.New("cache: snapshot store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &KeyedCache{
		store:      store,
		logger:     logger.With(slog.String("agent", "keyed_cache")),
		metrics:    opts.Metrics,
		partitions: make(map[Namespace]*partition, len(Namespaces)),
	}
	for _, ns := range Namespaces {
		c.partitions[ns] = &partition{entries: make(map[string]json.RawMessage)}
	}
	c.Load(ctx)
	return c, nil
}

// Load replaces every namespace with its persisted snapshot. A namespace whose
// snapshot is missing or unreadable starts empty and a warning is logged.
func (c *KeyedCache) Load(ctx context.Context) {
	for _, ns := range Namespaces {
		entries := make(map[string]json.RawMessage)
		snap, err := c.store.Load(ctx, ns)
		switch {
		case errors.Is(err, ErrSnapshotNotFound):
			c.logger.Warn("cache snapshot missing, starting empty",
				slog.String("namespace", ns.String()), slog.Any("error", err))
		case err != nil:
			c.logger.Warn("cache snapshot unreadable, starting empty",
				slog.String("namespace", ns.String()), slog.Any("error", err))
		default:
			for code, value := range snap {
				entries[code] = value
			}
		}

		p := c.partitions[ns]
		p.mu.Lock()
		p.entries = entries
		p.mu.Unlock()

		c.metrics.SetCacheEntries(ns.String(), len(entries))
		c.logger.Info("cache namespace loaded",
			slog.String("namespace", ns.String()), slog.Int("entries", len(entries)))
	}
}

// Fetch returns the record stored for code. The returned bytes are shared with
// the cache and must not be modified.
func (c *KeyedCache) Fetch(ns Namespace, code string) (json.RawMessage, bool) {
	p, ok := c.partitions[ns]
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	value, found := p.entries[code]
	p.mu.Unlock()

	if found {
		c.metrics.ObserveCache(ns.String(), metrics.CacheOperationFetch, metrics.CacheHit)
	} else {
		c.metrics.ObserveCache(ns.String(), metrics.CacheOperationFetch, metrics.CacheMiss)
	}
	return value, found
}

// Store inserts value under code unless the code is already present. It reports
// whether the value was inserted and marks the cache dirty when it was.
func (c *KeyedCache) Store(ns Namespace, code string, value json.RawMessage) bool {
	p, ok := c.partitions[ns]
	if !ok {
		return false
	}
	stored := append(json.RawMessage(nil), value...)

	p.mu.Lock()
	if _, exists := p.entries[code]; exists {
		p.mu.Unlock()
		c.metrics.ObserveCache(ns.String(), metrics.CacheOperationStore, metrics.CacheDuplicate)
		return false
	}
	p.entries[code] = stored
	size := len(p.entries)
	c.dirty.Store(true)
	p.mu.Unlock()

	c.metrics.ObserveCache(ns.String(), metrics.CacheOperationStore, metrics.CacheStored)
	c.metrics.SetCacheEntries(ns.String(), size)
	return true
}

// Len reports how many codes a namespace holds.
func (c *KeyedCache) Len(ns Namespace) int {
	p, ok := c.partitions[ns]
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Dirty reports whether a Store succeeded since the last successful Flush.
func (c *KeyedCache) Dirty() bool {
	return c.dirty.Load()
}

// Flush persists every namespace when the cache is dirty and is a no-op
// otherwise. Namespaces are copied under their own lock one at a time and
// written without holding it. On failure the cache stays dirty so the next
// Flush retries.
func (c *KeyedCache) Flush(ctx context.Context) error {
	if !c.dirty.Load() {
		c.metrics.ObserveFlush(metrics.FlushSkipped, 0)
		return nil
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	// Cleared before copying so a Store racing with the flush re-marks the cache.
	if !c.dirty.Swap(false) {
		c.metrics.ObserveFlush(metrics.FlushSkipped, 0)
		return nil
	}

	start := time.Now()
	var errs []error
	for _, ns := range Namespaces {
		snap := c.snapshot(ns)
		if err := c.store.Save(ctx, ns, snap); err != nil {
			errs = append(errs, fmt.Errorf("cache: flush %s: %w", ns, err))
			continue
		}
		c.logger.Debug("cache namespace flushed",
			slog.String("namespace", ns.String()), slog.Int("entries", len(snap)))
	}
	duration := time.Since(start)

	if len(errs) > 0 {
		c.dirty.Store(true)
		c.metrics.ObserveFlush(metrics.FlushFailed, duration)
		return errors.Join(errs...)
	}
	c.metrics.ObserveFlush(metrics.FlushWritten, duration)
	return nil
}

// Close releases the underlying snapshot store without flushing.
func (c *KeyedCache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func (c *KeyedCache) snapshot(ns Namespace) Snapshot {
	p := c.partitions[ns]
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := make(Snapshot, len(p.entries))
	for code, value := range p.entries {
		snap[code] = value
	}
	return snap
}
