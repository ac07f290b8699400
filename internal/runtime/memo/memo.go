// Package memo wraps expensive lookups so each code is computed at most once
// per cache lifetime.
package memo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/transitd/internal/runtime/cache"
)

// Compute performs the expensive work for one item. shared carries request-wide
// context such as the destination point.
type Compute[I, C, R any] func(ctx context.Context, item I, shared C) (R, error)

// Options tunes a Fetcher.
type Options struct {
	// Timeout bounds a single Compute call. Zero disables the bound.
	Timeout time.Duration
	// DedupeInflight collapses concurrent misses for the same code onto one
	// Compute call. When false, concurrent misses may each compute.
	DedupeInflight bool
}

// Fetcher memoizes Compute results in one cache namespace.
type Fetcher[I, C, R any] struct {
	cache     *cache.KeyedCache
	namespace cache.Namespace
	keyOf     func(I) string
	compute   Compute[I, C, R]
	opts      Options
	group     singleflight.Group
}

func New[I, C, R any](c *cache.KeyedCache, ns cache.Namespace, keyOf func(I) string, compute Compute[I, C, R], opts Options) *Fetcher[I, C, R] {
	return &Fetcher[I, C, R]{
		cache:     c,
		namespace: ns,
		keyOf:     keyOf,
		compute:   compute,
		opts:      opts,
	}
}

// Get returns the cached record for item or computes and stores it. A caller
// that loses the store race still receives its own computed result. Items with
// an empty code are computed but never cached.
func (f *Fetcher[I, C, R]) Get(ctx context.Context, item I, shared C) (R, error) {
	var zero R
	code := f.keyOf(item)
	if code == "" {
		return f.run(ctx, item, shared)
	}

	if raw, ok := f.cache.Fetch(f.namespace, code); ok {
		var out R
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("memo: decode cached %s/%s: %w", f.namespace, code, err)
		}
		return out, nil
	}

	if !f.opts.DedupeInflight {
		result, _, err := f.computeAndStore(ctx, code, item, shared)
		return result, err
	}

	// The shared call is detached from the leader's cancellation so callers
	// from other requests are not failed by it. Each caller still stops
	// waiting when its own ctx ends; Timeout bounds the shared call.
	detached := context.WithoutCancel(ctx)
	ch := f.group.DoChan(code, func() (any, error) {
		_, raw, err := f.computeAndStore(detached, code, item, shared)
		return raw, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		// Followers decode their own copy so no two callers share mutable state.
		var out R
		if err := json.Unmarshal(res.Val.(json.RawMessage), &out); err != nil {
			return zero, fmt.Errorf("memo: decode shared %s/%s: %w", f.namespace, code, err)
		}
		return out, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("memo: wait %s/%s: %w", f.namespace, code, ctx.Err())
	}
}

func (f *Fetcher[I, C, R]) computeAndStore(ctx context.Context, code string, item I, shared C) (R, json.RawMessage, error) {
	var zero R
	result, err := f.run(ctx, item, shared)
	if err != nil {
		return zero, nil, fmt.Errorf("memo: compute %s/%s: %w", f.namespace, code, err)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return zero, nil, fmt.Errorf("memo: encode %s/%s: %w", f.namespace, code, err)
	}
	f.cache.Store(f.namespace, code, raw)
	return result, raw, nil
}

// run invokes Compute, abandoning it once the timeout elapses even if Compute
// ignores its context.
func (f *Fetcher[I, C, R]) run(ctx context.Context, item I, shared C) (R, error) {
	if f.opts.Timeout <= 0 {
		return f.compute(ctx, item, shared)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	type outcome struct {
		result R
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.compute(callCtx, item, shared)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		var zero R
		return zero, fmt.Errorf("memo: compute abandoned: %w", callCtx.Err())
	}
}
