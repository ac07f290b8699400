package memo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/transitd/internal/runtime/cache"
)

type item struct {
	Code  string
	Value int
}

type record struct {
	Code  string `json:"code"`
	Value int    `json:"value"`
	Extra string `json:"extra"`
}

func newCache(t *testing.T) *cache.KeyedCache {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := cache.New(context.Background(), store, cache.Options{Logger: logger})
	require.NoError(t, err)
	return c
}

func keyOf(i item) string { return i.Code }

func TestGetComputesOncePerCode(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	f := New(c, cache.Info, keyOf, func(_ context.Context, i item, extra string) (record, error) {
		calls.Add(1)
		return record{Code: i.Code, Value: i.Value, Extra: extra}, nil
	}, Options{})

	first, err := f.Get(context.Background(), item{Code: "A1", Value: 1}, "dest")
	require.NoError(t, err)
	second, err := f.Get(context.Background(), item{Code: "A1", Value: 2}, "other")
	require.NoError(t, err)

	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, first, second)
	require.Equal(t, record{Code: "A1", Value: 1, Extra: "dest"}, second)
	require.True(t, c.Dirty())
}

func TestGetDoesNotStoreFailures(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	f := New(c, cache.Location, keyOf, func(context.Context, item, struct{}) (record, error) {
		if calls.Add(1) == 1 {
			return record{}, errors.New("upstream unavailable")
		}
		return record{Code: "A1"}, nil
	}, Options{})

	_, err := f.Get(context.Background(), item{Code: "A1"}, struct{}{})
	require.Error(t, err)
	require.Equal(t, 0, c.Len(cache.Location))
	require.False(t, c.Dirty())

	got, err := f.Get(context.Background(), item{Code: "A1"}, struct{}{})
	require.NoError(t, err)
	require.Equal(t, "A1", got.Code)
	require.Equal(t, int64(2), calls.Load())
}

func TestGetReturnsOwnResultWhenLosingStoreRace(t *testing.T) {
	c := newCache(t)
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	f := New(c, cache.Info, keyOf, func(_ context.Context, i item, _ struct{}) (record, error) {
		started.Done()
		<-release
		return record{Code: i.Code, Value: i.Value}, nil
	}, Options{})

	results := make([]record, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = f.Get(context.Background(), item{Code: "A1", Value: n + 1}, struct{}{})
		}(n)
	}
	started.Wait()
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, results[0].Value)
	require.Equal(t, 2, results[1].Value)
	require.Equal(t, 1, c.Len(cache.Info))
}

func TestGetDedupesInflightComputations(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	release := make(chan struct{})
	f := New(c, cache.Info, keyOf, func(_ context.Context, i item, _ struct{}) (record, error) {
		calls.Add(1)
		<-release
		return record{Code: i.Code, Value: 7}, nil
	}, Options{DedupeInflight: true})

	const callers = 8
	results := make([]record, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for n := 0; n < callers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = f.Get(context.Background(), item{Code: "A1"}, struct{}{})
		}(n)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), calls.Load())
	for _, r := range results {
		require.Equal(t, record{Code: "A1", Value: 7}, r)
	}
}

func TestGetDedupeSurvivesLeaderCancellation(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	release := make(chan struct{})
	f := New(c, cache.Info, keyOf, func(ctx context.Context, i item, _ struct{}) (record, error) {
		calls.Add(1)
		select {
		case <-release:
			return record{Code: i.Code, Value: 3}, nil
		case <-ctx.Done():
			return record{}, ctx.Err()
		}
	}, Options{DedupeInflight: true})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.Get(leaderCtx, item{Code: "A1"}, struct{}{})
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		rec record
		err error
	}
	followerDone := make(chan result, 1)
	go func() {
		r, err := f.Get(context.Background(), item{Code: "A1"}, struct{}{})
		followerDone <- result{rec: r, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	select {
	case err := <-leaderErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("leader did not return after its context was cancelled")
	}

	close(release)
	select {
	case res := <-followerDone:
		require.NoError(t, res.err)
		require.Equal(t, record{Code: "A1", Value: 3}, res.rec)
	case <-time.After(time.Second):
		t.Fatal("follower did not receive the shared result")
	}
	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, 1, c.Len(cache.Info))
}

func TestGetTimeoutIsPerItemError(t *testing.T) {
	c := newCache(t)
	f := New(c, cache.Info, keyOf, func(context.Context, item, struct{}) (record, error) {
		time.Sleep(time.Second)
		return record{}, nil
	}, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := f.Get(context.Background(), item{Code: "slow"}, struct{}{})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 0, c.Len(cache.Info))
}

func TestGetWithoutCodeSkipsCache(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	f := New(c, cache.Info, keyOf, func(context.Context, item, struct{}) (record, error) {
		calls.Add(1)
		return record{}, nil
	}, Options{})

	for i := 0; i < 3; i++ {
		_, err := f.Get(context.Background(), item{}, struct{}{})
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), calls.Load())
	require.Equal(t, 0, c.Len(cache.Info))
}

func TestGetReportsUndecodableCachedRecord(t *testing.T) {
	c := newCache(t)
	require.True(t, c.Store(cache.Info, "A1", []byte(`"not a record"`)))
	f := New(c, cache.Info, keyOf, func(context.Context, item, struct{}) (record, error) {
		t.Fatal("compute must not run on a cache hit")
		return record{}, nil
	}, Options{})
	_, err := f.Get(context.Background(), item{Code: "A1"}, struct{}{})
	require.Error(t, err)
}
