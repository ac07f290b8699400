package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultFlushInterval is how often the daemon checks for unsaved entries.
const DefaultFlushInterval = 240 * time.Second

// ErrDaemonRunning reports a second daemon being started for the same cache.
var ErrDaemonRunning = errors.New("cache: persistence daemon already running")

// Daemon periodically flushes a dirty cache in the background. It never
// performs a final flush on stop; owners flush once more before exiting.
type Daemon struct {
	cache    *KeyedCache
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDaemon(c *KeyedCache, interval time.Duration, logger *slog.Logger) *Daemon {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cache:    c,
		interval: interval,
		logger:   logger.With(slog.String("agent", "persistence_daemon")),
	}
}

// Start launches the flush loop. It runs until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	if d.cache == nil {
		return errors.New("cache: persistence daemon requires a cache")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return ErrDaemonRunning
	}
	if !d.cache.daemon.CompareAndSwap(false, true) {
		return ErrDaemonRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done

	go func() {
		defer close(done)
		defer d.cache.daemon.Store(false)
		d.run(loopCtx)
	}()
	d.logger.Info("persistence daemon started", slog.Duration("interval", d.interval))
	return nil
}

// Stop halts the loop and waits for an in-progress flush to finish.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Info("persistence daemon stopped")
}

func (d *Daemon) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.cache.Dirty() {
				continue
			}
			if err := d.cache.Flush(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				d.logger.Error("cache flush failed", slog.Any("error", err))
			}
		}
	}
}
