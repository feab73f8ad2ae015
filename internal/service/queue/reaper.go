// Package queue runs background maintenance for the test execution queue.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ollyllm/ollyllm/internal/telemetry"
)

// reapTimeout bounds a single sweep.
const reapTimeout = 30 * time.Second

// Abandoner marks claims older than a cutoff as abandoned.
type Abandoner interface {
	AbandonStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Reaper periodically abandons queue entries whose claim has outlived the
// claim timeout, so a crashed worker cannot hold an entry forever.
type Reaper struct {
	store        Abandoner
	logger       *slog.Logger
	interval     time.Duration
	claimTimeout time.Duration

	abandoned metric.Int64Counter
	total     atomic.Int64

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewReaper creates a reaper that sweeps every interval.
func NewReaper(store Abandoner, logger *slog.Logger, interval, claimTimeout time.Duration) *Reaper {
	counter, err := telemetry.Meter("ollyllm/queue").Int64Counter("ollyllm.queue.abandoned_total",
		metric.WithDescription("Claims abandoned after exceeding the claim timeout"),
	)
	if err != nil {
		logger.Warn("queue: create abandoned counter", "error", err)
	}
	return &Reaper{
		store:        store,
		logger:       logger,
		interval:     interval,
		claimTimeout: claimTimeout,
		abandoned:    counter,
		done:         make(chan struct{}),
	}
}

// Start begins the background sweep loop. Only the first call has effect.
func (r *Reaper) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("queue: reaper Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.loop(loopCtx)
}

// Drain stops the loop and waits for an in-flight sweep, or until ctx expires.
func (r *Reaper) Drain(ctx context.Context) {
	if !r.started.Load() {
		return
	}
	r.cancelLoop()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("queue: reaper drain timed out")
	}
}

// Sweep abandons stale claims once and returns how many were affected.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.AbandonStaleClaims(ctx, r.claimTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.total.Add(n)
		if r.abandoned != nil {
			r.abandoned.Add(ctx, n)
		}
		r.logger.Info("queue: abandoned stale claims", "count", n, "claim_timeout", r.claimTimeout)
	}
	return n, nil
}

// Abandoned returns the number of entries abandoned since start.
func (r *Reaper) Abandoned() int64 {
	return r.total.Load()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, reapTimeout)
			if _, err := r.Sweep(sweepCtx); err != nil && ctx.Err() == nil {
				r.logger.Error("queue: reap stale claims", "error", err)
			}
			cancel()
		}
	}
}
