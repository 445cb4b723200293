// Package recovery offlines workers whose heartbeat went silent and
// returns their running tasks to the queue.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/camctl/cam/internal/db"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/registry"
	"github.com/camctl/cam/internal/task"
)

const (
	// DefaultInterval is how often a pass runs.
	DefaultInterval = 30 * time.Second
	// DefaultStaleTimeout is how old a heartbeat may be before the
	// worker counts as dead (WORKER_STALE_TIMEOUT_MS).
	DefaultStaleTimeout = 90 * time.Second
)

// Loop is the background recovery ticker.
type Loop struct {
	store    *db.Store
	registry *registry.Registry
	emitter  events.Emitter
	logger   *slog.Logger
	interval time.Duration
	stale    time.Duration
}

// Option configures the Loop.
type Option func(*Loop)

// WithInterval overrides the pass interval.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithStaleTimeout overrides the heartbeat threshold.
func WithStaleTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.stale = d
		}
	}
}

// New creates a recovery loop.
func New(store *db.Store, reg *registry.Registry, emitter events.Emitter, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		store:    store,
		registry: reg,
		emitter:  emitter,
		logger:   logger,
		interval: DefaultInterval,
		stale:    DefaultStaleTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run ticks until the context is cancelled. One pass runs immediately.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.runPass(ctx)
		}
	}
}

func (l *Loop) runPass(ctx context.Context) {
	if n, err := l.Pass(ctx); err != nil {
		l.logger.Error("recovery pass failed", "error", err)
	} else if n > 0 {
		l.logger.Info("recovery pass reclaimed workers", "count", n)
	}
}

// Pass offlines every stale worker and reclaims its running tasks.
// Returns the number of workers taken offline.
func (l *Loop) Pass(ctx context.Context) (int, error) {
	cutoff := task.Now().Add(-l.stale)
	stale, err := l.store.StaleWorkers(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, w := range stale {
		l.logger.Warn("worker heartbeat stale, taking offline",
			"workerId", w.ID, "lastHeartbeatAt", w.LastHeartbeatAt)

		if err := l.store.SetWorkerStatus(ctx, w.ID, task.WorkerOffline, true); err != nil {
			l.logger.Error("offline stale worker", "workerId", w.ID, "error", err)
			continue
		}
		l.emitter.Emit(ctx, events.Event{
			Type: events.WorkerOffline,
			Payload: map[string]any{
				"workerId":        w.ID,
				"previousStatus":  string(w.Status),
				"reason":          registry.ReasonWorkerStale,
				"lastHeartbeatAt": w.LastHeartbeatAt,
			},
		})

		if err := l.registry.ReclaimTasks(ctx, w.ID, registry.ReasonWorkerStale, ""); err != nil {
			l.logger.Error("reclaim tasks for stale worker", "workerId", w.ID, "error", err)
		}
	}
	return len(stale), nil
}
