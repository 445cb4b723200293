// Package executor defines the pluggable contract between the core and
// whatever actually runs agent binaries. The core never executes agents
// itself; it signals and drains sessions through this interface.
package executor

import (
	"context"
	"log/slog"
	"time"
)

// DrainTimeout bounds how long the delete path waits for a session to
// wind down before proceeding with the cascade.
const DrainTimeout = 5 * time.Second

// Executor is implemented by the process that runs agents.
type Executor interface {
	// Signal asks the executor to stop work on the task. Best-effort:
	// the state change has already landed and later status writes from
	// the executor fail their CAS anyway.
	Signal(ctx context.Context, taskID string) error
	// DrainSession flushes and closes any session attached to the task.
	// Called before deletion; must respect ctx cancellation.
	DrainSession(ctx context.Context, taskID string) error
}

// Noop is the default executor when none is plugged in.
type Noop struct{}

func (Noop) Signal(context.Context, string) error       { return nil }
func (Noop) DrainSession(context.Context, string) error { return nil }

// Drain runs DrainSession under DrainTimeout. Failures are logged, not
// propagated: a stuck session must not block the delete path forever.
func Drain(ctx context.Context, ex Executor, taskID string, logger *slog.Logger) {
	if ex == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	drainCtx, cancel := context.WithTimeout(ctx, DrainTimeout)
	defer cancel()
	if err := ex.DrainSession(drainCtx, taskID); err != nil {
		logger.Warn("executor session drain failed", "taskId", taskID, "error", err)
	}
}

var _ Executor = Noop{}
