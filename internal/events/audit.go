package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/camctl/cam/internal/db"
	"github.com/camctl/cam/internal/task"
)

// Emitter is what mutation paths publish through.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// AuditBus writes every event to the audit table and then broadcasts it
// on the in-process bus. The write happens first so the audit log is the
// authoritative replay source: live delivery is best-effort, the table
// is not.
type AuditBus struct {
	store  *db.Store
	bus    Bus
	logger *slog.Logger
}

// NewAuditBus creates an audited emitter over the given store and bus.
func NewAuditBus(store *db.Store, bus Bus, logger *slog.Logger) *AuditBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditBus{store: store, bus: bus, logger: logger}
}

// Emit persists the event and broadcasts it. An audit write failure is
// logged and the broadcast still happens; state transitions must not
// roll back because the audit insert failed.
func (a *AuditBus) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = task.Now()
	}

	if a.store != nil {
		err := a.store.AppendEvent(ctx, &db.SystemEvent{
			ID:        e.ID,
			Type:      string(e.Type),
			Actor:     e.Actor,
			TaskID:    e.TaskID,
			GroupID:   e.GroupID,
			Payload:   e.Payload,
			CreatedAt: e.Time,
		})
		if err != nil {
			a.logger.Warn("audit write failed",
				"event", e.Type, "eventId", e.ID, "taskId", e.TaskID, "error", err)
		}
	}

	if a.bus != nil {
		a.bus.Publish(e)
	}
}

// Subscribe proxies to the underlying bus.
func (a *AuditBus) Subscribe(filter Filter) *Subscription {
	return a.bus.Subscribe(filter)
}

// Unsubscribe proxies to the underlying bus.
func (a *AuditBus) Unsubscribe(sub *Subscription) {
	a.bus.Unsubscribe(sub)
}

// Close shuts down the underlying bus.
func (a *AuditBus) Close() {
	a.bus.Close()
}
