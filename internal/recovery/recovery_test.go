package recovery

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/camctl/cam/internal/db"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/registry"
	"github.com/camctl/cam/internal/task"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureEmitter) count(typ events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newTestLoop(t *testing.T) (*Loop, *db.Store, *captureEmitter) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "cam.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	emitter := &captureEmitter{}
	reg := registry.New(store, emitter, slog.Default())
	return New(store, reg, emitter, slog.Default()), store, emitter
}

func seedWorker(t *testing.T, store *db.Store, id string, status task.WorkerStatus, heartbeat time.Time) {
	t.Helper()
	w := &task.Worker{
		ID:              id,
		Name:            id,
		MaxConcurrent:   1,
		Status:          status,
		LastHeartbeatAt: heartbeat,
		UptimeSince:     heartbeat,
	}
	if err := store.SaveWorker(context.Background(), w); err != nil {
		t.Fatalf("seed worker %s: %v", id, err)
	}
}

func TestPassOfflinesStaleWorkerAndRequeuesTask(t *testing.T) {
	t.Parallel()
	loop, store, emitter := newTestLoop(t)
	ctx := context.Background()

	stale := task.Now().Add(-5 * time.Minute)
	seedWorker(t, store, "dead", task.WorkerBusy, stale)
	seedWorker(t, store, "alive", task.WorkerBusy, task.Now())

	tk := task.New("orphaned")
	tk.ID = "t1"
	tk.Status = task.StatusRunning
	tk.AssignedWorkerID = "dead"
	tk.MaxRetries = 2
	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	n, err := loop.Pass(ctx)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale worker, got %d", n)
	}

	dead, _ := store.GetWorker(ctx, "dead")
	if dead.Status != task.WorkerOffline {
		t.Errorf("stale worker not offlined: %s", dead.Status)
	}
	alive, _ := store.GetWorker(ctx, "alive")
	if alive.Status != task.WorkerBusy {
		t.Errorf("live worker must be untouched: %s", alive.Status)
	}

	got, _ := store.GetTask(ctx, "t1")
	if got.Status != task.StatusQueued || got.RetryCount != 1 || got.AssignedWorkerID != "" {
		t.Errorf("orphaned task not requeued: %+v", got)
	}
	if emitter.count(events.WorkerOffline) != 1 {
		t.Errorf("expected one worker.offline event")
	}
}

func TestPassIgnoresOfflineWorkers(t *testing.T) {
	t.Parallel()
	loop, store, emitter := newTestLoop(t)

	seedWorker(t, store, "already-off", task.WorkerOffline, task.Now().Add(-time.Hour))

	n, err := loop.Pass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if n != 0 || emitter.count(events.WorkerOffline) != 0 {
		t.Errorf("already-offline workers must not be reprocessed, got n=%d", n)
	}
}

func TestPassIsIdempotent(t *testing.T) {
	t.Parallel()
	loop, store, emitter := newTestLoop(t)
	ctx := context.Background()

	seedWorker(t, store, "dead", task.WorkerIdle, task.Now().Add(-time.Hour))

	if _, err := loop.Pass(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if _, err := loop.Pass(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if emitter.count(events.WorkerOffline) != 1 {
		t.Errorf("second pass must not re-offline, got %d events", emitter.count(events.WorkerOffline))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	loop, _, _ := newTestLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
