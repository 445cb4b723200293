package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/camctl/cam/internal/db"
)

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	e := Event{Type: TaskPRCreated, TaskID: "task-1", GroupID: "group-1"}
	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches", Filter{}, true},
		{"namespace prefix", Filter{TypePrefix: "task."}, true},
		{"narrow prefix", Filter{TypePrefix: "task.pr_"}, true},
		{"wrong prefix", Filter{TypePrefix: "worker."}, false},
		{"task id match", Filter{TaskID: "task-1"}, true},
		{"task id mismatch", Filter{TaskID: "task-2"}, false},
		{"group match", Filter{GroupID: "group-1"}, true},
		{"combined all match", Filter{TypePrefix: "task.", TaskID: "task-1", GroupID: "group-1"}, true},
		{"combined one mismatch", Filter{TypePrefix: "task.", TaskID: "task-2"}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(e); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()
	defer bus.Close()

	all := bus.Subscribe(Filter{})
	taskOnly := bus.Subscribe(Filter{TaskID: "task-1"})
	workers := bus.Subscribe(Filter{TypePrefix: "worker."})

	bus.Publish(Event{Type: TaskStarted, TaskID: "task-1"})
	bus.Publish(Event{Type: TaskStarted, TaskID: "task-2"})
	bus.Publish(Event{Type: WorkerRegistered, Actor: "worker-1"})

	if got := drain(all); len(got) != 3 {
		t.Errorf("unfiltered subscriber should see all 3 events, got %d", len(got))
	}
	got := drain(taskOnly)
	if len(got) != 1 || got[0].TaskID != "task-1" {
		t.Errorf("task filter leaked: %+v", got)
	}
	got = drain(workers)
	if len(got) != 1 || got[0].Type != WorkerRegistered {
		t.Errorf("prefix filter leaked: %+v", got)
	}
}

func TestMemoryBusDropsOnFullBuffer(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus(WithBufferSize(2))
	defer bus.Close()

	slow := bus.Subscribe(Filter{})
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TaskProgress, TaskID: "task-1"})
	}

	// Publish never blocked; the slow subscriber kept only its buffer.
	if got := drain(slow); len(got) != 2 {
		t.Errorf("expected 2 buffered events, got %d", len(got))
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()
	defer bus.Close()

	sub := bus.Subscribe(Filter{})
	bus.Unsubscribe(sub)

	if _, open := <-sub.C; open {
		t.Error("channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: TaskStarted})

	// Double unsubscribe is a no-op.
	bus.Unsubscribe(sub)
}

func TestMemoryBusClose(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()

	sub := bus.Subscribe(Filter{})
	bus.Close()

	if _, open := <-sub.C; open {
		t.Error("close should close subscriber channels")
	}
	bus.Publish(Event{Type: TaskStarted}) // no panic

	late := bus.Subscribe(Filter{})
	if _, open := <-late.C; open {
		t.Error("subscribing after close should return a closed channel")
	}
}

func TestAuditBusWritesBeforeBroadcast(t *testing.T) {
	t.Parallel()
	store, err := db.Open(filepath.Join(t.TempDir(), "cam.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	bus := NewMemoryBus()
	defer bus.Close()
	audit := NewAuditBus(store, bus, nil)
	ctx := context.Background()

	sub := audit.Subscribe(Filter{TaskID: "task-1"})
	audit.Emit(ctx, Event{
		Type:    TaskCancelled,
		TaskID:  "task-1",
		Payload: map[string]any{"reason": "user request", "previousStatus": "running"},
	})

	select {
	case got := <-sub.C:
		if got.ID == "" || got.Time.IsZero() {
			t.Errorf("emit should stamp id and time: %+v", got)
		}
		if got.Type != TaskCancelled {
			t.Errorf("unexpected type %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}

	persisted, total, err := store.QueryEvents(ctx, db.EventFilter{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 audit row, got %d", total)
	}
	payload, _ := persisted[0].Payload.(map[string]any)
	if payload["reason"] != "user request" {
		t.Errorf("payload lost in audit: %+v", persisted[0].Payload)
	}
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e := <-sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}
