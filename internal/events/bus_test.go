package events_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"workgate/internal/db"
	"workgate/internal/events"
	"workgate/internal/migrate"
)

type countingSink struct {
	mu    sync.Mutex
	count int
}

func (s *countingSink) Write(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func (s *countingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestBusSingleWorkerDrainsEverything(t *testing.T) {
	sink := &countingSink{}
	bus := events.NewBus(sink, events.BusOptions{QueueSize: 16})
	bus.Start()
	bus.Start() // second Start must not grow a second worker
	if got := bus.Workers(); got != 1 {
		t.Fatalf("expected exactly one worker, got %d", got)
	}

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := events.Event{Type: "work_item_ready", EntityKind: "work_item", EntityID: fmt.Sprintf("wi-%d", i), ActorID: "tester"}
			for {
				err := bus.Publish(ev)
				if err == nil {
					return
				}
				if !errors.Is(err, events.ErrAuditDegraded) {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := sink.total(); got != n {
		t.Fatalf("expected %d drained events, got %d", n, got)
	}
	if got := bus.Workers(); got != 0 {
		t.Fatalf("expected worker to exit, got %d", got)
	}
}

func TestPublishAfterShutdownReturnsClosed(t *testing.T) {
	bus := events.NewBus(&countingSink{}, events.BusOptions{})
	bus.Start()
	if err := bus.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	err := bus.Publish(events.Event{Type: "work_item_ready", EntityKind: "work_item", ActorID: "tester"})
	if !errors.Is(err, events.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	// second shutdown is a no-op
	if err := bus.Shutdown(context.Background()); err != nil {
		t.Fatalf("repeat shutdown: %v", err)
	}
}

func TestPublishFullQueueDegradesInsteadOfDropping(t *testing.T) {
	// no worker started, so the queue never empties
	bus := events.NewBus(&countingSink{}, events.BusOptions{QueueSize: 1, PublishTimeout: 10 * time.Millisecond})
	ev := events.Event{Type: "work_item_ready", EntityKind: "work_item", ActorID: "tester"}
	if err := bus.Publish(ev); err != nil {
		t.Fatalf("first publish should fit: %v", err)
	}
	err := bus.Publish(ev)
	if !errors.Is(err, events.ErrAuditDegraded) {
		t.Fatalf("expected ErrAuditDegraded, got %v", err)
	}
}

func TestShutdownReportsUndrained(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	bus := events.NewBus(blockingSink{blocked}, events.BusOptions{QueueSize: 4})
	bus.Start()
	ev := events.Event{Type: "work_item_ready", EntityKind: "work_item", ActorID: "tester"}
	for i := 0; i < 4; i++ {
		if err := bus.Publish(ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Shutdown(ctx); err == nil {
		t.Fatalf("expected shutdown timeout while sink is stuck")
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Write(ctx context.Context, ev events.Event) error {
	<-s.release
	return nil
}

// The audit schema enumerates accepted types in a CHECK constraint; every
// producer type must insert cleanly and anything else must be refused.
func TestSchemaAcceptsExactlyTheProducerTaxonomy(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := events.Writer{DB: conn}
	ctx := context.Background()
	for _, typ := range events.AllTypes() {
		err := w.Write(ctx, events.Event{Type: typ, EntityKind: "work_item", EntityID: "wi-1", ActorID: "tester"})
		if err != nil {
			t.Fatalf("type %s rejected by schema: %v", typ, err)
		}
	}
	err = w.Write(ctx, events.Event{Type: "work_item_teleported", EntityKind: "work_item", EntityID: "wi-1", ActorID: "tester"})
	if err == nil {
		t.Fatalf("unknown type must be rejected by the schema")
	}
}
