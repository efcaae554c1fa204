package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"workgate/internal/metrics"
)

var (
	// ErrBusClosed is returned to publishers after Shutdown has begun.
	ErrBusClosed = errors.New("event bus closed")
	// ErrAuditDegraded signals that the queue stayed full past the publish
	// timeout. The transition itself already committed; callers surface this
	// as a warning, never as a transition failure.
	ErrAuditDegraded = errors.New("audit degraded: event queue full")
)

// Event is the handoff form of an audit record, built by the producer and
// persisted by the bus worker. It is never mutated after Publish.
type Event struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	SessionRef string
	TS         string
	Payload    EventPayload
}

// Sink receives drained events. The SQLite Writer is the production sink.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// Bus owns the audit queue and its single background worker. Exactly one bus
// exists per process; it is constructed explicitly and injected into the
// engine rather than instantiated per transition.
type Bus struct {
	sink           Sink
	logger         *slog.Logger
	queue          chan Event
	publishTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	workers atomic.Int32
}

type BusOptions struct {
	// QueueSize bounds the in-flight backlog. Default 256.
	QueueSize int
	// PublishTimeout bounds how long Publish blocks on a full queue before
	// reporting ErrAuditDegraded. Default 250ms.
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

func NewBus(sink Sink, opts BusOptions) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		sink:           sink,
		logger:         opts.Logger,
		queue:          make(chan Event, opts.QueueSize),
		publishTimeout: opts.PublishTimeout,
	}
}

// Start launches the worker. Calling Start more than once is a no-op; the
// bus never grows a second worker.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	b.workers.Add(1)
	b.wg.Add(1)
	go b.run()
}

func (b *Bus) run() {
	defer b.wg.Done()
	defer b.workers.Add(-1)
	for ev := range b.queue {
		if err := b.sink.Write(context.Background(), ev); err != nil {
			metrics.AuditWriteErrors.Inc()
			b.logger.Error("audit write failed", "type", ev.Type, "entity_id", ev.EntityID, "err", err)
			continue
		}
		metrics.AuditEventsWritten.Inc()
	}
}

// Publish enqueues an event. It blocks at most the publish timeout when the
// queue is full and reports the degradation instead of dropping silently.
func (b *Bus) Publish(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.queue <- ev:
		return nil
	default:
	}
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.queue <- ev:
		return nil
	case <-timer.C:
		metrics.AuditDegraded.Inc()
		b.logger.Warn("audit event not enqueued", "type", ev.Type, "entity_id", ev.EntityID)
		return ErrAuditDegraded
	}
}

// Shutdown stops accepting events, drains what is already queued and waits
// for the worker, bounded by ctx. Idempotent.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	close(b.queue)
	b.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus shutdown: %d events undrained: %w", len(b.queue), ctx.Err())
	}
}

// Workers reports the live worker count. Used by lifecycle tests.
func (b *Bus) Workers() int {
	return int(b.workers.Load())
}
