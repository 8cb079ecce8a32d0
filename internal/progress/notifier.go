// Package progress fans progress events out to sinks without ever blocking
// the record-processing path.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

// DefaultBuffer is the queue capacity used when none is given.
const DefaultBuffer = 1024

// Sink receives events from the notifier's worker goroutine.
type Sink interface {
	Send(ctx context.Context, ev core.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev core.Event) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, ev core.Event) error { return f(ctx, ev) }

// Notifier is a bounded queue drained by one background goroutine. When the
// queue is full the oldest pending event is dropped.
type Notifier struct {
	sinks       []Sink
	logger      *slog.Logger
	sendTimeout time.Duration
	onDrop      func()

	mu      sync.Mutex
	queue   []core.Event
	head    int
	size    int
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger used for sink failures.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithSendTimeout bounds each sink call.
func WithSendTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.sendTimeout = d }
}

// WithDropHook is called every time an event is dropped.
func WithDropHook(fn func()) Option {
	return func(n *Notifier) { n.onDrop = fn }
}

// NewNotifier starts a notifier with room for capacity pending events.
func NewNotifier(capacity int, sinks []Sink, opts ...Option) *Notifier {
	if capacity <= 0 {
		capacity = DefaultBuffer
	}
	n := &Notifier{
		sinks:       sinks,
		logger:      slog.Default(),
		sendTimeout: 5 * time.Second,
		queue:       make([]core.Event, capacity),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.run()
	return n
}

// Notify enqueues ev. It never blocks.
func (n *Notifier) Notify(ev core.Event) {
	if ev == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	capacity := len(n.queue)
	if n.size == capacity {
		n.queue[n.head] = nil
		n.head = (n.head + 1) % capacity
		n.size--
		n.dropped.Add(1)
		if n.onDrop != nil {
			n.onDrop()
		}
	}
	n.queue[(n.head+n.size)%capacity] = ev
	n.size++
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Pending reports how many events wait for delivery.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.size
}

// Close stops accepting events and waits until the queue drains or ctx ends.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) pop() (core.Event, bool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.size == 0 {
		return nil, false, n.closed
	}
	ev := n.queue[n.head]
	n.queue[n.head] = nil
	n.head = (n.head + 1) % len(n.queue)
	n.size--
	return ev, true, false
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		ev, ok, closed := n.pop()
		if closed {
			return
		}
		if !ok {
			<-n.wake
			continue
		}
		n.deliver(ev)
	}
}

func (n *Notifier) deliver(ev core.Event) {
	for _, sink := range n.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
		err := sink.Send(ctx, ev)
		cancel()
		if err != nil {
			n.logger.Warn("progress event not delivered",
				"type", ev.EventType(), "job_id", ev.EventJobID(), "error", err)
		}
	}
}

// LogSink writes every event at debug level.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(_ context.Context, ev core.Event) error {
		logger.Debug("progress event", "type", ev.EventType(), "job_id", ev.EventJobID())
		return nil
	})
}
