package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

// EventBroker fans progress events out over NATS core pub/sub so that any
// gateway can stream events emitted by any worker.
type EventBroker struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewEventBroker creates an EventBroker on nc.
func NewEventBroker(nc *nats.Conn) *EventBroker {
	return &EventBroker{nc: nc}
}

// Send publishes ev to its job subject and to the all-events subject.
func (b *EventBroker) Send(_ context.Context, ev core.Event) error {
	data, err := core.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(EventJobSubject(ev.EventJobID()), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if err := b.nc.Publish(EventsAllSubject(), data); err != nil {
		slog.Error("failed to publish global event", "error", err)
	}
	return nil
}

// SubscribeJob subscribes to the events of one job.
func (b *EventBroker) SubscribeJob(jobID string) (<-chan core.Event, func(), error) {
	return b.subscribe(EventJobSubject(jobID))
}

// SubscribeAll subscribes to every event.
func (b *EventBroker) SubscribeAll() (<-chan core.Event, func(), error) {
	return b.subscribe(EventsAllSubject())
}

func (b *EventBroker) subscribe(subject string) (<-chan core.Event, func(), error) {
	ch := make(chan core.Event, 64)
	var (
		mu     sync.Mutex
		closed bool
	)

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := core.UnmarshalEvent(msg.Data)
		if err != nil {
			slog.Error("failed to unmarshal event", "error", err, "subject", msg.Subject)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping event, subscriber channel full", "subject", subject)
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, unsubscribe, nil
}

// Relay forwards every event received over NATS to deliver until ctx is done.
func (b *EventBroker) Relay(ctx context.Context, deliver func(context.Context, core.Event) error) error {
	ch, unsubscribe, err := b.SubscribeAll()
	if err != nil {
		return err
	}
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := deliver(ctx, ev); err != nil {
				slog.Warn("relay event failed", "error", err, "job_id", ev.EventJobID())
			}
		}
	}
}

// Close unsubscribes everything.
func (b *EventBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}
