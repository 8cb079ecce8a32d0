package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

// MemorySubject is reported as the original subject of memory dead letters.
const MemorySubject = "memory.records.process"

// DeadLetter is a message parked by Memory.
type DeadLetter struct {
	Data        []byte
	Diagnostics Diagnostics
}

type memMessage struct {
	data    []byte
	retries int
}

// Memory is an in-process transport backed by a buffered channel.
type Memory struct {
	queue     chan memMessage
	done      chan struct{}
	closeOnce sync.Once
	available atomic.Bool
	published atomic.Int64
	acked     atomic.Int64
	requeued  atomic.Int64

	mu   sync.Mutex
	dead []DeadLetter
}

// NewMemory creates a memory transport holding up to capacity queued messages.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1 << 16
	}
	m := &Memory{
		queue: make(chan memMessage, capacity),
		done:  make(chan struct{}),
	}
	m.available.Store(true)
	return m
}

// SetAvailable toggles whether Publish accepts messages.
func (m *Memory) SetAvailable(ok bool) { m.available.Store(ok) }

func (m *Memory) Publish(ctx context.Context, msg core.RecordMessage) error {
	if !m.available.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode record message: %w", err)
	}
	if err := m.enqueue(ctx, memMessage{data: data}); err != nil {
		return err
	}
	m.published.Add(1)
	return nil
}

// PublishRaw enqueues arbitrary bytes, bypassing encoding.
func (m *Memory) PublishRaw(ctx context.Context, data []byte) error {
	return m.enqueue(ctx, memMessage{data: data})
}

func (m *Memory) enqueue(ctx context.Context, msg memMessage) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.queue <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Subscribe(ctx context.Context, prefetch int, h Handler) error {
	if prefetch < 1 {
		prefetch = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case msg := <-m.queue:
					h(ctx, &memDelivery{m: m, msg: msg})
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil
	}
	return ErrClosed
}

// Close stops subscribers and rejects further publishes.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Published reports how many messages Publish accepted.
func (m *Memory) Published() int { return int(m.published.Load()) }

// Acked reports how many deliveries were acked.
func (m *Memory) Acked() int { return int(m.acked.Load()) }

// Requeued reports how many deliveries were requeued.
func (m *Memory) Requeued() int { return int(m.requeued.Load()) }

// Depth reports how many messages wait in the queue.
func (m *Memory) Depth() int { return len(m.queue) }

// DeadLetters returns a copy of the parked messages.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.dead...)
}

type memDelivery struct {
	m       *Memory
	msg     memMessage
	settled atomic.Bool
}

func (d *memDelivery) Data() []byte    { return d.msg.data }
func (d *memDelivery) RetryCount() int { return d.msg.retries }

func (d *memDelivery) settle() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrSettled
	}
	return nil
}

func (d *memDelivery) Ack(context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.m.acked.Add(1)
	return nil
}

func (d *memDelivery) RequeueWithDelay(_ context.Context, delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.m.requeued.Add(1)
	next := memMessage{data: d.msg.data, retries: d.msg.retries + 1}
	time.AfterFunc(delay, func() {
		_ = d.m.enqueue(context.Background(), next)
	})
	return nil
}

func (d *memDelivery) DeadLetter(_ context.Context, diag Diagnostics) error {
	if err := d.settle(); err != nil {
		return err
	}
	if diag.OriginalSubject == "" {
		diag.OriginalSubject = MemorySubject
	}
	d.m.mu.Lock()
	d.m.dead = append(d.m.dead, DeadLetter{Data: d.msg.data, Diagnostics: diag})
	d.m.mu.Unlock()
	return nil
}
