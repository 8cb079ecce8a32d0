package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/transport"
)

// Subscriber pulls records from the durable delivery consumer.
type Subscriber struct {
	js      jetstream.JetStream
	ackWait time.Duration
	logger  *slog.Logger
}

// NewSubscriber creates a Subscriber. ackWait bounds how long a handler may
// hold a record before JetStream redelivers it.
func NewSubscriber(js jetstream.JetStream, ackWait time.Duration) *Subscriber {
	return &Subscriber{js: js, ackWait: ackWait, logger: slog.Default()}
}

// Subscribe runs h for each record with at most prefetch handlers in flight.
// It returns nil once ctx is done and every running handler has returned.
func (s *Subscriber) Subscribe(ctx context.Context, prefetch int, h transport.Handler) error {
	if prefetch < 1 {
		prefetch = 1
	}
	consumer, err := EnsureConsumer(ctx, s.js, s.ackWait, prefetch)
	if err != nil {
		return err
	}
	it, err := consumer.Messages(jetstream.PullMaxMessages(prefetch))
	if err != nil {
		return fmt.Errorf("consume %s: %w", ConsumerName(), err)
	}
	stop := context.AfterFunc(ctx, it.Stop)
	defer stop()

	// Handlers finish their record even while shutting down.
	hctx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := it.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("fetch record failed", "error", err)
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			h(hctx, newDelivery(msg, s.publishDead))
		}()
	}
}

func (s *Subscriber) publishDead(ctx context.Context, m *nats.Msg) error {
	_, err := s.js.PublishMsg(ctx, m)
	return err
}

// ackMsg is the part of jetstream.Msg a delivery settles through.
type ackMsg interface {
	Data() []byte
	Subject() string
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

type delivery struct {
	msg         ackMsg
	publishDead func(ctx context.Context, m *nats.Msg) error
	settled     atomic.Bool
}

func newDelivery(msg ackMsg, publishDead func(context.Context, *nats.Msg) error) *delivery {
	return &delivery{msg: msg, publishDead: publishDead}
}

func (d *delivery) Data() []byte { return d.msg.Data() }

// RetryCount is the number of earlier deliveries reported by JetStream.
func (d *delivery) RetryCount() int {
	meta, err := d.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 0
	}
	return int(meta.NumDelivered - 1)
}

func (d *delivery) settle() error {
	if !d.settled.CompareAndSwap(false, true) {
		return transport.ErrSettled
	}
	return nil
}

func (d *delivery) Ack(context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.msg.Ack()
}

func (d *delivery) RequeueWithDelay(_ context.Context, delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.msg.NakWithDelay(delay)
}

// DeadLetter publishes the record with its diagnostics to the dead-letter
// subject, then terminates the original so it is never redelivered.
func (d *delivery) DeadLetter(ctx context.Context, diag transport.Diagnostics) error {
	if err := d.settle(); err != nil {
		return err
	}
	if diag.OriginalSubject == "" {
		diag.OriginalSubject = d.msg.Subject()
	}
	dead := &nats.Msg{
		Subject: DeadLetterSubject(),
		Data:    d.msg.Data(),
		Header:  diagnosticsHeader(diag),
	}
	// A redelivery after a failed Term publishes the same id and is dropped
	// by the dead-letter stream's duplicate window.
	dead.Header.Set(nats.MsgIdHdr, d.deadLetterID(diag))
	if err := d.publishDead(ctx, dead); err != nil {
		// Leave the record for redelivery rather than lose it.
		_ = d.msg.NakWithDelay(time.Second)
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return d.msg.Term()
}

// deadLetterID is stable across redeliveries of one stream message.
func (d *delivery) deadLetterID(diag transport.Diagnostics) string {
	if meta, err := d.msg.Metadata(); err == nil && meta.Sequence.Stream > 0 {
		return "dead-" + strconv.FormatUint(meta.Sequence.Stream, 10)
	}
	return "dead-" + core.Member(diag.JobID, diag.RecordID)
}
