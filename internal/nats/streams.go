package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupJetStream creates the record streams and the state KV bucket.
func SetupJetStream(ctx context.Context, js jetstream.JetStream) error {
	// Work-queue retention: a record leaves the stream once acked or terminated.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{RecordsSubject()},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     24 * time.Hour,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       DeadStreamName,
		Subjects:   []string{DeadLetterSubject()},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    jetstream.DiscardOld,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", DeadStreamName, err)
	}

	_, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  BucketState,
		Storage: jetstream.FileStorage,
		History: 1,
	})
	if err != nil {
		return fmt.Errorf("creating KV bucket %s: %w", BucketState, err)
	}
	return nil
}

// EnsureConsumer creates or updates the durable delivery consumer. Retries
// are bounded by the worker, so the server redelivers without limit.
func EnsureConsumer(ctx context.Context, js jetstream.JetStream, ackWait time.Duration, maxAckPending int) (jetstream.Consumer, error) {
	if ackWait <= 0 {
		ackWait = 60 * time.Second
	}
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName(),
		FilterSubject: RecordsSubject(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    -1,
		MaxAckPending: maxAckPending,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer %s: %w", ConsumerName(), err)
	}
	return consumer, nil
}
