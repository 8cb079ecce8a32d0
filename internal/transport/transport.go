// Package transport defines how dispatched records travel from the
// dispatcher to delivery consumers.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

var (
	// ErrClosed is returned when the transport is unavailable.
	ErrClosed = errors.New("transport: closed")
	// ErrSettled is returned when a delivery is acked, requeued or
	// dead-lettered a second time.
	ErrSettled = errors.New("transport: delivery already settled")
)

// Publisher hands record messages to the transport.
type Publisher interface {
	Publish(ctx context.Context, msg core.RecordMessage) error
}

// Handler processes one delivery. It must settle the delivery.
type Handler func(ctx context.Context, d Delivery)

// Subscriber consumes record messages. Subscribe blocks until ctx is done,
// running at most prefetch handlers at once.
type Subscriber interface {
	Subscribe(ctx context.Context, prefetch int, h Handler) error
}

// Delivery is one received message and its settlement operations.
type Delivery interface {
	Data() []byte
	// RetryCount is the number of earlier deliveries of the same message.
	RetryCount() int
	Ack(ctx context.Context) error
	// RequeueWithDelay schedules redelivery after d with RetryCount+1.
	RequeueWithDelay(ctx context.Context, d time.Duration) error
	// DeadLetter moves the message to the dead-letter destination and removes
	// it from the main queue.
	DeadLetter(ctx context.Context, diag Diagnostics) error
}

// Diagnostics travel with a dead-lettered message.
type Diagnostics struct {
	OriginalSubject string    `json:"originalSubject"`
	JobID           string    `json:"jobId,omitempty"`
	RecordID        int       `json:"recordId"`
	Reason          string    `json:"reason"`
	FailedAt        time.Time `json:"failedAt"`
	RetryCount      int       `json:"retryCount"`
}
