package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/transport"
)

// Dead-letter diagnostic headers.
const (
	HeaderOriginalSubject = "Pacer-Original-Subject"
	HeaderJobID           = "Pacer-Job-Id"
	HeaderRecordID        = "Pacer-Record-Id"
	HeaderReason          = "Pacer-Reason"
	HeaderFailedAt        = "Pacer-Failed-At"
	HeaderRetryCount      = "Pacer-Retry-Count"
)

func diagnosticsHeader(diag transport.Diagnostics) nats.Header {
	h := nats.Header{}
	h.Set(HeaderOriginalSubject, diag.OriginalSubject)
	h.Set(HeaderJobID, diag.JobID)
	h.Set(HeaderRecordID, strconv.Itoa(diag.RecordID))
	h.Set(HeaderReason, diag.Reason)
	h.Set(HeaderFailedAt, core.FormatTime(diag.FailedAt))
	h.Set(HeaderRetryCount, strconv.Itoa(diag.RetryCount))
	return h
}

func parseDiagnostics(h nats.Header) transport.Diagnostics {
	diag := transport.Diagnostics{
		OriginalSubject: h.Get(HeaderOriginalSubject),
		JobID:           h.Get(HeaderJobID),
		Reason:          h.Get(HeaderReason),
	}
	diag.RecordID, _ = strconv.Atoi(h.Get(HeaderRecordID))
	diag.RetryCount, _ = strconv.Atoi(h.Get(HeaderRetryCount))
	if t, err := time.Parse(core.TimeFormat, h.Get(HeaderFailedAt)); err == nil {
		diag.FailedAt = t
	}
	return diag
}

// DeadLetters reads up to limit parked records, oldest first, without
// removing them.
func DeadLetters(ctx context.Context, js jetstream.JetStream, limit int) ([]transport.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	consumer, err := js.OrderedConsumer(ctx, DeadStreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{DeadLetterSubject()},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("open dead letters: %w", err)
	}
	batch, err := consumer.FetchNoWait(limit)
	if err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}

	out := []transport.DeadLetter{}
	for msg := range batch.Messages() {
		out = append(out, transport.DeadLetter{
			Data:        msg.Data(),
			Diagnostics: parseDiagnostics(msg.Headers()),
		})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, err
	}
	return out, nil
}
