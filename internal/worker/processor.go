// Package worker consumes dispatched records, runs the unit of work for each
// one and settles its delivery.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/index"
)

// Processor is the unit of work run once per delivered record.
type Processor interface {
	Process(ctx context.Context, msg *core.RecordMessage) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg *core.RecordMessage) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, msg *core.RecordMessage) error {
	return f(ctx, msg)
}

// Indexer stores processing outcomes.
type Indexer interface {
	Index(ctx context.Context, rec *index.ProcessedRecord) error
}

// NewWorkerID returns "worker-<hostname>-<short uuid>".
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "worker-" + host + "-" + core.ShortID()
}

// Enricher is the default processor. It stamps the payload with processing
// metadata, simulates a short amount of work and indexes the result.
type Enricher struct {
	workerID string
	index    Indexer
	latency  func() time.Duration
	now      func() time.Time
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithLatency overrides the simulated work duration.
func WithLatency(fn func() time.Duration) EnricherOption {
	return func(e *Enricher) { e.latency = fn }
}

// WithEnricherClock overrides the time source.
func WithEnricherClock(now func() time.Time) EnricherOption {
	return func(e *Enricher) { e.now = now }
}

// NewEnricher creates the default processor. idx may be nil.
func NewEnricher(workerID string, idx Indexer, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		workerID: workerID,
		index:    idx,
		latency:  simulatedLatency,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func simulatedLatency() time.Duration {
	return time.Duration(1+rand.IntN(10)) * time.Millisecond
}

// Process builds the enriched document for msg and indexes it. The message
// payload itself is left untouched.
func (e *Enricher) Process(ctx context.Context, msg *core.RecordMessage) error {
	start := e.now()

	doc := map[string]any{}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &doc); err != nil {
			// Non-object payloads are kept under "value".
			doc = map[string]any{"value": json.RawMessage(msg.Data)}
		}
	}
	doc["processed"] = true
	doc["processedBy"] = e.workerID
	doc["originalScheduledAt"] = core.FormatTime(time.UnixMilli(msg.ScheduledAt))
	doc["originalSentAt"] = core.FormatTime(time.UnixMilli(msg.SentAt))
	doc["receivedAt"] = core.FormatTime(start)

	if d := e.latency(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode enriched record: %w", err)
	}
	if e.index == nil {
		return nil
	}
	return e.index.Index(ctx, &index.ProcessedRecord{
		JobID:            msg.JobID,
		RecordID:         msg.RecordID,
		Data:             data,
		ProcessedAt:      e.now(),
		ProcessingTimeMs: e.now().Sub(start).Milliseconds(),
		WorkerID:         e.workerID,
		Status:           index.StatusCompleted,
	})
}
