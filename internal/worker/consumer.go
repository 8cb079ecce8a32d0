package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/index"
	"github.com/openjobspec/ojs-pacer/internal/kv"
	"github.com/openjobspec/ojs-pacer/internal/metrics"
	"github.com/openjobspec/ojs-pacer/internal/state"
	"github.com/openjobspec/ojs-pacer/internal/tracing"
	"github.com/openjobspec/ojs-pacer/internal/transport"
)

// Consumer outcomes, also used as the records_processed_total label.
const (
	OutcomeCompleted    = "completed"
	OutcomeDuplicate    = "duplicate"
	OutcomeDropped      = "dropped"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeStateError   = "state_error"
)

// Config tunes a Consumer.
type Config struct {
	Prefetch   int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns the consumer defaults.
func DefaultConfig() Config {
	return Config{
		Prefetch:   10,
		MaxRetries: 10,
		RetryDelay: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prefetch <= 0 {
		c.Prefetch = d.Prefetch
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// Consumer drives each delivered record through
// received -> processing -> acked | retried | dead-lettered.
type Consumer struct {
	repo     *state.Repository
	sub      transport.Subscriber
	proc     Processor
	index    Indexer
	notifier core.Notifier
	workerID string
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithNotifier sets where progress events go.
func WithNotifier(n core.Notifier) Option {
	return func(c *Consumer) { c.notifier = n }
}

// WithIndexer records failed attempts in idx.
func WithIndexer(idx Indexer) Option {
	return func(c *Consumer) { c.index = idx }
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) Option {
	return func(c *Consumer) { c.workerID = id }
}

// WithConfig sets prefetch and retry policy.
func WithConfig(cfg Config) Option {
	return func(c *Consumer) { c.cfg = cfg.withDefaults() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// WithLogger sets the consumer logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// NewConsumer creates a consumer reading from sub and running proc per record.
func NewConsumer(repo *state.Repository, sub transport.Subscriber, proc Processor, opts ...Option) *Consumer {
	c := &Consumer{
		repo:     repo,
		sub:      sub,
		proc:     proc,
		notifier: core.NopNotifier{},
		workerID: NewWorkerID(),
		cfg:      DefaultConfig(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WorkerID returns the id reported in events and the index.
func (c *Consumer) WorkerID() string { return c.workerID }

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", "worker_id", c.workerID, "prefetch", c.cfg.Prefetch)
	err := c.sub.Subscribe(ctx, c.cfg.Prefetch, c.Handle)
	c.logger.Info("consumer stopped", "worker_id", c.workerID)
	return err
}

// Handle processes one delivery and settles it exactly once.
func (c *Consumer) Handle(ctx context.Context, d transport.Delivery) {
	outcome := c.handle(ctx, d)
	metrics.RecordsProcessed.WithLabelValues(outcome).Inc()
}

func (c *Consumer) handle(ctx context.Context, d transport.Delivery) string {
	var msg core.RecordMessage
	if err := json.Unmarshal(d.Data(), &msg); err != nil || msg.JobID == "" || msg.RecordID < 0 {
		reason := "undecodable record message"
		if err != nil {
			reason = fmt.Sprintf("undecodable record message: %v", err)
		}
		c.logger.Error("dead-lettering poison message", "error", reason)
		c.settle("dead_letter", d.DeadLetter(ctx, c.diagnostics(&msg, d, reason)))
		return OutcomeDeadLettered
	}

	ctx, span := tracing.Start(ctx, "pacer.record.consume",
		tracing.Job(msg.JobID), tracing.Record(msg.RecordID), tracing.Retry(d.RetryCount()))
	defer span.End()

	rec, err := c.repo.GetRecord(ctx, msg.JobID, msg.RecordID)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		c.logger.Warn("record no longer exists, dropping", "job_id", msg.JobID, "record_id", msg.RecordID)
		c.settle("ack", d.Ack(ctx))
		return OutcomeDropped
	case err != nil:
		return c.stateError(ctx, d, &msg, err)
	case rec.Status == core.RecordCompleted:
		return c.redelivered(ctx, d, &msg, rec)
	}

	rec, err = c.repo.UpdateRecord(ctx, msg.JobID, msg.RecordID, func(r *core.RecordEntry) error {
		if r.Status == core.RecordCompleted {
			return kv.ErrAbort
		}
		r.Status = core.RecordProcessing
		r.Attempts++
		r.TransitionedAt = c.now().UnixMilli()
		return nil
	})
	switch {
	case errors.Is(err, kv.ErrAbort):
		return c.reloadCompleted(ctx, d, &msg)
	case errors.Is(err, kv.ErrNotFound):
		c.settle("ack", d.Ack(ctx))
		return OutcomeDropped
	case err != nil:
		return c.stateError(ctx, d, &msg, err)
	}
	ref := state.Ref{JobID: msg.JobID, RecordID: msg.RecordID}
	if err := c.repo.ClearInFlight(ctx, ref); err != nil {
		c.logger.Warn("clear in-flight entry failed", "job_id", msg.JobID, "record_id", msg.RecordID, "error", err)
	}

	start := time.Now()
	perr := c.proc.Process(ctx, &msg)
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	if perr != nil {
		span.RecordError(perr)
		return c.fail(ctx, d, &msg, rec.Attempts, perr)
	}
	return c.complete(ctx, d, &msg)
}

// complete moves the record to completed and counts it towards the job.
func (c *Consumer) complete(ctx context.Context, d transport.Delivery, msg *core.RecordMessage) string {
	_, err := c.repo.UpdateRecord(ctx, msg.JobID, msg.RecordID, func(r *core.RecordEntry) error {
		if r.Status == core.RecordCompleted {
			return kv.ErrAbort
		}
		r.Status = core.RecordCompleted
		r.Counted = false
		r.LastError = ""
		r.TransitionedAt = c.now().UnixMilli()
		return nil
	})
	switch {
	case errors.Is(err, kv.ErrAbort):
		return c.reloadCompleted(ctx, d, msg)
	case errors.Is(err, kv.ErrNotFound):
		c.settle("ack", d.Ack(ctx))
		return OutcomeDropped
	case err != nil:
		return c.stateError(ctx, d, msg, err)
	}
	return c.count(ctx, d, msg)
}

// count adds a completed record to the job's counter, marks it counted and
// completes the job when the counter reaches the total. Every step that fails
// before the ack is retried by the redelivery.
func (c *Consumer) count(ctx context.Context, d transport.Delivery, msg *core.RecordMessage) string {
	processed, err := c.repo.IncrementProcessed(ctx, msg.JobID)
	if err != nil {
		return c.stateError(ctx, d, msg, err)
	}
	_, err = c.repo.UpdateRecord(ctx, msg.JobID, msg.RecordID, func(r *core.RecordEntry) error {
		if r.Counted {
			return kv.ErrAbort
		}
		r.Counted = true
		return nil
	})
	if err != nil && !errors.Is(err, kv.ErrAbort) {
		// Requeueing now would count the record twice.
		c.logger.Error("mark record counted", "job_id", msg.JobID, "record_id", msg.RecordID, "error", err)
	}

	job, err := c.repo.GetJob(ctx, msg.JobID)
	switch {
	case core.IsNotFound(err):
		c.settle("ack", d.Ack(ctx))
		return OutcomeDropped
	case err != nil:
		return c.stateError(ctx, d, msg, err)
	}
	now := c.now().UTC()
	if processed >= job.TotalRecords {
		if err := c.completeJob(ctx, job, now); err != nil {
			return c.stateError(ctx, d, msg, err)
		}
	}

	c.notifier.Notify(&core.RecordCompletedEvent{
		JobID:       msg.JobID,
		RecordID:    msg.RecordID,
		WorkerID:    c.workerID,
		ProcessedAt: now,
		Progress:    core.NewProgress(processed, job.TotalRecords),
	})
	c.settle("ack", d.Ack(ctx))
	return OutcomeCompleted
}

// reloadCompleted re-reads a record another delivery moved to completed.
func (c *Consumer) reloadCompleted(ctx context.Context, d transport.Delivery, msg *core.RecordMessage) string {
	rec, err := c.repo.GetRecord(ctx, msg.JobID, msg.RecordID)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		c.settle("ack", d.Ack(ctx))
		return OutcomeDropped
	case err != nil:
		return c.stateError(ctx, d, msg, err)
	}
	return c.redelivered(ctx, d, msg, rec)
}

// redelivered settles a delivery of a record that is already completed. It
// finishes whatever the earlier delivery left undone: counting the record or
// completing the job.
func (c *Consumer) redelivered(ctx context.Context, d transport.Delivery, msg *core.RecordMessage, rec *core.RecordEntry) string {
	if !rec.Counted {
		c.logger.Info("finishing completion of redelivered record", "job_id", msg.JobID, "record_id", msg.RecordID)
		return c.count(ctx, d, msg)
	}
	job, err := c.repo.GetJob(ctx, msg.JobID)
	switch {
	case core.IsNotFound(err):
	case err != nil:
		return c.stateError(ctx, d, msg, err)
	case job.Status != core.JobCompleted && job.ProcessedCount >= job.TotalRecords:
		if err := c.completeJob(ctx, job, c.now().UTC()); err != nil {
			return c.stateError(ctx, d, msg, err)
		}
	}
	c.settle("ack", d.Ack(ctx))
	return OutcomeDuplicate
}

func (c *Consumer) completeJob(ctx context.Context, job *core.JobConfig, now time.Time) error {
	_, err := c.repo.UpdateJob(ctx, job.JobID, func(cfg *core.JobConfig) error {
		if cfg.Status == core.JobCompleted {
			return kv.ErrAbort
		}
		cfg.Status = core.JobCompleted
		return nil
	})
	if errors.Is(err, kv.ErrAbort) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.JobsCompleted.Inc()
	c.logger.Info("job completed", "job_id", job.JobID, "total_records", job.TotalRecords)
	c.notifier.Notify(&core.JobCompletedEvent{
		JobID:        job.JobID,
		TotalRecords: job.TotalRecords,
		CompletedAt:  now,
	})
	return nil
}

// fail records the error and either requeues the delivery or, once retries
// are exhausted, dead-letters it.
func (c *Consumer) fail(ctx context.Context, d transport.Delivery, msg *core.RecordMessage, attempts int, cause error) string {
	_, err := c.repo.UpdateRecord(ctx, msg.JobID, msg.RecordID, func(r *core.RecordEntry) error {
		if r.Status != core.RecordProcessing {
			return kv.ErrAbort
		}
		r.Status = core.RecordFailed
		r.LastError = cause.Error()
		r.TransitionedAt = c.now().UnixMilli()
		return nil
	})
	if err != nil && !errors.Is(err, kv.ErrAbort) && !errors.Is(err, kv.ErrNotFound) {
		c.logger.Error("mark record failed", "job_id", msg.JobID, "record_id", msg.RecordID, "error", err)
	}

	if c.index != nil {
		ierr := c.index.Index(ctx, &index.ProcessedRecord{
			JobID:       msg.JobID,
			RecordID:    msg.RecordID,
			Data:        msg.Data,
			ProcessedAt: c.now(),
			WorkerID:    c.workerID,
			Status:      index.StatusFailed,
			Error:       cause.Error(),
		})
		if ierr != nil {
			c.logger.Warn("index failed record", "job_id", msg.JobID, "record_id", msg.RecordID, "error", ierr)
		}
	}

	retries := d.RetryCount()
	if retries < c.cfg.MaxRetries {
		c.logger.Warn("record processing failed, retrying",
			"job_id", msg.JobID, "record_id", msg.RecordID,
			"attempts", attempts, "retry_count", retries, "error", cause)
		c.settle("requeue", d.RequeueWithDelay(ctx, c.cfg.RetryDelay))
		return OutcomeRetried
	}

	c.logger.Error("record retries exhausted, dead-lettering",
		"job_id", msg.JobID, "record_id", msg.RecordID, "retry_count", retries, "error", cause)
	c.settle("dead_letter", d.DeadLetter(ctx, c.diagnostics(msg, d, cause.Error())))
	return OutcomeDeadLettered
}

// stateError requeues a delivery whose state update failed.
func (c *Consumer) stateError(ctx context.Context, d transport.Delivery, msg *core.RecordMessage, err error) string {
	c.logger.Error("state update failed, requeueing",
		"job_id", msg.JobID, "record_id", msg.RecordID, "error", err)
	c.settle("requeue", d.RequeueWithDelay(ctx, c.cfg.RetryDelay))
	return OutcomeStateError
}

func (c *Consumer) diagnostics(msg *core.RecordMessage, d transport.Delivery, reason string) transport.Diagnostics {
	return transport.Diagnostics{
		JobID:      msg.JobID,
		RecordID:   msg.RecordID,
		Reason:     reason,
		FailedAt:   c.now().UTC(),
		RetryCount: d.RetryCount(),
	}
}

func (c *Consumer) settle(op string, err error) {
	if err != nil {
		c.logger.Error("settle delivery", "op", op, "error", err)
	}
}
