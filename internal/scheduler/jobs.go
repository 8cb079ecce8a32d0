package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/kv"
	"github.com/openjobspec/ojs-pacer/internal/metrics"
	"github.com/openjobspec/ojs-pacer/internal/state"
	"github.com/openjobspec/ojs-pacer/internal/tracing"
)

// Jobs creates jobs, changes their rate and reports their status.
type Jobs struct {
	repo      *state.Repository
	payloads  core.PayloadGenerator
	notifier  core.Notifier
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// JobsOption configures Jobs.
type JobsOption func(*Jobs)

// WithPayloads replaces the default name payload generator.
func WithPayloads(g core.PayloadGenerator) JobsOption {
	return func(j *Jobs) { j.payloads = g }
}

// WithNotifier sets where job events go.
func WithNotifier(n core.Notifier) JobsOption {
	return func(j *Jobs) { j.notifier = n }
}

// WithBatchSize sets the number of records written per round trip.
func WithBatchSize(n int) JobsOption {
	return func(j *Jobs) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithJobsClock overrides the time source.
func WithJobsClock(now func() time.Time) JobsOption {
	return func(j *Jobs) { j.now = now }
}

// NewJobs creates the job service.
func NewJobs(repo *state.Repository, opts ...JobsOption) *Jobs {
	j := &Jobs{
		repo:      repo,
		payloads:  NamePayloads,
		notifier:  core.NopNotifier{},
		batchSize: DefaultConfig().BatchSize,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// CreateJob validates the request, writes the job, its records and their
// timetable, and returns the new job id.
func (j *Jobs) CreateJob(ctx context.Context, totalRecords, recordsPerMinute int) (jobID string, err error) {
	if verr := core.ValidateCreateJob(totalRecords, recordsPerMinute); verr != nil {
		return "", verr
	}

	jobID = core.NewUUIDv7()
	ctx, span := tracing.Start(ctx, "pacer.job.create", tracing.Job(jobID))
	defer func() { tracing.End(span, err) }()

	now := j.now().UTC()
	cfg := &core.JobConfig{
		JobID:            jobID,
		TotalRecords:     totalRecords,
		RecordsPerMinute: recordsPerMinute,
		Status:           core.JobPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := j.repo.CreateJob(ctx, cfg); err != nil {
		return "", err
	}

	startMs := now.UnixMilli()
	interval := core.IntervalMs(recordsPerMinute)
	for start := 0; start < totalRecords; start += j.batchSize {
		end := min(start+j.batchSize, totalRecords)
		batch := make([]*core.RecordEntry, 0, end-start)
		for i := start; i < end; i++ {
			data, err := j.payloads.Generate(ctx, jobID, i)
			if err != nil {
				return "", fmt.Errorf("generate payload %s: %w", core.Member(jobID, i), err)
			}
			batch = append(batch, &core.RecordEntry{
				JobID:          jobID,
				RecordID:       i,
				ScheduledAt:    core.ScheduledAt(startMs, i, interval),
				Status:         core.RecordPending,
				TransitionedAt: startMs,
				Data:           data,
			})
		}

		if err := j.repo.PutRecords(ctx, batch); err != nil {
			return "", err
		}
		if err := j.repo.Schedule(ctx, batch...); err != nil {
			return "", err
		}
		if start == 0 {
			if err := j.markProcessing(ctx, jobID); err != nil {
				return "", err
			}
		}
	}

	metrics.JobsCreated.Inc()
	j.logger.Info("job created", "job_id", jobID,
		"total_records", totalRecords, "records_per_minute", recordsPerMinute)
	j.notifier.Notify(&core.JobStartedEvent{
		JobID:            jobID,
		TotalRecords:     totalRecords,
		RecordsPerMinute: recordsPerMinute,
		StartedAt:        now,
	})
	return jobID, nil
}

// markProcessing moves a pending job to processing. A job that already moved
// on (for example straight to completed) is left alone.
func (j *Jobs) markProcessing(ctx context.Context, jobID string) error {
	_, err := j.repo.UpdateJob(ctx, jobID, func(c *core.JobConfig) error {
		if c.Status != core.JobPending {
			return kv.ErrAbort
		}
		c.Status = core.JobProcessing
		return nil
	})
	if err != nil && !errors.Is(err, kv.ErrAbort) {
		return fmt.Errorf("mark job %s processing: %w", jobID, err)
	}
	return nil
}

// RescheduleJob changes a job's rate and re-times its pending records from
// now, in recordId order. Records that leave pending meanwhile keep their state.
func (j *Jobs) RescheduleJob(ctx context.Context, jobID string, recordsPerMinute int) (cfg *core.JobConfig, err error) {
	if verr := core.ValidateRate(recordsPerMinute); verr != nil {
		return nil, verr
	}

	ctx, span := tracing.Start(ctx, "pacer.job.reschedule", tracing.Job(jobID))
	defer func() { tracing.End(span, err) }()

	cfg, err = j.repo.UpdateJob(ctx, jobID, func(c *core.JobConfig) error {
		c.RecordsPerMinute = recordsPerMinute
		return nil
	})
	if err != nil {
		return nil, err
	}

	pending, err := j.repo.PendingRecords(ctx, jobID, cfg.TotalRecords)
	if err != nil {
		return nil, err
	}

	nowMs := j.now().UnixMilli()
	interval := core.IntervalMs(recordsPerMinute)
	moved := 0
	for i, rec := range pending {
		at := core.ScheduledAt(nowMs, i, interval)
		_, err := j.repo.UpdateRecord(ctx, jobID, rec.RecordID, func(r *core.RecordEntry) error {
			if r.Status != core.RecordPending {
				return kv.ErrAbort
			}
			r.ScheduledAt = at
			return nil
		})
		if errors.Is(err, kv.ErrAbort) || errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reschedule %s: %w", core.Member(jobID, rec.RecordID), err)
		}
		if err := j.repo.ScheduleAt(ctx, jobID, rec.RecordID, at); err != nil {
			return nil, err
		}
		moved++
	}

	metrics.RateUpdates.Inc()
	metrics.RecordsRescheduled.Add(float64(moved))
	j.logger.Info("job rescheduled", "job_id", jobID,
		"records_per_minute", recordsPerMinute, "rescheduled", moved)
	j.notifier.Notify(&core.JobUpdatedEvent{
		JobID:            jobID,
		RecordsPerMinute: recordsPerMinute,
		UpdatedAt:        cfg.UpdatedAt,
	})
	return cfg, nil
}

// Status returns the job's status view; unknown jobs get a not_found view.
func (j *Jobs) Status(ctx context.Context, jobID string) (*core.JobStatusView, error) {
	cfg, err := j.repo.GetJob(ctx, jobID)
	if core.IsNotFound(err) {
		return core.NotFoundStatus(jobID), nil
	}
	if err != nil {
		return nil, err
	}
	return core.BuildStatus(cfg), nil
}

// List returns the status view of every job.
func (j *Jobs) List(ctx context.Context) ([]*core.JobStatusView, error) {
	jobs, err := j.repo.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*core.JobStatusView, len(jobs))
	for i, cfg := range jobs {
		out[i] = core.BuildStatus(cfg)
	}
	return out, nil
}
