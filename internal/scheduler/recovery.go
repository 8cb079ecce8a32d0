package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/kv"
	"github.com/openjobspec/ojs-pacer/internal/metrics"
	"github.com/openjobspec/ojs-pacer/internal/state"
)

// Recovery resets records that were sent but never picked up by a consumer.
type Recovery struct {
	repo       *state.Repository
	schedule   string
	staleAfter time.Duration
	maxJitter  time.Duration
	limit      int
	now        func() time.Time
	jitter     func(max time.Duration) time.Duration
	logger     *slog.Logger

	cron *cron.Cron
}

// NewRecovery creates a recovery sweep.
func NewRecovery(repo *state.Repository, cfg Config) *Recovery {
	cfg = cfg.withDefaults()
	return &Recovery{
		repo:       repo,
		schedule:   cfg.RecoverySchedule,
		staleAfter: cfg.StaleAfter,
		maxJitter:  cfg.MaxJitter,
		limit:      cfg.RecoveryLimit,
		now:        time.Now,
		jitter:     randomJitter,
		logger:     slog.Default(),
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Start runs SweepOnce on the configured cron schedule. A sweep still running
// when the next one is due causes that one to be skipped.
func (r *Recovery) Start(ctx context.Context) error {
	logger := cronLogger{r.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(r.schedule, func() {
		n, err := r.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("recovery sweep failed", "error", err)
		}
		if n > 0 {
			r.logger.Info("recovered stale records", "count", n)
		}
		r.reportDepths(ctx)
	})
	if err != nil {
		return fmt.Errorf("recovery schedule %q: %w", r.schedule, err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop stops the schedule and waits for a running sweep to return.
func (r *Recovery) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// SweepOnce resets stale sent records to pending and reschedules them a
// little after now. It returns how many records were reset.
func (r *Recovery) SweepOnce(ctx context.Context) (int, error) {
	now := r.now()
	nowMs := now.UnixMilli()
	cutoff := now.Add(-r.staleAfter).UnixMilli()

	refs, err := r.repo.StaleInFlight(ctx, cutoff, r.limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	var firstErr error
	for _, ref := range refs {
		ok, err := r.recover(ctx, ref, nowMs, cutoff)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			recovered++
		}
	}
	metrics.RecordsRecovered.Add(float64(recovered))
	return recovered, firstErr
}

func (r *Recovery) recover(ctx context.Context, ref state.Ref, nowMs, cutoff int64) (bool, error) {
	at := nowMs + r.jitter(r.maxJitter).Milliseconds()
	_, err := r.repo.UpdateRecord(ctx, ref.JobID, ref.RecordID, func(rec *core.RecordEntry) error {
		if rec.Status != core.RecordSent || rec.TransitionedAt > cutoff {
			return kv.ErrAbort
		}
		rec.Status = core.RecordPending
		rec.TransitionedAt = nowMs
		rec.ScheduledAt = at
		return nil
	})
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return false, r.repo.ClearInFlight(ctx, ref)
	case errors.Is(err, kv.ErrAbort):
		rec, err := r.repo.GetRecord(ctx, ref.JobID, ref.RecordID)
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return false, err
		}
		// Moved on by a consumer; only the index entry is stale.
		if rec == nil || rec.Status != core.RecordSent {
			return false, r.repo.ClearInFlight(ctx, ref)
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("reset %s: %w", ref.Member(), err)
	}

	if err := r.repo.ScheduleAt(ctx, ref.JobID, ref.RecordID, at); err != nil {
		return false, err
	}
	if err := r.repo.ClearInFlight(ctx, ref); err != nil {
		return false, err
	}
	r.logger.Warn("reset stale record", "job_id", ref.JobID, "record_id", ref.RecordID)
	return true, nil
}

func (r *Recovery) reportDepths(ctx context.Context) {
	scheduled, inFlight, err := r.repo.QueueDepths(ctx)
	if err != nil {
		return
	}
	metrics.ScheduleDepth.Set(float64(scheduled))
	metrics.InFlightDepth.Set(float64(inFlight))
}

// cronLogger routes robfig/cron logs to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
