package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/kv"
	"github.com/openjobspec/ojs-pacer/internal/metrics"
	"github.com/openjobspec/ojs-pacer/internal/state"
	"github.com/openjobspec/ojs-pacer/internal/tracing"
	"github.com/openjobspec/ojs-pacer/internal/transport"
)

// ErrTickInProgress is returned by Tick while another tick of the same
// dispatcher is still running.
var ErrTickInProgress = errors.New("scheduler: dispatch tick already running")

// Dispatcher moves due records from the schedule onto the transport.
type Dispatcher struct {
	repo        *state.Repository
	pub         transport.Publisher
	limiter     *rate.Limiter
	maxPerTick  int
	parallelism int
	interval    time.Duration
	now         func() time.Time
	logger      *slog.Logger

	running atomic.Bool
}

// NewDispatcher creates a dispatcher publishing through pub.
func NewDispatcher(repo *state.Repository, pub transport.Publisher, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		repo:        repo,
		pub:         pub,
		maxPerTick:  cfg.MaxPerTick,
		parallelism: cfg.Parallelism,
		interval:    cfg.TickInterval,
		now:         time.Now,
		logger:      slog.Default(),
	}
	if cfg.MaxPublishPerSecond > 0 {
		burst := max(1, int(cfg.MaxPublishPerSecond))
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxPublishPerSecond), burst)
	}
	return d
}

// Run ticks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) && ctx.Err() == nil {
				d.logger.Error("dispatch tick failed", "error", err)
			}
		}
	}
}

// Tick dispatches every due record once and returns how many were sent.
// Overlapping calls on the same dispatcher return ErrTickInProgress.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	if !d.running.CompareAndSwap(false, true) {
		metrics.DispatchSkipped.WithLabelValues("overlap").Inc()
		return 0, ErrTickInProgress
	}
	defer d.running.Store(false)

	start := time.Now()
	defer func() { metrics.DispatchTickDuration.Observe(time.Since(start).Seconds()) }()

	now := d.now()
	due, err := d.repo.Due(ctx, now.UnixMilli(), d.maxPerTick)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var (
		sent     atomic.Int64
		mu       sync.Mutex
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for _, ref := range due {
		g.Go(func() error {
			ok, err := d.dispatch(gctx, ref, now)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			if ok {
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load()), firstErr
}

// dispatch handles one due entry. It reports whether the record was published.
func (d *Dispatcher) dispatch(ctx context.Context, ref state.Ref, now time.Time) (bool, error) {
	rec, err := d.repo.GetRecord(ctx, ref.JobID, ref.RecordID)
	if errors.Is(err, kv.ErrNotFound) {
		metrics.DispatchSkipped.WithLabelValues("missing").Inc()
		return false, d.repo.Unschedule(ctx, ref)
	}
	if err != nil {
		return false, err
	}
	if rec.Status != core.RecordPending {
		metrics.DispatchSkipped.WithLabelValues("not_pending").Inc()
		// A sent record still on the schedule lost its in-flight entry when
		// the previous tick failed after the sent transition. Restore it so
		// recovery can find the record.
		if rec.Status == core.RecordSent {
			if err := d.repo.MarkInFlight(ctx, ref.JobID, ref.RecordID, rec.TransitionedAt); err != nil {
				return false, err
			}
		}
		return false, d.repo.Unschedule(ctx, ref)
	}
	if d.limiter != nil && !d.limiter.Allow() {
		metrics.DispatchSkipped.WithLabelValues("rate_limited").Inc()
		return false, nil
	}

	ctx, span := tracing.Start(ctx, "pacer.record.dispatch", tracing.Job(ref.JobID), tracing.Record(ref.RecordID))
	defer span.End()

	nowMs := now.UnixMilli()
	msg := core.RecordMessage{
		JobID:       rec.JobID,
		RecordID:    rec.RecordID,
		Data:        rec.Data,
		ScheduledAt: rec.ScheduledAt,
		SentAt:      nowMs,
	}
	if err := d.pub.Publish(ctx, msg); err != nil {
		metrics.DispatchErrors.Inc()
		d.logger.Warn("publish failed, retrying next tick",
			"job_id", ref.JobID, "record_id", ref.RecordID, "error", err)
		return false, nil
	}

	_, err = d.repo.UpdateRecord(ctx, ref.JobID, ref.RecordID, func(r *core.RecordEntry) error {
		if r.Status != core.RecordPending {
			return kv.ErrAbort
		}
		r.Status = core.RecordSent
		r.TransitionedAt = nowMs
		return nil
	})
	switch {
	case errors.Is(err, kv.ErrAbort), errors.Is(err, kv.ErrNotFound):
		// A consumer already picked the message up.
		metrics.RecordsDispatched.Inc()
		return true, d.repo.Unschedule(ctx, ref)
	case err != nil:
		return true, fmt.Errorf("mark %s sent: %w", ref.Member(), err)
	}

	// The schedule entry is kept on failure; the next tick restores the
	// in-flight entry from the not-pending branch.
	if err := d.repo.MarkInFlight(ctx, ref.JobID, ref.RecordID, nowMs); err != nil {
		return true, err
	}
	if err := d.repo.Unschedule(ctx, ref); err != nil {
		return true, err
	}
	metrics.RecordsDispatched.Inc()
	return true, nil
}
