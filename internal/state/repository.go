// Package state maps jobs, records, the dispatch schedule and the in-flight
// index onto a kv.Backend.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/kv"
)

// Sorted sets shared by all jobs.
const (
	ScheduleSet = "schedule"
	InFlightSet = "inflight"
)

const readChunk = 500

// JobKey is the key of a job's JobConfig.
func JobKey(jobID string) string { return "job:" + jobID + ":config" }

// RecordKey is the key of one RecordEntry.
func RecordKey(jobID string, recordID int) string {
	return "job:" + jobID + ":record:" + strconv.Itoa(recordID)
}

// CounterKey holds a job's processedCount as an integer.
func CounterKey(jobID string) string { return "job:" + jobID + ":processed" }

// Ref identifies a record through a schedule or in-flight entry.
type Ref struct {
	JobID    string
	RecordID int
	Score    int64
}

// Member returns the sorted-set member for the ref.
func (r Ref) Member() string { return core.Member(r.JobID, r.RecordID) }

// Repository is the typed view of pipeline state.
type Repository struct {
	kv     kv.Backend
	logger *slog.Logger
}

// New wraps a backend.
func New(b kv.Backend) *Repository {
	return &Repository{kv: b, logger: slog.Default()}
}

// Backend returns the underlying store.
func (r *Repository) Backend() kv.Backend { return r.kv }

// CreateJob stores a new JobConfig. It fails with a conflict if the id is taken.
func (r *Repository) CreateJob(ctx context.Context, cfg *core.JobConfig) error {
	stored := *cfg
	stored.ProcessedCount = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", cfg.JobID, err)
	}
	ok, err := r.kv.CompareAndSwap(ctx, JobKey(cfg.JobID), nil, data)
	if err != nil {
		return fmt.Errorf("create job %s: %w", cfg.JobID, err)
	}
	if !ok {
		return core.NewConflictError("job already exists", map[string]any{"job_id": cfg.JobID})
	}
	return nil
}

// GetJob loads a JobConfig with processedCount merged in from its counter.
// Unknown jobs yield a core not_found error.
func (r *Repository) GetJob(ctx context.Context, jobID string) (*core.JobConfig, error) {
	var cfg core.JobConfig
	if err := kv.GetJSON(ctx, r.kv, JobKey(jobID), &cfg); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, core.NewNotFoundError("Job", jobID)
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	n, err := r.ProcessedCount(ctx, jobID)
	if err != nil {
		return nil, err
	}
	cfg.ProcessedCount = n
	return &cfg, nil
}

// UpdateJob applies mutate under compare-and-swap and bumps updatedAt. The
// stored processedCount is always zero; the counter key is authoritative.
func (r *Repository) UpdateJob(ctx context.Context, jobID string, mutate func(*core.JobConfig) error) (*core.JobConfig, error) {
	cfg, err := kv.UpdateJSON(ctx, r.kv, JobKey(jobID), func(c *core.JobConfig) error {
		if err := mutate(c); err != nil {
			return err
		}
		c.ProcessedCount = 0
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, core.NewNotFoundError("Job", jobID)
	}
	if err != nil {
		return nil, err
	}
	n, err := r.ProcessedCount(ctx, jobID)
	if err != nil {
		return nil, err
	}
	cfg.ProcessedCount = n
	return cfg, nil
}

// ListJobs returns every job, oldest id first.
func (r *Repository) ListJobs(ctx context.Context) ([]*core.JobConfig, error) {
	keys, err := r.kv.Keys(ctx, JobKey("*"))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*core.JobConfig, 0, len(keys))
	for _, key := range keys {
		jobID := strings.TrimSuffix(strings.TrimPrefix(key, "job:"), ":config")
		cfg, err := r.GetJob(ctx, jobID)
		if core.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, cfg)
	}
	return jobs, nil
}

// IncrementProcessed atomically adds one to the job's processedCount.
func (r *Repository) IncrementProcessed(ctx context.Context, jobID string) (int, error) {
	n, err := r.kv.IncrBy(ctx, CounterKey(jobID), 1)
	if err != nil {
		return 0, fmt.Errorf("increment processed %s: %w", jobID, err)
	}
	return int(n), nil
}

// ProcessedCount reads the job's counter; a missing counter is zero.
func (r *Repository) ProcessedCount(ctx context.Context, jobID string) (int, error) {
	data, err := r.kv.Get(ctx, CounterKey(jobID))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read processed %s: %w", jobID, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("read processed %s: %w", jobID, err)
	}
	return n, nil
}

// PutRecords writes records in one multi-set.
func (r *Repository) PutRecords(ctx context.Context, records []*core.RecordEntry) error {
	entries := make(map[string][]byte, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", rec.Member(), err)
		}
		entries[RecordKey(rec.JobID, rec.RecordID)] = data
	}
	if err := r.kv.SetMulti(ctx, entries); err != nil {
		return fmt.Errorf("put records: %w", err)
	}
	return nil
}

// GetRecord loads one record. Missing records return kv.ErrNotFound.
func (r *Repository) GetRecord(ctx context.Context, jobID string, recordID int) (*core.RecordEntry, error) {
	var rec core.RecordEntry
	if err := kv.GetJSON(ctx, r.kv, RecordKey(jobID, recordID), &rec); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get record %s: %w", core.Member(jobID, recordID), err)
	}
	return &rec, nil
}

// UpdateRecord applies mutate to a record under compare-and-swap. mutate may
// return kv.ErrAbort to leave the record as it is.
func (r *Repository) UpdateRecord(ctx context.Context, jobID string, recordID int, mutate func(*core.RecordEntry) error) (*core.RecordEntry, error) {
	return kv.UpdateJSON(ctx, r.kv, RecordKey(jobID, recordID), mutate)
}

// Records loads every record of a job in recordId order. Missing records are skipped.
func (r *Repository) Records(ctx context.Context, jobID string, total int) ([]*core.RecordEntry, error) {
	out := make([]*core.RecordEntry, 0, total)
	for start := 0; start < total; start += readChunk {
		end := min(start+readChunk, total)
		keys := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			keys = append(keys, RecordKey(jobID, i))
		}
		vals, err := r.kv.GetMulti(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("load records %s: %w", jobID, err)
		}
		for i, v := range vals {
			if v == nil {
				continue
			}
			var rec core.RecordEntry
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal %s: %w", keys[i], err)
			}
			out = append(out, &rec)
		}
	}
	return out, nil
}

// PendingRecords returns the job's pending records ordered by recordId.
func (r *Repository) PendingRecords(ctx context.Context, jobID string, total int) ([]*core.RecordEntry, error) {
	all, err := r.Records(ctx, jobID, total)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, rec := range all {
		if rec.Status == core.RecordPending {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// Schedule adds or moves records in the dispatch schedule at their scheduledAt.
func (r *Repository) Schedule(ctx context.Context, records ...*core.RecordEntry) error {
	zs := make([]kv.Z, len(records))
	for i, rec := range records {
		zs[i] = kv.Z{Member: rec.Member(), Score: rec.ScheduledAt}
	}
	if err := r.kv.ZAdd(ctx, ScheduleSet, zs...); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

// ScheduleAt adds or moves one record in the dispatch schedule.
func (r *Repository) ScheduleAt(ctx context.Context, jobID string, recordID int, at int64) error {
	if err := r.kv.ZAdd(ctx, ScheduleSet, kv.Z{Member: core.Member(jobID, recordID), Score: at}); err != nil {
		return fmt.Errorf("schedule %s: %w", core.Member(jobID, recordID), err)
	}
	return nil
}

// Due returns up to limit schedule entries with scheduledAt <= now, earliest first.
func (r *Repository) Due(ctx context.Context, now int64, limit int) ([]Ref, error) {
	return r.refs(ctx, ScheduleSet, now, limit)
}

// Unschedule removes schedule entries.
func (r *Repository) Unschedule(ctx context.Context, refs ...Ref) error {
	if err := r.kv.ZRem(ctx, ScheduleSet, members(refs)...); err != nil {
		return fmt.Errorf("unschedule: %w", err)
	}
	return nil
}

// MarkInFlight records that a record was handed to the transport at sentAt.
func (r *Repository) MarkInFlight(ctx context.Context, jobID string, recordID int, sentAt int64) error {
	if err := r.kv.ZAdd(ctx, InFlightSet, kv.Z{Member: core.Member(jobID, recordID), Score: sentAt}); err != nil {
		return fmt.Errorf("mark in-flight %s: %w", core.Member(jobID, recordID), err)
	}
	return nil
}

// ClearInFlight removes in-flight entries.
func (r *Repository) ClearInFlight(ctx context.Context, refs ...Ref) error {
	if err := r.kv.ZRem(ctx, InFlightSet, members(refs)...); err != nil {
		return fmt.Errorf("clear in-flight: %w", err)
	}
	return nil
}

// StaleInFlight returns up to limit in-flight entries sent at or before cutoff.
func (r *Repository) StaleInFlight(ctx context.Context, cutoff int64, limit int) ([]Ref, error) {
	return r.refs(ctx, InFlightSet, cutoff, limit)
}

// QueueDepths reports the sizes of the schedule and in-flight sets.
func (r *Repository) QueueDepths(ctx context.Context) (scheduled, inFlight int64, err error) {
	if scheduled, err = r.kv.ZCard(ctx, ScheduleSet); err != nil {
		return 0, 0, err
	}
	if inFlight, err = r.kv.ZCard(ctx, InFlightSet); err != nil {
		return 0, 0, err
	}
	return scheduled, inFlight, nil
}

func (r *Repository) refs(ctx context.Context, set string, max int64, limit int) ([]Ref, error) {
	zs, err := r.kv.ZRangeByScore(ctx, set, 0, max, limit)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", set, err)
	}
	out := make([]Ref, 0, len(zs))
	var malformed []string
	for _, z := range zs {
		jobID, recordID, err := core.ParseMember(z.Member)
		if err != nil {
			malformed = append(malformed, z.Member)
			continue
		}
		out = append(out, Ref{JobID: jobID, RecordID: recordID, Score: z.Score})
	}
	if len(malformed) > 0 {
		r.logger.Warn("dropping malformed sorted-set members", "set", set, "members", malformed)
		if err := r.kv.ZRem(ctx, set, malformed...); err != nil {
			return nil, fmt.Errorf("drop malformed %s members: %w", set, err)
		}
	}
	return out, nil
}

func members(refs []Ref) []string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = ref.Member()
	}
	return out
}
