package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/state"
)

func TestCreateJob_WritesTimetable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.clock.Now().UnixMilli()

	jobID, err := f.jobs.CreateJob(ctx, 5, 60)
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if !core.IsValidUUIDv7(jobID) {
		t.Errorf("job id %q is not a UUIDv7", jobID)
	}

	var prev int64
	for i := 0; i < 5; i++ {
		rec := f.record(t, jobID, i)
		if want := t0 + int64(i)*1000; rec.ScheduledAt != want {
			t.Errorf("record %d scheduledAt = %d, want %d", i, rec.ScheduledAt, want)
		}
		if rec.ScheduledAt < prev {
			t.Errorf("record %d scheduled before record %d", i, i-1)
		}
		prev = rec.ScheduledAt
		if rec.Status != core.RecordPending {
			t.Errorf("record %d status = %s, want pending", i, rec.Status)
		}
	}

	job, err := f.repo.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != core.JobProcessing || job.TotalRecords != 5 || job.RecordsPerMinute != 60 {
		t.Errorf("job = %+v", job)
	}
	if scheduled, _ := f.depths(t); scheduled != 5 {
		t.Errorf("schedule depth = %d, want 5", scheduled)
	}
	if got := len(f.notifier.ofType(core.EventJobStarted)); got != 1 {
		t.Errorf("job.started events = %d, want 1", got)
	}
}

func TestCreateJob_GeneratesNamePayloads(t *testing.T) {
	f := newFixture(t)
	jobID, err := f.jobs.CreateJob(context.Background(), 1, 60)
	if err != nil {
		t.Fatal(err)
	}
	var p Payload
	if err := json.Unmarshal(f.record(t, jobID, 0).Data, &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if parts := strings.Split(p.Value, "-"); len(parts) != 4 || parts[2] != "0" {
		t.Errorf("payload value = %q, want Adjective-Noun-0-uuid8", p.Value)
	}
	if p.Metadata.Source != "scheduler" {
		t.Errorf("metadata source = %q", p.Metadata.Source)
	}
}

func TestCreateJob_Batches(t *testing.T) {
	repo := newFixture(t).repo
	jobs := NewJobs(repo, WithBatchSize(2))
	jobID, err := jobs.CreateJob(context.Background(), 5, 600)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := repo.Records(context.Background(), jobID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 5 {
		t.Errorf("records = %d, want 5", len(recs))
	}
}

func TestCreateJob_Validation(t *testing.T) {
	tests := []struct {
		name  string
		total int
		rate  int
	}{
		{"zero records", 0, 60},
		{"negative records", -1, 60},
		{"too many records", core.MaxTotalRecords + 1, 60},
		{"zero rate", 10, 0},
		{"rate above ceiling", 10, core.MaxRecordsPerMinute + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.jobs.CreateJob(context.Background(), tt.total, tt.rate)
			var coded *core.Error
			if !errors.As(err, &coded) {
				t.Fatalf("CreateJob() error = %v, want core.Error", err)
			}
			if jobs, _ := f.repo.ListJobs(context.Background()); len(jobs) != 0 {
				t.Errorf("invalid request wrote %d jobs", len(jobs))
			}
		})
	}
}

func TestCreateJob_PayloadError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("no payload")
	jobs := NewJobs(f.repo, WithPayloads(core.PayloadGeneratorFunc(
		func(context.Context, string, int) (json.RawMessage, error) { return nil, boom })))
	if _, err := jobs.CreateJob(context.Background(), 3, 60); !errors.Is(err, boom) {
		t.Errorf("CreateJob() error = %v, want %v", err, boom)
	}
}

func TestRescheduleJob_RetimesPendingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID, err := f.jobs.CreateJob(ctx, 5, 60)
	if err != nil {
		t.Fatal(err)
	}

	// Records 0 and 1 already left pending.
	untouched := map[int]int64{}
	for _, i := range []int{0, 1} {
		rec, err := f.repo.UpdateRecord(ctx, jobID, i, func(r *core.RecordEntry) error {
			r.Status = core.RecordSent
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		untouched[i] = rec.ScheduledAt
		if err := f.repo.Unschedule(ctx, state.Ref{JobID: jobID, RecordID: i}); err != nil {
			t.Fatal(err)
		}
	}

	f.clock.Advance(10 * time.Second)
	now := f.clock.Now().UnixMilli()
	cfg, err := f.jobs.RescheduleJob(ctx, jobID, 120)
	if err != nil {
		t.Fatalf("RescheduleJob() error = %v", err)
	}
	if cfg.RecordsPerMinute != 120 {
		t.Errorf("rate = %d, want 120", cfg.RecordsPerMinute)
	}

	for i, at := range untouched {
		if rec := f.record(t, jobID, i); rec.ScheduledAt != at || rec.Status != core.RecordSent {
			t.Errorf("record %d changed by rate update: %+v", i, rec)
		}
	}
	for slot, i := range []int{2, 3, 4} {
		rec := f.record(t, jobID, i)
		if want := now + int64(slot)*500; rec.ScheduledAt != want {
			t.Errorf("record %d scheduledAt = %d, want %d", i, rec.ScheduledAt, want)
		}
	}

	due, err := f.repo.Due(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].RecordID != 2 {
		t.Errorf("due at now = %+v, want record 2 only", due)
	}
	if got := len(f.notifier.ofType(core.EventJobUpdated)); got != 1 {
		t.Errorf("job.updated events = %d, want 1", got)
	}
}

func TestRescheduleJob_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.jobs.RescheduleJob(context.Background(), "missing", 60)
	if !core.IsNotFound(err) {
		t.Errorf("RescheduleJob() error = %v, want not found", err)
	}
}

func TestRescheduleJob_InvalidRate(t *testing.T) {
	f := newFixture(t)
	jobID, err := f.jobs.CreateJob(context.Background(), 1, 60)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.jobs.RescheduleJob(context.Background(), jobID, 0); err == nil {
		t.Fatal("RescheduleJob() with rate 0 should fail")
	}
	job, _ := f.repo.GetJob(context.Background(), jobID)
	if job.RecordsPerMinute != 60 {
		t.Errorf("rate = %d after rejected update, want 60", job.RecordsPerMinute)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.jobs.Status(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != core.StatusNotFound {
		t.Errorf("unknown job status = %q, want %q", view.Status, core.StatusNotFound)
	}

	jobID, err := f.jobs.CreateJob(ctx, 4, 60)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.repo.IncrementProcessed(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	view, err = f.jobs.Status(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != string(core.JobProcessing) || *view.ProcessedCount != 1 || *view.ProgressPercentage != 25 {
		t.Errorf("status view = %+v", view)
	}

	list, err := f.jobs.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("List() = %d jobs, want 1", len(list))
	}
}

func TestMarkProcessing_LeavesAdvancedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID, err := f.jobs.CreateJob(ctx, 1, 60)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.repo.UpdateJob(ctx, jobID, func(c *core.JobConfig) error {
		c.Status = core.JobCompleted
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.jobs.markProcessing(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	job, _ := f.repo.GetJob(ctx, jobID)
	if job.Status != core.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
}
