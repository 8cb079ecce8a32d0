package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/index"
	"github.com/openjobspec/ojs-pacer/internal/kv"
	"github.com/openjobspec/ojs-pacer/internal/state"
	"github.com/openjobspec/ojs-pacer/internal/transport"
)

// --- fakes ---

type fakeDelivery struct {
	data    []byte
	retries int

	acked     int
	requeued  int
	delay     time.Duration
	deadCount int
	diag      transport.Diagnostics
}

func (d *fakeDelivery) Data() []byte    { return d.data }
func (d *fakeDelivery) RetryCount() int { return d.retries }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acked++
	return nil
}

func (d *fakeDelivery) RequeueWithDelay(_ context.Context, delay time.Duration) error {
	d.requeued++
	d.delay = delay
	return nil
}

func (d *fakeDelivery) DeadLetter(_ context.Context, diag transport.Diagnostics) error {
	d.deadCount++
	d.diag = diag
	return nil
}

func (d *fakeDelivery) settlements() int { return d.acked + d.requeued + d.deadCount }

type recordingNotifier struct {
	mu     sync.Mutex
	events []core.Event
}

func (n *recordingNotifier) Notify(ev core.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count(t core.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.EventType() == t {
			c++
		}
	}
	return c
}

type recordingIndexer struct {
	mu   sync.Mutex
	recs []*index.ProcessedRecord
}

func (r *recordingIndexer) Index(_ context.Context, rec *index.ProcessedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

// faultyBackend fails the next IncrBy or compare-and-swap on a key as many
// times as armed.
type faultyBackend struct {
	*kv.Memory

	mu           sync.Mutex
	incrFailures int
	casFailures  map[string]int
}

var errInjected = errors.New("injected store failure")

func newFaultyBackend() *faultyBackend {
	return &faultyBackend{Memory: kv.NewMemory(), casFailures: map[string]int{}}
}

func (b *faultyBackend) failIncr(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incrFailures = n
}

func (b *faultyBackend) failCAS(key string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.casFailures[key] = n
}

func (b *faultyBackend) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	b.mu.Lock()
	if b.incrFailures > 0 {
		b.incrFailures--
		b.mu.Unlock()
		return 0, errInjected
	}
	b.mu.Unlock()
	return b.Memory.IncrBy(ctx, key, delta)
}

func (b *faultyBackend) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	b.mu.Lock()
	if b.casFailures[key] > 0 {
		b.casFailures[key]--
		b.mu.Unlock()
		return false, errInjected
	}
	b.mu.Unlock()
	return b.Memory.CompareAndSwap(ctx, key, prev, next)
}

// --- helpers ---

func seedJob(t *testing.T, repo *state.Repository, jobID string, total int, status core.RecordStatus) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := repo.CreateJob(ctx, &core.JobConfig{
		JobID:            jobID,
		TotalRecords:     total,
		RecordsPerMinute: 60,
		Status:           core.JobProcessing,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	records := make([]*core.RecordEntry, total)
	for i := range records {
		records[i] = &core.RecordEntry{
			JobID:       jobID,
			RecordID:    i,
			ScheduledAt: now.UnixMilli(),
			Status:      status,
			Data:        []byte(`{"id":1}`),
		}
	}
	if err := repo.PutRecords(ctx, records); err != nil {
		t.Fatalf("PutRecords: %v", err)
	}
}

func delivery(t *testing.T, jobID string, recordID, retries int) *fakeDelivery {
	t.Helper()
	data, err := json.Marshal(core.RecordMessage{JobID: jobID, RecordID: recordID, Data: []byte(`{"id":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	return &fakeDelivery{data: data, retries: retries}
}

func okProcessor() Processor {
	return ProcessorFunc(func(context.Context, *core.RecordMessage) error { return nil })
}

func failingProcessor(err error) Processor {
	return ProcessorFunc(func(context.Context, *core.RecordMessage) error { return err })
}

func newTestConsumer(repo *state.Repository, proc Processor, n core.Notifier, opts ...Option) *Consumer {
	opts = append([]Option{
		WithNotifier(n),
		WithWorkerID("worker-test"),
		WithConfig(Config{Prefetch: 1, MaxRetries: 3, RetryDelay: time.Second}),
	}, opts...)
	return NewConsumer(repo, nil, proc, opts...)
}

func recordStatus(t *testing.T, repo *state.Repository, jobID string, recordID int) *core.RecordEntry {
	t.Helper()
	rec, err := repo.GetRecord(context.Background(), jobID, recordID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	return rec
}

// --- tests ---

func TestHandle_CompletesRecord(t *testing.T) {
	repo := state.New(kv.NewMemory())
	seedJob(t, repo, "j1", 2, core.RecordSent)
	ctx := context.Background()
	if err := repo.MarkInFlight(ctx, "j1", 0, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	n := &recordingNotifier{}
	c := newTestConsumer(repo, okProcessor(), n)

	d := delivery(t, "j1", 0, 0)
	c.Handle(ctx, d)

	if d.acked != 1 || d.settlements() != 1 {
		t.Fatalf("settlements = ack %d requeue %d dead %d, want one ack", d.acked, d.requeued, d.deadCount)
	}
	rec := recordStatus(t, repo, "j1", 0)
	if rec.Status != core.RecordCompleted || rec.Attempts != 1 {
		t.Errorf("record = %+v, want completed after one attempt", rec)
	}
	if n, _ := repo.ProcessedCount(ctx, "j1"); n != 1 {
		t.Errorf("processedCount = %d, want 1", n)
	}
	if _, inFlight, _ := repo.QueueDepths(ctx); inFlight != 0 {
		t.Errorf("in-flight depth = %d, want 0", inFlight)
	}
	if got := n.count(core.EventRecordCompleted); got != 1 {
		t.Errorf("record.completed events = %d, want 1", got)
	}
	if got := n.count(core.EventJobCompleted); got != 0 {
		t.Errorf("job.completed events = %d, want 0 before the last record", got)
	}
}

func TestHandle_LastRecordCompletesJob(t *testing.T) {
	repo := state.New(kv.NewMemory())
	seedJob(t, repo, "j1", 2, core.RecordSent)
	ctx := context.Background()
	n := &recordingNotifier{}
	c := newTestConsumer(repo, okProcessor(), n)

	c.Handle(ctx, delivery(t, "j1", 0, 0))
	c.Handle(ctx, delivery(t, "j1", 1, 0))

	job, err := repo.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != core.JobCompleted || job.ProcessedCount != 2 {
		t.Errorf("job = %+v, want completed with 2 processed", job)
	}
	if got := n.count(core.EventJobCompleted); got != 1 {
		t.Errorf("job.completed events = %d, want 1", got)
	}
}

func TestHandle_DuplicateDeliveryIsIdempotent(t *testing.T) {
	repo := state.New(kv.NewMemory())
	seedJob(t, repo, "j1", 3, core.RecordSent)
	ctx := context.Background()
	n := &recordingNotifier{}
	calls := 0
	proc := ProcessorFunc(func(context.Context, *core.RecordMessage) error {
		calls++
		return nil
	})
	c := newTestConsumer(repo, proc, n)

	first := delivery(t, "j1", 1, 0)
	second := delivery(t, "j1", 1, 0)
	c.Handle(ctx, first)
	c.Handle(ctx, second)

	if calls != 1 {
		t.Errorf("processor calls = %d, want 1", calls)
	}
	if second.acked != 1 || second.settlements() != 1 {
		t.Errorf("duplicate not acked exactly once: %+v", second)
	}
	if got, _ := repo.ProcessedCount(ctx, "j1"); got != 1 {
		t.Errorf("processedCount = %d, want 1", got)
	}
	if got := n.count(core.EventRecordCompleted); got != 1 {
		t.Errorf("record.completed events = %d, want 1", got)
	}
}

func TestHandle_MissingRecordIsAcked(t *testing.T) {
	repo := state.New(kv.NewMemory())
	c := newTestConsumer(repo, okProcessor(), &recordingNotifier{})

	d := delivery(t, "gone", 4, 0)
	c.Handle(context.Background(), d)

	if d.acked != 1 || d.settlements() != 1 {
		t.Errorf("missing record: ack %d requeue %d dead %d, want one ack", d.acked, d.requeued, d.deadCount)
	}
}

func TestHandle_PoisonMessageIsDeadLettered(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{{{"},
		{"missing job id", `{"recordId":1}`},
		{"negative record id", `{"jobId":"j1","recordId":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := state.New(kv.NewMemory())
			c := newTestConsumer(repo, okProcessor(), &recordingNotifier{})
			d := &fakeDelivery{data: []byte(tt.data)}
			c.Handle(context.Background(), d)
			if d.deadCount != 1 || d.settlements() != 1 {
				t.Errorf("ack %d requeue %d dead %d, want one dead letter", d.acked, d.requeued, d.deadCount)
			}
			if d.diag.Reason == "" {
				t.Error("dead letter without a reason")
			}
		})
	}
}

func TestHandle_FailureRetriesWithDelay(t *testing.T) {
	repo := state.New(kv.NewMemory())
	seedJob(t, repo, "j1", 1, core.RecordSent)
	idx := &recordingIndexer{}
	c := newTestConsumer(repo, failingProcessor(errors.New("boom")), &recordingNotifier{}, WithIndexer(idx))

	d := delivery(t, "j1", 0, 1)
	c.Handle(context.Background(), d)

	if d.requeued != 1 || d.settlements() != 1 {
		t.Fatalf("ack %d requeue %d dead %d, want one requeue", d.acked, d.requeued, d.deadCount)
	}
	if d.delay != time.Second {
		t.Errorf("requeue delay = %v, want 1s", d.delay)
	}
	rec := recordStatus(t, repo, "j1", 0)
	if rec.Status != core.RecordFailed || rec.LastError != "boom" {
		t.Errorf("record = %+v, want failed with lastError", rec)
	}
	if len(idx.recs) != 1 || idx.recs[0].Status != index.StatusFailed {
		t.Errorf("indexed = %+v, want one failed entry", idx.recs)
	}
}

func TestHandle_RetryBoundDeadLettersOnce(t *testing.T) {
	repo := state.New(kv.NewMemory())
	seedJob(t, repo, "j1", 1, core.RecordSent)
	c := newTestConsumer(repo, failingProcessor(errors.New("boom")), &recordingNotifier{})
	ctx := context.Background()

	var deadLetters, requeues int
	for retries := 0; retries <= 3; retries++ {
		d := delivery(t, "j1", 0, retries)
		c.Handle(ctx, d)
		if d.settlements() != 1 {
			t.Fatalf("retry %d settled %d times", retries, d.settlements())
		}
		deadLetters += d.deadCount
		requeues += d.requeued
		if retries == 3 {
			if d.diag.JobID != "j1" || d.diag.RecordID != 0 || d.diag.RetryCount != 3 || d.diag.Reason != "boom" {
				t.Errorf("diagnostics = %+v", d.diag)
			}
		}
	}
	if requeues != 3 || deadLetters != 1 {
		t.Errorf("requeues = %d, dead letters = %d, want 3 and 1", requeues, deadLetters)
	}
	rec := recordStatus(t, repo, "j1", 0)
	if rec.Status != core.RecordFailed || rec.Attempts != 4 {
		t.Errorf("record = %+v, want failed after 4 attempts", rec)
	}
}

func TestHandle_RedeliveryAfterFailureCompletes(t *testing.T) {
	repo := state.New(kv.NewMemory())
	seedJob(t, repo, "j1", 1, core.RecordSent)
	ctx := context.Background()
	fail := true
	proc := ProcessorFunc(func(context.Context, *core.RecordMessage) error {
		if fail {
			return errors.New("transient")
		}
		return nil
	})
	c := newTestConsumer(repo, proc, &recordingNotifier{})

	c.Handle(ctx, delivery(t, "j1", 0, 0))
	fail = false
	d := delivery(t, "j1", 0, 1)
	c.Handle(ctx, d)

	if d.acked != 1 {
		t.Fatalf("redelivery not acked: %+v", d)
	}
	rec := recordStatus(t, repo, "j1", 0)
	if rec.Status != core.RecordCompleted || rec.LastError != "" {
		t.Errorf("record = %+v, want completed with cleared error", rec)
	}
}

func TestRun_ConsumesFromTransport(t *testing.T) {
	repo := state.New(kv.NewMemory())
	seedJob(t, repo, "j1", 3, core.RecordSent)
	tr := transport.NewMemory(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := tr.Publish(ctx, core.RecordMessage{JobID: "j1", RecordID: i}); err != nil {
			t.Fatal(err)
		}
	}

	c := NewConsumer(repo, tr, okProcessor(), WithWorkerID("worker-test"))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for tr.Acked() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if tr.Acked() != 3 {
		t.Fatalf("acked = %d, want 3", tr.Acked())
	}
	job, err := repo.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != core.JobCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
}

func TestRun_PoisonMessageOverTransportIsDeadLettered(t *testing.T) {
	repo := state.New(kv.NewMemory())
	tr := transport.NewMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.PublishRaw(ctx, []byte("not a record")); err != nil {
		t.Fatal(err)
	}

	c := NewConsumer(repo, tr, okProcessor(), WithWorkerID("worker-test"))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(tr.DeadLetters()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	dead := tr.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if string(dead[0].Data) != "not a record" || dead[0].Diagnostics.Reason == "" {
		t.Errorf("dead letter = %q %+v", dead[0].Data, dead[0].Diagnostics)
	}
	if tr.Acked() != 0 {
		t.Errorf("acked = %d, want 0", tr.Acked())
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Prefetch: 0, MaxRetries: -1}.withDefaults()
	want := DefaultConfig()
	if cfg != want {
		t.Errorf("withDefaults() = %+v, want %+v", cfg, want)
	}
	if got := (Config{MaxRetries: 0}).withDefaults().MaxRetries; got != 0 {
		t.Errorf("MaxRetries 0 should be kept, got %d", got)
	}
}

func TestHandle_CounterFailureIsFinishedByRedelivery(t *testing.T) {
	store := newFaultyBackend()
	repo := state.New(store)
	seedJob(t, repo, "j1", 1, core.RecordSent)
	ctx := context.Background()
	n := &recordingNotifier{}
	calls := 0
	proc := ProcessorFunc(func(context.Context, *core.RecordMessage) error {
		calls++
		return nil
	})
	c := newTestConsumer(repo, proc, n)

	store.failIncr(1)
	first := delivery(t, "j1", 0, 0)
	c.Handle(ctx, first)

	if first.requeued != 1 || first.settlements() != 1 {
		t.Fatalf("first delivery = ack %d requeue %d dead %d, want one requeue", first.acked, first.requeued, first.deadCount)
	}
	if first.delay != time.Second {
		t.Errorf("requeue delay = %v, want %v", first.delay, time.Second)
	}
	if rec := recordStatus(t, repo, "j1", 0); rec.Status != core.RecordCompleted || rec.Counted {
		t.Fatalf("record = %+v, want completed and not yet counted", rec)
	}

	second := delivery(t, "j1", 0, 1)
	c.Handle(ctx, second)

	if second.acked != 1 || second.settlements() != 1 {
		t.Fatalf("redelivery = ack %d requeue %d dead %d, want one ack", second.acked, second.requeued, second.deadCount)
	}
	if calls != 1 {
		t.Errorf("processor calls = %d, want 1", calls)
	}
	job, err := repo.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if job.ProcessedCount != 1 || job.Status != core.JobCompleted {
		t.Errorf("job = %+v, want completed with 1 processed", job)
	}
	if rec := recordStatus(t, repo, "j1", 0); !rec.Counted {
		t.Errorf("record = %+v, want counted", rec)
	}
	if got := n.count(core.EventRecordCompleted); got != 1 {
		t.Errorf("record.completed events = %d, want 1", got)
	}
	if got := n.count(core.EventJobCompleted); got != 1 {
		t.Errorf("job.completed events = %d, want 1", got)
	}

	third := delivery(t, "j1", 0, 2)
	c.Handle(ctx, third)
	if third.acked != 1 {
		t.Errorf("late duplicate not acked: %+v", third)
	}
	if got, _ := repo.ProcessedCount(ctx, "j1"); got != 1 {
		t.Errorf("processedCount after duplicate = %d, want 1", got)
	}
}

func TestHandle_JobCompletionFailureIsFinishedByRedelivery(t *testing.T) {
	store := newFaultyBackend()
	repo := state.New(store)
	seedJob(t, repo, "j1", 1, core.RecordSent)
	ctx := context.Background()
	n := &recordingNotifier{}
	c := newTestConsumer(repo, okProcessor(), n)

	store.failCAS(state.JobKey("j1"), 1)
	first := delivery(t, "j1", 0, 0)
	c.Handle(ctx, first)

	if first.requeued != 1 || first.settlements() != 1 {
		t.Fatalf("first delivery = ack %d requeue %d dead %d, want one requeue", first.acked, first.requeued, first.deadCount)
	}
	job, err := repo.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if job.ProcessedCount != 1 || job.Status == core.JobCompleted {
		t.Fatalf("job = %+v, want 1 processed and still processing", job)
	}

	second := delivery(t, "j1", 0, 1)
	c.Handle(ctx, second)

	if second.acked != 1 || second.settlements() != 1 {
		t.Fatalf("redelivery = ack %d requeue %d dead %d, want one ack", second.acked, second.requeued, second.deadCount)
	}
	job, err = repo.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if job.ProcessedCount != 1 || job.Status != core.JobCompleted {
		t.Errorf("job = %+v, want completed with 1 processed", job)
	}
	if got := n.count(core.EventJobCompleted); got != 1 {
		t.Errorf("job.completed events = %d, want 1", got)
	}
}

func TestHandle_ProcessingCASFailureRequeues(t *testing.T) {
	store := newFaultyBackend()
	repo := state.New(store)
	seedJob(t, repo, "j1", 1, core.RecordSent)
	ctx := context.Background()
	calls := 0
	proc := ProcessorFunc(func(context.Context, *core.RecordMessage) error {
		calls++
		return nil
	})
	c := newTestConsumer(repo, proc, &recordingNotifier{})

	store.failCAS(state.RecordKey("j1", 0), 1)
	d := delivery(t, "j1", 0, 0)
	c.Handle(ctx, d)

	if d.requeued != 1 || d.settlements() != 1 {
		t.Fatalf("settlements = ack %d requeue %d dead %d, want one requeue", d.acked, d.requeued, d.deadCount)
	}
	if calls != 0 {
		t.Errorf("processor calls = %d, want 0 before the record is claimed", calls)
	}
	if rec := recordStatus(t, repo, "j1", 0); rec.Status != core.RecordSent {
		t.Errorf("record status = %s, want %s", rec.Status, core.RecordSent)
	}
}

func TestHandle_StoredPayloadIsUnchanged(t *testing.T) {
	tests := []struct {
		name string
		proc func(idx *recordingIndexer) Processor
	}{
		{"enricher", func(idx *recordingIndexer) Processor {
			return NewEnricher("worker-test", idx, WithLatency(func() time.Duration { return 0 }))
		}},
		{"processor rewriting the message", func(*recordingIndexer) Processor {
			return ProcessorFunc(func(_ context.Context, msg *core.RecordMessage) error {
				msg.Data = []byte(`{"rewritten":true}`)
				return nil
			})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := state.New(kv.NewMemory())
			seedJob(t, repo, "j1", 1, core.RecordSent)
			c := newTestConsumer(repo, tt.proc(&recordingIndexer{}), &recordingNotifier{})

			d := delivery(t, "j1", 0, 0)
			c.Handle(context.Background(), d)

			if d.acked != 1 {
				t.Fatalf("delivery not acked: %+v", d)
			}
			rec := recordStatus(t, repo, "j1", 0)
			if rec.Status != core.RecordCompleted {
				t.Errorf("record status = %s, want %s", rec.Status, core.RecordCompleted)
			}
			if string(rec.Data) != `{"id":1}` {
				t.Errorf("stored data = %s, want the original payload", rec.Data)
			}
		})
	}
}
