package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/transport"
)

func newIntegrationConn(t *testing.T) *Conn {
	t.Helper()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	conn, err := Connect(context.Background(), natsURL)
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}
	ctx := context.Background()
	_ = conn.JS.DeleteConsumer(ctx, StreamName, ConsumerName())
	if s, err := conn.JS.Stream(ctx, StreamName); err == nil {
		_ = s.Purge(ctx)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func TestPublishSubscribeAck(t *testing.T) {
	conn := newIntegrationConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobID := core.NewUUIDv7()
	pub := NewPublisher(conn.JS)
	for i := 0; i < 3; i++ {
		msg := core.RecordMessage{JobID: jobID, RecordID: i, Data: json.RawMessage(`{}`), SentAt: time.Now().UnixMilli()}
		if err := pub.Publish(ctx, msg); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	subCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- NewSubscriber(conn.JS, 5*time.Second).Subscribe(subCtx, 2, func(ctx context.Context, d transport.Delivery) {
			var msg core.RecordMessage
			if err := json.Unmarshal(d.Data(), &msg); err != nil {
				t.Errorf("undecodable delivery: %v", err)
			}
			mu.Lock()
			if msg.JobID == jobID {
				seen[msg.RecordID] = true
			}
			n := len(seen)
			mu.Unlock()
			_ = d.Ack(ctx)
			if n == 3 {
				stop()
			}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for deliveries")
	}
	if len(seen) != 3 {
		t.Errorf("saw %d records, want 3", len(seen))
	}
}

func TestRequeueIncrementsRetryCount(t *testing.T) {
	conn := newIntegrationConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := core.RecordMessage{JobID: core.NewUUIDv7(), RecordID: 0, SentAt: time.Now().UnixMilli()}
	if err := NewPublisher(conn.JS).Publish(ctx, msg); err != nil {
		t.Fatal(err)
	}

	var retries []int
	subCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- NewSubscriber(conn.JS, 5*time.Second).Subscribe(subCtx, 1, func(ctx context.Context, d transport.Delivery) {
			retries = append(retries, d.RetryCount())
			if d.RetryCount() == 0 {
				_ = d.RequeueWithDelay(ctx, 100*time.Millisecond)
				return
			}
			_ = d.Ack(ctx)
			stop()
		})
	}()
	<-done
	if len(retries) != 2 || retries[0] != 0 || retries[1] != 1 {
		t.Errorf("retry counts = %v, want [0 1]", retries)
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	conn := newIntegrationConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobID := core.NewUUIDv7()
	if err := NewPublisher(conn.JS).Publish(ctx, core.RecordMessage{JobID: jobID, RecordID: 7}); err != nil {
		t.Fatal(err)
	}

	subCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- NewSubscriber(conn.JS, 5*time.Second).Subscribe(subCtx, 1, func(ctx context.Context, d transport.Delivery) {
			_ = d.DeadLetter(ctx, transport.Diagnostics{JobID: jobID, RecordID: 7, Reason: "boom", FailedAt: time.Now()})
			stop()
		})
	}()
	<-done

	dead, err := DeadLetters(ctx, conn.JS, 1000)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	found := false
	for _, dl := range dead {
		if dl.Diagnostics.JobID == jobID && dl.Diagnostics.RecordID == 7 && dl.Diagnostics.Reason == "boom" {
			found = dl.Diagnostics.OriginalSubject == RecordsSubject()
		}
	}
	if !found {
		t.Errorf("dead letter for %s not found in %d entries", jobID, len(dead))
	}
}

func TestEventBrokerRoundTrip(t *testing.T) {
	conn := newIntegrationConn(t)
	broker := NewEventBroker(conn.NC)
	defer broker.Close()

	jobID := core.NewUUIDv7()
	ch, unsubscribe, err := broker.SubscribeJob(jobID)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()
	if err := conn.NC.Flush(); err != nil {
		t.Fatal(err)
	}

	sent := &core.JobUpdatedEvent{JobID: jobID, RecordsPerMinute: 120, UpdatedAt: time.Now().UTC()}
	if err := broker.Send(context.Background(), sent); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case ev := <-ch:
		got, ok := ev.(*core.JobUpdatedEvent)
		if !ok || got.RecordsPerMinute != 120 || got.JobID != jobID {
			t.Errorf("event = %#v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestStateBucket(t *testing.T) {
	conn := newIntegrationConn(t)
	ctx := context.Background()
	state, err := conn.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	key := "job:" + core.NewUUIDv7() + ":config"
	if err := state.Set(ctx, key, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	defer state.Delete(ctx, key)
	if got, err := state.Get(ctx, key); err != nil || string(got) != `{}` {
		t.Errorf("Get() = %s, %v", got, err)
	}
}
