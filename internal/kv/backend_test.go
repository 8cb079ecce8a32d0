package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	goredis "github.com/redis/go-redis/v9"
)

type backendFactory func(t *testing.T) Backend

func TestMemoryBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend { return NewMemory() })
}

func TestRedisBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		s := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
		b := NewRedis(client, WithKeyPrefix("test:"))
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestNATSBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		t.Helper()
		url := os.Getenv("NATS_URL")
		if url == "" {
			url = "nats://localhost:4222"
		}
		nc, err := nats.Connect(url, nats.Timeout(2*time.Second))
		if err != nil {
			t.Skipf("skipping integration test; NATS unavailable at %s: %v", url, err)
		}
		t.Cleanup(nc.Close)

		js, err := jetstream.New(nc)
		if err != nil {
			t.Fatalf("jetstream: %v", err)
		}
		ctx := context.Background()
		bucket := fmt.Sprintf("pacer_kv_test_%d", time.Now().UnixNano())
		kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
		if err != nil {
			t.Skipf("skipping integration test; JetStream unavailable: %v", err)
		}
		t.Cleanup(func() { _ = js.DeleteKeyValue(context.Background(), bucket) })
		return NewNATS(kv)
	})
}

func runBackendSuite(t *testing.T, newBackend backendFactory) {
	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(context.Background(), "job:x:config")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		if err := b.Set(ctx, "job:a:config", []byte(`{"n":1}`)); err != nil {
			t.Fatal(err)
		}
		got, err := b.Get(ctx, "job:a:config")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != `{"n":1}` {
			t.Errorf("Get() = %s", got)
		}
		if err := b.Delete(ctx, "job:a:config"); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Get(ctx, "job:a:config"); !errors.Is(err, ErrNotFound) {
			t.Errorf("after Delete, Get() error = %v", err)
		}
	})

	t.Run("SetMultiGetMulti", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		err := b.SetMulti(ctx, map[string][]byte{
			"job:a:record:0": []byte("zero"),
			"job:a:record:2": []byte("two"),
		})
		if err != nil {
			t.Fatal(err)
		}
		got, err := b.GetMulti(ctx, []string{"job:a:record:0", "job:a:record:1", "job:a:record:2"})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 || string(got[0]) != "zero" || got[1] != nil || string(got[2]) != "two" {
			t.Errorf("GetMulti() = %q", got)
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		ok, err := b.CompareAndSwap(ctx, "k", nil, []byte("v1"))
		if err != nil || !ok {
			t.Fatalf("create CAS = %v, %v; want true", ok, err)
		}
		ok, err = b.CompareAndSwap(ctx, "k", nil, []byte("v1"))
		if err != nil || ok {
			t.Fatalf("second create CAS = %v, %v; want false", ok, err)
		}
		ok, err = b.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"))
		if err != nil || ok {
			t.Fatalf("stale CAS = %v, %v; want false", ok, err)
		}
		ok, err = b.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"))
		if err != nil || !ok {
			t.Fatalf("CAS = %v, %v; want true", ok, err)
		}
		got, _ := b.Get(ctx, "k")
		if string(got) != "v2" {
			t.Errorf("value = %s, want v2", got)
		}
		ok, err = b.CompareAndSwap(ctx, "absent", []byte("v1"), []byte("v2"))
		if err != nil || ok {
			t.Errorf("CAS on absent key = %v, %v; want false", ok, err)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		for _, k := range []string{"job:a:config", "job:b:config", "job:a:record:0"} {
			if err := b.Set(ctx, k, []byte("{}")); err != nil {
				t.Fatal(err)
			}
		}
		got, err := b.Keys(ctx, "job:*:config")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0] != "job:a:config" || got[1] != "job:b:config" {
			t.Errorf("Keys() = %v", got)
		}
	})

	t.Run("IncrByConcurrent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := b.IncrBy(ctx, "counter", 1); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
		n, err := b.IncrBy(ctx, "counter", 0)
		if err != nil {
			t.Fatal(err)
		}
		if n != 20 {
			t.Errorf("counter = %d, want 20", n)
		}
	})

	t.Run("SortedSet", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		err := b.ZAdd(ctx, "schedule",
			Z{Member: "j:2", Score: 300},
			Z{Member: "j:0", Score: 100},
			Z{Member: "j:1", Score: 200},
			Z{Member: "j:3", Score: 200},
		)
		if err != nil {
			t.Fatal(err)
		}

		got, err := b.ZRangeByScore(ctx, "schedule", 0, 250, 0)
		if err != nil {
			t.Fatal(err)
		}
		want := []Z{{"j:0", 100}, {"j:1", 200}, {"j:3", 200}}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("ZRangeByScore() = %v, want %v", got, want)
		}

		limited, _ := b.ZRangeByScore(ctx, "schedule", 0, 1000, 2)
		if len(limited) != 2 || limited[0].Member != "j:0" {
			t.Errorf("limited range = %v", limited)
		}

		// Re-adding moves the member instead of duplicating it.
		if err := b.ZAdd(ctx, "schedule", Z{Member: "j:0", Score: 500}); err != nil {
			t.Fatal(err)
		}
		if n, _ := b.ZCard(ctx, "schedule"); n != 4 {
			t.Errorf("ZCard() = %d, want 4", n)
		}
		early, _ := b.ZRangeByScore(ctx, "schedule", 0, 150, 0)
		if len(early) != 0 {
			t.Errorf("moved member still in old slot: %v", early)
		}

		if err := b.ZRem(ctx, "schedule", "j:0", "j:1", "missing"); err != nil {
			t.Fatal(err)
		}
		rest, _ := b.ZRangeByScore(ctx, "schedule", 0, 1000, 0)
		if len(rest) != 2 || rest[0].Member != "j:3" || rest[1].Member != "j:2" {
			t.Errorf("after ZRem = %v", rest)
		}
	})

	t.Run("UpdateJSON", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		type doc struct{ N int }
		if err := PutJSON(ctx, b, "doc", doc{N: 1}); err != nil {
			t.Fatal(err)
		}

		got, err := UpdateJSON(ctx, b, "doc", func(d *doc) error {
			d.N++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if got.N != 2 {
			t.Errorf("updated N = %d, want 2", got.N)
		}

		_, err = UpdateJSON(ctx, b, "doc", func(d *doc) error { return ErrAbort })
		if !errors.Is(err, ErrAbort) {
			t.Errorf("abort error = %v", err)
		}
		var stored doc
		if err := GetJSON(ctx, b, "doc", &stored); err != nil || stored.N != 2 {
			t.Errorf("stored = %+v, %v", stored, err)
		}

		_, err = UpdateJSON(ctx, b, "nope", func(d *doc) error { return nil })
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("missing key error = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateJSONConcurrent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		type doc struct{ N int }
		if err := PutJSON(ctx, b, "doc", doc{}); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		applied := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := UpdateJSON(ctx, b, "doc", func(d *doc) error {
					d.N++
					return nil
				})
				if err == nil {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		var stored doc
		if err := GetJSON(ctx, b, "doc", &stored); err != nil {
			t.Fatal(err)
		}
		if stored.N != applied {
			t.Errorf("stored N = %d, successful updates = %d", stored.N, applied)
		}
	})
}

func TestNATSEncodeKey(t *testing.T) {
	got, err := encodeKey("job:abc-1:record:7")
	if err != nil {
		t.Fatal(err)
	}
	if got != "job.abc-1.record.7" {
		t.Errorf("encodeKey() = %q", got)
	}
	if decodeKey(got) != "job:abc-1:record:7" {
		t.Errorf("decodeKey() = %q", decodeKey(got))
	}
	for _, bad := range []string{"", "a.b", "a b", "a*", "a>"} {
		if _, err := encodeKey(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("encodeKey(%q) error = %v, want ErrInvalidKey", bad, err)
		}
	}
}
