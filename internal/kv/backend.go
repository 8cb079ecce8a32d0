// Package kv is the key/value and sorted-set contract the pipeline keeps its
// durable state in, with memory, Redis and NATS JetStream implementations.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("kv: key not found")
	// ErrConflict is returned when a compare-and-swap update keeps losing.
	ErrConflict = errors.New("kv: too many concurrent updates")
	// ErrAbort may be returned by an UpdateJSON mutator to leave the value untouched.
	ErrAbort = errors.New("kv: update aborted")
	// ErrInvalidKey is returned for keys a backend cannot represent.
	ErrInvalidKey = errors.New("kv: invalid key")
)

// Z is a sorted-set member with its score.
type Z struct {
	Member string
	Score  int64
}

// Backend is the state store contract. All scores are epoch milliseconds.
type Backend interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMulti returns values in key order; missing keys yield nil entries.
	GetMulti(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetMulti(ctx context.Context, entries map[string][]byte) error
	// CompareAndSwap replaces the value at key with next only when the current
	// value equals prev byte for byte. A nil prev means the key must not exist.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Keys lists keys matching a glob pattern in path.Match syntax.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// IncrBy atomically adds delta to the integer at key, creating it at zero.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// ZAdd inserts members or replaces their scores.
	ZAdd(ctx context.Context, set string, members ...Z) error
	// ZRangeByScore returns members with min <= score <= max ordered by score
	// then member. A limit <= 0 means no limit.
	ZRangeByScore(ctx context.Context, set string, min, max int64, limit int) ([]Z, error)
	ZRem(ctx context.Context, set string, members ...string) error
	ZCard(ctx context.Context, set string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

const maxUpdateAttempts = 16

// GetJSON reads and decodes the JSON value at key into v.
func GetJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal key %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal key %s: %w", key, err)
	}
	return b.Set(ctx, key, data)
}

// UpdateJSON performs a compare-and-swap update on the JSON value at key.
// mutate receives a freshly decoded value on every attempt. Returning ErrAbort
// (possibly wrapped) stops without writing; any error is passed through.
// A missing key returns ErrNotFound without calling mutate.
func UpdateJSON[T any](ctx context.Context, b Backend, key string, mutate func(*T) error) (*T, error) {
	for i := 0; i < maxUpdateAttempts; i++ {
		prev, err := b.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(prev, &v); err != nil {
			return nil, fmt.Errorf("unmarshal key %s: %w", key, err)
		}
		if err := mutate(&v); err != nil {
			return &v, err
		}
		next, err := json.Marshal(&v)
		if err != nil {
			return nil, fmt.Errorf("marshal key %s: %w", key, err)
		}
		ok, err := b.CompareAndSwap(ctx, key, prev, next)
		if err != nil {
			return nil, err
		}
		if ok {
			return &v, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update key %s: %w", key, ErrConflict)
}
