package kv

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
)

// Memory is an in-process Backend for tests and single-node runs.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	zsets  map[string]map[string]int64
	closed bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		zsets:  make(map[string]map[string]int64),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *Memory) GetMulti(_ context.Context, keys []string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := m.values[k]; ok {
			out[i] = bytes.Clone(v)
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = bytes.Clone(value)
	return nil
}

func (m *Memory) SetMulti(_ context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.values[k] = bytes.Clone(v)
	}
	return nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, prev, next []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if prev == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, prev) {
		return false, nil
	}
	m.values[key] = bytes.Clone(next)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("keys %q: %w", pattern, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.values {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if v, ok := m.values[key]; ok {
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr key %s: value is not an integer", key)
		}
		n = parsed
	}
	n += delta
	m.values[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (m *Memory) ZAdd(_ context.Context, set string, members ...Z) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[set]
	if !ok {
		z = make(map[string]int64)
		m.zsets[set] = z
	}
	for _, e := range members {
		z[e.Member] = e.Score
	}
	return nil
}

// ZRangeByScore scans and sorts the whole set on every call, O(n log n) in
// its size. That suits tests and single-process runs, not large schedules.
func (m *Memory) ZRangeByScore(_ context.Context, set string, min, max int64, limit int) ([]Z, error) {
	m.mu.Lock()
	var out []Z
	for member, score := range m.zsets[set] {
		if score >= min && score <= max {
			out = append(out, Z{Member: member, Score: score})
		}
	}
	m.mu.Unlock()

	sortZ(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ZRem(_ context.Context, set string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[set]
	for _, member := range members {
		delete(z, member)
	}
	return nil
}

func (m *Memory) ZCard(_ context.Context, set string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[set])), nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("kv: memory backend closed")
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortZ(zs []Z) {
	sort.Slice(zs, func(i, j int) bool {
		if zs[i].Score != zs[j].Score {
			return zs[i].Score < zs[j].Score
		}
		return zs[i].Member < zs[j].Member
	})
}
