package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// NATS key layout inside the bucket:
//
//	k.<key>                 plain values
//	z.<set>.<score>.<member> sorted-set entries, score embedded for key-only scans
//	zr.<set>.<member>        member -> score reverse index
//
// KV keys may not contain ':', so it is written as '.' and '.' itself is
// rejected in caller keys.
const (
	valuePrefix = "k."
	zPrefix     = "z."
	zrPrefix    = "zr."
)

// NATS is a Backend on a JetStream KV bucket. Sorted-set range reads list
// the set's keys, so they cost O(set size); prefer Redis for large jobs.
type NATS struct {
	kv jetstream.KeyValue
}

// NewNATS wraps a JetStream KV bucket.
func NewNATS(kv jetstream.KeyValue) *NATS {
	return &NATS{kv: kv}
}

func encodeKey(k string) (string, error) {
	if k == "" || strings.ContainsAny(k, ". *>") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, k)
	}
	return strings.ReplaceAll(k, ":", "."), nil
}

func decodeKey(k string) string {
	return strings.ReplaceAll(k, ".", ":")
}

func (n *NATS) valueKey(k string) (string, error) {
	enc, err := encodeKey(k)
	if err != nil {
		return "", err
	}
	return valuePrefix + enc, nil
}

func (n *NATS) Get(ctx context.Context, key string) ([]byte, error) {
	v, _, err := n.getRev(ctx, key)
	return v, err
}

func (n *NATS) getRev(ctx context.Context, key string) ([]byte, uint64, error) {
	k, err := n.valueKey(key)
	if err != nil {
		return nil, 0, err
	}
	entry, err := n.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("nats kv get %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

func (n *NATS) GetMulti(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := n.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n *NATS) Set(ctx context.Context, key string, value []byte) error {
	k, err := n.valueKey(key)
	if err != nil {
		return err
	}
	if _, err := n.kv.Put(ctx, k, value); err != nil {
		return fmt.Errorf("nats kv put %s: %w", key, err)
	}
	return nil
}

func (n *NATS) SetMulti(ctx context.Context, entries map[string][]byte) error {
	for k, v := range entries {
		if err := n.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (n *NATS) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	k, err := n.valueKey(key)
	if err != nil {
		return false, err
	}
	if prev == nil {
		_, err := n.kv.Create(ctx, k, next)
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("nats kv create %s: %w", key, err)
		}
		return true, nil
	}

	cur, rev, err := n.getRev(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(cur, prev) {
		return false, nil
	}
	if _, err := n.kv.Update(ctx, k, next, rev); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("nats kv update %s: %w", key, err)
	}
	return true, nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (n *NATS) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		k, err := n.valueKey(key)
		if err != nil {
			return err
		}
		if err := n.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("nats kv delete %s: %w", key, err)
		}
	}
	return nil
}

func (n *NATS) Keys(ctx context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("keys %q: %w", pattern, err)
	}
	raw, err := n.listKeys(ctx, valuePrefix+">")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range raw {
		key := decodeKey(strings.TrimPrefix(k, valuePrefix))
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// listKeys returns live keys matching a subject filter. The watcher sends a
// nil entry once the initial values have been delivered.
func (n *NATS) listKeys(ctx context.Context, filter string) ([]string, error) {
	w, err := n.kv.Watch(ctx, filter, jetstream.IgnoreDeletes(), jetstream.MetaOnly())
	if err != nil {
		return nil, fmt.Errorf("nats kv watch %s: %w", filter, err)
	}
	defer w.Stop()

	var keys []string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				return keys, nil
			}
			keys = append(keys, entry.Key())
		}
	}
}

func (n *NATS) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	for i := 0; i < maxUpdateAttempts*4; i++ {
		cur, err := n.Get(ctx, key)
		var prev []byte
		var val int64
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return 0, err
		default:
			prev = cur
			val, err = strconv.ParseInt(string(cur), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("incr key %s: value is not an integer", key)
			}
		}
		val += delta
		ok, err := n.CompareAndSwap(ctx, key, prev, []byte(strconv.FormatInt(val, 10)))
		if err != nil {
			return 0, err
		}
		if ok {
			return val, nil
		}
	}
	return 0, fmt.Errorf("incr key %s: %w", key, ErrConflict)
}

func (n *NATS) zKeys(set, member string, score int64) (fwd, rev string, err error) {
	s, err := encodeKey(set)
	if err != nil {
		return "", "", err
	}
	m, err := encodeKey(member)
	if err != nil {
		return "", "", err
	}
	return zPrefix + s + "." + strconv.FormatInt(score, 10) + "." + m, zrPrefix + s + "." + m, nil
}

func (n *NATS) ZAdd(ctx context.Context, set string, members ...Z) error {
	for _, z := range members {
		fwd, rev, err := n.zKeys(set, z.Member, z.Score)
		if err != nil {
			return err
		}
		if old, err := n.kv.Get(ctx, rev); err == nil {
			if oldScore, perr := strconv.ParseInt(string(old.Value()), 10, 64); perr == nil && oldScore != z.Score {
				oldFwd, _, _ := n.zKeys(set, z.Member, oldScore)
				if err := n.kv.Delete(ctx, oldFwd); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
					return fmt.Errorf("nats zadd %s: %w", set, err)
				}
			}
		} else if !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("nats zadd %s: %w", set, err)
		}
		if _, err := n.kv.Put(ctx, fwd, nil); err != nil {
			return fmt.Errorf("nats zadd %s: %w", set, err)
		}
		if _, err := n.kv.Put(ctx, rev, []byte(strconv.FormatInt(z.Score, 10))); err != nil {
			return fmt.Errorf("nats zadd %s: %w", set, err)
		}
	}
	return nil
}

func (n *NATS) ZRangeByScore(ctx context.Context, set string, min, max int64, limit int) ([]Z, error) {
	s, err := encodeKey(set)
	if err != nil {
		return nil, err
	}
	prefix := zPrefix + s + "."
	keys, err := n.listKeys(ctx, prefix+">")
	if err != nil {
		return nil, err
	}
	var out []Z
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		dot := strings.IndexByte(rest, '.')
		if dot <= 0 {
			continue
		}
		score, err := strconv.ParseInt(rest[:dot], 10, 64)
		if err != nil || score < min || score > max {
			continue
		}
		out = append(out, Z{Member: decodeKey(rest[dot+1:]), Score: score})
	}
	sortZ(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (n *NATS) ZRem(ctx context.Context, set string, members ...string) error {
	for _, member := range members {
		_, rev, err := n.zKeys(set, member, 0)
		if err != nil {
			return err
		}
		entry, err := n.kv.Get(ctx, rev)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("nats zrem %s: %w", set, err)
		}
		score, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err == nil {
			fwd, _, _ := n.zKeys(set, member, score)
			if err := n.kv.Delete(ctx, fwd); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("nats zrem %s: %w", set, err)
			}
		}
		if err := n.kv.Delete(ctx, rev); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("nats zrem %s: %w", set, err)
		}
	}
	return nil
}

func (n *NATS) ZCard(ctx context.Context, set string) (int64, error) {
	s, err := encodeKey(set)
	if err != nil {
		return 0, err
	}
	keys, err := n.listKeys(ctx, zrPrefix+s+".>")
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (n *NATS) Ping(ctx context.Context) error {
	_, err := n.kv.Status(ctx)
	return err
}

// Close is a no-op; the owning connection is closed by the caller.
func (n *NATS) Close() error { return nil }
