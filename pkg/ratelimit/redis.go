package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrContention is returned when an optimistic Redis transaction keeps
// losing the race on a single key.
var ErrContention = errors.New("ratelimit: too much contention on key")

// RedisStore shares limiter state between instances. Each key is a hash with
// count, reset_at and blocked_until (unix ms); Redis expires it once both the
// window and the block are over, so Sweep has nothing to do.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix, maxRetries: 16}
}

func (r *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.prefix+key).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	return decodeEntry(vals)
}

// Update runs fn inside a WATCH/MULTI transaction; fn may run more than once.
func (r *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (Entry, error) {
	k := r.prefix + key
	var out Entry

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		cur, exists, err := decodeEntry(vals)
		if err != nil {
			return err
		}

		next, keep := fn(cur, exists)
		out = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !keep {
				pipe.Del(ctx, k)
				return nil
			}
			pipe.HSet(ctx, k,
				"count", next.Count,
				"reset_at", unixMilli(next.ResetAt),
				"blocked_until", unixMilli(next.BlockedUntil),
			)
			pipe.PExpireAt(ctx, k, expiry(next))
			return nil
		})
		return err
	}

	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Entry{}, fmt.Errorf("redis update %s: %w", key, err)
	}
	return Entry{}, ErrContention
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func decodeEntry(vals map[string]string) (Entry, bool, error) {
	if len(vals) == 0 {
		return Entry{}, false, nil
	}
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode count: %w", err)
	}
	reset, err := parseMilli(vals["reset_at"])
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode reset_at: %w", err)
	}
	blocked, err := parseMilli(vals["blocked_until"])
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode blocked_until: %w", err)
	}
	return Entry{Count: count, ResetAt: reset, BlockedUntil: blocked}, true, nil
}

func parseMilli(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func expiry(e Entry) time.Time {
	if e.BlockedUntil.After(e.ResetAt) {
		return e.BlockedUntil
	}
	return e.ResetAt
}
