package stats

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists admission aggregates to Redis hashes. Totals are
// cumulative; per-minute buckets and per-key hashes carry a TTL so idle
// flows do not leak keys.
type RedisStore struct {
	rdb *redis.Client

	prefix    string
	ttl       time.Duration
	trackKeys bool
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// WithTrackKeys enables per-client hashes. Off by default: client keys are
// unbounded-cardinality and can flood the keyspace.
func WithTrackKeys(track bool) RedisOption {
	return func(s *RedisStore) { s.trackKeys = track }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "flowgate:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	flow := strings.TrimSpace(ev.Flow)
	if flow == "" {
		flow = "unknown"
	}

	totalKey := s.prefix + ":flow:" + flow

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, "admissions", 1)
	pipe.HIncrBy(ctx, totalKey, "cost", ev.Cost)
	pipe.HIncrBy(ctx, totalKey, "wait_ms", ev.Wait.Milliseconds())

	bucketKey := s.prefix + ":minute:" + at.UTC().Format("200601021504")
	pipe.HIncrBy(ctx, bucketKey, flow, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if s.trackKeys {
		if k := strings.TrimSpace(ev.Key); k != "" {
			keyKey := s.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, flow, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
