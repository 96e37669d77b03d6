package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	blacklistPrefix = "gatekeeper:blacklist:"
	failurePrefix   = "gatekeeper:failures:"
	requestPrefix   = "gatekeeper:reqs:"
	historyPrefix   = "gatekeeper:history:"
)

// RedisBlacklist shares the blacklist across gateway instances. Entries
// carry their own TTL on the Redis side, so expiry needs no sweeper.
type RedisBlacklist struct {
	client goredis.UniversalClient
}

// NewRedisBlacklist creates a Redis-backed blacklist store.
func NewRedisBlacklist(client goredis.UniversalClient) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

func (r *RedisBlacklist) Get(ctx context.Context, ip string) (*BlacklistEntry, error) {
	data, err := r.client.Get(ctx, blacklistPrefix+ip).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var entry BlacklistEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("%w: corrupt entry: %v", ErrStoreUnavailable, err)
	}
	return &entry, nil
}

func (r *RedisBlacklist) Put(ctx context.Context, entry BlacklistEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = time.Until(*entry.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	if err := r.client.Set(ctx, blacklistPrefix+entry.IP, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisBlacklist) Delete(ctx context.Context, ip string) error {
	if err := r.client.Del(ctx, blacklistPrefix+ip).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisBlacklist) List(ctx context.Context) ([]BlacklistEntry, error) {
	var entries []BlacklistEntry
	iter := r.client.Scan(ctx, 0, blacklistPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var entry BlacklistEntry
		if json.Unmarshal([]byte(data), &entry) == nil {
			entries = append(entries, entry)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return entries, nil
}

// Compact is a no-op for Redis: per-key TTLs already bound memory.
func (r *RedisBlacklist) Compact(context.Context, time.Time) (int, error) {
	return 0, nil
}

// RedisAttempts shares failure windows and request counters across
// instances. Failure windows are sorted sets scored by timestamp; the
// prune-then-count sequence runs atomically in a pipeline.
type RedisAttempts struct {
	client goredis.UniversalClient
}

// NewRedisAttempts creates a Redis-backed attempt store.
func NewRedisAttempts(client goredis.UniversalClient) *RedisAttempts {
	return &RedisAttempts{client: client}
}

func (r *RedisAttempts) AddFailure(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	redisKey := failurePrefix + key
	cutoff := now.Add(-window)

	var card *goredis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
		pipe.ZAdd(ctx, redisKey, goredis.Z{
			Score:  float64(now.UnixNano()),
			Member: strconv.FormatInt(now.UnixNano(), 10),
		})
		pipe.Expire(ctx, redisKey, 2*window)
		card = pipe.ZCard(ctx, redisKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(card.Val()), nil
}

func (r *RedisAttempts) ClearFailures(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, failurePrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisAttempts) IncrRequests(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, error) {
	redisKey := requestPrefix + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	var count *goredis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		count = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, 2*window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count.Val(), nil
}

// Compact is a no-op for Redis: per-key TTLs already bound memory.
func (r *RedisAttempts) Compact(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

// RedisHistory shares account login history across instances.
type RedisHistory struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewRedisHistory creates a Redis-backed history store. History entries
// expire after ttl of account inactivity (0 means keep forever).
func NewRedisHistory(client goredis.UniversalClient, ttl time.Duration) *RedisHistory {
	return &RedisHistory{client: client, ttl: ttl}
}

func (r *RedisHistory) GetHistory(ctx context.Context, account string) (*AccountHistory, error) {
	data, err := r.client.Get(ctx, historyPrefix+account).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var h AccountHistory
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, fmt.Errorf("%w: corrupt history: %v", ErrStoreUnavailable, err)
	}
	return &h, nil
}

func (r *RedisHistory) PutHistory(ctx context.Context, account string, h AccountHistory) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, historyPrefix+account, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
