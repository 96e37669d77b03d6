package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// incrWithLimitScript performs the lazy window rollover and the bounded
// increment in one atomic step on the Redis side. Returns {count, applied}.
var incrWithLimitScript = goredis.NewScript(`
local window = ARGV[1]
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local stored = redis.call('HGET', KEYS[1], 'window')
if stored ~= window then
  redis.call('HSET', KEYS[1], 'window', window, 'count', 0)
end
redis.call('EXPIRE', KEYS[1], ttl)

local count = tonumber(redis.call('HGET', KEYS[1], 'count')) or 0
if count + 1 <= limit then
  redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {count + 1, 1}
end
return {count, 0}
`)

// RedisStore is a CounterStore backed by a shared Redis deployment,
// giving every gateway instance the same view of tenant counters.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client goredis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "gatekeeper:quota:"}
}

func (r *RedisStore) counterKey(tenantID string, kind WindowKind) string {
	return r.prefix + tenantID + ":" + string(kind)
}

func (r *RedisStore) storageKey(tenantID string) string {
	return r.prefix + tenantID + ":storage"
}

// keyTTL bounds counter lifetime past the window so stale windows vanish
// without a sweeper. Two full windows leaves room for clock skew.
func keyTTL(kind WindowKind, windowStart time.Time) time.Duration {
	return 2 * kind.Next(windowStart).Sub(windowStart)
}

func (r *RedisStore) IncrWithLimit(ctx context.Context, tenantID string, kind WindowKind, windowStart time.Time, limit int64) (int64, bool, error) {
	res, err := incrWithLimitScript.Run(ctx, r.client,
		[]string{r.counterKey(tenantID, kind)},
		strconv.FormatInt(windowStart.Unix(), 10),
		limit,
		int64(keyTTL(kind, windowStart).Seconds()),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: unexpected script reply", ErrBackendUnavailable)
	}
	return res[0], res[1] == 1, nil
}

func (r *RedisStore) SetStorage(ctx context.Context, tenantID string, gb float64) error {
	if err := r.client.Set(ctx, r.storageKey(tenantID), gb, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *RedisStore) GetStorage(ctx context.Context, tenantID string) (float64, error) {
	val, err := r.client.Get(ctx, r.storageKey(tenantID)).Float64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return val, nil
}

// Snapshot reads all three values in a single MULTI/EXEC so the usage
// report is one consistent point in time.
func (r *RedisStore) Snapshot(ctx context.Context, tenantID string, hourlyStart, monthlyStart time.Time) (Usage, error) {
	var hourly, monthly *goredis.SliceCmd
	var storage *goredis.StringCmd

	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		hourly = pipe.HMGet(ctx, r.counterKey(tenantID, WindowHourly), "window", "count")
		monthly = pipe.HMGet(ctx, r.counterKey(tenantID, WindowMonthly), "window", "count")
		storage = pipe.Get(ctx, r.storageKey(tenantID))
		return nil
	})
	if err != nil && err != goredis.Nil {
		return Usage{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	usage := Usage{HourlyStart: hourlyStart, MonthlyStart: monthlyStart}
	usage.Hourly = decodeCounter(hourly.Val(), hourlyStart)
	usage.Monthly = decodeCounter(monthly.Val(), monthlyStart)
	if gb, err := storage.Float64(); err == nil {
		usage.StorageGB = gb
	}
	return usage, nil
}

// decodeCounter interprets an HMGET {window, count} reply, treating a
// stale or missing window as zero usage.
func decodeCounter(vals []interface{}, windowStart time.Time) int64 {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0
	}
	window, _ := vals[0].(string)
	if window != strconv.FormatInt(windowStart.Unix(), 10) {
		return 0
	}
	count, _ := vals[1].(string)
	n, _ := strconv.ParseInt(count, 10, 64)
	return n
}
