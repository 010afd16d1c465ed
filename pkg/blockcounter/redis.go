package blockcounter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisIncrScript increments a bucket and sets its TTL only on first write,
// so the expiry anchors to the bucket's creation, not its last increment.
// KEYS[1] = bucket key
// ARGV[1] = ttl seconds
var redisIncrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// RedisCounter implements Counter over Redis with atomic increments.
type RedisCounter struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
	clock     func() time.Time
}

// NewRedisCounter creates a counter backed by Redis.
func NewRedisCounter(addr, password string, db int) *RedisCounter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCounter{
		client:    rdb,
		keyPrefix: "blockcounter:",
		retention: DefaultRetention,
		clock:     time.Now,
	}
}

// NewRedisCounterFromClient wraps an existing client, for shared pools.
func NewRedisCounterFromClient(client *redis.Client) *RedisCounter {
	return &RedisCounter{
		client:    client,
		keyPrefix: "blockcounter:",
		retention: DefaultRetention,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *RedisCounter) WithClock(clock func() time.Time) *RedisCounter {
	c.clock = clock
	return c
}

// Increment atomically adds one to the current hour bucket.
func (c *RedisCounter) Increment(ctx context.Context, ruleID, orgRepoHash string) error {
	key := c.keyPrefix + BucketKey(ruleID, orgRepoHash, c.clock().Truncate(time.Hour))
	ttl := int64(c.retention / time.Second)

	if err := redisIncrScript.Run(ctx, c.client, []string{key}, ttl).Err(); err != nil {
		return fmt.Errorf("blockcounter: increment %s: %w", key, err)
	}
	return nil
}

// GetCount reads the current hour bucket.
func (c *RedisCounter) GetCount(ctx context.Context, ruleID, orgRepoHash string) (int64, error) {
	key := c.keyPrefix + BucketKey(ruleID, orgRepoHash, c.clock().Truncate(time.Hour))

	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("blockcounter: get %s: %w", key, err)
	}
	return n, nil
}

// SumLastN sums the last n hourly buckets with a single MGET.
func (c *RedisCounter) SumLastN(ctx context.Context, ruleID, orgRepoHash string, hours int) (int64, error) {
	hour := c.clock().Truncate(time.Hour)
	keys := make([]string, 0, hours)
	for i := 0; i < hours; i++ {
		keys = append(keys, c.keyPrefix+BucketKey(ruleID, orgRepoHash, hour.Add(-time.Duration(i)*time.Hour)))
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("blockcounter: mget %d buckets for %s: %w", hours, ruleID, err)
	}

	var sum int64
	for _, v := range values {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			sum += n
		}
	}
	return sum, nil
}

var _ Counter = (*RedisCounter)(nil)
var _ Counter = (*MemoryCounter)(nil)
