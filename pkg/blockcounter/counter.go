// Package blockcounter maintains time-bucketed BLOCK counts per rule and
// pseudonymous org/repo, feeding the circuit breaker. Buckets are keyed by
// (ruleId, orgRepoHash, hour) and expire after a retention window so the
// counter self-heals.
package blockcounter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultRetention is how long buckets live before TTL eviction.
const DefaultRetention = 24 * time.Hour

// Counter is the block-counter capability. Increments are atomic adds; reads
// never read-modify-write.
type Counter interface {
	// Increment atomically adds one to the current hour bucket, setting the
	// TTL on first write.
	Increment(ctx context.Context, ruleID, orgRepoHash string) error

	// GetCount reads the current hour bucket.
	GetCount(ctx context.Context, ruleID, orgRepoHash string) (int64, error)

	// SumLastN sums the buckets for the last n consecutive hours, including
	// the current one.
	SumLastN(ctx context.Context, ruleID, orgRepoHash string, hours int) (int64, error)
}

// BucketKey renders the stable composite key {ruleId}#{orgRepoHash}#{YYYY-MM-DD-HH}.
func BucketKey(ruleID, orgRepoHash string, hour time.Time) string {
	return fmt.Sprintf("%s#%s#%s", ruleID, orgRepoHash, hour.UTC().Format("2006-01-02-15"))
}

// MemoryCounter is an in-memory Counter for local mode and tests.
type MemoryCounter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	retention time.Duration
	clock     func() time.Time
}

type bucket struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		buckets:   make(map[string]*bucket),
		retention: DefaultRetention,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *MemoryCounter) WithClock(clock func() time.Time) *MemoryCounter {
	c.clock = clock
	return c
}

// WithRetention overrides the bucket TTL.
func (c *MemoryCounter) WithRetention(d time.Duration) *MemoryCounter {
	c.retention = d
	return c
}

// Increment adds one to the current hour bucket.
func (c *MemoryCounter) Increment(_ context.Context, ruleID, orgRepoHash string) error {
	now := c.clock()
	key := BucketKey(ruleID, orgRepoHash, now.Truncate(time.Hour))

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok || !now.Before(b.expiresAt) {
		b = &bucket{expiresAt: now.Add(c.retention)}
		c.buckets[key] = b
	}
	b.count++
	return nil
}

// GetCount reads the current hour bucket.
func (c *MemoryCounter) GetCount(_ context.Context, ruleID, orgRepoHash string) (int64, error) {
	now := c.clock()
	return c.read(BucketKey(ruleID, orgRepoHash, now.Truncate(time.Hour)), now), nil
}

// SumLastN sums the last n hourly buckets including the current one.
func (c *MemoryCounter) SumLastN(_ context.Context, ruleID, orgRepoHash string, hours int) (int64, error) {
	now := c.clock()
	hour := now.Truncate(time.Hour)

	var sum int64
	for i := 0; i < hours; i++ {
		sum += c.read(BucketKey(ruleID, orgRepoHash, hour.Add(-time.Duration(i)*time.Hour)), now)
	}
	return sum, nil
}

func (c *MemoryCounter) read(key string, now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok || !now.Before(b.expiresAt) {
		return 0
	}
	return b.count
}
