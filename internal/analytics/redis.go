// Package analytics keeps windowed per-template run-outcome counters in
// Redis. The counters are best-effort operational data: every write path
// treats a failure as loggable, never as a reason to fail a run.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/playbooklabs/playbook/internal/domain"
)

// DefaultRetention is how long outcome counters survive without writes.
const DefaultRetention = 30 * 24 * time.Hour

// RedisSink writes run-outcome counters to Redis.
type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	clock     func() time.Time
}

// NewRedisSink creates a sink with the given counter retention.
// A non-positive retention falls back to DefaultRetention.
func NewRedisSink(client *redis.Client, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{
		client:    client,
		retention: retention,
		clock:     time.Now,
	}
}

// RecordRunOutcome increments the hourly counter for one run outcome and
// refreshes its retention.
func (s *RedisSink) RecordRunOutcome(ctx context.Context, workspaceID, templateID uuid.UUID, status domain.RunStatus) error {
	key := runKey(workspaceID, templateID, status, s.clock())

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// RunCounts sums the counters for one outcome over the trailing N hours,
// current hour included.
func (s *RedisSink) RunCounts(ctx context.Context, workspaceID, templateID uuid.UUID, status domain.RunStatus, hours int) (int64, error) {
	if hours < 1 {
		hours = 1
	}
	now := s.clock()
	keys := make([]string, 0, hours)
	for i := 0; i < hours; i++ {
		keys = append(keys, runKey(workspaceID, templateID, status, now.Add(-time.Duration(i)*time.Hour)))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis mget: %w", err)
	}

	var total int64
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var n int64
		if _, err := fmt.Sscan(str, &n); err == nil {
			total += n
		}
	}
	return total, nil
}

func runKey(workspaceID, templateID uuid.UUID, status domain.RunStatus, t time.Time) string {
	return fmt.Sprintf("ws:%s:tpl:%s:runs:%s:%s", workspaceID, templateID, status, hourBucket(t))
}

// hourBucket truncates to the hour, UTC.
func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
