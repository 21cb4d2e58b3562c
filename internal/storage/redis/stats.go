// Package redis keeps per-slot allocation outcome counters in Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cimillas/impftermin/internal/app"
	"github.com/redis/go-redis/v9"
)

// StatsStore counts booking protocol outcomes per slot. The cumulative
// slot hash never expires; per-minute buckets expire after ttl.
type StatsStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type StatsOption func(*StatsStore)

func WithStatsPrefix(prefix string) StatsOption {
	return func(s *StatsStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithStatsTTL(d time.Duration) StatsOption {
	return func(s *StatsStore) { s.ttl = d }
}

func NewStatsStore(rdb redis.UniversalClient, opts ...StatsOption) *StatsStore {
	s := &StatsStore{
		rdb:    rdb,
		prefix: "impftermin:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StatsStore) slotKey(slotID string) string {
	return s.prefix + ":slot:" + slotID
}

func (s *StatsStore) minuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

// Record implements app.StatsRecorder.
func (s *StatsStore) Record(ctx context.Context, ev app.AllocationEvent) error {
	if s == nil || s.rdb == nil || ev.SlotID == "" {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := ev.Operation + ":" + ev.Outcome

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.slotKey(ev.SlotID), field, 1)
	if ev.Class != "" {
		pipe.HIncrBy(ctx, s.slotKey(ev.SlotID), string(ev.Class)+":"+field, 1)
	}

	bucket := s.minuteKey(at)
	pipe.HIncrBy(ctx, bucket, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucket, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record stats: %w", err)
	}
	return nil
}

// SlotCounts returns the cumulative counters of a slot keyed by
// "<operation>:<outcome>" and "<class>:<operation>:<outcome>".
func (s *StatsStore) SlotCounts(ctx context.Context, slotID string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, s.slotKey(slotID)).Result()
	if err != nil {
		return nil, fmt.Errorf("slot stats: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("slot stats field %s: %w", field, err)
		}
		out[field] = n
	}
	return out, nil
}

func (s *StatsStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
