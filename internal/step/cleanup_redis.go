package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPurger treats a cleanup target as a sorted set whose members are item
// keys scored by their unix creation time. Purging deletes the item keys and
// removes them from the index.
type RedisPurger struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewRedisPurger creates a purger over client.
func NewRedisPurger(client redis.Cmdable) *RedisPurger {
	return &RedisPurger{client: client, now: time.Now}
}

// Purge implements Purger. Freed bytes are the string lengths of the deleted
// item keys.
func (p *RedisPurger) Purge(ctx context.Context, target string, policy CleanupPolicy) (PurgeStats, error) {
	// Newest first so rank lines up with KeepLatest.
	members, err := p.client.ZRevRangeWithScores(ctx, target, 0, -1).Result()
	if err != nil {
		return PurgeStats{}, fmt.Errorf("read index %s: %w", target, err)
	}

	now := p.now()
	var expired []string
	for rank, m := range members {
		key, ok := m.Member.(string)
		if !ok {
			continue
		}
		if policy.expired(rank, time.Unix(int64(m.Score), 0), now) {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		return PurgeStats{}, nil
	}

	sizes := make([]*redis.IntCmd, len(expired))
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range expired {
			sizes[i] = pipe.StrLen(ctx, key)
		}
		return nil
	})
	// Non-string items answer STRLEN with WRONGTYPE and count as zero bytes.
	var rerr redis.Error
	if err != nil && !errors.As(err, &rerr) {
		return PurgeStats{}, fmt.Errorf("measure items: %w", err)
	}

	var stats PurgeStats
	for _, c := range sizes {
		if c.Err() == nil {
			stats.Bytes += c.Val()
		}
	}

	indexed := make([]any, len(expired))
	for i, key := range expired {
		indexed[i] = key
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, expired...)
		pipe.ZRem(ctx, target, indexed...)
		return nil
	})
	if err != nil {
		return PurgeStats{}, fmt.Errorf("delete items: %w", err)
	}
	stats.Items = int64(len(expired))
	return stats, nil
}

// HealthCheck pings Redis.
func (p *RedisPurger) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
