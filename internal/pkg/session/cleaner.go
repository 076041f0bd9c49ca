package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cleaner prunes subject session indexes whose members have TTL-expired out
// of the store. Redis expires the session blobs natively; the SET indexing
// them has no TTL of its own, so stale ids accumulate there until swept.
//
// Run as an explicit, independently cancellable task, not an implicit timer.
type Cleaner struct {
	client   redis.UniversalClient
	prefix   string
	interval time.Duration
	logger   *zap.Logger
}

func NewCleaner(client redis.UniversalClient, prefix string, interval time.Duration, logger *zap.Logger) *Cleaner {
	if prefix == "" {
		prefix = "sess"
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Cleaner{client: client, prefix: prefix, interval: interval, logger: logger}
}

// Run sweeps on a ticker until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Warn("session index sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				c.logger.Info("pruned stale session index entries", zap.Int("removed", removed))
			}
		}
	}
}

// Sweep scans every subject index and removes ids whose session key no longer
// exists. Returns the number of pruned entries.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	var removed int

	iter := c.client.Scan(ctx, 0, c.prefix+":idx:*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()

		ids, err := c.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return removed, err
		}
		if len(ids) == 0 {
			continue
		}

		pipe := c.client.Pipeline()
		exists := make([]*redis.IntCmd, len(ids))
		for i, id := range ids {
			exists[i] = pipe.Exists(ctx, c.prefix+":"+id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}

		var stale []interface{}
		for i, cmd := range exists {
			if cmd.Val() == 0 {
				stale = append(stale, ids[i])
			}
		}
		if len(stale) == 0 {
			continue
		}

		if err := c.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			return removed, err
		}
		removed += len(stale)
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}

	return removed, nil
}
