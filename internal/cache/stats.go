package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

var (
	ErrCacheMiss = errors.New("cache miss")
	// ErrStaleGeneration is returned by Set when the cache was invalidated
	// after the caller read its generation.
	ErrStaleGeneration = errors.New("stats cache invalidated since generation was read")
)

const (
	statsKey      = "bookstore:orders:stats"
	generationKey = "bookstore:orders:stats:generation"
)

// StatsCache holds the last computed dashboard statistics. Entries live for
// at most ttl and never outlive the calendar month they were computed in.
//
// Every Invalidate bumps a generation counter. Callers read the generation
// before computing and hand it to Set, which stores nothing if an
// invalidation happened in between.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewStatsCache(client *redis.Client, ttl time.Duration) *StatsCache {
	return &StatsCache{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *StatsCache) Get(ctx context.Context) (domain.OrderStats, error) {
	data, err := c.client.Get(ctx, statsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.OrderStats{}, ErrCacheMiss
	}
	if err != nil {
		return domain.OrderStats{}, fmt.Errorf("redis get failed: %w", err)
	}

	var stats domain.OrderStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return domain.OrderStats{}, fmt.Errorf("unmarshal stats failed: %w", err)
	}
	return stats, nil
}

// Generation returns the current invalidation generation.
func (c *StatsCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

// Set stores stats computed at generation gen. It fails with
// ErrStaleGeneration if the generation moved on before the write commits.
func (c *StatsCache) Set(ctx context.Context, gen int64, stats domain.OrderStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats failed: %w", err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, generationKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get generation failed: %w", err)
		}
		if current != gen {
			return ErrStaleGeneration
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, statsKey, data, c.expiry())
			return nil
		})
		return err
	}, generationKey)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return ErrStaleGeneration
	case errors.Is(err, ErrStaleGeneration):
		return err
	case err != nil:
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached statistics and bumps the generation. Called
// after every order create, transition and payment.
func (c *StatsCache) Invalidate(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey)
		pipe.Del(ctx, statsKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

func (c *StatsCache) expiry() time.Duration {
	now := c.now()
	monthEnd := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	if untilMonthEnd := monthEnd.Sub(now); untilMonthEnd < c.ttl {
		return untilMonthEnd
	}
	return c.ttl
}
