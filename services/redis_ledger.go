package services

import (
	"context"
	"fmt"
	"time"

	"gift-battle-engine/models"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const ledgerKeyPrefix = "giftbattle:event:"

// RedisLedger keeps idempotency fingerprints as expiring Redis keys.
type RedisLedger struct {
	client *redis.Client
	clock  clockwork.Clock
}

func NewRedisLedger(client *redis.Client, clock clockwork.Clock) *RedisLedger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisLedger{client: client, clock: clock}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (l *RedisLedger) IsEventProcessed(ctx context.Context, fingerprint string) (bool, error) {
	n, err := l.client.Exists(ctx, ledgerKeyPrefix+fingerprint).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) MarkEventProcessed(ctx context.Context, ev models.ProcessedEvent) error {
	ttl := ev.ExpiresAt.Sub(l.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	err := l.client.SetNX(ctx, ledgerKeyPrefix+ev.Fingerprint, ev.MatchID+"|"+ev.PlayerID, ttl).Err()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

func (l *RedisLedger) ReleaseEvent(ctx context.Context, fingerprint string) error {
	if err := l.client.Del(ctx, ledgerKeyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// PurgeExpiredEvents is a no-op: Redis expires the keys itself.
func (l *RedisLedger) PurgeExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
