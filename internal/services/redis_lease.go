package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fairplay-backend/internal/models"
)

// RedisLease keeps one key per game type holding the owner's instance ID.
// The key expires after ttl unless renewed, so a crashed owner's games pass
// to the next instance that asks.
type RedisLease struct {
	redis *RedisService
	owner string
	ttl   time.Duration
}

func NewRedisLease(redis *RedisService, owner string, ttl time.Duration) *RedisLease {
	return &RedisLease{redis: redis, owner: owner, ttl: ttl}
}

func (l *RedisLease) Owner() string {
	return l.owner
}

func (l *RedisLease) Acquire(ctx context.Context, gameType models.GameType) (bool, error) {
	key := fmt.Sprintf(KeyGameLease, gameType)
	ok, err := l.redis.client.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %v", err)
	}
	if ok {
		return true, nil
	}
	// Still ours from before a restart with the same instance ID.
	return l.Renew(ctx, gameType)
}

func (l *RedisLease) Renew(ctx context.Context, gameType models.GameType) (bool, error) {
	key := fmt.Sprintf(KeyGameLease, gameType)

	var held bool
	txf := func(tx *redis.Tx) error {
		held = false
		mine, err := l.ownedBy(ctx, tx, key)
		if err != nil || !mine {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.PExpire(ctx, key, l.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		held = true
		return nil
	}

	if err := l.redis.watchRetry(ctx, txf, "lease renewal", key); err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return held, nil
}

// Release deletes the lease only while this instance still owns it.
func (l *RedisLease) Release(ctx context.Context, gameType models.GameType) error {
	key := fmt.Sprintf(KeyGameLease, gameType)

	txf := func(tx *redis.Tx) error {
		mine, err := l.ownedBy(ctx, tx, key)
		if err != nil || !mine {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	if err := l.redis.watchRetry(ctx, txf, "lease release", key); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (l *RedisLease) ownedBy(ctx context.Context, tx *redis.Tx, key string) (bool, error) {
	owner, err := tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == l.owner, nil
}
