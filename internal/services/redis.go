package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fairplay-backend/internal/config"
)

// RedisService is the Redis-backed persistence layer: ledger store, round
// repository, rate limiter and round event fan-out.
type RedisService struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisService(cfg *config.Config) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}

	return NewRedisServiceWithClient(client), nil
}

func NewRedisServiceWithClient(client *redis.Client) *RedisService {
	return &RedisService{
		client: client,
		now:    time.Now,
	}
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// Allow counts one action against a fixed window and reports whether the
// caller is still within limit.
func (s *RedisService) Allow(ctx context.Context, subject, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, subject, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %v", err)
	}

	if count == 1 {
		s.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}
