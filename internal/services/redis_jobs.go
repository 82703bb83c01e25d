package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func (s *RedisService) SaveJob(ctx context.Context, key string, due time.Time) error {
	err := s.client.ZAdd(ctx, KeyJobs, redis.Z{Score: float64(due.UnixMilli()), Member: key}).Err()
	if err != nil {
		return fmt.Errorf("failed to save job: %v", err)
	}
	return nil
}

func (s *RedisService) DeleteJob(ctx context.Context, key string) error {
	if err := s.client.ZRem(ctx, KeyJobs, key).Err(); err != nil {
		return fmt.Errorf("failed to delete job: %v", err)
	}
	return nil
}

func (s *RedisService) Jobs(ctx context.Context) (map[string]time.Time, error) {
	due, err := s.client.ZRangeWithScores(ctx, KeyJobs, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %v", err)
	}

	out := make(map[string]time.Time, len(due))
	for _, z := range due {
		key, ok := z.Member.(string)
		if !ok {
			continue
		}
		out[key] = time.UnixMilli(int64(z.Score))
	}
	return out, nil
}
