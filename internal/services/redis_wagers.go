package services

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"fairplay-backend/internal/models"
)

const (
	fieldWagered         = "wagered"
	fieldWon             = "won"
	fieldBets            = "bets"
	fieldDeposited       = "deposited"
	fieldRakebackClaimed = "rakeback_claimed"
	fieldWagerLimit      = "wager_limit"
)

// Money is stored as integer cents so HINCRBY keeps totals exact.
func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func (s *RedisService) RecordWager(ctx context.Context, playerID string, amount decimal.Decimal) error {
	key := fmt.Sprintf(KeyWagers, playerID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldWagered, toCents(amount))
		pipe.HIncrBy(ctx, key, fieldBets, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record wager: %v", err)
	}
	return nil
}

func (s *RedisService) RecordWin(ctx context.Context, playerID string, amount decimal.Decimal) error {
	return s.incrWagerField(ctx, playerID, fieldWon, toCents(amount))
}

func (s *RedisService) RecordRefund(ctx context.Context, playerID string, amount decimal.Decimal) error {
	key := fmt.Sprintf(KeyWagers, playerID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldWagered, -toCents(amount))
		pipe.HIncrBy(ctx, key, fieldBets, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record refund: %v", err)
	}
	return nil
}

func (s *RedisService) RecordDeposit(ctx context.Context, playerID string, amount decimal.Decimal) error {
	return s.incrWagerField(ctx, playerID, fieldDeposited, toCents(amount))
}

func (s *RedisService) SetWagerLimit(ctx context.Context, playerID string, limit decimal.Decimal) error {
	if err := s.client.HSet(ctx, fmt.Sprintf(KeyWagers, playerID), fieldWagerLimit, toCents(limit)).Err(); err != nil {
		return fmt.Errorf("failed to set wager limit: %v", err)
	}
	return nil
}

func (s *RedisService) Stats(ctx context.Context, playerID string) (models.PlayerStats, error) {
	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(KeyWagers, playerID)).Result()
	if err != nil {
		return models.PlayerStats{}, fmt.Errorf("failed to get wager stats: %v", err)
	}
	return decodeStats(playerID, fields)
}

// ClaimRakeback watches the player's totals so a concurrent wager or claim
// makes it recompute from fresh values.
func (s *RedisService) ClaimRakeback(ctx context.Context, playerID string, claim func(models.PlayerStats) decimal.Decimal) (decimal.Decimal, error) {
	key := fmt.Sprintf(KeyWagers, playerID)

	var claimed decimal.Decimal
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to get wager stats: %v", err)
		}
		stats, err := decodeStats(playerID, fields)
		if err != nil {
			return err
		}

		amount := claim(stats)
		if !amount.IsPositive() {
			claimed = decimal.Zero
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, fieldRakebackClaimed, toCents(amount))
			return nil
		})
		if err != nil {
			return err
		}
		claimed = amount
		return nil
	}

	if err := s.watchRetry(ctx, txf, "rakeback claim", key); err != nil {
		return decimal.Zero, err
	}
	return claimed, nil
}

func (s *RedisService) ReturnRakeback(ctx context.Context, playerID string, amount decimal.Decimal) error {
	return s.incrWagerField(ctx, playerID, fieldRakebackClaimed, -toCents(amount))
}

func (s *RedisService) incrWagerField(ctx context.Context, playerID, field string, delta int64) error {
	if err := s.client.HIncrBy(ctx, fmt.Sprintf(KeyWagers, playerID), field, delta).Err(); err != nil {
		return fmt.Errorf("failed to update %s: %v", field, err)
	}
	return nil
}

func decodeStats(playerID string, fields map[string]string) (models.PlayerStats, error) {
	cents := make(map[string]int64, len(fields))
	for name, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return models.PlayerStats{}, fmt.Errorf("invalid wager field %s=%q: %v", name, raw, err)
		}
		cents[name] = n
	}

	return models.PlayerStats{
		PlayerID:        playerID,
		TotalWagered:    fromCents(cents[fieldWagered]),
		TotalWon:        fromCents(cents[fieldWon]),
		BetCount:        cents[fieldBets],
		TotalDeposited:  fromCents(cents[fieldDeposited]),
		RakebackClaimed: fromCents(cents[fieldRakebackClaimed]),
		WagerLimit:      fromCents(cents[fieldWagerLimit]),
	}, nil
}
