package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

func (s *RedisService) SaveRound(ctx context.Context, round *models.Round) error {
	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("failed to marshal round: %v", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueRound(ctx, pipe, round, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save round: %v", err)
	}
	return nil
}

func (s *RedisService) SaveBet(ctx context.Context, bet *models.Bet) error {
	data, err := json.Marshal(bet)
	if err != nil {
		return fmt.Errorf("failed to marshal bet: %v", err)
	}

	if err := s.client.RPush(ctx, fmt.Sprintf(KeyRoundBets, bet.RoundID), data).Err(); err != nil {
		return fmt.Errorf("failed to save bet: %v", err)
	}
	return nil
}

// DeleteBet removes the list element SaveBet wrote. Bets marshal
// deterministically, so the same bytes identify it.
func (s *RedisService) DeleteBet(ctx context.Context, bet *models.Bet) error {
	data, err := json.Marshal(bet)
	if err != nil {
		return fmt.Errorf("failed to marshal bet: %v", err)
	}

	if err := s.client.LRem(ctx, fmt.Sprintf(KeyRoundBets, bet.RoundID), 1, data).Err(); err != nil {
		return fmt.Errorf("failed to delete bet: %v", err)
	}
	return nil
}

func (s *RedisService) SaveRecord(ctx context.Context, round *models.Round, bets []*models.Bet) error {
	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("failed to marshal round: %v", err)
	}

	encoded := make([]interface{}, 0, len(bets))
	for _, bet := range bets {
		b, err := json.Marshal(bet)
		if err != nil {
			return fmt.Errorf("failed to marshal bet: %v", err)
		}
		encoded = append(encoded, b)
	}

	betsKey := fmt.Sprintf(KeyRoundBets, round.ID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueRound(ctx, pipe, round, data)
		pipe.Del(ctx, betsKey)
		if len(encoded) > 0 {
			pipe.RPush(ctx, betsKey, encoded...)
		}
		if round.Status.Final() {
			pipe.Expire(ctx, betsKey, TTLRound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save round record: %v", err)
	}
	return nil
}

func (s *RedisService) GetRound(ctx context.Context, roundID string) (*models.RoundRecord, error) {
	round, err := s.getRound(ctx, roundID)
	if err != nil {
		return nil, err
	}

	bets, err := s.getBets(ctx, roundID)
	if err != nil {
		return nil, err
	}
	return &models.RoundRecord{Round: round, Bets: bets}, nil
}

func (s *RedisService) History(ctx context.Context, gameType models.GameType, limit int) ([]*models.Round, error) {
	ids, err := s.client.ZRevRange(ctx, fmt.Sprintf(KeyRoundHistory, gameType), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get round history: %v", err)
	}

	rounds := make([]*models.Round, 0, len(ids))
	for _, id := range ids {
		round, err := s.getRound(ctx, id)
		if err != nil {
			// Expired rounds drop out of the listing.
			continue
		}
		rounds = append(rounds, round)
	}
	return rounds, nil
}

func (s *RedisService) OpenRounds(ctx context.Context) ([]*models.RoundRecord, error) {
	ids, err := s.client.SMembers(ctx, KeyRoundsOpen).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list open rounds: %v", err)
	}

	records := make([]*models.RoundRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.GetRound(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Round.CreatedAt.Before(records[j].Round.CreatedAt)
	})
	return records, nil
}

func (s *RedisService) queueRound(ctx context.Context, pipe redis.Pipeliner, round *models.Round, data []byte) {
	key := fmt.Sprintf(KeyRound, round.ID)

	if !round.Status.Final() {
		pipe.Set(ctx, key, data, 0)
		pipe.SAdd(ctx, KeyRoundsOpen, round.ID)
		return
	}

	historyKey := fmt.Sprintf(KeyRoundHistory, round.GameType)
	pipe.Set(ctx, key, data, TTLRound)
	pipe.SRem(ctx, KeyRoundsOpen, round.ID)
	pipe.ZAdd(ctx, historyKey, redis.Z{
		Score:  float64(closedAt(round).UnixMilli()),
		Member: round.ID,
	})
	pipe.ZRemRangeByRank(ctx, historyKey, 0, -MaxHistoryEntries-1)
}

func (s *RedisService) getRound(ctx context.Context, roundID string) (*models.Round, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyRound, roundID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.New(apperrors.CodeRoundNotFound, "round not found: "+roundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %v", err)
	}

	var round models.Round
	if err := json.Unmarshal([]byte(data), &round); err != nil {
		return nil, fmt.Errorf("failed to unmarshal round: %v", err)
	}
	return &round, nil
}

func (s *RedisService) getBets(ctx context.Context, roundID string) ([]*models.Bet, error) {
	raw, err := s.client.LRange(ctx, fmt.Sprintf(KeyRoundBets, roundID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bets: %v", err)
	}

	bets := make([]*models.Bet, 0, len(raw))
	for _, data := range raw {
		var bet models.Bet
		if err := json.Unmarshal([]byte(data), &bet); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bet: %v", err)
		}
		bets = append(bets, &bet)
	}
	return bets, nil
}

// closedAt is when a finished round left the live set.
func closedAt(round *models.Round) time.Time {
	if round.SettledAt != nil {
		return *round.SettledAt
	}
	return round.CreatedAt
}
