package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fairplay-backend/internal/apperrors"
)

func (s *RedisService) SaveCoupon(ctx context.Context, coupon *Coupon) error {
	data, err := json.Marshal(coupon)
	if err != nil {
		return fmt.Errorf("failed to marshal coupon: %v", err)
	}
	if err := s.client.Set(ctx, fmt.Sprintf(KeyCoupon, coupon.Code), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save coupon: %v", err)
	}
	return nil
}

func (s *RedisService) GetCoupon(ctx context.Context, code string) (*Coupon, error) {
	return s.loadCoupon(ctx, s.client, code)
}

// ClaimCoupon watches the coupon and its claimer set, so two players racing
// for the last use cannot both win it.
func (s *RedisService) ClaimCoupon(ctx context.Context, code, accountID string) (*Coupon, error) {
	couponKey := fmt.Sprintf(KeyCoupon, code)
	claimersKey := fmt.Sprintf(KeyCouponClaimers, code)

	var out *Coupon
	txf := func(tx *redis.Tx) error {
		coupon, err := s.loadCoupon(ctx, tx, code)
		if err != nil {
			return err
		}
		if !coupon.Active {
			return couponNotFound(code)
		}
		claimed, err := tx.SIsMember(ctx, claimersKey, accountID).Result()
		if err != nil {
			return fmt.Errorf("failed to check coupon claimers: %v", err)
		}
		if claimed {
			return apperrors.New(apperrors.CodeCouponClaimed, "coupon already claimed")
		}

		coupon.claim()
		data, err := json.Marshal(coupon)
		if err != nil {
			return fmt.Errorf("failed to marshal coupon: %v", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, couponKey, data, 0)
			pipe.SAdd(ctx, claimersKey, accountID)
			return nil
		})
		if err != nil {
			return err
		}
		out = coupon
		return nil
	}

	if err := s.watchRetry(ctx, txf, "coupon claim", couponKey, claimersKey); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisService) ReleaseCoupon(ctx context.Context, code, accountID string) error {
	couponKey := fmt.Sprintf(KeyCoupon, code)
	claimersKey := fmt.Sprintf(KeyCouponClaimers, code)

	txf := func(tx *redis.Tx) error {
		claimed, err := tx.SIsMember(ctx, claimersKey, accountID).Result()
		if err != nil {
			return fmt.Errorf("failed to check coupon claimers: %v", err)
		}
		if !claimed {
			return nil
		}
		coupon, err := s.loadCoupon(ctx, tx, code)
		if err != nil {
			return err
		}

		coupon.release()
		data, err := json.Marshal(coupon)
		if err != nil {
			return fmt.Errorf("failed to marshal coupon: %v", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, couponKey, data, 0)
			pipe.SRem(ctx, claimersKey, accountID)
			return nil
		})
		return err
	}

	return s.watchRetry(ctx, txf, "coupon release", couponKey, claimersKey)
}

func (s *RedisService) SaveWithdrawal(ctx context.Context, w *Withdrawal) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal withdrawal: %v", err)
	}
	if err := s.client.Set(ctx, fmt.Sprintf(KeyWithdrawal, w.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save withdrawal: %v", err)
	}
	return nil
}

func (s *RedisService) DeleteWithdrawal(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, fmt.Sprintf(KeyWithdrawal, id)).Err(); err != nil {
		return fmt.Errorf("failed to delete withdrawal: %v", err)
	}
	return nil
}

func (s *RedisService) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return s.loadWithdrawal(ctx, s.client, id)
}

func (s *RedisService) TransitionWithdrawal(ctx context.Context, id, from, to string) (*Withdrawal, error) {
	key := fmt.Sprintf(KeyWithdrawal, id)

	var out *Withdrawal
	txf := func(tx *redis.Tx) error {
		w, err := s.loadWithdrawal(ctx, tx, id)
		if err != nil {
			return err
		}
		if w.Status != from {
			return withdrawalClosed(w)
		}

		w.Status = to
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("failed to marshal withdrawal: %v", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = w
		return nil
	}

	if err := s.watchRetry(ctx, txf, "withdrawal update", key); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisService) loadCoupon(ctx context.Context, c stringGetter, code string) (*Coupon, error) {
	data, err := c.Get(ctx, fmt.Sprintf(KeyCoupon, code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, couponNotFound(code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coupon: %v", err)
	}

	var coupon Coupon
	if err := json.Unmarshal([]byte(data), &coupon); err != nil {
		return nil, fmt.Errorf("failed to unmarshal coupon: %v", err)
	}
	return &coupon, nil
}

func (s *RedisService) loadWithdrawal(ctx context.Context, c stringGetter, id string) (*Withdrawal, error) {
	data, err := c.Get(ctx, fmt.Sprintf(KeyWithdrawal, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, withdrawalNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %v", err)
	}

	var w Withdrawal
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal withdrawal: %v", err)
	}
	return &w, nil
}

// watchRetry runs txf under WATCH, replaying it when a watched key changed
// before EXEC.
func (s *RedisService) watchRetry(ctx context.Context, txf func(tx *redis.Tx) error, what string, keys ...string) error {
	for attempt := 0; attempt < MaxLedgerTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return apperrors.New(apperrors.CodeConcurrencyConflict, what+" lost optimistic race")
}
