package services

import (
	"context"
	"fmt"
	"sync"

	"fairplay-backend/internal/apperrors"
)

// CashierStore persists coupons, their claimers and withdrawals.
type CashierStore interface {
	// SaveCoupon creates or redefines a coupon. Existing claims are kept.
	SaveCoupon(ctx context.Context, coupon *Coupon) error
	GetCoupon(ctx context.Context, code string) (*Coupon, error)
	// ClaimCoupon records accountID as a claimer and counts one use, or
	// fails with COUPON_INVALID or COUPON_CLAIMED. The coupon deactivates
	// when its last use is claimed.
	ClaimCoupon(ctx context.Context, code, accountID string) (*Coupon, error)
	// ReleaseCoupon undoes a claim whose ledger credit failed.
	ReleaseCoupon(ctx context.Context, code, accountID string) error

	SaveWithdrawal(ctx context.Context, w *Withdrawal) error
	DeleteWithdrawal(ctx context.Context, id string) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	// TransitionWithdrawal moves a withdrawal from one status to another
	// and fails with WITHDRAWAL_CLOSED if it is not in from.
	TransitionWithdrawal(ctx context.Context, id, from, to string) (*Withdrawal, error)
}

type MemoryCashierStore struct {
	mu          sync.Mutex
	coupons     map[string]*Coupon
	claimers    map[string]map[string]struct{}
	withdrawals map[string]*Withdrawal
}

func NewMemoryCashierStore() *MemoryCashierStore {
	return &MemoryCashierStore{
		coupons:     make(map[string]*Coupon),
		claimers:    make(map[string]map[string]struct{}),
		withdrawals: make(map[string]*Withdrawal),
	}
}

func (s *MemoryCashierStore) SaveCoupon(ctx context.Context, coupon *Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *coupon
	s.coupons[coupon.Code] = &c
	return nil
}

func (s *MemoryCashierStore) GetCoupon(ctx context.Context, code string) (*Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[code]
	if !ok {
		return nil, couponNotFound(code)
	}
	out := *c
	return &out, nil
}

func (s *MemoryCashierStore) ClaimCoupon(ctx context.Context, code, accountID string) (*Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[code]
	if !ok || !c.Active {
		return nil, couponNotFound(code)
	}
	if _, claimed := s.claimers[code][accountID]; claimed {
		return nil, apperrors.New(apperrors.CodeCouponClaimed, "coupon already claimed")
	}

	if s.claimers[code] == nil {
		s.claimers[code] = make(map[string]struct{})
	}
	s.claimers[code][accountID] = struct{}{}
	c.claim()
	out := *c
	return &out, nil
}

func (s *MemoryCashierStore) ReleaseCoupon(ctx context.Context, code, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, claimed := s.claimers[code][accountID]; !claimed {
		return nil
	}
	delete(s.claimers[code], accountID)
	if c, ok := s.coupons[code]; ok {
		c.release()
	}
	return nil
}

func (s *MemoryCashierStore) SaveWithdrawal(ctx context.Context, w *Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *w
	s.withdrawals[w.ID] = &c
	return nil
}

func (s *MemoryCashierStore) DeleteWithdrawal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.withdrawals, id)
	return nil
}

func (s *MemoryCashierStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, withdrawalNotFound(id)
	}
	out := *w
	return &out, nil
}

func (s *MemoryCashierStore) TransitionWithdrawal(ctx context.Context, id, from, to string) (*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, withdrawalNotFound(id)
	}
	if w.Status != from {
		return nil, withdrawalClosed(w)
	}
	w.Status = to
	out := *w
	return &out, nil
}

func couponNotFound(code string) error {
	return apperrors.New(apperrors.CodeCouponInvalid, fmt.Sprintf("coupon %s not found or no longer active", code))
}

func withdrawalNotFound(id string) error {
	return apperrors.New(apperrors.CodeWithdrawalNotFound, "unknown withdrawal "+id)
}

func withdrawalClosed(w *Withdrawal) error {
	return apperrors.New(apperrors.CodeWithdrawalClosed, fmt.Sprintf("withdrawal %s is already %s", w.ID, w.Status))
}
