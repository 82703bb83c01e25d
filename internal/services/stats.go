package services

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/models"
)

// WagerStore keeps per-player wager, win and deposit totals. They gate
// withdrawals and accrue VIP rakeback.
type WagerStore interface {
	RecordWager(ctx context.Context, playerID string, amount decimal.Decimal) error
	RecordWin(ctx context.Context, playerID string, amount decimal.Decimal) error
	// RecordRefund reverses a wager from a cancelled round.
	RecordRefund(ctx context.Context, playerID string, amount decimal.Decimal) error
	RecordDeposit(ctx context.Context, playerID string, amount decimal.Decimal) error
	SetWagerLimit(ctx context.Context, playerID string, limit decimal.Decimal) error
	Stats(ctx context.Context, playerID string) (models.PlayerStats, error)

	// ClaimRakeback adds claim(stats) to the player's claimed rakeback as
	// one atomic step and returns the amount claimed. A non-positive claim
	// changes nothing.
	ClaimRakeback(ctx context.Context, playerID string, claim func(models.PlayerStats) decimal.Decimal) (decimal.Decimal, error)
	// ReturnRakeback undoes a claim whose ledger credit failed.
	ReturnRakeback(ctx context.Context, playerID string, amount decimal.Decimal) error
}

// WagerTracker is the in-process WagerStore.
type WagerTracker struct {
	mu    sync.RWMutex
	stats map[string]*models.PlayerStats
}

func NewWagerTracker() *WagerTracker {
	return &WagerTracker{stats: make(map[string]*models.PlayerStats)}
}

func (w *WagerTracker) RecordWager(ctx context.Context, playerID string, amount decimal.Decimal) error {
	w.update(playerID, func(s *models.PlayerStats) {
		s.TotalWagered = s.TotalWagered.Add(amount)
		s.BetCount++
	})
	return nil
}

func (w *WagerTracker) RecordWin(ctx context.Context, playerID string, amount decimal.Decimal) error {
	w.update(playerID, func(s *models.PlayerStats) {
		s.TotalWon = s.TotalWon.Add(amount)
	})
	return nil
}

func (w *WagerTracker) RecordRefund(ctx context.Context, playerID string, amount decimal.Decimal) error {
	w.update(playerID, func(s *models.PlayerStats) {
		s.TotalWagered = s.TotalWagered.Sub(amount)
		s.BetCount--
	})
	return nil
}

func (w *WagerTracker) RecordDeposit(ctx context.Context, playerID string, amount decimal.Decimal) error {
	w.update(playerID, func(s *models.PlayerStats) {
		s.TotalDeposited = s.TotalDeposited.Add(amount)
	})
	return nil
}

func (w *WagerTracker) SetWagerLimit(ctx context.Context, playerID string, limit decimal.Decimal) error {
	w.update(playerID, func(s *models.PlayerStats) {
		s.WagerLimit = limit
	})
	return nil
}

func (w *WagerTracker) Stats(ctx context.Context, playerID string) (models.PlayerStats, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if s, ok := w.stats[playerID]; ok {
		return *s, nil
	}
	return models.PlayerStats{PlayerID: playerID}, nil
}

func (w *WagerTracker) ClaimRakeback(ctx context.Context, playerID string, claim func(models.PlayerStats) decimal.Decimal) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.getLocked(playerID)
	amount := claim(*s)
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	s.RakebackClaimed = s.RakebackClaimed.Add(amount)
	return amount, nil
}

func (w *WagerTracker) ReturnRakeback(ctx context.Context, playerID string, amount decimal.Decimal) error {
	w.update(playerID, func(s *models.PlayerStats) {
		s.RakebackClaimed = s.RakebackClaimed.Sub(amount)
	})
	return nil
}

func (w *WagerTracker) update(playerID string, fn func(s *models.PlayerStats)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w.getLocked(playerID))
}

func (w *WagerTracker) getLocked(playerID string) *models.PlayerStats {
	s, ok := w.stats[playerID]
	if !ok {
		s = &models.PlayerStats{PlayerID: playerID}
		w.stats[playerID] = s
	}
	return s
}
