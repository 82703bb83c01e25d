package services

import (
	"context"
	"sort"
	"sync"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

// RoundRepository is the durable record of rounds and their bets.
type RoundRepository interface {
	SaveRound(ctx context.Context, round *models.Round) error
	SaveBet(ctx context.Context, bet *models.Bet) error
	// DeleteBet removes a bet saved by SaveBet whose debit was refused.
	DeleteBet(ctx context.Context, bet *models.Bet) error
	// SaveRecord replaces the stored round and its full bet list.
	SaveRecord(ctx context.Context, round *models.Round, bets []*models.Bet) error
	GetRound(ctx context.Context, roundID string) (*models.RoundRecord, error)
	// History lists finished rounds of a game, newest first.
	History(ctx context.Context, gameType models.GameType, limit int) ([]*models.Round, error)
	// OpenRounds lists rounds that were never settled or cancelled.
	OpenRounds(ctx context.Context) ([]*models.RoundRecord, error)
}

type MemoryRoundRepository struct {
	mu     sync.RWMutex
	rounds map[string]*models.Round
	bets   map[string][]*models.Bet
}

func NewMemoryRoundRepository() *MemoryRoundRepository {
	return &MemoryRoundRepository{
		rounds: make(map[string]*models.Round),
		bets:   make(map[string][]*models.Bet),
	}
}

func (r *MemoryRoundRepository) SaveRound(ctx context.Context, round *models.Round) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds[round.ID] = round.Clone()
	return nil
}

func (r *MemoryRoundRepository) SaveBet(ctx context.Context, bet *models.Bet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bets[bet.RoundID] = append(r.bets[bet.RoundID], cloneBet(bet))
	return nil
}

func (r *MemoryRoundRepository) DeleteBet(ctx context.Context, bet *models.Bet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bets := r.bets[bet.RoundID]
	for i, b := range bets {
		if b.ID == bet.ID {
			r.bets[bet.RoundID] = append(bets[:i:i], bets[i+1:]...)
			break
		}
	}
	return nil
}

func (r *MemoryRoundRepository) SaveRecord(ctx context.Context, round *models.Round, bets []*models.Bet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds[round.ID] = round.Clone()
	r.bets[round.ID] = cloneBets(bets)
	return nil
}

func (r *MemoryRoundRepository) GetRound(ctx context.Context, roundID string) (*models.RoundRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	round, ok := r.rounds[roundID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeRoundNotFound, "round not found: "+roundID)
	}
	return &models.RoundRecord{Round: round.Clone(), Bets: cloneBets(r.bets[roundID])}, nil
}

func (r *MemoryRoundRepository) History(ctx context.Context, gameType models.GameType, limit int) ([]*models.Round, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rounds []*models.Round
	for _, round := range r.rounds {
		if round.GameType == gameType && round.Status.Final() {
			rounds = append(rounds, round.Clone())
		}
	}
	sort.Slice(rounds, func(i, j int) bool {
		return closedAt(rounds[i]).After(closedAt(rounds[j]))
	})
	if len(rounds) > limit {
		rounds = rounds[:limit]
	}
	return rounds, nil
}

func (r *MemoryRoundRepository) OpenRounds(ctx context.Context) ([]*models.RoundRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var records []*models.RoundRecord
	for id, round := range r.rounds {
		if !round.Status.Final() {
			records = append(records, &models.RoundRecord{Round: round.Clone(), Bets: cloneBets(r.bets[id])})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Round.CreatedAt.Before(records[j].Round.CreatedAt)
	})
	return records, nil
}

func cloneBet(b *models.Bet) *models.Bet {
	c := *b
	if b.Payout != nil {
		p := *b.Payout
		c.Payout = &p
	}
	if b.Payload.Number != nil {
		n := *b.Payload.Number
		c.Payload.Number = &n
	}
	return &c
}

func cloneBets(bets []*models.Bet) []*models.Bet {
	out := make([]*models.Bet, len(bets))
	for i, b := range bets {
		out[i] = cloneBet(b)
	}
	return out
}
