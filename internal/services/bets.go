package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

// BetRegistry holds the bets of open rounds. Funds are reserved with a
// ledger debit when a bet is accepted, so a player can never commit more
// than their balance across rounds of different games.
type BetRegistry struct {
	ledger *Ledger
	repo   RoundRepository
	now    func() time.Time

	mu     sync.Mutex
	rounds map[string]*roundBets
}

type roundBets struct {
	bets  []*models.Bet
	taken bool
}

func NewBetRegistry(ledger *Ledger, repo RoundRepository) *BetRegistry {
	return &BetRegistry{
		ledger: ledger,
		repo:   repo,
		now:    time.Now,
		rounds: make(map[string]*roundBets),
	}
}

// Open starts accepting bets for a round.
func (r *BetRegistry) Open(roundID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rounds[roundID]; !ok {
		r.rounds[roundID] = &roundBets{}
	}
}

// Reopen takes bets again for a round restored from storage, starting from
// the bets it already holds.
func (r *BetRegistry) Reopen(roundID string, bets []*models.Bet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds[roundID] = &roundBets{bets: cloneBets(bets)}
}

// PlaceBet persists the bet, then debits the player. The debit is the
// acceptance: if the ledger refuses it, the stored bet is removed again.
// A bet that is stored but never debited is skipped by recovery, while a
// debit always has its bet on record to be refunded from.
func (r *BetRegistry) PlaceBet(ctx context.Context, round *models.Round, playerID string, amount decimal.Decimal, payload models.BetPayload) (*models.Bet, error) {
	r.mu.Lock()
	entry, ok := r.rounds[round.ID]
	closed := !ok || entry.taken
	r.mu.Unlock()
	if closed {
		return nil, apperrors.New(apperrors.CodeRoundNotOpen, fmt.Sprintf("round %s is not accepting bets", round.ID))
	}

	bet := &models.Bet{
		ID:       models.NewID(),
		RoundID:  round.ID,
		GameType: round.GameType,
		PlayerID: playerID,
		Amount:   amount,
		Payload:  payload,
		PlacedAt: r.now(),
	}

	if err := r.repo.SaveBet(ctx, bet); err != nil {
		return nil, fmt.Errorf("failed to persist bet: %w", err)
	}

	_, err := r.ledger.Append(ctx, models.EntryRequest{
		AccountID: playerID,
		Delta:     amount.Neg(),
		Reason:    models.ReasonBetPlaced,
		Refs:      models.Refs{models.RefRound: round.ID, models.RefBet: bet.ID},
	})
	if err != nil {
		if derr := r.repo.DeleteBet(context.WithoutCancel(ctx), bet); derr != nil {
			log.Printf("failed to remove rejected bet %s: %v", bet.ID, derr)
		}
		return nil, err
	}

	r.mu.Lock()
	entry.bets = append(entry.bets, bet)
	r.mu.Unlock()

	return cloneBet(bet), nil
}

// Participants returns the bets of a round in placement order. It can be
// taken once; the round accepts no bets afterwards.
func (r *BetRegistry) Participants(roundID string) ([]*models.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rounds[roundID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeRoundNotFound, "no bets registered for round "+roundID)
	}
	if entry.taken {
		return nil, apperrors.New(apperrors.CodeParticipantsTaken, "participants already taken for round "+roundID)
	}
	entry.taken = true
	return cloneBets(entry.bets), nil
}

func (r *BetRegistry) Count(roundID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.rounds[roundID]; ok {
		return len(entry.bets)
	}
	return 0
}

// Forget drops a finished round.
func (r *BetRegistry) Forget(roundID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rounds, roundID)
}
