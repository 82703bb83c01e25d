package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

// ErrMachineStopped is returned for commands sent after Run has exited.
var ErrMachineStopped = errors.New("round machine stopped")

type RoundMachineConfig struct {
	GameType models.GameType
	MaxBets  int
	MinBet   decimal.Decimal
	MaxBet   decimal.Decimal
}

// RoundDeps are the collaborators shared by every game's machine.
type RoundDeps struct {
	Fairness    *FairnessEngine
	Ledger      *Ledger
	Bets        *BetRegistry
	Repo        RoundRepository
	Policies    Policies
	Broadcaster Broadcaster
	Alerter     Alerter
	Wagers      WagerStore
}

// RoundMachine owns the live round of one game type. Every mutation runs
// as a command on the goroutine started by Run, so the round has a single
// writer and at most one round is live at any time.
type RoundMachine struct {
	cfg         RoundMachineConfig
	policy      GamePolicy
	fairness    *FairnessEngine
	ledger      *Ledger
	bets        *BetRegistry
	repo        RoundRepository
	broadcaster Broadcaster
	alerter     Alerter
	wagers      WagerStore
	now         func() time.Time

	ops  chan func()
	done chan struct{}

	// Owned by the Run goroutine.
	current      *models.Round
	participants []*models.Bet
	taken        bool

	open      atomic.Pointer[models.Round]
	suspended atomic.Bool

	// OnCapacity fires when the live round reaches MaxBets.
	OnCapacity func(roundID string)
	// OnFinished fires after a round is settled or cancelled.
	OnFinished func(round *models.Round)
}

func NewRoundMachine(cfg RoundMachineConfig, deps RoundDeps) (*RoundMachine, error) {
	policy, err := deps.Policies.Get(cfg.GameType)
	if err != nil {
		return nil, err
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NopBroadcaster{}
	}
	if deps.Alerter == nil {
		deps.Alerter = LogAlerter{}
	}
	if deps.Wagers == nil {
		deps.Wagers = NewWagerTracker()
	}

	return &RoundMachine{
		cfg:         cfg,
		policy:      policy,
		fairness:    deps.Fairness,
		ledger:      deps.Ledger,
		bets:        deps.Bets,
		repo:        deps.Repo,
		broadcaster: deps.Broadcaster,
		alerter:     deps.Alerter,
		wagers:      deps.Wagers,
		now:         time.Now,
		ops:         make(chan func()),
		done:        make(chan struct{}),
	}, nil
}

func (m *RoundMachine) GameType() models.GameType {
	return m.cfg.GameType
}

// Run executes commands until ctx is cancelled.
func (m *RoundMachine) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the machine goroutine. Once accepted the command always
// runs to completion; ctx only bounds the wait for the machine to pick it up.
func (m *RoundMachine) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	op := func() { result <- fn() }

	select {
	case m.ops <- op:
	case <-m.done:
		return ErrMachineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.done:
		return ErrMachineStopped
	}
}

// CreateRound commits a seed pair and opens betting.
func (m *RoundMachine) CreateRound(ctx context.Context) (*models.Round, error) {
	var out *models.Round
	err := m.do(ctx, func() error {
		if m.suspended.Load() {
			return apperrors.New(apperrors.CodeGameSuspended, fmt.Sprintf("%s is suspended", m.cfg.GameType))
		}
		if m.current != nil && !m.current.Status.Final() {
			return apperrors.New(apperrors.CodeRoundAlreadyOpen,
				fmt.Sprintf("%s round %s is still %s", m.cfg.GameType, m.current.ID, m.current.Status))
		}

		privateSeed, privateHash, err := m.fairness.Commit()
		if err != nil {
			return err
		}

		round := &models.Round{
			ID:          models.NewID(),
			GameType:    m.cfg.GameType,
			Status:      models.RoundStatusPending,
			PrivateSeed: privateSeed,
			PrivateHash: privateHash,
			TotalPot:    decimal.Zero,
			TotalPayout: decimal.Zero,
			HouseMargin: decimal.Zero,
			CreatedAt:   m.now(),
		}
		if err := m.repo.SaveRound(ctx, round); err != nil {
			return fmt.Errorf("failed to save round: %w", err)
		}

		m.current = round
		m.participants = nil
		m.taken = false
		m.bets.Open(round.ID)

		m.transition(ctx, models.RoundStatusBetting)
		out = round.Public()
		return nil
	})
	return out, err
}

// PlaceBet accepts a bet into the betting round. The bet is on record
// before the player is debited, and is withdrawn if the debit fails.
func (m *RoundMachine) PlaceBet(ctx context.Context, playerID string, amount decimal.Decimal, payload models.BetPayload) (*models.Bet, error) {
	if playerID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "player is required")
	}
	if err := m.validateAmount(amount); err != nil {
		return nil, err
	}
	if err := m.policy.ValidatePayload(payload); err != nil {
		return nil, err
	}

	var bet *models.Bet
	err := m.do(ctx, func() error {
		round := m.current
		if round == nil || round.Status != models.RoundStatusBetting {
			return apperrors.New(apperrors.CodeRoundNotOpen, fmt.Sprintf("no %s round is taking bets", m.cfg.GameType))
		}
		if m.cfg.MaxBets > 0 && m.bets.Count(round.ID) >= m.cfg.MaxBets {
			return apperrors.New(apperrors.CodeRoundNotOpen, "round is full")
		}

		placed, err := m.bets.PlaceBet(ctx, round, playerID, amount, payload)
		if err != nil {
			return err
		}

		round.BetCount++
		round.TotalPot = round.TotalPot.Add(amount)
		m.open.Store(round.Clone())
		if err := m.wagers.RecordWager(ctx, playerID, amount); err != nil {
			log.Printf("[%s] failed to record wager for bet %s: %v", m.cfg.GameType, placed.ID, err)
		}

		if m.cfg.MaxBets > 0 && round.BetCount >= m.cfg.MaxBets && m.OnCapacity != nil {
			go m.OnCapacity(round.ID)
		}

		bet = placed
		return nil
	})
	return bet, err
}

func (m *RoundMachine) validateAmount(amount decimal.Decimal) error {
	if !models.ValidAmount(amount) {
		return apperrors.New(apperrors.CodeValidation, "amount must be positive with at most two decimals")
	}
	if !m.cfg.MinBet.IsZero() && amount.LessThan(m.cfg.MinBet) {
		return apperrors.New(apperrors.CodeValidation, "minimum bet is "+models.FormatMoney(m.cfg.MinBet))
	}
	if !m.cfg.MaxBet.IsZero() && amount.GreaterThan(m.cfg.MaxBet) {
		return apperrors.New(apperrors.CodeValidation, "maximum bet is "+models.FormatMoney(m.cfg.MaxBet))
	}
	return nil
}

// Lock closes betting and freezes the participant list. Locking an already
// locked round is a no-op.
func (m *RoundMachine) Lock(ctx context.Context) (*models.Round, error) {
	var out *models.Round
	err := m.do(ctx, func() error {
		round := m.current
		if round != nil && round.Status == models.RoundStatusLocked {
			out = round.Public()
			return nil
		}
		if round == nil || round.Status != models.RoundStatusBetting {
			return m.notOpen("lock")
		}

		participants, err := m.bets.Participants(round.ID)
		if err != nil {
			return err
		}
		m.participants = participants
		m.taken = true

		now := m.now()
		round.LockedAt = &now
		m.transition(ctx, models.RoundStatusLocked)
		out = round.Public()
		return nil
	})
	return out, err
}

// Resolve reveals the seeds of the locked round, checks them against the
// commit and computes every payout. Entropy failures leave the round locked
// so the call can be retried. A commit mismatch cancels the round with
// refunds and suspends the game type.
func (m *RoundMachine) Resolve(ctx context.Context) (*models.Round, error) {
	ctx = context.WithoutCancel(ctx)

	var out *models.Round
	err := m.do(ctx, func() error {
		round := m.current
		if round != nil && round.Status == models.RoundStatusResolving {
			out = round.Public()
			return nil
		}
		if round == nil || round.Status != models.RoundStatusLocked {
			return m.notOpen("resolve")
		}

		revealed, err := m.fairness.Reveal(ctx, round)
		if err != nil {
			return err
		}

		if !m.fairness.Verify(round) {
			return m.failFairness(ctx, round)
		}

		outcome := DeriveOutcome(m.policy, round.PrivateSeed, revealed.PublicSeed, round.ID)
		payouts, err := m.policy.Payouts(outcome, m.participants)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for _, bet := range m.participants {
			payout := payouts[bet.ID]
			bet.Payout = &payout
			total = total.Add(payout)
		}

		now := m.now()
		round.PublicSeed = revealed.PublicSeed
		round.Entropy = revealed.Entropy
		round.ClientSeeds = revealed.ClientSeeds
		round.Outcome = outcome
		round.TotalPayout = total
		round.HouseMargin = round.TotalPot.Sub(total)
		round.ResolvedAt = &now

		m.transition(ctx, models.RoundStatusResolving)
		out = round.Public()
		return nil
	})
	return out, err
}

func (m *RoundMachine) failFairness(ctx context.Context, round *models.Round) error {
	m.suspended.Store(true)
	m.alerter.Alert(ctx, AlertFairnessMismatch, "revealed seed does not match commit", map[string]string{
		"game":  string(m.cfg.GameType),
		"round": round.ID,
		"hash":  round.PrivateHash,
	})

	if err := m.cancelLocked(ctx, "fairness mismatch"); err != nil {
		log.Printf("[%s] failed to cancel round %s after fairness mismatch: %v", m.cfg.GameType, round.ID, err)
	}
	return apperrors.New(apperrors.CodeFairnessMismatch,
		fmt.Sprintf("round %s failed commit verification; %s suspended", round.ID, m.cfg.GameType))
}

// CloseBatchKey is the ledger batch key that closes a round. Settlement and
// cancellation share it, so at most one of them can ever move money.
func CloseBatchKey(roundID string) string {
	return "close:" + roundID
}

// Settle credits every payout in one ledger batch. Settling a settled round
// is a no-op, and the batch key makes a retry after a partial failure safe.
func (m *RoundMachine) Settle(ctx context.Context) (*models.Round, error) {
	ctx = context.WithoutCancel(ctx)

	var out *models.Round
	err := m.do(ctx, func() error {
		round := m.current
		if round != nil && round.Status == models.RoundStatusSettled {
			out = round.Public()
			return nil
		}
		if round == nil || round.Status != models.RoundStatusResolving {
			return m.notOpen("settle")
		}

		var reqs []models.EntryRequest
		for _, bet := range m.participants {
			if bet.Payout == nil || !bet.Payout.IsPositive() {
				continue
			}
			reqs = append(reqs, models.EntryRequest{
				AccountID: bet.PlayerID,
				Delta:     *bet.Payout,
				Reason:    models.ReasonBetPayout,
				Refs:      models.Refs{models.RefRound: round.ID, models.RefBet: bet.ID},
			})
		}

		_, err := m.ledger.ApplyBatch(ctx, CloseBatchKey(round.ID), reqs)
		if err != nil && !errors.Is(err, ErrBatchAlreadyApplied) {
			return err
		}

		for _, bet := range m.participants {
			if bet.Payout != nil && bet.Payout.IsPositive() {
				if err := m.wagers.RecordWin(ctx, bet.PlayerID, *bet.Payout); err != nil {
					log.Printf("[%s] failed to record win for bet %s: %v", m.cfg.GameType, bet.ID, err)
				}
			}
		}

		now := m.now()
		round.SettledAt = &now
		m.transition(ctx, models.RoundStatusSettled)
		m.finish(round)
		out = round.Public()
		return nil
	})
	return out, err
}

// Cancel refunds every bet in full and closes the round. Only rounds that
// have not started resolving can be cancelled.
func (m *RoundMachine) Cancel(ctx context.Context, reason string) (*models.Round, error) {
	ctx = context.WithoutCancel(ctx)

	var out *models.Round
	err := m.do(ctx, func() error {
		if err := m.cancelLocked(ctx, reason); err != nil {
			return err
		}
		out = m.current.Public()
		return nil
	})
	return out, err
}

// cancelLocked runs on the machine goroutine.
func (m *RoundMachine) cancelLocked(ctx context.Context, reason string) error {
	round := m.current
	if round != nil && round.Status == models.RoundStatusCancelled {
		return nil
	}
	if round == nil || !round.Status.Cancellable() {
		return m.notOpen("cancel")
	}

	if !m.taken {
		participants, err := m.bets.Participants(round.ID)
		if err != nil && !errors.Is(err, apperrors.ErrRoundNotFound) {
			return err
		}
		m.participants = participants
		m.taken = true
	}

	reqs := make([]models.EntryRequest, 0, len(m.participants))
	for _, bet := range m.participants {
		reqs = append(reqs, models.EntryRequest{
			AccountID: bet.PlayerID,
			Delta:     bet.Amount,
			Reason:    models.ReasonBetRefund,
			Refs:      models.Refs{models.RefRound: round.ID, models.RefBet: bet.ID},
		})
	}

	_, err := m.ledger.ApplyBatch(ctx, CloseBatchKey(round.ID), reqs)
	if err != nil && !errors.Is(err, ErrBatchAlreadyApplied) {
		return err
	}

	for _, bet := range m.participants {
		if err := m.wagers.RecordRefund(ctx, bet.PlayerID, bet.Amount); err != nil {
			log.Printf("[%s] failed to record refund for bet %s: %v", m.cfg.GameType, bet.ID, err)
		}
	}
	m.fairness.ClientSeeds().Delete(round.ID)

	round.CancelReason = reason
	m.transition(ctx, models.RoundStatusCancelled)
	m.finish(round)
	log.Printf("[%s] round %s cancelled (%s), %d bets refunded", m.cfg.GameType, round.ID, reason, len(m.participants))
	return nil
}

// Restore adopts a round persisted by a previous process or instance. Bets
// whose debit never committed are dropped. A betting round takes bets again
// from where it stopped; any other round keeps its frozen participants. The
// machine must not have a live round.
func (m *RoundMachine) Restore(ctx context.Context, record *models.RoundRecord) error {
	if record.Round.GameType != m.cfg.GameType {
		return apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("round %s is %s, not %s", record.Round.ID, record.Round.GameType, m.cfg.GameType))
	}

	bets, err := m.ledger.Debited(ctx, record.Bets)
	if err != nil {
		return fmt.Errorf("failed to check bet debits: %w", err)
	}
	if dropped := len(record.Bets) - len(bets); dropped > 0 {
		log.Printf("[%s] round %s: dropping %d bets that were never debited", m.cfg.GameType, record.Round.ID, dropped)
	}

	return m.do(ctx, func() error {
		if m.current != nil && !m.current.Status.Final() {
			return apperrors.New(apperrors.CodeRoundAlreadyOpen,
				fmt.Sprintf("%s round %s is still %s", m.cfg.GameType, m.current.ID, m.current.Status))
		}

		round := record.Round.Clone()
		if round.Status == models.RoundStatusBetting {
			round.BetCount = len(bets)
			round.TotalPot = decimal.Zero
			for _, bet := range bets {
				round.TotalPot = round.TotalPot.Add(bet.Amount)
			}
			m.bets.Reopen(round.ID, bets)
			m.participants = nil
			m.taken = false
		} else {
			m.participants = cloneBets(bets)
			m.taken = true
		}

		m.current = round
		m.open.Store(round.Clone())
		return nil
	})
}

// Detach drops the live round without closing it. The round stays on
// record for whichever instance runs the game next.
func (m *RoundMachine) Detach(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.current != nil {
			m.bets.Forget(m.current.ID)
		}
		m.current = nil
		m.participants = nil
		m.taken = false
		m.open.Store(nil)
		return nil
	})
}

// OpenRound returns the live round with its private seed withheld.
func (m *RoundMachine) OpenRound() (*models.Round, error) {
	round := m.open.Load()
	if round == nil {
		return nil, apperrors.New(apperrors.CodeRoundNotOpen, fmt.Sprintf("no open %s round", m.cfg.GameType))
	}
	return round.Public(), nil
}

// History lists finished rounds, newest first. Their seeds are revealed.
func (m *RoundMachine) History(ctx context.Context, limit int) ([]*models.Round, error) {
	return m.repo.History(ctx, m.cfg.GameType, limit)
}

func (m *RoundMachine) Suspended() bool {
	return m.suspended.Load()
}

// Resume lifts a suspension. It is an operator action.
func (m *RoundMachine) Resume() {
	m.suspended.Store(false)
}

func (m *RoundMachine) notOpen(op string) error {
	if m.current == nil {
		return apperrors.New(apperrors.CodeRoundNotOpen, fmt.Sprintf("cannot %s: no %s round", op, m.cfg.GameType))
	}
	return apperrors.New(apperrors.CodeRoundNotOpen,
		fmt.Sprintf("cannot %s round %s in status %s", op, m.current.ID, m.current.Status))
}

// transition moves the live round to status, persists it and emits the
// event. Persistence failures are logged; the ledger is the source of truth
// for money and the record is rewritten on the next transition.
func (m *RoundMachine) transition(ctx context.Context, to models.RoundStatus) {
	round := m.current
	from := round.Status
	round.Status = to

	var err error
	if m.taken {
		err = m.repo.SaveRecord(ctx, round, m.participants)
	} else {
		err = m.repo.SaveRound(ctx, round)
	}
	if err != nil {
		log.Printf("[%s] failed to persist round %s (%s): %v", m.cfg.GameType, round.ID, to, err)
	}

	if to.Final() {
		m.open.Store(nil)
	} else {
		m.open.Store(round.Clone())
	}

	log.Printf("[%s] round %s: %s -> %s", m.cfg.GameType, round.ID, from, to)
	m.broadcaster.OnRoundTransition(&models.RoundEvent{
		Type:     models.EventRoundTransition,
		GameType: m.cfg.GameType,
		RoundID:  round.ID,
		From:     from,
		To:       to,
		Round:    round.Public(),
		At:       m.now(),
	})
}

func (m *RoundMachine) finish(round *models.Round) {
	m.bets.Forget(round.ID)
	if m.OnFinished != nil {
		go m.OnFinished(round.Public())
	}
}
