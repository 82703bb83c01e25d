package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

type SchedulerConfig struct {
	BettingWindow time.Duration
	ResolveDelay  time.Duration
	Cooldown      time.Duration

	ResolveMaxTries   uint
	SettleMaxAttempts uint

	// NewBackOff builds the retry schedule for resolve and settle.
	NewBackOff func() backoff.BackOff

	// Lease decides which instance runs each game. Defaults to LocalLease.
	Lease GameLease
	// LeaseTTL is how long a lease outlives a silent holder. Held leases are
	// renewed every third of it and free ones retried; zero disables both.
	LeaseTTL time.Duration
	// Jobs persists pending round steps. Nil keeps them in process.
	Jobs JobStore
}

// Scheduler drives every game through create, lock, resolve, settle and the
// cooldown before the next round. It only drives the games whose lease it
// holds.
type Scheduler struct {
	cfg      SchedulerConfig
	machines map[models.GameType]*RoundMachine
	order    []models.GameType
	jobs     *JobQueue
	repo     RoundRepository
	alerter  Alerter
	lease    GameLease

	mu sync.Mutex
	// owned maps each leased game to when the lease was last confirmed.
	owned map[models.GameType]time.Time

	ctx context.Context
}

func NewScheduler(cfg SchedulerConfig, repo RoundRepository, alerter Alerter, machines ...*RoundMachine) *Scheduler {
	if cfg.ResolveMaxTries == 0 {
		cfg.ResolveMaxTries = 5
	}
	if cfg.SettleMaxAttempts == 0 {
		cfg.SettleMaxAttempts = 5
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	if cfg.Lease == nil {
		cfg.Lease = LocalLease{}
	}
	if alerter == nil {
		alerter = LogAlerter{}
	}

	s := &Scheduler{
		cfg:      cfg,
		machines: make(map[models.GameType]*RoundMachine, len(machines)),
		jobs:     NewJobQueue(cfg.Jobs),
		repo:     repo,
		alerter:  alerter,
		lease:    cfg.Lease,
		owned:    make(map[models.GameType]time.Time),
		ctx:      context.Background(),
	}
	for _, m := range machines {
		gameType := m.GameType()
		s.machines[gameType] = m
		s.order = append(s.order, gameType)
		m.OnCapacity = func(roundID string) { s.onCapacity(gameType, roundID) }
		m.OnFinished = func(round *models.Round) { s.onFinished(gameType, round) }
	}
	return s
}

func lockJob(gameType models.GameType) string    { return "lock:" + string(gameType) }
func resolveJob(gameType models.GameType) string { return "resolve:" + string(gameType) }
func nextJob(gameType models.GameType) string    { return "next:" + string(gameType) }

// Start runs every machine and claims each game's lease. A claimed game
// first picks up the rounds a previous holder left open.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	for _, gameType := range s.order {
		go s.machines[gameType].Run(ctx)
	}

	s.reportDisabled(ctx)
	for _, gameType := range s.order {
		if !s.claim(ctx, gameType) {
			log.Printf("[%s] run by another instance", gameType)
		}
	}

	if s.cfg.LeaseTTL > 0 {
		go s.keepLeases(ctx)
	}
}

// Stop drops local timers and hands the leases back. Persisted jobs stay
// so the next holder resumes the rounds in flight.
func (s *Scheduler) Stop() {
	s.jobs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, gameType := range s.order {
		s.mu.Lock()
		_, held := s.owned[gameType]
		delete(s.owned, gameType)
		s.mu.Unlock()
		if !held {
			continue
		}
		if err := s.lease.Release(ctx, gameType); err != nil {
			log.Printf("[%s] %v", gameType, err)
		}
	}
}

// Owns reports whether this instance currently runs gameType.
func (s *Scheduler) Owns(gameType models.GameType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.owned[gameType]
	return ok
}

// Machine returns the machine of a game this instance runs.
func (s *Scheduler) Machine(gameType models.GameType) (*RoundMachine, error) {
	m, ok := s.machines[gameType]
	if !ok {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("game type not enabled: %s", gameType))
	}
	if !s.Owns(gameType) {
		return nil, apperrors.New(apperrors.CodeGameNotLocal, fmt.Sprintf("%s is run by another instance", gameType))
	}
	return m, nil
}

func (s *Scheduler) Machines() []*RoundMachine {
	out := make([]*RoundMachine, 0, len(s.order))
	for _, gameType := range s.order {
		out = append(out, s.machines[gameType])
	}
	return out
}

// claim takes the lease of gameType and, once held, resumes the game.
func (s *Scheduler) claim(ctx context.Context, gameType models.GameType) bool {
	held, err := s.lease.Acquire(ctx, gameType)
	if err != nil {
		log.Printf("[%s] %v", gameType, err)
		return false
	}
	if !held {
		return false
	}

	s.mu.Lock()
	s.owned[gameType] = time.Now()
	s.mu.Unlock()
	log.Printf("[%s] lease acquired", gameType)

	due, err := s.jobs.Persisted(ctx)
	if err != nil {
		log.Printf("[%s] failed to read pending jobs, closing open rounds: %v", gameType, err)
		due = map[string]time.Time{}
	}
	s.recoverGame(ctx, gameType, due)

	if _, err := s.machines[gameType].OpenRound(); err == nil {
		return true
	}
	if at, ok := due[nextJob(gameType)]; ok {
		s.schedule(gameType, nextJob(gameType), time.Until(at), func() { s.startRound(gameType) })
		return true
	}
	s.startRound(gameType)
	return true
}

// keepLeases renews held leases and retries free ones until ctx ends.
func (s *Scheduler) keepLeases(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		for _, gameType := range s.order {
			if s.Owns(gameType) {
				s.renew(ctx, gameType)
			} else {
				s.claim(ctx, gameType)
			}
		}
	}
}

func (s *Scheduler) renew(ctx context.Context, gameType models.GameType) {
	held, err := s.lease.Renew(ctx, gameType)
	switch {
	case err == nil && held:
		s.mu.Lock()
		s.owned[gameType] = time.Now()
		s.mu.Unlock()
	case err == nil:
		s.stepDown(gameType, "lease taken over")
	default:
		s.mu.Lock()
		since := time.Since(s.owned[gameType])
		s.mu.Unlock()
		log.Printf("[%s] %v", gameType, err)
		// Stop well before the key can expire and another instance claims it.
		if since > s.cfg.LeaseTTL/2 {
			s.stepDown(gameType, "lease could not be renewed")
		}
	}
}

// stepDown stops running gameType locally. Its round and pending jobs stay
// on record for the next lease holder.
func (s *Scheduler) stepDown(gameType models.GameType, reason string) {
	s.mu.Lock()
	delete(s.owned, gameType)
	s.mu.Unlock()

	for _, key := range []string{lockJob(gameType), resolveJob(gameType), nextJob(gameType)} {
		s.jobs.Release(key)
	}
	if err := s.machines[gameType].Detach(s.ctx); err != nil {
		log.Printf("[%s] failed to detach round: %v", gameType, err)
	}
	log.Printf("[%s] stepped down: %s", gameType, reason)
}

// schedule queues a round step that only runs while gameType is still
// owned here.
func (s *Scheduler) schedule(gameType models.GameType, key string, delay time.Duration, fn func()) {
	if !s.Owns(gameType) {
		return
	}
	s.jobs.Schedule(key, delay, func() {
		if s.Owns(gameType) {
			fn()
		}
	})
}

// reportDisabled alerts on open rounds of game types this instance does not
// run at all. They need an operator or an instance with the game enabled.
func (s *Scheduler) reportDisabled(ctx context.Context) {
	records, err := s.repo.OpenRounds(ctx)
	if err != nil {
		s.alerter.Alert(ctx, AlertRecoveryFailed, "failed to list open rounds", map[string]string{"error": err.Error()})
		return
	}
	for _, record := range records {
		if _, ok := s.machines[record.Round.GameType]; !ok {
			s.alerter.Alert(ctx, AlertRecoveryFailed, "open round for a disabled game", map[string]string{
				"game": string(record.Round.GameType), "round": record.Round.ID,
			})
		}
	}
}

// recoverGame picks up the rounds of gameType left open by the previous
// lease holder. A round whose next step is still on record continues from
// it; otherwise a resolved round is settled and anything else is cancelled
// with refunds.
func (s *Scheduler) recoverGame(ctx context.Context, gameType models.GameType, due map[string]time.Time) {
	records, err := s.repo.OpenRounds(ctx)
	if err != nil {
		s.alerter.Alert(ctx, AlertRecoveryFailed, "failed to list open rounds", map[string]string{"error": err.Error()})
		return
	}

	m := s.machines[gameType]
	for _, record := range records {
		round := record.Round
		if round.GameType != gameType {
			continue
		}

		if err := m.Restore(ctx, record); err != nil {
			s.alerter.Alert(ctx, AlertRecoveryFailed, "failed to restore round", map[string]string{
				"game": string(gameType), "round": round.ID, "error": err.Error(),
			})
			continue
		}

		if s.resumeRound(gameType, round.Status, due) {
			log.Printf("[%s] resumed round %s in status %s", gameType, round.ID, round.Status)
			continue
		}

		if round.Status == models.RoundStatusResolving && hasPayouts(record.Bets) {
			_, err = m.Settle(ctx)
		} else {
			_, err = m.Cancel(ctx, "server restart")
		}
		if err != nil {
			s.alerter.Alert(ctx, AlertRecoveryFailed, "failed to close recovered round", map[string]string{
				"game": string(gameType), "round": round.ID, "status": string(round.Status), "error": err.Error(),
			})
			continue
		}
		log.Printf("[%s] recovered round %s from status %s", gameType, round.ID, round.Status)
	}
}

// resumeRound reschedules the persisted step that follows status.
func (s *Scheduler) resumeRound(gameType models.GameType, status models.RoundStatus, due map[string]time.Time) bool {
	switch status {
	case models.RoundStatusBetting:
		if at, ok := due[lockJob(gameType)]; ok {
			s.schedule(gameType, lockJob(gameType), time.Until(at), func() { s.lock(gameType) })
			return true
		}
	case models.RoundStatusLocked:
		if at, ok := due[resolveJob(gameType)]; ok {
			s.schedule(gameType, resolveJob(gameType), time.Until(at), func() { s.resolve(gameType) })
			return true
		}
	}
	return false
}

func hasPayouts(bets []*models.Bet) bool {
	for _, bet := range bets {
		if bet.Payout == nil {
			return false
		}
	}
	return true
}

func (s *Scheduler) startRound(gameType models.GameType) {
	m := s.machines[gameType]
	round, err := m.CreateRound(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrGameSuspended):
		log.Printf("[%s] not starting a round: game is suspended", gameType)
		return
	case errors.Is(err, apperrors.ErrRoundAlreadyOpen):
		log.Printf("[%s] not starting a round: %v", gameType, err)
		return
	case errors.Is(err, ErrMachineStopped), errors.Is(err, context.Canceled):
		return
	default:
		log.Printf("[%s] failed to create round, retrying after cooldown: %v", gameType, err)
		s.schedule(gameType, nextJob(gameType), s.cfg.Cooldown, func() { s.startRound(gameType) })
		return
	}

	log.Printf("[%s] round %s open for bets, commit %s", gameType, round.ID, round.PrivateHash)
	s.schedule(gameType, lockJob(gameType), s.cfg.BettingWindow, func() { s.lock(gameType) })
}

func (s *Scheduler) onCapacity(gameType models.GameType, roundID string) {
	if s.jobs.Cancel(lockJob(gameType)) {
		log.Printf("[%s] round %s is full, locking early", gameType, roundID)
		s.lock(gameType)
	}
}

func (s *Scheduler) lock(gameType models.GameType) {
	if _, err := s.machines[gameType].Lock(s.ctx); err != nil {
		log.Printf("[%s] lock failed: %v", gameType, err)
		return
	}
	s.schedule(gameType, resolveJob(gameType), s.cfg.ResolveDelay, func() { s.resolve(gameType) })
}

// resolve retries entropy failures with backoff. When retries run out the
// round is cancelled and refunded. A fairness mismatch is never retried;
// the machine has already cancelled the round and suspended the game.
func (s *Scheduler) resolve(gameType models.GameType) {
	m := s.machines[gameType]
	ctx := context.WithoutCancel(s.ctx)

	_, err := backoff.Retry(ctx, func() (*models.Round, error) {
		round, err := m.Resolve(ctx)
		if err != nil && !apperrors.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return round, err
	}, backoff.WithBackOff(s.cfg.NewBackOff()), backoff.WithMaxTries(s.cfg.ResolveMaxTries))

	switch {
	case err == nil:
		s.settle(gameType)
	case errors.Is(err, apperrors.ErrFairnessMismatch):
		log.Printf("[%s] resolve aborted: %v", gameType, err)
	case errors.Is(err, apperrors.ErrExternalService):
		log.Printf("[%s] entropy unavailable, cancelling round: %v", gameType, err)
		if _, cerr := m.Cancel(ctx, "entropy unavailable"); cerr != nil {
			log.Printf("[%s] cancel after entropy failure failed: %v", gameType, cerr)
		}
	default:
		// Not retryable and not the entropy source: the round stays locked
		// until an operator steps in.
		fields := map[string]string{"game": string(gameType), "error": err.Error()}
		if open, _ := m.OpenRound(); open != nil {
			fields["round"] = open.ID
		}
		s.alerter.Alert(ctx, AlertResolveStuck, "round could not be resolved", fields)
	}
}

// settle retries a rejected batch a bounded number of times and then leaves
// the round resolving for an operator.
func (s *Scheduler) settle(gameType models.GameType) {
	m := s.machines[gameType]
	ctx := context.WithoutCancel(s.ctx)

	round, err := backoff.Retry(ctx, func() (*models.Round, error) {
		return m.Settle(ctx)
	}, backoff.WithBackOff(s.cfg.NewBackOff()), backoff.WithMaxTries(s.cfg.SettleMaxAttempts))
	if err != nil {
		open, _ := m.OpenRound()
		fields := map[string]string{"game": string(gameType), "error": err.Error()}
		if open != nil {
			fields["round"] = open.ID
		}
		s.alerter.Alert(ctx, AlertSettlementStuck, "round could not be settled", fields)
		return
	}
	log.Printf("[%s] round %s settled: pot %s, paid %s", gameType, round.ID,
		models.FormatMoney(round.TotalPot), models.FormatMoney(round.TotalPayout))
}

func (s *Scheduler) onFinished(gameType models.GameType, round *models.Round) {
	s.schedule(gameType, nextJob(gameType), s.cfg.Cooldown, func() { s.startRound(gameType) })
}

// Resume lifts a suspension and opens a round straight away.
func (s *Scheduler) Resume(gameType models.GameType) error {
	m, err := s.Machine(gameType)
	if err != nil {
		return err
	}
	m.Resume()
	log.Printf("[%s] resumed by operator", gameType)
	s.jobs.Cancel(nextJob(gameType))
	s.startRound(gameType)
	return nil
}

// SettleNow retries settlement of a round left resolving.
func (s *Scheduler) SettleNow(ctx context.Context, gameType models.GameType) (*models.Round, error) {
	m, err := s.Machine(gameType)
	if err != nil {
		return nil, err
	}
	return m.Settle(ctx)
}
