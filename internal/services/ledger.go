package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

// ErrBatchAlreadyApplied is returned by ApplyBatch when the idempotency key
// has been committed before. Callers treat it as success.
var ErrBatchAlreadyApplied = errors.New("ledger batch already applied")

// LedgerStore persists accounts and entries. Apply must validate and commit
// every request as one atomic unit: either all entries and balance updates
// are visible, or none are.
type LedgerStore interface {
	Apply(ctx context.Context, batchKey string, reqs []models.EntryRequest) ([]*models.LedgerEntry, error)
	Account(ctx context.Context, accountID string) (*models.WalletAccount, error)
	Entries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error)
	// Snapshot returns the cached account and its full entry log as one
	// consistent read.
	Snapshot(ctx context.Context, accountID string) (*models.WalletAccount, []*models.LedgerEntry, error)
	AccountIDs(ctx context.Context) ([]string, error)
	SetFrozen(ctx context.Context, accountID string, frozen bool) error
}

// Ledger is the only way balances change. Every mutation appends exactly
// one entry per account touched, in the same atomic step as the cached
// balance update.
type Ledger struct {
	store LedgerStore
	locks *keyedMutex
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{
		store: store,
		locks: newKeyedMutex(),
	}
}

// Append writes a single entry. A debit that would take the balance below
// zero fails with INSUFFICIENT_FUNDS unless req.Override is set.
func (l *Ledger) Append(ctx context.Context, req models.EntryRequest) (*models.LedgerEntry, error) {
	if err := validateEntry(req); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(req.AccountID)
	defer unlock()

	entries, err := l.store.Apply(ctx, "", []models.EntryRequest{req})
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// ApplyBatch commits all entries or none. key makes the batch idempotent:
// a key that was already committed returns ErrBatchAlreadyApplied and
// writes nothing.
func (l *Ledger) ApplyBatch(ctx context.Context, key string, reqs []models.EntryRequest) ([]*models.LedgerEntry, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if err := validateEntry(req); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeBatchRejected, "batch rejected", err)
		}
		ids = append(ids, req.AccountID)
	}

	unlock := l.locks.Lock(ids...)
	defer unlock()

	entries, err := l.store.Apply(ctx, key, reqs)
	switch {
	case err == nil:
		return entries, nil
	case errors.Is(err, ErrBatchAlreadyApplied):
		return nil, err
	case errors.Is(err, apperrors.ErrConcurrencyConflict):
		return nil, err
	default:
		return nil, apperrors.Wrap(apperrors.CodeBatchRejected, "batch rejected", err)
	}
}

// Balance is a constant-time read of the cached balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := l.store.Account(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

func (l *Ledger) Account(ctx context.Context, accountID string) (*models.WalletAccount, error) {
	return l.store.Account(ctx, accountID)
}

// Entries returns the newest entries first.
func (l *Ledger) Entries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return l.store.Entries(ctx, accountID, limit)
}

// Debited keeps the bets whose stake reached the ledger. A bet can be on
// record without its debit if the process stopped between the two writes.
func (l *Ledger) Debited(ctx context.Context, bets []*models.Bet) ([]*models.Bet, error) {
	placed := make(map[string]bool)
	scanned := make(map[string]bool)
	for _, bet := range bets {
		if scanned[bet.PlayerID] {
			continue
		}
		scanned[bet.PlayerID] = true

		_, entries, err := l.store.Snapshot(ctx, bet.PlayerID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Reason == models.ReasonBetPlaced {
				placed[e.Refs[models.RefBet]] = true
			}
		}
	}

	out := make([]*models.Bet, 0, len(bets))
	for _, bet := range bets {
		if placed[bet.ID] {
			out = append(out, bet)
		}
	}
	return out, nil
}

// SetFrozen blocks (or unblocks) ordinary debits for an account.
func (l *Ledger) SetFrozen(ctx context.Context, accountID string, frozen bool) error {
	unlock := l.locks.Lock(accountID)
	defer unlock()
	return l.store.SetFrozen(ctx, accountID, frozen)
}

func validateEntry(req models.EntryRequest) error {
	switch {
	case req.AccountID == "":
		return apperrors.New(apperrors.CodeValidation, "entry has no account")
	case req.Reason == "":
		return apperrors.New(apperrors.CodeValidation, "entry has no reason")
	case req.Delta.IsZero():
		return apperrors.New(apperrors.CodeValidation, "entry delta is zero")
	case !req.Delta.Equal(req.Delta.Truncate(models.MoneyPlaces)):
		return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("entry delta %s has more than %d decimals", req.Delta, models.MoneyPlaces))
	}
	return nil
}

// planEntries applies reqs in order to the given accounts and builds the
// resulting entries. Accounts are mutated in place; callers pass copies and
// discard them when an error is returned.
func planEntries(accounts map[string]*models.WalletAccount, reqs []models.EntryRequest, batchKey string, now time.Time) ([]*models.LedgerEntry, error) {
	entries := make([]*models.LedgerEntry, 0, len(reqs))

	for _, req := range reqs {
		account := accounts[req.AccountID]

		if req.Delta.IsNegative() && !req.Override {
			if account.Frozen {
				return nil, apperrors.New(apperrors.CodeAccountFrozen,
					fmt.Sprintf("account %s has a transaction restriction", req.AccountID))
			}
		}

		next := account.Balance.Add(req.Delta)
		if next.IsNegative() && !req.Override {
			return nil, apperrors.New(apperrors.CodeInsufficientFunds,
				fmt.Sprintf("insufficient balance: have %s, need %s", models.FormatMoney(account.Balance), models.FormatMoney(req.Delta.Neg())))
		}

		account.Balance = next
		account.UpdatedAt = now

		refs := make(models.Refs, len(req.Refs)+1)
		for k, v := range req.Refs {
			refs[k] = v
		}
		if batchKey != "" {
			refs[models.RefBatch] = batchKey
		}

		entries = append(entries, &models.LedgerEntry{
			ID:           models.NewID(),
			AccountID:    req.AccountID,
			Delta:        req.Delta,
			Reason:       req.Reason,
			Refs:         refs,
			BalanceAfter: next,
			CreatedAt:    now,
		})
	}

	return entries, nil
}

func sumEntries(entries []*models.LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Delta)
	}
	return total
}
