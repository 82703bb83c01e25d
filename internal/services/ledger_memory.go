package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"fairplay-backend/internal/models"
)

// MemoryLedgerStore keeps the ledger in process memory. Account-level locks
// make Apply atomic per account set, so batches over disjoint accounts run
// concurrently.
type MemoryLedgerStore struct {
	locks *keyedMutex

	mu       sync.RWMutex
	accounts map[string]*models.WalletAccount
	entries  map[string][]*models.LedgerEntry
	batches  map[string]struct{}

	now func() time.Time
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		locks:    newKeyedMutex(),
		accounts: make(map[string]*models.WalletAccount),
		entries:  make(map[string][]*models.LedgerEntry),
		batches:  make(map[string]struct{}),
		now:      time.Now,
	}
}

func (s *MemoryLedgerStore) Apply(ctx context.Context, batchKey string, reqs []models.EntryRequest) ([]*models.LedgerEntry, error) {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, req.AccountID)
	}
	unlock := s.locks.Lock(ids...)
	defer unlock()

	s.mu.Lock()
	if s.batchAppliedLocked(batchKey) {
		s.mu.Unlock()
		return nil, ErrBatchAlreadyApplied
	}
	working := make(map[string]*models.WalletAccount, len(ids))
	for _, id := range ids {
		working[id] = s.copyAccountLocked(id)
	}
	s.mu.Unlock()

	entries, err := planEntries(working, reqs, batchKey, s.now())
	if err != nil {
		return nil, err
	}

	// The key is claimed together with the writes, so a batch that fails
	// planning never hides a concurrent one with the same key.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchAppliedLocked(batchKey) {
		return nil, ErrBatchAlreadyApplied
	}
	if batchKey != "" {
		s.batches[batchKey] = struct{}{}
	}
	for id, account := range working {
		s.accounts[id] = account
	}
	for _, e := range entries {
		s.entries[e.AccountID] = append(s.entries[e.AccountID], e)
	}
	return entries, nil
}

func (s *MemoryLedgerStore) batchAppliedLocked(batchKey string) bool {
	if batchKey == "" {
		return false
	}
	_, ok := s.batches[batchKey]
	return ok
}

func (s *MemoryLedgerStore) Account(ctx context.Context, accountID string) (*models.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyAccountLocked(accountID), nil
}

func (s *MemoryLedgerStore) Entries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[accountID]
	out := make([]*models.LedgerEntry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		e := *all[i]
		out = append(out, &e)
	}
	return out, nil
}

func (s *MemoryLedgerStore) Snapshot(ctx context.Context, accountID string) (*models.WalletAccount, []*models.LedgerEntry, error) {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*models.LedgerEntry, len(s.entries[accountID]))
	for i, e := range s.entries[accountID] {
		c := *e
		entries[i] = &c
	}
	return s.copyAccountLocked(accountID), entries, nil
}

func (s *MemoryLedgerStore) AccountIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryLedgerStore) SetFrozen(ctx context.Context, accountID string, frozen bool) error {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.copyAccountLocked(accountID)
	account.Frozen = frozen
	account.UpdatedAt = s.now()
	s.accounts[accountID] = account
	return nil
}

func (s *MemoryLedgerStore) copyAccountLocked(accountID string) *models.WalletAccount {
	if account, ok := s.accounts[accountID]; ok {
		c := *account
		return &c
	}
	return &models.WalletAccount{ID: accountID}
}
