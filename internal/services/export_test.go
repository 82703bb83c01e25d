package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CorruptCommit replaces the live round's private seed so the reveal no
// longer matches the published hash.
func CorruptCommit(m *RoundMachine) error {
	return m.do(context.Background(), func() error {
		m.current.PrivateSeed = "not-the-committed-seed"
		return nil
	})
}

// TamperBalance overwrites a cached balance without writing an entry.
func TamperBalance(s *MemoryLedgerStore, accountID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account := s.copyAccountLocked(accountID)
	account.Balance = balance
	s.accounts[accountID] = account
}

func SetStoreClock[K comparable, V any](s *ExpiringStore[K, V], now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func WithdrawalCount(s *MemoryCashierStore) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.withdrawals)
}
