package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
	"fairplay-backend/internal/services"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fund(t *testing.T, ledger *services.Ledger, accountID, amount string) {
	t.Helper()
	_, err := ledger.Append(context.Background(), models.EntryRequest{
		AccountID: accountID,
		Delta:     dec(amount),
		Reason:    models.ReasonDeposit,
		Refs:      models.Refs{models.RefTx: "seed-" + accountID},
	})
	if err != nil {
		t.Fatalf("fund %s: %v", accountID, err)
	}
}

// flakyStore fails the next failures Apply calls whose batch key starts
// with prefix. An empty prefix matches every call.
type flakyStore struct {
	services.LedgerStore

	mu       sync.Mutex
	prefix   string
	failures int
	failed   int
}

func (s *flakyStore) Apply(ctx context.Context, batchKey string, reqs []models.EntryRequest) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	if s.failures > 0 && strings.HasPrefix(batchKey, s.prefix) {
		s.failures--
		s.failed++
		s.mu.Unlock()
		return nil, errors.New("ledger store unavailable")
	}
	s.mu.Unlock()
	return s.LedgerStore.Apply(ctx, batchKey, reqs)
}

func (s *flakyStore) failedCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func assertBalance(t *testing.T, ledger *services.Ledger, accountID, want string) {
	t.Helper()
	got, err := ledger.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("balance %s: %v", accountID, err)
	}
	if !got.Equal(dec(want)) {
		t.Errorf("balance of %s = %s, want %s", accountID, got, want)
	}
}

func TestLedgerAppend(t *testing.T) {
	ctx := context.Background()
	ledger := services.NewLedger(services.NewMemoryLedgerStore())

	fund(t, ledger, "alice", "100.00")

	entry, err := ledger.Append(ctx, models.EntryRequest{
		AccountID: "alice",
		Delta:     dec("-30.50"),
		Reason:    models.ReasonBetPlaced,
		Refs:      models.Refs{models.RefRound: "r1", models.RefBet: "b1"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !entry.BalanceAfter.Equal(dec("69.50")) {
		t.Errorf("balance after = %s, want 69.50", entry.BalanceAfter)
	}
	if entry.Refs[models.RefRound] != "r1" || entry.Refs[models.RefBet] != "b1" {
		t.Errorf("refs not kept: %v", entry.Refs)
	}
	assertBalance(t, ledger, "alice", "69.50")

	entries, err := ledger.Entries(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != entry.ID {
		t.Errorf("entries should be newest first")
	}
}

func TestLedgerAppendRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	ledger := services.NewLedger(services.NewMemoryLedgerStore())
	fund(t, ledger, "bob", "5.00")

	_, err := ledger.Append(ctx, models.EntryRequest{AccountID: "bob", Delta: dec("-5.01"), Reason: models.ReasonBetPlaced})
	if !errors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
	assertBalance(t, ledger, "bob", "5.00")

	// An override may go negative.
	_, err = ledger.Append(ctx, models.EntryRequest{AccountID: "bob", Delta: dec("-10.00"), Reason: models.ReasonAdjustment, Override: true})
	if err != nil {
		t.Fatalf("override append: %v", err)
	}
	assertBalance(t, ledger, "bob", "-5.00")
}

func TestLedgerAppendValidation(t *testing.T) {
	ledger := services.NewLedger(services.NewMemoryLedgerStore())

	tests := []struct {
		name string
		req  models.EntryRequest
	}{
		{"no account", models.EntryRequest{Delta: dec("1"), Reason: models.ReasonDeposit}},
		{"no reason", models.EntryRequest{AccountID: "a", Delta: dec("1")}},
		{"zero delta", models.EntryRequest{AccountID: "a", Delta: decimal.Zero, Reason: models.ReasonDeposit}},
		{"sub-cent delta", models.EntryRequest{AccountID: "a", Delta: dec("0.001"), Reason: models.ReasonDeposit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Append(context.Background(), tt.req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected VALIDATION, got %v", err)
			}
		})
	}
}

func TestLedgerFrozenAccount(t *testing.T) {
	ctx := context.Background()
	ledger := services.NewLedger(services.NewMemoryLedgerStore())
	fund(t, ledger, "carol", "50.00")

	if err := ledger.SetFrozen(ctx, "carol", true); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	_, err := ledger.Append(ctx, models.EntryRequest{AccountID: "carol", Delta: dec("-1.00"), Reason: models.ReasonBetPlaced})
	if !errors.Is(err, apperrors.ErrAccountFrozen) {
		t.Fatalf("expected ACCOUNT_FROZEN, got %v", err)
	}

	// Credits still land on a frozen account.
	fund(t, ledger, "carol", "1.00")
	assertBalance(t, ledger, "carol", "51.00")

	if err := ledger.SetFrozen(ctx, "carol", false); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := ledger.Append(ctx, models.EntryRequest{AccountID: "carol", Delta: dec("-1.00"), Reason: models.ReasonBetPlaced}); err != nil {
		t.Fatalf("debit after unfreeze: %v", err)
	}
}

func TestLedgerBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	ledger := services.NewLedger(services.NewMemoryLedgerStore())
	fund(t, ledger, "a", "10.00")
	fund(t, ledger, "b", "1.00")

	_, err := ledger.ApplyBatch(ctx, "batch-1", []models.EntryRequest{
		{AccountID: "a", Delta: dec("5.00"), Reason: models.ReasonBetPayout},
		{AccountID: "b", Delta: dec("-2.00"), Reason: models.ReasonAdjustment},
	})
	if !errors.Is(err, apperrors.ErrBatchRejected) {
		t.Fatalf("expected BATCH_REJECTED, got %v", err)
	}
	assertBalance(t, ledger, "a", "10.00")
	assertBalance(t, ledger, "b", "1.00")

	// A rejected key can be used again once the batch is valid.
	entries, err := ledger.ApplyBatch(ctx, "batch-1", []models.EntryRequest{
		{AccountID: "a", Delta: dec("5.00"), Reason: models.ReasonBetPayout},
		{AccountID: "b", Delta: dec("-1.00"), Reason: models.ReasonAdjustment},
	})
	if err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Refs[models.RefBatch] != "batch-1" {
		t.Errorf("batch key missing from refs: %v", entries[0].Refs)
	}
	assertBalance(t, ledger, "a", "15.00")
	assertBalance(t, ledger, "b", "0.00")
}

func TestLedgerBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := services.NewLedger(services.NewMemoryLedgerStore())

	reqs := []models.EntryRequest{{AccountID: "a", Delta: dec("7.00"), Reason: models.ReasonBetPayout}}
	if _, err := ledger.ApplyBatch(ctx, "settle:r1", reqs); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	_, err := ledger.ApplyBatch(ctx, "settle:r1", reqs)
	if !errors.Is(err, services.ErrBatchAlreadyApplied) {
		t.Fatalf("expected ErrBatchAlreadyApplied, got %v", err)
	}

	assertBalance(t, ledger, "a", "7.00")
	entries, _ := ledger.Entries(ctx, "a", 10)
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

// Batches sharing a key but touching different accounts do not serialize on
// account locks. A rejected one must never make the others report the key
// as applied.
func TestLedgerSameKeyCommitsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	ledger := services.NewLedger(services.NewMemoryLedgerStore())

	for round := 0; round < 20; round++ {
		key := fmt.Sprintf("close:r%d", round)

		var wg sync.WaitGroup
		var mu sync.Mutex
		applied, already := 0, 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				delta := dec("1.00")
				if i%2 == 0 {
					// Overdraws an empty account, so planning rejects it.
					delta = dec("-1.00")
				}
				account := fmt.Sprintf("acct-%d-%d", round, i)
				_, err := ledger.ApplyBatch(ctx, key, []models.EntryRequest{{AccountID: account, Delta: delta, Reason: models.ReasonAdjustment}})

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					applied++
				case errors.Is(err, services.ErrBatchAlreadyApplied):
					already++
				case !errors.Is(err, apperrors.ErrBatchRejected):
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if applied != 1 {
			t.Fatalf("%s: expected exactly one committed batch, got %d (%d saw it applied)", key, applied, already)
		}
	}
}

func TestLedgerConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	ledger := services.NewLedger(services.NewMemoryLedgerStore())
	fund(t, ledger, "dave", "100.00")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Append(ctx, models.EntryRequest{AccountID: "dave", Delta: dec("-3.00"), Reason: models.ReasonBetPlaced})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 33 {
		t.Errorf("expected 33 successful debits, got %d", succeeded)
	}
	assertBalance(t, ledger, "dave", "1.00")
}

func TestLedgerBalanceMatchesEntries(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryLedgerStore()
	ledger := services.NewLedger(store)
	fund(t, ledger, "erin", "20.00")

	for _, delta := range []string{"-1.25", "3.40", "-7.00", "0.85"} {
		if _, err := ledger.Append(ctx, models.EntryRequest{AccountID: "erin", Delta: dec(delta), Reason: models.ReasonAdjustment}); err != nil {
			t.Fatalf("append %s: %v", delta, err)
		}
	}

	account, entries, err := store.Snapshot(ctx, "erin")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Delta)
	}
	if !sum.Equal(account.Balance) {
		t.Errorf("entry sum %s != balance %s", sum, account.Balance)
	}
}

func TestReconcilerReportsDrift(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryLedgerStore()
	ledger := services.NewLedger(store)
	fund(t, ledger, "ok", "10.00")
	fund(t, ledger, "bad", "10.00")

	alerts := &recordingAlerter{}
	reconciler := services.NewReconciler(ledger, alerts, 0)

	drifts, err := reconciler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(drifts) != 0 {
		t.Fatalf("expected no drift, got %v", drifts)
	}

	services.TamperBalance(store, "bad", dec("99.00"))

	drifts, err = reconciler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(drifts) != 1 || drifts[0].AccountID != "bad" {
		t.Fatalf("expected drift on bad, got %v", drifts)
	}
	if !drifts[0].Computed.Equal(dec("10.00")) {
		t.Errorf("computed = %s, want 10.00", drifts[0].Computed)
	}
	if alerts.count(services.AlertLedgerDrift) != 1 {
		t.Errorf("expected one drift alert")
	}

	// Drift is reported, not repaired.
	assertBalance(t, ledger, "bad", "99.00")
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(ctx context.Context, kind, message string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, kind)
}

func (a *recordingAlerter) count(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, k := range a.alerts {
		if k == kind {
			n++
		}
	}
	return n
}
