package services_test

import (
	"context"
	"errors"
	"testing"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
	"fairplay-backend/internal/services"
)

var cashierConfig = services.CashierConfig{
	WagerMultiplier:  dec("1"),
	RakebackRate:     dec("0.01"),
	MinRakebackClaim: dec("1.00"),
}

type cashierFixture struct {
	cashier *services.Cashier
	ledger  *services.Ledger
	wagers  services.WagerStore
}

// cashierBackends runs fn against the in-process stores and against Redis,
// the two ways main.go wires the cashier.
func cashierBackends(t *testing.T, fn func(t *testing.T, f cashierFixture)) {
	t.Run("memory", func(t *testing.T) {
		ledger := services.NewLedger(services.NewMemoryLedgerStore())
		wagers := services.NewWagerTracker()
		fn(t, cashierFixture{
			cashier: services.NewCashier(cashierConfig, ledger, services.NewMemoryCashierStore(), wagers),
			ledger:  ledger,
			wagers:  wagers,
		})
	})
	t.Run("redis", func(t *testing.T) {
		svc, _ := newTestRedis(t)
		ledger := services.NewLedger(svc)
		fn(t, cashierFixture{
			cashier: services.NewCashier(cashierConfig, ledger, svc, svc),
			ledger:  ledger,
			wagers:  svc,
		})
	})
}

func TestConfirmDepositIsIdempotent(t *testing.T) {
	cashierBackends(t, func(t *testing.T, f cashierFixture) {
		ctx := context.Background()

		applied, err := f.cashier.ConfirmDeposit(ctx, "p", "tx-1", dec("25.00"))
		if err != nil || !applied {
			t.Fatalf("first confirmation: applied=%v err=%v", applied, err)
		}
		applied, err = f.cashier.ConfirmDeposit(ctx, "p", "tx-1", dec("25.00"))
		if err != nil || applied {
			t.Fatalf("repeat confirmation: applied=%v err=%v", applied, err)
		}
		assertBalance(t, f.ledger, "p", "25.00")

		stats, err := f.wagers.Stats(ctx, "p")
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if !stats.TotalDeposited.Equal(dec("25")) {
			t.Errorf("deposited = %s, want 25 counted once", stats.TotalDeposited)
		}

		if _, err := f.cashier.ConfirmDeposit(ctx, "p", "", dec("1")); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("missing tx id: expected VALIDATION, got %v", err)
		}
		if _, err := f.cashier.ConfirmDeposit(ctx, "p", "tx-2", dec("-1")); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("negative deposit: expected VALIDATION, got %v", err)
		}
	})
}

func TestWithdrawalLifecycle(t *testing.T) {
	cashierBackends(t, func(t *testing.T, f cashierFixture) {
		ctx := context.Background()
		fund(t, f.ledger, "p", "30.00")

		if _, err := f.cashier.RequestWithdrawal(ctx, "p", dec("31"), "addr"); !errors.Is(err, apperrors.ErrInsufficientFunds) {
			t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
		}

		w, err := f.cashier.RequestWithdrawal(ctx, "p", dec("10"), "addr")
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if w.Status != services.WithdrawalPending {
			t.Errorf("status = %s, want pending", w.Status)
		}
		assertBalance(t, f.ledger, "p", "20.00")

		failed, err := f.cashier.FailWithdrawal(ctx, w.ID)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if failed.Status != services.WithdrawalFailed {
			t.Errorf("status = %s, want failed", failed.Status)
		}
		assertBalance(t, f.ledger, "p", "30.00")

		if _, err := f.cashier.FailWithdrawal(ctx, w.ID); !errors.Is(err, apperrors.ErrWithdrawalClosed) {
			t.Errorf("failing twice: expected WITHDRAWAL_CLOSED, got %v", err)
		}
		if _, err := f.cashier.CompleteWithdrawal(ctx, w.ID); !errors.Is(err, apperrors.ErrWithdrawalClosed) {
			t.Errorf("completing a failed withdrawal: expected WITHDRAWAL_CLOSED, got %v", err)
		}
		if _, err := f.cashier.FailWithdrawal(ctx, "missing"); !errors.Is(err, apperrors.ErrWithdrawalNotFound) {
			t.Errorf("unknown withdrawal: expected WITHDRAWAL_NOT_FOUND, got %v", err)
		}
		assertBalance(t, f.ledger, "p", "30.00")

		w2, err := f.cashier.RequestWithdrawal(ctx, "p", dec("5"), "addr")
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		done, err := f.cashier.CompleteWithdrawal(ctx, w2.ID)
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if done.Status != services.WithdrawalCompleted {
			t.Errorf("status = %s, want completed", done.Status)
		}
		assertBalance(t, f.ledger, "p", "25.00")
	})
}

func TestRejectedWithdrawalLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryCashierStore()
	ledger := services.NewLedger(services.NewMemoryLedgerStore())
	cashier := services.NewCashier(cashierConfig, ledger, store, services.NewWagerTracker())
	fund(t, ledger, "p", "3.00")
	if err := ledger.SetFrozen(ctx, "p", true); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	if _, err := cashier.RequestWithdrawal(ctx, "p", dec("1"), "addr"); !errors.Is(err, apperrors.ErrAccountFrozen) {
		t.Fatalf("expected ACCOUNT_FROZEN, got %v", err)
	}
	entries, _ := ledger.Entries(ctx, "p", 10)
	if len(entries) != 1 {
		t.Errorf("expected only the funding entry, got %d", len(entries))
	}
	if n := services.WithdrawalCount(store); n != 0 {
		t.Errorf("rejected withdrawal left %d records", n)
	}
}

// A withdrawal survives a restart: a new cashier over the same Redis can
// still refund it.
func TestRedisWithdrawalSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	svc, mr := newTestRedis(t)
	ledger := services.NewLedger(svc)
	fund(t, ledger, "p", "20.00")

	first := services.NewCashier(cashierConfig, ledger, svc, svc)
	w, err := first.RequestWithdrawal(ctx, "p", dec("15"), "addr")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	other := redisClientFor(t, mr)
	restarted := services.NewCashier(cashierConfig, services.NewLedger(other), other, other)
	if _, err := restarted.FailWithdrawal(ctx, w.ID); err != nil {
		t.Fatalf("fail after restart: %v", err)
	}
	assertBalance(t, ledger, "p", "20.00")
}

func TestCouponRedemption(t *testing.T) {
	cashierBackends(t, func(t *testing.T, f cashierFixture) {
		ctx := context.Background()

		if err := f.cashier.AddCoupon(ctx, " welcome ", dec("5"), 2); err != nil {
			t.Fatalf("add coupon: %v", err)
		}

		entry, err := f.cashier.RedeemCoupon(ctx, "a", "WELCOME")
		if err != nil {
			t.Fatalf("redeem: %v", err)
		}
		if entry.Reason != models.ReasonCoupon || entry.Refs[models.RefCoupon] != "WELCOME" {
			t.Errorf("unexpected entry %+v", entry)
		}

		if _, err := f.cashier.RedeemCoupon(ctx, "a", "welcome"); !errors.Is(err, apperrors.ErrCouponClaimed) {
			t.Fatalf("second claim: expected COUPON_CLAIMED, got %v", err)
		}

		if _, err := f.cashier.RedeemCoupon(ctx, "b", "welcome"); err != nil {
			t.Fatalf("redeem b: %v", err)
		}
		coupon, err := f.cashier.Coupon(ctx, "welcome")
		if err != nil || coupon.Active || coupon.Uses != 2 {
			t.Errorf("coupon should be used up, got %+v (%v)", coupon, err)
		}

		if _, err := f.cashier.RedeemCoupon(ctx, "c", "welcome"); !errors.Is(err, apperrors.ErrCouponInvalid) {
			t.Errorf("used-up coupon: expected COUPON_INVALID, got %v", err)
		}
		if _, err := f.cashier.RedeemCoupon(ctx, "c", "nope"); !errors.Is(err, apperrors.ErrCouponInvalid) {
			t.Errorf("unknown coupon: expected COUPON_INVALID, got %v", err)
		}

		assertBalance(t, f.ledger, "a", "5.00")
		assertBalance(t, f.ledger, "b", "5.00")
		assertBalance(t, f.ledger, "c", "0")
	})
}

func TestRedisCouponClaimSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	svc, mr := newTestRedis(t)
	ledger := services.NewLedger(svc)

	first := services.NewCashier(cashierConfig, ledger, svc, svc)
	if err := first.AddCoupon(ctx, "ONCE", dec("3"), 10); err != nil {
		t.Fatalf("add coupon: %v", err)
	}
	if _, err := first.RedeemCoupon(ctx, "a", "ONCE"); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	other := redisClientFor(t, mr)
	restarted := services.NewCashier(cashierConfig, services.NewLedger(other), other, other)
	if _, err := restarted.RedeemCoupon(ctx, "a", "ONCE"); !errors.Is(err, apperrors.ErrCouponClaimed) {
		t.Fatalf("claim after restart: expected COUPON_CLAIMED, got %v", err)
	}
	assertBalance(t, ledger, "a", "3.00")
}

func TestWithdrawalRequiresWagering(t *testing.T) {
	cashierBackends(t, func(t *testing.T, f cashierFixture) {
		ctx := context.Background()
		if _, err := f.cashier.ConfirmDeposit(ctx, "p", "tx-1", dec("50.00")); err != nil {
			t.Fatalf("deposit: %v", err)
		}

		_, err := f.cashier.RequestWithdrawal(ctx, "p", dec("10"), "addr")
		if !errors.Is(err, apperrors.ErrWagerRequired) {
			t.Fatalf("expected WAGER_REQUIRED, got %v", err)
		}

		if err := f.wagers.RecordWager(ctx, "p", dec("30")); err != nil {
			t.Fatalf("wager: %v", err)
		}
		status, err := f.cashier.VIPStatus(ctx, "p")
		if err != nil {
			t.Fatalf("vip status: %v", err)
		}
		if !status.WagerNeeded.Equal(dec("20")) {
			t.Errorf("wager needed = %s, want 20", status.WagerNeeded)
		}

		// Refunded wagers from cancelled rounds do not count.
		if err := f.wagers.RecordRefund(ctx, "p", dec("30")); err != nil {
			t.Fatalf("refund: %v", err)
		}
		if _, err := f.cashier.RequestWithdrawal(ctx, "p", dec("10"), "addr"); !errors.Is(err, apperrors.ErrWagerRequired) {
			t.Fatalf("after refund: expected WAGER_REQUIRED, got %v", err)
		}

		if err := f.wagers.RecordWager(ctx, "p", dec("50")); err != nil {
			t.Fatalf("wager: %v", err)
		}
		if _, err := f.cashier.RequestWithdrawal(ctx, "p", dec("10"), "addr"); err != nil {
			t.Fatalf("request after wagering: %v", err)
		}
		assertBalance(t, f.ledger, "p", "40.00")
	})
}

func TestWagerLimitBlocksWithdrawal(t *testing.T) {
	cashierBackends(t, func(t *testing.T, f cashierFixture) {
		ctx := context.Background()
		fund(t, f.ledger, "sponsor", "100.00")

		if err := f.cashier.SetWagerLimit(ctx, "sponsor", dec("40")); err != nil {
			t.Fatalf("set limit: %v", err)
		}
		if err := f.cashier.SetWagerLimit(ctx, "sponsor", dec("-1")); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("negative limit: expected VALIDATION, got %v", err)
		}

		if _, err := f.cashier.RequestWithdrawal(ctx, "sponsor", dec("10"), "addr"); !errors.Is(err, apperrors.ErrWagerRequired) {
			t.Fatalf("expected WAGER_REQUIRED, got %v", err)
		}
		if err := f.wagers.RecordWager(ctx, "sponsor", dec("40")); err != nil {
			t.Fatalf("wager: %v", err)
		}
		if _, err := f.cashier.RequestWithdrawal(ctx, "sponsor", dec("10"), "addr"); err != nil {
			t.Fatalf("request after meeting the limit: %v", err)
		}
	})
}

func TestClaimRakeback(t *testing.T) {
	cashierBackends(t, func(t *testing.T, f cashierFixture) {
		ctx := context.Background()

		if err := f.wagers.RecordWager(ctx, "p", dec("50")); err != nil {
			t.Fatalf("wager: %v", err)
		}
		// 1% of 50 is below the 1.00 minimum claim.
		if _, err := f.cashier.ClaimRakeback(ctx, "p"); !errors.Is(err, apperrors.ErrValidation) {
			t.Fatalf("expected VALIDATION below the minimum, got %v", err)
		}

		if err := f.wagers.RecordWager(ctx, "p", dec("75.99")); err != nil {
			t.Fatalf("wager: %v", err)
		}
		status, err := f.cashier.VIPStatus(ctx, "p")
		if err != nil {
			t.Fatalf("vip status: %v", err)
		}
		if !status.RakebackBalance.Equal(dec("1.25")) {
			t.Fatalf("rakeback balance = %s, want 1.25", status.RakebackBalance)
		}

		entry, err := f.cashier.ClaimRakeback(ctx, "p")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if entry.Reason != models.ReasonRakeback || !entry.Delta.Equal(dec("1.25")) {
			t.Errorf("unexpected entry %+v", entry)
		}
		assertBalance(t, f.ledger, "p", "1.25")

		if _, err := f.cashier.ClaimRakeback(ctx, "p"); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("second claim: expected VALIDATION, got %v", err)
		}
		assertBalance(t, f.ledger, "p", "1.25")
	})
}

func TestRakebackReturnedWhenCreditFails(t *testing.T) {
	ctx := context.Background()
	wagers := services.NewWagerTracker()
	store := &flakyStore{LedgerStore: services.NewMemoryLedgerStore(), failures: 1}
	ledger := services.NewLedger(store)
	cashier := services.NewCashier(cashierConfig, ledger, services.NewMemoryCashierStore(), wagers)

	if err := wagers.RecordWager(ctx, "p", dec("200")); err != nil {
		t.Fatalf("wager: %v", err)
	}

	if _, err := cashier.ClaimRakeback(ctx, "p"); err == nil {
		t.Fatal("expected the failed credit to surface")
	}
	stats, _ := wagers.Stats(ctx, "p")
	if !stats.RakebackClaimed.IsZero() {
		t.Errorf("claimed rakeback = %s, want it returned", stats.RakebackClaimed)
	}

	if _, err := cashier.ClaimRakeback(ctx, "p"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	assertBalance(t, ledger, "p", "2.00")
}

func TestAdminAdjustMayOverdraw(t *testing.T) {
	cashierBackends(t, func(t *testing.T, f cashierFixture) {
		ctx := context.Background()
		fund(t, f.ledger, "p", "3.00")

		entry, err := f.cashier.AdminAdjust(ctx, "p", dec("-5"), "ops-1", "chargeback")
		if err != nil {
			t.Fatalf("adjust: %v", err)
		}
		if entry.Refs[models.RefModifier] != "ops-1" || entry.Refs["note"] != "chargeback" {
			t.Errorf("refs = %v", entry.Refs)
		}
		assertBalance(t, f.ledger, "p", "-2.00")

		if _, err := f.cashier.AdminAdjust(ctx, "p", dec("1"), "", ""); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("missing modifier: expected VALIDATION, got %v", err)
		}
	})
}
