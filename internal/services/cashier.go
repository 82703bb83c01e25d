package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

type Coupon struct {
	Code    string          `json:"code"`
	Amount  decimal.Decimal `json:"amount"`
	MaxUses int             `json:"max_uses"`
	Uses    int             `json:"uses"`
	Active  bool            `json:"active"`
}

func (c *Coupon) claim() {
	c.Uses++
	if c.Uses >= c.MaxUses {
		c.Active = false
	}
}

func (c *Coupon) release() {
	if c.Uses > 0 {
		c.Uses--
	}
	if c.Uses < c.MaxUses {
		c.Active = true
	}
}

const (
	WithdrawalPending   = "pending"
	WithdrawalCompleted = "completed"
	WithdrawalFailed    = "failed"
)

type Withdrawal struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

type CashierConfig struct {
	// WagerMultiplier times a player's deposits must be wagered before a
	// withdrawal. Zero disables the requirement.
	WagerMultiplier decimal.Decimal
	// RakebackRate of every wager accrues as claimable rakeback.
	RakebackRate     decimal.Decimal
	MinRakebackClaim decimal.Decimal
}

// Cashier moves money in and out of the platform. Every movement is one
// ledger entry; payment rail callbacks are made idempotent by batch key.
type Cashier struct {
	cfg    CashierConfig
	ledger *Ledger
	store  CashierStore
	wagers WagerStore
	now    func() time.Time
}

func NewCashier(cfg CashierConfig, ledger *Ledger, store CashierStore, wagers WagerStore) *Cashier {
	return &Cashier{
		cfg:    cfg,
		ledger: ledger,
		store:  store,
		wagers: wagers,
		now:    time.Now,
	}
}

// ConfirmDeposit credits a confirmed payment. A repeated confirmation for
// the same external transaction reports applied=false and credits nothing.
func (c *Cashier) ConfirmDeposit(ctx context.Context, accountID, txID string, amount decimal.Decimal) (applied bool, err error) {
	if txID == "" {
		return false, apperrors.New(apperrors.CodeValidation, "transaction id is required")
	}
	if !models.ValidAmount(amount) {
		return false, apperrors.New(apperrors.CodeValidation, "deposit amount must be positive with at most two decimals")
	}

	_, err = c.ledger.ApplyBatch(ctx, "deposit:"+txID, []models.EntryRequest{{
		AccountID: accountID,
		Delta:     amount,
		Reason:    models.ReasonDeposit,
		Refs:      models.Refs{models.RefTx: txID},
	}})
	if errors.Is(err, ErrBatchAlreadyApplied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := c.wagers.RecordDeposit(ctx, accountID, amount); err != nil {
		log.Printf("failed to record deposit %s for %s: %v", txID, accountID, err)
	}
	return true, nil
}

// WagerNeeded is how much more the player must wager before withdrawing:
// the larger of the deposit requirement and any operator wager limit.
func (c *Cashier) WagerNeeded(stats models.PlayerStats) decimal.Decimal {
	required := stats.TotalDeposited.Mul(c.cfg.WagerMultiplier)
	if stats.WagerLimit.GreaterThan(required) {
		required = stats.WagerLimit
	}
	needed := required.Sub(stats.TotalWagered)
	if needed.IsNegative() {
		return decimal.Zero
	}
	return models.FloorMoney(needed)
}

// RequestWithdrawal debits the player up front. The payout itself happens
// off-platform; a failed payout is refunded with FailWithdrawal. The
// withdrawal is on record before the debit and removed if the debit fails.
func (c *Cashier) RequestWithdrawal(ctx context.Context, accountID string, amount decimal.Decimal, destination string) (*Withdrawal, error) {
	if !models.ValidAmount(amount) {
		return nil, apperrors.New(apperrors.CodeValidation, "withdrawal amount must be positive with at most two decimals")
	}
	if strings.TrimSpace(destination) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "destination is required")
	}

	stats, err := c.wagers.Stats(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if needed := c.WagerNeeded(stats); needed.IsPositive() {
		return nil, apperrors.New(apperrors.CodeWagerRequired,
			fmt.Sprintf("you must wager at least %s more before withdrawing", models.FormatMoney(needed)))
	}

	w := &Withdrawal{
		ID:          models.NewID(),
		AccountID:   accountID,
		Amount:      amount,
		Destination: destination,
		Status:      WithdrawalPending,
		CreatedAt:   c.now(),
	}
	if err := c.store.SaveWithdrawal(ctx, w); err != nil {
		return nil, err
	}

	_, err = c.ledger.Append(ctx, models.EntryRequest{
		AccountID: accountID,
		Delta:     amount.Neg(),
		Reason:    models.ReasonWithdrawal,
		Refs:      models.Refs{models.RefTx: w.ID},
	})
	if err != nil {
		if derr := c.store.DeleteWithdrawal(context.WithoutCancel(ctx), w.ID); derr != nil {
			log.Printf("failed to remove rejected withdrawal %s: %v", w.ID, derr)
		}
		return nil, err
	}
	return w, nil
}

func (c *Cashier) CompleteWithdrawal(ctx context.Context, withdrawalID string) (*Withdrawal, error) {
	return c.store.TransitionWithdrawal(ctx, withdrawalID, WithdrawalPending, WithdrawalCompleted)
}

// FailWithdrawal refunds a pending withdrawal in full. The status flips
// first, so a completion racing the failure cannot also succeed.
func (c *Cashier) FailWithdrawal(ctx context.Context, withdrawalID string) (*Withdrawal, error) {
	w, err := c.store.TransitionWithdrawal(ctx, withdrawalID, WithdrawalPending, WithdrawalFailed)
	if err != nil {
		return nil, err
	}

	_, err = c.ledger.ApplyBatch(ctx, "withdraw-refund:"+w.ID, []models.EntryRequest{{
		AccountID: w.AccountID,
		Delta:     w.Amount,
		Reason:    models.ReasonWithdrawalFailed,
		Refs:      models.Refs{models.RefTx: w.ID},
	}})
	if err != nil && !errors.Is(err, ErrBatchAlreadyApplied) {
		if _, rerr := c.store.TransitionWithdrawal(context.WithoutCancel(ctx), w.ID, WithdrawalFailed, WithdrawalPending); rerr != nil {
			log.Printf("failed to reopen withdrawal %s after refund error: %v", w.ID, rerr)
		}
		return nil, err
	}
	return w, nil
}

func (c *Cashier) Withdrawal(ctx context.Context, withdrawalID string) (*Withdrawal, error) {
	return c.store.GetWithdrawal(ctx, withdrawalID)
}

func (c *Cashier) AddCoupon(ctx context.Context, code string, amount decimal.Decimal, maxUses int) error {
	code = normalizeCoupon(code)
	if code == "" || maxUses <= 0 || !models.ValidAmount(amount) {
		return apperrors.New(apperrors.CodeValidation, "coupon needs a code, a positive amount and at least one use")
	}

	return c.store.SaveCoupon(ctx, &Coupon{
		Code:    code,
		Amount:  amount,
		MaxUses: maxUses,
		Active:  true,
	})
}

// RedeemCoupon credits a coupon once per player. The coupon deactivates when
// its last use is claimed.
func (c *Cashier) RedeemCoupon(ctx context.Context, accountID, code string) (*models.LedgerEntry, error) {
	code = normalizeCoupon(code)

	coupon, err := c.store.ClaimCoupon(ctx, code, accountID)
	if err != nil {
		return nil, err
	}

	entry, err := c.ledger.Append(ctx, models.EntryRequest{
		AccountID: accountID,
		Delta:     coupon.Amount,
		Reason:    models.ReasonCoupon,
		Refs:      models.Refs{models.RefCoupon: coupon.Code},
	})
	if err != nil {
		if rerr := c.store.ReleaseCoupon(context.WithoutCancel(ctx), code, accountID); rerr != nil {
			log.Printf("failed to release coupon %s for %s: %v", code, accountID, rerr)
		}
		return nil, err
	}
	return entry, nil
}

func (c *Cashier) Coupon(ctx context.Context, code string) (*Coupon, error) {
	return c.store.GetCoupon(ctx, normalizeCoupon(code))
}

// RakebackBalance is the rakeback accrued on all wagers so far, less what
// has been claimed, floored to the cent.
func (c *Cashier) RakebackBalance(stats models.PlayerStats) decimal.Decimal {
	accrued := models.FloorMoney(stats.TotalWagered.Mul(c.cfg.RakebackRate))
	balance := accrued.Sub(stats.RakebackClaimed)
	if balance.IsNegative() {
		return decimal.Zero
	}
	return balance
}

func (c *Cashier) VIPStatus(ctx context.Context, accountID string) (*models.VIPStatus, error) {
	stats, err := c.wagers.Stats(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &models.VIPStatus{
		Wagered:          stats.TotalWagered,
		RakebackRate:     c.cfg.RakebackRate,
		RakebackBalance:  c.RakebackBalance(stats),
		MinRakebackClaim: c.cfg.MinRakebackClaim,
		WagerNeeded:      c.WagerNeeded(stats),
	}, nil
}

// ClaimRakeback credits the whole rakeback balance once it reaches the
// minimum claim.
func (c *Cashier) ClaimRakeback(ctx context.Context, accountID string) (*models.LedgerEntry, error) {
	var short decimal.Decimal
	amount, err := c.wagers.ClaimRakeback(ctx, accountID, func(stats models.PlayerStats) decimal.Decimal {
		balance := c.RakebackBalance(stats)
		if !balance.IsPositive() || balance.LessThan(c.cfg.MinRakebackClaim) {
			short = balance
			return decimal.Zero
		}
		return balance
	})
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("you must have at least %s rakeback collected before claiming it, you have %s",
				models.FormatMoney(c.cfg.MinRakebackClaim), models.FormatMoney(short)))
	}

	entry, err := c.ledger.Append(ctx, models.EntryRequest{
		AccountID: accountID,
		Delta:     amount,
		Reason:    models.ReasonRakeback,
	})
	if err != nil {
		if rerr := c.wagers.ReturnRakeback(context.WithoutCancel(ctx), accountID, amount); rerr != nil {
			log.Printf("failed to return rakeback %s for %s: %v", models.FormatMoney(amount), accountID, rerr)
		}
		return nil, err
	}
	return entry, nil
}

// SetWagerLimit makes a player wager at least limit before withdrawing.
func (c *Cashier) SetWagerLimit(ctx context.Context, accountID string, limit decimal.Decimal) error {
	if limit.IsNegative() || !limit.Equal(limit.Truncate(2)) {
		return apperrors.New(apperrors.CodeValidation, "wager limit must be zero or positive with at most two decimals")
	}
	return c.wagers.SetWagerLimit(ctx, accountID, limit)
}

// AdminAdjust applies an operator correction. It may take the balance
// negative and records who made it.
func (c *Cashier) AdminAdjust(ctx context.Context, accountID string, delta decimal.Decimal, modifierID, note string) (*models.LedgerEntry, error) {
	if modifierID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "modifier is required")
	}
	refs := models.Refs{models.RefModifier: modifierID}
	if note != "" {
		refs["note"] = note
	}
	return c.ledger.Append(ctx, models.EntryRequest{
		AccountID: accountID,
		Delta:     delta,
		Reason:    models.ReasonAdjustment,
		Refs:      refs,
		Override:  true,
	})
}

func normalizeCoupon(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
