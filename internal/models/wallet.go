package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletAccount struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Frozen    bool            `json:"frozen"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Reason string

const (
	ReasonBetPlaced        Reason = "bet placed"
	ReasonBetPayout        Reason = "bet payout"
	ReasonBetRefund        Reason = "bet refund"
	ReasonDeposit          Reason = "deposit"
	ReasonWithdrawal       Reason = "withdrawal requested"
	ReasonWithdrawalFailed Reason = "withdrawal refunded"
	ReasonCoupon           Reason = "coupon redeemed"
	ReasonAdjustment       Reason = "admin adjustment"
	ReasonRakeback         Reason = "VIP rakeback claim"
)

// Refs keys.
const (
	RefRound    = "round"
	RefBet      = "bet"
	RefCoupon   = "coupon"
	RefTx       = "tx"
	RefModifier = "modifier"
	RefBatch    = "batch"
)

type Refs map[string]string

// LedgerEntry is an immutable balance change with its cause.
type LedgerEntry struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Delta        decimal.Decimal `json:"delta"`
	Reason       Reason          `json:"reason"`
	Refs         Refs            `json:"refs,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EntryRequest is a not-yet-applied ledger entry.
type EntryRequest struct {
	AccountID string
	Delta     decimal.Decimal
	Reason    Reason
	Refs      Refs

	// Override lets an administrative entry take the balance negative.
	Override bool
}

type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Frozen    bool            `json:"frozen"`
}
