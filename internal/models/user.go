package models

import "github.com/shopspring/decimal"

// PlayerStats are the running totals behind the withdrawal wagering
// requirement and VIP rakeback.
type PlayerStats struct {
	PlayerID       string          `json:"player_id"`
	TotalWagered   decimal.Decimal `json:"total_wagered"`
	TotalWon       decimal.Decimal `json:"total_won"`
	BetCount       int64           `json:"bet_count"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`

	RakebackClaimed decimal.Decimal `json:"rakeback_claimed"`
	// WagerLimit is an operator-set amount the player must wager before
	// any withdrawal. Zero means none.
	WagerLimit decimal.Decimal `json:"wager_limit"`
}

// VIPStatus is a player's rakeback position.
type VIPStatus struct {
	Wagered          decimal.Decimal `json:"wagered"`
	RakebackRate     decimal.Decimal `json:"rakeback_rate"`
	RakebackBalance  decimal.Decimal `json:"rakeback_balance"`
	MinRakebackClaim decimal.Decimal `json:"min_rakeback_claim"`
	WagerNeeded      decimal.Decimal `json:"wager_needed_for_withdraw"`
}
