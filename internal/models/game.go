package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Round struct {
	ID       string      `json:"id"`
	GameType GameType    `json:"game_type"`
	Status   RoundStatus `json:"status"`

	// Provably fair fields. PrivateSeed stays empty in anything sent to
	// players until the round has been revealed.
	PrivateSeed string   `json:"private_seed,omitempty"`
	PrivateHash string   `json:"private_hash"`
	PublicSeed  string   `json:"public_seed,omitempty"`
	Outcome     *Outcome `json:"outcome,omitempty"`

	// Entropy and ClientSeeds are the inputs PublicSeed was built from,
	// recorded at reveal so the public seed can be recomputed.
	Entropy     string       `json:"entropy,omitempty"`
	ClientSeeds []ClientSeed `json:"client_seeds,omitempty"`

	BetCount     int             `json:"bet_count"`
	TotalPot     decimal.Decimal `json:"total_pot"`
	TotalPayout  decimal.Decimal `json:"total_payout"`
	HouseMargin  decimal.Decimal `json:"house_margin"`
	CancelReason string          `json:"cancel_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

// Revealed reports whether the private seed may be shown.
func (r *Round) Revealed() bool {
	return r.PublicSeed != "" || r.Status.Final()
}

// Public returns a copy safe to hand to players.
func (r *Round) Public() *Round {
	c := r.Clone()
	if !r.Revealed() {
		c.PrivateSeed = ""
	}
	return c
}

func (r *Round) Clone() *Round {
	c := *r
	if r.Outcome != nil {
		o := *r.Outcome
		c.Outcome = &o
	}
	if r.ClientSeeds != nil {
		c.ClientSeeds = append([]ClientSeed(nil), r.ClientSeeds...)
	}
	return &c
}

// ClientSeed is a player's contribution to a round's public seed.
type ClientSeed struct {
	PlayerID string `json:"player_id"`
	Seed     string `json:"seed"`
}

// Outcome is the derived result of a round. Only the fields for the
// round's game type are populated.
type Outcome struct {
	Roll float64 `json:"roll"`
	Hash string  `json:"hash"`

	Multiplier decimal.Decimal `json:"multiplier"`
	Side       string          `json:"side,omitempty"`
	Slot       *int            `json:"slot,omitempty"`
	Color      string          `json:"color,omitempty"`

	WinnerBetID    string `json:"winner_bet_id,omitempty"`
	WinnerPlayerID string `json:"winner_player_id,omitempty"`
}

type Bet struct {
	ID       string          `json:"id"`
	RoundID  string          `json:"round_id"`
	GameType GameType        `json:"game_type"`
	PlayerID string          `json:"player_id"`
	Amount   decimal.Decimal `json:"amount"`
	Payload  BetPayload      `json:"payload"`
	PlacedAt time.Time       `json:"placed_at"`

	// Payout is nil until the round resolves.
	Payout *decimal.Decimal `json:"payout,omitempty"`
}

// BetPayload carries the game-specific selection.
type BetPayload struct {
	// Side is the coinflip side.
	Side string `json:"side,omitempty"`

	// CashoutAt is the crash auto cash-out multiplier; zero means the player
	// never cashes out.
	CashoutAt decimal.Decimal `json:"cashout_at"`

	// Number or Color select a roulette slot.
	Number *int   `json:"number,omitempty"`
	Color  string `json:"color,omitempty"`
}

type RoundEvent struct {
	Type     string      `json:"type"`
	GameType GameType    `json:"game_type"`
	RoundID  string      `json:"round_id"`
	From     RoundStatus `json:"from"`
	To       RoundStatus `json:"to"`
	Round    *Round      `json:"round"`
	At       time.Time   `json:"at"`
}

const EventRoundTransition = "ROUND_TRANSITION"

// RoundRecord is the persisted audit view of a finished round.
type RoundRecord struct {
	Round *Round `json:"round"`
	Bets  []*Bet `json:"bets"`
}
