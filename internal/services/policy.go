package services

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

// GamePolicy maps a fairness roll into a game outcome and turns an outcome
// into per-bet payouts. One implementation exists per game type.
type GamePolicy interface {
	GameType() models.GameType
	ValidatePayload(payload models.BetPayload) error
	Outcome(roll float64, digest []byte) *models.Outcome
	// Payouts returns the payout for every bet, keyed by bet id. It may
	// record derived facts (the jackpot winner) on the outcome.
	Payouts(outcome *models.Outcome, bets []*models.Bet) (map[string]decimal.Decimal, error)
}

type Policies map[models.GameType]GamePolicy

func NewPolicies(houseEdge decimal.Decimal) Policies {
	return Policies{
		models.GameTypeCoinflip: &CoinflipPolicy{HouseEdge: houseEdge},
		models.GameTypeJackpot:  &JackpotPolicy{HouseEdge: houseEdge},
		models.GameTypeCrash:    &CrashPolicy{HouseEdge: houseEdge},
		models.GameTypeRoulette: &RoulettePolicy{},
	}
}

func (p Policies) Get(gameType models.GameType) (GamePolicy, error) {
	policy, ok := p[gameType]
	if !ok {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("game type not supported: %s", gameType))
	}
	return policy, nil
}

func invalidPayload(format string, args ...any) error {
	return apperrors.New(apperrors.CodeValidation, fmt.Sprintf(format, args...))
}

func emptyPayload(p models.BetPayload) bool {
	return p.Side == "" && p.CashoutAt.IsZero() && p.Number == nil && p.Color == ""
}

// CrashPolicy pays bets whose auto cash-out target was reached.
type CrashPolicy struct {
	HouseEdge decimal.Decimal
}

var (
	crashMin = decimal.NewFromInt(1)
	crashMax = decimal.NewFromInt(1000)
	// Smallest cash-out a player can request.
	crashMinCashout = decimal.RequireFromString("1.01")
)

func (p *CrashPolicy) GameType() models.GameType { return models.GameTypeCrash }

func (p *CrashPolicy) ValidatePayload(payload models.BetPayload) error {
	if payload.Side != "" || payload.Number != nil || payload.Color != "" {
		return invalidPayload("crash bets only take cashout_at")
	}
	target := payload.CashoutAt
	if target.IsZero() {
		return nil
	}
	if target.LessThan(crashMinCashout) || target.GreaterThan(crashMax) {
		return invalidPayload("cashout_at must be between %s and %s", crashMinCashout, crashMax)
	}
	if !target.Equal(target.Truncate(2)) {
		return invalidPayload("cashout_at has more than two decimals")
	}
	return nil
}

// Outcome is the standard crash curve: floor(100*(1-edge)/(1-roll))/100,
// clamped to [1, 1000].
func (p *CrashPolicy) Outcome(roll float64, digest []byte) *models.Outcome {
	edge := p.HouseEdge.InexactFloat64()
	crashPoint := math.Floor(100*(1-edge)/(1-roll)) / 100.0

	multiplier := decimal.NewFromFloat(crashPoint).Round(2)
	if multiplier.LessThan(crashMin) {
		multiplier = crashMin
	}
	if multiplier.GreaterThan(crashMax) {
		multiplier = crashMax
	}

	return &models.Outcome{Roll: roll, Multiplier: multiplier}
}

func (p *CrashPolicy) Payouts(outcome *models.Outcome, bets []*models.Bet) (map[string]decimal.Decimal, error) {
	payouts := make(map[string]decimal.Decimal, len(bets))
	for _, bet := range bets {
		target := bet.Payload.CashoutAt
		if !target.IsZero() && target.LessThanOrEqual(outcome.Multiplier) {
			payouts[bet.ID] = models.FloorMoney(bet.Amount.Mul(target))
		} else {
			payouts[bet.ID] = decimal.Zero
		}
	}
	return payouts, nil
}

// CoinflipPolicy pays fixed odds of 2x less the house edge on the side
// picked by the digest's first byte parity.
type CoinflipPolicy struct {
	HouseEdge decimal.Decimal
}

func (p *CoinflipPolicy) GameType() models.GameType { return models.GameTypeCoinflip }

func (p *CoinflipPolicy) ValidatePayload(payload models.BetPayload) error {
	if payload.Side != models.SideRed && payload.Side != models.SideBlue {
		return invalidPayload("side must be %q or %q", models.SideRed, models.SideBlue)
	}
	if !payload.CashoutAt.IsZero() || payload.Number != nil || payload.Color != "" {
		return invalidPayload("coinflip bets only take side")
	}
	return nil
}

func (p *CoinflipPolicy) Outcome(roll float64, digest []byte) *models.Outcome {
	side := models.SideRed
	if digest[0]%2 == 1 {
		side = models.SideBlue
	}
	return &models.Outcome{Roll: roll, Side: side}
}

func (p *CoinflipPolicy) Multiplier() decimal.Decimal {
	two := decimal.NewFromInt(2)
	return two.Sub(two.Mul(p.HouseEdge))
}

func (p *CoinflipPolicy) Payouts(outcome *models.Outcome, bets []*models.Bet) (map[string]decimal.Decimal, error) {
	multiplier := p.Multiplier()
	payouts := make(map[string]decimal.Decimal, len(bets))
	for _, bet := range bets {
		if bet.Payload.Side == outcome.Side {
			payouts[bet.ID] = models.FloorMoney(bet.Amount.Mul(multiplier))
		} else {
			payouts[bet.ID] = decimal.Zero
		}
	}
	return payouts, nil
}

// JackpotPolicy draws one winning bet with probability proportional to its
// stake. The winner takes the pot less the house edge; a round with a single
// player returns the pot untouched.
type JackpotPolicy struct {
	HouseEdge decimal.Decimal
}

func (p *JackpotPolicy) GameType() models.GameType { return models.GameTypeJackpot }

func (p *JackpotPolicy) ValidatePayload(payload models.BetPayload) error {
	if !emptyPayload(payload) {
		return invalidPayload("jackpot bets take no payload")
	}
	return nil
}

func (p *JackpotPolicy) Outcome(roll float64, digest []byte) *models.Outcome {
	return &models.Outcome{Roll: roll}
}

func (p *JackpotPolicy) Payouts(outcome *models.Outcome, bets []*models.Bet) (map[string]decimal.Decimal, error) {
	payouts := make(map[string]decimal.Decimal, len(bets))
	if len(bets) == 0 {
		return payouts, nil
	}

	winner := JackpotWinner(outcome.Roll, bets)
	outcome.WinnerBetID = winner.ID
	outcome.WinnerPlayerID = winner.PlayerID

	pot := models.SumAmounts(bets)
	prize := models.FloorMoney(pot.Mul(decimal.NewFromInt(1).Sub(p.HouseEdge)))
	if singlePlayer(bets) {
		prize = pot
	}

	for _, bet := range bets {
		payouts[bet.ID] = decimal.Zero
	}
	payouts[winner.ID] = prize
	return payouts, nil
}

// JackpotWinner maps roll onto the cumulative stakes in placement order.
// Each bet owns amount*100 consecutive tickets out of pot*100.
func JackpotWinner(roll float64, bets []*models.Bet) *models.Bet {
	pot := models.SumAmounts(bets)
	tickets := pot.Shift(models.MoneyPlaces).IntPart()
	ticket := int64(math.Floor(roll * float64(tickets)))

	var cumulative int64
	for _, bet := range bets {
		cumulative += bet.Amount.Shift(models.MoneyPlaces).IntPart()
		if ticket < cumulative {
			return bet
		}
	}
	return bets[len(bets)-1]
}

func singlePlayer(bets []*models.Bet) bool {
	for _, bet := range bets[1:] {
		if bet.PlayerID != bets[0].PlayerID {
			return false
		}
	}
	return true
}

// RoulettePolicy is a single-zero wheel of 37 slots. Straight numbers pay
// 36x, red/black pay 2x, green is slot 0 and pays like a straight bet.
type RoulettePolicy struct{}

const RouletteSlots = 37

var rouletteRed = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true, 12: true, 14: true, 16: true, 18: true,
	19: true, 21: true, 23: true, 25: true, 27: true, 30: true, 32: true, 34: true, 36: true,
}

var (
	rouletteStraight = decimal.NewFromInt(36)
	rouletteEven     = decimal.NewFromInt(2)
)

func RouletteColor(slot int) string {
	switch {
	case slot == 0:
		return models.ColorGreen
	case rouletteRed[slot]:
		return models.ColorRed
	default:
		return models.ColorBlack
	}
}

func (p *RoulettePolicy) GameType() models.GameType { return models.GameTypeRoulette }

func (p *RoulettePolicy) ValidatePayload(payload models.BetPayload) error {
	if payload.Side != "" || !payload.CashoutAt.IsZero() {
		return invalidPayload("roulette bets take number or color")
	}
	switch {
	case payload.Number != nil && payload.Color != "":
		return invalidPayload("roulette bets take number or color, not both")
	case payload.Number != nil:
		if *payload.Number < 0 || *payload.Number >= RouletteSlots {
			return invalidPayload("number must be between 0 and %d", RouletteSlots-1)
		}
	case payload.Color != "":
		switch payload.Color {
		case models.ColorRed, models.ColorBlack, models.ColorGreen:
		default:
			return invalidPayload("invalid color %q", payload.Color)
		}
	default:
		return invalidPayload("roulette bets need a number or a color")
	}
	return nil
}

func (p *RoulettePolicy) Outcome(roll float64, digest []byte) *models.Outcome {
	slot := int(uint52(digest) % RouletteSlots)
	return &models.Outcome{Roll: roll, Slot: &slot, Color: RouletteColor(slot)}
}

func (p *RoulettePolicy) Payouts(outcome *models.Outcome, bets []*models.Bet) (map[string]decimal.Decimal, error) {
	if outcome.Slot == nil {
		return nil, fmt.Errorf("roulette outcome has no slot")
	}
	slot := *outcome.Slot

	payouts := make(map[string]decimal.Decimal, len(bets))
	for _, bet := range bets {
		payout := decimal.Zero
		switch {
		case bet.Payload.Number != nil && *bet.Payload.Number == slot:
			payout = bet.Amount.Mul(rouletteStraight)
		case bet.Payload.Color == models.ColorGreen && slot == 0:
			payout = bet.Amount.Mul(rouletteStraight)
		case bet.Payload.Color != "" && bet.Payload.Color != models.ColorGreen && bet.Payload.Color == outcome.Color:
			payout = bet.Amount.Mul(rouletteEven)
		}
		payouts[bet.ID] = models.FloorMoney(payout)
	}
	return payouts, nil
}
