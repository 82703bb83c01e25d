package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of fractional digits every amount carries.
const MoneyPlaces = 2

func NewID() string {
	return uuid.NewString()
}

// GenerateSeed returns 32 bytes of crypto/rand entropy as hex.
func GenerateSeed() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate seed: %v", err)
	}
	return hex.EncodeToString(bytes), nil
}

// ValidAmount reports whether d is positive with at most two decimals.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(MoneyPlaces))
}

// FloorMoney truncates to whole cents so the house never pays a fraction
// of a cent more than owed.
func FloorMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(MoneyPlaces)
}

func SumAmounts(bets []*Bet) decimal.Decimal {
	total := decimal.Zero
	for _, b := range bets {
		total = total.Add(b.Amount)
	}
	return total
}

func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyPlaces)
}

type PlaceBetRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Payload BetPayload      `json:"payload"`
}

type ClientSeedRequest struct {
	Seed string `json:"seed" binding:"required,max=64"`
}
