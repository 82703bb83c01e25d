package models

import "fmt"

type GameType string

const (
	GameTypeCoinflip GameType = "coinflip"
	GameTypeJackpot  GameType = "jackpot"
	GameTypeCrash    GameType = "crash"
	GameTypeRoulette GameType = "roulette"
)

// AllGameTypes is the fixed set of round games, in scheduler start order.
var AllGameTypes = []GameType{GameTypeCoinflip, GameTypeJackpot, GameTypeCrash, GameTypeRoulette}

func (g GameType) Valid() bool {
	switch g {
	case GameTypeCoinflip, GameTypeJackpot, GameTypeCrash, GameTypeRoulette:
		return true
	}
	return false
}

func ParseGameType(s string) (GameType, error) {
	g := GameType(s)
	if !g.Valid() {
		return "", fmt.Errorf("unknown game type %q", s)
	}
	return g, nil
}

type RoundStatus string

const (
	RoundStatusPending   RoundStatus = "pending"
	RoundStatusBetting   RoundStatus = "betting"
	RoundStatusLocked    RoundStatus = "locked"
	RoundStatusResolving RoundStatus = "resolving"
	RoundStatusSettled   RoundStatus = "settled"
	RoundStatusCancelled RoundStatus = "cancelled"
)

// Final reports whether the round is read-only history.
func (s RoundStatus) Final() bool {
	return s == RoundStatusSettled || s == RoundStatusCancelled
}

// Cancellable reports whether cancel(reason) is allowed from s.
func (s RoundStatus) Cancellable() bool {
	return s == RoundStatusPending || s == RoundStatusBetting || s == RoundStatusLocked
}

// Coinflip sides.
const (
	SideRed  = "red"
	SideBlue = "blue"
)

// Roulette colors.
const (
	ColorRed   = "red"
	ColorBlack = "black"
	ColorGreen = "green"
)
