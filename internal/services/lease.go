package services

import (
	"context"

	"fairplay-backend/internal/models"
)

// GameLease grants one instance at a time the right to run a game type:
// create its rounds, restore them after a restart and close them.
type GameLease interface {
	// Acquire takes the lease if it is free or already held by this
	// instance.
	Acquire(ctx context.Context, gameType models.GameType) (bool, error)
	// Renew extends a lease this instance holds. It reports false when the
	// lease has lapsed or moved to another instance.
	Renew(ctx context.Context, gameType models.GameType) (bool, error)
	Release(ctx context.Context, gameType models.GameType) error
}

// LocalLease always grants. It is for a single process with in-memory
// storage, where no other instance can see the rounds.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, models.GameType) (bool, error) { return true, nil }
func (LocalLease) Renew(context.Context, models.GameType) (bool, error)   { return true, nil }
func (LocalLease) Release(context.Context, models.GameType) error         { return nil }
