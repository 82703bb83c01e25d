package services

import "fairplay-backend/internal/models"

// Broadcaster receives round transitions. Implementations must not block:
// the round engine never waits on delivery.
type Broadcaster interface {
	OnRoundTransition(event *models.RoundEvent)
}

type NopBroadcaster struct{}

func (NopBroadcaster) OnRoundTransition(*models.RoundEvent) {}
