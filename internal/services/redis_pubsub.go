package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"fairplay-backend/internal/models"
)

// RedisBroadcaster publishes round transitions to every API instance.
// Events are queued and published by Run so the round engine never waits
// on Redis.
type RedisBroadcaster struct {
	redis  *RedisService
	events chan *models.RoundEvent
}

func NewRedisBroadcaster(redis *RedisService, buffer int) *RedisBroadcaster {
	return &RedisBroadcaster{
		redis:  redis,
		events: make(chan *models.RoundEvent, buffer),
	}
}

func (b *RedisBroadcaster) OnRoundTransition(event *models.RoundEvent) {
	select {
	case b.events <- event:
	default:
		log.Printf("round event queue full, dropping %s %s -> %s", event.RoundID, event.From, event.To)
	}
}

func (b *RedisBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case event := <-b.events:
			if err := b.redis.PublishRoundEvent(ctx, event); err != nil {
				log.Printf("failed to publish round event: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *RedisService) PublishRoundEvent(ctx context.Context, event *models.RoundEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Publish(ctx, ChannelRoundEvents, data).Err()
}

// SubscribeRoundEvents delivers events published by any instance until ctx
// is cancelled.
func (s *RedisService) SubscribeRoundEvents(ctx context.Context, fn func(*models.RoundEvent)) error {
	sub := s.client.Subscribe(ctx, ChannelRoundEvents)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event models.RoundEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("dropping malformed round event: %v", err)
				continue
			}
			fn(&event)
		case <-ctx.Done():
			return nil
		}
	}
}
