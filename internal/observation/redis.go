package observation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"docflow/api/internal/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events on one pub/sub channel per handle so editors in
// other API processes observe the change.
type RedisBus struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

func NewRedisBus(client *redis.Client, log *logger.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: "docflow:observation:",
		log:    logger.OrNop(log),
	}
}

func (b *RedisBus) channel(handleID string) string {
	return b.prefix + handleID
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.HandleID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handleID string, fn func(Event)) (Registration, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(handleID))
	// Wait for the confirmation so events published after Subscribe returns
	// are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", handleID, err)
	}

	reg := &redisRegistration{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(reg.done)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("observation: dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			fn(event)
		}
	}()
	return reg, nil
}

type redisRegistration struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
	err    error
}

func (r *redisRegistration) Close() error {
	r.once.Do(func() {
		r.err = r.pubsub.Close()
		<-r.done
	})
	return r.err
}
