package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"callsignal-backend/internal/database"
	"callsignal-backend/pkg/logger"
)

const resubscribeDelay = 5 * time.Second

// ChannelRepository carries relay frames between instances over Redis pub/sub
type ChannelRepository struct {
	client *database.RedisClient
}

// NewChannelRepository creates a new ChannelRepository
func NewChannelRepository(client *database.RedisClient) *ChannelRepository {
	return &ChannelRepository{client: client}
}

// Publish sends payload on channel
func (r *ChannelRepository) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.SafePublish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Listen hands every message published on channel to handle until ctx is
// done. It resubscribes after Redis failures.
func (r *ChannelRepository) Listen(ctx context.Context, channel string, handle func([]byte)) {
	for {
		if err := r.listenOnce(ctx, channel, handle); err != nil {
			logger.Warn("Relay channel subscription lost",
				zap.String("channel", channel),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (r *ChannelRepository) listenOnce(ctx context.Context, channel string, handle func([]byte)) error {
	pubsub := r.client.SafeSubscribe(ctx, channel)
	if pubsub == nil {
		return fmt.Errorf("redis is in degraded mode, subscribe skipped")
	}
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	logger.Info("Listening on relay channel", zap.String("channel", channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription closed")
			}
			handle([]byte(msg.Payload))
		}
	}
}
