package progress

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBroker fans notifications out through Redis PUBLISH/SUBSCRIBE,
// so stream consumers on one API replica see runs executing on another
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBroker creates a broker backed by the given Redis client. The broker takes
// ownership of the client and closes it on Close.
func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

// ChannelName returns the Redis channel of a project
func ChannelName(projectID int) string {
	return "project:" + strconv.Itoa(projectID) + ":progress"
}

func (b *RedisBroker) Publish(ctx context.Context, projectID int) error {
	if err := b.client.Publish(ctx, ChannelName(projectID), "1").Err(); err != nil {
		return fmt.Errorf("failed to publish progress notification: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, projectID int) (<-chan struct{}, func(), error) {
	pubsub := b.client.Subscribe(ctx, ChannelName(projectID))
	// Wait for the subscription confirmation so no publish after Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to progress notifications: %w", err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case _, ok := <-messages:
				if !ok {
					return
				}
				notify(out)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				b.logger.Warn("failed to close progress subscription", zap.Int("project_id", projectID), zap.Error(err))
			}
		})
	}

	return out, unsubscribe, nil
}

// Close closes the Redis client; subscriptions still open end with it
func (b *RedisBroker) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
