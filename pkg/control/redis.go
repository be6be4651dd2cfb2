package control

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisChannel uses Redis PUBLISH/SUBSCRIBE. Each Subscribe holds its own pub/sub connection.
type RedisChannel struct {
	client redis.UniversalClient
}

var _ Channel = &RedisChannel{}

func NewRedisChannel(client redis.UniversalClient) (*RedisChannel, error) {
	if client == nil {
		return nil, errors.New("redis control channel: client is nil")
	}
	return &RedisChannel{client: client}, nil
}

func (c *RedisChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := c.client.Publish(ctx, topic, payload).Err(); err != nil {
		return errors.Wrap(err, "redis control channel: publish")
	}
	return nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ps := c.client.Subscribe(ctx, topic)
	// Receive blocks until the subscription is confirmed, so nothing published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "redis control channel: subscribe")
	}
	msgs := ps.Channel()
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer func() {
			if err := ps.Close(); err != nil {
				log.Debug().Err(err).Str("component", "control").Str("topic", topic).Msg("pubsub close failed")
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the client is owned by the caller.
func (c *RedisChannel) Close() error { return nil }
