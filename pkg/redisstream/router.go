package redisstream

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/control"
)

// NewClient builds a Redis client from settings and checks connectivity.
func NewClient(ctx context.Context, s Settings) (*redis.Client, error) {
	if !s.Enabled {
		return nil, errors.New("redis is disabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", s.Addr)
	}
	log.Info().Str("addr", s.Addr).Int("db", s.DB).Msg("connected to redis")
	return client, nil
}

// BuildControlChannel returns the control channel matching the settings: in-memory
// Watermill gochannel when Redis is disabled, Redis pub/sub or Watermill Redis Streams
// otherwise.
func BuildControlChannel(client redis.UniversalClient, s Settings) (control.Channel, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		return control.NewGoChannel(logger), nil
	}
	if client == nil {
		return nil, errors.New("redis control channel: client is nil")
	}
	switch s.ControlTransport {
	case "", ControlTransportPubSub:
		return control.NewRedisChannel(client)
	case ControlTransportStreams:
		return BuildStreamsControlChannel(client, logger)
	default:
		return nil, errors.Errorf("unknown control transport %q", s.ControlTransport)
	}
}

const (
	controlKeyPrefix = "llm:control:"
	turnKeyPrefix    = "llm:stream:"

	// DefaultControlMaxLen caps every control stream; signals are only useful near the tail.
	DefaultControlMaxLen = 256
	// DefaultControlTTL is refreshed on every publish and subscription.
	DefaultControlTTL = 300 * time.Second
)

// ControlStreamKey maps a control topic to the Redis stream carrying it. Turn topics
// become llm:control:{chat}:{turn} so signals never land in the turn's event log; other
// topics (chat notices) are prefixed with control:.
func ControlStreamKey(topic string) string {
	if rest, ok := strings.CutPrefix(topic, turnKeyPrefix); ok {
		return controlKeyPrefix + rest
	}
	return "control:" + topic
}

// BuildStreamsControlChannel carries control signals over Redis Streams. Every subscription
// gets its own consumer group created at the tail, which turns the stream into a broadcast
// without replaying old signals. Control streams live under their own keys, trimmed to
// DefaultControlMaxLen and expiring DefaultControlTTL after the last activity.
func BuildStreamsControlChannel(client redis.UniversalClient, logger watermill.LoggerAdapter) (*control.WatermillChannel, error) {
	if client == nil {
		return nil, errors.New("redis control channel: client is nil")
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:        sharedClient{client},
		Marshaller:    marshaler,
		DefaultMaxlen: DefaultControlMaxLen,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "build redis stream publisher")
	}
	cpub := &controlStreamPublisher{Publisher: pub, client: client, ttl: DefaultControlTTL}
	newSub := func(ctx context.Context, topic string) (message.Subscriber, bool, error) {
		key := ControlStreamKey(topic)
		group := "control-" + uuid.NewString()
		if err := EnsureGroupAtTail(ctx, client, key, group); err != nil {
			return nil, false, err
		}
		if err := client.Expire(ctx, key, DefaultControlTTL).Err(); err != nil {
			_ = client.XGroupDestroy(ctx, key, group).Err()
			return nil, false, errors.Wrapf(err, "expire control stream %s", key)
		}
		sub, err := BuildGroupSubscriber(client, group, "consumer-1", logger)
		if err != nil {
			_ = client.XGroupDestroy(ctx, key, group).Err()
			return nil, false, err
		}
		return &groupCleanupSubscriber{Subscriber: sub, client: client, key: key, group: group}, true, nil
	}
	return control.NewWatermillChannel(cpub, newSub, pub.Close)
}

// controlStreamPublisher publishes control topics to their control stream keys and
// refreshes the key's TTL.
type controlStreamPublisher struct {
	message.Publisher
	client redis.UniversalClient
	ttl    time.Duration
}

func (p *controlStreamPublisher) Publish(topic string, msgs ...*message.Message) error {
	key := ControlStreamKey(topic)
	if err := p.Publisher.Publish(key, msgs...); err != nil {
		return err
	}
	if err := p.client.Expire(context.Background(), key, p.ttl).Err(); err != nil {
		return errors.Wrapf(err, "expire control stream %s", key)
	}
	return nil
}

// sharedClient keeps Watermill publishers and subscribers from closing a client they do not own.
type sharedClient struct {
	redis.UniversalClient
}

func (sharedClient) Close() error { return nil }

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
// Closing the subscriber leaves client open.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        sharedClient{client},
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Debug().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// groupCleanupSubscriber reads a control stream through its one-off consumer group and
// drops the group on close.
type groupCleanupSubscriber struct {
	message.Subscriber
	client redis.UniversalClient
	key    string
	group  string
}

func (s *groupCleanupSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, ControlStreamKey(topic))
}

func (s *groupCleanupSubscriber) Close() error {
	err := s.Subscriber.Close()
	if derr := s.client.XGroupDestroy(context.Background(), s.key, s.group).Err(); derr != nil {
		log.Debug().Err(derr).Str("stream", s.key).Str("group", s.group).Msg("destroy control group failed")
	}
	return err
}
