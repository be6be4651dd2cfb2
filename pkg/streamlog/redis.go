package streamlog

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/events"
)

// RedisLog stores each turn as a Redis stream.
type RedisLog struct {
	client redis.UniversalClient
}

var _ Log = &RedisLog{}

func NewRedisLog(client redis.UniversalClient) (*RedisLog, error) {
	if client == nil {
		return nil, errors.New("redis stream log: client is nil")
	}
	return &RedisLog{client: client}, nil
}

func (l *RedisLog) Append(ctx context.Context, key TurnKey, e events.Event) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	fields, err := events.EncodeFields(e)
	if err != nil {
		return "", err
	}
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key.String(),
		ID:     "*",
		Values: fields,
	}).Result()
	if err != nil {
		return "", errors.Wrap(err, "redis stream log: xadd")
	}
	return id, nil
}

func (l *RedisLog) ReadNew(ctx context.Context, key TurnKey, group, consumer string) ([]Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key.String(), ">"},
		// negative Block omits BLOCK: return immediately when nothing is pending
		Block: -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if isNoGroup(err) {
			return nil, ErrGroupNotFound
		}
		return nil, errors.Wrap(err, "redis stream log: xreadgroup")
	}

	var out []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			ev, err := events.DecodeFields(msg.Values)
			if err != nil {
				// A corrupt entry is skipped rather than wedging every reader of the turn.
				log.Warn().Err(err).Str("component", "streamlog").Str("stream", key.String()).Str("entry_id", msg.ID).Msg("skipping undecodable entry")
				continue
			}
			out = append(out, Entry{ID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

func (l *RedisLog) CreateGroup(ctx context.Context, key TurnKey, group, startID string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if startID == "" {
		startID = StartFromBeginning
	}
	err := l.client.XGroupCreate(ctx, key.String(), group, startID).Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		if strings.Contains(err.Error(), "requires the key to exist") {
			return ErrStreamNotFound
		}
		return errors.Wrap(err, "redis stream log: xgroup create")
	}
	return nil
}

func (l *RedisLog) DestroyGroup(ctx context.Context, key TurnKey, group string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := l.client.XGroupDestroy(ctx, key.String(), group).Err(); err != nil {
		if errors.Is(err, redis.Nil) || isNoGroup(err) {
			return nil
		}
		return errors.Wrap(err, "redis stream log: xgroup destroy")
	}
	return nil
}

func (l *RedisLog) Ack(ctx context.Context, key TurnKey, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XAck(ctx, key.String(), group, ids...).Err(); err != nil {
		return errors.Wrap(err, "redis stream log: xack")
	}
	return nil
}

func (l *RedisLog) Exists(ctx context.Context, key TurnKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	n, err := l.client.Exists(ctx, key.String()).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis stream log: exists")
	}
	return n > 0, nil
}

func (l *RedisLog) Expire(ctx context.Context, key TurnKey, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("redis stream log: ttl must be positive")
	}
	if err := l.client.Expire(ctx, key.String(), ttl).Err(); err != nil {
		return errors.Wrap(err, "redis stream log: expire")
	}
	return nil
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
