package registry

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisRegistry keeps one hash per chat, `active_streams:{chatId}`, field = turn id,
// value = JSON record.
type RedisRegistry struct {
	client     redis.UniversalClient
	staleAfter time.Duration
	now        func() time.Time
}

var _ Registry = &RedisRegistry{}

type RedisOption func(*RedisRegistry)

func WithRedisStaleAfter(d time.Duration) RedisOption {
	return func(r *RedisRegistry) { r.staleAfter = d }
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisRegistry) { r.now = now }
}

func NewRedisRegistry(client redis.UniversalClient, opts ...RedisOption) (*RedisRegistry, error) {
	if client == nil {
		return nil, errors.New("redis registry: client is nil")
	}
	r := &RedisRegistry{client: client, staleAfter: DefaultStaleAfter, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

var touchScript = redis.NewScript(`if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then return redis.call("HSET", KEYS[1], ARGV[1], ARGV[2]) end return 0`)

func HashKey(chatID string) string { return "active_streams:" + chatID }

func (r *RedisRegistry) Add(ctx context.Context, chatID string, rec Record) error {
	if err := validate(chatID, rec.TurnID); err != nil {
		return err
	}
	now := r.now()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.HeartbeatAt.IsZero() {
		rec.HeartbeatAt = rec.StartedAt
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "redis registry: marshal record")
	}
	if err := r.client.HSet(ctx, HashKey(chatID), rec.TurnID, b).Err(); err != nil {
		return errors.Wrap(err, "redis registry: hset")
	}
	return nil
}

func (r *RedisRegistry) Remove(ctx context.Context, chatID, turnID string) error {
	if err := validate(chatID, turnID); err != nil {
		return err
	}
	if err := r.client.HDel(ctx, HashKey(chatID), turnID).Err(); err != nil {
		return errors.Wrap(err, "redis registry: hdel")
	}
	return nil
}

func (r *RedisRegistry) Touch(ctx context.Context, chatID, turnID string) error {
	if err := validate(chatID, turnID); err != nil {
		return err
	}
	raw, err := r.client.HGet(ctx, HashKey(chatID), turnID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "redis registry: hget")
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return errors.Wrap(err, "redis registry: decode record")
	}
	rec.HeartbeatAt = r.now()
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "redis registry: marshal record")
	}
	// Write only if the field still exists; a concurrent Remove wins.
	if err := touchScript.Run(ctx, r.client, []string{HashKey(chatID)}, turnID, string(b)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "redis registry: touch")
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context, chatID string) ([]Record, error) {
	if chatID == "" {
		return nil, errors.New("registry: chatID is empty")
	}
	all, err := r.client.HGetAll(ctx, HashKey(chatID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis registry: hgetall")
	}
	now := r.now()
	out := make([]Record, 0, len(all))
	var stale []string
	for field, raw := range all {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Warn().Err(err).Str("component", "registry").Str("chat_id", chatID).Str("turn_id", field).Msg("dropping undecodable record")
			stale = append(stale, field)
			continue
		}
		if isStale(rec, now, r.staleAfter) {
			stale = append(stale, field)
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		if err := r.client.HDel(ctx, HashKey(chatID), stale...).Err(); err != nil {
			log.Warn().Err(err).Str("component", "registry").Str("chat_id", chatID).Msg("failed to delete stale records")
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].TurnID < recs[j].TurnID
		}
		return recs[i].StartedAt.Before(recs[j].StartedAt)
	})
}
