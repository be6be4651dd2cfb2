package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/turnstream/pkg/control"
	"github.com/go-go-golems/turnstream/pkg/redisstream"
	"github.com/go-go-golems/turnstream/pkg/registry"
	"github.com/go-go-golems/turnstream/pkg/streamlog"
)

// StreamBackend wires the stream log, control channel and registry to either Redis or
// in-process implementations.
type StreamBackend struct {
	client   *redis.Client
	log      streamlog.Log
	control  control.Channel
	registry registry.Registry
	manager  *registry.Manager
	memLog   *streamlog.MemoryLog
}

const defaultEvictInterval = 30 * time.Second

type BackendOptions struct {
	StaleAfter    time.Duration
	EvictInterval time.Duration
}

func NewStreamBackendFromValues(ctx context.Context, parsed *values.Values, opts BackendOptions) (*StreamBackend, error) {
	if parsed == nil {
		return nil, errors.New("parsed values are nil")
	}
	rs := redisstream.Settings{}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &rs); err != nil {
		return nil, errors.Wrap(err, "parse redis settings")
	}
	return NewStreamBackend(ctx, rs, opts)
}

func NewStreamBackend(ctx context.Context, rs redisstream.Settings, opts BackendOptions) (*StreamBackend, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = registry.DefaultStaleAfter
	}
	if opts.EvictInterval <= 0 {
		opts.EvictInterval = defaultEvictInterval
	}
	b := &StreamBackend{}
	if !rs.Enabled {
		ch, err := redisstream.BuildControlChannel(nil, rs)
		if err != nil {
			return nil, err
		}
		b.memLog = streamlog.NewMemoryLog(streamlog.WithSweepInterval(opts.EvictInterval))
		b.log = b.memLog
		b.control = ch
		b.manager = registry.NewManager(registry.WithStaleAfter(opts.StaleAfter), registry.WithEvictInterval(opts.EvictInterval))
		b.registry = b.manager
		log.Info().Str("component", "server").Msg("redis disabled, using in-process stream backend")
		return b, nil
	}

	client, err := redisstream.NewClient(ctx, rs)
	if err != nil {
		return nil, err
	}
	ch, err := redisstream.BuildControlChannel(client, rs)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	reg, err := registry.NewRedisRegistry(client, registry.WithRedisStaleAfter(opts.StaleAfter))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	rl, err := streamlog.NewRedisLog(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b.client = client
	b.log = rl
	b.control = ch
	b.registry = reg
	log.Info().Str("component", "server").Str("control_transport", rs.ControlTransport).Msg("using redis stream backend")
	return b, nil
}

func (b *StreamBackend) Log() streamlog.Log          { return b.log }
func (b *StreamBackend) Control() control.Channel    { return b.control }
func (b *StreamBackend) Registry() registry.Registry { return b.registry }

// StartEvictionLoop sweeps stale registry records and expired stream logs of the in-process
// backend. It is a no-op with Redis: keys expire there and stale records are dropped lazily
// by List.
func (b *StreamBackend) StartEvictionLoop(ctx context.Context) {
	if b == nil {
		return
	}
	if b.manager != nil {
		b.manager.StartEvictionLoop(ctx)
	}
	if b.memLog != nil {
		b.memLog.StartSweepLoop(ctx)
	}
}

func (b *StreamBackend) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.control != nil {
		if err := b.control.Close(); err != nil {
			firstErr = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
