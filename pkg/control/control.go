// Package control carries the per-turn cancel and wake-up signals.
//
// Delivery is at-most-once broadcast: every live subscriber sees every signal published
// while it is subscribed, nothing is queued for late subscribers. Signals are hints to
// re-read the stream log, never a source of truth.
package control

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/streamlog"
)

// Channel is a topic-based broadcast transport.
type Channel interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns once the subscription is live. The returned channel is closed
	// when ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Close() error
}

type SignalType string

const (
	SignalCancel SignalType = "cancel"
	SignalChunk  SignalType = "chunk"
	SignalFinish SignalType = "finish"
)

type Signal struct {
	Type SignalType `json:"type"`
}

// TopicForTurn is the control topic of a turn. It equals the stream log key.
func TopicForTurn(key streamlog.TurnKey) string { return key.String() }

func PublishSignal(ctx context.Context, ch Channel, key streamlog.TurnKey, sig Signal) error {
	if ch == nil {
		return errors.New("control: channel is nil")
	}
	if err := key.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return errors.Wrap(err, "control: marshal signal")
	}
	return ch.Publish(ctx, TopicForTurn(key), b)
}

// SubscribeSignals decodes the turn topic into typed signals. Malformed payloads are dropped.
func SubscribeSignals(ctx context.Context, ch Channel, key streamlog.TurnKey) (<-chan Signal, error) {
	if ch == nil {
		return nil, errors.New("control: channel is nil")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	raw, err := ch.Subscribe(ctx, TopicForTurn(key))
	if err != nil {
		return nil, err
	}
	out := make(chan Signal, 16)
	go func() {
		defer close(out)
		for payload := range raw {
			var sig Signal
			if err := json.Unmarshal(payload, &sig); err != nil || sig.Type == "" {
				log.Warn().Err(err).Str("component", "control").Str("topic", TopicForTurn(key)).Msg("dropping malformed signal")
				continue
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				// drain raw so the transport goroutine can exit
				for range raw {
				}
				return
			}
		}
	}()
	return out, nil
}
