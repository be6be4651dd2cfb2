// Package registry tracks which turns of a chat are still in flight, so a client that
// reconnects (or a second device) can discover and resume them.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// DefaultStaleAfter hides records whose owner stopped heartbeating.
const DefaultStaleAfter = 2 * time.Minute

// Record is one active turn. Message is the user message that started it, opaque to the
// registry.
type Record struct {
	TurnID      string          `json:"id"`
	Message     json.RawMessage `json:"message,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	HeartbeatAt time.Time       `json:"heartbeatAt"`
}

type Registry interface {
	Add(ctx context.Context, chatID string, rec Record) error
	// Remove is idempotent.
	Remove(ctx context.Context, chatID, turnID string) error
	// Touch refreshes the heartbeat of an existing record. Unknown records are ignored.
	Touch(ctx context.Context, chatID, turnID string) error
	// List returns the live records of a chat ordered by StartedAt.
	List(ctx context.Context, chatID string) ([]Record, error)
}

func validate(chatID, turnID string) error {
	if chatID == "" {
		return errors.New("registry: chatID is empty")
	}
	if turnID == "" {
		return errors.New("registry: turnID is empty")
	}
	return nil
}

func isStale(rec Record, now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 {
		return false
	}
	last := rec.HeartbeatAt
	if last.IsZero() {
		last = rec.StartedAt
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= staleAfter
}
