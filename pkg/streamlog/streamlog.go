// Package streamlog is the durable, append-only per-turn event store.
//
// A turn log is written by exactly one orchestrator and read by any number of resume
// readers. Readers never share a cursor: each one creates its own consumer group, so
// concurrent resumes of the same turn cannot steal entries from each other.
package streamlog

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/events"
)

var (
	// ErrStreamNotFound is returned when a group is created on a log that does not exist
	// (never started or already expired).
	ErrStreamNotFound = errors.New("stream log not found")
	// ErrGroupNotFound is returned when reading through a group that was never created.
	ErrGroupNotFound = errors.New("consumer group not found")
)

// TurnKey addresses the log and control topic of one turn.
type TurnKey struct {
	ChatID string
	TurnID string
}

func (k TurnKey) String() string {
	return fmt.Sprintf("llm:stream:%s:%s", k.ChatID, k.TurnID)
}

func (k TurnKey) Validate() error {
	if k.ChatID == "" {
		return errors.New("turn key: chatID is empty")
	}
	if k.TurnID == "" {
		return errors.New("turn key: turnID is empty")
	}
	return nil
}

// Entry is one decoded log record.
type Entry struct {
	ID    string
	Event events.Event
}

// StartFromBeginning makes a new group replay the whole log.
const StartFromBeginning = "0"

type Log interface {
	Append(ctx context.Context, key TurnKey, e events.Event) (string, error)
	// ReadNew returns, in order, every entry not yet delivered to group.
	ReadNew(ctx context.Context, key TurnKey, group, consumer string) ([]Entry, error)
	CreateGroup(ctx context.Context, key TurnKey, group, startID string) error
	DestroyGroup(ctx context.Context, key TurnKey, group string) error
	Ack(ctx context.Context, key TurnKey, group string, ids ...string) error
	Exists(ctx context.Context, key TurnKey) (bool, error)
	Expire(ctx context.Context, key TurnKey, ttl time.Duration) error
}
