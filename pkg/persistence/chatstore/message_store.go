// Package chatstore persists the conversation messages produced by finished turns.
package chatstore

import (
	"context"

	"github.com/go-go-golems/turnstream/pkg/messages"
)

// MessageQuery filters ListMessages.
type MessageQuery struct {
	ChatID     string
	ResponseID string
	SinceMs    int64
	Limit      int
}

// MessageStore persists conversation rows. Messages are listed in creation order.
type MessageStore interface {
	SaveMessages(ctx context.Context, msgs []messages.Message) error
	ListMessages(ctx context.Context, q MessageQuery) ([]messages.Message, error)
	Close() error
}

const defaultListLimit = 500
