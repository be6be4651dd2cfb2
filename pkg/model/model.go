// Package model is the provider-agnostic boundary between the orchestrator and whatever
// produces events for a turn. Provider SDK adapters live outside this module.
package model

import (
	"context"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/messages"
)

type Request struct {
	ChatID   string
	TurnID   string
	Model    string
	Provider string
	// Messages is the conversation so far, ending with the new user message.
	Messages []messages.Message
}

// Backend starts a model call. Implementations must stop promptly when ctx is done.
type Backend interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields events until io.EOF. A finish event may precede io.EOF; an error event is
// reported by the orchestrator as a failed model call.
type Stream interface {
	Recv() (events.Event, error)
	Close() error
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (Stream, error)

func (f BackendFunc) Stream(ctx context.Context, req Request) (Stream, error) { return f(ctx, req) }
