package model

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/messages"
)

// Scripted replays a fixed list of events. Err, when set, is returned after the last event.
type Scripted struct {
	Events []events.Event
	Delay  time.Duration
	Err    error
}

var _ Backend = &Scripted{}

func (s *Scripted) Stream(ctx context.Context, _ Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sliceStream{ctx: ctx, events: s.Events, delay: s.Delay, err: s.Err}, nil
}

type sliceStream struct {
	ctx    context.Context
	events []events.Event
	delay  time.Duration
	err    error

	mu     sync.Mutex
	pos    int
	closed bool
}

func (s *sliceStream) Recv() (events.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("stream closed")
	}
	pos := s.pos
	s.mu.Unlock()

	if pos >= len(s.events) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil, s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[s.pos]
	s.pos++
	return e, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Echo streams the last user message back word by word, followed by a finish event.
type Echo struct {
	Delay time.Duration
}

var _ Backend = &Echo{}

func (e *Echo) Stream(ctx context.Context, req Request) (Stream, error) {
	text := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == messages.RoleUser {
			text = req.Messages[i].Text()
			break
		}
	}
	words := strings.Fields(text)
	evs := make([]events.Event, 0, len(words)+3)
	evs = append(evs, &events.StepStart{MessageID: req.TurnID})
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		evs = append(evs, &events.TextDelta{TextDelta: w})
	}
	usage := events.Usage{PromptTokens: countMessages(req.Messages), CompletionTokens: CountTokens(strings.Join(words, " "))}
	evs = append(evs,
		&events.StepFinish{MessageID: req.TurnID, FinishReason: "stop", Usage: usage},
		&events.Finish{FinishReason: "stop", Usage: usage},
	)
	return (&Scripted{Events: evs, Delay: e.Delay}).Stream(ctx, req)
}
