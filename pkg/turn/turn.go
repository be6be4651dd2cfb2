// Package turn drives one model call from start to its single terminal log entry.
//
// A turn streams backend events into the stream log, wakes readers through the control
// channel, and on every exit path reduces its content into conversation messages, appends
// exactly one terminal event, sets the log TTL and leaves the active-turn registry.
package turn

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/streamlog"
)

var (
	// ErrModelCall wraps backend failures, including error events emitted by the backend.
	ErrModelCall = errors.New("model call failed")
	// ErrUserCancelled is the result of a turn stopped through Cancel.
	ErrUserCancelled = errors.New("stopped by user")
	// ErrPersistence wraps message store failures. They are logged, never retried, and do
	// not change the turn's terminal event.
	ErrPersistence = errors.New("persistence failed")
	// ErrShuttingDown is returned by Start once Shutdown was called.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

type Status string

const (
	StatusInFlight  Status = "in-flight"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
	StatusErrored   Status = "errored"
)

// Turn is the handle returned by Start.
type Turn struct {
	ID        string
	ChatID    string
	Model     string
	StartedAt time.Time

	mu     sync.Mutex
	status Status
	err    error
	done   chan struct{}

	abort func()
}

func newTurn(chatID, id, model string, startedAt time.Time) *Turn {
	return &Turn{
		ID:        id,
		ChatID:    chatID,
		Model:     model,
		StartedAt: startedAt,
		status:    StatusInFlight,
		done:      make(chan struct{}),
	}
}

func (t *Turn) Key() streamlog.TurnKey {
	return streamlog.TurnKey{ChatID: t.ChatID, TurnID: t.ID}
}

func (t *Turn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed once the turn reached a terminal status.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Err is nil for finished turns, ErrUserCancelled or an ErrModelCall wrap otherwise.
// It is only meaningful after Done is closed.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Turn) complete(status Status, err error) {
	t.mu.Lock()
	t.status = status
	t.err = err
	t.mu.Unlock()
	close(t.done)
}
