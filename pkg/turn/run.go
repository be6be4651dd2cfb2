package turn

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/turnstream/pkg/control"
	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/messages"
	"github.com/go-go-golems/turnstream/pkg/model"
	"github.com/go-go-golems/turnstream/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnstream/pkg/reducer"
	"github.com/go-go-golems/turnstream/pkg/streamlog"
)

// run is the state of one executing turn. Only execute's goroutine touches the fields
// below cancelled.
type run struct {
	o       *Orchestrator
	t       *Turn
	key     streamlog.TurnKey
	logger  zerolog.Logger
	req     StartRequest
	userMsg messages.Message

	ctx         context.Context
	cancelCtx   context.CancelFunc
	modelCtx    context.Context
	cancelModel context.CancelFunc
	sigs        <-chan control.Signal
	dirty       chan struct{}
	cancelled   atomic.Bool

	buffered    []events.Event
	finish      *events.Finish
	failure     error
	userStopped bool
}

func (r *run) execute() {
	defer r.o.forget(r.t.ID)
	defer r.cancelCtx()
	defer r.cancelModel()
	defer func() {
		// Registry removal must survive persistence failures and panics.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.o.cfg.PersistTimeout)
		defer cancel()
		if err := r.o.cfg.Registry.Remove(ctx, r.t.ChatID, r.t.ID); err != nil {
			r.logger.Error().Err(err).Msg("failed to remove active turn record")
		}
	}()

	stopAux := make(chan struct{})
	auxDone := make(chan struct{}, 3)
	go r.watchSignals(stopAux, auxDone)
	go r.notifyChunks(stopAux, auxDone)
	go r.heartbeat(stopAux, auxDone)

	r.stream()

	close(stopAux)
	for i := 0; i < 3; i++ {
		<-auxDone
	}
	r.finalize()
}

func (r *run) watchSignals(stop <-chan struct{}, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-r.sigs:
			if !ok {
				return
			}
			if sig.Type == control.SignalCancel {
				if r.cancelled.CompareAndSwap(false, true) {
					r.logger.Info().Msg("cancel requested")
				}
				r.cancelModel()
			}
		}
	}
}

// notifyChunks publishes one chunk signal per batch of appends.
func (r *run) notifyChunks(stop <-chan struct{}, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-stop:
			select {
			case <-r.dirty:
				r.publishChunk()
			default:
			}
			return
		case <-r.dirty:
			r.publishChunk()
		}
	}
}

func (r *run) publishChunk() {
	if err := control.PublishSignal(r.ctx, r.o.cfg.Control, r.key, control.Signal{Type: control.SignalChunk}); err != nil {
		r.logger.Debug().Err(err).Msg("failed to publish chunk signal")
	}
}

func (r *run) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	interval := r.o.cfg.HeartbeatInterval
	if interval <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.o.cfg.Registry.Touch(r.ctx, r.t.ChatID, r.t.ID); err != nil {
				r.logger.Debug().Err(err).Msg("failed to refresh active turn heartbeat")
			}
		}
	}
}

func (r *run) markDirty() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

func (r *run) loadHistory() []messages.Message {
	ctx, cancel := context.WithTimeout(r.ctx, r.o.cfg.PersistTimeout)
	defer cancel()
	history, err := r.o.cfg.Store.ListMessages(ctx, chatstore.MessageQuery{ChatID: r.t.ChatID, Limit: defaultHistoryLimit})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to load conversation history")
		history = nil
	}
	return append(history, r.userMsg)
}

// stream pumps backend events into the log until the backend ends, fails or the turn
// is cancelled.
func (r *run) stream() {
	s, err := r.o.cfg.Backend.Stream(r.modelCtx, model.Request{
		ChatID:   r.t.ChatID,
		TurnID:   r.t.ID,
		Model:    r.req.Model,
		Provider: r.req.Provider,
		Messages: r.loadHistory(),
	})
	if err != nil {
		if r.cancelled.Load() {
			r.userStopped = true
			return
		}
		r.failure = err
		return
	}
	defer func() {
		if err := s.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("failed to close model stream")
		}
	}()

	for {
		e, err := s.Recv()
		// Nothing from the backend is appended once a cancel was observed.
		if r.cancelled.Load() {
			r.userStopped = true
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.failure = err
			}
			return
		}
		switch ev := e.(type) {
		case *events.Finish:
			r.finish = ev
			return
		case *events.Error:
			r.failure = errors.New(ev.Error)
			return
		}
		if _, err := r.o.cfg.Log.Append(r.ctx, r.key, e); err != nil {
			r.failure = errors.Wrap(err, "append to stream log")
			return
		}
		if events.IsContent(e) {
			r.buffered = append(r.buffered, e)
		}
		r.markDirty()
	}
}

func (r *run) outcome() (Status, error, events.Event) {
	switch {
	case r.userStopped:
		return StatusCancelled, ErrUserCancelled, &events.Error{
			Error:     events.StoppedByUserMessage,
			ErrorKind: events.ErrorKindStoppedByUser,
		}
	case r.failure != nil:
		msg := r.failure.Error()
		if r.ctx.Err() != nil {
			msg = "turn aborted: " + msg
		}
		return StatusErrored, errors.Wrap(ErrModelCall, r.failure.Error()), &events.Error{
			Error:     msg,
			ErrorKind: events.ErrorKindAPICall,
		}
	default:
		fin := r.finish
		if fin == nil {
			fin = &events.Finish{FinishReason: "stop"}
		}
		return StatusFinished, nil, fin
	}
}

// finalize runs exactly once per turn: persist, append the terminal event, wake readers,
// set the TTL. Every step runs on a context detached from cancellation.
func (r *run) finalize() {
	status, turnErr, terminal := r.outcome()
	detached := context.WithoutCancel(r.ctx)

	if err := r.persist(detached, terminal); err != nil {
		r.logger.Error().Err(errors.Wrap(ErrPersistence, err.Error())).Msg("failed to persist turn messages")
	}

	if _, err := r.o.cfg.Log.Append(detached, r.key, terminal); err != nil {
		r.logger.Error().Err(err).Str("terminal", string(terminal.Kind())).Msg("failed to append terminal event")
	}
	if err := control.PublishSignal(detached, r.o.cfg.Control, r.key, control.Signal{Type: control.SignalFinish}); err != nil {
		r.logger.Warn().Err(err).Msg("failed to publish finish signal")
	}
	if err := r.o.cfg.Log.Expire(detached, r.key, r.o.cfg.TTL); err != nil {
		r.logger.Error().Err(err).Msg("failed to set stream log ttl")
	}

	ev := r.logger.Info()
	if turnErr != nil && status == StatusErrored {
		ev = r.logger.Warn().Err(turnErr)
	}
	ev.Str("status", string(status)).Int("content_events", len(r.buffered)).Msg("turn ended")
	r.t.complete(status, turnErr)
}

func (r *run) persist(ctx context.Context, terminal events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.o.cfg.PersistTimeout)
	defer cancel()

	reduced := reducer.Reduce(r.buffered)
	now := r.o.cfg.Now()

	var usage *messages.Usage
	var metadata []byte
	switch ev := terminal.(type) {
	case *events.Finish:
		u := messages.UsageFrom(ev.Usage)
		usage = &u
		metadata = ev.ProviderMetadata
	case *events.Error:
		metadata = messages.ErrorMetadata(ev.ErrorKind, ev.Error)
	}

	rows := make([]messages.Message, 0, len(reduced)+1)
	rows = append(rows, r.userMsg)
	for i, m := range reduced {
		m.ID = r.o.cfg.NewID()
		m.ChatID = r.t.ChatID
		m.ResponseID = r.t.ID
		m.Model = r.req.Model
		m.Provider = r.req.Provider
		m.Usage = usage
		m.ProviderMetadata = metadata
		// Rows of one turn keep their order when listed by creation time.
		m.CreatedAt = now.Add(time.Duration(i+1) * time.Millisecond)
		rows = append(rows, m)
	}
	return r.o.cfg.Store.SaveMessages(ctx, rows)
}
