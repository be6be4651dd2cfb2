// Package resume replays a turn's stream log to one client and follows it live until the
// turn ends.
package resume

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/control"
	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/frames"
	"github.com/go-go-golems/turnstream/pkg/streamlog"
)

var (
	// ErrUnknownTurn means the log never existed or already expired.
	ErrUnknownTurn = errors.New("stream does not exist")
	// ErrTransportDisconnect is returned when the client went away. The turn keeps running.
	ErrTransportDisconnect = errors.New("transport disconnected")
)

const (
	consumerName = "consumer-1"
	// DefaultCancelGrace is how long a reader waits, after a cancel signal, for the turn's
	// own terminal entry before reporting the stop itself.
	DefaultCancelGrace = 2 * time.Second
	cancelPollInterval = 50 * time.Millisecond
)

type Reader struct {
	log         streamlog.Log
	control     control.Channel
	newID       func() string
	cancelGrace time.Duration
}

type Option func(*Reader)

func WithIDGenerator(f func() string) Option {
	return func(r *Reader) { r.newID = f }
}

// WithCancelGrace sets how long to wait for the terminal entry after a cancel signal.
// Zero writes the stop frame right away.
func WithCancelGrace(d time.Duration) Option {
	return func(r *Reader) { r.cancelGrace = d }
}

func NewReader(l streamlog.Log, ch control.Channel, opts ...Option) (*Reader, error) {
	if l == nil {
		return nil, errors.New("resume reader: stream log is nil")
	}
	if ch == nil {
		return nil, errors.New("resume reader: control channel is nil")
	}
	r := &Reader{log: l, control: ch, newID: uuid.NewString, cancelGrace: DefaultCancelGrace}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

type session struct {
	r      *Reader
	key    streamlog.TurnKey
	group  string
	w      frames.Writer
	logger zerolog.Logger
}

// Resume writes every entry of the turn's log to w, from the first one, then keeps
// forwarding new entries as chunk signals arrive. It returns nil once a terminal event
// was forwarded or the turn was cancelled, ErrUnknownTurn when there is no log, and
// ErrTransportDisconnect when ctx is done or w fails.
//
// A cancel signal does not end the stream by itself: the turn may have finished just
// before it. The reader keeps following the log for the cancel grace period and only
// writes the stop frame if no terminal entry shows up.
func (r *Reader) Resume(ctx context.Context, key streamlog.TurnKey, w frames.Writer) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if w == nil {
		return errors.New("resume reader: writer is nil")
	}
	exists, err := r.log.Exists(ctx, key)
	if err != nil {
		return errors.Wrap(err, "resume reader: check stream")
	}
	if !exists {
		return ErrUnknownTurn
	}

	s := &session{
		r:     r,
		key:   key,
		group: "resume-" + r.newID(),
		w:     w,
	}
	s.logger = log.With().Str("component", "resume").Str("chat_id", key.ChatID).Str("turn_id", key.TurnID).Str("group", s.group).Logger()

	if err := r.log.CreateGroup(ctx, key, s.group, streamlog.StartFromBeginning); err != nil {
		if errors.Is(err, streamlog.ErrStreamNotFound) {
			return ErrUnknownTurn
		}
		return errors.Wrap(err, "resume reader: create group")
	}
	defer func() {
		if err := r.log.DestroyGroup(context.WithoutCancel(ctx), key, s.group); err != nil {
			s.logger.Debug().Err(err).Msg("failed to destroy resume group")
		}
	}()

	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()
	// Subscribed before the first drain: anything appended after the drain is announced
	// on this subscription.
	sigs, err := control.SubscribeSignals(subCtx, r.control, key)
	if err != nil {
		return errors.Wrap(err, "resume reader: subscribe")
	}

	if done, err := s.drain(ctx); err != nil || done {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ErrTransportDisconnect
		case sig, ok := <-sigs:
			if !ok {
				if ctx.Err() != nil {
					return ErrTransportDisconnect
				}
				return errors.New("resume reader: control subscription closed")
			}
			done, err := s.drain(ctx)
			if err != nil || done {
				return err
			}
			switch sig.Type {
			case control.SignalCancel:
				s.logger.Debug().Dur("grace", r.cancelGrace).Msg("turn cancelled, waiting for terminal entry")
				return s.awaitTerminal(ctx, sigs)
			case control.SignalFinish:
				return nil
			case control.SignalChunk:
			}
		}
	}
}

// awaitTerminal follows the log after a cancel signal until a terminal entry is forwarded
// or the grace period runs out, in which case the stop frame is written.
func (s *session) awaitTerminal(ctx context.Context, sigs <-chan control.Signal) error {
	grace := time.NewTimer(s.r.cancelGrace)
	defer grace.Stop()
	poll := time.NewTicker(cancelPollInterval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ErrTransportDisconnect
		case <-grace.C:
			done, err := s.drain(ctx)
			if err != nil || done {
				return err
			}
			s.logger.Debug().Msg("no terminal entry after cancel, closing")
			if err := s.w.WriteFrame(frames.ErrorFrame(events.StoppedByUserMessage)); err != nil {
				return ErrTransportDisconnect
			}
			return nil
		case _, ok := <-sigs:
			if !ok {
				// Subscription gone; the timer still bounds the wait.
				sigs = nil
				continue
			}
		case <-poll.C:
		}
		done, err := s.drain(ctx)
		if err != nil || done {
			return err
		}
	}
}

// drain forwards entries until the group has nothing new. done is true once a terminal
// event was forwarded.
func (s *session) drain(ctx context.Context) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, ErrTransportDisconnect
		}
		entries, err := s.r.log.ReadNew(ctx, s.key, s.group, consumerName)
		if err != nil {
			if ctx.Err() != nil {
				return false, ErrTransportDisconnect
			}
			if errors.Is(err, streamlog.ErrGroupNotFound) {
				// The log expired under us.
				return true, nil
			}
			return false, errors.Wrap(err, "resume reader: read")
		}
		if len(entries) == 0 {
			return false, nil
		}
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
			f, err := frames.FromEvent(e.Event)
			if err != nil {
				s.logger.Warn().Err(err).Str("entry", e.ID).Msg("skipping untranslatable entry")
				continue
			}
			if err := s.w.WriteFrame(f); err != nil {
				s.logger.Debug().Err(err).Msg("client write failed")
				return false, ErrTransportDisconnect
			}
			if events.IsTerminal(e.Event) {
				s.ack(ctx, ids)
				return true, nil
			}
		}
		s.ack(ctx, ids)
	}
}

func (s *session) ack(ctx context.Context, ids []string) {
	if err := s.r.log.Ack(ctx, s.key, s.group, ids...); err != nil {
		s.logger.Debug().Err(err).Msg("ack failed")
	}
}
