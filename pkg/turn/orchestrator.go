package turn

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/go-go-golems/turnstream/pkg/control"
	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/messages"
	"github.com/go-go-golems/turnstream/pkg/model"
	"github.com/go-go-golems/turnstream/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnstream/pkg/registry"
	"github.com/go-go-golems/turnstream/pkg/streamlog"
)

const (
	DefaultTTL               = 300 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPersistTimeout    = 10 * time.Second
	defaultHistoryLimit      = 200
)

type Config struct {
	// BaseCtx bounds every turn. Cancelling it aborts in-flight turns.
	BaseCtx  context.Context
	Log      streamlog.Log
	Control  control.Channel
	Registry registry.Registry
	Store    chatstore.MessageStore
	Backend  model.Backend

	TTL               time.Duration
	HeartbeatInterval time.Duration
	PersistTimeout    time.Duration

	Now   func() time.Time
	NewID func() string
}

// Orchestrator starts and tracks the turns of this process.
type Orchestrator struct {
	cfg Config

	wg      conc.WaitGroup
	mu      sync.Mutex
	turns   map[string]*Turn
	closing bool
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("turn orchestrator: base context is nil")
	}
	if cfg.Log == nil {
		return nil, errors.New("turn orchestrator: stream log is nil")
	}
	if cfg.Control == nil {
		return nil, errors.New("turn orchestrator: control channel is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("turn orchestrator: registry is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("turn orchestrator: message store is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("turn orchestrator: model backend is nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Orchestrator{cfg: cfg, turns: map[string]*Turn{}}, nil
}

type StartRequest struct {
	ChatID   string
	Message  string
	Model    string
	Provider string
}

// Start makes the turn visible (log, registry, session notice) and runs it in the
// background. The turn outlives ctx; only the orchestrator's base context bounds it.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Turn, error) {
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		return nil, errors.New("turn: chatID is empty")
	}
	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}

	now := o.cfg.Now()
	t := newTurn(chatID, o.cfg.NewID(), req.Model, now)
	key := t.Key()
	logger := log.With().Str("component", "turn").Str("chat_id", chatID).Str("turn_id", t.ID).Logger()

	userMsg := messages.Message{
		ID:         o.cfg.NewID(),
		ChatID:     chatID,
		ResponseID: t.ID,
		Role:       messages.RoleUser,
		Content:    []messages.Part{messages.TextPart(req.Message)},
		CreatedAt:  now,
	}

	turnCtx, cancelTurn := context.WithCancel(o.cfg.BaseCtx)
	// Subscribe before anything is visible so a cancel published right after Start
	// returns cannot be missed.
	sigs, err := control.SubscribeSignals(turnCtx, o.cfg.Control, key)
	if err != nil {
		cancelTurn()
		return nil, errors.Wrap(err, "turn: subscribe control topic")
	}
	if _, err := o.cfg.Log.Append(ctx, key, events.NewModelAnnotation(req.Model)); err != nil {
		cancelTurn()
		return nil, errors.Wrap(err, "turn: create stream log")
	}
	userJSON, err := json.Marshal(userMsg)
	if err != nil {
		cancelTurn()
		return nil, errors.Wrap(err, "turn: marshal user message")
	}
	if err := o.cfg.Registry.Add(ctx, chatID, registry.Record{TurnID: t.ID, Message: userJSON, StartedAt: now}); err != nil {
		cancelTurn()
		if xerr := o.cfg.Log.Expire(context.WithoutCancel(ctx), key, o.cfg.TTL); xerr != nil {
			logger.Warn().Err(xerr).Msg("failed to expire stream log of aborted turn")
		}
		return nil, errors.Wrap(err, "turn: register active turn")
	}
	if err := control.PublishNotice(ctx, o.cfg.Control, control.Notice{
		Type: control.NoticeTurnStarted, ChatID: chatID, TurnID: t.ID, Message: userJSON,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to publish session notice")
	}

	r := &run{
		o:         o,
		t:         t,
		key:       key,
		logger:    logger,
		req:       req,
		userMsg:   userMsg,
		ctx:       turnCtx,
		cancelCtx: cancelTurn,
		sigs:      sigs,
		dirty:     make(chan struct{}, 1),
	}
	r.modelCtx, r.cancelModel = context.WithCancel(turnCtx)
	t.abort = cancelTurn

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		cancelTurn()
		detached := context.WithoutCancel(ctx)
		_ = o.cfg.Registry.Remove(detached, chatID, t.ID)
		_ = o.cfg.Log.Expire(detached, key, o.cfg.TTL)
		return nil, ErrShuttingDown
	}
	o.turns[t.ID] = t
	o.wg.Go(r.execute)
	o.mu.Unlock()

	logger.Info().Str("model", req.Model).Str("provider", req.Provider).Msg("turn started")
	return t, nil
}

// Cancel asks a turn to stop. It is a no-op for turns that already ended.
func (o *Orchestrator) Cancel(ctx context.Context, chatID, turnID string) error {
	key := streamlog.TurnKey{ChatID: chatID, TurnID: turnID}
	if err := key.Validate(); err != nil {
		return err
	}
	if err := control.PublishSignal(ctx, o.cfg.Control, key, control.Signal{Type: control.SignalCancel}); err != nil {
		return errors.Wrap(err, "turn: publish cancel")
	}
	return nil
}

// ListActive returns the in-flight turns of a chat across every process sharing the registry.
func (o *Orchestrator) ListActive(ctx context.Context, chatID string) ([]registry.Record, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("turn: chatID is empty")
	}
	return o.cfg.Registry.List(ctx, chatID)
}

// Get returns a turn owned by this process.
func (o *Orchestrator) Get(turnID string) (*Turn, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.turns[turnID]
	return t, ok
}

// Shutdown refuses new turns and waits for running ones. When ctx expires first, the
// remaining turns are aborted and finalized before Shutdown returns ctx's error.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	o.mu.Lock()
	for _, t := range o.turns {
		if t.abort != nil {
			t.abort()
		}
	}
	o.mu.Unlock()
	<-done
	return ctx.Err()
}

func (o *Orchestrator) forget(turnID string) {
	o.mu.Lock()
	delete(o.turns, turnID)
	o.mu.Unlock()
}
