package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnstream/pkg/control"
	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/messages"
	"github.com/go-go-golems/turnstream/pkg/model"
	"github.com/go-go-golems/turnstream/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnstream/pkg/registry"
	"github.com/go-go-golems/turnstream/pkg/streamlog"
)

type fixture struct {
	log   streamlog.Log
	ch    control.Channel
	reg   registry.Registry
	store chatstore.MessageStore
	o     *Orchestrator
}

func newFixture(t *testing.T, backend model.Backend, mutate ...func(*Config)) *fixture {
	t.Helper()
	ch := control.NewGoChannel(nil)
	t.Cleanup(func() { _ = ch.Close() })
	f := &fixture{
		log:   streamlog.NewMemoryLog(),
		ch:    ch,
		reg:   registry.NewManager(),
		store: chatstore.NewInMemoryMessageStore(),
	}
	f.build(t, backend, mutate...)
	return f
}

func newRedisFixture(t *testing.T, backend model.Backend) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ch, err := control.NewRedisChannel(client)
	require.NoError(t, err)
	reg, err := registry.NewRedisRegistry(client)
	require.NoError(t, err)
	rl, err := streamlog.NewRedisLog(client)
	require.NoError(t, err)
	f := &fixture{
		log:   rl,
		ch:    ch,
		reg:   reg,
		store: chatstore.NewInMemoryMessageStore(),
	}
	f.build(t, backend)
	return f
}

func (f *fixture) build(t *testing.T, backend model.Backend, mutate ...func(*Config)) {
	cfg := Config{
		BaseCtx:           context.Background(),
		Log:               f.log,
		Control:           f.ch,
		Registry:          f.reg,
		Store:             f.store,
		Backend:           backend,
		HeartbeatInterval: -1,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	f.o = o
}

func readAll(t *testing.T, l streamlog.Log, key streamlog.TurnKey) []events.Event {
	t.Helper()
	ctx := context.Background()
	group := "test-" + uuid.NewString()
	require.NoError(t, l.CreateGroup(ctx, key, group, streamlog.StartFromBeginning))
	defer func() { _ = l.DestroyGroup(ctx, key, group) }()
	var out []events.Event
	for {
		entries, err := l.ReadNew(ctx, key, group, "consumer-1")
		require.NoError(t, err)
		if len(entries) == 0 {
			return out
		}
		for _, e := range entries {
			out = append(out, e.Event)
		}
	}
}

func terminals(evs []events.Event) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if events.IsTerminal(e) {
			out = append(out, e)
		}
	}
	return out
}

func waitDone(t *testing.T, tr *Turn) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

// blockingBackend emits its events, then blocks until the model context is cancelled.
type blockingBackend struct {
	events  []events.Event
	started chan struct{}
	once    sync.Once
}

func newBlockingBackend(evs ...events.Event) *blockingBackend {
	return &blockingBackend{events: evs, started: make(chan struct{})}
}

func (b *blockingBackend) Stream(ctx context.Context, _ model.Request) (model.Stream, error) {
	return &blockingStream{ctx: ctx, b: b}, nil
}

type blockingStream struct {
	ctx context.Context
	b   *blockingBackend
	pos int
}

func (s *blockingStream) Recv() (events.Event, error) {
	if s.pos < len(s.b.events) {
		e := s.b.events[s.pos]
		s.pos++
		return e, nil
	}
	s.b.once.Do(func() { close(s.b.started) })
	<-s.ctx.Done()
	return nil, s.ctx.Err()
}

func (s *blockingStream) Close() error { return nil }

func TestTurn_NaturalFinish(t *testing.T) {
	backend := &model.Scripted{Events: []events.Event{
		&events.StepStart{MessageID: "m1"},
		&events.TextDelta{TextDelta: "Hel"},
		&events.TextDelta{TextDelta: "lo"},
		&events.StepFinish{FinishReason: "stop"},
		&events.Finish{FinishReason: "stop", Usage: events.Usage{PromptTokens: 2, CompletionTokens: 3}},
	}}
	f := newFixture(t, backend)
	ctx := context.Background()

	tr, err := f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "hi", Model: "gpt-test", Provider: "test"})
	require.NoError(t, err)
	waitDone(t, tr)
	require.Equal(t, StatusFinished, tr.Status())
	require.NoError(t, tr.Err())

	evs := readAll(t, f.log, tr.Key())
	require.Equal(t, events.KindMessageAnnotations, evs[0].Kind())
	term := terminals(evs)
	require.Len(t, term, 1)
	require.Equal(t, term[0], evs[len(evs)-1])
	fin, ok := term[0].(*events.Finish)
	require.True(t, ok)
	require.Equal(t, 3, fin.Usage.CompletionTokens)

	recs, err := f.o.ListActive(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, recs)

	rows, err := f.store.ListMessages(ctx, chatstore.MessageQuery{ChatID: "chat-1", ResponseID: tr.ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, messages.RoleUser, rows[0].Role)
	require.Equal(t, "hi", rows[0].Text())
	require.Equal(t, messages.RoleAssistant, rows[1].Role)
	require.Equal(t, "Hello", rows[1].Text())
	require.Equal(t, "gpt-test", rows[1].Model)
	require.NotNil(t, rows[1].Usage)
	require.Equal(t, 5, rows[1].Usage.TotalTokens)
	_, _, isErr := messages.ParseErrorMetadata(rows[1].ProviderMetadata)
	require.False(t, isErr)

	// A late cancel is a no-op.
	require.NoError(t, f.o.Cancel(ctx, "chat-1", tr.ID))
	time.Sleep(20 * time.Millisecond)
	require.Len(t, terminals(readAll(t, f.log, tr.Key())), 1)
}

func TestTurn_CancelMidStream(t *testing.T) {
	for name, mk := range map[string]func(*testing.T, model.Backend) *fixture{
		"memory": func(t *testing.T, b model.Backend) *fixture { return newFixture(t, b) },
		"redis":  newRedisFixture,
	} {
		t.Run(name, func(t *testing.T) {
			backend := newBlockingBackend(&events.TextDelta{TextDelta: "partial"})
			f := mk(t, backend)
			ctx := context.Background()

			tr, err := f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "go", Model: "m"})
			require.NoError(t, err)

			recs, err := f.o.ListActive(ctx, "chat-1")
			require.NoError(t, err)
			require.Len(t, recs, 1)
			require.Equal(t, tr.ID, recs[0].TurnID)

			<-backend.started
			require.NoError(t, f.o.Cancel(ctx, "chat-1", tr.ID))
			waitDone(t, tr)
			require.Equal(t, StatusCancelled, tr.Status())
			require.ErrorIs(t, tr.Err(), ErrUserCancelled)

			term := terminals(readAll(t, f.log, tr.Key()))
			require.Len(t, term, 1)
			errEv, ok := term[0].(*events.Error)
			require.True(t, ok)
			require.Equal(t, events.ErrorKindStoppedByUser, errEv.ErrorKind)
			require.Equal(t, "Stopped By User", errEv.Error)

			recs, err = f.o.ListActive(ctx, "chat-1")
			require.NoError(t, err)
			require.Empty(t, recs)

			rows, err := f.store.ListMessages(ctx, chatstore.MessageQuery{ChatID: "chat-1", ResponseID: tr.ID})
			require.NoError(t, err)
			require.Len(t, rows, 2)
			require.Equal(t, "partial", rows[1].Text())
			kind, _, isErr := messages.ParseErrorMetadata(rows[1].ProviderMetadata)
			require.True(t, isErr)
			require.Equal(t, events.ErrorKindStoppedByUser, kind)

			// Cancelling twice still yields a single terminal.
			require.NoError(t, f.o.Cancel(ctx, "chat-1", tr.ID))
			time.Sleep(20 * time.Millisecond)
			require.Len(t, terminals(readAll(t, f.log, tr.Key())), 1)
		})
	}
}

func TestTurn_ModelErrorKeepsPartialOutput(t *testing.T) {
	for name, backend := range map[string]model.Backend{
		"recv-error": &model.Scripted{
			Events: []events.Event{&events.TextDelta{TextDelta: "half"}},
			Err:    errors.New("upstream 500"),
		},
		"error-event": &model.Scripted{Events: []events.Event{
			&events.TextDelta{TextDelta: "half"},
			&events.Error{Error: "upstream 500"},
			&events.TextDelta{TextDelta: "never"},
		}},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, backend)
			ctx := context.Background()
			tr, err := f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "go"})
			require.NoError(t, err)
			waitDone(t, tr)

			require.Equal(t, StatusErrored, tr.Status())
			require.ErrorIs(t, tr.Err(), ErrModelCall)

			evs := readAll(t, f.log, tr.Key())
			term := terminals(evs)
			require.Len(t, term, 1)
			errEv := term[0].(*events.Error)
			require.Equal(t, events.ErrorKindAPICall, errEv.ErrorKind)
			require.Contains(t, errEv.Error, "upstream 500")

			rows, err := f.store.ListMessages(ctx, chatstore.MessageQuery{ChatID: "chat-1", ResponseID: tr.ID})
			require.NoError(t, err)
			require.Len(t, rows, 2)
			require.Equal(t, "half", rows[1].Text())
			kind, msg, isErr := messages.ParseErrorMetadata(rows[1].ProviderMetadata)
			require.True(t, isErr)
			require.Equal(t, events.ErrorKindAPICall, kind)
			require.Contains(t, msg, "upstream 500")
		})
	}
}

type failingStore struct{ chatstore.MessageStore }

func (failingStore) SaveMessages(context.Context, []messages.Message) error {
	return errors.New("disk full")
}

func TestTurn_PersistenceFailureStillEndsTurn(t *testing.T) {
	backend := &model.Scripted{Events: []events.Event{&events.TextDelta{TextDelta: "x"}}}
	f := newFixture(t, backend, func(c *Config) {
		c.Store = failingStore{MessageStore: chatstore.NewInMemoryMessageStore()}
	})
	ctx := context.Background()
	tr, err := f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "go"})
	require.NoError(t, err)
	waitDone(t, tr)

	require.Equal(t, StatusFinished, tr.Status())
	require.Len(t, terminals(readAll(t, f.log, tr.Key())), 1)
	recs, err := f.o.ListActive(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestTurn_SignalsReaders(t *testing.T) {
	backend := &model.Scripted{Events: []events.Event{&events.TextDelta{TextDelta: "x"}}, Delay: 10 * time.Millisecond}
	f := newFixture(t, backend, func(c *Config) { c.NewID = func() string { return "fixed" } })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs, err := control.SubscribeSignals(ctx, f.ch, streamlog.TurnKey{ChatID: "chat-1", TurnID: "fixed"})
	require.NoError(t, err)
	notices, err := control.SubscribeNotices(ctx, f.ch, "chat-1")
	require.NoError(t, err)

	tr, err := f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "go"})
	require.NoError(t, err)
	waitDone(t, tr)

	select {
	case n := <-notices:
		require.Contains(t, string(n), `"id":"fixed"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no session notice")
	}

	seen := map[control.SignalType]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[control.SignalFinish] {
		select {
		case s := <-sigs:
			seen[s.Type] = true
		case <-timeout:
			t.Fatal("no finish signal")
		}
	}
	require.True(t, seen[control.SignalChunk])
}

func TestTurn_HistoryIsSentToBackend(t *testing.T) {
	var mu sync.Mutex
	var got []model.Request
	backend := model.BackendFunc(func(ctx context.Context, req model.Request) (model.Stream, error) {
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		return (&model.Echo{}).Stream(ctx, req)
	})
	f := newFixture(t, backend)
	ctx := context.Background()

	tr, err := f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "first"})
	require.NoError(t, err)
	waitDone(t, tr)
	tr, err = f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "second"})
	require.NoError(t, err)
	waitDone(t, tr)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.Len(t, got[1].Messages, 3)
	require.Equal(t, "first", got[1].Messages[0].Text())
	require.Equal(t, "first", got[1].Messages[1].Text())
	require.Equal(t, "second", got[1].Messages[2].Text())
}

func TestTurn_ShutdownAbortsAndRejects(t *testing.T) {
	backend := newBlockingBackend()
	f := newFixture(t, backend)
	ctx := context.Background()

	_, err := f.o.Start(ctx, StartRequest{})
	require.Error(t, err)

	tr, err := f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "go"})
	require.NoError(t, err)
	<-backend.started

	sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.o.Shutdown(sctx), context.DeadlineExceeded)
	waitDone(t, tr)
	require.Equal(t, StatusErrored, tr.Status())
	require.Len(t, terminals(readAll(t, f.log, tr.Key())), 1)

	_, err = f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "again"})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestTurn_HeartbeatKeepsRecordFresh(t *testing.T) {
	backend := newBlockingBackend()
	reg := registry.NewManager(registry.WithStaleAfter(60 * time.Millisecond))
	f := newFixture(t, backend, func(c *Config) {
		c.Registry = reg
		c.HeartbeatInterval = 10 * time.Millisecond
	})
	ctx := context.Background()
	tr, err := f.o.Start(ctx, StartRequest{ChatID: "chat-1", Message: "go"})
	require.NoError(t, err)
	<-backend.started

	time.Sleep(150 * time.Millisecond)
	recs, err := f.o.ListActive(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, f.o.Cancel(ctx, "chat-1", tr.ID))
	waitDone(t, tr)
}
