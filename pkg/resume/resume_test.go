package resume

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnstream/pkg/control"
	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/frames"
	"github.com/go-go-golems/turnstream/pkg/model"
	"github.com/go-go-golems/turnstream/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnstream/pkg/registry"
	"github.com/go-go-golems/turnstream/pkg/streamlog"
	"github.com/go-go-golems/turnstream/pkg/turn"
)

var key = streamlog.TurnKey{ChatID: "chat-1", TurnID: "turn-1"}

func setup(t *testing.T, opts ...Option) (*streamlog.MemoryLog, control.Channel, *Reader) {
	t.Helper()
	l := streamlog.NewMemoryLog()
	ch := control.NewGoChannel(nil)
	t.Cleanup(func() { _ = ch.Close() })
	r, err := NewReader(l, ch, opts...)
	require.NoError(t, err)
	return l, ch, r
}

func appendAll(t *testing.T, l streamlog.Log, evs ...events.Event) {
	t.Helper()
	for _, e := range evs {
		_, err := l.Append(context.Background(), key, e)
		require.NoError(t, err)
	}
}

func lines(t *testing.T, fs []frames.Frame) []string {
	t.Helper()
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		b, err := f.Encode()
		require.NoError(t, err)
		out = append(out, string(b))
	}
	return out
}

func resumeAsync(r *Reader, ctx context.Context, w frames.Writer) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- r.Resume(ctx, key, w) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("resume did not return")
	}
	return nil
}

func TestResume_UnknownTurn(t *testing.T) {
	_, _, r := setup(t)
	err := r.Resume(context.Background(), key, &frames.CollectingWriter{})
	require.ErrorIs(t, err, ErrUnknownTurn)
}

func TestResume_ReplaysFinishedTurn(t *testing.T) {
	l, _, r := setup(t)
	appendAll(t, l,
		events.NewModelAnnotation("m"),
		&events.TextDelta{TextDelta: "Hel"},
		&events.TextDelta{TextDelta: "lo"},
		&events.Finish{FinishReason: "stop"},
	)
	w := &frames.CollectingWriter{}
	require.NoError(t, r.Resume(context.Background(), key, w))
	require.Equal(t, []string{
		"8:[{\"model\":\"m\",\"type\":\"model\"}]\n",
		"0:\"Hel\"\n",
		"0:\"lo\"\n",
		"d:{\"finishReason\":\"stop\",\"usage\":{\"promptTokens\":0,\"completionTokens\":0}}\n",
	}, lines(t, w.Frames()))
}

func TestResume_FollowsLiveTurn(t *testing.T) {
	l, ch, r := setup(t)
	ctx := context.Background()
	appendAll(t, l, events.NewModelAnnotation("m"))

	w := &frames.CollectingWriter{}
	errc := resumeAsync(r, ctx, w)
	require.Eventually(t, func() bool { return len(w.Frames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	appendAll(t, l, &events.TextDelta{TextDelta: "a"})
	require.NoError(t, control.PublishSignal(ctx, ch, key, control.Signal{Type: control.SignalChunk}))
	require.Eventually(t, func() bool { return len(w.Frames()) == 2 }, 2*time.Second, 5*time.Millisecond)

	appendAll(t, l, &events.TextDelta{TextDelta: "b"}, &events.Finish{FinishReason: "stop"})
	require.NoError(t, control.PublishSignal(ctx, ch, key, control.Signal{Type: control.SignalFinish}))
	require.NoError(t, waitErr(t, errc))

	fs := w.Frames()
	require.Len(t, fs, 4)
	require.Equal(t, frames.TypeFinishMessage, fs[3].Type)
}

func TestResume_CancelWithoutTerminalWritesErrorFrame(t *testing.T) {
	l, ch, r := setup(t, WithCancelGrace(20*time.Millisecond))
	ctx := context.Background()
	appendAll(t, l, events.NewModelAnnotation("m"), &events.TextDelta{TextDelta: "partial"})

	w := &frames.CollectingWriter{}
	errc := resumeAsync(r, ctx, w)
	require.Eventually(t, func() bool { return len(w.Frames()) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, control.PublishSignal(ctx, ch, key, control.Signal{Type: control.SignalCancel}))
	require.NoError(t, waitErr(t, errc))

	got := lines(t, w.Frames())
	require.Len(t, got, 3)
	require.Equal(t, "3:\"Stopped By User\"\n", got[2])
}

func TestResume_CancelRacingFinishEndsWithFinish(t *testing.T) {
	l, ch, r := setup(t, WithCancelGrace(2*time.Second))
	ctx := context.Background()
	appendAll(t, l, events.NewModelAnnotation("m"), &events.TextDelta{TextDelta: "done"})

	w := &frames.CollectingWriter{}
	errc := resumeAsync(r, ctx, w)
	require.Eventually(t, func() bool { return len(w.Frames()) == 2 }, 2*time.Second, 5*time.Millisecond)

	// The backend already finished: the cancel is ignored and finalize appends finish.
	require.NoError(t, control.PublishSignal(ctx, ch, key, control.Signal{Type: control.SignalCancel}))
	time.Sleep(30 * time.Millisecond)
	appendAll(t, l, &events.Finish{FinishReason: "stop"})
	require.NoError(t, control.PublishSignal(ctx, ch, key, control.Signal{Type: control.SignalFinish}))
	require.NoError(t, waitErr(t, errc))

	got := lines(t, w.Frames())
	require.Len(t, got, 3)
	require.Equal(t, frames.TypeFinishMessage, w.Frames()[2].Type)
	for _, line := range got {
		require.NotContains(t, line, "Stopped By User")
	}
}

func TestResume_CancelGraceFindsLateTerminalWithoutSignal(t *testing.T) {
	l, ch, r := setup(t, WithCancelGrace(time.Second))
	ctx := context.Background()
	appendAll(t, l, events.NewModelAnnotation("m"))

	w := &frames.CollectingWriter{}
	errc := resumeAsync(r, ctx, w)
	require.Eventually(t, func() bool { return len(w.Frames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, control.PublishSignal(ctx, ch, key, control.Signal{Type: control.SignalCancel}))
	time.Sleep(30 * time.Millisecond)
	appendAll(t, l, &events.Finish{FinishReason: "stop"})
	require.NoError(t, waitErr(t, errc))

	fs := w.Frames()
	require.Len(t, fs, 2)
	require.Equal(t, frames.TypeFinishMessage, fs[1].Type)
}

func TestResume_CancelAfterTerminalDoesNotDuplicate(t *testing.T) {
	l, ch, r := setup(t)
	ctx := context.Background()
	appendAll(t, l, events.NewModelAnnotation("m"))

	w := &frames.CollectingWriter{}
	errc := resumeAsync(r, ctx, w)
	require.Eventually(t, func() bool { return len(w.Frames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	appendAll(t, l, &events.Error{Error: events.StoppedByUserMessage, ErrorKind: events.ErrorKindStoppedByUser})
	require.NoError(t, control.PublishSignal(ctx, ch, key, control.Signal{Type: control.SignalCancel}))
	require.NoError(t, waitErr(t, errc))

	got := lines(t, w.Frames())
	require.Equal(t, []string{"8:[{\"model\":\"m\",\"type\":\"model\"}]\n", "3:\"Stopped By User\"\n"}, got)
}

func TestResume_DisconnectDoesNotAffectLog(t *testing.T) {
	l, _, r := setup(t)
	appendAll(t, l, events.NewModelAnnotation("m"))
	ctx, cancel := context.WithCancel(context.Background())

	w := &frames.CollectingWriter{}
	errc := resumeAsync(r, ctx, w)
	require.Eventually(t, func() bool { return len(w.Frames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, waitErr(t, errc), ErrTransportDisconnect)

	// A later reader still gets the whole log.
	appendAll(t, l, &events.Finish{FinishReason: "stop"})
	w2 := &frames.CollectingWriter{}
	require.NoError(t, r.Resume(context.Background(), key, w2))
	require.Len(t, w2.Frames(), 2)
}

type failingWriter struct{}

func (failingWriter) WriteFrame(frames.Frame) error { return fmt.Errorf("broken pipe") }

func TestResume_WriterFailureIsDisconnect(t *testing.T) {
	l, _, r := setup(t)
	appendAll(t, l, events.NewModelAnnotation("m"))
	require.ErrorIs(t, r.Resume(context.Background(), key, failingWriter{}), ErrTransportDisconnect)
}

func TestResume_ConcurrentReadersOfLiveTurn(t *testing.T) {
	l := streamlog.NewMemoryLog()
	ch := control.NewGoChannel(nil)
	t.Cleanup(func() { _ = ch.Close() })
	r, err := NewReader(l, ch)
	require.NoError(t, err)

	evs := []events.Event{&events.StepStart{MessageID: "m"}}
	for i := 0; i < 20; i++ {
		evs = append(evs, &events.TextDelta{TextDelta: fmt.Sprintf("w%d ", i)})
	}
	evs = append(evs, &events.Finish{FinishReason: "stop"})

	o, err := turn.NewOrchestrator(turn.Config{
		BaseCtx:           context.Background(),
		Log:               l,
		Control:           ch,
		Registry:          registry.NewManager(),
		Store:             chatstore.NewInMemoryMessageStore(),
		Backend:           &model.Scripted{Events: evs, Delay: 2 * time.Millisecond},
		HeartbeatInterval: -1,
	})
	require.NoError(t, err)
	ctx := context.Background()
	tr, err := o.Start(ctx, turn.StartRequest{ChatID: "chat-1", Message: "go", Model: "m"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	writers := []*frames.CollectingWriter{{}, {}, {}}
	errs := make([]error, len(writers))
	for i, w := range writers {
		wg.Add(1)
		go func(i int, w *frames.CollectingWriter) {
			defer wg.Done()
			if i == 2 {
				time.Sleep(15 * time.Millisecond)
			}
			errs[i] = r.Resume(ctx, tr.Key(), w)
		}(i, w)
	}
	wg.Wait()
	<-tr.Done()

	for i := range writers {
		require.NoError(t, errs[i])
		got := lines(t, writers[i].Frames())
		// annotation + step-start + 20 deltas + finish
		require.Len(t, got, 23)
		require.Equal(t, lines(t, writers[0].Frames()), got)
		require.Equal(t, "8:[{\"model\":\"m\",\"type\":\"model\"}]\n", got[0])
		require.Equal(t, "0:\"w0 \"\n", got[2])
		require.Equal(t, "0:\"w19 \"\n", got[21])
		require.Equal(t, string(frames.TypeFinishMessage), string(writers[i].Frames()[22].Type))
	}
}

func TestResume_ReaderCancelledTurn(t *testing.T) {
	l := streamlog.NewMemoryLog()
	ch := control.NewGoChannel(nil)
	t.Cleanup(func() { _ = ch.Close() })
	r, err := NewReader(l, ch)
	require.NoError(t, err)

	o, err := turn.NewOrchestrator(turn.Config{
		BaseCtx:           context.Background(),
		Log:               l,
		Control:           ch,
		Registry:          registry.NewManager(),
		Store:             chatstore.NewInMemoryMessageStore(),
		Backend:           &model.Scripted{Events: []events.Event{&events.TextDelta{TextDelta: "a"}, &events.TextDelta{TextDelta: "b"}}, Delay: time.Hour},
		HeartbeatInterval: -1,
	})
	require.NoError(t, err)
	ctx := context.Background()
	tr, err := o.Start(ctx, turn.StartRequest{ChatID: "chat-1", Message: "go", Model: "m"})
	require.NoError(t, err)

	w := &frames.CollectingWriter{}
	errc := make(chan error, 1)
	go func() { errc <- r.Resume(ctx, tr.Key(), w) }()
	require.Eventually(t, func() bool { return len(w.Frames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Cancel(ctx, "chat-1", tr.ID))
	require.NoError(t, waitErr(t, errc))
	<-tr.Done()

	got := lines(t, w.Frames())
	require.Equal(t, "3:\"Stopped By User\"\n", got[len(got)-1])
	require.Len(t, got, 2)
}
