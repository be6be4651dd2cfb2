package streamlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnstream/pkg/events"
)

type logFixture struct {
	log Log
	// advance moves the backend clock forward.
	advance func(time.Duration)
}

func newRedisFixture(t *testing.T) logFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedisLog(client)
	require.NoError(t, err)
	return logFixture{log: l, advance: mr.FastForward}
}

func newMemoryFixture(t *testing.T) logFixture {
	t.Helper()
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	l := NewMemoryLog(WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	return logFixture{log: l, advance: func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}}
}

func forEachLog(t *testing.T, fn func(t *testing.T, f logFixture)) {
	t.Run("redis", func(t *testing.T) { fn(t, newRedisFixture(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryFixture(t)) })
}

func appendTexts(t *testing.T, l Log, key TurnKey, texts ...string) {
	t.Helper()
	for _, s := range texts {
		_, err := l.Append(context.Background(), key, &events.TextDelta{TextDelta: s})
		require.NoError(t, err)
	}
}

func texts(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if td, ok := e.Event.(*events.TextDelta); ok {
			out = append(out, td.TextDelta)
		}
	}
	return out
}

func TestLog_GroupReadsOnlyNewEntries(t *testing.T) {
	forEachLog(t, func(t *testing.T, f logFixture) {
		ctx := context.Background()
		key := TurnKey{ChatID: "chat-1", TurnID: "turn-1"}
		appendTexts(t, f.log, key, "a", "b")

		require.NoError(t, f.log.CreateGroup(ctx, key, "g1", StartFromBeginning))
		got, err := f.log.ReadNew(ctx, key, "g1", "consumer-1")
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, texts(got))

		got, err = f.log.ReadNew(ctx, key, "g1", "consumer-1")
		require.NoError(t, err)
		require.Empty(t, got)

		appendTexts(t, f.log, key, "c")
		got, err = f.log.ReadNew(ctx, key, "g1", "consumer-1")
		require.NoError(t, err)
		require.Equal(t, []string{"c"}, texts(got))
	})
}

func TestLog_IndependentGroupsEachReplayEverything(t *testing.T) {
	forEachLog(t, func(t *testing.T, f logFixture) {
		ctx := context.Background()
		key := TurnKey{ChatID: "chat-1", TurnID: "turn-2"}
		var want []string
		for i := 0; i < 20; i++ {
			want = append(want, fmt.Sprintf("t%d", i))
		}
		appendTexts(t, f.log, key, want[:10]...)

		var wg sync.WaitGroup
		results := make([][]string, 2)
		for i := range results {
			group := fmt.Sprintf("resume-%d", i)
			require.NoError(t, f.log.CreateGroup(ctx, key, group, StartFromBeginning))
			wg.Add(1)
			go func(i int, group string) {
				defer wg.Done()
				for len(results[i]) < len(want) {
					got, err := f.log.ReadNew(ctx, key, group, "consumer-1")
					if err != nil {
						return
					}
					results[i] = append(results[i], texts(got)...)
					time.Sleep(time.Millisecond)
				}
			}(i, group)
		}
		appendTexts(t, f.log, key, want[10:]...)
		wg.Wait()

		for _, r := range results {
			require.Equal(t, want, r)
		}
	})
}

func TestLog_MissingStream(t *testing.T) {
	forEachLog(t, func(t *testing.T, f logFixture) {
		ctx := context.Background()
		key := TurnKey{ChatID: "chat-1", TurnID: "missing"}
		ok, err := f.log.Exists(ctx, key)
		require.NoError(t, err)
		require.False(t, ok)

		err = f.log.CreateGroup(ctx, key, "g1", StartFromBeginning)
		require.ErrorIs(t, err, ErrStreamNotFound)

		_, err = f.log.ReadNew(ctx, key, "g1", "consumer-1")
		require.ErrorIs(t, err, ErrGroupNotFound)
	})
}

func TestLog_ExpireBoundsRetention(t *testing.T) {
	forEachLog(t, func(t *testing.T, f logFixture) {
		ctx := context.Background()
		key := TurnKey{ChatID: "chat-1", TurnID: "turn-ttl"}
		appendTexts(t, f.log, key, "a")
		ttl := 300 * time.Second
		require.NoError(t, f.log.Expire(ctx, key, ttl))

		f.advance(ttl - time.Second)
		ok, err := f.log.Exists(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "log must stay readable for its TTL")

		f.advance(ttl + time.Second)
		ok, err = f.log.Exists(ctx, key)
		require.NoError(t, err)
		require.False(t, ok, "log must be gone after twice its TTL")
	})
}

func TestLog_DestroyGroupIsIdempotent(t *testing.T) {
	forEachLog(t, func(t *testing.T, f logFixture) {
		ctx := context.Background()
		key := TurnKey{ChatID: "chat-1", TurnID: "turn-3"}
		appendTexts(t, f.log, key, "a")
		require.NoError(t, f.log.CreateGroup(ctx, key, "g1", StartFromBeginning))
		require.NoError(t, f.log.DestroyGroup(ctx, key, "g1"))
		require.NoError(t, f.log.DestroyGroup(ctx, key, "g1"))
	})
}

func TestTurnKey(t *testing.T) {
	key := TurnKey{ChatID: "c", TurnID: "t"}
	require.Equal(t, "llm:stream:c:t", key.String())
	require.Error(t, TurnKey{TurnID: "t"}.Validate())
	require.Error(t, TurnKey{ChatID: "c"}.Validate())
}

func TestMemoryLog_SweepFreesExpiredStreams(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	l := NewMemoryLog(WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		key := TurnKey{ChatID: "c1", TurnID: fmt.Sprintf("t%d", i)}
		appendTexts(t, l, key, "x")
		require.NoError(t, l.Expire(ctx, key, time.Second))
	}
	live := TurnKey{ChatID: "c1", TurnID: "live"}
	appendTexts(t, l, live, "still streaming")
	require.Equal(t, 1001, l.Len())

	require.Equal(t, 0, l.sweepExpiredOnce())

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	require.Equal(t, 1000, l.sweepExpiredOnce())
	require.Equal(t, 1, l.Len())
	ok, err := l.Exists(ctx, live)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryLog_SweepLoopRunsUntilCancelled(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	l := NewMemoryLog(WithSweepInterval(5*time.Millisecond), WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	key := TurnKey{ChatID: "c1", TurnID: "t1"}
	appendTexts(t, l, key, "x")
	require.NoError(t, l.Expire(context.Background(), key, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	l.StartSweepLoop(ctx)
	l.StartSweepLoop(ctx)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return !l.sweepRunning
	}, time.Second, 5*time.Millisecond)
}
