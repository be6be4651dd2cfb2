package streamlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/events"
)

// MemoryLog is a single-process Log with the same group semantics as RedisLog. It backs the
// server when Redis is disabled and keeps unit tests free of external services.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string]*memStream
	now     func() time.Time

	sweepInterval time.Duration
	sweepRunning  bool
}

type memStream struct {
	entries   []Entry
	groups    map[string]int // next index to deliver
	lastMs    int64
	lastSeq   int64
	expiresAt time.Time
}

var _ Log = &MemoryLog{}

type MemoryLogOption func(*MemoryLog)

// WithClock overrides time.Now, for TTL tests.
func WithClock(now func() time.Time) MemoryLogOption {
	return func(l *MemoryLog) { l.now = now }
}

// WithSweepInterval sets how often StartSweepLoop frees expired streams.
func WithSweepInterval(d time.Duration) MemoryLogOption {
	return func(l *MemoryLog) { l.sweepInterval = d }
}

func NewMemoryLog(opts ...MemoryLogOption) *MemoryLog {
	l := &MemoryLog{streams: map[string]*memStream{}, now: time.Now, sweepInterval: 30 * time.Second}
	for _, o := range opts {
		o(l)
	}
	return l
}

// liveLocked returns the stream for key, dropping it if its TTL has elapsed.
func (l *MemoryLog) liveLocked(key string) (*memStream, bool) {
	s, ok := l.streams[key]
	if !ok {
		return nil, false
	}
	if !s.expiresAt.IsZero() && !l.now().Before(s.expiresAt) {
		delete(l.streams, key)
		return nil, false
	}
	return s, true
}

func (l *MemoryLog) Append(_ context.Context, key TurnKey, e events.Event) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if e == nil {
		return "", errors.New("memory stream log: nil event")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.liveLocked(key.String())
	if !ok {
		s = &memStream{groups: map[string]int{}}
		l.streams[key.String()] = s
	}
	ms := l.now().UnixMilli()
	if ms > s.lastMs {
		s.lastMs = ms
		s.lastSeq = 0
	} else {
		s.lastSeq++
	}
	id := fmt.Sprintf("%d-%d", s.lastMs, s.lastSeq)
	s.entries = append(s.entries, Entry{ID: id, Event: e})
	return id, nil
}

func (l *MemoryLog) ReadNew(_ context.Context, key TurnKey, group, _ string) ([]Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.liveLocked(key.String())
	if !ok {
		return nil, ErrGroupNotFound
	}
	next, ok := s.groups[group]
	if !ok {
		return nil, ErrGroupNotFound
	}
	if next >= len(s.entries) {
		return nil, nil
	}
	out := append([]Entry(nil), s.entries[next:]...)
	s.groups[group] = len(s.entries)
	return out, nil
}

func (l *MemoryLog) CreateGroup(_ context.Context, key TurnKey, group, startID string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.liveLocked(key.String())
	if !ok {
		return ErrStreamNotFound
	}
	if _, exists := s.groups[group]; exists {
		return nil
	}
	switch startID {
	case "", StartFromBeginning:
		s.groups[group] = 0
	case "$":
		s.groups[group] = len(s.entries)
	default:
		return errors.Errorf("memory stream log: unsupported start id %q", startID)
	}
	return nil
}

func (l *MemoryLog) DestroyGroup(_ context.Context, key TurnKey, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.liveLocked(key.String()); ok {
		delete(s.groups, group)
	}
	return nil
}

// Ack is a no-op: delivery state lives in the group cursor only.
func (l *MemoryLog) Ack(context.Context, TurnKey, string, ...string) error {
	return nil
}

func (l *MemoryLog) Exists(_ context.Context, key TurnKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.liveLocked(key.String())
	return ok, nil
}

func (l *MemoryLog) Expire(_ context.Context, key TurnKey, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("memory stream log: ttl must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.liveLocked(key.String())
	if !ok {
		return nil
	}
	s.expiresAt = l.now().Add(ttl)
	return nil
}

// StartSweepLoop periodically frees streams whose TTL elapsed until ctx is done. Expired
// streams nobody touches again are otherwise kept forever. Calling it twice is a no-op.
func (l *MemoryLog) StartSweepLoop(ctx context.Context) {
	if l == nil {
		return
	}
	if ctx == nil {
		panic("streamlog: StartSweepLoop requires non-nil ctx")
	}
	l.mu.Lock()
	if l.sweepRunning || l.sweepInterval <= 0 {
		l.mu.Unlock()
		return
	}
	l.sweepRunning = true
	interval := l.sweepInterval
	l.mu.Unlock()

	go l.runSweepLoop(ctx, interval)
}

func (l *MemoryLog) runSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.sweepRunning = false
			l.mu.Unlock()
			return
		case <-ticker.C:
			l.sweepExpiredOnce()
		}
	}
}

func (l *MemoryLog) sweepExpiredOnce() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	swept := 0
	for key, s := range l.streams {
		if !s.expiresAt.IsZero() && !now.Before(s.expiresAt) {
			delete(l.streams, key)
			swept++
		}
	}
	return swept
}

// Len returns the number of streams held, expired or not.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams)
}
