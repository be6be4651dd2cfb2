package registry

import (
	"context"
	"sync"
	"time"
)

// Manager is the in-process registry. It is owned by the server and passed to the
// orchestrator by handle.
type Manager struct {
	mu    sync.Mutex
	chats map[string]map[string]Record
	now   func() time.Time

	staleAfter    time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

var _ Registry = &Manager{}

type ManagerOption func(*Manager)

func WithStaleAfter(d time.Duration) ManagerOption {
	return func(m *Manager) { m.staleAfter = d }
}

func WithEvictInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.evictInterval = d }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		chats:         map[string]map[string]Record{},
		now:           time.Now,
		staleAfter:    DefaultStaleAfter,
		evictInterval: 30 * time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Add(_ context.Context, chatID string, rec Record) error {
	if err := validate(chatID, rec.TurnID); err != nil {
		return err
	}
	now := m.now()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.HeartbeatAt.IsZero() {
		rec.HeartbeatAt = rec.StartedAt
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	turns, ok := m.chats[chatID]
	if !ok {
		turns = map[string]Record{}
		m.chats[chatID] = turns
	}
	turns[rec.TurnID] = rec
	return nil
}

func (m *Manager) Remove(_ context.Context, chatID, turnID string) error {
	if err := validate(chatID, turnID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	turns, ok := m.chats[chatID]
	if !ok {
		return nil
	}
	delete(turns, turnID)
	if len(turns) == 0 {
		delete(m.chats, chatID)
	}
	return nil
}

func (m *Manager) Touch(_ context.Context, chatID, turnID string) error {
	if err := validate(chatID, turnID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.chats[chatID][turnID]
	if !ok {
		return nil
	}
	rec.HeartbeatAt = m.now()
	m.chats[chatID][turnID] = rec
	return nil
}

func (m *Manager) List(_ context.Context, chatID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	turns := m.chats[chatID]
	out := make([]Record, 0, len(turns))
	for id, rec := range turns {
		if isStale(rec, now, m.staleAfter) {
			delete(turns, id)
			continue
		}
		out = append(out, rec)
	}
	if turns != nil && len(turns) == 0 {
		delete(m.chats, chatID)
	}
	sortRecords(out)
	return out, nil
}

// StartEvictionLoop periodically drops stale records and empty chats until ctx is done.
// Calling it twice is a no-op.
func (m *Manager) StartEvictionLoop(ctx context.Context) {
	if m == nil {
		return
	}
	if ctx == nil {
		panic("registry: StartEvictionLoop requires non-nil ctx")
	}
	m.mu.Lock()
	if m.evictRunning || m.evictInterval <= 0 || m.staleAfter <= 0 {
		m.mu.Unlock()
		return
	}
	m.evictRunning = true
	interval := m.evictInterval
	m.mu.Unlock()

	go m.runEvictionLoop(ctx, interval)
}

func (m *Manager) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.evictRunning = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.evictStaleOnce(m.now())
		}
	}
}

func (m *Manager) evictStaleOnce(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for chatID, turns := range m.chats {
		for id, rec := range turns {
			if isStale(rec, now, m.staleAfter) {
				delete(turns, id)
				evicted++
			}
		}
		if len(turns) == 0 {
			delete(m.chats, chatID)
		}
	}
	return evicted
}
