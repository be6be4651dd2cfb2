package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/control"
)

const defaultSessionIdleTimeout = 30 * time.Second

// noticeWriter is the write side of a session websocket.
type noticeWriter interface {
	WriteRaw(messageType int, data []byte) error
}

type sessionMember struct {
	w    noticeWriter
	drop func()
}

// SessionPool fans the notices of one chat out to its websockets. It owns a single
// control subscription; the pool is dropped after idleTimeout without members.
type SessionPool struct {
	chatID      string
	mu          sync.Mutex
	members     map[*sessionMember]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
	cancel      context.CancelFunc
}

func newSessionPool(chatID string, idleTimeout time.Duration, onIdle func()) *SessionPool {
	return &SessionPool{
		chatID:      chatID,
		members:     map[*sessionMember]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (sp *SessionPool) add(m *sessionMember) {
	sp.mu.Lock()
	sp.members[m] = struct{}{}
	sp.stopIdleTimerLocked()
	sp.mu.Unlock()
}

func (sp *SessionPool) remove(m *sessionMember) {
	sp.mu.Lock()
	delete(sp.members, m)
	sp.scheduleIdleTimerLocked()
	sp.mu.Unlock()
}

// Broadcast writes data to every member. Members whose write fails are dropped.
func (sp *SessionPool) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	var failed []*sessionMember
	sp.mu.Lock()
	for m := range sp.members {
		if err := m.w.WriteRaw(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "sessions").Str("chat_id", sp.chatID).Msg("ws broadcast failed, dropping connection")
			delete(sp.members, m)
			failed = append(failed, m)
		}
	}
	sp.scheduleIdleTimerLocked()
	sp.mu.Unlock()
	for _, m := range failed {
		m.drop()
	}
}

func (sp *SessionPool) Count() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.members)
}

func (sp *SessionPool) IsEmpty() bool {
	return sp.Count() == 0
}

// closeAll drops every member and stops the subscription.
func (sp *SessionPool) closeAll() {
	sp.mu.Lock()
	members := make([]*sessionMember, 0, len(sp.members))
	for m := range sp.members {
		members = append(members, m)
		delete(sp.members, m)
	}
	sp.stopIdleTimerLocked()
	cancel := sp.cancel
	sp.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, m := range members {
		m.drop()
	}
}

func (sp *SessionPool) stopIdleTimerLocked() {
	if sp.idleTimer != nil {
		sp.idleTimer.Stop()
		sp.idleTimer = nil
	}
}

func (sp *SessionPool) scheduleIdleTimerLocked() {
	if len(sp.members) != 0 || sp.idleTimeout <= 0 || sp.onIdle == nil {
		sp.stopIdleTimerLocked()
		return
	}
	sp.stopIdleTimerLocked()
	sp.idleTimer = time.AfterFunc(sp.idleTimeout, sp.triggerIdle)
}

func (sp *SessionPool) triggerIdle() {
	var callback func()
	sp.mu.Lock()
	if len(sp.members) == 0 {
		callback = sp.onIdle
	}
	sp.idleTimer = nil
	sp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

// Sessions keeps one SessionPool per chat with live notice websockets.
type Sessions struct {
	control     control.Channel
	idleTimeout time.Duration

	mu     sync.Mutex
	pools  map[string]*SessionPool
	closed bool
}

func NewSessions(ch control.Channel, idleTimeout time.Duration) *Sessions {
	if idleTimeout <= 0 {
		idleTimeout = defaultSessionIdleTimeout
	}
	return &Sessions{control: ch, idleTimeout: idleTimeout, pools: map[string]*SessionPool{}}
}

// Join adds w to the chat's pool, subscribing to the chat's notices if the pool is new.
// drop is called when the member is removed by the pool (write failure, subscription end,
// Close). The returned leave func removes the member.
func (s *Sessions) Join(chatID string, w noticeWriter, drop func()) (func(), error) {
	if w == nil || drop == nil {
		return nil, errors.New("sessions: writer and drop func are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("sessions: closed")
	}
	pool, ok := s.pools[chatID]
	if !ok {
		var err error
		pool, err = s.openLocked(chatID)
		if err != nil {
			return nil, err
		}
	}
	m := &sessionMember{w: w, drop: drop}
	pool.add(m)
	return func() { pool.remove(m) }, nil
}

func (s *Sessions) openLocked(chatID string) (*SessionPool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	var pool *SessionPool
	pool = newSessionPool(chatID, s.idleTimeout, func() { s.dropIfIdle(chatID, pool) })
	pool.cancel = cancel

	notices, err := control.SubscribeNotices(ctx, s.control, chatID)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "sessions: subscribe notices")
	}
	go func() {
		for n := range notices {
			pool.Broadcast(n)
		}
		// Subscription gone: members would never hear from this pool again.
		s.detach(chatID, pool)
		pool.closeAll()
	}()
	s.pools[chatID] = pool
	log.Debug().Str("component", "sessions").Str("chat_id", chatID).Msg("session pool opened")
	return pool, nil
}

func (s *Sessions) dropIfIdle(chatID string, pool *SessionPool) {
	s.mu.Lock()
	if s.pools[chatID] != pool || !pool.IsEmpty() {
		s.mu.Unlock()
		return
	}
	delete(s.pools, chatID)
	s.mu.Unlock()
	pool.closeAll()
	log.Debug().Str("component", "sessions").Str("chat_id", chatID).Msg("idle session pool closed")
}

func (s *Sessions) detach(chatID string, pool *SessionPool) {
	s.mu.Lock()
	if s.pools[chatID] == pool {
		delete(s.pools, chatID)
	}
	s.mu.Unlock()
}

// Count returns the number of open pools.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools)
}

// Close drops every member of every pool and rejects further joins.
func (s *Sessions) Close() {
	s.mu.Lock()
	s.closed = true
	pools := make([]*SessionPool, 0, len(s.pools))
	for id, p := range s.pools {
		pools = append(pools, p)
		delete(s.pools, id)
	}
	s.mu.Unlock()
	for _, p := range pools {
		p.closeAll()
	}
}
