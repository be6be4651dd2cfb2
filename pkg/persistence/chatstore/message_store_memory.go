package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/messages"
)

// InMemoryMessageStore mirrors the ordering semantics of the SQLite store.
type InMemoryMessageStore struct {
	mu    sync.Mutex
	chats map[string]map[string]messages.Message
}

var _ MessageStore = &InMemoryMessageStore{}

func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{chats: map[string]map[string]messages.Message{}}
}

func (s *InMemoryMessageStore) Close() error { return nil }

func (s *InMemoryMessageStore) SaveMessages(_ context.Context, msgs []messages.Message) error {
	if s == nil {
		return errors.New("in-memory message store: nil store")
	}
	for _, m := range msgs {
		if err := validateMessage(m); err != nil {
			return errors.Wrap(err, "in-memory message store")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		// Match the millisecond precision of the SQLite store.
		m.CreatedAt = time.UnixMilli(m.CreatedAt.UnixMilli())
		chat, ok := s.chats[m.ChatID]
		if !ok {
			chat = map[string]messages.Message{}
			s.chats[m.ChatID] = chat
		}
		chat[m.ID] = m
	}
	return nil
}

func (s *InMemoryMessageStore) ListMessages(_ context.Context, q MessageQuery) ([]messages.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	chatID := strings.TrimSpace(q.ChatID)
	if chatID == "" {
		return nil, errors.New("in-memory message store: chatID is empty")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	responseID := strings.TrimSpace(q.ResponseID)

	s.mu.Lock()
	out := make([]messages.Message, 0, len(s.chats[chatID]))
	for _, m := range s.chats[chatID] {
		if responseID != "" && m.ResponseID != responseID {
			continue
		}
		if q.SinceMs > 0 && m.CreatedAt.UnixMilli() < q.SinceMs {
			continue
		}
		out = append(out, m)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
