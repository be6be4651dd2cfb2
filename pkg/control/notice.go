package control

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

type NoticeType string

const NoticeTurnStarted NoticeType = "turn-started"

// Notice tells every device watching a chat that a turn started, so it can resume it.
type Notice struct {
	Type    NoticeType      `json:"type"`
	ChatID  string          `json:"chatId"`
	TurnID  string          `json:"id"`
	Message json.RawMessage `json:"data,omitempty"`
}

func TopicForChat(chatID string) string { return "session:" + chatID }

func PublishNotice(ctx context.Context, ch Channel, n Notice) error {
	if ch == nil {
		return errors.New("control: channel is nil")
	}
	if n.ChatID == "" {
		return errors.New("control: notice chatID is empty")
	}
	b, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "control: marshal notice")
	}
	return ch.Publish(ctx, TopicForChat(n.ChatID), b)
}

// SubscribeNotices returns the raw JSON notices of a chat, ready to forward to clients.
func SubscribeNotices(ctx context.Context, ch Channel, chatID string) (<-chan []byte, error) {
	if ch == nil {
		return nil, errors.New("control: channel is nil")
	}
	if chatID == "" {
		return nil, errors.New("control: chatID is empty")
	}
	return ch.Subscribe(ctx, TopicForChat(chatID))
}
