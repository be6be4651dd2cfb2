package chatstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/messages"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s MessageStore)) {
	t.Run("sqlite", func(t *testing.T) {
		dsn, err := SQLiteMessageDSNForFile(filepath.Join(t.TempDir(), "messages.db"))
		require.NoError(t, err)
		s, err := NewSQLiteMessageStore(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemoryMessageStore())
	})
}

func TestMessageStore_SaveAndList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		ctx := context.Background()
		base := time.UnixMilli(1_700_000_000_000)
		usage := messages.UsageFrom(events.Usage{PromptTokens: 5, CompletionTokens: 7})
		err := s.SaveMessages(ctx, []messages.Message{
			{ID: "u1", ChatID: "chat-1", ResponseID: "turn-1", Role: messages.RoleUser, Content: []messages.Part{messages.TextPart("hi")}, CreatedAt: base},
			{ID: "a1", ChatID: "chat-1", ResponseID: "turn-1", Role: messages.RoleAssistant, Model: "m", Provider: "p",
				Content: []messages.Part{messages.TextPart("hello"), {Type: messages.PartToolCall, ToolCallID: "X", ToolName: "t", Args: json.RawMessage(`{"a":1}`)}},
				Usage:   &usage, CreatedAt: base.Add(time.Millisecond)},
			{ID: "t1", ChatID: "chat-1", ResponseID: "turn-1", Role: messages.RoleTool,
				Content:          []messages.Part{{Type: messages.PartToolResult, ToolCallID: "X", Result: json.RawMessage(`"R"`)}},
				ProviderMetadata: messages.ErrorMetadata(events.ErrorKindAPICall, "boom"), CreatedAt: base.Add(2 * time.Millisecond)},
			{ID: "u2", ChatID: "chat-1", ResponseID: "turn-2", Role: messages.RoleUser, Content: []messages.Part{messages.TextPart("again")}, CreatedAt: base.Add(time.Second)},
			{ID: "x1", ChatID: "chat-2", Role: messages.RoleUser, Content: []messages.Part{messages.TextPart("other")}, CreatedAt: base},
		})
		require.NoError(t, err)

		all, err := s.ListMessages(ctx, MessageQuery{ChatID: "chat-1"})
		require.NoError(t, err)
		require.Len(t, all, 4)
		require.Equal(t, "u1", all[0].ID)
		require.Equal(t, "a1", all[1].ID)
		require.Equal(t, "t1", all[2].ID)
		require.Equal(t, "u2", all[3].ID)

		require.Equal(t, messages.RoleAssistant, all[1].Role)
		require.Equal(t, "hello", all[1].Text())
		require.JSONEq(t, `{"a":1}`, string(all[1].Content[1].Args))
		require.NotNil(t, all[1].Usage)
		require.Equal(t, 12, all[1].Usage.TotalTokens)
		require.Equal(t, base.Add(time.Millisecond).UnixMilli(), all[1].CreatedAt.UnixMilli())

		kind, msg, ok := messages.ParseErrorMetadata(all[2].ProviderMetadata)
		require.True(t, ok)
		require.Equal(t, events.ErrorKindAPICall, kind)
		require.Equal(t, "boom", msg)

		byResponse, err := s.ListMessages(ctx, MessageQuery{ChatID: "chat-1", ResponseID: "turn-1"})
		require.NoError(t, err)
		require.Len(t, byResponse, 3)

		limited, err := s.ListMessages(ctx, MessageQuery{ChatID: "chat-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)

		since, err := s.ListMessages(ctx, MessageQuery{ChatID: "chat-1", SinceMs: base.Add(500 * time.Millisecond).UnixMilli()})
		require.NoError(t, err)
		require.Len(t, since, 1)
		require.Equal(t, "u2", since[0].ID)
	})
}

func TestMessageStore_Validation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		ctx := context.Background()
		ok := messages.Message{ID: "a", ChatID: "c", Role: messages.RoleAssistant, Content: []messages.Part{messages.TextPart("")}}

		noID := ok
		noID.ID = ""
		require.Error(t, s.SaveMessages(ctx, []messages.Message{noID}))

		noContent := ok
		noContent.Content = nil
		require.Error(t, s.SaveMessages(ctx, []messages.Message{noContent}))

		badRole := ok
		badRole.Role = "system"
		require.Error(t, s.SaveMessages(ctx, []messages.Message{badRole}))

		_, err := s.ListMessages(ctx, MessageQuery{})
		require.Error(t, err)

		require.NoError(t, s.SaveMessages(ctx, nil))
		require.NoError(t, s.SaveMessages(ctx, []messages.Message{ok}))
		require.NoError(t, s.SaveMessages(ctx, []messages.Message{ok}))
		got, err := s.ListMessages(ctx, MessageQuery{ChatID: "c"})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})
}

func TestSQLiteMessageDSNForFile(t *testing.T) {
	_, err := SQLiteMessageDSNForFile(" ")
	require.Error(t, err)
	dsn, err := SQLiteMessageDSNForFile("/tmp/x.db")
	require.NoError(t, err)
	require.Equal(t, "file:/tmp/x.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dsn)
}
