// Package messages defines the persisted conversation rows produced from a turn.
package messages

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/turnstream/pkg/events"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// Part is one content element of a message. Only the fields relevant to Type are set.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func TextPart(text string) Part      { return Part{Type: PartText, Text: text} }
func ReasoningPart(text string) Part { return Part{Type: PartReasoning, Text: text} }

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

func UsageFrom(u events.Usage) Usage {
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.Total()}
}

// Message is one persisted conversation row. ResponseID links every row produced by a turn
// to that turn's id.
type Message struct {
	ID               string          `json:"id"`
	ChatID           string          `json:"chatId"`
	ResponseID       string          `json:"responseId,omitempty"`
	Role             Role            `json:"role"`
	Content          []Part          `json:"content"`
	Model            string          `json:"model,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	Usage            *Usage          `json:"usage,omitempty"`
	ProviderMetadata json.RawMessage `json:"providerMetadata,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Text concatenates the text parts of m.
func (m Message) Text() string {
	s := ""
	for _, p := range m.Content {
		if p.Type == PartText {
			s += p.Text
		}
	}
	return s
}

type errorMetadata struct {
	Turnstream struct {
		Status string `json:"status"`
		Error  struct {
			Type    events.ErrorKind `json:"type"`
			Message string           `json:"message"`
		} `json:"error"`
	} `json:"turnstream"`
}

// ErrorMetadata is stored as ProviderMetadata on rows of a turn that did not finish cleanly.
func ErrorMetadata(kind events.ErrorKind, message string) json.RawMessage {
	var m errorMetadata
	m.Turnstream.Status = "error"
	m.Turnstream.Error.Type = kind
	m.Turnstream.Error.Message = message
	b, _ := json.Marshal(m)
	return b
}

// ParseErrorMetadata returns the error kind and message stored by ErrorMetadata.
func ParseErrorMetadata(raw json.RawMessage) (events.ErrorKind, string, bool) {
	if len(raw) == 0 {
		return "", "", false
	}
	var m errorMetadata
	if err := json.Unmarshal(raw, &m); err != nil || m.Turnstream.Status != "error" {
		return "", "", false
	}
	return m.Turnstream.Error.Type, m.Turnstream.Error.Message, true
}
