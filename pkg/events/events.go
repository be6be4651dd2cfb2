package events

import (
	"encoding/json"
)

// Kind identifies an event variant. The string values are the wire `type` field.
type Kind string

const (
	KindTextDelta              Kind = "text-delta"
	KindReasoning              Kind = "reasoning"
	KindSource                 Kind = "source"
	KindToolCall               Kind = "tool-call"
	KindToolCallDelta          Kind = "tool-call-delta"
	KindToolCallStreamingStart Kind = "tool-call-streaming-start"
	KindToolResult             Kind = "tool-result"
	KindFile                   Kind = "file"
	KindError                  Kind = "error"
	KindStepStart              Kind = "step-start"
	KindStepFinish             Kind = "step-finish"
	KindFinish                 Kind = "finish"
	KindMessageAnnotations     Kind = "message_annotations"
)

// Event is one entry of a turn. The set of implementations is closed: the marker method is
// unexported and every variant must be handled by Visitor.
type Event interface {
	Kind() Kind
	Accept(v Visitor) error
	isEvent()
}

// Usage mirrors the token accounting reported by the model backend.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

type Source struct {
	SourceType string `json:"sourceType,omitempty"`
	ID         string `json:"id,omitempty"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
}

type TextDelta struct {
	TextDelta string `json:"textDelta"`
}

type Reasoning struct {
	TextDelta string `json:"textDelta"`
}

type SourceEvent struct {
	Source Source `json:"source"`
}

type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
}

type ToolCallDelta struct {
	ToolCallID    string `json:"toolCallId"`
	ToolName      string `json:"toolName,omitempty"`
	ArgsTextDelta string `json:"argsTextDelta"`
}

type ToolCallStreamingStart struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type File struct {
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
}

// ErrorKind classifies terminal errors. Empty for errors reported by the backend as-is.
type ErrorKind string

const (
	ErrorKindAPICall       ErrorKind = "api_call_error"
	ErrorKindStoppedByUser ErrorKind = "stopped_by_user"
)

// StoppedByUserMessage is the error text used for cancelled turns.
const StoppedByUserMessage = "Stopped By User"

type Error struct {
	Error     string    `json:"error"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
}

type StepStart struct {
	MessageID string `json:"messageId"`
}

type StepFinish struct {
	MessageID    string `json:"messageId,omitempty"`
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
	IsContinued  bool   `json:"isContinued,omitempty"`
}

type Finish struct {
	FinishReason     string          `json:"finishReason"`
	Usage            Usage           `json:"usage"`
	ProviderMetadata json.RawMessage `json:"providerMetadata,omitempty"`
}

type MessageAnnotations struct {
	Annotation json.RawMessage `json:"annotation"`
}

func (*TextDelta) Kind() Kind              { return KindTextDelta }
func (*Reasoning) Kind() Kind              { return KindReasoning }
func (*SourceEvent) Kind() Kind            { return KindSource }
func (*ToolCall) Kind() Kind               { return KindToolCall }
func (*ToolCallDelta) Kind() Kind          { return KindToolCallDelta }
func (*ToolCallStreamingStart) Kind() Kind { return KindToolCallStreamingStart }
func (*ToolResult) Kind() Kind             { return KindToolResult }
func (*File) Kind() Kind                   { return KindFile }
func (*Error) Kind() Kind                  { return KindError }
func (*StepStart) Kind() Kind              { return KindStepStart }
func (*StepFinish) Kind() Kind             { return KindStepFinish }
func (*Finish) Kind() Kind                 { return KindFinish }
func (*MessageAnnotations) Kind() Kind     { return KindMessageAnnotations }

func (*TextDelta) isEvent()              {}
func (*Reasoning) isEvent()              {}
func (*SourceEvent) isEvent()            {}
func (*ToolCall) isEvent()               {}
func (*ToolCallDelta) isEvent()          {}
func (*ToolCallStreamingStart) isEvent() {}
func (*ToolResult) isEvent()             {}
func (*File) isEvent()                   {}
func (*Error) isEvent()                  {}
func (*StepStart) isEvent()              {}
func (*StepFinish) isEvent()             {}
func (*Finish) isEvent()                 {}
func (*MessageAnnotations) isEvent()     {}

// IsTerminal reports whether e ends a turn. Each turn has exactly one terminal entry.
func IsTerminal(e Event) bool {
	if e == nil {
		return false
	}
	switch e.Kind() {
	case KindFinish, KindError:
		return true
	default:
		return false
	}
}

// IsContent reports whether e is reducer input.
func IsContent(e Event) bool {
	if e == nil {
		return false
	}
	switch e.Kind() {
	case KindTextDelta, KindReasoning, KindSource, KindToolCall,
		KindToolCallStreamingStart, KindToolCallDelta, KindToolResult:
		return true
	default:
		return false
	}
}

// NewModelAnnotation is the first entry of every turn log.
func NewModelAnnotation(model string) *MessageAnnotations {
	b, _ := json.Marshal(map[string]string{"type": "model", "model": model})
	return &MessageAnnotations{Annotation: b}
}
