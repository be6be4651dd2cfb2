package frames

import (
	"encoding/json"

	"github.com/go-go-golems/turnstream/pkg/events"
)

type translator struct {
	frame Frame
}

var _ events.Visitor = &translator{}

func (t *translator) set(typ Type, v any) error {
	f, err := newFrame(typ, v)
	if err != nil {
		return err
	}
	t.frame = f
	return nil
}

func rawOrNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

func (t *translator) VisitTextDelta(e *events.TextDelta) error {
	return t.set(TypeText, e.TextDelta)
}

func (t *translator) VisitReasoning(e *events.Reasoning) error {
	return t.set(TypeReasoning, e.TextDelta)
}

func (t *translator) VisitSource(e *events.SourceEvent) error {
	return t.set(TypeSource, e.Source)
}

func (t *translator) VisitToolCall(e *events.ToolCall) error {
	return t.set(TypeToolCall, struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Args       json.RawMessage `json:"args"`
	}{e.ToolCallID, e.ToolName, rawOrNull(e.Args)})
}

func (t *translator) VisitToolCallDelta(e *events.ToolCallDelta) error {
	return t.set(TypeToolCallDelta, struct {
		ToolCallID    string `json:"toolCallId"`
		ArgsTextDelta string `json:"argsTextDelta"`
	}{e.ToolCallID, e.ArgsTextDelta})
}

func (t *translator) VisitToolCallStreamingStart(e *events.ToolCallStreamingStart) error {
	return t.set(TypeToolCallStreamingStart, struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
	}{e.ToolCallID, e.ToolName})
}

func (t *translator) VisitToolResult(e *events.ToolResult) error {
	return t.set(TypeToolResult, struct {
		ToolCallID string          `json:"toolCallId"`
		Result     json.RawMessage `json:"result"`
	}{e.ToolCallID, rawOrNull(e.Result)})
}

func (t *translator) VisitFile(e *events.File) error {
	return t.set(TypeFile, struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	}{e.MimeType, e.Base64})
}

func (t *translator) VisitError(e *events.Error) error {
	return t.set(TypeError, e.Error)
}

func (t *translator) VisitStepStart(e *events.StepStart) error {
	return t.set(TypeStartStep, struct {
		MessageID string `json:"messageId"`
	}{e.MessageID})
}

func (t *translator) VisitStepFinish(e *events.StepFinish) error {
	return t.set(TypeFinishStep, struct {
		FinishReason string       `json:"finishReason"`
		Usage        events.Usage `json:"usage"`
		IsContinued  bool         `json:"isContinued"`
	}{e.FinishReason, e.Usage, e.IsContinued})
}

func (t *translator) VisitFinish(e *events.Finish) error {
	return t.set(TypeFinishMessage, struct {
		FinishReason string       `json:"finishReason"`
		Usage        events.Usage `json:"usage"`
	}{e.FinishReason, e.Usage})
}

func (t *translator) VisitMessageAnnotations(e *events.MessageAnnotations) error {
	return t.set(TypeMessageAnnotations, []json.RawMessage{rawOrNull(e.Annotation)})
}
