// Package frames encodes turn events in the AI data-stream protocol: one `code:json` line
// per frame.
package frames

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/events"
)

type Type string

const (
	TypeText                   Type = "text"
	TypeError                  Type = "error"
	TypeMessageAnnotations     Type = "message_annotations"
	TypeToolCall               Type = "tool_call"
	TypeToolResult             Type = "tool_result"
	TypeToolCallStreamingStart Type = "tool_call_streaming_start"
	TypeToolCallDelta          Type = "tool_call_delta"
	TypeFinishMessage          Type = "finish_message"
	TypeFinishStep             Type = "finish_step"
	TypeStartStep              Type = "start_step"
	TypeReasoning              Type = "reasoning"
	TypeSource                 Type = "source"
	TypeFile                   Type = "file"
)

var codes = map[Type]string{
	TypeText:                   "0",
	TypeError:                  "3",
	TypeMessageAnnotations:     "8",
	TypeToolCall:               "9",
	TypeToolResult:             "a",
	TypeToolCallStreamingStart: "b",
	TypeToolCallDelta:          "c",
	TypeFinishMessage:          "d",
	TypeFinishStep:             "e",
	TypeStartStep:              "f",
	TypeReasoning:              "g",
	TypeSource:                 "h",
	TypeFile:                   "k",
}

var typesByCode = func() map[string]Type {
	m := make(map[string]Type, len(codes))
	for t, c := range codes {
		m[c] = t
	}
	return m
}()

// Frame is one outbound message. Payload is already JSON.
type Frame struct {
	Type    Type
	Payload json.RawMessage
}

func (f Frame) Code() string { return codes[f.Type] }

// Encode renders the frame as a single protocol line including the trailing newline.
func (f Frame) Encode() ([]byte, error) {
	code, ok := codes[f.Type]
	if !ok {
		return nil, errors.Errorf("frames: unknown frame type %q", f.Type)
	}
	payload := f.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	var buf bytes.Buffer
	buf.Grow(len(code) + len(payload) + 2)
	buf.WriteString(code)
	buf.WriteByte(':')
	buf.Write(payload)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Parse decodes one protocol line, with or without the trailing newline.
func Parse(line []byte) (Frame, error) {
	line = bytes.TrimRight(line, "\r\n")
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return Frame{}, errors.Errorf("frames: malformed line %q", line)
	}
	t, ok := typesByCode[string(line[:i])]
	if !ok {
		return Frame{}, errors.Errorf("frames: unknown code %q", line[:i])
	}
	payload := line[i+1:]
	if !json.Valid(payload) {
		return Frame{}, errors.Errorf("frames: invalid json payload for %s", t)
	}
	return Frame{Type: t, Payload: append(json.RawMessage(nil), payload...)}, nil
}

func newFrame(t Type, v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, errors.Wrapf(err, "frames: marshal %s", t)
	}
	return Frame{Type: t, Payload: b}, nil
}

// ErrorFrame is the frame sent when a turn ends in an error.
func ErrorFrame(message string) Frame {
	f, _ := newFrame(TypeError, message)
	return f
}

// FromEvent translates a log event into its outbound frame.
func FromEvent(e events.Event) (Frame, error) {
	if e == nil {
		return Frame{}, errors.New("frames: nil event")
	}
	t := &translator{}
	if err := e.Accept(t); err != nil {
		return Frame{}, err
	}
	return t.frame, nil
}
