// Package reducer folds the content events of a turn into conversation messages.
//
// Consecutive text (or reasoning) deltas coalesce into one part. Tool calls stay in the
// assistant message; tool results go to a separate tool-role message, so a turn that
// alternates between the two produces alternating assistant and tool rows.
package reducer

import (
	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/messages"
)

type runKind int

const (
	runNone runKind = iota
	runText
	runReasoning
)

type state struct {
	out  []messages.Message
	open *messages.Message
	run  runKind
	buf  string
}

// Reduce is pure: it only reads evs and allocates the result. Returned messages carry Role
// and Content; ids, chat, usage and timestamps are filled in by the caller.
func Reduce(evs []events.Event) []messages.Message {
	s := &state{}
	for _, e := range evs {
		if !events.IsContent(e) {
			continue
		}
		_ = e.Accept(s)
	}
	s.flushRun()
	s.closeMessage()
	if len(s.out) == 0 {
		return []messages.Message{{
			Role:    messages.RoleAssistant,
			Content: []messages.Part{messages.TextPart("")},
		}}
	}
	return s.out
}

func (s *state) ensureRole(role messages.Role) {
	if s.open != nil && s.open.Role == role {
		return
	}
	s.flushRun()
	s.closeMessage()
	s.open = &messages.Message{Role: role}
}

func (s *state) flushRun() {
	if s.run == runNone {
		return
	}
	if s.buf != "" {
		s.ensureOpen()
		switch s.run {
		case runText:
			s.open.Content = append(s.open.Content, messages.TextPart(s.buf))
		case runReasoning:
			s.open.Content = append(s.open.Content, messages.ReasoningPart(s.buf))
		case runNone:
		}
	}
	s.run = runNone
	s.buf = ""
}

func (s *state) ensureOpen() {
	if s.open == nil {
		s.open = &messages.Message{Role: messages.RoleAssistant}
	}
}

// closeMessage drops messages with no parts.
func (s *state) closeMessage() {
	if s.open != nil && len(s.open.Content) > 0 {
		s.out = append(s.out, *s.open)
	}
	s.open = nil
}

func (s *state) appendDelta(kind runKind, delta string) {
	if s.open != nil && s.open.Role != messages.RoleAssistant {
		s.ensureRole(messages.RoleAssistant)
	}
	if s.run != kind {
		s.flushRun()
		s.run = kind
	}
	s.buf += delta
}

func (s *state) VisitTextDelta(e *events.TextDelta) error {
	s.appendDelta(runText, e.TextDelta)
	return nil
}

func (s *state) VisitReasoning(e *events.Reasoning) error {
	s.appendDelta(runReasoning, e.TextDelta)
	return nil
}

func (s *state) VisitSource(*events.SourceEvent) error {
	s.flushRun()
	return nil
}

func (s *state) VisitToolCallStreamingStart(*events.ToolCallStreamingStart) error {
	s.flushRun()
	return nil
}

func (s *state) VisitToolCallDelta(*events.ToolCallDelta) error {
	s.flushRun()
	return nil
}

func (s *state) VisitToolCall(e *events.ToolCall) error {
	s.flushRun()
	s.ensureRole(messages.RoleAssistant)
	s.open.Content = append(s.open.Content, messages.Part{
		Type:       messages.PartToolCall,
		ToolCallID: e.ToolCallID,
		ToolName:   e.ToolName,
		Args:       cloneRaw(e.Args),
	})
	return nil
}

func (s *state) VisitToolResult(e *events.ToolResult) error {
	s.flushRun()
	s.ensureRole(messages.RoleTool)
	s.open.Content = append(s.open.Content, messages.Part{
		Type:       messages.PartToolResult,
		ToolCallID: e.ToolCallID,
		ToolName:   e.ToolName,
		Args:       cloneRaw(e.Args),
		Result:     cloneRaw(e.Result),
	})
	return nil
}

// Non-content kinds never reach the visitor; IsContent filters them.
func (s *state) VisitFile(*events.File) error                             { return nil }
func (s *state) VisitError(*events.Error) error                           { return nil }
func (s *state) VisitStepStart(*events.StepStart) error                   { return nil }
func (s *state) VisitStepFinish(*events.StepFinish) error                 { return nil }
func (s *state) VisitFinish(*events.Finish) error                         { return nil }
func (s *state) VisitMessageAnnotations(*events.MessageAnnotations) error { return nil }

var _ events.Visitor = &state{}

func cloneRaw(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
