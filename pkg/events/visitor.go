package events

// Visitor has one method per event kind. Adding a kind to the union breaks every visitor
// at compile time until it is handled.
type Visitor interface {
	VisitTextDelta(*TextDelta) error
	VisitReasoning(*Reasoning) error
	VisitSource(*SourceEvent) error
	VisitToolCall(*ToolCall) error
	VisitToolCallDelta(*ToolCallDelta) error
	VisitToolCallStreamingStart(*ToolCallStreamingStart) error
	VisitToolResult(*ToolResult) error
	VisitFile(*File) error
	VisitError(*Error) error
	VisitStepStart(*StepStart) error
	VisitStepFinish(*StepFinish) error
	VisitFinish(*Finish) error
	VisitMessageAnnotations(*MessageAnnotations) error
}

func (e *TextDelta) Accept(v Visitor) error              { return v.VisitTextDelta(e) }
func (e *Reasoning) Accept(v Visitor) error              { return v.VisitReasoning(e) }
func (e *SourceEvent) Accept(v Visitor) error            { return v.VisitSource(e) }
func (e *ToolCall) Accept(v Visitor) error               { return v.VisitToolCall(e) }
func (e *ToolCallDelta) Accept(v Visitor) error          { return v.VisitToolCallDelta(e) }
func (e *ToolCallStreamingStart) Accept(v Visitor) error { return v.VisitToolCallStreamingStart(e) }
func (e *ToolResult) Accept(v Visitor) error             { return v.VisitToolResult(e) }
func (e *File) Accept(v Visitor) error                   { return v.VisitFile(e) }
func (e *Error) Accept(v Visitor) error                  { return v.VisitError(e) }
func (e *StepStart) Accept(v Visitor) error              { return v.VisitStepStart(e) }
func (e *StepFinish) Accept(v Visitor) error             { return v.VisitStepFinish(e) }
func (e *Finish) Accept(v Visitor) error                 { return v.VisitFinish(e) }
func (e *MessageAnnotations) Accept(v Visitor) error     { return v.VisitMessageAnnotations(e) }
