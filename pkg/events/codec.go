package events

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// FieldType is the wire key holding the JSON-encoded kind.
const FieldType = "type"

// New returns a zero value of the given kind.
func New(kind Kind) (Event, error) {
	switch kind {
	case KindTextDelta:
		return &TextDelta{}, nil
	case KindReasoning:
		return &Reasoning{}, nil
	case KindSource:
		return &SourceEvent{}, nil
	case KindToolCall:
		return &ToolCall{}, nil
	case KindToolCallDelta:
		return &ToolCallDelta{}, nil
	case KindToolCallStreamingStart:
		return &ToolCallStreamingStart{}, nil
	case KindToolResult:
		return &ToolResult{}, nil
	case KindFile:
		return &File{}, nil
	case KindError:
		return &Error{}, nil
	case KindStepStart:
		return &StepStart{}, nil
	case KindStepFinish:
		return &StepFinish{}, nil
	case KindFinish:
		return &Finish{}, nil
	case KindMessageAnnotations:
		return &MessageAnnotations{}, nil
	}
	return nil, errors.Errorf("unknown event kind %q", kind)
}

// EncodeFields flattens e into alternating key/value pairs: `type` first, then every
// non-empty payload key in sorted order. Values are JSON-encoded.
func EncodeFields(e Event) ([]any, error) {
	if e == nil {
		return nil, errors.New("encode: nil event")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", e.Kind())
	}
	payload := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, errors.Wrapf(err, "encode %s", e.Kind())
	}
	typ, _ := json.Marshal(string(e.Kind()))

	keys := make([]string, 0, len(payload))
	for k, v := range payload {
		if k == FieldType || isEmptyJSON(v) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, 2+2*len(keys))
	out = append(out, FieldType, string(typ))
	for _, k := range keys {
		out = append(out, k, string(payload[k]))
	}
	return out, nil
}

// DecodeFields rebuilds an event from a wire record. Values may be strings or byte slices
// holding JSON.
func DecodeFields(values map[string]any) (Event, error) {
	rawType, ok := values[FieldType]
	if !ok {
		return nil, errors.New("decode: missing type field")
	}
	var kind string
	if err := json.Unmarshal([]byte(fieldString(rawType)), &kind); err != nil {
		return nil, errors.Wrap(err, "decode: type field")
	}
	e, err := New(Kind(kind))
	if err != nil {
		return nil, err
	}

	payload := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		if k == FieldType {
			continue
		}
		s := fieldString(v)
		if !json.Valid([]byte(s)) {
			return nil, errors.Errorf("decode %s: field %q is not JSON", kind, k)
		}
		payload[k] = json.RawMessage(s)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", kind)
	}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, errors.Wrapf(err, "decode %s", kind)
	}
	return e, nil
}

// FieldsToMap turns EncodeFields output back into a map, as a stream reader would see it.
func FieldsToMap(fields []any) map[string]any {
	out := make(map[string]any, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		out[fieldString(fields[i])] = fields[i+1]
	}
	return out
}

func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func isEmptyJSON(v json.RawMessage) bool {
	s := string(v)
	return s == "" || s == "null" || s == `""`
}
