package llm

import (
	"encoding/json"
	"strings"
)

// DeltaKind tags the decoded wire payload variants.
type DeltaKind string

const (
	DeltaContent  DeltaKind = "content"
	DeltaToolCall DeltaKind = "tool_call"
	DeltaUnknown  DeltaKind = "unknown"
)

// ToolCallDelta is one tool-call fragment: a new call announcement
// (ID+Name) and/or an argument string fragment for an existing call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is the decoded form of one wire payload unit.
type Delta struct {
	Kind  DeltaKind
	Text  string
	Calls []ToolCallDelta
	Raw   string
}

// DecodeDeltas converts a wire payload into deltas. The payload may be an
// already-decoded object, a JSON string, a plain text fragment, or several
// JSON objects concatenated without separators. This is a total function:
// malformed input decodes to a single DeltaUnknown, never an error.
func DecodeDeltas(payload any) []Delta {
	switch v := payload.(type) {
	case nil:
		return nil
	case Delta:
		return []Delta{v}
	case []Delta:
		return v
	case map[string]any:
		return fromObject(v)
	case []byte:
		return decodeString(string(v))
	case string:
		return decodeString(v)
	case json.RawMessage:
		return decodeString(string(v))
	default:
		// Unrecognized concrete type: round-trip through JSON so struct
		// payloads from in-process invokers still decode.
		data, err := json.Marshal(v)
		if err != nil {
			return []Delta{{Kind: DeltaUnknown}}
		}
		return decodeString(string(data))
	}
}

func decodeString(s string) []Delta {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		// Bare text is the common case: providers emit raw content
		// fragments on the delta topic.
		if s == "" {
			return nil
		}
		return []Delta{{Kind: DeltaContent, Text: s}}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return fromObject(obj)
	}

	// Degenerate payload: several JSON objects glued together.
	var out []Delta
	for _, span := range splitObjects(trimmed) {
		var m map[string]any
		if err := json.Unmarshal([]byte(span), &m); err == nil {
			out = append(out, fromObject(m)...)
		}
	}
	if len(out) > 0 {
		return out
	}

	// Last resort: the trailing well-formed object, if any.
	if last, ok := lastObject(trimmed); ok {
		var m map[string]any
		if err := json.Unmarshal([]byte(last), &m); err == nil {
			return fromObject(m)
		}
	}

	return []Delta{{Kind: DeltaUnknown, Raw: s}}
}

// fromObject interprets a decoded payload object. Both the flat
// {content, tool_calls} shape and the chat-completions chunk shape
// ({choices:[{delta:{...}}]}) are accepted.
func fromObject(m map[string]any) []Delta {
	if choices, ok := m["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if delta, ok := choice["delta"].(map[string]any); ok {
				m = delta
			}
		}
	}

	var out []Delta
	if text, ok := m["content"].(string); ok && text != "" {
		out = append(out, Delta{Kind: DeltaContent, Text: text})
	}
	if rawCalls, ok := m["tool_calls"].([]any); ok {
		var calls []ToolCallDelta
		for i, rc := range rawCalls {
			cm, ok := rc.(map[string]any)
			if !ok {
				continue
			}
			calls = append(calls, toolCallDelta(cm, i))
		}
		if len(calls) > 0 {
			out = append(out, Delta{Kind: DeltaToolCall, Calls: calls})
		}
	}
	if len(out) == 0 {
		raw, _ := json.Marshal(m)
		return []Delta{{Kind: DeltaUnknown, Raw: string(raw)}}
	}
	return out
}

func toolCallDelta(m map[string]any, fallbackIndex int) ToolCallDelta {
	d := ToolCallDelta{Index: fallbackIndex}
	if idx, ok := m["index"].(float64); ok {
		d.Index = int(idx)
	}
	if id, ok := m["id"].(string); ok {
		d.ID = id
	}
	if fn, ok := m["function"].(map[string]any); ok {
		if name, ok := fn["name"].(string); ok {
			d.Name = name
		}
		if args, ok := fn["arguments"].(string); ok {
			d.Arguments = args
		}
		return d
	}
	// Flat variant without the function envelope.
	if name, ok := m["name"].(string); ok {
		d.Name = name
	}
	if args, ok := m["arguments"].(string); ok {
		d.Arguments = args
	}
	return d
}

// splitObjects returns the spans of complete top-level JSON objects in s,
// tolerating arbitrary junk between them.
func splitObjects(s string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}

// lastObject returns the last complete top-level object span in s.
func lastObject(s string) (string, bool) {
	spans := splitObjects(s)
	if len(spans) == 0 {
		return "", false
	}
	return spans[len(spans)-1], true
}
