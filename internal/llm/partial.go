package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParsePartialJSON extracts a usable object from a possibly-truncated JSON
// string, such as tool-call arguments that are still streaming in. It never
// fails: on strict-parse failure it repairs the input by closing open
// strings and containers, trimming incomplete trailing tokens, and if all
// of that fails, backtracking to the furthest point where the input was a
// complete prefix. The result is for live progress display only; callers
// must re-parse strictly before treating arguments as final.
func ParsePartialJSON(candidate string) map[string]any {
	if obj, err := ParseStrictArgs(candidate); err == nil {
		return obj
	}

	st := scanPartial(candidate)

	// Unterminated string value: keep everything up to end-of-input.
	if st.inString && st.stringIsValue {
		head := trimDanglingEscape(candidate)
		if obj, ok := tryParse(head + `"` + st.closers()); ok {
			return obj
		}
	}

	// Incomplete trailing literal or number.
	if !st.inString && st.literalStart >= 0 {
		if fixed, ok := completeLiteral(candidate, st.literalStart); ok {
			if obj, ok := tryParse(fixed + st.closers()); ok {
				return obj
			}
		}
	}

	// Backtrack to the most recent complete-value boundary.
	for i := len(st.cuts) - 1; i >= 0; i-- {
		cut := st.cuts[i]
		if obj, ok := tryParse(candidate[:cut.end] + cut.closers); ok {
			return obj
		}
	}

	// Targeted field extraction as the final fallback.
	if fields := extractTopLevelFields(candidate); len(fields) > 0 {
		return fields
	}

	return map[string]any{}
}

// ParseStrictArgs parses a complete tool-call argument string. An empty or
// whitespace-only string parses to an empty object, matching providers that
// omit arguments for zero-parameter tools.
func ParseStrictArgs(candidate string) (map[string]any, error) {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}
	return obj, nil
}

func tryParse(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

const (
	expectKey = iota
	expectColon
	expectValue
	expectCommaOrEnd
)

type partialFrame struct {
	kind   byte // '{' or '['
	expect int
}

type cutPoint struct {
	end     int
	closers string
}

type partialState struct {
	stack         []partialFrame
	inString      bool
	stringIsValue bool
	literalStart  int
	cuts          []cutPoint
}

// closers returns the closing brackets for every open container,
// innermost first.
func (st *partialState) closers() string {
	var b strings.Builder
	for i := len(st.stack) - 1; i >= 0; i-- {
		if st.stack[i].kind == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

func closersFor(stack []partialFrame) string {
	st := partialState{stack: stack}
	return st.closers()
}

// scanPartial walks the input tracking container depth, string and escape
// state, and the object key/value protocol, recording every position where
// a value has just completed (a safe truncation point).
func scanPartial(s string) *partialState {
	st := &partialState{literalStart: -1}
	escaped := false

	top := func() *partialFrame {
		if len(st.stack) == 0 {
			return nil
		}
		return &st.stack[len(st.stack)-1]
	}
	valueDone := func(end int) {
		if f := top(); f != nil {
			f.expect = expectCommaOrEnd
		}
		st.cuts = append(st.cuts, cutPoint{end: end, closers: closersFor(st.stack)})
	}
	endLiteral := func(end int) {
		if st.literalStart >= 0 {
			st.literalStart = -1
			valueDone(end)
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		if st.inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				st.inString = false
				if st.stringIsValue {
					valueDone(i + 1)
				} else if f := top(); f != nil {
					f.expect = expectColon
				}
			}
			continue
		}

		switch c {
		case '"':
			st.inString = true
			st.stringIsValue = true
			if f := top(); f != nil && f.kind == '{' && f.expect == expectKey {
				st.stringIsValue = false
			}
		case '{':
			endLiteral(i)
			st.stack = append(st.stack, partialFrame{kind: '{', expect: expectKey})
		case '[':
			endLiteral(i)
			st.stack = append(st.stack, partialFrame{kind: '[', expect: expectValue})
		case '}', ']':
			endLiteral(i)
			if len(st.stack) > 0 {
				st.stack = st.stack[:len(st.stack)-1]
				valueDone(i + 1)
			}
		case ':':
			if f := top(); f != nil && f.kind == '{' {
				f.expect = expectValue
			}
		case ',':
			endLiteral(i)
			if f := top(); f != nil {
				if f.kind == '{' {
					f.expect = expectKey
				} else {
					f.expect = expectValue
				}
			}
		case ' ', '\t', '\n', '\r':
			endLiteral(i)
		default:
			if st.literalStart < 0 {
				st.literalStart = i
			}
		}
	}

	return st
}

// trimDanglingEscape drops a trailing incomplete escape sequence so the
// string can be closed. Handles both a bare trailing backslash and a
// truncated \uXXXX escape.
func trimDanglingEscape(s string) string {
	// Truncated unicode escape: backslash-u followed by fewer than 4 hex digits.
	if idx := strings.LastIndex(s, `\u`); idx >= 0 && len(s)-idx < 6 {
		if !isEscaped(s, idx) {
			return s[:idx]
		}
	}
	// Odd-length run of trailing backslashes leaves the last one dangling.
	n := 0
	for n < len(s) && s[len(s)-1-n] == '\\' {
		n++
	}
	if n%2 == 1 {
		return s[:len(s)-1]
	}
	return s
}

// isEscaped reports whether the character at idx is itself escaped.
func isEscaped(s string, idx int) bool {
	n := 0
	for i := idx - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

// completeLiteral fixes a trailing bare token: partial true/false/null is
// completed, a number is trimmed of incomplete exponent/fraction suffixes.
func completeLiteral(s string, start int) (string, bool) {
	token := s[start:]
	for _, lit := range []string{"true", "false", "null"} {
		if strings.HasPrefix(lit, token) {
			return s[:start] + lit, true
		}
	}
	// Number: trim characters that cannot legally end one.
	end := len(s)
	for end > start {
		c := s[end-1]
		if c >= '0' && c <= '9' {
			break
		}
		end--
	}
	if end > start {
		return s[:end], true
	}
	return "", false
}

// extractTopLevelFields scans for "key": value pairs at object depth 1 and
// returns whatever it can recover, including an unterminated trailing
// string value taken through end-of-input. Nested containers are skipped.
func extractTopLevelFields(s string) map[string]any {
	fields := map[string]any{}
	i := strings.IndexByte(s, '{')
	if i < 0 {
		return fields
	}
	i++
	for i < len(s) {
		// Find next key.
		start := strings.IndexByte(s[i:], '"')
		if start < 0 {
			break
		}
		i += start + 1
		key, next, closed := readStringBody(s, i)
		if !closed {
			break
		}
		i = next
		colon := strings.IndexByte(s[i:], ':')
		if colon < 0 {
			break
		}
		i += colon + 1
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
			i++
		}
		if i >= len(s) {
			break
		}
		switch s[i] {
		case '"':
			val, next, _ := readStringBody(s, i+1)
			fields[key] = val
			i = next
		case '{', '[':
			span := skipContainer(s, i)
			if span < 0 {
				return fields
			}
			var nested any
			if err := json.Unmarshal([]byte(s[i:span]), &nested); err == nil {
				fields[key] = nested
			}
			i = span
		default:
			end := i
			for end < len(s) && s[end] != ',' && s[end] != '}' {
				end++
			}
			token := strings.TrimSpace(s[i:end])
			var lit any
			if err := json.Unmarshal([]byte(token), &lit); err == nil {
				fields[key] = lit
			}
			i = end
		}
	}
	return fields
}

// readStringBody reads a JSON string starting just after its opening quote,
// unescaping as it goes. If the input ends before the closing quote, the
// partial value is returned with closed=false and everything up to
// end-of-input kept.
func readStringBody(s string, i int) (value string, next int, closed bool) {
	var b strings.Builder
	for i < len(s) {
		c := s[i]
		if c == '"' {
			return b.String(), i + 1, true
		}
		if c == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case '/':
				b.WriteByte('/')
			default:
				b.WriteByte(s[i+1])
			}
			i += 2
			continue
		}
		if c == '\\' {
			// Dangling escape at end of input.
			break
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), len(s), false
}

// skipContainer returns the index just past the container opening at i, or
// -1 if it never closes.
func skipContainer(s string, i int) int {
	depth := 0
	inString := false
	escaped := false
	for ; i < len(s); i++ {
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
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
