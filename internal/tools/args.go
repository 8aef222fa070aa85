package tools

import (
	"strings"
	"unicode"
)

// Args wraps best-effort-parsed tool arguments. Models emit parameter keys
// in either snake_case or camelCase for the same logical argument, so every
// lookup tries both spellings.
type Args map[string]any

// String returns the argument for key (snake_case), falling back to the
// camelCase variant and then to def.
func (a Args) String(key, def string) string {
	if s, ok := a.lookup(key); ok {
		return s
	}
	return def
}

// Optional returns the argument for key if present in either spelling.
func (a Args) Optional(key string) (string, bool) {
	return a.lookup(key)
}

func (a Args) lookup(key string) (string, bool) {
	if v, ok := a[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	if v, ok := a[toCamelCase(key)]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// toCamelCase converts snake_case to camelCase ("rel_path" -> "relPath").
func toCamelCase(snake string) string {
	parts := strings.Split(snake, "_")
	if len(parts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		r := []rune(part)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteString(string(r[1:]))
	}
	return b.String()
}

// UnescapeContent converts literal escape sequences to their characters
// ("\\n" -> newline). Needed because the model may emit JSON-escaped
// newlines inside a content field that has already been unescaped once,
// leaving backslash-n as two literal characters.
func UnescapeContent(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	escape := false
	for _, c := range s {
		if escape {
			switch c {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case '\\':
				b.WriteByte('\\')
			case '"':
				b.WriteByte('"')
			case '\'':
				b.WriteByte('\'')
			case '0':
				b.WriteByte(0)
			default:
				// Unknown escape, keep as-is.
				b.WriteByte('\\')
				b.WriteRune(c)
			}
			escape = false
			continue
		}
		if c == '\\' {
			escape = true
			continue
		}
		b.WriteRune(c)
	}
	if escape {
		b.WriteByte('\\')
	}
	return b.String()
}

// sanitizeWorkingDir clamps a model-supplied working directory to the
// project root. Absolute paths are re-rooted rather than trusted; empty or
// "." resolves to the root itself.
func sanitizeWorkingDir(projectRoot, dir string) string {
	clean := strings.TrimLeft(dir, "/\\")
	if clean == "" || clean == "." {
		return projectRoot
	}
	// Re-rooted path must stay under the project root; reject traversal.
	if strings.Contains(clean, "..") {
		return projectRoot
	}
	return strings.TrimRight(projectRoot, "/") + "/" + clean
}
