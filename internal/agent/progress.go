package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fromTableRE = regexp.MustCompile(`(?i)\bfrom\s+([a-zA-Z0-9_."]+)`)

// toolDetail derives the short human string shown next to a tool in a
// progress checklist, from its raw JSON arguments.
func toolDetail(arguments json.RawMessage) string {
	var args map[string]any
	if len(arguments) == 0 {
		return ""
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return ""
	}

	if sql, ok := stringField(args, "sql"); ok {
		if m := fromTableRE.FindStringSubmatch(sql); len(m) == 2 {
			return strings.TrimPrefix(m[1], "synthetic.")
		}
		return truncateDetail(sql, 60)
	}
	if table, ok := stringField(args, "table"); ok {
		return table
	}
	if table, ok := stringField(args, "table_name"); ok {
		return table
	}
	if query, ok := stringField(args, "query"); ok {
		return fmt.Sprintf("%q", truncateDetail(query, 40))
	}
	if limit, ok := args["limit"]; ok {
		return fmt.Sprintf("limit=%v", limit)
	}
	return ""
}

func stringField(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func truncateDetail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// hasSQLField reports whether a tool call's arguments include a field
// literally named "sql". This is the narrow heuristic the source uses to
// decide what counts as a logged SQL execution; a server that accepts the
// same kind of query under a different key (e.g. "query") is not logged.
func hasSQLField(arguments json.RawMessage) (sql string, ok bool) {
	var args map[string]any
	if len(arguments) == 0 {
		return "", false
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", false
	}
	s, ok := stringField(args, "sql")
	return s, ok
}

// renderProgress builds the fully-rendered progress message: a header line,
// a checklist of finished tools, and a checklist of in-flight tools.
func renderProgress(header string, calls []ToolCallInfo) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")

	for _, c := range calls {
		switch c.Status {
		case ToolStatusComplete:
			b.WriteString(fmt.Sprintf("✓ %s", c.Tool))
		case ToolStatusError:
			b.WriteString(fmt.Sprintf("✗ %s", c.Tool))
		default:
			b.WriteString(fmt.Sprintf("⋯ %s", c.Tool))
		}
		if c.Detail != "" {
			b.WriteString(" → " + c.Detail)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// emojiOnlyShortMessage reports whether text is a short, non-alphanumeric
// token (e.g. a lone emoji) that should be silently ignored as a follow-up.
// This is a tunable heuristic, not a precise classification.
func emojiOnlyShortMessage(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if len([]rune(trimmed)) > 4 {
		return false
	}
	for _, r := range trimmed {
		if isAlphanumericRune(r) {
			return false
		}
	}
	return true
}

// EmojiOnlyShortMessage exposes emojiOnlyShortMessage to the dispatcher.
func EmojiOnlyShortMessage(text string) bool {
	return emojiOnlyShortMessage(text)
}

func isAlphanumericRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func formatArguments(arguments json.RawMessage) string {
	if len(arguments) == 0 {
		return "{}"
	}
	return string(arguments)
}
