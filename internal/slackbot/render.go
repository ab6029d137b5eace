// Package slackbot adapts the Agent Loop to Slack: dispatching mention,
// thread-message, reaction, and home-tab events, and rendering the loop's
// structured result into Slack Block Kit messages.
package slackbot

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/mlx93/TribalKnowledge/internal/agent"
)

const (
	sectionChunkSize   = 2900
	codeBlockChunkSize = 3000
	maxToolSummaryRows = 10
)

// Render converts a finished ProcessingResult into a Slack message: blocks
// for the rich view, plus a short plain-text fallback for notifications.
func Render(result *agent.ProcessingResult) (fallbackText string, blocks []slack.Block) {
	if len(result.ToolsUsed) > 0 {
		blocks = append(blocks, toolSummaryBlocks(result.ToolsUsed)...)
		blocks = append(blocks, slack.NewDividerBlock())
	}

	blocks = append(blocks, responseBodyBlocks(result.ResponseText)...)

	if len(result.SQLQueries) > 0 {
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "*SQL Query Executed*", false, false), nil, nil),
			codeBlock(truncateForBlock(result.SQLQueries[len(result.SQLQueries)-1], codeBlockChunkSize)),
		)
	}

	if result.UsedFallback {
		blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("_answered via fallback model: %s_", result.ActualModel), false, false)))
	}

	fallbackText = truncatePlainText(result.ResponseText, 150)
	return fallbackText, blocks
}

func toolSummaryBlocks(tools []agent.ToolUsageSummary) []slack.Block {
	shown := tools
	truncated := false
	if len(shown) > maxToolSummaryRows {
		shown = shown[:maxToolSummaryRows]
		truncated = true
	}

	var b strings.Builder
	for _, t := range shown {
		b.WriteString(fmt.Sprintf("• `%s`", t.Tool))
		if t.Detail != "" {
			b.WriteString(" → " + t.Detail)
		}
		b.WriteString("\n")
	}
	if truncated {
		b.WriteString(fmt.Sprintf("(+%d more)\n", len(tools)-maxToolSummaryRows))
	}

	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, strings.TrimRight(b.String(), "\n"), false, false), nil, nil),
	}
}

// responseBodyBlocks splits the response on triple-backtick fences: even
// segments (plain prose) become chunked mrkdwn section blocks, odd segments
// (code) become preformatted blocks with any language hint on the first
// line stripped and surrounding newlines trimmed.
func responseBodyBlocks(text string) []slack.Block {
	segments := splitOnCodeFences(text)
	var blocks []slack.Block
	for i, seg := range segments {
		if i%2 == 0 {
			for _, chunk := range chunkProse(seg, sectionChunkSize) {
				if strings.TrimSpace(chunk) == "" {
					continue
				}
				blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil))
			}
		} else {
			code := strings.Trim(stripLanguageHint(seg), "\n")
			for _, chunk := range chunkFixed(code, codeBlockChunkSize) {
				blocks = append(blocks, codeBlock(chunk))
			}
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil))
	}
	return blocks
}

func codeBlock(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "```"+text+"```", false, false), nil, nil)
}

// splitOnCodeFences splits text on ``` fences, alternating prose and code
// segments starting with prose (possibly empty).
func splitOnCodeFences(text string) []string {
	return strings.Split(text, "```")
}

// stripLanguageHint removes a bare language-name first line (e.g. "sql")
// from a fenced code segment, if present.
func stripLanguageHint(code string) string {
	lines := strings.SplitN(code, "\n", 2)
	if len(lines) < 2 {
		return code
	}
	first := strings.TrimSpace(lines[0])
	if first == "" || strings.ContainsAny(first, " \t") || len(first) > 20 {
		return code
	}
	return lines[1]
}

// chunkProse splits text into pieces of at most maxSize, preferring to
// break at a paragraph boundary, then a single newline, then a sentence
// ending, then a word boundary, and only as a last resort mid-word.
func chunkProse(text string, maxSize int) []string {
	var chunks []string
	remaining := text
	for len(remaining) > maxSize {
		cut := findBreakPoint(remaining, maxSize)
		chunks = append(chunks, strings.TrimRight(remaining[:cut], "\n"))
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	if remaining != "" || len(chunks) == 0 {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// runeSafeCut returns the largest index <= n (and <= len(s)) that does not
// land inside a multi-byte UTF-8 rune, so byte-based slicing never splits a
// character.
func runeSafeCut(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	if n < 0 {
		return 0
	}
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return n
}

func findBreakPoint(text string, maxSize int) int {
	window := text[:runeSafeCut(text, maxSize)]
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, sep); idx > 0 {
			return idx + len(sep)
		}
	}
	if idx := strings.LastIndex(window, " "); idx > 0 {
		return idx + 1
	}
	return len(window)
}

// chunkFixed splits text into pieces of at most maxSize with no break-point
// preference, used for code blocks where mid-line splits are unavoidable.
func chunkFixed(text string, maxSize int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > maxSize {
		cut := runeSafeCut(text, maxSize)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	chunks = append(chunks, text)
	return chunks
}

func truncateForBlock(text string, maxSize int) string {
	if len(text) <= maxSize {
		return text
	}
	return text[:runeSafeCut(text, maxSize)] + "…"
}

// truncatePlainText caps text at maxLen, preferring to cut at the last
// newline within the final 500 characters, and appends a visible marker.
func truncatePlainText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	cut := runeSafeCut(text, maxLen)
	window := text[:cut]
	searchFrom := 0
	if cut > 500 {
		searchFrom = cut - 500
	}
	if idx := strings.LastIndex(window[searchFrom:], "\n"); idx >= 0 {
		cut = searchFrom + idx
	}
	return strings.TrimRight(text[:cut], "\n") + " […]"
}
