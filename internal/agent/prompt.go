package agent

import (
	"fmt"
	"strings"

	"github.com/mlx93/TribalKnowledge/internal/llm"
)

const maxCatalogToolsInPrompt = 20

const systemPromptPreamble = `You are a database assistant embedded in a team chat workspace. Answer questions about the database using the available tools; never fabricate numbers or schema details you have not retrieved through a tool call.

Two kinds of servers are available:
- schema-discovery servers expose tools for finding tables and columns relevant to a question
- SQL-execution servers expose a read-only query tool

Tools are named "server_id__tool_name" (two underscores). Recommended workflow: discover the relevant schema first, then run a single well-scoped SQL query, then present the result in plain language.

Formatting rules for your final answer: use triple-backtick code fences for tabular data or query output; otherwise keep markdown minimal; be concise.`

// buildSystemPrompt renders the fixed preamble plus the current tool catalog,
// truncated to a sane prefix so the prompt does not grow unbounded as more
// MCP servers come online.
func buildSystemPrompt(tools []llm.ToolSpec) string {
	var b strings.Builder
	b.WriteString(systemPromptPreamble)
	b.WriteString("\n\nAvailable tools:\n")

	shown := tools
	truncated := false
	if len(shown) > maxCatalogToolsInPrompt {
		shown = shown[:maxCatalogToolsInPrompt]
		truncated = true
	}
	for _, t := range shown {
		b.WriteString(fmt.Sprintf("- %s: %s\n", t.Name, t.Description))
	}
	if truncated {
		b.WriteString(fmt.Sprintf("(and %d more)\n", len(tools)-maxCatalogToolsInPrompt))
	}
	return b.String()
}
