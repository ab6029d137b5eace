package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mlx93/TribalKnowledge/internal/llm"
	"github.com/mlx93/TribalKnowledge/internal/mcp"
	"github.com/mlx93/TribalKnowledge/internal/store"
)

type scriptedCompleter struct {
	calls     int
	responses []*llm.CompletionResult
}

func (s *scriptedCompleter) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		return &llm.CompletionResult{Content: "out of script"}, nil
	}
	return s.responses[i], nil
}

type fakeTools struct {
	specs   []llm.ToolSpec
	results map[string]*mcp.ToolCallResult
	calls   []string
}

func (f *fakeTools) ToolsForModel() []llm.ToolSpec { return f.specs }

func (f *fakeTools) CallTool(ctx context.Context, fullName string, arguments json.RawMessage) (*mcp.ToolCallResult, error) {
	f.calls = append(f.calls, fullName)
	if r, ok := f.results[fullName]; ok {
		return r, nil
	}
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: "no result configured"}}}, nil
}

func TestLoopDiscoveryThenSQLProducesFinalAnswer(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{responses: []*llm.CompletionResult{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "synth-mcp__search_tables", Arguments: json.RawMessage(`{"query":"merchants"}`)}}},
		{ToolCalls: []llm.ToolCall{{ID: "call_2", Name: "postgres-mcp__execute_query", Arguments: json.RawMessage(`{"sql":"SELECT COUNT(*) FROM synthetic.merchants"}`)}}},
		{Content: "You have 42 merchants."},
	}}
	tools := &fakeTools{
		results: map[string]*mcp.ToolCallResult{
			"synth-mcp__search_tables":    {Content: []mcp.ToolResultContent{{Type: "text", Text: "synthetic.merchants"}}},
			"postgres-mcp__execute_query": {Content: []mcp.ToolResultContent{{Type: "text", Text: "42"}}},
		},
	}

	loop := &Loop{LLM: completer, Tools: tools}
	tc := &store.ThreadContext{ChannelID: "C1", ThreadTS: "1.1"}

	var progress []string
	result := loop.Run(context.Background(), tc, "how many merchants do we have?", func(text string) {
		progress = append(progress, text)
	})

	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.ResponseText != "You have 42 merchants." {
		t.Fatalf("unexpected response: %q", result.ResponseText)
	}
	if len(result.SQLQueries) != 1 || result.SQLQueries[0] != "SELECT COUNT(*) FROM synthetic.merchants" {
		t.Fatalf("expected exactly one SQL query logged, got %+v", result.SQLQueries)
	}
	if len(progress) == 0 {
		t.Fatal("expected at least one progress event")
	}
	if result.Iterations != 3 {
		t.Fatalf("expected 3 iterations, got %d", result.Iterations)
	}
}

func TestLoopIgnoresNonSQLKeyedQueryArgument(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{responses: []*llm.CompletionResult{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "other-mcp__run", Arguments: json.RawMessage(`{"query":"SELECT 1"}`)}}},
		{Content: "done"},
	}}
	tools := &fakeTools{results: map[string]*mcp.ToolCallResult{}}

	loop := &Loop{LLM: completer, Tools: tools}
	tc := &store.ThreadContext{}
	result := loop.Run(context.Background(), tc, "q", nil)

	if len(result.SQLQueries) != 0 {
		t.Fatalf("expected no sql_queries logged for a non-'sql'-keyed argument, got %+v", result.SQLQueries)
	}
}

func TestLoopToolErrorSurvivesAndSecondCallSucceeds(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{responses: []*llm.CompletionResult{
		{ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "pg__query_missing", Arguments: json.RawMessage(`{"sql":"SELECT * FROM missing"}`)},
			{ID: "call_2", Name: "pg__query", Arguments: json.RawMessage(`{"sql":"SELECT * FROM merchants"}`)},
		}},
		{Content: "corrected answer"},
	}}
	tools := &fakeTools{
		calls: nil,
		results: map[string]*mcp.ToolCallResult{
			"pg__query_missing": {IsError: true, Content: []mcp.ToolResultContent{{Type: "text", Text: `{"error":"relation does not exist"}`}}},
			"pg__query":         {Content: []mcp.ToolResultContent{{Type: "text", Text: "ok"}}},
		},
	}

	loop := &Loop{LLM: completer, Tools: tools}
	tc := &store.ThreadContext{}
	result := loop.Run(context.Background(), tc, "q", nil)

	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	toolMessages := 0
	for _, m := range tc.Messages {
		if m.Role == llm.RoleTool {
			toolMessages++
		}
	}
	if toolMessages != 2 {
		t.Fatalf("expected both tool results appended, got %d tool messages", toolMessages)
	}
	if len(result.SQLQueries) != 2 {
		t.Fatalf("expected both sql queries logged, got %+v", result.SQLQueries)
	}
}

func TestLoopMaxIterationsGuard(t *testing.T) {
	t.Parallel()

	responses := make([]*llm.CompletionResult, 0, 12)
	for i := 0; i < 12; i++ {
		responses = append(responses, &llm.CompletionResult{
			ToolCalls: []llm.ToolCall{{ID: "call", Name: "pg__query", Arguments: json.RawMessage(`{"sql":"SELECT 1"}`)}},
		})
	}
	completer := &scriptedCompleter{responses: responses}
	tools := &fakeTools{results: map[string]*mcp.ToolCallResult{
		"pg__query": {Content: []mcp.ToolResultContent{{Type: "text", Text: "1"}}},
	}}

	loop := &Loop{LLM: completer, Tools: tools}
	tc := &store.ThreadContext{}
	result := loop.Run(context.Background(), tc, "adversarial question", nil)

	if result.Error != ErrMaxIterations {
		t.Fatalf("expected ErrMaxIterations, got %v", result.Error)
	}
	if result.Iterations != DefaultMaxIterations {
		t.Fatalf("expected %d iterations, got %d", DefaultMaxIterations, result.Iterations)
	}
	if len(tools.calls) != DefaultMaxIterations {
		t.Fatalf("expected exactly %d tool calls, got %d", DefaultMaxIterations, len(tools.calls))
	}
}

func TestLoopCacheHitReplaysWithoutNewCalls(t *testing.T) {
	t.Parallel()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	cache := store.NewQueryCacheStore(db)

	ctx := context.Background()
	if _, err := cache.Save(ctx, "how many merchants do we have?", "You have 42 merchants.",
		[]store.ToolUsage{{Server: "synth-mcp", Tool: "search_tables", Detail: "merchants"}},
		[]string{"SELECT COUNT(*) FROM synthetic.merchants"},
		[]string{"Working on it…\n⋯ search_tables", "Analyzing results…\n✓ search_tables"},
		store.SaveAuto); err != nil {
		t.Fatalf("Save: %v", err)
	}

	completer := &scriptedCompleter{}
	tools := &fakeTools{}
	loop := &Loop{LLM: completer, Tools: tools, Cache: cache, ReplayDelay: 0}
	tc := &store.ThreadContext{}

	var progress []string
	result := loop.Run(ctx, tc, "How many merchants do we have?", func(text string) {
		progress = append(progress, text)
	})

	if !result.FromCache {
		t.Fatal("expected FromCache=true")
	}
	if completer.calls != 0 {
		t.Fatalf("expected no LLM calls on cache hit, got %d", completer.calls)
	}
	if len(tools.calls) != 0 {
		t.Fatalf("expected no tool calls on cache hit, got %d", len(tools.calls))
	}
	if len(progress) != 2 {
		t.Fatalf("expected cached progress events replayed, got %d", len(progress))
	}
	if len(result.SQLQueries) != 1 || result.SQLQueries[0] != "SELECT COUNT(*) FROM synthetic.merchants" {
		t.Fatalf("expected cached sql_queries preserved, got %+v", result.SQLQueries)
	}
}

func TestEmojiOnlyShortMessageHeuristic(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"👍":          true,
		"":           true,
		"ok":         false,
		"👍👍👍👍👍":   false,
		"hi there":   false,
		"????":       true,
	}
	for input, want := range cases {
		if got := emojiOnlyShortMessage(input); got != want {
			t.Errorf("emojiOnlyShortMessage(%q) = %v, want %v", input, got, want)
		}
	}
}
