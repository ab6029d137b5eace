// Package agent implements the bounded tool-calling loop that drives a
// language model against a catalog of MCP tools until it produces a final
// answer, plus the query-cache short-circuit in front of it.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mlx93/TribalKnowledge/internal/llm"
	"github.com/mlx93/TribalKnowledge/internal/mcp"
	"github.com/mlx93/TribalKnowledge/internal/store"
)

// DefaultMaxIterations bounds how many tool-calling rounds one loop run may
// take before it gives up and returns an apology.
const DefaultMaxIterations = 10

// DefaultReplayDelay is the spacing between replayed progress events on a
// cache hit, chosen to stay under the half-second feel of live progress.
const DefaultReplayDelay = 400 * time.Millisecond

// Completer is the subset of the LLM provider policy the loop depends on.
type Completer interface {
	Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error)
}

// ToolCaller is the subset of the MCP manager the loop depends on.
type ToolCaller interface {
	CallTool(ctx context.Context, fullName string, arguments json.RawMessage) (*mcp.ToolCallResult, error)
	ToolsForModel() []llm.ToolSpec
}

// Loop is the bounded tool-calling agent loop (component C5).
type Loop struct {
	LLM   Completer
	Tools ToolCaller
	Cache *store.QueryCacheStore

	// AutoSave, when true, writes every successful fresh answer through to
	// the cache. When false (the default), only an explicit reaction-gated
	// save (see the dispatcher) persists an answer.
	AutoSave bool

	Model         string
	MaxIterations int
	ReplayDelay   time.Duration
	Logger        *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Loop) maxIterations() int {
	if l.MaxIterations > 0 {
		return l.MaxIterations
	}
	return DefaultMaxIterations
}

func (l *Loop) replayDelay() time.Duration {
	if l.ReplayDelay > 0 {
		return l.ReplayDelay
	}
	return DefaultReplayDelay
}

func (l *Loop) sleepFor(ctx context.Context, d time.Duration) error {
	if l.sleep != nil {
		return l.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes one question against the loop: a cache lookup first, then
// (on a miss) up to MaxIterations rounds of model calls and tool
// invocations. tc is mutated in place with the new user/assistant/tool
// messages; the caller is responsible for persisting it afterward.
func (l *Loop) Run(ctx context.Context, tc *store.ThreadContext, question string, onProgress ProgressFunc) *ProcessingResult {
	if onProgress == nil {
		onProgress = func(string) {}
	}

	if l.Cache != nil {
		cached, hit, err := l.Cache.Lookup(ctx, question)
		if err != nil {
			l.logger().Warn("agent: cache lookup failed, proceeding fresh", "error", err)
		} else if hit {
			l.replayCacheHit(ctx, tc, question, cached, onProgress)
			return cachedResult(cached)
		}
	}

	tc.Messages = append(tc.Messages, store.Message{Role: llm.RoleUser, Content: question, Timestamp: nowUTC()})

	var finished []ToolCallInfo
	var sqlQueries []string
	var progressEvents []string

	emit := func(text string) {
		progressEvents = append(progressEvents, text)
		onProgress(text)
	}

	maxIter := l.maxIterations()
	for iteration := 1; iteration <= maxIter; iteration++ {
		toolSpecs := l.Tools.ToolsForModel()
		req := &llm.CompletionRequest{
			Model:       l.Model,
			System:      buildSystemPrompt(toolSpecs),
			Messages:    store.GetMessagesForLLM(tc, store.DefaultMaxMessagesForLLM),
			Tools:       toolSpecs,
			MaxTokens:   1024,
			Temperature: 0.2,
		}

		result, err := l.LLM.Complete(ctx, req)
		if err != nil {
			return l.failureResult(iteration, finished, sqlQueries, progressEvents, err)
		}

		if len(result.ToolCalls) == 0 {
			tc.Messages = append(tc.Messages, store.Message{Role: llm.RoleAssistant, Content: result.Content, Timestamp: nowUTC()})
			return l.finalize(ctx, question, result, iteration, finished, sqlQueries, progressEvents)
		}

		tc.Messages = append(tc.Messages, store.Message{
			Role:      llm.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
			Timestamp: nowUTC(),
		})

		for _, call := range result.ToolCalls {
			serverID, _, ok := mcp.ParseFullName(call.Name)
			if !ok {
				serverID = ""
			}
			args := call.Arguments
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}

			info := ToolCallInfo{
				Server:    serverID,
				Tool:      call.Name,
				Arguments: formatArguments(args),
				Status:    ToolStatusCalling,
				Detail:    toolDetail(args),
			}
			emit(renderProgress("Working on it…", append(snapshotCalls(finished), info)))

			callResult, callErr := l.Tools.CallTool(ctx, call.Name, args)
			var content string
			switch {
			case callErr != nil:
				info.Status = ToolStatusError
				content = fmt.Sprintf(`{"error":%q}`, callErr.Error())
			case callResult.IsError:
				info.Status = ToolStatusError
				content = toolResultText(callResult)
			default:
				info.Status = ToolStatusComplete
				content = toolResultText(callResult)
			}
			finished = append(finished, info)

			tc.Messages = append(tc.Messages, store.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				Timestamp:  nowUTC(),
			})

			if sql, ok := hasSQLField(args); ok {
				sqlQueries = append(sqlQueries, sql)
			}
		}

		emit(renderProgress("Analyzing results…", finished))
	}

	return l.exhaustedResult(finished, sqlQueries, progressEvents)
}

func snapshotCalls(finished []ToolCallInfo) []ToolCallInfo {
	out := make([]ToolCallInfo, len(finished), len(finished)+1)
	copy(out, finished)
	return out
}

func (l *Loop) replayCacheHit(ctx context.Context, tc *store.ThreadContext, question string, cached *store.CachedResponse, onProgress ProgressFunc) {
	tc.Messages = append(tc.Messages, store.Message{Role: llm.RoleUser, Content: question, Timestamp: nowUTC()})

	delay := l.replayDelay()
	for i, event := range cached.ProgressEvents {
		onProgress(event)
		if i < len(cached.ProgressEvents)-1 {
			if err := l.sleepFor(ctx, delay); err != nil {
				break
			}
		}
	}

	tc.Messages = append(tc.Messages, store.Message{Role: llm.RoleAssistant, Content: cached.ResponseText, Timestamp: nowUTC()})

	if err := l.Cache.RecordHit(ctx, cached.ID); err != nil {
		l.logger().Warn("agent: failed to record cache hit", "error", err)
	}
}

func cachedResult(cached *store.CachedResponse) *ProcessingResult {
	return &ProcessingResult{
		ResponseText:   cached.ResponseText,
		ToolsUsed:      toUsageSummaries(cached.ToolsUsed),
		SQLQueries:     append([]string{}, cached.SQLQueries...),
		ProgressEvents: append([]string{}, cached.ProgressEvents...),
		FromCache:      true,
	}
}

func toUsageSummaries(tools []store.ToolUsage) []ToolUsageSummary {
	out := make([]ToolUsageSummary, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolUsageSummary{Server: t.Server, Tool: t.Tool, Arguments: t.Arguments, Detail: t.Detail})
	}
	return out
}

func summarize(finished []ToolCallInfo) []ToolUsageSummary {
	out := make([]ToolUsageSummary, 0, len(finished))
	for _, f := range finished {
		out = append(out, ToolUsageSummary{Server: f.Server, Tool: f.Tool, Arguments: f.Arguments, Detail: f.Detail})
	}
	return out
}

func (l *Loop) finalize(ctx context.Context, question string, result *llm.CompletionResult, iteration int, finished []ToolCallInfo, sqlQueries, progressEvents []string) *ProcessingResult {
	pr := &ProcessingResult{
		ResponseText:   result.Content,
		UsedFallback:   result.UsedFallback,
		ActualModel:    result.ActualModel,
		ToolsUsed:      summarize(finished),
		Iterations:     iteration,
		SQLQueries:     sqlQueries,
		ProgressEvents: progressEvents,
	}

	if l.Cache != nil && l.AutoSave {
		toolsUsage := make([]store.ToolUsage, 0, len(pr.ToolsUsed))
		for _, t := range pr.ToolsUsed {
			toolsUsage = append(toolsUsage, store.ToolUsage{Server: t.Server, Tool: t.Tool, Arguments: t.Arguments, Detail: t.Detail})
		}
		if _, err := l.Cache.Save(ctx, question, pr.ResponseText, toolsUsage, sqlQueries, progressEvents, store.SaveAuto); err != nil {
			l.logger().Warn("agent: auto-save to cache failed", "error", err)
		}
	}
	return pr
}

func (l *Loop) failureResult(iteration int, finished []ToolCallInfo, sqlQueries, progressEvents []string, err error) *ProcessingResult {
	return &ProcessingResult{
		ResponseText:   "I hit an error talking to the language model and couldn't finish answering. Please try again.",
		ToolsUsed:      summarize(finished),
		Iterations:     iteration,
		SQLQueries:     sqlQueries,
		ProgressEvents: progressEvents,
		Error:          fmt.Errorf("agent: llm completion failed: %w", err),
	}
}

func (l *Loop) exhaustedResult(finished []ToolCallInfo, sqlQueries, progressEvents []string) *ProcessingResult {
	max := l.maxIterations()
	return &ProcessingResult{
		ResponseText:   fmt.Sprintf("I reached the limit of %d tool-calling steps without finishing. Try narrowing the question.", max),
		ToolsUsed:      summarize(finished),
		Iterations:     max,
		SQLQueries:     sqlQueries,
		ProgressEvents: progressEvents,
		Error:          ErrMaxIterations,
	}
}

func toolResultText(result *mcp.ToolCallResult) string {
	if result == nil {
		return ""
	}
	parts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
