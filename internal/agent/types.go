package agent

import "time"

// ToolStatus is the lifecycle state of one tool invocation within an
// iteration, used purely for progress rendering.
type ToolStatus string

const (
	ToolStatusCalling  ToolStatus = "calling"
	ToolStatusComplete ToolStatus = "complete"
	ToolStatusError    ToolStatus = "error"
)

// ToolCallInfo is a transient, per-iteration record of one tool call,
// carrying just enough to render a progress checklist line.
type ToolCallInfo struct {
	Server    string
	Tool      string
	Arguments string
	Status    ToolStatus
	Detail    string
}

// ToolUsageSummary is what survives into a ProcessingResult and a cache
// entry once the loop finishes, trimmed of the transient status field.
type ToolUsageSummary struct {
	Server    string
	Tool      string
	Arguments string
	Detail    string
}

// ProcessingResult is the outcome of one Agent Loop run, whether it
// completed fresh or was replayed from the query cache.
type ProcessingResult struct {
	ResponseText   string
	UsedFallback   bool
	ActualModel    string
	ToolsUsed      []ToolUsageSummary
	Iterations     int
	SQLQueries     []string
	ProgressEvents []string
	FromCache      bool
	Error          error
}

// ProgressFunc receives one fully-rendered progress message. The caller
// (Event Dispatcher) is responsible for turning each call into an edit of
// the thread's placeholder message.
type ProgressFunc func(text string)

// nowUTC is a seam for deterministic timestamps in tests.
var nowUTC = func() time.Time { return time.Now().UTC() }
