package agent

import "errors"

// ErrMaxIterations indicates the loop hit MAX_ITERATIONS without a final answer.
var ErrMaxIterations = errors.New("max iterations exceeded")
