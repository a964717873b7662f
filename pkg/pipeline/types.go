// Package pipeline implements the stage-walking orchestrator: given a
// linear sequence of named stages, it runs an input value through each in
// turn, applying per-stage error policy, loop detection, and graceful
// shutdown.
package pipeline

import (
	"time"

	"github.com/pipelineflow/pipelineflow/pkg/worker"
)

// Policy decides what happens when a stage's handler returns an error.
type Policy int

const (
	// PolicyStop aborts the execution and returns the error to the caller.
	PolicyStop Policy = iota
	// PolicyRetry re-runs the stage immediately, with no backoff delay
	// between re-runs, up to StageOptions.MaxRetries.
	PolicyRetry
	// PolicyContinue advances execution to a named stage, carrying the
	// pre-failure value forward.
	PolicyContinue
	// PolicyCustom invokes StageOptions.Resolve to decide the next action.
	// A resolver may not itself return PolicyCustom; doing so is treated
	// as PolicyStop to guarantee the resolution chain terminates.
	PolicyCustom
)

// DefaultMaxRetries is used by a stage whose StageOptions omit MaxRetries.
const DefaultMaxRetries = 3

// ErrorContext is passed to a PolicyCustom resolver.
type ErrorContext struct {
	Stage         string
	Err           error
	Attempt       int
	Value         any
	VisitedStages []string
}

// Resolution is returned by a custom resolver to say what happens next.
type Resolution struct {
	Policy    Policy
	NextStage string // only meaningful when Policy == PolicyContinue
}

// Resolve is a caller-supplied error-policy resolver for PolicyCustom.
type Resolve func(ErrorContext) Resolution

// StageOptions configures a single stage's execution.
type StageOptions struct {
	Timeout time.Duration
	// Retry opts a stage into automatic backoff-and-retry of a single
	// invocation (MaxRetries/Backoff below). A stage that leaves this
	// false runs its handler exactly once per entry, regardless of
	// MaxRetries/Backoff — retry is never applied unless requested.
	Retry      bool
	MaxRetries int // also bounds PolicyRetry re-entries of this stage; 0 means DefaultMaxRetries
	Backoff    time.Duration
	OnError    Policy
	NextOnErr  string // target stage for PolicyContinue
	Resolve    Resolve
	StageLimit int // 0 means unbounded beyond the pipeline's global limit
}

// Stage is one named step of the pipeline.
type Stage struct {
	Name    string
	Handler worker.Handler
	Options StageOptions
}

// PipelineOptions configures the pipeline as a whole.
type PipelineOptions struct {
	GlobalConcurrency int // 0 defaults to a large unbounded-in-practice cap
	DefaultTimeout    time.Duration
	Verbose           bool
}

// EngineState is the pipeline's lifecycle state.
type EngineState int

const (
	StateRunning EngineState = iota
	StateDraining
	StateShutdown
)

func (s EngineState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Input is a single value submitted to Execute or ExecuteBatch.
type Input struct {
	StartStage string // empty means the first registered stage
	Value      any
}

// BatchResult is one element's outcome from ExecuteBatch: exactly one of
// Value/Err is meaningful, matching the per-element batch contract (one
// element's failure never aborts its siblings).
type BatchResult struct {
	Value any
	Err   error
}

// ShutdownOptions configures Shutdown.
type ShutdownOptions struct {
	// Timeout bounds how long Shutdown waits for in-flight executions to
	// drain before force-aborting them. Zero means wait forever.
	Timeout time.Duration
}

// executionFrame tracks one Execute call's progress through the stage
// graph: the current value, which stage is next, which stages have
// already been visited (for loop detection), and how many times the
// current stage has been retried.
type executionFrame struct {
	value         any
	currentStage  string
	visitedStages map[string]struct{}
	retryCount    int
}
