package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pipelineflow/pipelineflow/pkg/monitor"
	"github.com/pipelineflow/pipelineflow/pkg/pipelineerr"
	"github.com/pipelineflow/pipelineflow/pkg/retry"
	"github.com/pipelineflow/pipelineflow/pkg/worker"
)

// Pipeline walks a value through a linear sequence of named stages,
// applying each stage's error policy on failure and emitting observability
// events along the way.
type Pipeline struct {
	opts PipelineOptions
	log  *logrus.Logger

	stages   []Stage
	stageIdx map[string]int
	pool     *worker.Pool
	monitor  *monitor.Monitor
	metrics  *metricsCollector

	mu       sync.RWMutex
	state    EngineState
	inflight sync.WaitGroup
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithLogger overrides the default logrus logger.
func WithLogger(log *logrus.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// New builds a Pipeline from an ordered list of stages. Stage names must be
// unique.
func New(stages []Stage, opts PipelineOptions, options ...Option) (*Pipeline, error) {
	idx := make(map[string]int, len(stages))
	for i, s := range stages {
		if _, dup := idx[s.Name]; dup {
			return nil, pipelineerr.New(pipelineerr.KindInvalidOption, fmt.Sprintf("duplicate stage name %q", s.Name))
		}
		idx[s.Name] = i
	}

	globalMax := opts.GlobalConcurrency
	if globalMax <= 0 {
		globalMax = 1 << 16
	}

	p := &Pipeline{
		opts:     opts,
		log:      logrus.New(),
		stages:   stages,
		stageIdx: idx,
		pool:     worker.NewPool(globalMax),
		monitor:  monitor.New(),
		metrics:  newMetricsCollector(),
		state:    StateRunning,
	}
	for _, s := range stages {
		if s.Options.StageLimit > 0 {
			p.pool.SetStageLimit(s.Name, s.Options.StageLimit)
		}
	}
	for _, opt := range options {
		opt(p)
	}
	if !p.opts.Verbose {
		p.log.SetLevel(logrus.InfoLevel)
	} else {
		p.log.SetLevel(logrus.DebugLevel)
	}
	return p, nil
}

// OnEvent registers an observer for every stage/engine event emitted during
// execution.
func (p *Pipeline) OnEvent(fn monitor.Listener) monitor.SubscriptionID {
	return p.monitor.OnEvent(fn)
}

// State reports the pipeline's current lifecycle state.
func (p *Pipeline) State() EngineState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsShuttingDown reports whether the pipeline is draining.
func (p *Pipeline) IsShuttingDown() bool {
	return p.State() == StateDraining
}

// IsShutdown reports whether the pipeline has finished shutting down.
func (p *Pipeline) IsShutdown() bool {
	return p.State() == StateShutdown
}

// ActiveExecutions reports the number of stage handler invocations
// currently running in the worker pool. An Execute call that is waiting for
// a semaphore slot or moving between stages is not counted.
func (p *Pipeline) ActiveExecutions() int {
	return p.pool.ActiveWorkers("")
}

// Metrics returns a snapshot of pipeline-wide execution counters.
func (p *Pipeline) Metrics() Metrics {
	return p.metrics.snapshot()
}

// StageMetrics returns a snapshot of a single stage's execution counters.
func (p *Pipeline) StageMetrics(stage string) (StageMetrics, bool) {
	return p.metrics.stageSnapshot(stage)
}

func (p *Pipeline) firstStage() string {
	if len(p.stages) == 0 {
		return ""
	}
	return p.stages[0].Name
}

// Execute runs in through the stage sequence starting at in.StartStage (or
// the first registered stage) and returns the final value or the error
// that stopped execution.
func (p *Pipeline) Execute(ctx context.Context, in Input) (any, error) {
	p.mu.RLock()
	state := p.state
	p.mu.RUnlock()
	if state != StateRunning {
		return nil, pipelineerr.ErrEngineState.WithMessage(fmt.Sprintf("cannot execute pipeline in state %s", state))
	}

	p.inflight.Add(1)
	defer p.inflight.Done()

	start := in.StartStage
	if start == "" {
		start = p.firstStage()
	}

	frame := &executionFrame{
		value:         in.Value,
		currentStage:  start,
		visitedStages: make(map[string]struct{}),
	}

	result, err := p.run(ctx, frame)
	p.metrics.recordExecution(err == nil)
	if err != nil {
		_ = p.monitor.EmitEvent(monitor.Event{Type: monitor.EventEngineError, Err: err, Timestamp: time.Now()})
	}
	return result, err
}

// ExecuteBatch runs every element of in through the pipeline independently
// and concurrently: one element's failure never prevents the others from
// completing, each yielding its own BatchResult.
func (p *Pipeline) ExecuteBatch(ctx context.Context, in []Input) []BatchResult {
	results := make([]BatchResult, len(in))
	g, gctx := errgroup.WithContext(ctx)

	for i, item := range in {
		i, item := i, item
		g.Go(func() error {
			value, err := p.Execute(gctx, item)
			results[i] = BatchResult{Value: value, Err: err}
			return nil // never short-circuit sibling elements
		})
	}
	_ = g.Wait()
	return results
}

// run walks frame through the stage graph until it reaches the end of the
// pipeline or an unrecoverable error occurs. Loop detection only applies to
// entering a stage for the first time (sequential advancement or a
// PolicyContinue jump); a PolicyRetry re-run of the stage already being
// executed is not a new visit and does not consult visitedStages.
func (p *Pipeline) run(ctx context.Context, frame *executionFrame) (any, error) {
	newEntry := true
	for {
		if frame.currentStage == "" {
			return frame.value, nil
		}

		if newEntry {
			if _, seen := frame.visitedStages[frame.currentStage]; seen {
				return nil, pipelineerr.ErrInfiniteLoop.WithStage(frame.currentStage)
			}
			frame.visitedStages[frame.currentStage] = struct{}{}
		}

		idx, ok := p.stageIdx[frame.currentStage]
		if !ok {
			return nil, pipelineerr.ErrStageNotFound.WithStage(frame.currentStage)
		}
		stage := p.stages[idx]

		value, err := p.runStage(ctx, stage, frame)
		if err == nil {
			frame.value = value
			frame.currentStage = p.nextStageAfter(idx)
			frame.retryCount = 0
			newEntry = true
			continue
		}

		resolution, resolveErr := p.resolveError(stage, frame, err)
		if resolveErr != nil {
			return nil, resolveErr
		}

		switch resolution.Policy {
		case PolicyStop:
			return nil, err
		case PolicyRetry:
			maxPolicyRetries := stage.Options.MaxRetries
			if maxPolicyRetries <= 0 {
				maxPolicyRetries = DefaultMaxRetries
			}
			if frame.retryCount >= maxPolicyRetries {
				// Budget exhausted: propagate the original error rather
				// than treating the re-run as a detected loop.
				return nil, err
			}
			frame.retryCount++
			newEntry = false // re-entering the current stage, not a new visit
			continue
		case PolicyContinue, PolicyCustom:
			frame.currentStage = resolution.NextStage
			frame.retryCount = 0
			newEntry = true
			continue
		default:
			return nil, err
		}
	}
}

func (p *Pipeline) nextStageAfter(idx int) string {
	if idx+1 >= len(p.stages) {
		return ""
	}
	return p.stages[idx+1].Name
}

// runStage invokes the stage's handler once, timing it, unless the stage
// opted into automatic backoff-and-retry via StageOptions.Retry — retry is
// never applied to a stage that didn't ask for it.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, frame *executionFrame) (any, error) {
	maxRetries := 0
	backoff := stage.Options.Backoff
	if stage.Options.Retry {
		maxRetries = stage.Options.MaxRetries
		if maxRetries <= 0 {
			maxRetries = DefaultMaxRetries
		}
		if backoff == 0 {
			backoff = 100 * time.Millisecond
		}
	}

	timeout := stage.Options.Timeout
	if timeout == 0 {
		timeout = p.opts.DefaultTimeout
	}

	var result any
	lastAttempt := 0
	started := time.Now()
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		lastAttempt = attempt
		return p.monitor.TrackStage(ctx, stage.Name, attempt, func(ctx context.Context) error {
			p.log.WithFields(logrus.Fields{"stage": stage.Name, "attempt": attempt}).Debug("executing stage")
			v, err := p.pool.Invoke(ctx, stage.Name, stage.Handler, frame.value, timeout)
			if err != nil {
				return err
			}
			result = v
			return nil
		})
	}, maxRetries, backoff)

	p.metrics.recordStage(stage.Name, err == nil, lastAttempt > 0, time.Since(started))
	return result, err
}

// resolveError applies the stage's ErrorPolicy. A PolicyCustom resolver
// that itself returns PolicyCustom is treated as PolicyStop so resolution
// always terminates in one hop.
func (p *Pipeline) resolveError(stage Stage, frame *executionFrame, err error) (Resolution, error) {
	policy := stage.Options.OnError

	if policy == PolicyCustom {
		if stage.Options.Resolve == nil {
			return Resolution{}, pipelineerr.New(pipelineerr.KindInvalidOption, "PolicyCustom requires a Resolve function").WithStage(stage.Name)
		}
		resolution := stage.Options.Resolve(ErrorContext{
			Stage:         stage.Name,
			Err:           err,
			Attempt:       frame.retryCount,
			Value:         frame.value,
			VisitedStages: visitedList(frame.visitedStages),
		})
		if resolution.Policy == PolicyCustom {
			resolution.Policy = PolicyStop
		}
		return resolution, nil
	}

	return Resolution{Policy: policy, NextStage: stage.Options.NextOnErr}, nil
}

func visitedList(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	return out
}

// Shutdown transitions the pipeline to Draining (rejecting new Execute
// calls), waits for in-flight executions to finish or ctx/opts.Timeout to
// expire, then force-aborts any stragglers and transitions to Shutdown.
func (p *Pipeline) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	p.mu.Lock()
	if p.state == StateShutdown {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDraining
	p.mu.Unlock()

	_ = p.monitor.EmitEvent(monitor.Event{Type: monitor.EventShutdownStart, Timestamp: time.Now()})

	drainCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		drainCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	var shutdownErr error
	select {
	case <-drained:
	case <-drainCtx.Done():
		shutdownErr = drainCtx.Err()
		_ = p.monitor.EmitEvent(monitor.Event{Type: monitor.EventShutdownTimeout, Err: shutdownErr, Timestamp: time.Now()})
	}

	// Give canceled workers a short grace period to unwind after the drain
	// deadline passes, then give up on them entirely.
	poolShutdownCtx, poolCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer poolCancel()
	_ = p.pool.Shutdown(poolShutdownCtx)
	_ = p.pool.Cleanup()

	p.mu.Lock()
	p.state = StateShutdown
	p.mu.Unlock()

	_ = p.monitor.EmitEvent(monitor.Event{Type: monitor.EventShutdownDone, Timestamp: time.Now()})
	return shutdownErr
}

// Cleanup releases pipeline-owned resources. It is safe to call after
// Shutdown; calling it beforehand aborts all in-flight work immediately.
func (p *Pipeline) Cleanup() error {
	p.pool.CancelAll()
	return p.pool.Cleanup()
}
