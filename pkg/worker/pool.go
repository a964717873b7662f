package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pipelineflow/pipelineflow/pkg/pipelineerr"
	"github.com/pipelineflow/pipelineflow/pkg/semaphore"
)

// execution tracks a single in-flight worker invocation so it can be
// canceled from Shutdown/CancelAll and counted by ActiveWorkers.
type execution struct {
	stage  string
	cancel context.CancelFunc
}

// Pool bounds and times out handler invocations, gating admission through a
// global semaphore and, optionally, one semaphore per stage.
type Pool struct {
	global *semaphore.Semaphore

	mu           sync.Mutex
	stageSems    map[string]*semaphore.Semaphore
	stageCaps    map[string]int
	active       sync.Map // execID -> *execution
	activeCount  int64
	shuttingDown bool
}

// NewPool creates a Pool with the given global concurrency limit.
func NewPool(globalMax int) *Pool {
	return &Pool{
		global:    semaphore.New(globalMax),
		stageSems: make(map[string]*semaphore.Semaphore),
		stageCaps: make(map[string]int),
	}
}

// SetStageLimit configures a per-stage concurrency cap, created lazily: a
// stage with no configured limit is only bounded by the global semaphore.
func (p *Pool) SetStageLimit(stage string, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stageCaps[stage] = max
	delete(p.stageSems, stage) // re-create lazily with the new cap
}

func (p *Pool) stageSemaphore(stage string) *semaphore.Semaphore {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sem, ok := p.stageSems[stage]; ok {
		return sem
	}
	max, ok := p.stageCaps[stage]
	if !ok {
		return nil
	}
	sem := semaphore.New(max)
	p.stageSems[stage] = sem
	return sem
}

// Invoke runs handler against value, admitted through the global semaphore
// and (if configured) the stage's own semaphore, bounded by timeout. It
// returns a *pipelineerr.Error for pool-level failures (shutdown, timeout,
// panic, abort) and the handler's own error unwrapped otherwise.
func (p *Pool) Invoke(ctx context.Context, stage string, handler Handler, value any, timeout time.Duration) (any, error) {
	p.mu.Lock()
	down := p.shuttingDown
	p.mu.Unlock()
	if down {
		return nil, pipelineerr.ErrPoolShutdown
	}

	if err := p.global.Acquire(ctx); err != nil {
		return nil, pipelineerr.ErrPoolShutdown.WithCause(err)
	}
	defer func() { _ = p.global.Release() }()

	if sem := p.stageSemaphore(stage); sem != nil {
		if err := sem.Acquire(ctx); err != nil {
			return nil, pipelineerr.ErrPoolShutdown.WithCause(err)
		}
		defer func() { _ = sem.Release() }()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else {
		execCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	execID := uuid.NewString()
	p.active.Store(execID, &execution{stage: stage, cancel: cancel})
	atomic.AddInt64(&p.activeCount, 1)
	defer func() {
		p.active.Delete(execID)
		atomic.AddInt64(&p.activeCount, -1)
	}()

	result, err := handler.Invoke(execCtx, value)
	if err != nil && !errors.Is(err, pipelineerr.ErrWorkerTimeout) && execCtx.Err() != nil && ctx.Err() == nil {
		// The per-invocation timeout fired before the handler itself
		// reported it as such (e.g. a subprocess handler that only
		// notices cancellation on its next syscall).
		return nil, pipelineerr.ErrWorkerTimeout.WithStage(stage).WithCause(execCtx.Err())
	}
	return result, err
}

// ActiveWorkers returns the number of currently in-flight invocations,
// optionally filtered to a single stage when stage is non-empty.
func (p *Pool) ActiveWorkers(stage string) int {
	if stage == "" {
		return int(atomic.LoadInt64(&p.activeCount))
	}
	count := 0
	p.active.Range(func(_, v any) bool {
		if v.(*execution).stage == stage {
			count++
		}
		return true
	})
	return count
}

// CancelAll cancels every in-flight invocation's context without waiting
// for it to return.
func (p *Pool) CancelAll() {
	p.active.Range(func(_, v any) bool {
		v.(*execution).cancel()
		return true
	})
}

// Shutdown stops admitting new work, cancels every in-flight invocation,
// and waits for them to finish draining or for ctx to expire, whichever
// comes first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()

	p.global.Shutdown()
	for _, sem := range p.snapshotStageSemaphores() {
		sem.Shutdown()
	}

	p.CancelAll()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.ActiveWorkers("") == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) snapshotStageSemaphores() []*semaphore.Semaphore {
	p.mu.Lock()
	defer p.mu.Unlock()
	sems := make([]*semaphore.Semaphore, 0, len(p.stageSems))
	for _, sem := range p.stageSems {
		sems = append(sems, sem)
	}
	return sems
}

// Cleanup releases any pool-owned resources after Shutdown has returned. It
// is separate from Shutdown so callers can distinguish "stop accepting and
// drain" from "release everything" the way the teacher's CancelAll/Shutdown
// split does.
func (p *Pool) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stageSems = make(map[string]*semaphore.Semaphore)
	p.stageCaps = make(map[string]int)
	return nil
}
