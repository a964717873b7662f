package pipeline

import (
	"sync"
	"time"
)

// StageMetrics is a read-only snapshot of one stage's execution history.
type StageMetrics struct {
	Executions      int64
	Successes       int64
	Failures        int64
	Retries         int64
	TotalDuration   time.Duration
	AverageDuration time.Duration
}

// Metrics is a read-only snapshot of the whole pipeline's execution
// history, grounded on the teacher's per-tool/per-stage metrics split.
type Metrics struct {
	Executions int64
	Successes  int64
	Failures   int64
	Stages     map[string]StageMetrics
}

type metricsCollector struct {
	mu     sync.Mutex
	total  StageMetrics
	stages map[string]*StageMetrics
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{stages: make(map[string]*StageMetrics)}
}

func (c *metricsCollector) recordStage(stage string, success bool, retried bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.stages[stage]
	if !ok {
		m = &StageMetrics{}
		c.stages[stage] = m
	}
	m.Executions++
	m.TotalDuration += duration
	m.AverageDuration = m.TotalDuration / time.Duration(m.Executions)
	if retried {
		m.Retries++
	}
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
}

func (c *metricsCollector) recordExecution(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total.Executions++
	if success {
		c.total.Successes++
	} else {
		c.total.Failures++
	}
}

func (c *metricsCollector) snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stages := make(map[string]StageMetrics, len(c.stages))
	for name, m := range c.stages {
		stages[name] = *m
	}
	return Metrics{
		Executions: c.total.Executions,
		Successes:  c.total.Successes,
		Failures:   c.total.Failures,
		Stages:     stages,
	}
}

func (c *metricsCollector) stageSnapshot(stage string) (StageMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.stages[stage]
	if !ok {
		return StageMetrics{}, false
	}
	return *m, true
}
