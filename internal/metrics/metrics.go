package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// StageMetrics holds the timing and throughput numbers for one pipeline
// stage run.
type StageMetrics struct {
	Stage      string        `json:"stage"`
	Rows       int           `json:"rows"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_rows_per_sec"`
	StartedAt  time.Time     `json:"started_at"`
}

// Collector accumulates per-stage timings for a single pipeline run. It is
// an explicit instance handed to whoever needs it, never a package global,
// so concurrent runs cannot bleed into each other.
type Collector struct {
	mu      sync.RWMutex
	started map[string]time.Time
	rows    map[string]int
	stages  []StageMetrics
}

func NewCollector() *Collector {
	return &Collector{
		started: make(map[string]time.Time),
		rows:    make(map[string]int),
	}
}

// StartStage marks the beginning of a stage. Calling it again for the same
// stage restarts the timer.
func (c *Collector) StartStage(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started[stage] = time.Now()
}

// AddRows records rows processed by a stage, contributing to its throughput.
func (c *Collector) AddRows(stage string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[stage] += n
}

// EndStage closes the stage timer and stores its metrics. Ending a stage
// that was never started is a no-op.
func (c *Collector) EndStage(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start, ok := c.started[stage]
	if !ok {
		return
	}
	delete(c.started, stage)

	m := StageMetrics{
		Stage:     stage,
		Rows:      c.rows[stage],
		Duration:  time.Since(start),
		StartedAt: start,
	}
	if secs := m.Duration.Seconds(); secs > 0 && m.Rows > 0 {
		m.Throughput = float64(m.Rows) / secs
	}
	delete(c.rows, stage)
	c.stages = append(c.stages, m)
}

// Stages returns the completed stage metrics in completion order.
func (c *Collector) Stages() []StageMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StageMetrics, len(c.stages))
	copy(out, c.stages)
	return out
}

// Stage returns the metrics for one completed stage.
func (c *Collector) Stage(stage string) (StageMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.stages {
		if m.Stage == stage {
			return m, true
		}
	}
	return StageMetrics{}, false
}

// Summary renders a compact one-line-per-stage report, slowest first.
func (c *Collector) Summary() string {
	c.mu.RLock()
	stages := make([]StageMetrics, len(c.stages))
	copy(stages, c.stages)
	c.mu.RUnlock()

	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Duration > stages[j].Duration
	})

	var b []byte
	for _, m := range stages {
		line := fmt.Sprintf("%s: %.3fs", m.Stage, m.Duration.Seconds())
		if m.Rows > 0 {
			line += fmt.Sprintf(" (%d rows, %.0f rows/s)", m.Rows, m.Throughput)
		}
		b = append(b, line...)
		b = append(b, '\n')
	}
	return string(b)
}

// Total returns the summed duration across all completed stages.
func (c *Collector) Total() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total time.Duration
	for _, m := range c.stages {
		total += m.Duration
	}
	return total
}
