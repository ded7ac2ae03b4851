package governor

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nhoughto/deltamigrate/internal/config"
	"github.com/nhoughto/deltamigrate/internal/logging"
	"github.com/nhoughto/deltamigrate/internal/util"
)

// Optimization is the parameter set the driver consults before planning its
// next batch.
type Optimization struct {
	BatchSize      int
	Parallelism    int
	SourcePoolSize int
	Reason         string
	UpdatedAt      time.Time
}

// PoolAction is a pool-sizing decision direction.
type PoolAction string

const (
	PoolGrow   PoolAction = "grow"
	PoolShrink PoolAction = "shrink"
	PoolHold   PoolAction = "hold"
)

// PoolDecision carries a sizing decision with its confidence and
// justification for observability.
type PoolDecision struct {
	Action        PoolAction
	Target        int
	Confidence    float64
	Justification string
}

// Governor aggregates the observers and decides once per tick. It is the
// single consumer of every observer channel.
type Governor struct {
	cfg config.GovernorConfig

	tracker *throughputTracker
	memory  *memoryWatcher
	pools   *poolWatcher
	alerts  *alertLog

	// applyPoolSize resizes the source pool; the destination pool cannot
	// be resized in place, so its decision is advisory.
	applyPoolSize func(int)

	mu           sync.Mutex
	current      Optimization
	lastDecision PoolDecision
	latestSample MemorySample
	started      time.Time
	ticks        int64
}

// New builds a governor starting from the driver's configured batch size
// and concurrency.
func New(cfg config.GovernorConfig, initialBatch, initialParallelism, initialPoolSize int) *Governor {
	if cfg.MaxParallelism > 0 {
		initialParallelism = util.ClampInt(initialParallelism, 1, cfg.MaxParallelism)
	}
	return &Governor{
		cfg:     cfg,
		tracker: newThroughputTracker(cfg.ThroughputWindow),
		memory:  newMemoryWatcher(cfg),
		pools:   newPoolWatcher(nil, nil),
		alerts:  newAlertLog(cfg.AlertHistory),
		current: Optimization{
			BatchSize:      initialBatch,
			Parallelism:    initialParallelism,
			SourcePoolSize: initialPoolSize,
			Reason:         "initial configuration",
			UpdatedAt:      time.Now(),
		},
		lastDecision: PoolDecision{Action: PoolHold, Target: initialPoolSize},
		started:      time.Now(),
	}
}

// AttachPools wires the connection pools the governor observes and resizes.
// apply receives the new source pool size when a decision is applied.
func (g *Governor) AttachPools(source func() sql.DBStats, target func() *pgxpool.Stat, apply func(int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pools = newPoolWatcher(source, target)
	g.applyPoolSize = apply
}

// RecordBatchCompletion is called by the driver after every batch.
func (g *Governor) RecordBatchCompletion(entityType string, records int64, elapsed time.Duration) {
	g.tracker.RecordBatch(entityType, records, elapsed)
}

// RecordError is called by the driver when a batch fails.
func (g *Governor) RecordError(entityType, errType string, retryable bool) {
	g.tracker.RecordError(entityType, errType, retryable)
}

// CurrentOptimization returns the parameters for the next batch.
func (g *Governor) CurrentOptimization() Optimization {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// RecentAlerts returns the retained alert history, oldest first.
func (g *Governor) RecentAlerts() []Alert {
	return g.alerts.Recent()
}

// Run drives the control loop until the context is cancelled. Critical
// memory transitions bypass the tick cadence and escalate immediately.
func (g *Governor) Run(ctx context.Context) {
	go g.memory.Start(ctx)

	ticker := time.NewTicker(g.cfg.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.tick()
		case change := <-g.memory.Transitions():
			if change.To == PressureCritical {
				g.escalate(change.Sample)
			}
		case <-ctx.Done():
			return
		}
	}
}

// tick recomputes metrics from every observer and applies one round of
// decisions.
func (g *Governor) tick() {
	// Drain queued samples; only the freshest matters for this tick.
	var sample MemorySample
	haveSample := false
	for {
		select {
		case s := <-g.memory.Samples():
			sample = s
			haveSample = true
			continue
		default:
		}
		break
	}
	if !haveSample {
		if s, ok := g.memory.Latest(); ok {
			sample = s
			haveSample = true
		}
	}

	throughput := g.tracker.RecordsPerSecond()
	errorRate := g.tracker.ErrorRate()
	snap := g.pools.Snapshot()

	g.mu.Lock()
	g.ticks++
	if haveSample {
		g.latestSample = sample
	}

	g.adaptBatchLocked(sample.Pressure, haveSample, throughput)
	g.decidePoolLocked(snap, throughput)
	g.mu.Unlock()

	g.evaluateAlerts(sample, haveSample, throughput, errorRate, snap)
}

// adaptBatchLocked applies the batch-size rules. Memory-driven shrink takes
// precedence over throughput-driven growth when both hold in the same tick.
func (g *Governor) adaptBatchLocked(pressure Pressure, havePressure bool, throughput float64) {
	batch := g.current.BatchSize
	proposed := batch
	reason := ""

	switch {
	case havePressure && pressure >= PressureHigh:
		proposed = util.ClampInt(int(float64(batch)*g.cfg.BatchShrink),
			g.cfg.MinBatchSize, g.cfg.MaxBatchSize)
		reason = fmt.Sprintf("memory pressure %s", pressure)
	case throughput > 0 && throughput < g.cfg.MinThroughput:
		proposed = util.ClampInt(int(float64(batch)*(1+g.cfg.BatchGrow)),
			g.cfg.MinBatchSize, g.cfg.MaxBatchSize)
		reason = fmt.Sprintf("throughput %.0f rec/s below floor %.0f", throughput, g.cfg.MinThroughput)
	default:
		return
	}

	// Minimal-delta guard: ignore changes too small to matter.
	delta := proposed - batch
	if delta < 0 {
		delta = -delta
	}
	if delta <= g.cfg.MinBatchDelta {
		return
	}

	logging.Info("batch size %d -> %d (%s)", batch, proposed, reason)
	g.current.BatchSize = proposed
	g.current.Reason = reason
	g.current.UpdatedAt = time.Now()
}

// decidePoolLocked sizes the source pool from the combined utilization
// view.
func (g *Governor) decidePoolLocked(snap PoolSnapshot, throughput float64) {
	cur := g.current.SourcePoolSize
	decision := decidePool(g.cfg, cur, snap, throughput)
	g.lastDecision = decision

	if decision.Action == PoolHold || decision.Target == cur {
		return
	}

	logging.Info("source pool %d -> %d (%s: %s, confidence %.2f)",
		cur, decision.Target, decision.Action, decision.Justification, decision.Confidence)
	g.current.SourcePoolSize = decision.Target
	g.current.UpdatedAt = time.Now()
	if g.applyPoolSize != nil {
		g.applyPoolSize(decision.Target)
	}
}

// decidePool is the pure sizing rule: grow on sustained contention, shrink
// on sustained idleness, hold otherwise.
func decidePool(cfg config.GovernorConfig, current int, snap PoolSnapshot, throughput float64) PoolDecision {
	switch {
	case snap.Utilization > cfg.PoolTargetUtil && snap.Waiting && snap.AvgAcquireMs > float64(cfg.PoolMaxWaitMs):
		target := util.ClampInt(int(float64(current)*(1+cfg.PoolStep)), cfg.PoolMinSize, cfg.PoolMaxSize)
		if target == current {
			return PoolDecision{Action: PoolHold, Target: current, Confidence: 0.6,
				Justification: "contended but already at pool ceiling"}
		}
		return PoolDecision{Action: PoolGrow, Target: target, Confidence: 0.9,
			Justification: fmt.Sprintf("utilization %.0f%% over target with clients waiting %.0fms",
				snap.Utilization*100, snap.AvgAcquireMs)}

	case snap.Utilization < cfg.PoolTargetUtil/2 && !snap.Waiting && throughput > cfg.MinThroughput:
		target := util.ClampInt(int(float64(current)*(1-cfg.PoolStep)), cfg.PoolMinSize, cfg.PoolMaxSize)
		if target == current {
			return PoolDecision{Action: PoolHold, Target: current, Confidence: 0.6,
				Justification: "idle but already at pool floor"}
		}
		return PoolDecision{Action: PoolShrink, Target: target, Confidence: 0.7,
			Justification: fmt.Sprintf("utilization %.0f%% under half target with no waiters",
				snap.Utilization*100)}

	default:
		return PoolDecision{Action: PoolHold, Target: current, Confidence: 0.5,
			Justification: "pool within operating band"}
	}
}

// escalate is the critical-pressure path: reclaim memory immediately, cut
// the batch to 30% of current, and drop parallelism to 1. It fires on the
// threshold crossing, not on the next tick.
func (g *Governor) escalate(sample MemorySample) {
	runtime.GC()
	debug.FreeOSMemory()

	g.mu.Lock()
	batch := g.current.BatchSize
	reduced := util.ClampInt(int(float64(batch)*0.3), g.cfg.MinBatchSize, g.cfg.MaxBatchSize)
	g.current.BatchSize = reduced
	g.current.Parallelism = 1
	g.current.Reason = "critical memory pressure"
	g.current.UpdatedAt = time.Now()
	g.latestSample = sample
	g.mu.Unlock()

	logging.Warn("critical memory pressure at %.0fMB heap: batch %d -> %d, parallelism -> 1",
		sample.HeapMB, batch, reduced)

	g.alerts.raise(Alert{
		Severity:   SeverityCritical,
		Metric:     "memory",
		Message:    fmt.Sprintf("heap %.0fMB crossed the critical threshold (%dMB)", sample.HeapMB, g.cfg.MemoryHighMB),
		Suggestion: "reduce batch size or raise memory thresholds if the host has headroom",
	})
}

// evaluateAlerts checks every governed metric against its warning and
// critical bands.
func (g *Governor) evaluateAlerts(sample MemorySample, haveSample bool, throughput, errorRate float64, snap PoolSnapshot) {
	if haveSample {
		highMB := float64(g.cfg.MemoryHighMB)
		switch {
		case sample.HeapMB >= highMB*g.cfg.CriticalMultiplier:
			g.alerts.raise(Alert{Severity: SeverityCritical, Metric: "memory",
				Message:    fmt.Sprintf("heap %.0fMB at %.1fx the high threshold", sample.HeapMB, sample.HeapMB/highMB),
				Suggestion: "cut batch size and check for retained references"})
		case sample.HeapMB >= highMB:
			g.alerts.raise(Alert{Severity: SeverityWarning, Metric: "memory",
				Message:    fmt.Sprintf("heap %.0fMB above the high threshold (%dMB)", sample.HeapMB, g.cfg.MemoryHighMB),
				Suggestion: "expect batch-size reductions until usage falls"})
		default:
			g.alerts.clear("memory")
		}

		switch {
		case sample.CPUPercent >= g.cfg.CPUWarnPct*g.cfg.CriticalMultiplier:
			g.alerts.raise(Alert{Severity: SeverityCritical, Metric: "cpu",
				Message:    fmt.Sprintf("CPU at %.0f%%", sample.CPUPercent),
				Suggestion: "lower max_parallelism or move the run off shared hardware"})
		case sample.CPUPercent >= g.cfg.CPUWarnPct:
			g.alerts.raise(Alert{Severity: SeverityWarning, Metric: "cpu",
				Message:    fmt.Sprintf("CPU at %.0f%%", sample.CPUPercent),
				Suggestion: "watch for throughput decline under CPU contention"})
		default:
			g.alerts.clear("cpu")
		}
	}

	if g.memory.LeakSuspected() {
		g.alerts.raise(Alert{Severity: SeverityWarning, Metric: "memory_leak",
			Message:    fmt.Sprintf("heap growing faster than %.0fMB/min", g.cfg.LeakRateMBPerMin),
			Suggestion: "inspect long-lived buffers; growth at this rate will reach critical pressure"})
	}

	if throughput > 0 {
		switch {
		case throughput < g.cfg.MinThroughput/2:
			g.alerts.raise(Alert{Severity: SeverityCritical, Metric: "throughput",
				Message:    fmt.Sprintf("throughput %.0f rec/s under half the floor (%.0f)", throughput, g.cfg.MinThroughput),
				Suggestion: "check source query latency and destination write contention"})
		case throughput < g.cfg.MinThroughput:
			g.alerts.raise(Alert{Severity: SeverityWarning, Metric: "throughput",
				Message:    fmt.Sprintf("throughput %.0f rec/s below the floor (%.0f)", throughput, g.cfg.MinThroughput),
				Suggestion: "batch sizes will grow while memory allows"})
		default:
			g.alerts.clear("throughput")
		}
	}

	switch {
	case errorRate >= g.cfg.ErrorRateWarnPct*g.cfg.CriticalMultiplier:
		g.alerts.raise(Alert{Severity: SeverityCritical, Metric: "error_rate",
			Message:    fmt.Sprintf("error rate %.1f%%", errorRate),
			Suggestion: "pause the run and inspect the failing entity types"})
	case errorRate >= g.cfg.ErrorRateWarnPct:
		g.alerts.raise(Alert{Severity: SeverityWarning, Metric: "error_rate",
			Message:    fmt.Sprintf("error rate %.1f%%", errorRate),
			Suggestion: "review recent batch errors; retryable failures may clear on their own"})
	default:
		g.alerts.clear("error_rate")
	}

	switch {
	case snap.Utilization >= g.cfg.PoolTargetUtil*g.cfg.CriticalMultiplier:
		g.alerts.raise(Alert{Severity: SeverityCritical, Metric: "pool_utilization",
			Message:    fmt.Sprintf("pool utilization %.0f%%", snap.Utilization*100),
			Suggestion: "raise pool_max_size if the databases can take more connections"})
	case snap.Utilization >= g.cfg.PoolTargetUtil*g.cfg.WarningMultiplier:
		g.alerts.raise(Alert{Severity: SeverityWarning, Metric: "pool_utilization",
			Message:    fmt.Sprintf("pool utilization %.0f%%", snap.Utilization*100),
			Suggestion: "pool growth will engage if clients start waiting"})
	default:
		g.alerts.clear("pool_utilization")
	}
}
