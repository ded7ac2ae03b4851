package governor

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Summary is a point-in-time view of everything the governor knows, for
// status reporting.
type Summary struct {
	Uptime           time.Duration
	Ticks            int64
	RecordsProcessed int64
	TotalErrors      int64
	RetryableErrors  int64
	RecordsPerSecond float64
	PeakThroughput   float64
	ErrorRate        float64
	MemoryPressure   Pressure
	HeapMB           float64
	LeakSuspected    bool
	Pool             PoolSnapshot
	Current          Optimization
	LastPoolDecision PoolDecision
	Alerts           []Alert
	ErrorsByType     map[string]int64
}

// GenerateOptimizationSummary assembles the reporting view.
func (g *Governor) GenerateOptimizationSummary() *Summary {
	records, errs, retryable := g.tracker.Totals()

	g.mu.Lock()
	sample := g.latestSample
	current := g.current
	decision := g.lastDecision
	started := g.started
	ticks := g.ticks
	g.mu.Unlock()

	return &Summary{
		Uptime:           time.Since(started),
		Ticks:            ticks,
		RecordsProcessed: records,
		TotalErrors:      errs,
		RetryableErrors:  retryable,
		RecordsPerSecond: g.tracker.RecordsPerSecond(),
		PeakThroughput:   g.tracker.Peak(),
		ErrorRate:        g.tracker.ErrorRate(),
		MemoryPressure:   sample.Pressure,
		HeapMB:           sample.HeapMB,
		LeakSuspected:    g.memory.LeakSuspected(),
		Pool:             g.pools.Snapshot(),
		Current:          current,
		LastPoolDecision: decision,
		Alerts:           g.alerts.Recent(),
		ErrorsByType:     g.tracker.ErrorsByType(),
	}
}

// String renders the summary for terminal display.
func (s *Summary) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Resource governor (up %s, %d ticks)\n",
		s.Uptime.Round(time.Second), s.Ticks)
	fmt.Fprintf(&sb, "  Records:    %s processed, %s errors (%.1f%% rate)\n",
		humanize.Comma(s.RecordsProcessed), humanize.Comma(s.TotalErrors), s.ErrorRate)
	fmt.Fprintf(&sb, "  Throughput: %.0f rec/s (peak %.0f)\n",
		s.RecordsPerSecond, s.PeakThroughput)
	fmt.Fprintf(&sb, "  Memory:     %s pressure, heap %.0fMB", s.MemoryPressure, s.HeapMB)
	if s.LeakSuspected {
		sb.WriteString(" (leak suspected)")
	}
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "  Pool:       %.0f%% utilized, avg acquire %.0fms, last decision %s (%s)\n",
		s.Pool.Utilization*100, s.Pool.AvgAcquireMs,
		s.LastPoolDecision.Action, s.LastPoolDecision.Justification)
	fmt.Fprintf(&sb, "  Parameters: batch %s, parallelism %d, source pool %d (%s)\n",
		humanize.Comma(int64(s.Current.BatchSize)), s.Current.Parallelism,
		s.Current.SourcePoolSize, s.Current.Reason)

	if len(s.Alerts) > 0 {
		fmt.Fprintf(&sb, "  Alerts (%d):\n", len(s.Alerts))
		for _, a := range s.Alerts {
			fmt.Fprintf(&sb, "    [%s] %s: %s\n", a.Severity, a.Metric, a.Message)
		}
	}
	return sb.String()
}

// Health is a coarse classification for quick operator checks.
type Health struct {
	Status string // healthy, degraded, critical
	Issues []string
}

// HealthCheck classifies current conditions: critical when memory is
// critical or the error rate crossed its critical band, degraded when any
// warning condition holds, healthy otherwise.
func (g *Governor) HealthCheck() Health {
	h := Health{Status: "healthy"}

	g.mu.Lock()
	sample := g.latestSample
	g.mu.Unlock()

	errorRate := g.tracker.ErrorRate()
	throughput := g.tracker.RecordsPerSecond()

	degrade := func(issue string) {
		h.Issues = append(h.Issues, issue)
		if h.Status == "healthy" {
			h.Status = "degraded"
		}
	}
	critical := func(issue string) {
		h.Issues = append(h.Issues, issue)
		h.Status = "critical"
	}

	switch sample.Pressure {
	case PressureCritical:
		critical(fmt.Sprintf("memory pressure critical (heap %.0fMB)", sample.HeapMB))
	case PressureHigh:
		degrade(fmt.Sprintf("memory pressure high (heap %.0fMB)", sample.HeapMB))
	}

	if errorRate >= g.cfg.ErrorRateWarnPct*g.cfg.CriticalMultiplier {
		critical(fmt.Sprintf("error rate %.1f%%", errorRate))
	} else if errorRate >= g.cfg.ErrorRateWarnPct {
		degrade(fmt.Sprintf("error rate %.1f%%", errorRate))
	}

	if throughput > 0 && throughput < g.cfg.MinThroughput {
		degrade(fmt.Sprintf("throughput %.0f rec/s below floor", throughput))
	}

	if g.memory.LeakSuspected() {
		degrade("heap growth suggests a leak")
	}

	return h
}
