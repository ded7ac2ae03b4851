package governor

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nhoughto/deltamigrate/internal/config"
)

func govConfig() config.GovernorConfig {
	return config.GovernorConfig{
		TickSeconds:        5,
		MinBatchSize:       100,
		MaxBatchSize:       10000,
		BatchShrink:        0.5,
		BatchGrow:          0.2,
		MinBatchDelta:      50,
		MinThroughput:      50,
		MemoryLowMB:        256,
		MemoryMediumMB:     512,
		MemoryHighMB:       1024,
		LeakRateMBPerMin:   10,
		SampleSeconds:      3,
		PoolTargetUtil:     0.75,
		PoolMaxWaitMs:      200,
		PoolMinSize:        2,
		PoolMaxSize:        32,
		PoolStep:           0.2,
		MaxParallelism:     8,
		WarningMultiplier:  1.1,
		CriticalMultiplier: 1.2,
		ErrorRateWarnPct:   5,
		CPUWarnPct:         85,
		AlertHistory:       50,
		ThroughputWindow:   100,
	}
}

func TestThroughputTracker(t *testing.T) {
	tr := newThroughputTracker(100)

	// 15 batches at 100 rec/s, then 5 at 200 rec/s.
	for i := 0; i < 15; i++ {
		tr.RecordBatch("employees", 100, time.Second)
	}
	for i := 0; i < 5; i++ {
		tr.RecordBatch("orders", 200, time.Second)
	}

	// Mean of the last 10 samples: five at 100 and five at 200.
	if got := tr.RecordsPerSecond(); got != 150 {
		t.Errorf("RecordsPerSecond = %v, want 150", got)
	}
	if got := tr.Peak(); got != 200 {
		t.Errorf("Peak = %v, want 200", got)
	}

	tr.RecordError("orders", "deadlock", true)
	tr.RecordError("orders", "constraint", false)

	// 2 errors over 2500 records.
	if got := tr.ErrorRate(); got != 0.08 {
		t.Errorf("ErrorRate = %v, want 0.08", got)
	}
	records, errs, retryable := tr.Totals()
	if records != 2500 || errs != 2 || retryable != 1 {
		t.Errorf("Totals = %d/%d/%d, want 2500/2/1", records, errs, retryable)
	}
}

func TestThroughputWindowBounded(t *testing.T) {
	tr := newThroughputTracker(5)
	for i := 0; i < 20; i++ {
		tr.RecordBatch("employees", 100, time.Second)
	}
	if len(tr.samples) != 5 {
		t.Errorf("len(samples) = %d, want 5", len(tr.samples))
	}
}

func TestPressureClassification(t *testing.T) {
	w := newMemoryWatcher(govConfig())

	tests := []struct {
		heapMB float64
		want   Pressure
	}{
		{50, PressureLow},
		{255, PressureLow},
		{256, PressureMedium},
		{511, PressureMedium},
		{512, PressureHigh},
		{1023, PressureHigh},
		{1024, PressureCritical},
		{4096, PressureCritical},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0fMB", tt.heapMB), func(t *testing.T) {
			if got := w.Classify(tt.heapMB); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.heapMB, got, tt.want)
			}
		})
	}
}

func TestPressureTransitionPublished(t *testing.T) {
	w := newMemoryWatcher(govConfig())
	heap := 100.0
	w.sampleFn = func() MemorySample {
		return MemorySample{At: time.Now(), HeapMB: heap}
	}

	w.sample() // low, no transition from initial low
	select {
	case ch := <-w.Transitions():
		t.Fatalf("unexpected transition %v -> %v", ch.From, ch.To)
	default:
	}

	heap = 2048
	w.sample()
	select {
	case ch := <-w.Transitions():
		if ch.From != PressureLow || ch.To != PressureCritical {
			t.Errorf("transition %v -> %v, want low -> critical", ch.From, ch.To)
		}
	default:
		t.Fatal("expected a pressure transition")
	}
}

func TestCriticalEscalation(t *testing.T) {
	g := New(govConfig(), 1000, 4, 8)
	g.memory.sampleFn = func() MemorySample {
		return MemorySample{At: time.Now(), HeapMB: 2048}
	}

	g.memory.sample()
	select {
	case ch := <-g.memory.Transitions():
		g.escalate(ch.Sample)
	default:
		t.Fatal("expected a critical transition")
	}

	opt := g.CurrentOptimization()
	if opt.BatchSize != 300 {
		t.Errorf("BatchSize = %d, want 300 (30%% of 1000)", opt.BatchSize)
	}
	if opt.Parallelism != 1 {
		t.Errorf("Parallelism = %d, want 1", opt.Parallelism)
	}

	alerts := g.RecentAlerts()
	if len(alerts) == 0 {
		t.Fatal("expected a critical alert")
	}
	last := alerts[len(alerts)-1]
	if last.Severity != SeverityCritical || last.Metric != "memory" {
		t.Errorf("alert = %+v, want critical memory", last)
	}
}

func TestNewClampsParallelism(t *testing.T) {
	cfg := govConfig()
	cfg.MaxParallelism = 4

	g := New(cfg, 1000, 16, 8)
	if got := g.CurrentOptimization().Parallelism; got != 4 {
		t.Errorf("Parallelism = %d, want clamped to 4", got)
	}

	g = New(cfg, 1000, 2, 8)
	if got := g.CurrentOptimization().Parallelism; got != 2 {
		t.Errorf("Parallelism = %d, want 2 kept under the cap", got)
	}
}

func TestBatchAdaptation(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.GovernorConfig
		batch      int
		pressure   Pressure
		have       bool
		throughput float64
		want       int
	}{
		{"high pressure shrinks", govConfig(), 1000, PressureHigh, true, 500, 500},
		{"critical pressure shrinks", govConfig(), 2000, PressureCritical, true, 500, 1000},
		{"shrink near floor absorbed by delta guard", govConfig(), 150, PressureHigh, true, 500, 150},
		{"low throughput grows", govConfig(), 1000, PressureLow, true, 10, 1200},
		{"grow caps at maximum", govConfig(), 9000, PressureLow, true, 10, 10000},
		{"shrink beats grow in the same tick", govConfig(), 1000, PressureHigh, true, 10, 500},
		{"stable holds", govConfig(), 1000, PressureLow, true, 500, 1000},
		{"no sample holds under good throughput", govConfig(), 1000, PressureLow, false, 500, 1000},
		{"small delta ignored", func() config.GovernorConfig {
			c := govConfig()
			c.MinBatchDelta = 300
			return c
		}(), 1000, PressureLow, true, 10, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.cfg, tt.batch, 4, 8)
			g.mu.Lock()
			g.adaptBatchLocked(tt.pressure, tt.have, tt.throughput)
			g.mu.Unlock()

			if got := g.CurrentOptimization().BatchSize; got != tt.want {
				t.Errorf("BatchSize = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDecidePool(t *testing.T) {
	cfg := govConfig()

	tests := []struct {
		name       string
		current    int
		snap       PoolSnapshot
		throughput float64
		action     PoolAction
		target     int
	}{
		{
			"grow under contention",
			8, PoolSnapshot{Utilization: 0.9, Waiting: true, AvgAcquireMs: 300}, 100,
			PoolGrow, 9,
		},
		{
			"hold at ceiling",
			32, PoolSnapshot{Utilization: 0.9, Waiting: true, AvgAcquireMs: 300}, 100,
			PoolHold, 32,
		},
		{
			"shrink when idle",
			8, PoolSnapshot{Utilization: 0.2, Waiting: false}, 100,
			PoolShrink, 6,
		},
		{
			"hold at floor",
			2, PoolSnapshot{Utilization: 0.2, Waiting: false}, 100,
			PoolHold, 2,
		},
		{
			"no shrink when throughput is low",
			8, PoolSnapshot{Utilization: 0.2, Waiting: false}, 10,
			PoolHold, 8,
		},
		{
			"no grow without waiters",
			8, PoolSnapshot{Utilization: 0.9, Waiting: false, AvgAcquireMs: 300}, 100,
			PoolHold, 8,
		},
		{
			"no grow when acquisition is fast",
			8, PoolSnapshot{Utilization: 0.9, Waiting: true, AvgAcquireMs: 50}, 100,
			PoolHold, 8,
		},
		{
			"in-band holds",
			8, PoolSnapshot{Utilization: 0.5, Waiting: false}, 100,
			PoolHold, 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decidePool(cfg, tt.current, tt.snap, tt.throughput)
			if d.Action != tt.action {
				t.Errorf("Action = %s, want %s (%s)", d.Action, tt.action, d.Justification)
			}
			if d.Target != tt.target {
				t.Errorf("Target = %d, want %d", d.Target, tt.target)
			}
			if d.Justification == "" {
				t.Error("every decision needs a justification")
			}
			if d.Confidence <= 0 || d.Confidence > 1 {
				t.Errorf("Confidence = %v, want (0, 1]", d.Confidence)
			}
		})
	}
}

func TestPoolDecisionApplied(t *testing.T) {
	g := New(govConfig(), 1000, 4, 8)

	applied := 0
	g.applyPoolSize = func(n int) { applied = n }

	g.mu.Lock()
	g.decidePoolLocked(PoolSnapshot{Utilization: 0.9, Waiting: true, AvgAcquireMs: 300}, 100)
	g.mu.Unlock()

	if applied != 9 {
		t.Errorf("applied pool size = %d, want 9", applied)
	}
	if got := g.CurrentOptimization().SourcePoolSize; got != 9 {
		t.Errorf("SourcePoolSize = %d, want 9", got)
	}
}

func TestAlertLogBounded(t *testing.T) {
	l := newAlertLog(50)
	for i := 0; i < 60; i++ {
		l.raise(Alert{Severity: SeverityWarning, Metric: fmt.Sprintf("metric-%d", i)})
	}

	recent := l.Recent()
	if len(recent) != 50 {
		t.Fatalf("len(Recent) = %d, want 50", len(recent))
	}
	if recent[0].Metric != "metric-10" {
		t.Errorf("oldest retained = %s, want metric-10", recent[0].Metric)
	}
	if recent[49].Metric != "metric-59" {
		t.Errorf("newest retained = %s, want metric-59", recent[49].Metric)
	}
}

func TestAlertSuppression(t *testing.T) {
	l := newAlertLog(50)

	if !l.raise(Alert{Severity: SeverityWarning, Metric: "memory"}) {
		t.Error("first crossing should raise")
	}
	if l.raise(Alert{Severity: SeverityWarning, Metric: "memory"}) {
		t.Error("repeat at the same severity should be suppressed")
	}
	if !l.raise(Alert{Severity: SeverityCritical, Metric: "memory"}) {
		t.Error("severity change should raise")
	}

	l.clear("memory")
	if !l.raise(Alert{Severity: SeverityWarning, Metric: "memory"}) {
		t.Error("cleared metric should raise again")
	}

	if got := len(l.Recent()); got != 3 {
		t.Errorf("len(Recent) = %d, want 3", got)
	}
}

func TestLeakDetection(t *testing.T) {
	w := newMemoryWatcher(govConfig())
	base := time.Now().Add(-10 * time.Minute)

	// 200MB growth over 10 minutes: 20MB/min against a 10MB/min limit.
	w.history = []MemorySample{
		{At: base, HeapMB: 100},
		{At: base.Add(10 * time.Minute), HeapMB: 300},
	}
	if !w.LeakSuspected() {
		t.Error("20MB/min growth should flag a leak")
	}

	// 5MB/min stays under the limit.
	w.history = []MemorySample{
		{At: base, HeapMB: 100},
		{At: base.Add(10 * time.Minute), HeapMB: 150},
	}
	if w.LeakSuspected() {
		t.Error("5MB/min growth should not flag a leak")
	}
}

func TestHealthCheck(t *testing.T) {
	t.Run("fresh governor is healthy", func(t *testing.T) {
		g := New(govConfig(), 1000, 4, 8)
		h := g.HealthCheck()
		if h.Status != "healthy" {
			t.Errorf("Status = %q, want healthy (%v)", h.Status, h.Issues)
		}
	})

	t.Run("critical pressure is critical", func(t *testing.T) {
		g := New(govConfig(), 1000, 4, 8)
		g.latestSample = MemorySample{HeapMB: 2048, Pressure: PressureCritical}
		h := g.HealthCheck()
		if h.Status != "critical" {
			t.Errorf("Status = %q, want critical", h.Status)
		}
	})

	t.Run("high error rate is critical", func(t *testing.T) {
		g := New(govConfig(), 1000, 4, 8)
		g.RecordBatchCompletion("orders", 100, time.Second)
		for i := 0; i < 10; i++ {
			g.RecordError("orders", "constraint", false)
		}
		h := g.HealthCheck()
		if h.Status != "critical" {
			t.Errorf("Status = %q, want critical (%v)", h.Status, h.Issues)
		}
	})

	t.Run("low throughput degrades", func(t *testing.T) {
		g := New(govConfig(), 1000, 4, 8)
		g.RecordBatchCompletion("orders", 10, time.Second)
		h := g.HealthCheck()
		if h.Status != "degraded" {
			t.Errorf("Status = %q, want degraded (%v)", h.Status, h.Issues)
		}
	})
}

func TestOptimizationSummary(t *testing.T) {
	g := New(govConfig(), 1000, 4, 8)
	g.RecordBatchCompletion("employees", 500, time.Second)
	g.RecordBatchCompletion("orders", 1000, time.Second)
	g.RecordError("orders", "timeout", true)

	s := g.GenerateOptimizationSummary()
	if s.RecordsProcessed != 1500 {
		t.Errorf("RecordsProcessed = %d, want 1500", s.RecordsProcessed)
	}
	if s.TotalErrors != 1 || s.RetryableErrors != 1 {
		t.Errorf("errors = %d/%d, want 1/1", s.TotalErrors, s.RetryableErrors)
	}
	if s.PeakThroughput != 1000 {
		t.Errorf("PeakThroughput = %v, want 1000", s.PeakThroughput)
	}
	if s.Current.BatchSize != 1000 || s.Current.Parallelism != 4 {
		t.Errorf("Current = %+v, want initial parameters", s.Current)
	}
	if s.ErrorsByType["timeout"] != 1 {
		t.Errorf("ErrorsByType = %v, want timeout: 1", s.ErrorsByType)
	}

	text := s.String()
	for _, want := range []string{"Resource governor", "1,500 processed", "batch 1,000"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestEvaluateAlerts(t *testing.T) {
	g := New(govConfig(), 1000, 4, 8)

	sample := MemorySample{HeapMB: 1100, CPUPercent: 90, Pressure: PressureCritical}
	g.evaluateAlerts(sample, true, 20, 7, PoolSnapshot{Utilization: 0.95})

	byMetric := map[string]Alert{}
	for _, a := range g.RecentAlerts() {
		byMetric[a.Metric] = a
	}

	expect := map[string]Severity{
		"memory":           SeverityWarning, // 1100 < 1024*1.2
		"cpu":              SeverityWarning, // 90 < 85*1.2
		"throughput":       SeverityCritical,
		"error_rate":       SeverityCritical, // 7 >= 5*1.2
		"pool_utilization": SeverityCritical, // 0.95 >= 0.75*1.2
	}
	for metric, severity := range expect {
		a, ok := byMetric[metric]
		if !ok {
			t.Errorf("no alert for %s", metric)
			continue
		}
		if a.Severity != severity {
			t.Errorf("%s severity = %s, want %s", metric, a.Severity, severity)
		}
		if a.Suggestion == "" {
			t.Errorf("%s alert has no remediation suggestion", metric)
		}
	}
}
