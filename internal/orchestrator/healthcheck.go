package orchestrator

import (
	"context"
	"sync"
	"time"
)

const pingTimeout = 30 * time.Second

// ConnectionHealth describes one endpoint's reachability.
type ConnectionHealth struct {
	Connected bool
	LatencyMs int64
	Error     string
}

// HealthReport covers both ends of the migration path.
type HealthReport struct {
	Source  ConnectionHealth
	Target  ConnectionHealth
	Healthy bool
}

// HealthCheck pings the source and target in parallel and reports
// per-endpoint latency. Each ping gets its own timeout so one hung
// endpoint cannot mask the other's result.
func (o *Orchestrator) HealthCheck(ctx context.Context) *HealthReport {
	report := &HealthReport{}
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		report.Source = ping(ctx, o.source.Ping)
	}()
	go func() {
		defer wg.Done()
		report.Target = ping(ctx, o.target.Ping)
	}()
	wg.Wait()

	report.Healthy = report.Source.Connected && report.Target.Connected
	return report
}

func ping(ctx context.Context, fn func(context.Context) error) ConnectionHealth {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	err := fn(pctx)
	health := ConnectionHealth{
		Connected: err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		health.Error = err.Error()
	}
	return health
}
