package governor

import (
	"database/sql"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolSnapshot is one combined observation of both connection pools.
type PoolSnapshot struct {
	At time.Time

	SourceActive int
	SourceIdle   int
	SourceMax    int

	TargetActive int
	TargetIdle   int
	TargetMax    int

	// Utilization is active connections over total capacity across both
	// pools.
	Utilization float64

	// Waiting is set when either pool blocked an acquisition since the
	// previous snapshot.
	Waiting bool

	// AvgAcquireMs is a rolling average of connection acquisition latency.
	AvgAcquireMs float64
}

// poolWatcher adapts database/sql and pgxpool statistics into the combined
// utilization view the control loop sizes pools from. Both stat funcs are
// optional; an absent pool contributes nothing.
type poolWatcher struct {
	mu sync.Mutex

	sourceStats func() sql.DBStats
	targetStats func() *pgxpool.Stat

	// Cumulative counters from the previous snapshot, for deltas.
	srcWaitCount int64
	srcWaitDur   time.Duration
	tgtEmptyAcq  int64
	tgtAcqCount  int64
	tgtAcqDur    time.Duration

	avgAcquireMs float64
}

func newPoolWatcher(source func() sql.DBStats, target func() *pgxpool.Stat) *poolWatcher {
	return &poolWatcher{sourceStats: source, targetStats: target}
}

// Snapshot reads both pools and folds acquisition latency into the rolling
// average.
func (p *poolWatcher) Snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := PoolSnapshot{At: time.Now()}

	var waits int64
	var waitDur time.Duration

	if p.sourceStats != nil {
		s := p.sourceStats()
		snap.SourceActive = s.InUse
		snap.SourceIdle = s.Idle
		snap.SourceMax = s.MaxOpenConnections

		waits += s.WaitCount - p.srcWaitCount
		waitDur += s.WaitDuration - p.srcWaitDur
		p.srcWaitCount = s.WaitCount
		p.srcWaitDur = s.WaitDuration
	}

	if p.targetStats != nil {
		s := p.targetStats()
		snap.TargetActive = int(s.AcquiredConns())
		snap.TargetIdle = int(s.IdleConns())
		snap.TargetMax = int(s.MaxConns())

		emptyDelta := s.EmptyAcquireCount() - p.tgtEmptyAcq
		waits += emptyDelta
		p.tgtEmptyAcq = s.EmptyAcquireCount()

		acqDelta := s.AcquireCount() - p.tgtAcqCount
		durDelta := s.AcquireDuration() - p.tgtAcqDur
		p.tgtAcqCount = s.AcquireCount()
		p.tgtAcqDur = s.AcquireDuration()
		if emptyDelta > 0 && acqDelta > 0 {
			waitDur += time.Duration(int64(durDelta) / acqDelta * emptyDelta)
		}
	}

	snap.Waiting = waits > 0
	if waits > 0 {
		observed := float64(waitDur.Milliseconds()) / float64(waits)
		if p.avgAcquireMs == 0 {
			p.avgAcquireMs = observed
		} else {
			p.avgAcquireMs = p.avgAcquireMs*0.7 + observed*0.3
		}
	}
	snap.AvgAcquireMs = p.avgAcquireMs

	total := snap.SourceMax + snap.TargetMax
	if total > 0 {
		snap.Utilization = float64(snap.SourceActive+snap.TargetActive) / float64(total)
	}
	return snap
}
