// Package governor closes the loop between observed system load and the
// parameters the driver uses for its next batch: batch size, parallelism,
// and connection-pool sizing. Observers sample independently and feed one
// control loop that aggregates and decides once per tick.
package governor

import (
	"sync"
	"time"
)

type batchSample struct {
	entityType string
	records    int64
	rate       float64 // records/sec for this batch
	at         time.Time
}

// throughputTracker keeps a bounded window of per-batch throughput samples
// and running error totals.
type throughputTracker struct {
	mu     sync.Mutex
	window int
	recent int // samples averaged for the current rate

	samples []batchSample

	totalRecords   int64
	totalErrors    int64
	retryable      int64
	errorsByType   map[string]int64
	errorsByEntity map[string]int64
	peak           float64
}

func newThroughputTracker(window int) *throughputTracker {
	return &throughputTracker{
		window:         window,
		recent:         10,
		samples:        make([]batchSample, 0, window),
		errorsByType:   make(map[string]int64),
		errorsByEntity: make(map[string]int64),
	}
}

// RecordBatch records one completed batch.
func (t *throughputTracker) RecordBatch(entityType string, records int64, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(records) / secs
	}

	t.samples = append(t.samples, batchSample{
		entityType: entityType,
		records:    records,
		rate:       rate,
		at:         time.Now(),
	})
	if len(t.samples) > t.window {
		t.samples = t.samples[1:]
	}

	t.totalRecords += records
	if rate > t.peak {
		t.peak = rate
	}
}

// RecordError records one batch-level error.
func (t *throughputTracker) RecordError(entityType, errType string, retryable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalErrors++
	t.errorsByType[errType]++
	t.errorsByEntity[entityType]++
	if retryable {
		t.retryable++
	}
}

// RecordsPerSecond returns the mean rate over the most recent samples.
func (t *throughputTracker) RecordsPerSecond() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.samples)
	if n == 0 {
		return 0
	}
	start := n - t.recent
	if start < 0 {
		start = 0
	}

	var sum float64
	for _, s := range t.samples[start:] {
		sum += s.rate
	}
	return sum / float64(n-start)
}

// Peak returns the highest single-batch rate observed.
func (t *throughputTracker) Peak() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// ErrorRate returns total errors as a percentage of total records.
func (t *throughputTracker) ErrorRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.totalRecords == 0 {
		return 0
	}
	return float64(t.totalErrors) / float64(t.totalRecords) * 100
}

// Totals returns cumulative records, errors, and retryable errors.
func (t *throughputTracker) Totals() (records, errs, retryable int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalRecords, t.totalErrors, t.retryable
}

// ErrorsByType returns a copy of the per-type error counts.
func (t *throughputTracker) ErrorsByType() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int64, len(t.errorsByType))
	for k, v := range t.errorsByType {
		out[k] = v
	}
	return out
}
