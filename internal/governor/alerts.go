package governor

import (
	"sync"
	"time"
)

// Severity labels an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert records one threshold crossing, with a remediation suggestion for
// operators.
type Alert struct {
	At         time.Time
	Severity   Severity
	Metric     string
	Message    string
	Suggestion string
}

// alertLog retains the most recent alerts in a bounded history. Raising an
// alert never blocks or fails; old entries fall off the front.
type alertLog struct {
	mu      sync.Mutex
	max     int
	entries []Alert

	// lastSeverity suppresses repeats: an alert is only recorded when the
	// metric's severity changes.
	lastSeverity map[string]Severity
}

func newAlertLog(max int) *alertLog {
	return &alertLog{
		max:          max,
		entries:      make([]Alert, 0, max),
		lastSeverity: make(map[string]Severity),
	}
}

// raise records an alert unless the metric is already at this severity.
func (l *alertLog) raise(a Alert) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastSeverity[a.Metric] == a.Severity {
		return false
	}
	l.lastSeverity[a.Metric] = a.Severity

	if a.At.IsZero() {
		a.At = time.Now()
	}
	l.entries = append(l.entries, a)
	if len(l.entries) > l.max {
		l.entries = l.entries[1:]
	}
	return true
}

// clear resets a metric so its next crossing raises again.
func (l *alertLog) clear(metric string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastSeverity, metric)
}

// Recent returns a copy of the retained alerts, oldest first.
func (l *alertLog) Recent() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Alert, len(l.entries))
	copy(out, l.entries)
	return out
}
