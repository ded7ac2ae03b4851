package governor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nhoughto/deltamigrate/internal/config"
	"github.com/nhoughto/deltamigrate/internal/logging"
)

// Pressure is the coarse memory classification the control loop acts on.
type Pressure int

const (
	PressureLow Pressure = iota
	PressureMedium
	PressureHigh
	PressureCritical
)

func (p Pressure) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MemorySample is one observation of process and system memory.
type MemorySample struct {
	At                time.Time
	HeapMB            float64
	SystemAvailableMB float64
	CPUPercent        float64
	Pressure          Pressure
}

// PressureChange is published when the classification crosses a threshold.
type PressureChange struct {
	From   Pressure
	To     Pressure
	Sample MemorySample
}

const memoryHistoryLimit = 120

// memoryWatcher samples heap usage on a timer, classifies pressure against
// the configured thresholds, and publishes samples and pressure transitions
// on channels consumed by the control loop.
type memoryWatcher struct {
	cfg config.GovernorConfig

	// sampleFn is swappable so tests can drive synthetic readings.
	sampleFn func() MemorySample

	samples     chan MemorySample
	transitions chan PressureChange

	mu      sync.Mutex
	history []MemorySample
	last    Pressure
}

func newMemoryWatcher(cfg config.GovernorConfig) *memoryWatcher {
	w := &memoryWatcher{
		cfg:         cfg,
		samples:     make(chan MemorySample, 16),
		transitions: make(chan PressureChange, 8),
		last:        PressureLow,
	}
	w.sampleFn = w.readSystem
	return w
}

func (w *memoryWatcher) Samples() <-chan MemorySample       { return w.samples }
func (w *memoryWatcher) Transitions() <-chan PressureChange { return w.transitions }

// Start samples until the context is cancelled.
func (w *memoryWatcher) Start(ctx context.Context) {
	interval := time.Duration(w.cfg.SampleSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (w *memoryWatcher) readSystem() MemorySample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := MemorySample{
		At:     time.Now(),
		HeapMB: float64(m.HeapAlloc) / 1024 / 1024,
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.SystemAvailableMB = float64(vm.Available) / 1024 / 1024
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	return s
}

// Classify maps heap usage onto the pressure scale.
func (w *memoryWatcher) Classify(heapMB float64) Pressure {
	switch {
	case heapMB < float64(w.cfg.MemoryLowMB):
		return PressureLow
	case heapMB < float64(w.cfg.MemoryMediumMB):
		return PressureMedium
	case heapMB < float64(w.cfg.MemoryHighMB):
		return PressureHigh
	default:
		return PressureCritical
	}
}

func (w *memoryWatcher) sample() {
	s := w.sampleFn()
	s.Pressure = w.Classify(s.HeapMB)

	w.mu.Lock()
	prev := w.last
	w.last = s.Pressure
	w.history = append(w.history, s)
	if len(w.history) > memoryHistoryLimit {
		w.history = w.history[1:]
	}
	w.mu.Unlock()

	select {
	case w.samples <- s:
	default:
		// The control loop drains on its own cadence; dropping a stale
		// sample is harmless.
	}

	if s.Pressure != prev {
		logging.Debug("memory pressure %s -> %s (heap %.0fMB)", prev, s.Pressure, s.HeapMB)
		select {
		case w.transitions <- PressureChange{From: prev, To: s.Pressure, Sample: s}:
		default:
			logging.Warn("memory pressure transition dropped: channel full")
		}
	}
}

// Latest returns the most recent sample, if any.
func (w *memoryWatcher) Latest() (MemorySample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.history) == 0 {
		return MemorySample{}, false
	}
	return w.history[len(w.history)-1], true
}

// LeakSuspected reports whether heap growth over the recent history exceeds
// the configured MB/minute rate.
func (w *memoryWatcher) LeakSuspected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.history) < 2 {
		return false
	}
	first := w.history[0]
	last := w.history[len(w.history)-1]

	minutes := last.At.Sub(first.At).Minutes()
	if minutes <= 0 {
		return false
	}
	growth := (last.HeapMB - first.HeapMB) / minutes
	return growth > w.cfg.LeakRateMBPerMin
}
