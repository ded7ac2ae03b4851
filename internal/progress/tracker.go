// Package progress renders per-entity migration progress on the terminal.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// Tracker tracks record movement for one entity type.
type Tracker struct {
	entity    string
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	errs      atomic.Int64
	startTime time.Time
}

// New creates a tracker labeled with the entity type being migrated.
func New(entity string) *Tracker {
	return &Tracker{
		entity:    entity,
		startTime: time.Now(),
	}
}

// SetTotal sets the number of changed records to process and starts the
// display. A zero total keeps the tracker silent.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	if total == 0 {
		return
	}
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(fmt.Sprintf("Migrating %s", t.entity)),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("recs"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add records n processed records.
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// AddError records a failed batch.
func (t *Tracker) AddError() {
	t.errs.Add(1)
}

// Current returns the processed count so far.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Rate returns records per second since the tracker started.
func (t *Tracker) Rate() float64 {
	secs := time.Since(t.startTime).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(t.current.Load()) / secs
}

// Finish completes the display and prints the entity's closing line.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Println()
	}

	elapsed := time.Since(t.startTime)
	line := fmt.Sprintf("%s: %s records in %s (%.0f recs/sec)",
		t.entity, humanize.Comma(t.current.Load()), elapsed.Round(time.Second), t.Rate())
	if n := t.errs.Load(); n > 0 {
		line += fmt.Sprintf(", %d failed batches", n)
	}
	fmt.Println(line)
}
