// Package checkpoint provides durable, integrity-checked, resumable progress
// tracking for migration runs. Progress is persisted redundantly to a
// structured SQLite store and a flat file backup; either backend alone is
// enough to resume a run.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/nhoughto/deltamigrate/internal/util"
)

// Record is one checkpoint: how far a migration run has progressed for one
// entity type.
type Record struct {
	ID              string
	SessionID       string
	EntityType      string
	LastProcessedID string

	BatchPosition    int64
	RecordsProcessed int64
	RecordsRemaining int64

	// Data is the structured processing-state blob. It is owned by the
	// store; drivers pass it through without inspecting it.
	Data *Data

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version supports optimistic concurrency on updates. A stale writer
	// loses the update instead of silently clobbering newer progress.
	Version int64

	// Serialized state as persisted, retained so integrity can be
	// re-verified without re-serializing.
	stateBlob []byte
	checksum  string
}

// ProgressPercentage returns completion as a percentage of total records.
func (r *Record) ProgressPercentage() float64 {
	total := r.RecordsProcessed + r.RecordsRemaining
	if total == 0 {
		return 0
	}
	return util.Round2(float64(r.RecordsProcessed) / float64(total) * 100)
}

// IsComplete reports whether the checkpoint is terminal.
func (r *Record) IsComplete() bool {
	return r.RecordsRemaining == 0
}

// Data is the closed structure persisted inside each checkpoint. Keeping it
// closed (rather than an open map) means serialization and versioning are
// type-checked.
type Data struct {
	Processing  ProcessingState `json:"processing"`
	Performance PerfSnapshot    `json:"performance"`
	Meta        Metadata        `json:"meta"`
}

// ProcessingState carries batch-level progress detail.
type ProcessingState struct {
	CurrentBatch int64  `json:"current_batch"`
	BatchSize    int    `json:"batch_size"`
	RetryCount   int    `json:"retry_count"`
	ErrorCount   int    `json:"error_count"`
	LastError    string `json:"last_error,omitempty"`
}

// PerfSnapshot carries the throughput observations recorded with the
// checkpoint; recovery-time estimates derive from these.
type PerfSnapshot struct {
	RecordsPerSecond float64 `json:"records_per_second"`
	AvgRecordMillis  float64 `json:"avg_record_millis"`
	PeakThroughput   float64 `json:"peak_throughput"`
}

// Metadata identifies the run environment when the checkpoint was written.
type Metadata struct {
	StartedAt     time.Time `json:"started_at"`
	Hostname      string    `json:"hostname,omitempty"`
	EngineVersion string    `json:"engine_version,omitempty"`
}

// Checkpoint status labels derived from inactivity. These are reporting
// classifications, not state transitions.
const (
	StatusActive         = "active"
	StatusCompleted      = "completed"
	StatusNeedsAttention = "needs_attention"
)

// CreateInput is the caller-supplied payload for a new checkpoint.
type CreateInput struct {
	SessionID        string
	EntityType       string
	LastProcessedID  string
	BatchPosition    int64
	RecordsProcessed int64
	RecordsRemaining int64
	Data             *Data
}

// CreateResult reports the outcome of a checkpoint write.
type CreateResult struct {
	Success          bool
	CheckpointID     string
	BackupLocations  []string
	Warnings         []string
	ValidationErrors []string
}

// LoadResult reports the outcome of a checkpoint read.
type LoadResult struct {
	Success          bool
	Record           *Record
	Source           string // backend name the data came from
	FallbackUsed     bool
	ValidationErrors []string
}

// ProgressUpdate carries the per-batch progress written via UpdateProgress.
type ProgressUpdate struct {
	LastProcessedID  string
	BatchPosition    int64
	RecordsProcessed int64
	RecordsRemaining int64
	Data             *Data
}

// UpdateResult reports the outcome of a progress update.
type UpdateResult struct {
	Success          bool
	Record           *Record
	Warnings         []string
	ValidationErrors []string
}

// RecoveryInfo summarizes how a run for one entity type can resume.
type RecoveryInfo struct {
	SessionID   string
	EntityType  string
	Checkpoints []*Record // most recent first
	Recommended *Record   // most recent incomplete checkpoint, if any
	Resumable   bool
	Reasons     []string // why resumption is blocked, when it is

	// EstimatedRecovery is remaining records times the recorded average
	// per-record processing time.
	EstimatedRecovery time.Duration
}

// StorageStatistics aggregates backend usage for operator inspection.
type StorageStatistics struct {
	Backends    []BackendStats
	TotalCount  int
	OldestEntry time.Time
	NewestEntry time.Time
}

// BackendStats is one backend's usage summary.
type BackendStats struct {
	Name      string
	Available bool
	Count     int
	SizeBytes int64
	Oldest    time.Time
	Newest    time.Time
	LastError string
}

// IntegrityError indicates a checksum mismatch: the stored payload does not
// match the checksum recorded with it. The data is discarded, never
// returned.
type IntegrityError struct {
	CheckpointID string
	Expected     string
	Actual       string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checkpoint %s: integrity check failed (expected %.12s, got %.12s)",
		e.CheckpointID, e.Expected, e.Actual)
}

// BackendUnavailableError indicates one storage backend failed. Callers see
// it as a warning unless every backend failed.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }
