package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhoughto/deltamigrate/internal/checkpoint"
	"github.com/nhoughto/deltamigrate/internal/config"
	"github.com/nhoughto/deltamigrate/internal/entity"
	"github.com/nhoughto/deltamigrate/internal/governor"
	"github.com/nhoughto/deltamigrate/internal/progress"
)

func testCheckpointStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.NewStore(config.CheckpointConfig{
		SQLitePath:           filepath.Join(dir, "checkpoints.db"),
		BackupDir:            filepath.Join(dir, "backups"),
		EnableSQLite:         true,
		EnableFileBackup:     true,
		RetentionDays:        7,
		MaxCheckpoints:       10,
		StallWindowMinutes:   30,
		ResumeMaxAgeHours:    24,
		CleanupIntervalMins:  60,
		CompressionThreshold: 4096,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testGovernorConfig() config.GovernorConfig {
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

// A resumed session must process every record of the freshly analyzed
// work list: records committed by the interrupted run are already in the
// destination and no longer appear in it, so the prior processed count
// offsets the checkpoint counters, never positions in the new list.
func TestResumeProcessesFullReanalyzedList(t *testing.T) {
	ctx := context.Background()
	store := testCheckpointStore(t)
	gov := governor.New(testGovernorConfig(), 1000, 2, 8)
	o := &Orchestrator{store: store, gov: gov}

	// An interrupted run committed 1,000 of 5,000 records.
	created, err := store.Create(ctx, checkpoint.CreateInput{
		SessionID:        "sess-1",
		EntityType:       "customers",
		LastProcessedID:  "id-0999",
		BatchPosition:    1,
		RecordsProcessed: 1000,
		RecordsRemaining: 4000,
		Data:             &checkpoint.Data{},
	})
	if err != nil || !created.Success {
		t.Fatalf("seeding checkpoint: err=%v result=%+v", err, created)
	}

	// Re-analysis sees only the 4,000 records still missing downstream.
	pending := make([]string, 4000)
	for i := range pending {
		pending[i] = fmt.Sprintf("id-%04d", 1000+i)
	}
	deletes := []string{"gone-1", "gone-2", "gone-3"}

	s := &entitySession{
		o:         o,
		kind:      entity.Customers,
		sessionID: "sess-1",
		tracker:   progress.New("customers"),
		startedAt: time.Now(),
	}
	s.base = s.adoptCheckpoint(ctx)
	if s.base != 1000 {
		t.Fatalf("adopted base = %d, want 1000", s.base)
	}
	if s.checkpointID != created.CheckpointID {
		t.Fatalf("checkpointID = %q, want the interrupted run's %q", s.checkpointID, created.CheckpointID)
	}
	s.total = s.base + int64(len(pending)+len(deletes))
	s.tracker.SetTotal(s.total)
	s.tracker.Add(s.base)
	defer s.tracker.Finish()

	var moved []string
	n, err := s.processList(ctx, pending, 0, func(ids []string) (int64, error) {
		moved = append(moved, ids...)
		return int64(len(ids)), nil
	})
	if err != nil {
		t.Fatalf("processList(upserts) error: %v", err)
	}
	if n != 4000 || len(moved) != 4000 {
		t.Fatalf("processed %d records (%d affected), want all 4000 pending", len(moved), n)
	}
	if moved[0] != pending[0] || moved[len(moved)-1] != pending[len(pending)-1] {
		t.Errorf("work list not processed from its beginning: first=%q last=%q", moved[0], moved[len(moved)-1])
	}

	var removed []string
	if _, err := s.processList(ctx, deletes, int64(len(pending)), func(ids []string) (int64, error) {
		removed = append(removed, ids...)
		return int64(len(ids)), nil
	}); err != nil {
		t.Fatalf("processList(deletes) error: %v", err)
	}
	if len(removed) != len(deletes) {
		t.Fatalf("removed %d records, want %d", len(removed), len(deletes))
	}

	loaded, err := store.Load(ctx, s.checkpointID)
	if err != nil || !loaded.Success {
		t.Fatalf("loading final checkpoint: err=%v result=%+v", err, loaded)
	}
	if got := loaded.Record.RecordsProcessed; got != 5003 {
		t.Errorf("final RecordsProcessed = %d, want 5003 (1000 prior + 4003 this run)", got)
	}
	if got := loaded.Record.RecordsRemaining; got != 0 {
		t.Errorf("final RecordsRemaining = %d, want 0", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadlock", errors.New("Transaction (Process ID 52) was deadlocked"), true},
		{"timeout", errors.New("i/o timeout"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"too many connections", errors.New("FATAL: too many connections"), true},
		{"serialization failure", errors.New("ERROR: could not serialize access (SQLSTATE 40001): serialization failure"), true},
		{"constraint violation", errors.New("duplicate key value violates unique constraint"), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"syntax error", errors.New("syntax error at or near SELECT"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadlock", errors.New("deadlock victim"), "deadlock"},
		{"timeout", errors.New("query timeout expired"), "timeout"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"connection", errors.New("connection refused"), "connection"},
		{"duplicate", errors.New("duplicate key value"), "constraint"},
		{"unknown", errors.New("something else"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRunResultFailed(t *testing.T) {
	clean := &RunResult{Outcomes: []EntityOutcome{
		{Entity: "customers", Upserted: 10},
		{Entity: "orders", Deleted: 2},
	}}
	if clean.Failed() {
		t.Error("Failed() = true for a clean run")
	}

	failed := &RunResult{Outcomes: []EntityOutcome{
		{Entity: "customers", Upserted: 10},
		{Entity: "orders", Err: errors.New("fetch failed")},
	}}
	if !failed.Failed() {
		t.Error("Failed() = false for a run with an entity error")
	}
}

func TestPingReportsLatencyAndError(t *testing.T) {
	ok := ping(context.Background(), func(ctx context.Context) error { return nil })
	if !ok.Connected || ok.Error != "" {
		t.Errorf("ping success = %+v, want connected with no error", ok)
	}

	bad := ping(context.Background(), func(ctx context.Context) error {
		return errors.New("dial tcp: connection refused")
	})
	if bad.Connected {
		t.Error("ping failure reported as connected")
	}
	if bad.Error == "" {
		t.Error("ping failure lost its error message")
	}
}
