package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhoughto/deltamigrate/internal/analysis"
	"github.com/nhoughto/deltamigrate/internal/checkpoint"
	"github.com/nhoughto/deltamigrate/internal/entity"
	"github.com/nhoughto/deltamigrate/internal/logging"
	"github.com/nhoughto/deltamigrate/internal/progress"
	"github.com/nhoughto/deltamigrate/internal/util"
	"github.com/nhoughto/deltamigrate/internal/version"
)

const maxBatchRetries = 3

// RunOptions configures one migration run.
type RunOptions struct {
	Kinds []entity.Kind // empty means all known kinds

	// SessionID groups the run's checkpoints. Leave empty for a fresh run;
	// pass a previous run's ID together with Resume to continue it.
	SessionID string
	Resume    bool

	// Since enables modified-record detection against the previous
	// migration timestamp. Nil analyzes new and deleted records only.
	Since *time.Time
}

// EntityOutcome is the per-entity result of a run.
type EntityOutcome struct {
	Entity   string
	Upserted int64
	Deleted  int64

	// PriorCompleted is the record count an interrupted run had already
	// committed before this one resumed it.
	PriorCompleted int64

	Err error
}

// RunResult summarizes a migration run.
type RunResult struct {
	SessionID string
	Outcomes  []EntityOutcome
	Elapsed   time.Duration
}

// Failed reports whether any entity failed.
func (r *RunResult) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return true
		}
	}
	return false
}

// Run executes a differential migration for the selected entity kinds.
// Entities process with bounded concurrency; the governor's control loop
// and checkpoint cleanup run alongside for the duration of the run.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	started := time.Now()

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = entity.Kinds
	}

	logging.Info("migration run %s starting: %d entity types, concurrency %d",
		sessionID, len(kinds), o.cfg.Migration.MaxConcurrency)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.gov.Run(runCtx)
	go o.store.StartCleanup(runCtx)

	outcomes := make([]EntityOutcome, len(kinds))
	sem := make(chan struct{}, o.cfg.Migration.MaxConcurrency)
	var wg sync.WaitGroup

	for i, kind := range kinds {
		select {
		case <-ctx.Done():
			outcomes[i] = EntityOutcome{Entity: kind.String(), Err: ctx.Err()}
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, k entity.Kind) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = o.migrateEntity(runCtx, sessionID, k, opts)
		}(i, kind)
	}
	wg.Wait()

	result := &RunResult{
		SessionID: sessionID,
		Outcomes:  outcomes,
		Elapsed:   time.Since(started),
	}

	for _, out := range outcomes {
		if out.Err != nil {
			logging.Error("entity %s failed: %v", out.Entity, out.Err)
		}
	}
	logging.Info("migration run %s finished in %s", sessionID, result.Elapsed.Round(time.Second))
	return result, nil
}

// migrateEntity analyzes one entity and moves its changed records in
// governor-sized batches, checkpointing after every batch.
func (o *Orchestrator) migrateEntity(ctx context.Context, sessionID string, kind entity.Kind, opts RunOptions) EntityOutcome {
	out := EntityOutcome{Entity: kind.String()}

	res, err := o.analyzer.AnalyzeEntity(ctx, kind, opts.Since)
	if err != nil {
		out.Err = fmt.Errorf("analyzing %s: %w", kind, err)
		return out
	}

	// Upserts first (new then modified, already disjoint and sorted),
	// deletions after.
	upserts := make([]string, 0, len(res.NewRecordIDs)+len(res.ModifiedRecordIDs))
	upserts = append(upserts, res.NewRecordIDs...)
	upserts = append(upserts, res.ModifiedRecordIDs...)
	deletes := res.DeletedRecordIDs
	pending := int64(len(upserts) + len(deletes))

	if pending == 0 {
		logging.Info("%s: no changes detected", kind)
		return out
	}
	logging.Info("%s: %d new, %d modified, %d deleted (gap %.1f%%)",
		kind, len(res.NewRecordIDs), len(res.ModifiedRecordIDs), len(res.DeletedRecordIDs), res.GapPercentage)

	session := &entitySession{
		o:         o,
		kind:      kind,
		sessionID: sessionID,
		tracker:   progress.New(kind.String()),
		startedAt: time.Now(),
	}

	// Records committed by an interrupted run are already in the
	// destination, so the analysis above no longer lists them: every entry
	// in the fresh work list still needs moving, and processing starts at
	// its beginning. The prior run's processed count carries forward only
	// so the checkpoint counters stay monotonic and totals add up.
	if opts.Resume {
		session.base = session.adoptCheckpoint(ctx)
		out.PriorCompleted = session.base
	}
	session.total = session.base + pending

	session.tracker.SetTotal(session.total)
	session.tracker.Add(session.base)
	defer session.tracker.Finish()

	if session.checkpointID == "" {
		if err := session.create(ctx); err != nil {
			out.Err = err
			return out
		}
	}

	out.Upserted, err = session.processList(ctx, upserts, 0, func(ids []string) (int64, error) {
		return o.upsertBatch(ctx, kind, ids)
	})
	if err != nil {
		out.Err = err
		return out
	}

	out.Deleted, err = session.processList(ctx, deletes, int64(len(upserts)), func(ids []string) (int64, error) {
		return o.target.DeleteByLegacyIDs(ctx, kind.DestTable(), ids)
	})
	if err != nil {
		out.Err = err
		return out
	}

	if _, err := o.store.EnforceLimit(ctx, sessionID); err != nil {
		logging.Warn("%s: checkpoint limit enforcement failed: %v", kind, err)
	}
	return out
}

// upsertBatch copies one batch of records from source to destination. The
// source ID column maps to legacy_id; remaining columns map by lowercased
// name.
func (o *Orchestrator) upsertBatch(ctx context.Context, kind entity.Kind, ids []string) (int64, error) {
	cols, rows, err := o.source.FetchRows(ctx, kind.SourceTable(), kind.IDColumn(), ids)
	if err != nil {
		return 0, fmt.Errorf("fetching %s batch: %w", kind, err)
	}
	if len(rows) == 0 {
		// Records can disappear between analysis and fetch; the deletion
		// pass of a later run picks them up.
		return 0, nil
	}

	destCols := make([]string, len(cols))
	for i, c := range cols {
		if strings.EqualFold(c, kind.IDColumn()) {
			destCols[i] = "legacy_id"
			continue
		}
		destCols[i] = strings.ToLower(c)
	}

	n, err := o.target.UpsertRows(ctx, kind.DestTable(), destCols, rows)
	if err != nil {
		return 0, fmt.Errorf("upserting %s batch: %w", kind, err)
	}
	return n, nil
}

// entitySession carries per-entity checkpoint state through the batch loop.
type entitySession struct {
	o         *Orchestrator
	kind      entity.Kind
	sessionID string
	tracker   *progress.Tracker
	startedAt time.Time

	// base is the processed count inherited from an interrupted run; the
	// current work list excludes those records, so positions in it are
	// offset by base when checkpointed.
	base  int64
	total int64

	checkpointID string
	batchNum     int64
	errorCount   int
	lastError    string
}

// adoptCheckpoint takes over the recommended checkpoint for this entity
// and returns how many records the earlier run already committed. A
// non-resumable or absent checkpoint starts the session fresh.
func (s *entitySession) adoptCheckpoint(ctx context.Context) int64 {
	info, err := s.o.store.GetRecoveryInfo(ctx, s.sessionID, s.kind.String())
	if err != nil {
		logging.Warn("%s: recovery lookup failed, starting fresh: %v", s.kind, err)
		return 0
	}
	if info.Recommended == nil {
		return 0
	}
	if !info.Resumable {
		logging.Warn("%s: checkpoint %s not resumable (%s), starting fresh",
			s.kind, info.Recommended.ID, strings.Join(info.Reasons, "; "))
		return 0
	}

	s.checkpointID = info.Recommended.ID
	s.batchNum = info.Recommended.BatchPosition
	logging.Info("%s: resuming checkpoint %s, %d records done in the earlier run (est. %s remaining)",
		s.kind, s.checkpointID, info.Recommended.RecordsProcessed,
		info.EstimatedRecovery.Round(time.Second))
	return info.Recommended.RecordsProcessed
}

// processList moves one phase's work list in governor-sized batches,
// checkpointing after each. phaseOffset is the count of current-list
// records completed by earlier phases.
func (s *entitySession) processList(ctx context.Context, ids []string, phaseOffset int64, exec func([]string) (int64, error)) (int64, error) {
	var affected int64
	pos := int64(0)
	for pos < int64(len(ids)) {
		size := int64(s.o.gov.CurrentOptimization().BatchSize)
		end := pos + size
		if end > int64(len(ids)) {
			end = int64(len(ids))
		}
		batch := ids[pos:end]

		n, err := s.runBatch(ctx, batch, func() (int64, error) {
			return exec(batch)
		})
		if err != nil {
			return affected, err
		}
		affected += n
		pos = end
		if err := s.checkpointAt(ctx, s.base+phaseOffset+pos, batch[len(batch)-1]); err != nil {
			return affected, err
		}
	}
	return affected, nil
}

func (s *entitySession) create(ctx context.Context) error {
	created, err := s.o.store.Create(ctx, checkpoint.CreateInput{
		SessionID:        s.sessionID,
		EntityType:       s.kind.String(),
		RecordsProcessed: s.base,
		RecordsRemaining: s.total - s.base,
		Data:             s.data(),
	})
	if err != nil {
		return fmt.Errorf("creating checkpoint for %s: %w", s.kind, err)
	}
	if !created.Success {
		return fmt.Errorf("creating checkpoint for %s: %s", s.kind, strings.Join(created.ValidationErrors, "; "))
	}
	for _, w := range created.Warnings {
		logging.Warn("%s checkpoint: %s", s.kind, w)
	}
	s.checkpointID = created.CheckpointID
	return nil
}

// runBatch executes one batch with retry and reports the outcome to the
// governor and tracker.
func (s *entitySession) runBatch(ctx context.Context, ids []string, fn func() (int64, error)) (int64, error) {
	var n int64
	var err error

	for attempt := 0; attempt <= maxBatchRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			logging.Warn("%s: retry %d/%d after %v (error: %v)", s.kind, attempt, maxBatchRetries, backoff, err)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		n, err = fn()
		if err == nil {
			s.o.gov.RecordBatchCompletion(s.kind.String(), int64(len(ids)), time.Since(start))
			s.tracker.Add(int64(len(ids)))
			return n, nil
		}

		retryable := isRetryable(err)
		s.o.gov.RecordError(s.kind.String(), classifyError(err), retryable)
		s.errorCount++
		s.lastError = err.Error()
		if !retryable {
			break
		}
	}

	s.tracker.AddError()
	return 0, err
}

// checkpointAt persists progress after a completed batch.
func (s *entitySession) checkpointAt(ctx context.Context, pos int64, lastID string) error {
	s.batchNum++
	result, err := s.o.store.UpdateProgress(ctx, s.checkpointID, checkpoint.ProgressUpdate{
		LastProcessedID:  lastID,
		BatchPosition:    s.batchNum,
		RecordsProcessed: pos,
		RecordsRemaining: s.total - pos,
		Data:             s.data(),
	})
	if err != nil {
		return fmt.Errorf("checkpointing %s: %w", s.kind, err)
	}
	if !result.Success {
		return fmt.Errorf("checkpointing %s: %s", s.kind, strings.Join(result.ValidationErrors, "; "))
	}
	for _, w := range result.Warnings {
		logging.Warn("%s checkpoint: %s", s.kind, w)
	}
	return nil
}

// data assembles the state blob stored with each checkpoint.
func (s *entitySession) data() *checkpoint.Data {
	rate := s.tracker.Rate()
	avgMillis := 0.0
	if rate > 0 {
		avgMillis = util.Round2(1000 / rate)
	}

	hostname, _ := os.Hostname()
	return &checkpoint.Data{
		Processing: checkpoint.ProcessingState{
			CurrentBatch: s.batchNum,
			BatchSize:    s.o.gov.CurrentOptimization().BatchSize,
			ErrorCount:   s.errorCount,
			LastError:    s.lastError,
		},
		Performance: checkpoint.PerfSnapshot{
			RecordsPerSecond: util.Round2(rate),
			AvgRecordMillis:  avgMillis,
			PeakThroughput:   util.Round2(s.o.gov.GenerateOptimizationSummary().PeakThroughput),
		},
		Meta: checkpoint.Metadata{
			StartedAt:     s.startedAt,
			Hostname:      hostname,
			EngineVersion: version.Version,
		},
	}
}

// Analyze runs delta detection without moving any records.
func (o *Orchestrator) Analyze(ctx context.Context, kinds []entity.Kind, since *time.Time) (*analysis.BaselineReport, error) {
	if len(kinds) == 0 {
		kinds = entity.Kinds
	}
	return o.analyzer.GenerateBaselineReport(ctx, kinds, since)
}

// isRetryable classifies transient failures worth backing off and
// retrying.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"deadlock",
		"timeout",
		"connection reset",
		"connection refused",
		"broken pipe",
		"too many connections",
		"serialization failure",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classifyError buckets an error for the governor's per-type counts.
func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadlock"):
		return "deadlock"
	case strings.Contains(msg, "timeout") || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case strings.Contains(msg, "connection"):
		return "connection"
	case strings.Contains(msg, "constraint") || strings.Contains(msg, "duplicate"):
		return "constraint"
	default:
		return "other"
	}
}
