package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhoughto/deltamigrate/internal/config"
	"github.com/nhoughto/deltamigrate/internal/entity"
	"github.com/nhoughto/deltamigrate/internal/logging"
)

// Store coordinates checkpoint persistence across the enabled backends.
// Every write goes to all backends; reads prefer the structured store and
// fall back to the file backup.
type Store struct {
	backends []Backend
	cfg      config.CheckpointConfig
}

// NewStore validates configuration and opens the enabled backends.
// Configuration problems are rejected here, before any checkpoint
// operation is attempted.
func NewStore(cfg config.CheckpointConfig) (*Store, error) {
	if !cfg.EnableSQLite && !cfg.EnableFileBackup {
		return nil, fmt.Errorf("checkpoint store: no backend enabled")
	}
	if cfg.MaxCheckpoints <= 0 {
		return nil, fmt.Errorf("checkpoint store: max checkpoints must be positive, got %d", cfg.MaxCheckpoints)
	}
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("checkpoint store: retention days must be positive, got %d", cfg.RetentionDays)
	}

	s := &Store{cfg: cfg}

	if cfg.EnableSQLite {
		b, err := newSQLiteBackend(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.backends = append(s.backends, b)
	}
	if cfg.EnableFileBackup {
		b, err := newFileBackend(cfg.BackupDir)
		if err != nil {
			return nil, err
		}
		s.backends = append(s.backends, b)
	}

	return s, nil
}

// Close releases all backend resources.
func (s *Store) Close() error {
	var firstErr error
	for _, b := range s.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// validateInput itemizes every problem with a create payload. Nothing is
// written when any problem exists.
func validateInput(in CreateInput) []string {
	var errs []string
	if in.SessionID == "" {
		errs = append(errs, "session ID is required")
	}
	if in.EntityType == "" {
		errs = append(errs, "entity type is required")
	}
	if in.BatchPosition < 0 {
		errs = append(errs, fmt.Sprintf("batch position must be non-negative, got %d", in.BatchPosition))
	}
	if in.RecordsProcessed < 0 {
		errs = append(errs, fmt.Sprintf("records processed must be non-negative, got %d", in.RecordsProcessed))
	}
	if in.RecordsRemaining < 0 {
		errs = append(errs, fmt.Sprintf("records remaining must be non-negative, got %d", in.RecordsRemaining))
	}
	return errs
}

// Create validates and persists a new checkpoint. Persisting to at least
// one backend is a success; the result's warnings name any backend that
// failed. Total failure of every backend is the only error outcome.
func (s *Store) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	result := &CreateResult{}

	if errs := validateInput(in); len(errs) > 0 {
		result.ValidationErrors = errs
		return result, nil
	}

	data := in.Data
	if data == nil {
		data = &Data{}
	}

	serialized, err := SerializeState(data, s.cfg.CompressionThreshold)
	if err != nil {
		return result, err
	}
	result.Warnings = append(result.Warnings, serialized.Warnings...)

	now := time.Now()
	rec := &Record{
		ID:               uuid.NewString(),
		SessionID:        in.SessionID,
		EntityType:       in.EntityType,
		LastProcessedID:  in.LastProcessedID,
		BatchPosition:    in.BatchPosition,
		RecordsProcessed: in.RecordsProcessed,
		RecordsRemaining: in.RecordsRemaining,
		Data:             data,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
		stateBlob:        serialized.Data,
		checksum:         serialized.Checksum,
	}

	var failures []error
	for _, b := range s.backends {
		if err := b.Save(ctx, rec); err != nil {
			failures = append(failures, &BackendUnavailableError{Backend: b.Name(), Err: err})
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s backend write failed: %v", b.Name(), err))
			continue
		}
		result.BackupLocations = append(result.BackupLocations, b.Name())
	}

	if len(result.BackupLocations) == 0 {
		return result, fmt.Errorf("checkpoint create failed on every backend: %w", errors.Join(failures...))
	}

	result.Success = true
	result.CheckpointID = rec.ID
	return result, nil
}

// Load retrieves a checkpoint, preferring the structured store. Integrity
// is verified before data is exposed: a copy whose checksum does not match
// is treated as unusable and the next backend is tried. When every copy is
// missing or corrupt, Success is false.
func (s *Store) Load(ctx context.Context, id string) (*LoadResult, error) {
	result := &LoadResult{}

	sawIntegrityFailure := false
	for i, b := range s.backends {
		rec, err := b.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logging.Warn("checkpoint %s: %s backend load failed: %v", id, b.Name(), err)
			}
			continue
		}

		data, err := decodeData(rec.stateBlob, rec.checksum)
		if err != nil {
			var integrity *IntegrityError
			if errors.As(err, &integrity) {
				sawIntegrityFailure = true
				logging.Warn("checkpoint %s: %s backend copy failed integrity check", id, b.Name())
				continue
			}
			logging.Warn("checkpoint %s: %s backend copy unreadable: %v", id, b.Name(), err)
			continue
		}

		rec.Data = data
		result.Success = true
		result.Record = rec
		result.Source = b.Name()
		result.FallbackUsed = i > 0
		return result, nil
	}

	if sawIntegrityFailure {
		result.ValidationErrors = append(result.ValidationErrors, "integrity check failed")
	} else {
		result.ValidationErrors = append(result.ValidationErrors, "checkpoint not found")
	}
	return result, nil
}

// UpdateProgress persists per-batch progress against an existing
// checkpoint. Records processed must never decrease; updates bump the
// optimistic version so a stale concurrent owner loses instead of
// clobbering newer progress.
func (s *Store) UpdateProgress(ctx context.Context, id string, upd ProgressUpdate) (*UpdateResult, error) {
	result := &UpdateResult{}

	loaded, err := s.Load(ctx, id)
	if err != nil {
		return result, err
	}
	if !loaded.Success {
		result.ValidationErrors = loaded.ValidationErrors
		return result, nil
	}
	current := loaded.Record

	if upd.RecordsProcessed < current.RecordsProcessed {
		result.ValidationErrors = append(result.ValidationErrors,
			fmt.Sprintf("records processed cannot decrease (%d -> %d)", current.RecordsProcessed, upd.RecordsProcessed))
	}
	if upd.BatchPosition < 0 || upd.RecordsProcessed < 0 || upd.RecordsRemaining < 0 {
		result.ValidationErrors = append(result.ValidationErrors, "progress counters must be non-negative")
	}
	if len(result.ValidationErrors) > 0 {
		return result, nil
	}

	data := upd.Data
	if data == nil {
		data = current.Data
	}
	serialized, err := SerializeState(data, s.cfg.CompressionThreshold)
	if err != nil {
		return result, err
	}
	result.Warnings = append(result.Warnings, serialized.Warnings...)

	updated := &Record{
		ID:               current.ID,
		SessionID:        current.SessionID,
		EntityType:       current.EntityType,
		LastProcessedID:  upd.LastProcessedID,
		BatchPosition:    upd.BatchPosition,
		RecordsProcessed: upd.RecordsProcessed,
		RecordsRemaining: upd.RecordsRemaining,
		Data:             data,
		CreatedAt:        current.CreatedAt,
		UpdatedAt:        time.Now(),
		Version:          current.Version + 1,
		stateBlob:        serialized.Data,
		checksum:         serialized.Checksum,
	}

	var failures []error
	applied := 0
	for _, b := range s.backends {
		if err := b.Update(ctx, updated, current.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return result, fmt.Errorf("checkpoint %s: %w (another owner updated it)", id, err)
			}
			if errors.Is(err, ErrNotFound) {
				// Re-seed a backend that missed the original create.
				if saveErr := b.Save(ctx, updated); saveErr == nil {
					applied++
					continue
				}
			}
			failures = append(failures, &BackendUnavailableError{Backend: b.Name(), Err: err})
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s backend update failed: %v", b.Name(), err))
			continue
		}
		applied++
	}

	if applied == 0 {
		return result, fmt.Errorf("checkpoint update failed on every backend: %w", errors.Join(failures...))
	}

	result.Success = true
	result.Record = updated
	return result, nil
}

// List returns a session's checkpoints, newest first, from the first
// backend that answers.
func (s *Store) List(ctx context.Context, sessionID, entityType string) ([]*Record, error) {
	var lastErr error
	for _, b := range s.backends {
		recs, err := b.List(ctx, sessionID, entityType)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rec := range recs {
			if data, err := decodeData(rec.stateBlob, rec.checksum); err == nil {
				rec.Data = data
			}
		}
		return recs, nil
	}
	return nil, fmt.Errorf("listing checkpoints: %w", lastErr)
}

// IsResumable reports whether a run can resume from this checkpoint, and
// every reason blocking it when it cannot.
func (s *Store) IsResumable(rec *Record) (bool, []string) {
	var reasons []string

	if rec.RecordsRemaining <= 0 {
		reasons = append(reasons, "checkpoint is complete; nothing to resume")
	}
	if rec.Data == nil {
		reasons = append(reasons, "checkpoint data is missing or malformed")
	}
	maxAge := time.Duration(s.cfg.ResumeMaxAgeHours) * time.Hour
	if time.Since(rec.UpdatedAt) > maxAge {
		reasons = append(reasons, fmt.Sprintf("checkpoint is stale (last updated %s, max age %s)",
			rec.UpdatedAt.Format(time.RFC3339), maxAge))
	}
	if _, err := entity.ParseKind(rec.EntityType); err != nil {
		reasons = append(reasons, fmt.Sprintf("entity type %q is not recognized", rec.EntityType))
	}

	return len(reasons) == 0, reasons
}

// Status classifies a checkpoint for reporting: completed, active, or
// needs_attention when an incomplete checkpoint has gone quiet for longer
// than the stall window.
func (s *Store) Status(rec *Record) string {
	if rec.IsComplete() {
		return StatusCompleted
	}
	stallWindow := time.Duration(s.cfg.StallWindowMinutes) * time.Minute
	if time.Since(rec.UpdatedAt) > stallWindow {
		return StatusNeedsAttention
	}
	return StatusActive
}

// GetRecoveryInfo lists a run's checkpoints for one entity type and
// recommends the most recent one with work remaining.
func (s *Store) GetRecoveryInfo(ctx context.Context, sessionID string, entityType string) (*RecoveryInfo, error) {
	recs, err := s.List(ctx, sessionID, entityType)
	if err != nil {
		return nil, err
	}

	info := &RecoveryInfo{
		SessionID:   sessionID,
		EntityType:  entityType,
		Checkpoints: recs,
	}

	for _, rec := range recs {
		if rec.RecordsRemaining > 0 {
			info.Recommended = rec
			break
		}
	}

	if info.Recommended == nil {
		info.Reasons = append(info.Reasons, "no incomplete checkpoint to resume from")
		return info, nil
	}

	info.Resumable, info.Reasons = s.IsResumable(info.Recommended)

	if info.Recommended.Data != nil {
		perRecordMs := info.Recommended.Data.Performance.AvgRecordMillis
		if perRecordMs > 0 {
			info.EstimatedRecovery = time.Duration(
				perRecordMs*float64(info.Recommended.RecordsRemaining)) * time.Millisecond
		}
	}
	return info, nil
}

// CleanupOld deletes checkpoints older than the retention window from
// every backend. Returns the total number removed.
func (s *Store) CleanupOld(ctx context.Context) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	total := 0
	var failures []error
	for _, b := range s.backends {
		n, err := b.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			failures = append(failures, &BackendUnavailableError{Backend: b.Name(), Err: err})
			continue
		}
		total += n
	}

	if len(failures) == len(s.backends) {
		return 0, fmt.Errorf("cleanup failed on every backend: %w", errors.Join(failures...))
	}
	if total > 0 {
		logging.Debug("checkpoint cleanup removed %d entries older than %d days", total, s.cfg.RetentionDays)
	}
	return total, nil
}

// EnforceLimit caps a session's checkpoint count, deleting the oldest
// excess and always keeping the newest MaxCheckpoints.
func (s *Store) EnforceLimit(ctx context.Context, sessionID string) (int, error) {
	recs, err := s.List(ctx, sessionID, "")
	if err != nil {
		return 0, err
	}
	if len(recs) <= s.cfg.MaxCheckpoints {
		return 0, nil
	}

	// List returns newest first, so everything past the cap is oldest.
	excess := recs[s.cfg.MaxCheckpoints:]
	deleted := 0
	for _, rec := range excess {
		removed := false
		for _, b := range s.backends {
			if err := b.Delete(ctx, rec.ID); err == nil {
				removed = true
			}
		}
		if removed {
			deleted++
		}
	}

	logging.Debug("checkpoint limit enforced for session %s: removed %d of %d", sessionID, deleted, len(recs))
	return deleted, nil
}

// GetStorageStatistics aggregates usage across all backends.
func (s *Store) GetStorageStatistics(ctx context.Context) (*StorageStatistics, error) {
	stats := &StorageStatistics{}
	for _, b := range s.backends {
		bs, _ := b.Stats(ctx)
		stats.Backends = append(stats.Backends, bs)
		if bs.Count > stats.TotalCount {
			// Backends hold copies of the same records; report the fullest.
			stats.TotalCount = bs.Count
		}
		if !bs.Oldest.IsZero() && (stats.OldestEntry.IsZero() || bs.Oldest.Before(stats.OldestEntry)) {
			stats.OldestEntry = bs.Oldest
		}
		if bs.Newest.After(stats.NewestEntry) {
			stats.NewestEntry = bs.Newest
		}
	}
	return stats, nil
}

// StartCleanup runs retention cleanup on a timer until the context is
// cancelled. Intended to run alongside the driver's batch loop.
func (s *Store) StartCleanup(ctx context.Context) {
	interval := time.Duration(s.cfg.CleanupIntervalMins) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupOld(ctx); err != nil {
				logging.Warn("periodic checkpoint cleanup failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
