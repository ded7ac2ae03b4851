package analysis

import (
	"fmt"
	"sort"
	"time"

	"github.com/nhoughto/deltamigrate/internal/entity"
	"github.com/nhoughto/deltamigrate/internal/util"
)

// MaxTotalChanges is the default cap on the combined size of the three ID
// sets in a single analysis result, bounding downstream batch planning.
// migration.max_total_changes overrides it per deployment.
const MaxTotalChanges = 1_000_000

// futureSkewTolerance is how far ahead of wall-clock time an analysis
// timestamp may sit before it is rejected.
const futureSkewTolerance = time.Hour

// Result is the outcome of analyzing one entity type: counts, gap, and the
// classified ID sets. Results are immutable once constructed; Merge returns
// a new Result rather than modifying either input.
type Result struct {
	EntityType       string
	SourceCount      int64
	DestinationCount int64

	// Pairwise disjoint after construction: deleted wins over modified,
	// modified wins over new.
	NewRecordIDs      []string
	ModifiedRecordIDs []string
	DeletedRecordIDs  []string

	RecordGap     int64
	GapPercentage float64

	LastMigrationTimestamp *time.Time
	AnalysisTimestamp      time.Time
}

// NewResult validates and constructs a Result. The three ID sets are
// deduplicated and reconciled by priority (deleted > modified > new) before
// the size cap is checked. maxChanges bounds the combined reconciled sets;
// zero or negative applies MaxTotalChanges.
func NewResult(kind entity.Kind, sourceCount, destCount int64, newIDs, modifiedIDs, deletedIDs []string, lastMigration *time.Time, analyzedAt time.Time, maxChanges int) (*Result, error) {
	if maxChanges <= 0 {
		maxChanges = MaxTotalChanges
	}
	if sourceCount < 0 || destCount < 0 {
		return nil, fmt.Errorf("analysis %s: negative counts (source=%d destination=%d)", kind, sourceCount, destCount)
	}
	if analyzedAt.After(time.Now().Add(futureSkewTolerance)) {
		return nil, fmt.Errorf("analysis %s: analysis timestamp %s is too far in the future", kind, analyzedAt.Format(time.RFC3339))
	}
	if lastMigration != nil && lastMigration.After(analyzedAt) {
		return nil, fmt.Errorf("analysis %s: last migration timestamp %s is after analysis timestamp %s",
			kind, lastMigration.Format(time.RFC3339), analyzedAt.Format(time.RFC3339))
	}

	deleted := dedupe(deletedIDs)
	modified := subtract(dedupe(modifiedIDs), deleted)
	added := subtract(subtract(dedupe(newIDs), deleted), modified)

	total := len(added) + len(modified) + len(deleted)
	if total > maxChanges {
		return nil, fmt.Errorf("analysis %s: %d total changes exceeds cap of %d", kind, total, maxChanges)
	}

	gap := sourceCount - destCount
	var gapPct float64
	if sourceCount > 0 {
		gapPct = util.Round2(float64(gap) / float64(sourceCount) * 100)
	}

	return &Result{
		EntityType:             kind.String(),
		SourceCount:            sourceCount,
		DestinationCount:       destCount,
		NewRecordIDs:           added,
		ModifiedRecordIDs:      modified,
		DeletedRecordIDs:       deleted,
		RecordGap:              gap,
		GapPercentage:          gapPct,
		LastMigrationTimestamp: lastMigration,
		AnalysisTimestamp:      analyzedAt,
	}, nil
}

// TotalChanges returns the combined size of the three ID sets.
func (r *Result) TotalChanges() int {
	return len(r.NewRecordIDs) + len(r.ModifiedRecordIDs) + len(r.DeletedRecordIDs)
}

// HasGaps reports whether source and destination populations differ.
func (r *Result) HasGaps() bool {
	return r.RecordGap != 0 || r.TotalChanges() > 0
}

// MergeResults unions the ID sets of two results for the same entity type,
// resolves membership conflicts by priority (deleted > modified > new), and
// adopts the counts and timestamp of the more recent result.
func MergeResults(base, incremental *Result) (*Result, error) {
	if base.EntityType != incremental.EntityType {
		return nil, fmt.Errorf("cannot merge analysis results for %q and %q", base.EntityType, incremental.EntityType)
	}

	later := base
	if incremental.AnalysisTimestamp.After(base.AnalysisTimestamp) {
		later = incremental
	}

	deleted := dedupe(append(append([]string{}, base.DeletedRecordIDs...), incremental.DeletedRecordIDs...))
	modified := subtract(
		dedupe(append(append([]string{}, base.ModifiedRecordIDs...), incremental.ModifiedRecordIDs...)),
		deleted)
	added := subtract(subtract(
		dedupe(append(append([]string{}, base.NewRecordIDs...), incremental.NewRecordIDs...)),
		deleted), modified)

	total := len(added) + len(modified) + len(deleted)
	if total > MaxTotalChanges {
		return nil, fmt.Errorf("merged analysis for %s: %d total changes exceeds cap of %d", base.EntityType, total, MaxTotalChanges)
	}

	var lastMigration *time.Time
	if later.LastMigrationTimestamp != nil {
		t := *later.LastMigrationTimestamp
		lastMigration = &t
	}

	return &Result{
		EntityType:             base.EntityType,
		SourceCount:            later.SourceCount,
		DestinationCount:       later.DestinationCount,
		NewRecordIDs:           added,
		ModifiedRecordIDs:      modified,
		DeletedRecordIDs:       deleted,
		RecordGap:              later.RecordGap,
		GapPercentage:          later.GapPercentage,
		LastMigrationTimestamp: lastMigration,
		AnalysisTimestamp:      later.AnalysisTimestamp,
	}, nil
}

// EstimateProcessingTime converts a result's change volume into a rough
// human-readable duration, scaled by the entity's complexity multiplier
// over the configured baseline records/sec.
func EstimateProcessingTime(r *Result, baselineRecsPerSec float64) string {
	if baselineRecsPerSec <= 0 {
		baselineRecsPerSec = 100
	}

	complexity := 1.5
	if k, err := entity.ParseKind(r.EntityType); err == nil {
		complexity = k.Complexity()
	}

	effective := baselineRecsPerSec / complexity
	seconds := float64(r.TotalChanges()) / effective
	d := time.Duration(seconds * float64(time.Second))

	switch {
	case d < time.Second:
		return "under 1s"
	case d < time.Minute:
		return fmt.Sprintf("~%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("~%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("~%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// dedupe returns a sorted copy of ids with duplicates removed.
func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// subtract returns the members of a not present in b. Both inputs must be
// deduplicated; the result preserves a's order.
func subtract(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return a
	}
	drop := make(map[string]struct{}, len(b))
	for _, id := range b {
		drop[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
