package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nhoughto/deltamigrate/internal/entity"
	"github.com/nhoughto/deltamigrate/internal/util"
)

// Report status classifications, from best to worst.
const (
	StatusHealthy        = "healthy"
	StatusGapsDetected   = "gaps_detected"
	StatusCriticalIssues = "critical_issues"
)

// criticalMissingMappings is the per-entity missing-column count beyond
// which the whole report is classified critical.
const criticalMissingMappings = 5

// EntitySummary is one entity's row in the baseline report.
type EntitySummary struct {
	EntityType    string
	SourceCount   int64
	DestCount     int64
	RecordGap     int64
	GapPercentage float64
	TotalChanges  int
	MappingValid  bool
	MissingCount  int
	Estimate      string
}

// BaselineReport aggregates per-entity analysis into a run-seeding report.
type BaselineReport struct {
	GeneratedAt   time.Time
	Entities      []EntitySummary
	AverageGapPct float64
	Status        string
	Results       []*Result // retained so the driver can seed batches directly
}

// GenerateBaselineReport analyzes and validates the given entity kinds and
// classifies overall migration health.
func (a *Analyzer) GenerateBaselineReport(ctx context.Context, kinds []entity.Kind, lastMigration *time.Time) (*BaselineReport, error) {
	report := &BaselineReport{GeneratedAt: time.Now()}

	var gapSum float64
	var anyGaps, anyInvalid, anyCriticalMappings bool

	for _, kind := range kinds {
		result, err := a.AnalyzeEntity(ctx, kind, lastMigration)
		if err != nil {
			return nil, err
		}
		validation, err := a.ValidateMappings(ctx, kind)
		if err != nil {
			return nil, err
		}

		summary := EntitySummary{
			EntityType:    result.EntityType,
			SourceCount:   result.SourceCount,
			DestCount:     result.DestinationCount,
			RecordGap:     result.RecordGap,
			GapPercentage: result.GapPercentage,
			TotalChanges:  result.TotalChanges(),
			MappingValid:  validation.Valid,
			MissingCount:  len(validation.MissingColumns),
			Estimate:      EstimateProcessingTime(result, a.BaselineRecsPerSec),
		}
		report.Entities = append(report.Entities, summary)
		report.Results = append(report.Results, result)

		gapSum += result.GapPercentage
		if result.HasGaps() {
			anyGaps = true
		}
		if !validation.Valid {
			anyInvalid = true
		}
		if len(validation.MissingColumns) > criticalMissingMappings {
			anyCriticalMappings = true
		}
	}

	if len(report.Entities) > 0 {
		report.AverageGapPct = util.Round2(gapSum / float64(len(report.Entities)))
	}

	switch {
	case report.AverageGapPct > 15 || anyCriticalMappings:
		report.Status = StatusCriticalIssues
	case (anyGaps && report.AverageGapPct > 5) || anyInvalid:
		report.Status = StatusGapsDetected
	default:
		report.Status = StatusHealthy
	}

	return report, nil
}

// String renders the report as an operator-facing table.
func (r *BaselineReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Baseline analysis (%s) status: %s, avg gap %.2f%%\n",
		r.GeneratedAt.Format(time.RFC3339), r.Status, r.AverageGapPct)
	fmt.Fprintf(&sb, "%-14s %12s %12s %8s %8s %9s %8s  %s\n",
		"entity", "source", "destination", "gap", "gap%", "changes", "mapping", "estimate")
	for _, e := range r.Entities {
		mapping := "ok"
		if !e.MappingValid {
			mapping = fmt.Sprintf("%d missing", e.MissingCount)
		}
		fmt.Fprintf(&sb, "%-14s %12s %12s %8d %7.2f%% %9s %8s  %s\n",
			e.EntityType,
			humanize.Comma(e.SourceCount),
			humanize.Comma(e.DestCount),
			e.RecordGap, e.GapPercentage,
			humanize.Comma(int64(e.TotalChanges)),
			mapping, e.Estimate)
	}
	return sb.String()
}
