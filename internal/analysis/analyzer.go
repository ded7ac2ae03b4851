// Package analysis implements the delta detector: it compares source and
// destination record populations per entity type, classifies the difference
// into new, modified, and deleted ID sets, and produces the baseline report
// that seeds a migration run.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/nhoughto/deltamigrate/internal/entity"
	"github.com/nhoughto/deltamigrate/internal/logging"
	"github.com/nhoughto/deltamigrate/internal/source"
	"github.com/nhoughto/deltamigrate/internal/target"
)

// SourceReader is the subset of the source pool the analyzer needs.
type SourceReader interface {
	CountRows(ctx context.Context, table string) (int64, error)
	Columns(ctx context.Context, table string) ([]source.Column, error)
	FetchIDs(ctx context.Context, table, idColumn string) ([]string, error)
	ModifiedIDsSince(ctx context.Context, table, idColumn, modColumn string, since time.Time) ([]string, error)
	Ping(ctx context.Context) error
}

// TargetReader is the subset of the target pool the analyzer needs.
type TargetReader interface {
	CountRows(ctx context.Context, table string) (int64, error)
	Columns(ctx context.Context, table string) ([]target.Column, error)
	LegacyIDs(ctx context.Context, table string) ([]string, error)
	Ping(ctx context.Context) error
}

// systemColumns are destination-side bookkeeping columns that never map
// back to a source column.
var systemColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
}

// Analyzer produces analysis results by comparing the two databases.
// Column metadata is cached briefly since validateMappings and schema
// comparison hit the same introspection queries.
type Analyzer struct {
	src   SourceReader
	dst   TargetReader
	cache *gocache.Cache

	// BaselineRecsPerSec feeds processing-time estimates.
	BaselineRecsPerSec float64

	// maxTotalChanges bounds each result's combined ID sets; zero applies
	// the package default.
	maxTotalChanges int
}

// NewAnalyzer creates an analyzer over the given readers.
func NewAnalyzer(src SourceReader, dst TargetReader, baselineRecsPerSec float64, maxTotalChanges int) *Analyzer {
	return &Analyzer{
		src:                src,
		dst:                dst,
		cache:              gocache.New(5*time.Minute, 10*time.Minute),
		BaselineRecsPerSec: baselineRecsPerSec,
		maxTotalChanges:    maxTotalChanges,
	}
}

// AnalyzeEntity compares record populations for one entity type.
// lastMigration bounds the modified-record scan; nil means no previous
// migration pass and every overlapping record is left unclassified rather
// than marked modified.
func (a *Analyzer) AnalyzeEntity(ctx context.Context, kind entity.Kind, lastMigration *time.Time) (*Result, error) {
	srcCount, err := a.src.CountRows(ctx, kind.SourceTable())
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", kind, err)
	}
	dstCount, err := a.dst.CountRows(ctx, kind.DestTable())
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", kind, err)
	}

	srcIDs, err := a.src.FetchIDs(ctx, kind.SourceTable(), kind.IDColumn())
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", kind, err)
	}
	dstIDs, err := a.dst.LegacyIDs(ctx, kind.DestTable())
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", kind, err)
	}

	inDest := make(map[string]bool, len(dstIDs))
	for _, id := range dstIDs {
		inDest[id] = true
	}
	inSource := make(map[string]bool, len(srcIDs))
	for _, id := range srcIDs {
		inSource[id] = true
	}

	var newIDs, deletedIDs []string
	for _, id := range srcIDs {
		if !inDest[id] {
			newIDs = append(newIDs, id)
		}
	}
	for _, id := range dstIDs {
		if !inSource[id] {
			deletedIDs = append(deletedIDs, id)
		}
	}

	var modifiedIDs []string
	if lastMigration != nil {
		changed, err := a.src.ModifiedIDsSince(ctx, kind.SourceTable(), kind.IDColumn(), kind.ModifiedColumn(), *lastMigration)
		if err != nil {
			return nil, fmt.Errorf("analyzing %s: %w", kind, err)
		}
		// Only records already present in the destination count as
		// modified; the rest are new.
		for _, id := range changed {
			if inDest[id] {
				modifiedIDs = append(modifiedIDs, id)
			}
		}
	}

	result, err := NewResult(kind, srcCount, dstCount, newIDs, modifiedIDs, deletedIDs, lastMigration, time.Now(), a.maxTotalChanges)
	if err != nil {
		return nil, err
	}

	logging.Debug("analyzed %s: source=%d destination=%d gap=%d (%.2f%%) new=%d modified=%d deleted=%d",
		kind, srcCount, dstCount, result.RecordGap, result.GapPercentage,
		len(result.NewRecordIDs), len(result.ModifiedRecordIDs), len(result.DeletedRecordIDs))

	return result, nil
}

// AnalyzeAllEntities analyzes every known entity kind.
func (a *Analyzer) AnalyzeAllEntities(ctx context.Context, lastMigration *time.Time) ([]*Result, error) {
	results := make([]*Result, 0, len(entity.Kinds))
	for _, kind := range entity.Kinds {
		r, err := a.AnalyzeEntity(ctx, kind, lastMigration)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// TypeMismatch records a column whose types differ between the databases.
// Mismatches are reported for operator review but never fail validation;
// the transformation layer owns type coercion.
type TypeMismatch struct {
	Column     string
	SourceType string
	DestType   string
}

// MappingValidation is the outcome of comparing column sets for one entity.
type MappingValidation struct {
	EntityType      string
	Valid           bool
	MissingColumns  []string // source columns with no destination counterpart
	OrphanedColumns []string // destination columns with no source counterpart
	TypeMismatches  []TypeMismatch
}

// ValidateMappings compares the column sets of an entity's source and
// destination tables. A source column is missing when the destination has
// it under neither its own name nor a legacy_<name> alias. A destination
// column is orphaned when it matches no source column and is neither a
// system column nor legacy-prefixed.
func (a *Analyzer) ValidateMappings(ctx context.Context, kind entity.Kind) (*MappingValidation, error) {
	srcCols, err := a.sourceColumns(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("validating mappings for %s: %w", kind, err)
	}
	dstCols, err := a.destColumns(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("validating mappings for %s: %w", kind, err)
	}

	dstByName := make(map[string]target.Column, len(dstCols))
	for _, c := range dstCols {
		dstByName[strings.ToLower(c.Name)] = c
	}

	v := &MappingValidation{EntityType: kind.String()}

	matchedDest := make(map[string]bool)
	for _, sc := range srcCols {
		name := strings.ToLower(sc.Name)
		dc, direct := dstByName[name]
		if !direct {
			legacy := "legacy_" + name
			if lc, ok := dstByName[legacy]; ok {
				matchedDest[legacy] = true
				if !typesCompatible(sc.DataType, lc.DataType) {
					v.TypeMismatches = append(v.TypeMismatches, TypeMismatch{Column: sc.Name, SourceType: sc.DataType, DestType: lc.DataType})
				}
				continue
			}
			v.MissingColumns = append(v.MissingColumns, sc.Name)
			continue
		}
		matchedDest[name] = true
		if !typesCompatible(sc.DataType, dc.DataType) {
			v.TypeMismatches = append(v.TypeMismatches, TypeMismatch{Column: sc.Name, SourceType: sc.DataType, DestType: dc.DataType})
		}
	}

	for _, dc := range dstCols {
		name := strings.ToLower(dc.Name)
		if matchedDest[name] || systemColumns[name] || strings.HasPrefix(name, "legacy_") {
			continue
		}
		v.OrphanedColumns = append(v.OrphanedColumns, dc.Name)
	}

	v.Valid = len(v.MissingColumns) == 0
	return v, nil
}

// SchemaComparison summarizes structural drift between the two sides of an
// entity mapping.
type SchemaComparison struct {
	EntityType      string
	SourceColumns   int
	DestColumns     int
	OnlyInSource    []string
	OnlyInDest      []string
	CommonColumns   int
	TypeDifferences []TypeMismatch
}

// CompareSchemaVersions reports column-level drift for one entity type.
func (a *Analyzer) CompareSchemaVersions(ctx context.Context, kind entity.Kind) (*SchemaComparison, error) {
	srcCols, err := a.sourceColumns(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("comparing schemas for %s: %w", kind, err)
	}
	dstCols, err := a.destColumns(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("comparing schemas for %s: %w", kind, err)
	}

	cmp := &SchemaComparison{
		EntityType:    kind.String(),
		SourceColumns: len(srcCols),
		DestColumns:   len(dstCols),
	}

	dstByName := make(map[string]target.Column, len(dstCols))
	for _, c := range dstCols {
		dstByName[strings.ToLower(c.Name)] = c
	}
	srcNames := make(map[string]bool, len(srcCols))

	for _, sc := range srcCols {
		name := strings.ToLower(sc.Name)
		srcNames[name] = true
		dc, ok := dstByName[name]
		if !ok {
			cmp.OnlyInSource = append(cmp.OnlyInSource, sc.Name)
			continue
		}
		cmp.CommonColumns++
		if !typesCompatible(sc.DataType, dc.DataType) {
			cmp.TypeDifferences = append(cmp.TypeDifferences, TypeMismatch{Column: sc.Name, SourceType: sc.DataType, DestType: dc.DataType})
		}
	}
	for _, dc := range dstCols {
		if !srcNames[strings.ToLower(dc.Name)] {
			cmp.OnlyInDest = append(cmp.OnlyInDest, dc.Name)
		}
	}
	return cmp, nil
}

// ConnectionStatus is the result of probing both databases.
type ConnectionStatus struct {
	SourceOK  bool
	TargetOK  bool
	SourceErr string
	TargetErr string
}

// TestConnections pings both pools and reports per-side status.
func (a *Analyzer) TestConnections(ctx context.Context) ConnectionStatus {
	status := ConnectionStatus{SourceOK: true, TargetOK: true}
	if err := a.src.Ping(ctx); err != nil {
		status.SourceOK = false
		status.SourceErr = err.Error()
	}
	if err := a.dst.Ping(ctx); err != nil {
		status.TargetOK = false
		status.TargetErr = err.Error()
	}
	return status
}

func (a *Analyzer) sourceColumns(ctx context.Context, kind entity.Kind) ([]source.Column, error) {
	key := "src:" + kind.SourceTable()
	if cached, ok := a.cache.Get(key); ok {
		return cached.([]source.Column), nil
	}
	cols, err := a.src.Columns(ctx, kind.SourceTable())
	if err != nil {
		return nil, err
	}
	a.cache.Set(key, cols, gocache.DefaultExpiration)
	return cols, nil
}

func (a *Analyzer) destColumns(ctx context.Context, kind entity.Kind) ([]target.Column, error) {
	key := "dst:" + kind.DestTable()
	if cached, ok := a.cache.Get(key); ok {
		return cached.([]target.Column), nil
	}
	cols, err := a.dst.Columns(ctx, kind.DestTable())
	if err != nil {
		return nil, err
	}
	a.cache.Set(key, cols, gocache.DefaultExpiration)
	return cols, nil
}

// typeFamilies groups database types that transfer without coercion.
var typeFamilies = map[string]string{
	"int": "integer", "bigint": "integer", "smallint": "integer", "tinyint": "integer", "integer": "integer",
	"nvarchar": "text", "varchar": "text", "nchar": "text", "char": "text", "text": "text", "character varying": "text", "character": "text",
	"datetime": "timestamp", "datetime2": "timestamp", "smalldatetime": "timestamp",
	"timestamp without time zone": "timestamp", "timestamp with time zone": "timestamp", "date": "timestamp",
	"decimal": "numeric", "numeric": "numeric", "money": "numeric", "smallmoney": "numeric",
	"float": "float", "real": "float", "double precision": "float",
	"bit": "boolean", "boolean": "boolean",
	"uniqueidentifier": "uuid", "uuid": "uuid",
}

func typesCompatible(srcType, dstType string) bool {
	s := strings.ToLower(strings.TrimSpace(srcType))
	d := strings.ToLower(strings.TrimSpace(dstType))
	if s == d {
		return true
	}
	sf, sok := typeFamilies[s]
	df, dok := typeFamilies[d]
	return sok && dok && sf == df
}
