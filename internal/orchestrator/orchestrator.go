// Package orchestrator wires the analyzer, checkpoint store, and resource
// governor into a differential migration run.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/nhoughto/deltamigrate/internal/analysis"
	"github.com/nhoughto/deltamigrate/internal/checkpoint"
	"github.com/nhoughto/deltamigrate/internal/config"
	"github.com/nhoughto/deltamigrate/internal/governor"
	"github.com/nhoughto/deltamigrate/internal/logging"
	"github.com/nhoughto/deltamigrate/internal/source"
	"github.com/nhoughto/deltamigrate/internal/target"
)

// Orchestrator owns the engine components for one process.
type Orchestrator struct {
	cfg      *config.Config
	source   *source.Pool
	target   *target.Pool
	analyzer *analysis.Analyzer
	store    *checkpoint.Store
	gov      *governor.Governor
}

// New connects both databases and builds the engine components. The
// governor observes both pools and resizes the source pool.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	src, err := source.NewPool(cfg)
	if err != nil {
		return nil, fmt.Errorf("source pool: %w", err)
	}

	tgt, err := target.NewPool(ctx, cfg)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("target pool: %w", err)
	}

	store, err := checkpoint.NewStore(cfg.Checkpoint)
	if err != nil {
		src.Close()
		tgt.Close()
		return nil, err
	}

	gov := governor.New(cfg.Governor,
		cfg.Migration.BatchSize, cfg.Migration.MaxConcurrency, cfg.Source.MaxConns)
	gov.AttachPools(src.Stats, tgt.Stat, src.SetMaxConns)

	return &Orchestrator{
		cfg:      cfg,
		source:   src,
		target:   tgt,
		analyzer: analysis.NewAnalyzer(src, tgt, cfg.Migration.BaselineRecsPerSec, cfg.Migration.MaxTotalChanges),
		store:    store,
		gov:      gov,
	}, nil
}

// Close releases pools and the checkpoint store.
func (o *Orchestrator) Close() {
	o.source.Close()
	o.target.Close()
	if err := o.store.Close(); err != nil {
		logging.Warn("closing checkpoint store: %v", err)
	}
}

// Analyzer exposes the delta detector for analysis-only commands.
func (o *Orchestrator) Analyzer() *analysis.Analyzer { return o.analyzer }

// Store exposes the checkpoint store for status and cleanup commands.
func (o *Orchestrator) Store() *checkpoint.Store { return o.store }

// Governor exposes the resource governor for status reporting.
func (o *Orchestrator) Governor() *governor.Governor { return o.gov }
