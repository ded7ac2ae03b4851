package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/nhoughto/deltamigrate/internal/config"
	"github.com/nhoughto/deltamigrate/internal/entity"
	"github.com/nhoughto/deltamigrate/internal/logging"
	"github.com/nhoughto/deltamigrate/internal/orchestrator"
	"github.com/nhoughto/deltamigrate/internal/util"
	"github.com/nhoughto/deltamigrate/internal/version"
)

func main() {
	app := &cli.App{
		Name:    "deltamigrate",
		Usage:   "Differential MSSQL to PostgreSQL migration",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "analyze",
				Usage:  "Detect new, modified and deleted records without migrating",
				Action: analyzeAction,
				Flags: []cli.Flag{
					entitiesFlag(),
					sinceFlag(),
				},
			},
			{
				Name:   "run",
				Usage:  "Migrate detected deltas to the target",
				Action: runAction,
				Flags: []cli.Flag{
					entitiesFlag(),
					sinceFlag(),
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Number of entities migrating in parallel",
					},
				},
			},
			{
				Name:      "resume",
				Usage:     "Continue an interrupted run from its checkpoints",
				ArgsUsage: "<session-id>",
				Action:    resumeAction,
				Flags: []cli.Flag{
					entitiesFlag(),
					sinceFlag(),
				},
			},
			{
				Name:      "status",
				Usage:     "Show checkpoints for a session, or storage statistics",
				ArgsUsage: "[session-id]",
				Action:    statusAction,
			},
			{
				Name:      "recovery",
				Usage:     "Show resume recommendations for a session",
				ArgsUsage: "<session-id>",
				Action:    recoveryAction,
				Flags:     []cli.Flag{entitiesFlag()},
			},
			{
				Name:   "cleanup",
				Usage:  "Delete checkpoints past the retention window",
				Action: cleanupAction,
			},
			{
				Name:   "health",
				Usage:  "Check source and target connectivity",
				Action: healthAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func entitiesFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "entity",
		Usage: "Entity to process (repeatable, comma-separated lists accepted); all entities when omitted",
	}
}

func sinceFlag() cli.Flag {
	return &cli.TimestampFlag{
		Name:   "since",
		Usage:  "Previous migration time (RFC 3339); enables modified-record detection",
		Layout: time.RFC3339,
	}
}

// buildOrchestrator loads config, applies flag overrides and wires the
// components. Callers own the returned Close.
func buildOrchestrator(ctx context.Context, c *cli.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := applyLogConfig(cfg.Log); err != nil {
		return nil, err
	}
	if c.IsSet("concurrency") {
		cfg.Migration.MaxConcurrency = c.Int("concurrency")
	}
	return orchestrator.New(ctx, cfg)
}

func applyLogConfig(cfg config.LogConfig) error {
	lvl, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logging.SetLevel(lvl)
	logging.SetFormat(cfg.Format)
	return nil
}

// signalContext cancels on SIGINT or SIGTERM so in-flight batches finish
// their checkpoint before the process exits.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted. Finishing current batch...")
		cancel()
	}()
	return ctx, cancel
}

func selectedKinds(c *cli.Context) ([]entity.Kind, error) {
	var names []string
	for _, v := range c.StringSlice("entity") {
		names = append(names, util.SplitCSV(v)...)
	}
	return entity.ParseKinds(names)
}

func sinceValue(c *cli.Context) *time.Time {
	if !c.IsSet("since") {
		return nil
	}
	return c.Timestamp("since")
}

func analyzeAction(c *cli.Context) error {
	kinds, err := selectedKinds(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := buildOrchestrator(ctx, c)
	if err != nil {
		return err
	}
	defer orch.Close()

	report, err := orch.Analyze(ctx, kinds, sinceValue(c))
	if err != nil {
		return err
	}
	fmt.Println(report)
	return nil
}

func runAction(c *cli.Context) error {
	return executeRun(c, orchestrator.RunOptions{})
}

func resumeAction(c *cli.Context) error {
	sessionID := c.Args().First()
	if sessionID == "" {
		return fmt.Errorf("resume requires a session ID")
	}
	return executeRun(c, orchestrator.RunOptions{SessionID: sessionID, Resume: true})
}

func executeRun(c *cli.Context, opts orchestrator.RunOptions) error {
	kinds, err := selectedKinds(c)
	if err != nil {
		return err
	}
	opts.Kinds = kinds
	opts.Since = sinceValue(c)

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := buildOrchestrator(ctx, c)
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.Run(ctx, opts)
	if err != nil {
		return err
	}
	printRunResult(result)

	fmt.Println(orch.Governor().GenerateOptimizationSummary())
	if result.Failed() {
		return fmt.Errorf("run %s finished with errors; resume with: deltamigrate resume %s",
			result.SessionID, result.SessionID)
	}
	return nil
}

func printRunResult(result *orchestrator.RunResult) {
	fmt.Printf("\nRun %s completed in %s\n", result.SessionID, result.Elapsed.Round(time.Second))
	for _, out := range result.Outcomes {
		if out.Err != nil {
			fmt.Printf("  %-12s FAILED: %v\n", out.Entity, out.Err)
			continue
		}
		line := fmt.Sprintf("  %-12s %s upserted, %s deleted",
			out.Entity, humanize.Comma(out.Upserted), humanize.Comma(out.Deleted))
		if out.PriorCompleted > 0 {
			line += fmt.Sprintf(" (%s done in an earlier run)", humanize.Comma(out.PriorCompleted))
		}
		fmt.Println(line)
	}
}

func statusAction(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	orch, err := buildOrchestrator(ctx, c)
	if err != nil {
		return err
	}
	defer orch.Close()

	store := orch.Store()

	if sessionID := c.Args().First(); sessionID != "" {
		recs, err := store.List(ctx, sessionID, "")
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Printf("No checkpoints for session %s\n", sessionID)
			return nil
		}
		fmt.Printf("%-12s %-16s %10s %10s %8s  %s\n",
			"ENTITY", "STATUS", "DONE", "REMAINING", "PROGRESS", "UPDATED")
		for _, rec := range recs {
			fmt.Printf("%-12s %-16s %10s %10s %7.1f%%  %s\n",
				rec.EntityType, store.Status(rec),
				humanize.Comma(rec.RecordsProcessed), humanize.Comma(rec.RecordsRemaining),
				rec.ProgressPercentage(), rec.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	}

	stats, err := store.GetStorageStatistics(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Checkpoint storage: %d total\n", stats.TotalCount)
	for _, b := range stats.Backends {
		state := "ok"
		if !b.Available {
			state = "unavailable: " + b.LastError
		}
		fmt.Printf("  %-10s %4d checkpoints, %s (%s)\n",
			b.Name, b.Count, humanize.Bytes(uint64(b.SizeBytes)), state)
	}
	return nil
}

func recoveryAction(c *cli.Context) error {
	sessionID := c.Args().First()
	if sessionID == "" {
		return fmt.Errorf("recovery requires a session ID")
	}
	kinds, err := selectedKinds(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := buildOrchestrator(ctx, c)
	if err != nil {
		return err
	}
	defer orch.Close()

	for _, kind := range kinds {
		info, err := orch.Store().GetRecoveryInfo(ctx, sessionID, kind.String())
		if err != nil {
			return err
		}
		if info.Recommended == nil {
			fmt.Printf("%-12s nothing to resume\n", kind)
			continue
		}
		if info.Resumable {
			fmt.Printf("%-12s resumable from %s records, est. %s remaining\n",
				kind, humanize.Comma(info.Recommended.RecordsProcessed),
				info.EstimatedRecovery.Round(time.Second))
			continue
		}
		fmt.Printf("%-12s blocked: %s\n", kind, strings.Join(info.Reasons, "; "))
	}
	return nil
}

func cleanupAction(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	orch, err := buildOrchestrator(ctx, c)
	if err != nil {
		return err
	}
	defer orch.Close()

	removed, err := orch.Store().CleanupOld(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired checkpoint copies\n", removed)
	return nil
}

func healthAction(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	orch, err := buildOrchestrator(ctx, c)
	if err != nil {
		return err
	}
	defer orch.Close()

	report := orch.HealthCheck(ctx)
	printEndpoint := func(name string, h orchestrator.ConnectionHealth) {
		if h.Connected {
			fmt.Printf("  %-8s ok (%d ms)\n", name, h.LatencyMs)
			return
		}
		fmt.Printf("  %-8s FAILED: %s\n", name, h.Error)
	}
	printEndpoint("source", report.Source)
	printEndpoint("target", report.Target)

	if !report.Healthy {
		return fmt.Errorf("connectivity check failed")
	}
	return nil
}
