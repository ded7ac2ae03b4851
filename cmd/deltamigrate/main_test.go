package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nhoughto/deltamigrate/internal/config"
	"github.com/nhoughto/deltamigrate/internal/entity"
	"github.com/nhoughto/deltamigrate/internal/logging"
	"github.com/nhoughto/deltamigrate/internal/orchestrator"
)

func TestSelectedKinds(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    int
		wantErr bool
	}{
		{
			name: "no flag selects all entities",
			args: []string{"app", "run"},
			want: len(entity.Kinds),
		},
		{
			name: "repeatable flag selects named entities",
			args: []string{"app", "run", "--entity", "customers", "--entity", "orders"},
			want: 2,
		},
		{
			name: "comma-separated list splits",
			args: []string{"app", "run", "--entity", "customers, orders,payments"},
			want: 3,
		},
		{
			name:    "unknown entity rejected",
			args:    []string{"app", "run", "--entity", "widgets"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &cli.App{
				Commands: []*cli.Command{
					{
						Name:  "run",
						Flags: []cli.Flag{entitiesFlag()},
						Action: func(c *cli.Context) error {
							kinds, err := selectedKinds(c)
							if tt.wantErr {
								if err == nil {
									t.Error("expected error for unknown entity")
								}
								return nil
							}
							if err != nil {
								t.Fatalf("selectedKinds() error: %v", err)
							}
							if len(kinds) != tt.want {
								t.Errorf("selectedKinds() returned %d kinds, want %d", len(kinds), tt.want)
							}
							return nil
						},
					},
				},
			}
			if err := app.Run(tt.args); err != nil {
				t.Fatalf("app.Run() error: %v", err)
			}
		})
	}
}

func TestSinceValue(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want *time.Time
	}{
		{
			name: "unset returns nil",
			args: []string{"app", "run"},
		},
		{
			name: "RFC 3339 value parsed",
			args: []string{"app", "run", "--since", "2026-08-01T00:00:00Z"},
			want: timePtr(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &cli.App{
				Commands: []*cli.Command{
					{
						Name:  "run",
						Flags: []cli.Flag{sinceFlag()},
						Action: func(c *cli.Context) error {
							got := sinceValue(c)
							if tt.want == nil {
								if got != nil {
									t.Errorf("sinceValue() = %v, want nil", got)
								}
								return nil
							}
							if got == nil || !got.Equal(*tt.want) {
								t.Errorf("sinceValue() = %v, want %v", got, tt.want)
							}
							return nil
						},
					},
				},
			}
			if err := app.Run(tt.args); err != nil {
				t.Fatalf("app.Run() error: %v", err)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestApplyLogConfig(t *testing.T) {
	defer func() {
		logging.SetLevel(logging.LevelInfo)
		logging.SetFormat("text")
	}()

	if err := applyLogConfig(config.LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Fatalf("applyLogConfig() error: %v", err)
	}
	if got := logging.GetLevel(); got != logging.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}

	if err := applyLogConfig(config.LogConfig{Level: "nope", Format: "text"}); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestPrintRunResult(t *testing.T) {
	result := &orchestrator.RunResult{
		SessionID: "sess-1",
		Elapsed:   90 * time.Second,
		Outcomes: []orchestrator.EntityOutcome{
			{Entity: "customers", Upserted: 12500, Deleted: 30},
			{Entity: "orders", Upserted: 4000, PriorCompleted: 2000},
			{Entity: "payments", Err: errors.New("fetch failed")},
		},
	}

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printRunResult(result)

	w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	io.Copy(&buf, r)
	out := buf.String()

	for _, want := range []string{
		"Run sess-1 completed in 1m30s",
		"12,500 upserted, 30 deleted",
		"(2,000 done in an earlier run)",
		"payments",
		"FAILED: fetch failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
