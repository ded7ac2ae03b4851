// Package config loads and validates the engine configuration from YAML.
// Invalid settings are rejected here, before any pool, store, or governor
// is constructed.
package config

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig holds source database connection settings (SQL Server).
type SourceConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	TrustServerCert bool   `yaml:"trust_server_cert"`
	MaxConns        int    `yaml:"max_conns"`
}

// TargetConfig holds destination database connection settings (PostgreSQL).
type TargetConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`
	SSLMode  string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full
	MaxConns int    `yaml:"max_conns"`
}

// MigrationConfig holds driver-level settings for a migration run.
type MigrationConfig struct {
	MaxConcurrency     int     `yaml:"max_concurrency"`       // entity types processed in parallel
	BatchSize          int     `yaml:"batch_size"`            // initial batch size; governor adjusts from here
	BaselineRecsPerSec float64 `yaml:"baseline_recs_per_sec"` // processing-time estimate baseline
	MaxTotalChanges    int     `yaml:"max_total_changes"`     // hard cap on changes per analysis result
}

// CheckpointConfig holds Checkpoint Store settings.
type CheckpointConfig struct {
	SQLitePath           string `yaml:"sqlite_path"` // structured backend database file
	BackupDir            string `yaml:"backup_dir"`  // flat file backend directory
	EnableSQLite         bool   `yaml:"enable_sqlite"`
	EnableFileBackup     bool   `yaml:"enable_file_backup"`
	RetentionDays        int    `yaml:"retention_days"`
	MaxCheckpoints       int    `yaml:"max_checkpoints"` // per session; oldest evicted first
	StallWindowMinutes   int    `yaml:"stall_window_minutes"`
	ResumeMaxAgeHours    int    `yaml:"resume_max_age_hours"`
	CleanupIntervalMins  int    `yaml:"cleanup_interval_minutes"`
	CompressionThreshold int    `yaml:"compression_threshold_bytes"` // lz4 above this size
}

// GovernorConfig holds Resource Governor tuning. The hysteresis constants
// are tunable defaults, not derived from a model; operators can override
// any of them.
type GovernorConfig struct {
	TickSeconds int `yaml:"tick_seconds"`

	MinBatchSize  int     `yaml:"min_batch_size"`
	MaxBatchSize  int     `yaml:"max_batch_size"`
	BatchShrink   float64 `yaml:"batch_shrink_factor"` // applied under high/critical memory pressure
	BatchGrow     float64 `yaml:"batch_grow_factor"`   // applied when throughput lags
	MinBatchDelta int     `yaml:"min_batch_delta"`     // smaller proposed changes are ignored

	MinThroughput float64 `yaml:"min_throughput"` // records/sec floor before growing batches

	MemoryLowMB      int     `yaml:"memory_low_mb"`
	MemoryMediumMB   int     `yaml:"memory_medium_mb"`
	MemoryHighMB     int     `yaml:"memory_high_mb"`
	LeakRateMBPerMin float64 `yaml:"leak_rate_mb_per_min"`
	SampleSeconds    int     `yaml:"memory_sample_seconds"`

	PoolTargetUtil float64 `yaml:"pool_target_utilization"`
	PoolMaxWaitMs  int     `yaml:"pool_max_wait_ms"`
	PoolMinSize    int     `yaml:"pool_min_size"`
	PoolMaxSize    int     `yaml:"pool_max_size"`
	PoolStep       float64 `yaml:"pool_step_factor"`

	MaxParallelism int `yaml:"max_parallelism"`

	WarningMultiplier  float64 `yaml:"warning_multiplier"`
	CriticalMultiplier float64 `yaml:"critical_multiplier"`
	ErrorRateWarnPct   float64 `yaml:"error_rate_warn_pct"`
	CPUWarnPct         float64 `yaml:"cpu_warn_pct"`

	AlertHistory     int `yaml:"alert_history"`
	ThroughputWindow int `yaml:"throughput_window"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config is the root configuration document.
type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Target     TargetConfig     `yaml:"target"`
	Migration  MigrationConfig  `yaml:"migration"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Governor   GovernorConfig   `yaml:"governor"`
	Log        LogConfig        `yaml:"log"`
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued settings.
func (c *Config) applyDefaults() {
	if c.Source.Port == 0 {
		c.Source.Port = 1433
	}
	if c.Source.Schema == "" {
		c.Source.Schema = "dbo"
	}
	if c.Source.MaxConns == 0 {
		c.Source.MaxConns = 8
	}
	if c.Source.Password == "" {
		c.Source.Password = os.Getenv("DM_SOURCE_PASSWORD")
	}

	if c.Target.Port == 0 {
		c.Target.Port = 5432
	}
	if c.Target.Schema == "" {
		c.Target.Schema = "public"
	}
	if c.Target.SSLMode == "" {
		c.Target.SSLMode = "require"
	}
	if c.Target.MaxConns == 0 {
		c.Target.MaxConns = 8
	}
	if c.Target.Password == "" {
		c.Target.Password = os.Getenv("DM_TARGET_PASSWORD")
	}

	if c.Migration.MaxConcurrency == 0 {
		c.Migration.MaxConcurrency = min(4, runtime.NumCPU())
	}
	if c.Migration.BatchSize == 0 {
		c.Migration.BatchSize = 1000
	}
	if c.Migration.BaselineRecsPerSec == 0 {
		c.Migration.BaselineRecsPerSec = 100
	}
	if c.Migration.MaxTotalChanges == 0 {
		c.Migration.MaxTotalChanges = 1_000_000
	}

	if c.Checkpoint.SQLitePath == "" {
		c.Checkpoint.SQLitePath = ".deltamigrate/checkpoints.db"
	}
	if c.Checkpoint.BackupDir == "" {
		c.Checkpoint.BackupDir = ".deltamigrate/backups"
	}
	if !c.Checkpoint.EnableSQLite && !c.Checkpoint.EnableFileBackup {
		// Both backends on unless the operator disables one explicitly.
		c.Checkpoint.EnableSQLite = true
		c.Checkpoint.EnableFileBackup = true
	}
	if c.Checkpoint.RetentionDays == 0 {
		c.Checkpoint.RetentionDays = 7
	}
	if c.Checkpoint.MaxCheckpoints == 0 {
		c.Checkpoint.MaxCheckpoints = 10
	}
	if c.Checkpoint.StallWindowMinutes == 0 {
		c.Checkpoint.StallWindowMinutes = 30
	}
	if c.Checkpoint.ResumeMaxAgeHours == 0 {
		c.Checkpoint.ResumeMaxAgeHours = 24
	}
	if c.Checkpoint.CleanupIntervalMins == 0 {
		c.Checkpoint.CleanupIntervalMins = 60
	}
	if c.Checkpoint.CompressionThreshold == 0 {
		c.Checkpoint.CompressionThreshold = 4096
	}

	g := &c.Governor
	if g.TickSeconds == 0 {
		g.TickSeconds = 5
	}
	if g.MinBatchSize == 0 {
		g.MinBatchSize = 100
	}
	if g.MaxBatchSize == 0 {
		g.MaxBatchSize = 10000
	}
	if g.BatchShrink == 0 {
		g.BatchShrink = 0.5
	}
	if g.BatchGrow == 0 {
		g.BatchGrow = 0.2
	}
	if g.MinBatchDelta == 0 {
		g.MinBatchDelta = 50
	}
	if g.MinThroughput == 0 {
		g.MinThroughput = 50
	}
	g.applyMemoryDefaults(systemMemoryMB())
	if g.LeakRateMBPerMin == 0 {
		g.LeakRateMBPerMin = 10
	}
	if g.SampleSeconds == 0 {
		g.SampleSeconds = 3
	}
	if g.PoolTargetUtil == 0 {
		g.PoolTargetUtil = 0.75
	}
	if g.PoolMaxWaitMs == 0 {
		g.PoolMaxWaitMs = 200
	}
	if g.PoolMinSize == 0 {
		g.PoolMinSize = 2
	}
	if g.PoolMaxSize == 0 {
		g.PoolMaxSize = 32
	}
	if g.PoolStep == 0 {
		g.PoolStep = 0.2
	}
	if g.MaxParallelism == 0 {
		g.MaxParallelism = min(8, runtime.NumCPU())
	}
	if g.WarningMultiplier == 0 {
		g.WarningMultiplier = 1.1
	}
	if g.CriticalMultiplier == 0 {
		g.CriticalMultiplier = 1.2
	}
	if g.ErrorRateWarnPct == 0 {
		g.ErrorRateWarnPct = 5
	}
	if g.CPUWarnPct == 0 {
		g.CPUWarnPct = 85
	}
	if g.AlertHistory == 0 {
		g.AlertHistory = 50
	}
	if g.ThroughputWindow == 0 {
		g.ThroughputWindow = 100
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Source.Host == "" {
		return fmt.Errorf("config: source.host is required")
	}
	if c.Source.Database == "" {
		return fmt.Errorf("config: source.database is required")
	}
	if c.Target.Host == "" {
		return fmt.Errorf("config: target.host is required")
	}
	if c.Target.Database == "" {
		return fmt.Errorf("config: target.database is required")
	}

	if c.Checkpoint.RetentionDays < 1 {
		return fmt.Errorf("config: checkpoint.retention_days must be positive, got %d", c.Checkpoint.RetentionDays)
	}
	if c.Checkpoint.MaxCheckpoints < 1 {
		return fmt.Errorf("config: checkpoint.max_checkpoints must be positive, got %d", c.Checkpoint.MaxCheckpoints)
	}
	if !c.Checkpoint.EnableSQLite && !c.Checkpoint.EnableFileBackup {
		return fmt.Errorf("config: at least one checkpoint backend must be enabled")
	}

	g := c.Governor
	if g.MinBatchSize > g.MaxBatchSize {
		return fmt.Errorf("config: governor.min_batch_size %d exceeds max_batch_size %d", g.MinBatchSize, g.MaxBatchSize)
	}
	if g.BatchShrink <= 0 || g.BatchShrink >= 1 {
		return fmt.Errorf("config: governor.batch_shrink_factor must be in (0,1), got %v", g.BatchShrink)
	}
	if g.PoolMinSize > g.PoolMaxSize {
		return fmt.Errorf("config: governor.pool_min_size %d exceeds pool_max_size %d", g.PoolMinSize, g.PoolMaxSize)
	}
	if !(g.MemoryLowMB < g.MemoryMediumMB && g.MemoryMediumMB < g.MemoryHighMB) {
		return fmt.Errorf("config: governor memory thresholds must be strictly increasing (%d/%d/%d)",
			g.MemoryLowMB, g.MemoryMediumMB, g.MemoryHighMB)
	}

	if g.TickSeconds < 1 {
		return fmt.Errorf("config: governor.tick_seconds must be positive, got %d", g.TickSeconds)
	}
	return nil
}

// Tick returns the governor control-loop interval.
func (g GovernorConfig) Tick() time.Duration {
	return time.Duration(g.TickSeconds) * time.Second
}

// SourceDSN builds the SQL Server connection string. Credentials are
// URL-escaped so passwords with reserved characters survive.
func (c *Config) SourceDSN() string {
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		url.QueryEscape(c.Source.User),
		url.QueryEscape(c.Source.Password),
		c.Source.Host, c.Source.Port,
		url.QueryEscape(c.Source.Database))
	if c.Source.TrustServerCert {
		dsn += "&TrustServerCertificate=true"
	}
	return dsn
}

// TargetDSN builds the PostgreSQL connection string.
func (c *Config) TargetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.Target.User),
		url.QueryEscape(c.Target.Password),
		c.Target.Host, c.Target.Port,
		url.QueryEscape(c.Target.Database),
		c.Target.SSLMode)
}
