package config

import (
	"fmt"

	"github.com/caarlos0/env/v6"
)

// ConfigError reports an option that failed validation. Invalid configuration
// is fatal and aborts a run before any stage executes.
type ConfigError struct {
	Option string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config option %s=%v: %s", e.Option, e.Value, e.Reason)
}

type Config struct {
	// Database configuration
	Database struct {
		// Path to the sqlite database file
		Path string `env:"DB_PATH" envDefault:"database/inmodata.db"`

		// Number of pre-established connections in the pool
		PoolSize int `env:"DB_POOL_SIZE" envDefault:"4"`

		// Maximum time to wait for a pooled connection (in seconds)
		AcquireTimeout int `env:"DB_POOL_ACQUIRE_TIMEOUT" envDefault:"5"`

		// Maximum number of retries for failed load batches
		MaxRetries int `env:"DB_MAX_RETRIES" envDefault:"3"`

		// Delay between retries in seconds
		RetryDelay int `env:"DB_RETRY_DELAY" envDefault:"5"`
	}

	// Cache configuration
	Cache struct {
		// Entry time-to-live in seconds; 0 keeps entries for the whole run
		TTL int `env:"CACHE_TTL" envDefault:"0"`
	}

	// Cleaning configuration
	Cleaning struct {
		// Maximum number of concurrent cleaning workers
		WorkerCap int `env:"PARALLEL_WORKER_CAP" envDefault:"4"`
	}

	// Statistical treatment configuration
	Treatment struct {
		WinsorLowerPct           float64 `env:"WINSOR_LOWER_PCT" envDefault:"1"`
		WinsorUpperPct           float64 `env:"WINSOR_UPPER_PCT" envDefault:"99"`
		DedupPriceTolerancePct   float64 `env:"DEDUP_PRICE_TOLERANCE_PCT" envDefault:"1"`
		ImputationMinZoneSamples int     `env:"IMPUTATION_MIN_ZONE_SAMPLES" envDefault:"3"`
	}

	// Data source configuration
	Source struct {
		// Excel workbook holding the raw listing and state sheets
		Workbook string `env:"SOURCE_WORKBOOK"`

		// CSV fallbacks used when no workbook is configured
		RecordsCSV string `env:"SOURCE_RECORDS_CSV" envDefault:"data/processed/listings.csv"`
		EventsCSV  string `env:"SOURCE_EVENTS_CSV" envDefault:"data/processed/states.csv"`
	}

	// Output locations
	Paths struct {
		BackupDir      string `env:"BACKUP_DIR" envDefault:"data/backup"`
		ExportDir      string `env:"EXPORT_DIR" envDefault:"data/exports"`
		CheckpointFile string `env:"CHECKPOINT_FILE" envDefault:"data/checkpoints.json"`
	}

	// Server configuration (serve mode only)
	Server struct {
		Port     string `env:"API_PORT" envDefault:"5250"`
		CronSpec string `env:"PIPELINE_CRON" envDefault:"0 2 * * *"`
	}

	// NonInteractive disables confirmation prompts between stages
	NonInteractive bool `env:"NON_INTERACTIVE" envDefault:"true"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges. It returns the first invalid option found
// as a *ConfigError.
func (c *Config) Validate() error {
	if c.Database.PoolSize < 1 {
		return &ConfigError{Option: "DB_POOL_SIZE", Value: c.Database.PoolSize, Reason: "must be at least 1"}
	}
	if c.Database.AcquireTimeout < 1 {
		return &ConfigError{Option: "DB_POOL_ACQUIRE_TIMEOUT", Value: c.Database.AcquireTimeout, Reason: "must be at least 1 second"}
	}
	if c.Cache.TTL < 0 {
		return &ConfigError{Option: "CACHE_TTL", Value: c.Cache.TTL, Reason: "must not be negative"}
	}
	if c.Cleaning.WorkerCap < 1 {
		return &ConfigError{Option: "PARALLEL_WORKER_CAP", Value: c.Cleaning.WorkerCap, Reason: "must be at least 1"}
	}
	if c.Treatment.WinsorLowerPct < 0 || c.Treatment.WinsorLowerPct >= c.Treatment.WinsorUpperPct {
		return &ConfigError{Option: "WINSOR_LOWER_PCT", Value: c.Treatment.WinsorLowerPct, Reason: "must be in [0, WINSOR_UPPER_PCT)"}
	}
	if c.Treatment.WinsorUpperPct > 100 {
		return &ConfigError{Option: "WINSOR_UPPER_PCT", Value: c.Treatment.WinsorUpperPct, Reason: "must not exceed 100"}
	}
	if c.Treatment.DedupPriceTolerancePct < 0 {
		return &ConfigError{Option: "DEDUP_PRICE_TOLERANCE_PCT", Value: c.Treatment.DedupPriceTolerancePct, Reason: "must not be negative"}
	}
	if c.Treatment.ImputationMinZoneSamples < 1 {
		return &ConfigError{Option: "IMPUTATION_MIN_ZONE_SAMPLES", Value: c.Treatment.ImputationMinZoneSamples, Reason: "must be at least 1"}
	}
	return nil
}
