package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Contract   ContractConfig   `yaml:"contract" mapstructure:"contract"`
	Intake     IntakeConfig     `yaml:"intake" mapstructure:"intake"`
	Bronze     BronzeConfig     `yaml:"bronze" mapstructure:"bronze"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ContractConfig selects the evidence contract rule set.
type ContractConfig struct {
	// RulesPath is a YAML file of rule sets. Empty uses the built-in 1.0.0 set.
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
	// Version pins a rule set. Empty selects the latest registered version.
	Version string `yaml:"version" mapstructure:"version"`
}

// IntakeConfig configures where raw decision events are fetched from.
type IntakeConfig struct {
	Kind          string  `yaml:"kind" mapstructure:"kind"` // dir, http, ftp
	SourceID      string  `yaml:"source_id" mapstructure:"source_id"`
	LandingDir    string  `yaml:"landing_dir" mapstructure:"landing_dir"`
	HTTPURL       string  `yaml:"http_url" mapstructure:"http_url"`
	FTPURL        string  `yaml:"ftp_url" mapstructure:"ftp_url"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// BronzeConfig selects where bronze records are preserved.
type BronzeConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"` // store, s3
	S3Bucket   string `yaml:"s3_bucket" mapstructure:"s3_bucket"`
	S3Region   string `yaml:"s3_region" mapstructure:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint" mapstructure:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix" mapstructure:"s3_prefix"`
}

// PipelineConfig configures stage execution.
type PipelineConfig struct {
	DedupPolicy             string `yaml:"dedup_policy" mapstructure:"dedup_policy"`
	MaxConcurrentPartitions int    `yaml:"max_concurrent_partitions" mapstructure:"max_concurrent_partitions"`
	RetryAttempts           int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMillis      int    `yaml:"retry_backoff_millis" mapstructure:"retry_backoff_millis"`
}

// MonitoringConfig configures signal thresholds and alert delivery.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	// BaselineWindowHours is the trailing window that churn and drift are
	// compared against. Zero uses a window as long as the lookback.
	BaselineWindowHours int `yaml:"baseline_window_hours" mapstructure:"baseline_window_hours"`
	// MinRecords suppresses rate alerts over windows with fewer records.
	MinRecords int `yaml:"min_records" mapstructure:"min_records"`

	RejectRateThreshold      float64 `yaml:"reject_rate_threshold" mapstructure:"reject_rate_threshold"`
	RejectSpikeThreshold     float64 `yaml:"reject_spike_threshold" mapstructure:"reject_spike_threshold"`
	MissingEvidenceThreshold float64 `yaml:"missing_evidence_threshold" mapstructure:"missing_evidence_threshold"`
	DriftThreshold           float64 `yaml:"drift_threshold" mapstructure:"drift_threshold"`
	ChurnThreshold           int     `yaml:"churn_threshold" mapstructure:"churn_threshold"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// ServerConfig configures the read-only HTTP surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// ExportConfig configures BI exports.
type ExportConfig struct {
	OutDir  string   `yaml:"out_dir" mapstructure:"out_dir"`
	Formats []string `yaml:"formats" mapstructure:"formats"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "evidence.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("intake.kind", "dir")
	v.SetDefault("intake.landing_dir", "landing")
	v.SetDefault("intake.rate_per_second", 5.0)
	v.SetDefault("intake.burst", 5)
	v.SetDefault("intake.timeout_secs", 30)
	v.SetDefault("bronze.backend", "store")
	v.SetDefault("bronze.s3_region", "us-east-1")
	v.SetDefault("bronze.s3_prefix", "bronze/")
	v.SetDefault("pipeline.dedup_policy", "first_wins")
	v.SetDefault("pipeline.max_concurrent_partitions", 4)
	v.SetDefault("pipeline.retry_attempts", 3)
	v.SetDefault("pipeline.retry_backoff_millis", 200)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.baseline_window_hours", 168)
	v.SetDefault("monitoring.min_records", 20)
	v.SetDefault("monitoring.reject_rate_threshold", 0.10)
	v.SetDefault("monitoring.reject_spike_threshold", 0.05)
	v.SetDefault("monitoring.missing_evidence_threshold", 0.05)
	v.SetDefault("monitoring.drift_threshold", 0.10)
	v.SetDefault("monitoring.churn_threshold", 1)
	v.SetDefault("monitoring.failure_rate_threshold", 0.20)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("export.out_dir", "exports")
	v.SetDefault("export.formats", []string{"csv"})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration required by a command mode: "store"
// for commands that only touch the database, "pipeline" for
// ingest/validate/curate/run, "serve", "check" or "export".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "store":
	case "pipeline":
		switch c.Pipeline.DedupPolicy {
		case "", "first_wins", "last_wins", "none":
		default:
			errs = append(errs, fmt.Sprintf("pipeline.dedup_policy must be first_wins, last_wins or none, got %q", c.Pipeline.DedupPolicy))
		}
		if c.Pipeline.MaxConcurrentPartitions < 1 || c.Pipeline.MaxConcurrentPartitions > 64 {
			errs = append(errs, "pipeline.max_concurrent_partitions must be between 1 and 64")
		}
		switch c.Bronze.Backend {
		case "store":
		case "s3":
			if c.Bronze.S3Bucket == "" {
				errs = append(errs, "bronze.s3_bucket is required when bronze.backend is s3")
			}
		default:
			errs = append(errs, fmt.Sprintf("bronze.backend must be store or s3, got %q", c.Bronze.Backend))
		}
		switch c.Intake.Kind {
		case "dir":
			if c.Intake.LandingDir == "" {
				errs = append(errs, "intake.landing_dir is required when intake.kind is dir")
			}
		case "http":
			if c.Intake.HTTPURL == "" {
				errs = append(errs, "intake.http_url is required when intake.kind is http")
			}
		case "ftp":
			if c.Intake.FTPURL == "" {
				errs = append(errs, "intake.ftp_url is required when intake.kind is ftp")
			}
		default:
			errs = append(errs, fmt.Sprintf("intake.kind must be dir, http or ftp, got %q", c.Intake.Kind))
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "check":
		errs = append(errs, c.Monitoring.validate()...)
	case "export":
		for _, f := range c.Export.Formats {
			switch f {
			case "csv", "jsonl", "xlsx":
			default:
				errs = append(errs, fmt.Sprintf("export.formats: unknown format %q", f))
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (m MonitoringConfig) validate() []string {
	var errs []string
	if m.LookbackWindowHours <= 0 {
		errs = append(errs, "monitoring.lookback_window_hours must be > 0")
	}
	if m.BaselineWindowHours < 0 {
		errs = append(errs, "monitoring.baseline_window_hours must be >= 0")
	}
	rates := []struct {
		name string
		v    float64
	}{
		{"reject_rate_threshold", m.RejectRateThreshold},
		{"missing_evidence_threshold", m.MissingEvidenceThreshold},
		{"failure_rate_threshold", m.FailureRateThreshold},
	}
	for _, r := range rates {
		if r.v < 0 || r.v > 1 {
			errs = append(errs, fmt.Sprintf("monitoring.%s must be between 0 and 1", r.name))
		}
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
