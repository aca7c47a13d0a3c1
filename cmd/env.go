package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/bronze"
	"github.com/sells-group/evidence-cli/internal/contract"
	"github.com/sells-group/evidence-cli/internal/fetcher"
	"github.com/sells-group/evidence-cli/internal/monitoring"
	"github.com/sells-group/evidence-cli/internal/pipeline"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/silver"
	"github.com/sells-group/evidence-cli/internal/store"
)

// evidenceEnv holds the store, rule set and runner shared by the stage,
// serve and check commands.
type evidenceEnv struct {
	Store    store.Store
	Bronze   bronze.Store
	Rules    contract.RuleSet
	Registry *prometheus.Registry
	Metrics  *pipeline.Metrics
	Runner   *pipeline.Runner
}

// Close releases resources held by the environment.
func (e *evidenceEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, opens and migrates the store, resolves the
// contract version and builds the runner. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*evidenceEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	rules, err := loadRules()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	bronzeStore, err := initBronze(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	policy, err := silver.ParseDedupPolicy(cfg.Pipeline.DedupPolicy)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pipeline.NewMetrics(reg)

	runner := pipeline.New(st, rules, pipeline.Options{
		Bronze:      bronzeStore,
		DedupPolicy: policy,
		Retry:       retryConfig(),
		Concurrency: cfg.Pipeline.MaxConcurrentPartitions,
		Metrics:     metrics,
	})

	zap.L().Info("evidence environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("bronze", cfg.Bronze.Backend),
		zap.String("contract_version", rules.Version),
		zap.String("dedup_policy", string(policy)),
	)

	return &evidenceEnv{
		Store:    st,
		Bronze:   bronzeStore,
		Rules:    rules,
		Registry: reg,
		Metrics:  metrics,
		Runner:   runner,
	}, nil
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "evidence.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initBronze selects where bronze records are preserved. The database is
// the default; s3 keeps one object per record.
func initBronze(ctx context.Context, st store.Store) (bronze.Store, error) {
	switch cfg.Bronze.Backend {
	case "", "store":
		return st, nil
	case "s3":
		s3, err := bronze.NewS3Store(ctx, bronze.S3Config{
			Bucket:   cfg.Bronze.S3Bucket,
			Region:   cfg.Bronze.S3Region,
			Endpoint: cfg.Bronze.S3Endpoint,
			Prefix:   cfg.Bronze.S3Prefix,
		})
		if err != nil {
			return nil, eris.Wrap(err, "init s3 bronze store")
		}
		return s3, nil
	default:
		return nil, eris.Errorf("unsupported bronze backend: %s", cfg.Bronze.Backend)
	}
}

// loadRules resolves the rule set named by contract.version from the
// configured rules file.
func loadRules() (contract.RuleSet, error) {
	reg, err := contract.LoadRegistry(cfg.Contract.RulesPath)
	if err != nil {
		return contract.RuleSet{}, err
	}
	rs, err := reg.Lookup(cfg.Contract.Version)
	if err != nil {
		return contract.RuleSet{}, eris.Wrapf(err, "contract version (available: %v)", reg.Versions())
	}
	return rs, nil
}

// initSource builds the configured intake source.
func initSource() (fetcher.Source, error) {
	timeout := time.Duration(cfg.Intake.TimeoutSecs) * time.Second
	switch cfg.Intake.Kind {
	case "dir":
		return fetcher.NewDirSource(cfg.Intake.LandingDir, cfg.Intake.SourceID), nil
	case "http":
		return fetcher.NewHTTPSource(fetcher.HTTPOptions{
			URL:           cfg.Intake.HTTPURL,
			SourceID:      cfg.Intake.SourceID,
			UserAgent:     "evidence-cli",
			Timeout:       timeout,
			RatePerSecond: cfg.Intake.RatePerSecond,
			Burst:         cfg.Intake.Burst,
			Retry:         retryConfig(),
		}), nil
	case "ftp":
		return fetcher.NewFTPSource(fetcher.FTPOptions{
			URL:      cfg.Intake.FTPURL,
			SourceID: cfg.Intake.SourceID,
			Timeout:  timeout,
		})
	default:
		return nil, eris.Errorf("unsupported intake kind: %s", cfg.Intake.Kind)
	}
}

func retryConfig() resilience.RetryConfig {
	return resilience.NewRetryConfig(
		cfg.Pipeline.RetryAttempts,
		time.Duration(cfg.Pipeline.RetryBackoffMillis)*time.Millisecond,
		0,
	)
}

// newComputer builds the signal computer for the active contract version.
// bronze_volume is counted from bs, the configured bronze backend.
func newComputer(st store.WindowStore, bs bronze.Store, contractVersion string) *monitoring.Computer {
	var opts []monitoring.ComputerOption
	if bs != nil {
		opts = append(opts, monitoring.WithBronze(bs))
	}
	if h := cfg.Monitoring.BaselineWindowHours; h > 0 {
		opts = append(opts, monitoring.WithBaseline(time.Duration(h)*time.Hour))
	}
	return monitoring.NewComputer(st, contractVersion, opts...)
}
