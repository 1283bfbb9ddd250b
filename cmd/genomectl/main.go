// Command genomectl operates the ICDEV capability genome registry from the
// command line: genome versioning, candidate evaluation, staging, gated
// propagation, and child telemetry.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"icdev/internal/blob"
	"icdev/internal/config"
	"icdev/internal/infra/persistence/memory"
	"icdev/internal/infra/persistence/postgres"
	"icdev/internal/infra/persistence/sqlite"
	"icdev/internal/logging"
	"icdev/internal/observability"
	"icdev/internal/registry"
	"icdev/internal/telemetry"
	"icdev/pkg/genome"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "genomectl",
		Short:         "Operate the ICDEV capability genome registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML configuration")
	root.AddCommand(
		genomeCommand(),
		evaluateCommand(),
		stagingCommand(),
		propagationCommand(),
		childCommand(),
		telemetryCommand(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "genomectl:", err)
		os.Exit(1)
	}
}

// app bundles everything a command handler needs.
type app struct {
	cfg       config.Config
	log       *zap.Logger
	registry  *registry.Registry
	collector *telemetry.Collector
	close     func()
}

// setup loads configuration and wires the registry for one command run.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	engine := registry.DefaultRulesEngine()
	var store genome.PersistentStore
	closeFn := func() { _ = log.Sync() }
	switch cfg.Database.Driver {
	case "memory":
		store = memory.NewStore(engine)
	case "sqlite":
		s, err := sqlite.NewStore(cfg.Database.Path, engine)
		if err != nil {
			return nil, err
		}
		store = s
		closeFn = func() { _ = s.Close(); _ = log.Sync() }
	case "postgres":
		s, err := postgres.NewStore(cfg.Database.DSN, engine)
		if err != nil {
			return nil, err
		}
		store = s
		closeFn = func() { _ = s.Close(); _ = log.Sync() }
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	blobs, err := blob.Open(cmd.Context(), blob.Options{
		Driver: blob.Driver(cfg.Blob.Driver),
		FSRoot: cfg.Blob.FSRoot,
	})
	if err != nil {
		closeFn()
		return nil, err
	}

	pipelineTimeout, err := cfg.PipelineTimeout()
	if err != nil {
		closeFn()
		return nil, err
	}
	var metrics observability.MetricsRecorder
	if cfg.Observability.Metrics == "prometheus" {
		metrics, err = observability.NewPrometheusMetricsRecorder(prometheus.DefaultRegisterer)
		if err != nil {
			closeFn()
			return nil, err
		}
	}
	reg, err := registry.New(registry.Deps{
		Store:    store,
		Blobs:    blobs,
		Pipeline: registry.DetectPipeline(cfg.Staging.PipelineCommand, cfg.Staging.PipelineArgs, pipelineTimeout),
		Metrics:  metrics,
		Log:      log,
		Weights:  cfg.Evaluator.Weights,
		Staging: registry.StagingConfig{
			TTL:           cfg.StagingTTL(),
			WorkspaceRoot: cfg.Staging.WorkspaceRoot,
		},
		Propagation: registry.PropagationConfig{
			Quota:  cfg.Propagation.Quota,
			Period: cfg.PropagationPeriod(),
		},
	})
	if err != nil {
		closeFn()
		return nil, err
	}
	collector := telemetry.NewCollector(store, nil, telemetry.Config{
		Timeout:     cfg.TelemetryTimeout(),
		Parallelism: cfg.Telemetry.Parallelism,
	}, log.Named("telemetry"))

	return &app{cfg: cfg, log: log, registry: reg, collector: collector, close: closeFn}, nil
}

// emit prints a value as indented JSON on stdout.
func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
