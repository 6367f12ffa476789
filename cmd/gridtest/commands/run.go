package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gridtest/gridtest/pkg/engine"
	"github.com/gridtest/gridtest/pkg/stores"
	"github.com/gridtest/gridtest/pkg/streams"
	"github.com/gridtest/gridtest/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		contextVars map[string]string
		recordFile  string
		storePath   string
		serveMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "run [suite] [test-id...]",
		Short: "Run a suite of tests",
		Long: `Run the tests of a suite against the configured targets.

With test ids given, only those tests (plus the resources they need) are
run; otherwise the whole suite runs. The process exits non-zero when any
test produces an outcome other than its expected one.`,
		Example: `  # Run a whole suite on the default serial target
  gridtest run ./suite.yaml

  # Run two tests with extra context
  gridtest run ./suite.yaml api.login api.logout --context env=staging

  # Run against configured targets, recording results
  gridtest run -c harness.cue --record-file results.jsonl --store history.db`,
		Args: cobra.MinimumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var suiteArg string
			var ids []string
			if len(args) > 0 {
				suiteArg = args[0]
				ids = args[1:]
			}
			return runSuite(cmd.Context(), suiteArg, ids, contextVars, recordFile, storePath, serveMetrics)
		},
	}

	cmd.Flags().StringToStringVar(&contextVars, "context", nil, "context entries (key=value)")
	cmd.Flags().StringVar(&recordFile, "record-file", "", "record results to a JSON-lines file")
	cmd.Flags().StringVar(&storePath, "store", "", "persist run history to a SQLite database")
	cmd.Flags().BoolVar(&serveMetrics, "metrics", false, "serve Prometheus metrics during the run")

	return cmd
}

func runSuite(ctx context.Context, suiteArg string, ids []string, contextVars map[string]string, recordFile, storePath string, serveMetrics bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Context == nil {
		cfg.Context = make(map[string]string)
	}
	for k, v := range contextVars {
		cfg.Context[k] = v
	}
	if recordFile != "" {
		cfg.RecordFile = recordFile
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}

	telCfg := telemetry.DefaultConfig()
	if verbose {
		telCfg = telemetry.DevelopmentConfig()
	}
	telCfg.Metrics.Enabled = serveMetrics
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()
	if serveMetrics {
		if err := tel.StartMetricsServer(); err != nil {
			return err
		}
	}
	logger := tel.Logger.NewComponentLogger("harness").Zerolog()

	db, suite, err := loadSuite(cfg, suiteArg)
	if err != nil {
		return err
	}

	registry := defaultRegistry(logger)
	targets, closeTargets, err := buildTargets(cfg, db, registry, logger)
	if err != nil {
		return err
	}
	defer closeTargets()

	expected, err := parseExpectedOutcomes(cfg.ExpectedOutcomes)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	resultStreams := []engine.ResultStream{
		streams.NewTextStream(os.Stdout, verbose),
	}
	if cfg.RecordFile != "" {
		fs, err := streams.NewFileStream(cfg.RecordFile)
		if err != nil {
			return err
		}
		resultStreams = append(resultStreams, fs)
	}

	var store *stores.SQLiteStore
	if cfg.StorePath != "" {
		store, err = stores.NewSQLiteStore(stores.Config{Path: cfg.StorePath})
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		if err := store.Migrate(ctx); err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := store.CreateRun(ctx, &stores.Run{
			ID:        runID,
			SuitePath: suite,
			Status:    stores.RunStatusRunning,
			StartedAt: now,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		resultStreams = append(resultStreams, streams.NewStoreStream(store, runID))
	}

	eng, err := engine.NewEngine(db, ids, engine.Context(cfg.Context), targets, resultStreams,
		engine.WithRunID(runID),
		engine.WithLogger(logger),
		engine.WithTracer(tel.Tracer),
		engine.WithMetrics(tel.Metrics),
		engine.WithExpectedOutcomes(expected),
	)
	if err != nil {
		return err
	}

	summary, runErr := eng.Run(ctx)

	if store != nil && summary != nil {
		status := stores.RunStatusCompleted
		if summary.Terminated {
			status = stores.RunStatusTerminated
		}
		if err := store.CompleteRun(context.Background(), runID, status); err != nil {
			logger.Warn().Err(err).Msg("failed to complete run record")
		}
	}
	if runErr != nil {
		return runErr
	}

	if summary.Terminated {
		return fmt.Errorf("run was terminated before completion")
	}
	if summary.HasUnexpected() {
		return fmt.Errorf("%d units produced unexpected results", len(summary.Unexpected))
	}
	return nil
}
