/*
main.go - Application entry point

PURPOSE:
  The `seo` command: schema provisioning, ingestion, pipeline runs, export,
  analysis and the HTTP server, all driven by one YAML config.

COMMANDS:
  schema   [--reset]                      Create (or drop and recreate) tables
  ingest   [--batch]                      Stage new source files
  run      [--batch] [--from-stage] [--skip-ingest] [--no-export]
  export   [--batch] [--dir]              Write fact rows to CSV
  runs     [--batch] [--limit]            Show the run audit trail
  analyze  trends|rank-conversion|top     Analysis queries (JSON on stdout)
  serve    [--port]                       HTTP API (+ optional scheduler)

GLOBAL FLAGS:
  --config     YAML config path (default: config.yml when present)
  --db         Overrides database.path (":memory:" for a throwaway store)
  --log-level  Overrides processing.log_level

BATCH RESOLUTION:
  --batch, else processing.data_date, else today.

EXIT CODES:
  0 success, 1 any failure (the error is logged and printed to stderr)

EXAMPLES:
  seo schema
  seo run --batch 2024-01-05
  seo run --batch 2024-01-05 --from-stage join
  seo analyze top --metric estimated_traffic --limit 20
  seo serve --port 3000
*/
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/seo-engine/config"
	"github.com/warp/seo-engine/export"
	"github.com/warp/seo-engine/ingest"
	"github.com/warp/seo-engine/logging"
	"github.com/warp/seo-engine/pipeline"
	"github.com/warp/seo-engine/runner"
	"github.com/warp/seo-engine/store/sqlite"
)

const defaultConfigPath = "config.yml"

var (
	configPath string
	dbOverride string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seo",
		Short: "SEO performance ETL",
		Long: `seo ingests search-console, analytics and rank exports, turns them
into a per-batch fact table and answers analysis queries over it.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default config.yml when present)")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "SQLite database path, overrides database.path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(
		schemaCmd(),
		ingestCmd(),
		runCmd(),
		exportCmd(),
		runsCmd(),
		analyzeCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// app holds what every command needs: config, logger and an open store.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *sqlite.Store
	closeLog func()
}

func setup() (*app, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dbOverride != "" {
		cfg.Database.Path = dbOverride
	}
	if logLevel != "" {
		cfg.Processing.LogLevel = logLevel
	}

	logger, closeLog, err := logging.New(cfg.Processing.LogLevel, cfg.Processing.LogFile)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Debug("configuration loaded",
		zap.String("config", path),
		zap.String("database", cfg.Database.Path))

	return &app{cfg: cfg, logger: logger, store: store, closeLog: closeLog}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	a.closeLog()
}

func (a *app) batch(flag string) (pipeline.BatchID, error) {
	return a.cfg.ResolveBatch(flag, time.Now())
}

func (a *app) ingester() *ingest.Ingester {
	return ingest.New(a.store, ingest.WithLogger(a.logger.Named("ingest")))
}

func (a *app) engine() *pipeline.Engine {
	return pipeline.NewEngine(a.store,
		pipeline.WithLogger(a.logger.Named("engine")),
		pipeline.WithRunLog(a.store),
	)
}

func (a *app) exporter(dir string) *export.Exporter {
	if dir == "" {
		dir = a.cfg.Output.ExportDir
	}
	return export.New(a.store, dir, export.WithLogger(a.logger.Named("export")))
}

// runner wires the full pipeline; export follows output.export_csv unless
// disabled by the caller.
func (a *app) runner(withExport bool) *runner.Runner {
	opts := []runner.Option{runner.WithLogger(a.logger.Named("runner"))}
	if withExport && a.cfg.Output.ExportCSV {
		opts = append(opts, runner.WithExporter(a.exporter("")))
	}
	return runner.New(a.ingester(), a.engine(), a.cfg.Sources(), opts...)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
