package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/seo-engine/analysis"
	"github.com/warp/seo-engine/api"
	"github.com/warp/seo-engine/pipeline"
	"github.com/warp/seo-engine/runner"
)

// withApp runs fn with a wired app and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		if err := fn(cmd.Context(), a); err != nil {
			a.logger.Error(cmd.Name()+" failed", zap.Error(err))
			return err
		}
		return nil
	}
}

// =============================================================================
// SCHEMA
// =============================================================================

func schemaCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create the database tables",
		Long: `Creates every staging, partition, fact and audit table. With --reset the
tables are dropped first: all staged, processed and logged data is lost.`,
		RunE: withApp(func(ctx context.Context, a *app) error {
			if reset {
				if err := a.store.Reset(ctx, true); err != nil {
					return err
				}
				a.logger.Warn("all tables dropped and recreated", zap.String("database", a.cfg.Database.Path))
			} else {
				a.logger.Info("schema ready", zap.String("database", a.cfg.Database.Path))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "drop and recreate all tables")
	return cmd
}

// =============================================================================
// INGEST
// =============================================================================

func ingestCmd() *cobra.Command {
	var batchFlag string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Stage new source files for a batch",
		RunE: withApp(func(ctx context.Context, a *app) error {
			batch, err := a.batch(batchFlag)
			if err != nil {
				return err
			}
			results, err := a.ingester().IngestAll(ctx, a.cfg.Sources(), batch)
			printJSON(results)
			return err
		}),
	}
	cmd.Flags().StringVar(&batchFlag, "batch", "", "batch id (YYYY-MM-DD)")
	return cmd
}

// =============================================================================
// RUN
// =============================================================================

func runCmd() *cobra.Command {
	var (
		batchFlag  string
		fromStage  string
		skipIngest bool
		noExport   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest, transform, join, build facts and export one batch",
		RunE: withApp(func(ctx context.Context, a *app) error {
			batch, err := a.batch(batchFlag)
			if err != nil {
				return err
			}
			stage, err := pipeline.ParseStage(fromStage)
			if err != nil {
				return err
			}
			report, err := a.runner(!noExport).Run(ctx, batch, runner.Options{FromStage: stage, SkipIngest: skipIngest})
			if report != nil {
				printJSON(report)
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&batchFlag, "batch", "", "batch id (YYYY-MM-DD)")
	cmd.Flags().StringVar(&fromStage, "from-stage", "", "resume at transform, join or fact")
	cmd.Flags().BoolVar(&skipIngest, "skip-ingest", false, "process already staged rows only")
	cmd.Flags().BoolVar(&noExport, "no-export", false, "skip the CSV export")
	return cmd
}

// =============================================================================
// EXPORT + RUNS
// =============================================================================

func exportCmd() *cobra.Command {
	var batchFlag, dir string
	var all bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write fact rows to a timestamped CSV file",
		RunE: withApp(func(ctx context.Context, a *app) error {
			var batch pipeline.BatchID
			if !all {
				b, err := a.batch(batchFlag)
				if err != nil {
					return err
				}
				batch = b
			}
			res, err := a.exporter(dir).Export(ctx, batch)
			if err != nil {
				return err
			}
			printJSON(res)
			return nil
		}),
	}
	cmd.Flags().StringVar(&batchFlag, "batch", "", "batch id (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&all, "all", false, "export every batch")
	cmd.Flags().StringVar(&dir, "dir", "", "export directory, overrides output.export_dir")
	return cmd
}

func runsCmd() *cobra.Command {
	var batchFlag string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the pipeline run audit trail",
		RunE: withApp(func(ctx context.Context, a *app) error {
			var batch pipeline.BatchID
			if batchFlag != "" {
				b, err := pipeline.ParseBatchID(batchFlag)
				if err != nil {
					return err
				}
				batch = b
			}
			runs, err := a.store.ListRuns(ctx, batch, limit)
			if err != nil {
				return err
			}
			printJSON(runs)
			return nil
		}),
	}
	cmd.Flags().StringVar(&batchFlag, "batch", "", "only runs of this batch")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	return cmd
}

// =============================================================================
// ANALYZE
// =============================================================================

func analyzeCmd() *cobra.Command {
	var batchFlag string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run an analysis query over committed facts",
	}
	cmd.PersistentFlags().StringVar(&batchFlag, "batch", "", "restrict to one batch (default: all)")

	batchOf := func() (pipeline.BatchID, error) {
		if batchFlag == "" {
			return "", nil
		}
		return pipeline.ParseBatchID(batchFlag)
	}

	var window, minSamples int
	trends := &cobra.Command{
		Use:   "trends",
		Short: "Compare the latest window with the previous one per keyword",
		RunE: withApp(func(ctx context.Context, a *app) error {
			batch, err := batchOf()
			if err != nil {
				return err
			}
			opts := analysis.TrendOptions{WindowDays: a.cfg.Analysis.TrendWindowDays, MinSamples: a.cfg.Analysis.MinSamples}
			if window > 0 {
				opts.WindowDays = window
			}
			if minSamples > 0 {
				opts.MinSamples = minSamples
			}
			report, err := analysis.New(a.store, analysis.WithLogger(a.logger)).Trends(ctx, batch, opts)
			if err != nil {
				return err
			}
			printJSON(report)
			return nil
		}),
	}
	trends.Flags().IntVar(&window, "window", 0, "window length in days (default: analysis.trend_window_days)")
	trends.Flags().IntVar(&minSamples, "min-samples", 0, "rows required per window (default: analysis.min_samples)")

	var minSessions int64
	var corrSamples int
	rankConv := &cobra.Command{
		Use:   "rank-conversion",
		Short: "Conversion rate per rank category and rank/conversion correlation",
		RunE: withApp(func(ctx context.Context, a *app) error {
			batch, err := batchOf()
			if err != nil {
				return err
			}
			opts := analysis.RankConversionOptions{MinSessions: a.cfg.Analysis.MinSessions, MinSamples: a.cfg.Analysis.CorrelationMinSamples}
			if minSessions >= 0 {
				opts.MinSessions = minSessions
			}
			if corrSamples > 0 {
				opts.MinSamples = corrSamples
			}
			report, err := analysis.New(a.store, analysis.WithLogger(a.logger)).RankConversion(ctx, batch, opts)
			if err != nil {
				return err
			}
			printJSON(report)
			return nil
		}),
	}
	rankConv.Flags().Int64Var(&minSessions, "min-sessions", -1, "sessions required per category (default: analysis.min_sessions)")
	rankConv.Flags().IntVar(&corrSamples, "min-samples", 0, "rows required for a correlation (default: analysis.correlation_min_samples)")

	var metric string
	var limit int
	top := &cobra.Command{
		Use:   "top",
		Short: "Top keywords by clicks, impressions, estimated_traffic or conversions",
		RunE: withApp(func(ctx context.Context, a *app) error {
			batch, err := batchOf()
			if err != nil {
				return err
			}
			m, err := analysis.ParseMetric(metric)
			if err != nil {
				return err
			}
			n := a.cfg.Analysis.TopN
			if limit > 0 {
				n = limit
			}
			keywords, err := analysis.New(a.store, analysis.WithLogger(a.logger)).TopKeywords(ctx, batch, m, n)
			if err != nil {
				return err
			}
			printJSON(keywords)
			return nil
		}),
	}
	top.Flags().StringVar(&metric, "metric", "clicks", "clicks, impressions, estimated_traffic or conversions")
	top.Flags().IntVar(&limit, "limit", 0, "number of keywords (default: analysis.top_n)")

	cmd.AddCommand(trends, rankConv, top)
	return cmd
}

// =============================================================================
// SERVE
// =============================================================================

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: withApp(func(_ context.Context, a *app) error {
			if port == 0 {
				port = a.cfg.Server.Port
			}
			r := a.runner(true)
			handler := api.NewHandler(a.store, r, a.cfg.Analysis, a.logger.Named("api"))
			router := api.NewRouter(handler, a.cfg.Server.AllowedOrigins)

			server := &http.Server{
				Addr:        fmt.Sprintf(":%d", port),
				Handler:     router,
				ReadTimeout: 15 * time.Second,
				// Triggered runs are synchronous.
				WriteTimeout: 10 * time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			scheduler := runner.NewScheduler(r, a.cfg.Server.ScheduleInterval, a.logger)
			scheduler.Start()
			defer scheduler.Stop()

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("server starting", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-quit:
			}

			a.logger.Info("shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.logger.Info("server stopped")
			return nil
		}),
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default: server.port)")
	return cmd
}
