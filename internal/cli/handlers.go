package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/BartekS5/etlrunner/internal/config"
	"github.com/BartekS5/etlrunner/internal/etl"
	"github.com/BartekS5/etlrunner/internal/metrics"
	"github.com/BartekS5/etlrunner/internal/runlog"
	"github.com/BartekS5/etlrunner/pkg/database"
)

func runPipeline(ctx context.Context, root *RootOptions, opts *RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	spec, err := config.LoadPipeline(opts.PipelineFile)
	if err != nil {
		return err
	}

	conns := NewConnections(root.cfg)
	defer conns.Close()

	stages, err := BuildStages(spec, conns, opts.DryRun)
	if err != nil {
		return err
	}
	checkpoints, err := buildCheckpointStore(ctx, spec.Checkpoint, conns)
	if err != nil {
		return err
	}

	emitters := etl.MultiEmitter{etl.SlogEmitter{Logger: slog.Default()}}

	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		emitters = append(emitters, metrics.NewCollector(reg))
		stop := serveMetrics(opts.MetricsAddr, metrics.Handler(reg))
		defer stop()
	}

	if root.cfg.PostgresURL != "" && !opts.DryRun {
		if pool, err := conns.Postgres(ctx); err != nil {
			slog.Warn("Run log disabled", "error", err)
		} else {
			emitters = append(emitters, runlog.NewRecorder(runlog.NewStore(pool), root.cfg.User))
		}
	}

	p, err := etl.NewPipeline(spec.Name, stages, etl.Options{
		MaxAttempts:  spec.Retry.MaxAttempts,
		BaseDelay:    spec.Retry.BaseDelay,
		MaxDelay:     spec.Retry.MaxDelay,
		StageTimeout: spec.Retry.StageTimeout,
		Emitter:      emitters,
		Checkpoints:  checkpoints,
		Resume:       opts.Resume,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.DryRun {
		slog.Info("[DRY RUN] Load stages will not write")
	}
	out := p.Run(ctx)
	logSummary(out)
	return out.Error()
}

func logSummary(out etl.Outcome) {
	for _, r := range out.Results {
		attrs := []any{"stage", r.Stage, "status", r.Result.Status().String(), "duration", r.Result.Duration()}
		if rep, ok := r.Result.Payload().(etl.LoadReport); ok {
			attrs = append(attrs, "written", rep.Written)
		} else if rows, ok := r.Result.Payload().(etl.Rows); ok {
			attrs = append(attrs, "rows", len(rows))
		}
		slog.Info("Stage summary", attrs...)
	}
	slog.Info("Run finished", "pipeline", out.Pipeline, "run_id", out.RunID,
		"state", string(out.State), "elapsed", out.FinishedAt.Sub(out.StartedAt))
}

// serveMetrics serves h on addr until the returned stop function is called.
func serveMetrics(addr string, h http.Handler) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func runValidate(cmd *cobra.Command, file string) error {
	spec, err := config.LoadPipeline(file)
	if err != nil {
		return err
	}
	// Transform names are only known to the runtime registry.
	t := etl.NewTransformer()
	for _, st := range spec.Stages {
		if _, err := t.Chain(transformSteps(st.Transforms), nil); err != nil {
			return fmt.Errorf("stage %s: %w", st.Name, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stages OK\n", spec.Name, len(spec.Stages))
	return nil
}

func runMigrate(ctx context.Context, root *RootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	url, err := root.cfg.RequirePostgres()
	if err != nil {
		return err
	}
	pool, err := database.ConnectPostgres(ctx, url)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := runlog.Migrate(ctx, pool); err != nil {
		return err
	}
	slog.Info("Run log migrations applied")
	return nil
}

// exitCode maps a command error to a process exit status: 130 for a
// cancelled run, 1 otherwise.
func exitCode(err error) int {
	if errors.Is(err, etl.ErrCancelled) {
		return 130
	}
	return 1
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
