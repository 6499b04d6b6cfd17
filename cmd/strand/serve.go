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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/internal/checkpoint"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the strand runtime daemon",
		Long: `Run the strand runtime daemon.

The daemon connects MCP servers, reclaims orphaned sandbox runtimes, runs the
sandbox lifecycle reaper and the retention sweeps, and serves health and
metrics endpoints. Graceful shutdown on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, listenAddr, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&listenAddr, "listen", ":9090", "Health and metrics listen address")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath, listenAddr string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg, debug)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	shutdownCtx := context.Background()
	defer rt.close(shutdownCtx)

	if reclaimed, err := rt.sandbox.ReclaimOrphans(ctx); err != nil {
		logger.Warn("orphan sandbox reclamation failed", "error", err)
	} else if reclaimed > 0 {
		logger.Info("reclaimed orphaned sandboxes", "count", reclaimed)
	}
	rt.sandbox.StartReaper()

	threadSweeper := store.NewSweeper(
		rt.stores.Threads, rt.stores.Messages,
		time.Duration(cfg.Anonymous.TTLDays)*24*time.Hour,
		cfg.Anonymous.SweepSchedule, logger)
	threadSweeper.AddPurger(func(ctx context.Context, threadID string) {
		if err := rt.checkpoints.DeleteThread(ctx, threadID); err != nil {
			logger.Warn("failed to purge checkpoints", "thread_id", threadID, "error", err)
		}
	})
	threadSweeper.AddPurger(func(ctx context.Context, threadID string) {
		if err := rt.sandbox.Release(ctx, threadID, models.CleanupThreadDeleted); err != nil {
			logger.Warn("failed to release sandbox", "thread_id", threadID, "error", err)
		}
	})
	threadSweeper.AddPurger(func(ctx context.Context, threadID string) {
		if err := rt.stores.SandboxHistory.Delete(ctx, threadID); err != nil {
			logger.Warn("failed to purge sandbox history", "thread_id", threadID, "error", err)
		}
	})
	if err := threadSweeper.Start(); err != nil {
		return fmt.Errorf("thread sweeper: %w", err)
	}
	defer threadSweeper.Stop()

	checkpointSweeper := checkpoint.NewSweeper(rt.checkpoints,
		time.Duration(cfg.Checkpoint.RetentionDays)*24*time.Hour,
		cfg.Checkpoint.MinRetainedPerThread,
		cfg.Checkpoint.SweepSchedule, logger)
	if err := checkpointSweeper.Start(); err != nil {
		return fmt.Errorf("checkpoint sweeper: %w", err)
	}
	defer checkpointSweeper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	server := &http.Server{Addr: listenAddr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("strand runtime started", "version", version,
		"backend", rt.checkpoints.Backend())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("metrics server: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(shutdownCtx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
	return nil
}
