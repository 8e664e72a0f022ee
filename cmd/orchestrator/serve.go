package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/config"
	"github.com/neuroinsight/orchestrator/pkg/executor"
	"github.com/neuroinsight/orchestrator/pkg/httpapi"
	"github.com/neuroinsight/orchestrator/pkg/log"
	"github.com/neuroinsight/orchestrator/pkg/metrics"
	"github.com/neuroinsight/orchestrator/pkg/results"
	"github.com/neuroinsight/orchestrator/pkg/workflow"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job-orchestration HTTP API and its queue worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogFormat == "json", File: cfg.LogFile})

		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		reg, err := openRegistry(cfg)
		if err != nil {
			return fmt.Errorf("load plugin/workflow registry: %w", err)
		}

		store, err := openJobStore(cfg)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		defer store.Close()

		auditLog, err := openAuditLogger(cfg)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		objStore, err := openObjectStore(ctx, cfg)
		cancel()
		if err != nil {
			return fmt.Errorf("connect object store: %w", err)
		}

		backends := buildBackends(cfg, store, reg)
		initialBackend, err := initialBackendKind(cfg)
		if err != nil {
			return err
		}

		redisAddr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)
		dispatcher := executor.NewDispatcher(redisAddr, backends)
		defer dispatcher.Close()

		exec := workflow.New(reg, store, dispatcher, backends, objStore, auditLog, cfg.DataDir, 3*time.Second)
		resultsSvc := results.New(cfg.DataDir, store, auditLog)

		apiServer := httpapi.New(reg, store, exec, resultsSvc, objStore, auditLog, backends, initialBackend, Version)

		collector := metrics.NewCollector(store, backends, 15*time.Second)
		collector.Start()
		defer collector.Stop()

		// The worker consumes the same durable queue Dispatch enqueues
		// onto; without it, enqueued jobs never reach backend.Submit.
		worker, workerMux := executor.NewServer(redisAddr, cfg.MaxConcurrentJobs, backends)
		workerErrCh := make(chan error, 1)
		go func() {
			log.Info(fmt.Sprintf("starting job queue worker (redis=%s, concurrency=%d)", redisAddr, cfg.MaxConcurrentJobs))
			if err := worker.Run(workerMux); err != nil {
				workerErrCh <- err
			}
		}()
		defer worker.Shutdown()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/", apiServer.Router())

		addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
		srv := &http.Server{Addr: addr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			log.Info(fmt.Sprintf("listening on %s (backend=%s)", addr, initialBackend))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		case err := <-workerErrCh:
			return fmt.Errorf("queue worker error: %w", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}
