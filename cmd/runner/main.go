package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strandci/strand/internal/runner/coverage"
	"github.com/strandci/strand/internal/runner/docker"
	"github.com/strandci/strand/internal/runner/exec"
	httpx "github.com/strandci/strand/internal/runner/http"
	"github.com/strandci/strand/internal/runner/workspace"
	"github.com/strandci/strand/pkg/config"
	"github.com/strandci/strand/pkg/logger"
)

func main() {
	cfg := config.LoadRunnerConfig()
	log := logger.New("runner", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	notifier := exec.NewNotifier(cfg, log)
	uploader := coverage.New(cfg.CoverageURL, cfg.CoverageToken, cfg.CoverageAttempts, cfg.CallbackTimeout, log)

	executor := exec.New(dockerClient, workspaceManager, notifier, uploader, log, cfg)
	router := httpx.New(log, executor, cfg.AuthToken)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("runner server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("runner server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
