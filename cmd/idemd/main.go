package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyplat/idemgate/internal/api"
	"github.com/tinyplat/idemgate/internal/config"
	"github.com/tinyplat/idemgate/internal/idempotency"
	"github.com/tinyplat/idemgate/internal/reqlog"
)

func main() {
	cfg := config.Load()
	logger := log.Default()
	logger.Printf("config loaded: store=%s claim_ttl=%s completed_ttl=%s", cfg.Store, cfg.ClaimTTL, cfg.CompletedTTL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, closeDriver, err := idempotency.OpenDriver(ctx, idempotency.BackendConfig{
		Store:       cfg.Store,
		PostgresDSN: cfg.PostgresDSN,
		RedisAddr:   cfg.RedisAddr,
		KeyPrefix:   cfg.KeyPrefix,
	})
	if err != nil {
		logger.Fatalf("open idempotency backend: %v", err)
	}
	defer closeDriver()

	coordinator := idempotency.NewCoordinator(driver, cfg.ClaimTTL, cfg.CompletedTTL, logger)
	idempotency.NewSweeper(driver, cfg.SweepInterval, logger).Start(ctx)

	failureMode, err := api.ParseFailureMode(cfg.FailureMode)
	if err != nil {
		logger.Fatalf("invalid IDEMD_FAILURE_MODE: %v", err)
	}

	var sink reqlog.Sink
	switch cfg.ReqLogSink {
	case "postgres":
		pgSink, err := reqlog.NewPostgresSink(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatalf("open request log sink: %v", err)
		}
		defer pgSink.Close()
		sink = pgSink
	default:
		sink = reqlog.NewStdoutSink(logger)
	}
	recorder := reqlog.NewRecorder(sink, cfg.ReqLogQueueSize, cfg.ReqLogWorkers, logger)
	recorder.Start(ctx)

	server := api.NewServer(coordinator, recorder, failureMode, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Printf("idemd listening on %s", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("idemd failed: %v", err)
	}
	recorder.Wait()
}
