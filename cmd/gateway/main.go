package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kenneth/segment-key-gateway/internal/app"
	"github.com/kenneth/segment-key-gateway/internal/config"
	"github.com/kenneth/segment-key-gateway/internal/crypto"
	"github.com/kenneth/segment-key-gateway/internal/debug"
	"github.com/kenneth/segment-key-gateway/internal/logging"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/kenneth/segment-key-gateway/internal/tracing"
	"github.com/sirupsen/logrus"
)

var version = "dev"

func main() {
	var (
		configPath      = flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
		envFile         = flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
		shutdownTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Time allowed for in-flight requests and pipeline runs to drain")
	)
	flag.Parse()

	if err := run(*configPath, *envFile, *shutdownTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "segment-key-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string, shutdownTimeout time.Duration) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	debug.InitFromLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	if err := crypto.CheckHardware(cfg.Hardware); err != nil {
		return fmt.Errorf("hardware check failed: %w", err)
	}
	logger.WithFields(logrus.Fields(crypto.CipherInfo())).Info("Segment cipher status")

	metrics.SetVersion(version)
	m := metrics.NewMetrics()

	gateway, err := app.New(ctx, cfg, app.Options{Logger: logger, Metrics: m})
	if err != nil {
		return err
	}
	// Pipeline runs outlive the signal and are drained by Shutdown.
	gateway.Start(context.Background())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":         cfg.ListenAddr,
			"version":      version,
			"key_store":    cfg.KeyStore.Backend,
			"key_envelope": cfg.Delivery.KeyEnvelope,
			"sealer":       cfg.Pipeline.Sealer,
			"debug":        debug.Enabled(),
		}).Info("Starting segment key gateway")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-serveErr:
		logger.WithError(runErr).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Pipeline runs were interrupted")
	}
	logger.Info("Gateway stopped")
	return runErr
}
