package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"dupcheck/internal/pkg/administrator"
	"dupcheck/internal/pkg/config"
	"dupcheck/internal/pkg/logger"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "path to a config file (env vars still override it)")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Log.Sync()

	// Cancelled on SIGINT/SIGTERM so Run can shut down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	admin, err := administrator.New(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to start", zap.Error(err))
	}

	logger.Log.Info("Duplicate-check service starting",
		zap.String("port", cfg.ServerPort),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("threshold", cfg.Threshold),
		zap.Int("fingerprint_width", cfg.FingerprintWidth),
		zap.Int("blocks", cfg.Blocks()),
		zap.Int("workers", admin.WorkerCount()))

	if err := admin.Run(ctx); err != nil {
		logger.Log.Error("Service stopped with error", zap.Error(err))
		logger.Log.Sync()
		os.Exit(1)
	}
	logger.Log.Info("Shutdown complete")
}
