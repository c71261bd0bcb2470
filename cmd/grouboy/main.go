package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/internal/config"
	"github.com/woxQAQ/grouboy-host/internal/host"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	romRef := flag.String("rom", "", "ROM file, archive or http(s) URL to play")
	coreName := flag.String("core", "", "Core to run; empty picks one by ROM extension")
	streamAddr := flag.String("stream", "", "Serve frames over websocket on this address, e.g. :8090")
	snapshot := flag.String("snapshot", "", "Write the last frame as PNG to this path on exit")
	flag.Parse()

	if *romRef == "" && flag.NArg() > 0 {
		*romRef = flag.Arg(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *coreName != "" {
		cfg.Emulator.Core = *coreName
	}
	if *streamAddr != "" {
		cfg.Stream.Enabled = true
		cfg.Stream.Addr = *streamAddr
	}
	if err := cfg.Validate(); err != nil {
		zap.NewExample().Fatal("Invalid configuration", zap.Error(err))
	}

	// Initialize logger
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting grouboy",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	if *romRef == "" {
		logger.Fatal("No ROM given; pass -rom or a path argument")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := host.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create host", zap.Error(err))
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	runErr := h.Run(ctx, *romRef)
	if runErr != nil {
		logger.Error("Emulation failed", zap.Error(runErr))
	}

	if *snapshot != "" {
		writeSnapshot(h, *snapshot, cfg.Emulator.SnapshotScale, logger)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := h.Close(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}

	logger.Info("Host shutdown complete")
	if runErr != nil {
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}

	zc := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zc.Level = lvl
	}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func writeSnapshot(h *host.Host, path string, scale int, logger *zap.Logger) {
	f, err := os.Create(path)
	if err != nil {
		logger.Error("Failed to create snapshot", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	if err := h.Frames().WritePNG(f, scale); err != nil {
		logger.Error("Failed to write snapshot", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Info("Snapshot written", zap.String("path", path), zap.Int("scale", scale))
}
