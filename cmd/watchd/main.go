package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/config"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/logging"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the environment
	port := flag.String("port", cfg.Server.Port, "Server port")
	dataDir := flag.String("data", cfg.Storage.DataDir, "Data directory (overrides -apps and -prefs)")
	appsDir := flag.String("apps", cfg.Storage.RegistryDir, "Install manifest directory")
	prefsFile := flag.String("prefs", cfg.Storage.PrefsFile, "Preferences file")
	dev := flag.Bool("dev", cfg.Logging.Development, "Development logging")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Storage.RegistryDir = *appsDir
	cfg.Storage.PrefsFile = *prefsFile
	cfg.Logging.Development = *dev
	cfg.Storage.DataDir = *dataDir
	cfg.ApplyDataDir()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("watchd starting",
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("development", cfg.Logging.Development),
	)

	srv, err := server.NewServer(cfg, logger, server.Options{})
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server error", zap.Error(err))
		return
	}
	logger.Info("Server stopped")
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	if cfg.Development {
		return logging.New(logging.DevelopmentConfig())
	}
	lc := logging.DefaultConfig()
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	return logging.New(lc)
}
