package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbus-cloud/nimbusfs/internal/logger"
	"github.com/nimbus-cloud/nimbusfs/pkg/config"
	"github.com/nimbus-cloud/nimbusfs/pkg/engine"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	storageRoot := flag.String("root", "", "Storage root override")
	sweepOnce := flag.Bool("sweep-once", false, "Run one trash sweep and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// CLI flags take precedence over file and environment.
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *storageRoot != "" {
		cfg.Storage.Root = *storageRoot
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := setupLogOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to set up log output: %v", err)
	}

	fmt.Println("NimbusFS - Self-Hosted Cloud Storage Engine")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Storage root: %s", cfg.Storage.Root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open storage engine: %v", err)
	}

	if *sweepOnce {
		stats, err := eng.SweepNow(ctx)
		if err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		logger.Info("Sweep completed: %s", stats.Summary())
		shutdown(eng, cfg)
		return
	}

	eng.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Engine is running. Press Ctrl+C to stop.")
	<-sigChan

	logger.Info("Shutdown signal received, initiating graceful shutdown...")
	cancel()
	shutdown(eng, cfg)
}

// shutdown closes the engine within the configured shutdown timeout.
func shutdown(eng *engine.Engine, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := eng.Close(ctx); err != nil {
		logger.Error("Engine shutdown error: %v", err)
		os.Exit(1)
	}
	logger.Info("Engine stopped gracefully")
}

// setupLogOutput redirects engine logs to the configured destination.
func setupLogOutput(output string) error {
	switch output {
	case "", "stdout":
		return nil
	case "stderr":
		logger.SetOutput(os.Stderr)
		return nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		logger.SetOutput(f)
		return nil
	}
}
