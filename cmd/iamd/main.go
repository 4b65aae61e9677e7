// Package main provides the main entry point for the Synapse IAM daemon
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kluth/synapse-iam/api"
	"github.com/kluth/synapse-iam/pkg/iam"
	"github.com/kluth/synapse-iam/pkg/logger"
)

// Version information (set by build process)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Command line flags
var (
	configFile  = flag.String("config", "", "Path to configuration file")
	listenAddr  = flag.String("listen", ":8080", "HTTP listen address")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("synapse-iamd %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("Application failed: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger := logger.NewConsoleLogger(*logLevel)
	appLogger.Info("Starting synapse-iamd", map[string]interface{}{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})

	manager, err := iam.NewManager(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create IAM manager: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			appLogger.Error("Failed to close IAM manager", err)
		}
	}()

	server := api.NewServer(manager, *listenAddr, appLogger)
	return server.Start(ctx)
}

func loadConfig() (*iam.Config, error) {
	if *configFile != "" {
		return iam.LoadConfig(*configFile)
	}

	cfg := iam.DefaultConfig()
	cfg.TokenSecret = os.Getenv("IAM_TOKEN_SECRET")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
