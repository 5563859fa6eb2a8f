// ABOUTME: Entry point for the fabric-router hub process.
// ABOUTME: Loads config, sets up logging, and runs the routing server.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/medrex/fabric/internal/config"
	"github.com/medrex/fabric/internal/router"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __       _          _                          _
 / _| __ _| |__  _ __(_) ___      _ __ ___  _   _| |_ ___ _ __
| |_ / _' | '_ \| '__| |/ __|____| '__/ _ \| | | | __/ _ \ '__|
|  _| (_| | |_) | |  | | (_|_____| | | (_) | |_| | ||  __/ |
|_|  \__,_|_.__/|_|  |_|\___|    |_|  \___/ \__,_|\__\___|_|
`

// getConfigPath returns the path to the router config file.
// Priority: FABRIC_CONFIG env var > XDG_CONFIG_HOME/fabric/router.yaml > ~/.config/fabric/router.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FABRIC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "router.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fabric", "router.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadRouter(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.Server.ListenAddr)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting fabric-router",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
	)

	srv := router.New(cfg, logger)
	return srv.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
