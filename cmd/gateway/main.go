// Package main implements the entry point for the twinsync gateway,
// an edge process that bridges robot and PLC devices on the factory
// floor to a cloud MQTT broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/twinsync/gateway/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "twinsync-gateway"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	gw, err := buildGateway(cfg, logger, cliCfg.Simulate)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	return runWithSignalHandling(context.Background(), gw, cfg, cliCfg.MetricsPort, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags, handles -version/-help, and sets up logging.
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (built %s)\n", appName, Version, BuildTime)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting gateway", "version", Version, "build_time", BuildTime, "config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads the layered config file and validates it.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.AddLayer(cliCfg.ConfigPath)
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling starts the gateway, blocks until SIGINT/SIGTERM,
// then tears it down within shutdownTimeout.
func runWithSignalHandling(ctx context.Context, gw *Gateway, cfg *config.Config, metricsPort int, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := gw.Start(signalCtx, cfg.Security, metricsPort); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	<-signalCtx.Done()
	gw.logger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	gw.Stop(shutdownCtx, shutdownTimeout)
	gw.logger.Info("gateway shutdown complete")
	return nil
}
