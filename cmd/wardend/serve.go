package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/engine"
	"github.com/fyrsmithlabs/wardend/internal/logging"
)

var configFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wardend daemon",
	Long: `Run the wardend daemon: tail the configured log sources, accept
state pushes, detect issues, and serve the query API.

Configuration is loaded from ~/.config/wardend/config.yaml (override
with --config) with environment variable overrides, e.g.
SERVER_HTTP_PORT=9191.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "config file path")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	zl := logger.Underlying()
	zl.Info("starting wardend",
		zap.String("service", cfg.Observability.ServiceName),
		zap.Int("port", cfg.Server.Port),
		zap.Int("sources", len(cfg.Ingest.Sources)))

	eng, err := engine.New(cfg, zl)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		zl.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := eng.Run(ctx); err != nil {
		return err
	}
	zl.Info("shutdown complete")
	return nil
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	logCfg.Level = level
	logCfg.Format = cfg.Observability.LogFormat
	return logging.NewLogger(logCfg)
}
