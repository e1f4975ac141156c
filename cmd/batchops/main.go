package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"batchops/internal/app"
	"batchops/pkg/config"
	"batchops/pkg/logger"
)

// set build metadata
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownTimeout = 20 * time.Second

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	flags, err := config.ParseConfigFlags(os.Args[1:])
	if err != nil {
		abort("invalid flags", err)
	}

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		abort("failed to load config file", err)
	}

	envCfg, _, err := config.ParseConfigEnvs()
	if err != nil {
		abort("invalid environment", err)
	}

	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg)
	if err != nil {
		abort("failed to build effective config", err)
	}

	if err := config.ValidateConfig(eff); err != nil {
		abort("invalid configuration", err)
	}

	// initialize logger after config is fully loaded
	if err := logger.InitWithLevel(eff.Config.Logging.Level); err != nil {
		abort("failed to initialize logger", err)
	}
	defer logger.Sync()
	logger.Info("effective_config_loaded", "source", eff.Source, "addr", eff.Addr, "db_path", eff.DBPath)

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		abort("failed to initialize app", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := a.Run(ctx)
	if runErr != nil {
		logger.L().Error("app_run_failed", zap.Error(runErr))
	}

	// bounded so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil || runErr != nil {
		logger.Sync()
		os.Exit(1)
	}
}

func abort(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	logger.Error("startup_aborted", "reason", msg, "error", err)
	logger.Sync()
	os.Exit(1)
}
