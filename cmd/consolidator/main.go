// Package main is the entry point for the virtpack consolidator.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/virtpack/virtpack/internal/config"
	"github.com/virtpack/virtpack/internal/repository/etcd"
	"github.com/virtpack/virtpack/internal/repository/postgres"
	"github.com/virtpack/virtpack/internal/repository/redis"
	"github.com/virtpack/virtpack/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	datasetPath := flag.String("dataset", "", "Path to an inventory dataset to load at startup")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("virtpack consolidator")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting virtpack consolidator",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backends are optional: the consolidator degrades to in-memory
	// repositories and single-node operation when they are unreachable.
	var opts []server.ServerOption

	if db, err := postgres.NewDB(ctx, cfg.Database, logger); err != nil {
		logger.Warn("PostgreSQL unavailable, plans will be kept in memory", zap.Error(err))
	} else {
		opts = append(opts, server.WithPostgreSQL(db))
	}

	if cache, err := redis.NewCache(cfg.Redis, logger); err != nil {
		logger.Warn("Redis unavailable, plan caching disabled", zap.Error(err))
	} else {
		opts = append(opts, server.WithRedis(cache))
	}

	if etcdClient, err := etcd.NewClient(cfg.Etcd, logger); err != nil {
		logger.Warn("etcd unavailable, running without leader election", zap.Error(err))
	} else {
		opts = append(opts, server.WithEtcd(etcdClient))
	}

	srv := server.New(cfg, logger, opts...)

	if *datasetPath != "" {
		if err := srv.LoadDataset(ctx, *datasetPath); err != nil {
			logger.Fatal("Failed to load dataset", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
