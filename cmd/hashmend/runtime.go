package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hashmend/pkg/cache"
	"hashmend/pkg/config"
	"hashmend/pkg/metrics"
	"hashmend/pkg/oracle"
	"hashmend/pkg/pow"
	"hashmend/pkg/repair"
)

// runtime holds everything one command invocation needs.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *oracle.Client
	tokens  *pow.TokenManager
	engine  *repair.Engine
	metrics *metrics.Metrics

	cache         *cache.HashCache
	metricsServer *http.Server
}

// loadConfig reads the config file or environment and applies command line
// overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Oracle.URL = oracleURL
	}
	if flags.Changed("concurrency") {
		cfg.Repair.Concurrency = concurrency
	}
	if flags.Changed("cache") {
		cfg.Cache.Path = cachePath
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Address = metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := setupLogger(verbose).With(zap.String("run_id", uuid.NewString()))

	rt := &runtime{cfg: cfg, logger: logger}

	registry := prometheus.NewRegistry()
	rt.metrics = metrics.NewMetrics(registry)
	if cfg.Metrics.Address != "" {
		rt.metricsServer = metrics.Serve(cfg.Metrics.Address, registry, logger)
	}

	client, err := oracle.NewClient(oracle.Options{
		BaseURL:     cfg.Oracle.URL,
		ChunkSize:   int(cfg.Oracle.ChunkBytes),
		Timeout:     cfg.Oracle.Timeout,
		MaxAttempts: cfg.Oracle.MaxAttempts,
		BaseDelay:   cfg.Oracle.RetryBaseDelay,
		MaxDelay:    cfg.Oracle.RetryMaxDelay,
	}, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	client.SetMetrics(rt.metrics)
	rt.client = client

	order, _ := cfg.PoW.Order()
	solver := pow.NewSolver(logger)
	solver.Difficulty = cfg.PoW.Difficulty
	solver.ByteOrder = order
	solver.MaxAttempts = cfg.PoW.MaxAttempts
	solver.MaxDuration = cfg.PoW.MaxDuration

	rt.tokens = pow.NewTokenManager(client, solver, logger)
	rt.tokens.ConfigureLifetime(cfg.PoW.Lifetime, cfg.PoW.RefreshMargin)
	rt.tokens.SetMetrics(rt.metrics)
	client.UseTokens(rt.tokens)

	if cfg.Cache.Path != "" {
		hc, err := cache.Open(cache.Config{
			Path:      cfg.Cache.Path,
			Namespace: client.BaseURL(),
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		client.UseCache(hc)
		rt.cache = hc
		logger.Debug("Hash cache enabled", zap.String("path", cfg.Cache.Path))
	}

	rt.engine = repair.NewEngine(client, repair.Options{
		ChunkSize:   int(cfg.Oracle.ChunkBytes),
		WindowSize:  cfg.Repair.WindowBytes,
		Concurrency: cfg.Repair.Concurrency,
	}, logger)
	rt.engine.SetMetrics(rt.metrics)

	return rt, nil
}

// Close releases the cache and stops the metrics server.
func (rt *runtime) Close() {
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			rt.logger.Warn("Failed to close hash cache", zap.Error(err))
		}
	}
	if rt.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.metricsServer.Shutdown(ctx)
	}
	rt.logger.Sync()
}
