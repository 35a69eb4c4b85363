package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	match "github.com/paydax/matching-engine"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("matchd exited", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := match.LoadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return err
	}

	repo := match.NewRepository(db, logger)
	if err := repo.AutoMigrate(); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	cache := match.NewRedisCache(redisClient)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := match.NewMetrics(registry)

	wallets := match.NewWalletStore(logger)
	state := match.NewMatcherState(cache)
	books := match.NewOrderBookGenerator(repo, cache, cfg.OrderBook.DepthLimit, logger)

	matcher := match.NewMatcher(repo, wallets, cache, state, nil, metrics, match.MatcherConfig{
		PriceGuard:    cfg.PriceGuardDecimal(),
		FeeSinkUserID: cfg.Matcher.FeeSinkUserID,
	}, logger)

	scheduler := match.NewConcurrentMatcher(matcher, repo, books, state, metrics, match.ConcurrentMatcherConfig{
		TickInterval:      cfg.Matcher.TickInterval,
		RoundTimeout:      cfg.Matcher.RoundTimeout,
		ConcurrentSymbols: cfg.Matcher.ConcurrentSymbols,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := books.Run(ctx, cfg.OrderBook.Interval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("order book loop failed", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- scheduler.Start(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	scheduler.Shutdown()
	if err := metricsServer.Shutdown(context.Background()); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
