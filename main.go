package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketflow/config"
	"marketflow/internal/cache/redis"
	"marketflow/internal/connection"
	"marketflow/internal/coordinator"
	"marketflow/internal/dashboard"
	"marketflow/internal/exchange"
	"marketflow/internal/metrics"
	"marketflow/internal/orderbook"
	"marketflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Marketflow.Name,
		"version":     cfg.Marketflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting marketflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard)
		logger.CreateDefaultDashboard(ctx)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	var wg sync.WaitGroup

	if cfg.Metrics.CloudWatch.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.RunCloudWatch(ctx, time.Minute)
		}()
	}

	var coordOpts []coordinator.Option
	var redisClient *redis.Client
	if rc := cfg.Cache.Redis; rc.Enabled {
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			PoolSize: rc.PoolSize,
		})
		if err != nil {
			log.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
		cache := redis.NewPriceCache(redisClient, rc.TTL)
		coordOpts = append(coordOpts, coordinator.WithPriceSink(cache))

		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Run(ctx, time.Second)
		}()
	} else {
		log.WithComponent("main").Info("redis cache disabled; prices stay in memory")
	}

	registry := exchange.DefaultRegistry(cfg, nil)
	books := orderbook.NewManager(orderbook.ManagerConfig{
		StatsTTL:   cfg.OrderBook.StatsTTL,
		MaxPending: cfg.OrderBook.MaxPending,
		MaxGapAge:  cfg.OrderBook.MaxGapAge,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		books.Run(ctx, time.Second)
	}()

	coordOpts = append(coordOpts,
		coordinator.WithLogger(log),
		coordinator.WithConnectionOptions(connection.WithConfig(connection.Config{
			HeartbeatInterval: cfg.Connection.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Connection.HeartbeatTimeout,
			DialTimeout:       cfg.Connection.DialTimeout,
			MaxAttempts:       cfg.Connection.Retry.MaxAttempts,
			BaseDelay:         cfg.Connection.Retry.BaseDelay,
			MaxDelay:          cfg.Connection.Retry.MaxDelay,
		})),
	)
	coord := coordinator.New(registry, books, coordOpts...)

	if err := coord.ConnectTargets(ctx, targets(cfg, registry)); err != nil {
		log.WithError(err).Warn("some feeds could not be connected")
	}

	srv, err := dashboard.NewServer(cfg.Dashboard, log, coord, books)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx, cfg.Marketflow.Name); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	log.Info("closing exchange connections")
	coord.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Warn("failed to close redis client")
		}
	}

	log.Info("marketflow stopped")
}

// targets expands the enabled exchanges into one target per market type.
// An exchange without configured markets gets every market it supports;
// one without symbols is skipped.
func targets(cfg *config.Config, registry *exchange.Registry) []coordinator.Target {
	var out []coordinator.Target
	for _, id := range cfg.EnabledExchanges() {
		ex := cfg.Exchanges[string(id)]
		if len(ex.Symbols) == 0 {
			continue
		}
		markets := ex.MarketTypes()
		if len(markets) == 0 {
			adapter, err := registry.Get(id)
			if err != nil {
				continue
			}
			markets = adapter.Config().Markets()
		}
		for _, mt := range markets {
			out = append(out, coordinator.Target{Exchange: id, Market: mt, Symbols: ex.Symbols})
		}
	}
	return out
}
