package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kalviumcommunity/sumanize/internal/citations"
	cfg "github.com/kalviumcommunity/sumanize/internal/config"
	"github.com/kalviumcommunity/sumanize/internal/db"
	"github.com/kalviumcommunity/sumanize/internal/generator"
	"github.com/kalviumcommunity/sumanize/internal/httpapi"
	_ "github.com/kalviumcommunity/sumanize/internal/metrics" // register collectors
	"github.com/kalviumcommunity/sumanize/internal/streaming"
	"github.com/kalviumcommunity/sumanize/internal/tracing"
	"github.com/kalviumcommunity/sumanize/internal/turn"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	conf, err := cfg.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      conf.Tracing.Enabled,
		ServiceName:  conf.Tracing.ServiceName,
		OTLPEndpoint: conf.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Redis backs the broadcast delivery channel and event replay.
	redisClient := redis.NewClient(&redis.Options{
		Addr:         conf.Redis.Addr,
		Password:     conf.Redis.Password,
		DB:           conf.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	broker := streaming.NewBroker(redisClient, logger)
	broker.SetRingCapacity(conf.Delivery.RingCapacity)

	dbClient, err := db.NewClient(&db.Config{
		Driver:          conf.Database.Driver,
		DSN:             conf.Database.DSN,
		MaxConnections:  conf.Database.MaxConnections,
		IdleConnections: conf.Database.IdleConnections,
		MaxLifetime:     conf.Database.MaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	store := db.NewMessageStore(dbClient, logger)
	if conf.Database.Driver == "sqlite3" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure schema", zap.Error(err))
		}
		cancel()
	}

	registry := httpapi.NewSessionRegistry()
	hub := httpapi.NewHub(registry, broker, httpapi.HubOptions{
		HeartbeatInterval: conf.Delivery.HeartbeatInterval,
		ZombieTimeout:     conf.Delivery.ZombieTimeout,
	}, logger)
	hub.Start()

	// The runner publishes through the transport the deployment selects:
	// redis when multiple processes hold client connections, direct hub
	// writes on a single node.
	var publisher streaming.Publisher = broker
	if conf.Delivery.Transport == "websocket" {
		publisher = hub
	}
	aggregator := streaming.NewAggregator(publisher, logger)

	processor := citations.NewProcessor(citations.NewMatcher(citations.LoadConfig()))

	// The model backend is an external collaborator; plug the real client in
	// here. The scripted generator keeps local runs self-contained.
	var gen generator.Generator = generator.NewScripted(
		"This is a development build ",
		"without a model backend configured.",
	)

	runner := turn.NewRunner(gen, aggregator, processor, store, conf.Turn.Timeout, logger)

	mux := http.NewServeMux()
	hub.RegisterRoutes(mux)
	httpapi.NewSSEHandler(broker, logger).RegisterRoutes(mux)
	httpapi.NewTurnHandler(runner, logger).RegisterRoutes(mux)
	httpapi.NewHealthHandler(logger, map[string]httpapi.Pinger{
		"database": dbClient,
		"redis":    broker,
	}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:        ":" + strconv.Itoa(conf.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", conf.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(conf.Server.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", conf.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	cfg.Watch(logger, func(next *cfg.Config) {
		// Only the delivery ring depth is safe to change at runtime today.
		broker.SetRingCapacity(next.Delivery.RingCapacity)
	})

	// Graceful shutdown: stop accepting, close every live connection with a
	// proper close frame, then release shared resources.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	hub.Shutdown(shutdownCtx)
	broker.Close()
	if err := redisClient.Close(); err != nil {
		logger.Warn("Redis close failed", zap.Error(err))
	}
	if err := dbClient.Close(); err != nil {
		logger.Warn("Database close failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
