package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/attribution/internal/api"
	"github.com/gosight/gosight/attribution/internal/config"
	"github.com/gosight/gosight/attribution/internal/consumer"
	"github.com/gosight/gosight/attribution/internal/join"
	"github.com/gosight/gosight/attribution/internal/metrics"
	"github.com/gosight/gosight/attribution/internal/producer"
	"github.com/gosight/gosight/attribution/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = config.DefaultPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("Failed to load config")
		return 1
	}
	setupLogging(cfg.Log)

	log.Info().
		Strs("kafka_brokers", cfg.Kafka.Brokers).
		Str("clicks_topic", cfg.Kafka.Topics.Clicks).
		Str("page_views_topic", cfg.Kafka.Topics.PageViews).
		Str("output_topic", cfg.Kafka.Topics.Output).
		Str("clickhouse_addr", cfg.ClickHouse.Addr).
		Str("redis_addr", cfg.Redis.Addr).
		Dur("allowed_lateness", cfg.Join.AllowedLateness).
		Dur("eviction_interval", cfg.Join.EvictionInterval).
		Msg("Configuration loaded")

	var writers []storage.Writer

	// Initialize ClickHouse
	if cfg.ClickHouse.Addr != "" {
		ch, err := storage.NewClickHouse(cfg.ClickHouse)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to ClickHouse")
			return 1
		}
		defer ch.Close()
		if err := ch.InitSchema(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to create ClickHouse schema")
			return 1
		}
		writers = append(writers, ch)
		log.Info().Msg("Connected to ClickHouse")
	}

	// Initialize Redis
	if cfg.Redis.Addr != "" {
		rdb, err := storage.NewRedis(cfg.Redis)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to Redis")
			return 1
		}
		defer rdb.Close()
		writers = append(writers, rdb)
		log.Info().Msg("Connected to Redis")
	}

	// Initialize output topic
	if cfg.Kafka.Topics.Output != "" {
		kafkaProducer := producer.NewKafkaProducer(cfg.Kafka)
		defer kafkaProducer.Close()
		writers = append(writers, kafkaProducer)
		log.Info().Msg("Kafka producer initialized")
	}

	if len(writers) == 0 {
		log.Warn().Msg("No sink configured, attributed page views are kept in memory only")
		writers = append(writers, storage.NewMemory())
	}
	sink := storage.NewFanout(writers...)

	// Create join engine
	registry := metrics.NewRegistry()
	engine := join.NewEngine(join.Config{
		AllowedLateness:  cfg.Join.AllowedLateness,
		EvictionInterval: cfg.Join.EvictionInterval,
	}, sink, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.NewHandler(registry, engine.Tracker()).Router(),
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start consuming
	kafkaConsumer := consumer.NewKafkaConsumer(cfg.Kafka, engine)
	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- kafkaConsumer.Run(ctx)
	}()

	log.Info().Int("sinks", sink.Len()).Msg("Attribution processor started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		log.Info().Msg("Shutting down...")
		cancel()
		<-consumerErr
	case err := <-consumerErr:
		// uncommitted messages are redelivered after restart
		log.Error().Err(err).Msg("Kafka consumer failed")
		exitCode = 1
		cancel()
	case err := <-serverErr:
		log.Error().Err(err).Msg("Failed to serve HTTP")
		exitCode = 1
		cancel()
		<-consumerErr
	}

	if err := kafkaConsumer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Kafka consumer")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down HTTP server")
	}

	log.Info().Msg("Shutdown complete")
	return exitCode
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if !cfg.Console {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
