package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/joao-fontenele/orderengine/internal/app"
	"github.com/joao-fontenele/orderengine/internal/config"
	"github.com/joao-fontenele/orderengine/internal/messaging"
	"github.com/joao-fontenele/orderengine/internal/telemetry"
)

const (
	serviceName    = "orderengine-worker"
	serviceVersion = "1.0.0"
	consumerGroup  = "orderengine-jobs"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.FromEnv()
	if err := cfg.Validate("POSTGRES_URL", "KAFKA_BROKERS", "REDIS_ADDR"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.Init(ctx, serviceName, serviceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	db, err := telemetry.OpenDB(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.JobsTopic)
	defer func() { _ = producer.Close() }()
	queue := messaging.NewJobQueue(producer, messaging.NewRedisDeduper(rdb, cfg.DedupWindow), logger)

	engine := app.New(cfg, db, queue, tel.Metrics, logger)

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.JobsTopic, consumerGroup, logger)
	defer func() { _ = consumer.Close() }()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           tel.MetricsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() { _ = metricsServer.Close() }()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting job worker", "brokers", cfg.KafkaBrokers, "topic", cfg.JobsTopic)

	if err := consumer.Consume(ctx, engine.Jobs.HandleMessage); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
