package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/alarming"
	"github.com/smukkama/implant-monitor/internal/database"
	"github.com/smukkama/implant-monitor/internal/ingest"
	"github.com/smukkama/implant-monitor/internal/logging"
	"github.com/smukkama/implant-monitor/internal/notify"
	"github.com/smukkama/implant-monitor/internal/queue"
	"github.com/smukkama/implant-monitor/pkg/config"
)

const (
	batchSize     = 100
	flushInterval = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := logging.MustNew(cfg.Log, "implant-ingestor")
	defer logger.Sync()

	logger.Info("Starting reading ingestor...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	alerts := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, logger)
	defer alerts.Close()

	// Postgres triggers notify dashboards on their own; the redis relay is
	// needed only for stores without LISTEN/NOTIFY.
	var publisher notify.Publisher
	if cfg.Notify.Source == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		relay := notify.NewRedisRelay(client, cfg.Notify.RedisChannel, nil, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("Change relay stopped with error", zap.Error(err))
			}
		}()
		publisher = relay
	}

	generator := alarming.NewGenerator(db, alerts, logger)
	defer generator.Close()
	service := ingest.NewService(db, generator, publisher, logger)

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, "ingestor-group")
	defer consumer.Close()

	writer := queue.NewBatchWriter(consumer, service, batchSize, flushInterval, logger)
	writer.Start(ctx)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := consumer.Stats()
				logger.Info("Consumer statistics",
					zap.Int64("messages", stats.Messages),
					zap.Int64("bytes", stats.Bytes),
					zap.Int64("errors", stats.Errors),
					zap.Int64("lag", stats.Lag))
			}
		}
	}()

	logger.Info("Reading ingestor is running",
		zap.String("topic", cfg.Kafka.TopicReadings),
		zap.Int("batch_size", batchSize),
		zap.Duration("flush_interval", flushInterval))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	writer.Stop()
	logger.Info("Reading ingestor stopped")
}
