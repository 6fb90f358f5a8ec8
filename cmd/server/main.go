package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/alarming"
	"github.com/smukkama/implant-monitor/internal/api"
	"github.com/smukkama/implant-monitor/internal/database"
	"github.com/smukkama/implant-monitor/internal/ingest"
	"github.com/smukkama/implant-monitor/internal/logging"
	"github.com/smukkama/implant-monitor/internal/mqttfeed"
	"github.com/smukkama/implant-monitor/internal/notify"
	"github.com/smukkama/implant-monitor/internal/query"
	"github.com/smukkama/implant-monitor/internal/queue"
	"github.com/smukkama/implant-monitor/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := logging.MustNew(cfg.Log, "implant-server")
	defer logger.Sync()

	logger.Info("Starting Implant Monitor server...")

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

	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, 1, 1, logger); err != nil {
		logger.Info("Topic creation skipped (may already exist)", zap.Error(err))
	}
	alerts := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, logger)
	defer alerts.Close()

	dispatcher := notify.NewDispatcher(cfg.Notify.CoalesceWindow, logger)
	defer dispatcher.Stop()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("Component stopped with error", zap.String("component", name), zap.Error(err))
				stop()
			}
		}()
	}

	var publisher notify.Publisher = dispatcher
	switch cfg.Notify.Source {
	case "postgres":
		source := notify.NewPostgresSource(cfg.Database.ConnectionString(), dispatcher, logger)
		run("postgres-listener", source.Run)

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		relay := notify.NewRedisRelay(client, cfg.Notify.RedisChannel, dispatcher, logger)
		run("redis-relay", relay.Run)
		publisher = notify.Multi{dispatcher, relay}
	}

	generator := alarming.NewGenerator(db, alerts, logger)
	defer generator.Close()
	ingestor := ingest.NewService(db, generator, publisher, logger)
	queries := query.NewService(db, logger)

	if cfg.MQTT.Broker != "" {
		feed := mqttfeed.NewFeed(cfg.MQTT, ingestor, logger)
		run("mqtt-feed", feed.Run)
	}

	httpServer := api.NewServer(cfg.HTTP, ingestor, queries, dispatcher, logger)
	run("http", httpServer.Run)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := dispatcher.Stats()
				logger.Info("Dispatcher statistics",
					zap.Int("subscribers", stats.Subscribers),
					zap.Uint64("published", stats.Published),
					zap.Uint64("delivered", stats.Delivered),
					zap.Uint64("coalesced", stats.Coalesced),
					zap.Uint64("failed", stats.Failed))
			}
		}
	}()

	logger.Info("Implant Monitor server is running",
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("notify_source", cfg.Notify.Source),
		zap.Bool("mqtt", cfg.MQTT.Broker != ""))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	wg.Wait()
	logger.Info("Server stopped")
}
