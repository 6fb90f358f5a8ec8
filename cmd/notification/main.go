package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/alarming"
	"github.com/smukkama/implant-monitor/internal/logging"
	"github.com/smukkama/implant-monitor/internal/notification"
	"github.com/smukkama/implant-monitor/internal/queue"
	"github.com/smukkama/implant-monitor/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := logging.MustNew(cfg.Log, "implant-notification")
	defer logger.Sync()

	logger.Info("Starting notification service...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))

	cooldown := alarming.NewCooldown(redisClient, cfg.SMTP.Cooldown)

	emailer := notification.NewEmailNotifier(cfg.SMTP, logger)
	if err := emailer.TestConnection(); err != nil {
		logger.Warn("SMTP connection test failed", zap.Error(err))
		logger.Info("Email notifications will be logged but not sent")
	} else {
		logger.Info("SMTP connection test successful")
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, "notification-group")
	defer consumer.Close()

	service := notification.NewService(consumer, cooldown, emailer, logger)

	logger.Info("Notification service is running",
		zap.String("topic", cfg.Kafka.TopicAlerts),
		zap.Duration("cooldown", cfg.SMTP.Cooldown))

	if err := service.Run(ctx); err != nil {
		logger.Error("Notification service stopped with error", zap.Error(err))
	}
	logger.Info("Notification service stopped")
}
