package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/connection"
	"github.com/smukkama/implant-monitor/internal/database"
	"github.com/smukkama/implant-monitor/internal/logging"
	"github.com/smukkama/implant-monitor/internal/queue"
	"github.com/smukkama/implant-monitor/internal/server"
	"github.com/smukkama/implant-monitor/internal/timer"
	"github.com/smukkama/implant-monitor/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := logging.MustNew(cfg.Log, "implant-gateway")
	defer logger.Sync()

	logger.Info("Starting sensor gateway...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := queue.CreateTopic(
		cfg.Kafka.Brokers,
		cfg.Kafka.TopicReadings,
		cfg.Kafka.NumPartitions,
		1, // replication factor
		logger,
	); err != nil {
		logger.Info("Topic creation skipped (may already exist)", zap.Error(err))
	}

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, logger)
	defer producer.Close()

	var sensors server.SensorDirectory
	if cfg.TCPServer.VerifySensors {
		db, err := database.Open(cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		sensors = db
	}

	sessions := connection.NewManager(cfg.TCPServer.MaxConnections)

	scheduler := timer.NewScheduler(4, logger)
	scheduler.Start()
	defer scheduler.Stop()

	gateway := server.NewGateway(cfg.TCPServer, sessions, scheduler, producer, sensors, logger)
	if err := gateway.Start(); err != nil {
		logger.Fatal("Failed to start gateway", zap.Error(err))
	}
	defer gateway.Stop()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := sessions.Stats()
				timerStats := scheduler.Stats()
				logger.Info("Gateway statistics",
					zap.Int("connections", stats.Connections),
					zap.Int("max_connections", stats.MaxConnections),
					zap.Int("sensors", stats.Sensors),
					zap.Uint64("readings", stats.Readings),
					zap.Uint64("dropped", gateway.Dropped()),
					zap.Int("pending_deadlines", timerStats.Pending))
			}
		}
	}()

	logger.Info("Sensor gateway is running",
		zap.Int("port", cfg.TCPServer.Port),
		zap.Bool("verify_sensors", cfg.TCPServer.VerifySensors))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
}
