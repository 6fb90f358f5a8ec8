package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/protocol"
)

const (
	sendAttempts = 3
	retryDelay   = 2 * time.Second
)

// AlertSource is the consumer side of the alerts topic
type AlertSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Gate decides whether an alert may be mailed now
type Gate interface {
	Acquire(ctx context.Context, alert *protocol.AlertNotification) (bool, error)
	Reset(ctx context.Context, sensorID int64, severity string) error
}

// Sender delivers one alert
type Sender interface {
	SendAlert(n *protocol.AlertNotification) error
}

// Service consumes alert notifications and mails them, holding back repeats
// for the same sensor and severity while the cooldown runs.
type Service struct {
	source     AlertSource
	gate       Gate
	sender     Sender
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewService wires the consumer. gate may be nil to mail every alert.
func NewService(source AlertSource, gate Gate, sender Sender, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:     source,
		gate:       gate,
		sender:     sender,
		logger:     logger,
		retryDelay: retryDelay,
	}
}

// Run consumes until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	for {
		msg, err := s.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Failed to consume alert", zap.Error(err))
			continue
		}

		if err := s.Handle(ctx, msg.Value); err != nil {
			s.logger.Error("Failed to deliver alert",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}

		if err := s.source.Commit(ctx, msg); err != nil {
			s.logger.Warn("Failed to commit offset", zap.Error(err))
		}
	}
}

// Handle processes one alerts-topic record. Undecodable records are dropped.
func (s *Service) Handle(ctx context.Context, value []byte) error {
	alert, err := protocol.DecodeAlertNotification(value)
	if err != nil {
		s.logger.Warn("Dropping undecodable alert", zap.Error(err))
		return nil
	}
	log := s.logger.With(
		zap.Int64("event_id", alert.EventID),
		zap.Int64("sensor_id", alert.SensorID),
		zap.String("severity", alert.Severity))

	if s.gate != nil {
		ok, err := s.gate.Acquire(ctx, alert)
		if err != nil {
			log.Warn("Cooldown unavailable, sending anyway", zap.Error(err))
		} else if !ok {
			log.Info("Alert e-mail suppressed by cooldown")
			return nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if lastErr = s.sender.SendAlert(alert); lastErr == nil {
			log.Info("Alert e-mail sent")
			return nil
		}
		log.Warn("Alert e-mail failed", zap.Int("attempt", attempt), zap.Error(lastErr))

		if attempt < sendAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}

	// Free the slot so the next alert for this sensor is not held back by a mail that never went out.
	if s.gate != nil {
		if err := s.gate.Reset(ctx, alert.SensorID, alert.Severity); err != nil {
			log.Warn("Failed to reset cooldown", zap.Error(err))
		}
	}
	return fmt.Errorf("alert %d not sent after %d attempts: %w", alert.EventID, sendAttempts, lastErr)
}
