package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// channelTopics maps the NOTIFY channels raised by the schema triggers.
var channelTopics = map[string]Topic{
	"reading_changed": TopicReadings,
	"event_changed":   TopicEvents,
	"entity_changed":  TopicEntities,
}

// PostgresSource turns LISTEN/NOTIFY messages from table triggers into
// dispatcher publishes, so writes from other processes refresh subscribers.
type PostgresSource struct {
	connStr string
	target  Publisher
	logger  *zap.Logger
}

func NewPostgresSource(connStr string, target Publisher, logger *zap.Logger) *PostgresSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSource{connStr: connStr, target: target, logger: logger}
}

// Run listens until ctx is cancelled
func (s *PostgresSource) Run(ctx context.Context) error {
	listener := pq.NewListener(s.connStr, 10*time.Second, time.Minute, s.onEvent)
	defer listener.Close()

	for channel := range channelTopics {
		if err := listener.Listen(channel); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", channel, err)
		}
	}
	s.logger.Info("listening for database changes", zap.Int("channels", len(channelTopics)))

	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			s.handle(n)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					s.logger.Warn("listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

// handle publishes the topic for a notification. A nil notification follows a
// reconnect, after which any change may have been missed, so every topic fires.
func (s *PostgresSource) handle(n *pq.Notification) {
	if n == nil {
		for _, topic := range AllTopics {
			s.target.Publish(topic)
		}
		return
	}

	topic, ok := channelTopics[n.Channel]
	if !ok {
		s.logger.Debug("ignoring notification", zap.String("channel", n.Channel))
		return
	}
	s.target.Publish(topic)
}

func (s *PostgresSource) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.logger.Info("change listener connected")
	case pq.ListenerEventDisconnected:
		s.logger.Warn("change listener disconnected", zap.Error(err))
	case pq.ListenerEventReconnected:
		s.logger.Info("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("change listener connection attempt failed", zap.Error(err))
	}
}
