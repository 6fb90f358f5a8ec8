package mqttfeed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/ingest"
	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/telemetry"
	"github.com/smukkama/implant-monitor/pkg/config"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250
	handleTimeout     = 5 * time.Second
)

// Ingester stores readings received from the broker
type Ingester interface {
	Ingest(ctx context.Context, p protocol.ReadingPayload) (*ingest.Result, error)
}

// Feed subscribes to sensor reading topics on an MQTT broker and hands each
// message to the ingestion service.
type Feed struct {
	cfg      config.MQTTConfig
	ingester Ingester
	logger   *zap.Logger
	client   mqtt.Client
}

func NewFeed(cfg config.MQTTConfig, ingester Ingester, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		cfg:      cfg,
		ingester: ingester,
		logger:   logger.With(zap.String("component", "mqtt_feed")),
	}
}

// Run connects, subscribes and blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.cfg.Broker)
	opts.SetClientID(f.cfg.ClientID)
	if f.cfg.Username != "" {
		opts.SetUsername(f.cfg.Username)
	}
	if f.cfg.Password != "" {
		opts.SetPassword(f.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		f.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	// Subscriptions are renewed on every (re)connect since the session is clean.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(f.cfg.Topic, byte(f.cfg.QoS), func(_ mqtt.Client, msg mqtt.Message) {
			hctx, cancel := context.WithTimeout(ctx, handleTimeout)
			defer cancel()
			if err := f.HandleMessage(hctx, msg.Topic(), msg.Payload()); err != nil {
				f.logger.Warn("Dropped MQTT reading",
					zap.String("topic", msg.Topic()),
					zap.Error(err))
			}
		})
		if token.Wait() && token.Error() != nil {
			f.logger.Error("Failed to subscribe", zap.String("topic", f.cfg.Topic), zap.Error(token.Error()))
			return
		}
		f.logger.Info("Subscribed to readings", zap.String("topic", f.cfg.Topic))
	})

	f.client = mqtt.NewClient(opts)
	if token := f.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	f.logger.Info("Connected to MQTT broker", zap.String("broker", f.cfg.Broker))

	<-ctx.Done()
	f.client.Disconnect(disconnectQuiesce)
	f.logger.Info("MQTT feed stopped")
	return nil
}

// HandleMessage decodes one broker message and ingests it. A payload without
// sensor_id takes the id from the wildcard segment of the topic.
func (f *Feed) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	p, err := protocol.DecodeReadingPayload(payload)
	if err != nil {
		return telemetry.InvalidInput("%v", err)
	}
	if !p.SensorID.IsSet() {
		id, ok := SensorFromTopic(f.cfg.Topic, topic)
		if !ok {
			return telemetry.InvalidInput("no sensor_id in payload or topic %q", topic)
		}
		p.SensorID = protocol.NumericOf(float64(id))
	}

	result, err := f.ingester.Ingest(ctx, *p)
	if err != nil {
		return err
	}
	if result.EventErr != nil {
		f.logger.Error("Reading stored without event",
			zap.Int64("sensor_id", result.Reading.SensorID),
			zap.Error(result.EventErr))
	}
	f.logger.Debug("Ingested MQTT reading",
		zap.Int64("sensor_id", result.Reading.SensorID),
		zap.String("severity", string(result.Reading.Severity)))
	return nil
}

// SensorFromTopic extracts the sensor id matched by the first single-level
// wildcard of pattern, e.g. "prosthesis/+/readings" and "prosthesis/12/readings".
func SensorFromTopic(pattern, topic string) (int64, bool) {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range patternParts {
		if part != "+" {
			continue
		}
		if i >= len(topicParts) {
			return 0, false
		}
		id, err := strconv.ParseInt(topicParts[i], 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
