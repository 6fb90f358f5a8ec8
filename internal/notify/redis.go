package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	relayOutboxSize = 64
	relayTimeout    = 2 * time.Second
)

type relayMessage struct {
	Origin string `json:"origin"`
	Topic  Topic  `json:"topic"`
}

// RedisRelay carries change notifications between processes over a Redis
// pub/sub channel. Messages a relay sent itself are not re-delivered locally.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	local   Publisher
	logger  *zap.Logger
	ready   chan struct{}
	outbox  chan Topic
}

// NewRedisRelay creates a relay. local receives notifications from other
// processes and may be nil for publish-only processes. Published changes are
// only sent while Run is active.
func NewRedisRelay(client *redis.Client, channel string, local Publisher, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		local:   local,
		logger:  logger,
		ready:   make(chan struct{}),
		outbox:  make(chan Topic, relayOutboxSize),
	}
}

// Publish queues a local change for the other processes. It drops the change
// when the queue is full; a later change on the same topic triggers the same
// refresh.
func (r *RedisRelay) Publish(topic Topic) {
	select {
	case r.outbox <- topic:
	default:
		r.logger.Debug("relay queue full, dropping change notification", zap.String("topic", string(topic)))
	}
}

func (r *RedisRelay) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case topic := <-r.outbox:
			r.send(ctx, topic)
		}
	}
}

func (r *RedisRelay) send(ctx context.Context, topic Topic) {
	data, err := json.Marshal(relayMessage{Origin: r.origin, Topic: topic})
	if err != nil {
		r.logger.Error("failed to encode change notification", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn("failed to relay change notification",
			zap.String("topic", string(topic)),
			zap.Error(err))
	}
}

// Ready is closed once the subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run sends queued local changes and delivers remote ones until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	go r.forward(ctx)

	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	close(r.ready)
	r.logger.Info("change relay subscribed", zap.String("channel", r.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("ignoring malformed change notification", zap.Error(err))
		return
	}
	if msg.Origin == r.origin || !msg.Topic.Valid() || r.local == nil {
		return
	}
	r.local.Publish(msg.Topic)
}
