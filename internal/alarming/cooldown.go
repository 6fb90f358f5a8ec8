package alarming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/implant-monitor/internal/protocol"
)

// NotifiedState records the last alert e-mail sent for a sensor and severity
type NotifiedState struct {
	EventID  int64     `json:"event_id"`
	Severity string    `json:"severity"`
	SentAt   time.Time `json:"sent_at"`
	Count    int       `json:"count"`
}

// Cooldown suppresses repeated alert e-mails for the same sensor and severity
// within a window. Events themselves are never suppressed; only mail is.
type Cooldown struct {
	redis  *redis.Client
	window time.Duration
}

// NewCooldown creates a cooldown tracker. A zero window disables suppression.
func NewCooldown(redisClient *redis.Client, window time.Duration) *Cooldown {
	return &Cooldown{redis: redisClient, window: window}
}

func cooldownKey(sensorID int64, severity string) string {
	return fmt.Sprintf("alert_cooldown:%d:%s", sensorID, severity)
}

// Acquire reports whether an e-mail may be sent for the alert. It claims the
// slot atomically so concurrent notification workers send at most one.
func (c *Cooldown) Acquire(ctx context.Context, alert *protocol.AlertNotification) (bool, error) {
	if c.window <= 0 {
		return true, nil
	}

	state := &NotifiedState{
		EventID:  alert.EventID,
		Severity: alert.Severity,
		SentAt:   time.Now().UTC(),
		Count:    1,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("failed to marshal state: %w", err)
	}

	key := cooldownKey(alert.SensorID, alert.Severity)
	ok, err := c.redis.SetNX(ctx, key, data, c.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set state in Redis: %w", err)
	}
	if ok {
		return true, nil
	}

	// Suppressed; the count is visible through State.
	if err := c.recordSuppressed(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

func (c *Cooldown) recordSuppressed(ctx context.Context, key string) error {
	raw, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get state from Redis: %w", err)
	}

	var state NotifiedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}
	state.Count++

	data, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return c.redis.Set(ctx, key, data, redis.KeepTTL).Err()
}

// State returns the current cooldown entry, or nil when none is active.
func (c *Cooldown) State(ctx context.Context, sensorID int64, severity string) (*NotifiedState, error) {
	raw, err := c.redis.Get(ctx, cooldownKey(sensorID, severity)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state from Redis: %w", err)
	}

	var state NotifiedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// Reset clears the cooldown for a sensor and severity.
func (c *Cooldown) Reset(ctx context.Context, sensorID int64, severity string) error {
	return c.redis.Del(ctx, cooldownKey(sensorID, severity)).Err()
}
