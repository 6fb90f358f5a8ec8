package alarming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/telemetry"
)

// EventStore persists generated events
type EventStore interface {
	InsertEvent(ctx context.Context, e *telemetry.Event) error
}

// AlertPublisher forwards a persisted event to the notification service
type AlertPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

const (
	outboxSize     = 256
	publishTimeout = 10 * time.Second
)

type outboundAlert struct {
	eventID int64
	key     string
	value   []byte
}

// Generator turns warning and alert readings into Events. Alert notifications
// are published in the background.
type Generator struct {
	store     EventStore
	publisher AlertPublisher
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	outbox chan outboundAlert
	closed bool
	wg     sync.WaitGroup
}

// NewGenerator creates an event generator. publisher may be nil. Call Close
// to flush pending notifications.
func NewGenerator(store EventStore, publisher AlertPublisher, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Generator{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	if publisher != nil {
		g.outbox = make(chan outboundAlert, outboxSize)
		g.wg.Add(1)
		go g.forward()
	}
	return g
}

// Close stops accepting notifications and waits until queued ones are sent.
func (g *Generator) Close() {
	g.mu.Lock()
	if !g.closed && g.outbox != nil {
		close(g.outbox)
	}
	g.closed = true
	g.mu.Unlock()

	g.wg.Wait()
}

// Generate persists one Event for a persisted warning or alert reading.
// An ok reading is rejected with InvalidInput and nothing is written.
func (g *Generator) Generate(ctx context.Context, r telemetry.Reading) (*telemetry.Event, error) {
	message, ok := telemetry.EventMessage(r.Severity, r.ATotal, r.DespUM)
	if !ok {
		return nil, telemetry.InvalidInput("reading %d has severity %q and raises no event", r.ID, r.Severity)
	}

	event := &telemetry.Event{
		SensorID:  r.SensorID,
		ReadingID: r.ID,
		Timestamp: r.Timestamp,
		DespUM:    r.DespUM,
		Severity:  r.Severity,
		Message:   message,
	}

	if err := g.store.InsertEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	g.logger.Info("event raised",
		zap.Int64("event_id", event.ID),
		zap.Int64("sensor_id", event.SensorID),
		zap.String("severity", string(event.Severity)),
		zap.String("message", event.Message))

	g.enqueue(event, r)
	return event, nil
}

func (g *Generator) enqueue(event *telemetry.Event, r telemetry.Reading) {
	if g.outbox == nil {
		return
	}

	notification := &protocol.AlertNotification{
		EventID:   event.ID,
		SensorID:  event.SensorID,
		Severity:  string(event.Severity),
		Message:   event.Message,
		ATotal:    r.ATotal,
		DespUM:    r.DespUM,
		Timestamp: event.Timestamp,
		RaisedAt:  g.now().UTC(),
	}

	data, err := protocol.EncodeAlertNotification(notification)
	if err != nil {
		g.logger.Error("failed to encode alert notification", zap.Int64("event_id", event.ID), zap.Error(err))
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		g.logger.Warn("generator closed, dropping notification", zap.Int64("event_id", event.ID))
		return
	}

	// The event is already stored; a lost notification only delays e-mail.
	select {
	case g.outbox <- outboundAlert{eventID: event.ID, key: notification.Key(), value: data}:
	default:
		g.logger.Warn("alert outbox full, dropping notification", zap.Int64("event_id", event.ID))
	}
}

func (g *Generator) forward() {
	defer g.wg.Done()

	for alert := range g.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := g.publisher.Publish(ctx, alert.key, alert.value)
		cancel()
		if err != nil {
			g.logger.Warn("failed to publish alert notification",
				zap.Int64("event_id", alert.eventID),
				zap.Error(err))
		}
	}
}
