package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/notify"
	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/telemetry"
)

const lockShards = 64

// ReadingStore persists readings
type ReadingStore interface {
	InsertReading(ctx context.Context, r *telemetry.Reading) error
}

// EventGenerator creates the Event for a persisted warning or alert reading
type EventGenerator interface {
	Generate(ctx context.Context, r telemetry.Reading) (*telemetry.Event, error)
}

// Result is the outcome of one ingestion. A non-nil EventErr means the reading
// was stored but its event was not; the reading is never rolled back.
type Result struct {
	Reading  telemetry.Reading
	Event    *telemetry.Event
	EventErr error
}

// Service validates, classifies and persists incoming readings. Calls for the
// same sensor are serialized so they are stored in arrival order.
type Service struct {
	readings  ReadingStore
	events    EventGenerator
	publisher notify.Publisher
	logger    *zap.Logger
	now       func() time.Time

	locks [lockShards]sync.Mutex
}

// NewService creates an ingestion service. publisher may be nil.
func NewService(readings ReadingStore, events EventGenerator, publisher notify.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		readings:  readings,
		events:    events,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Ingest stores one reading and, for warning or alert severity, its event.
// Errors are telemetry.Error values of kind InvalidInput or Storage.
func (s *Service) Ingest(ctx context.Context, p protocol.ReadingPayload) (*Result, error) {
	reading, err := Normalize(p, s.now())
	if err != nil {
		return nil, err
	}

	// Only the inserts run under the sensor lock; change notifications go out
	// after it is released.
	mu := s.lockFor(reading.SensorID)
	mu.Lock()
	result, err := s.store(ctx, reading)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.publish(notify.TopicReadings)
	if result.Event != nil {
		s.publish(notify.TopicEvents)
	}
	return result, nil
}

func (s *Service) store(ctx context.Context, reading telemetry.Reading) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, telemetry.StorageFailure("insert reading", err)
	}

	if err := s.readings.InsertReading(ctx, &reading); err != nil {
		if errors.Is(err, telemetry.ErrInvalidInput) {
			return nil, err
		}
		s.logger.Error("failed to store reading",
			zap.Int64("sensor_id", reading.SensorID),
			zap.Error(err))
		return nil, telemetry.StorageFailure("insert reading", err)
	}

	result := &Result{Reading: reading}
	if !reading.Severity.RaisesEvent() {
		return result, nil
	}

	event, err := s.events.Generate(ctx, reading)
	if err != nil {
		result.EventErr = telemetry.EventEmissionFailure(err)
		s.logger.Error("reading stored without event",
			zap.Int64("reading_id", reading.ID),
			zap.Int64("sensor_id", reading.SensorID),
			zap.String("severity", string(reading.Severity)),
			zap.Error(err))
		return result, nil
	}
	result.Event = event
	return result, nil
}

func (s *Service) publish(topic notify.Topic) {
	if s.publisher != nil {
		s.publisher.Publish(topic)
	}
}

func (s *Service) lockFor(sensorID int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(sensorID, 10)))
	return &s.locks[h.Sum32()%lockShards]
}
