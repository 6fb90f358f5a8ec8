package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/alarming"
	"github.com/smukkama/implant-monitor/internal/notify"
	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/telemetry"
)

type memoryStore struct {
	mu         sync.Mutex
	readings   []telemetry.Reading
	events     []telemetry.Event
	readingErr error
	eventErr   error
}

func (m *memoryStore) InsertReading(_ context.Context, r *telemetry.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readingErr != nil {
		return m.readingErr
	}
	r.ID = int64(len(m.readings) + 1)
	m.readings = append(m.readings, *r)
	return nil
}

func (m *memoryStore) InsertEvent(_ context.Context, e *telemetry.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventErr != nil {
		return m.eventErr
	}
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, *e)
	return nil
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []notify.Topic
}

func (r *topicRecorder) Publish(topic notify.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

var fixedNow = time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)

func newTestService(store *memoryStore, pub notify.Publisher) *Service {
	s := NewService(store, alarming.NewGenerator(store, nil, zap.NewNop()), pub, zap.NewNop())
	s.now = func() time.Time { return fixedNow }
	return s
}

func payload(t *testing.T, raw string) protocol.ReadingPayload {
	t.Helper()
	p, err := protocol.DecodeReadingPayload([]byte(raw))
	require.NoError(t, err)
	return *p
}

func TestIngest_AlertCreatesEvent(t *testing.T) {
	store := &memoryStore{}
	pub := &topicRecorder{}
	s := newTestService(store, pub)

	res, err := s.Ingest(context.Background(), payload(t, `{"sensor_id":42,"a_total":6.2,"desp_um":25}`))
	require.NoError(t, err)

	assert.Equal(t, telemetry.SeverityAlert, res.Reading.Severity)
	assert.Equal(t, int64(1), res.Reading.ID)
	assert.Equal(t, fixedNow, res.Reading.Timestamp)
	require.NotNil(t, res.Event)
	assert.NoError(t, res.EventErr)

	require.Len(t, store.events, 1)
	assert.Equal(t, int64(42), store.events[0].SensorID)
	assert.Contains(t, store.events[0].Message, "6.2")
	assert.Contains(t, store.events[0].Message, "25")
	assert.Equal(t, []notify.Topic{notify.TopicReadings, notify.TopicEvents}, pub.topics)
}

func TestIngest_OKHasNoEvent(t *testing.T) {
	store := &memoryStore{}
	pub := &topicRecorder{}
	s := newTestService(store, pub)

	res, err := s.Ingest(context.Background(), payload(t, `{"sensor_id":42,"a_total":1.0}`))
	require.NoError(t, err)

	assert.Equal(t, telemetry.SeverityOK, res.Reading.Severity)
	assert.Nil(t, res.Event)
	assert.Empty(t, store.events)
	assert.Equal(t, []notify.Topic{notify.TopicReadings}, pub.topics)
}

func TestIngest_WarningCreatesEvent(t *testing.T) {
	store := &memoryStore{}
	s := newTestService(store, nil)

	res, err := s.Ingest(context.Background(), payload(t, `{"sensor_id":"7","a_total":"4.2","ax":0,"timestamp":"2025-06-14T08:00:00+02:00"}`))
	require.NoError(t, err)

	assert.Equal(t, telemetry.SeverityWarning, res.Reading.Severity)
	assert.Equal(t, int64(7), res.Reading.SensorID)
	require.NotNil(t, res.Reading.AX)
	assert.Equal(t, 0.0, *res.Reading.AX)
	assert.Equal(t, time.Date(2025, 6, 14, 6, 0, 0, 0, time.UTC), res.Reading.Timestamp)
	require.NotNil(t, res.Event)
	assert.Equal(t, "Elevated acceleration detected: 4.2 m/s²", res.Event.Message)
}

func TestIngest_InvalidInputPersistsNothing(t *testing.T) {
	cases := map[string]string{
		"missing a_total":     `{"sensor_id":42}`,
		"null a_total":        `{"sensor_id":42,"a_total":null}`,
		"non-numeric a_total": `{"sensor_id":42,"a_total":"fast"}`,
		"negative a_total":    `{"sensor_id":42,"a_total":-1}`,
		"missing sensor":      `{"a_total":2}`,
		"fractional sensor":   `{"sensor_id":4.5,"a_total":2}`,
		"zero sensor":         `{"sensor_id":0,"a_total":2}`,
		"bad displacement":    `{"sensor_id":42,"a_total":2,"desp_um":"x"}`,
		"negative desp":       `{"sensor_id":42,"a_total":2,"desp_um":-3}`,
		"bad timestamp":       `{"sensor_id":42,"a_total":2,"timestamp":"yesterday"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			store := &memoryStore{}
			pub := &topicRecorder{}
			s := newTestService(store, pub)

			res, err := s.Ingest(context.Background(), payload(t, raw))
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, telemetry.ErrInvalidInput), err.Error())
			assert.Empty(t, store.readings)
			assert.Empty(t, store.events)
			assert.Empty(t, pub.topics)
		})
	}
}

func TestIngest_NoDeduplication(t *testing.T) {
	store := &memoryStore{}
	s := newTestService(store, nil)
	p := payload(t, `{"sensor_id":42,"a_total":6.2,"timestamp":"2025-06-15T10:00:00Z"}`)

	first, err := s.Ingest(context.Background(), p)
	require.NoError(t, err)
	second, err := s.Ingest(context.Background(), p)
	require.NoError(t, err)

	assert.NotEqual(t, first.Reading.ID, second.Reading.ID)
	assert.Len(t, store.readings, 2)
	assert.Len(t, store.events, 2)
}

func TestIngest_StorageFailure(t *testing.T) {
	store := &memoryStore{readingErr: errors.New("connection refused")}
	pub := &topicRecorder{}
	s := newTestService(store, pub)

	res, err := s.Ingest(context.Background(), payload(t, `{"sensor_id":42,"a_total":9}`))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, telemetry.ErrStorage))
	assert.Empty(t, store.events)
	assert.Empty(t, pub.topics)
}

func TestIngest_UnknownSensorStaysInvalidInput(t *testing.T) {
	store := &memoryStore{readingErr: telemetry.InvalidInput("unknown sensor 42")}
	s := newTestService(store, nil)

	_, err := s.Ingest(context.Background(), payload(t, `{"sensor_id":42,"a_total":1}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, telemetry.ErrInvalidInput))
}

func TestIngest_EventFailureKeepsReading(t *testing.T) {
	store := &memoryStore{eventErr: errors.New("events table locked")}
	pub := &topicRecorder{}
	s := newTestService(store, pub)

	res, err := s.Ingest(context.Background(), payload(t, `{"sensor_id":42,"a_total":6.2,"desp_um":25}`))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Len(t, store.readings, 1)
	assert.Nil(t, res.Event)
	require.Error(t, res.EventErr)
	assert.True(t, errors.Is(res.EventErr, telemetry.ErrEventEmission))
	assert.Equal(t, []notify.Topic{notify.TopicReadings}, pub.topics)
}

func TestIngest_CancelledContext(t *testing.T) {
	store := &memoryStore{}
	s := newTestService(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Ingest(ctx, payload(t, `{"sensor_id":42,"a_total":1}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, telemetry.ErrStorage))
	assert.Empty(t, store.readings)
}

func TestIngest_PerSensorOrder(t *testing.T) {
	store := &memoryStore{}
	s := newTestService(store, nil)

	var wg sync.WaitGroup
	for sensor := 1; sensor <= 4; sensor++ {
		wg.Add(1)
		go func(sensor int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p := protocol.ReadingPayload{
					SensorID: protocol.NumericOf(float64(sensor)),
					ATotal:   protocol.NumericOf(float64(i)),
				}
				_, err := s.Ingest(context.Background(), p)
				assert.NoError(t, err)
			}
		}(sensor)
	}
	wg.Wait()

	require.Len(t, store.readings, 200)
	last := map[int64]float64{}
	for _, r := range store.readings {
		if prev, ok := last[r.SensorID]; ok {
			assert.Greater(t, r.ATotal, prev, "sensor %d out of order", r.SensorID)
		}
		last[r.SensorID] = r.ATotal
	}
}

type stalledAlerts struct {
	release chan struct{}
}

func (p *stalledAlerts) Publish(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func sharedShardSensor(t *testing.T, s *Service, sensor int64) int64 {
	t.Helper()
	for id := sensor + 1; id < sensor+10000; id++ {
		if s.lockFor(id) == s.lockFor(sensor) {
			return id
		}
	}
	t.Fatal("no sensor shares the shard")
	return 0
}

func TestIngest_SlowAlertPublisherDoesNotDelayIngest(t *testing.T) {
	store := &memoryStore{}
	alerts := &stalledAlerts{release: make(chan struct{})}
	generator := alarming.NewGenerator(store, alerts, zap.NewNop())
	defer generator.Close()
	defer close(alerts.release)

	s := NewService(store, generator, nil, zap.NewNop())
	neighbour := sharedShardSensor(t, s, 1)

	start := time.Now()
	res, err := s.Ingest(context.Background(), payload(t, `{"sensor_id":1,"a_total":6.2}`))
	require.NoError(t, err)
	require.NotNil(t, res.Event)

	p := protocol.ReadingPayload{SensorID: protocol.NumericOf(float64(neighbour)), ATotal: protocol.NumericOf(1)}
	_, err = s.Ingest(context.Background(), p)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, store.readings, 2)
}

// firstCallBlocks holds the first Publish until released.
type firstCallBlocks struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (p *firstCallBlocks) Publish(notify.Topic) {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.entered)
		<-p.release
	}
}

func TestIngest_ChangePublishOutsideSensorLock(t *testing.T) {
	store := &memoryStore{}
	pub := &firstCallBlocks{entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestService(store, pub)
	neighbour := sharedShardSensor(t, s, 1)

	first := protocol.ReadingPayload{SensorID: protocol.NumericOf(1), ATotal: protocol.NumericOf(1)}
	go func() {
		_, _ = s.Ingest(context.Background(), first)
	}()
	<-pub.entered

	done := make(chan error, 1)
	go func() {
		p := protocol.ReadingPayload{SensorID: protocol.NumericOf(float64(neighbour)), ATotal: protocol.NumericOf(1)}
		_, err := s.Ingest(context.Background(), p)
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ingest blocked behind another sensor's change notification")
	}
	close(pub.release)
}
