package alarming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/telemetry"
)

type fakeEventStore struct {
	mu     sync.Mutex
	events []telemetry.Event
	err    error
}

func (f *fakeEventStore) InsertEvent(_ context.Context, e *telemetry.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	e.ID = int64(len(f.events) + 1)
	f.events = append(f.events, *e)
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	keys    []string
	values  [][]byte
	err     error
	release chan struct{}
}

func (f *fakePublisher) Publish(_ context.Context, key string, value []byte) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	return f.err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values)
}

func ptr(v float64) *float64 { return &v }

func TestGenerate_Alert(t *testing.T) {
	store := &fakeEventStore{}
	pub := &fakePublisher{}
	g := NewGenerator(store, pub, zap.NewNop())

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r := telemetry.Reading{ID: 7, SensorID: 42, ATotal: 6.2, DespUM: ptr(25), Severity: telemetry.SeverityAlert, Timestamp: ts}

	event, err := g.Generate(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, int64(1), event.ID)
	assert.Equal(t, int64(42), event.SensorID)
	assert.Equal(t, int64(7), event.ReadingID)
	assert.Equal(t, ts, event.Timestamp)
	assert.Equal(t, "Critical alert: Acceleration 6.2 m/s², Displacement: 25 μm", event.Message)
	assert.Nil(t, event.Duration)
	require.Len(t, store.events, 1)

	g.Close()
	require.Len(t, pub.values, 1)
	assert.Equal(t, "42", pub.keys[0])
	alert, err := protocol.DecodeAlertNotification(pub.values[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), alert.EventID)
	assert.Equal(t, "alert", alert.Severity)
	assert.Equal(t, 6.2, alert.ATotal)
}

func TestGenerate_Warning(t *testing.T) {
	store := &fakeEventStore{}
	g := NewGenerator(store, nil, nil)

	event, err := g.Generate(context.Background(), telemetry.Reading{SensorID: 1, ATotal: 4, Severity: telemetry.SeverityWarning})
	require.NoError(t, err)
	assert.Equal(t, "Elevated acceleration detected: 4 m/s²", event.Message)
	assert.Equal(t, telemetry.SeverityWarning, event.Severity)
}

func TestGenerate_OKRejected(t *testing.T) {
	store := &fakeEventStore{}
	g := NewGenerator(store, nil, zap.NewNop())

	event, err := g.Generate(context.Background(), telemetry.Reading{SensorID: 1, ATotal: 1, Severity: telemetry.SeverityOK})
	require.Error(t, err)
	assert.Nil(t, event)
	assert.True(t, errors.Is(err, telemetry.ErrInvalidInput))
	assert.Empty(t, store.events)
}

func TestGenerate_StoreFailure(t *testing.T) {
	store := &fakeEventStore{err: errors.New("disk full")}
	pub := &fakePublisher{}
	g := NewGenerator(store, pub, zap.NewNop())

	event, err := g.Generate(context.Background(), telemetry.Reading{SensorID: 1, ATotal: 9, Severity: telemetry.SeverityAlert})
	require.Error(t, err)
	assert.Nil(t, event)

	g.Close()
	assert.Empty(t, pub.values)
}

func TestGenerate_PublishFailureIsNotFatal(t *testing.T) {
	store := &fakeEventStore{}
	pub := &fakePublisher{err: errors.New("broker down")}
	g := NewGenerator(store, pub, zap.NewNop())

	event, err := g.Generate(context.Background(), telemetry.Reading{SensorID: 1, ATotal: 9, Severity: telemetry.SeverityAlert})
	require.NoError(t, err)
	require.NotNil(t, event)

	g.Close()
	assert.Len(t, pub.values, 1)
}

func TestGenerate_SlowPublisherDoesNotBlock(t *testing.T) {
	store := &fakeEventStore{}
	pub := &fakePublisher{release: make(chan struct{})}
	g := NewGenerator(store, pub, zap.NewNop())

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := g.Generate(context.Background(), telemetry.Reading{ID: int64(i + 1), SensorID: 1, ATotal: 9, Severity: telemetry.SeverityAlert})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, store.events, 3)
	assert.Equal(t, 0, pub.count())

	close(pub.release)
	g.Close()
	assert.Equal(t, 3, pub.count())
}

func TestGenerate_FullOutboxDropsNotification(t *testing.T) {
	store := &fakeEventStore{}
	pub := &fakePublisher{release: make(chan struct{})}
	g := NewGenerator(store, pub, zap.NewNop())

	// One notification is held by the forwarder, outboxSize more fill the queue.
	total := outboxSize + 10
	for i := 0; i < total; i++ {
		event, err := g.Generate(context.Background(), telemetry.Reading{ID: int64(i + 1), SensorID: 1, ATotal: 4, Severity: telemetry.SeverityWarning})
		require.NoError(t, err)
		require.NotNil(t, event)
	}
	assert.Len(t, store.events, total)

	close(pub.release)
	g.Close()
	assert.Less(t, pub.count(), total)
	assert.GreaterOrEqual(t, pub.count(), outboxSize)
}

func TestGenerate_AfterClose(t *testing.T) {
	store := &fakeEventStore{}
	pub := &fakePublisher{}
	g := NewGenerator(store, pub, zap.NewNop())
	g.Close()
	g.Close()

	event, err := g.Generate(context.Background(), telemetry.Reading{SensorID: 1, ATotal: 9, Severity: telemetry.SeverityAlert})
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, 0, pub.count())
}

func setupCooldown(t *testing.T, window time.Duration) (*miniredis.Miniredis, *Cooldown) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewCooldown(client, window)
}

func TestCooldown_SuppressesWithinWindow(t *testing.T) {
	mr, c := setupCooldown(t, 10*time.Minute)
	ctx := context.Background()
	alert := &protocol.AlertNotification{EventID: 1, SensorID: 42, Severity: "alert"}

	ok, err := c.Acquire(ctx, alert)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Acquire(ctx, &protocol.AlertNotification{EventID: 2, SensorID: 42, Severity: "alert"})
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := c.State(ctx, 42, "alert")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(1), state.EventID)
	assert.Equal(t, 2, state.Count)

	// a different severity has its own slot
	ok, err = c.Acquire(ctx, &protocol.AlertNotification{EventID: 3, SensorID: 42, Severity: "warning"})
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(11 * time.Minute)
	ok, err = c.Acquire(ctx, &protocol.AlertNotification{EventID: 4, SensorID: 42, Severity: "alert"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCooldown_Reset(t *testing.T) {
	_, c := setupCooldown(t, time.Hour)
	ctx := context.Background()
	alert := &protocol.AlertNotification{EventID: 1, SensorID: 5, Severity: "alert"}

	ok, err := c.Acquire(ctx, alert)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Reset(ctx, 5, "alert"))

	state, err := c.State(ctx, 5, "alert")
	require.NoError(t, err)
	assert.Nil(t, state)

	ok, err = c.Acquire(ctx, alert)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCooldown_ZeroWindowDisabled(t *testing.T) {
	c := NewCooldown(nil, 0)
	alert := &protocol.AlertNotification{EventID: 1, SensorID: 5, Severity: "alert"}

	for i := 0; i < 3; i++ {
		ok, err := c.Acquire(context.Background(), alert)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
