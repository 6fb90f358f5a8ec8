package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/ingest"
	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/telemetry"
)

const (
	minRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff = 5 * time.Second
)

// MessageSource is the consumer side of the readings topic
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Ingester stores one queued reading
type Ingester interface {
	Ingest(ctx context.Context, p protocol.ReadingPayload) (*ingest.Result, error)
}

// BatchWriter consumes queued readings, ingests them one at a time in
// partition order and commits offsets in batches.
//
// A reading that fails validation is committed and skipped. A storage failure
// is retried with backoff and blocks the partition until it succeeds, so no
// reading is committed before it is stored.
type BatchWriter struct {
	source        MessageSource
	ingester      Ingester
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewBatchWriter(source MessageSource, ingester Ingester, batchSize int, flushInterval time.Duration, logger *zap.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchWriter{
		source:        source,
		ingester:      ingester,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger.With(zap.String("component", "batch_writer")),
		stopCh:        make(chan struct{}),
	}
}

// Start begins consuming in the background
func (bw *BatchWriter) Start(ctx context.Context) {
	bw.wg.Add(1)
	go bw.run(ctx)
}

// Stop commits what has been processed and waits for the loop to exit
func (bw *BatchWriter) Stop() {
	close(bw.stopCh)
	bw.wg.Wait()
}

func (bw *BatchWriter) run(ctx context.Context) {
	defer bw.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pending []kafka.Message
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	msgChan := make(chan kafka.Message)
	go func() {
		defer close(msgChan)
		for {
			msg, err := bw.source.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				bw.logger.Warn("Consumer error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(minRetryBackoff):
				}
				continue
			}
			select {
			case msgChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-bw.stopCh:
			bw.commit(context.Background(), pending)
			return

		case <-ctx.Done():
			bw.commit(context.Background(), pending)
			return

		case <-ticker.C:
			if len(pending) > 0 {
				bw.commit(ctx, pending)
				pending = nil
			}

		case msg, ok := <-msgChan:
			if !ok {
				bw.commit(context.Background(), pending)
				return
			}
			if err := bw.process(ctx, msg); err != nil {
				// Only cancellation stops processing; the message stays uncommitted.
				bw.commit(context.Background(), pending)
				return
			}
			pending = append(pending, msg)

			if len(pending) >= bw.batchSize {
				bw.commit(ctx, pending)
				pending = nil
			}
		}
	}
}

// process ingests msg, retrying storage failures until ctx is done.
func (bw *BatchWriter) process(ctx context.Context, msg kafka.Message) error {
	payload, err := decodeQueued(msg.Value)
	if err != nil {
		bw.logger.Warn("Skipping undecodable message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	backoff := minRetryBackoff
	for {
		result, err := bw.ingester.Ingest(ctx, payload)
		switch {
		case err == nil:
			if result.EventErr != nil {
				bw.logger.Error("Reading stored without event",
					zap.Int64("reading_id", result.Reading.ID),
					zap.Error(result.EventErr))
			}
			return nil

		case errors.Is(err, telemetry.ErrInvalidInput):
			bw.logger.Warn("Skipping invalid reading",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		bw.logger.Error("Failed to store reading, retrying",
			zap.Int64("offset", msg.Offset),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-bw.stopCh:
			return fmt.Errorf("stopped while retrying offset %d", msg.Offset)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}

func (bw *BatchWriter) commit(ctx context.Context, msgs []kafka.Message) {
	if len(msgs) == 0 {
		return
	}
	if err := bw.source.Commit(ctx, msgs...); err != nil {
		bw.logger.Error("Failed to commit offsets", zap.Int("messages", len(msgs)), zap.Error(err))
		return
	}
	bw.logger.Debug("Committed batch", zap.Int("messages", len(msgs)))
}

// decodeQueued restores the payload with the identified sensor id and the
// gateway receive time as fallback timestamp.
func decodeQueued(data []byte) (protocol.ReadingPayload, error) {
	queued, err := protocol.DecodeQueuedReading(data)
	if err != nil {
		return protocol.ReadingPayload{}, fmt.Errorf("failed to decode message: %w", err)
	}

	p := queued.Payload
	if queued.SensorID > 0 {
		p.SensorID = protocol.NumericOf(float64(queued.SensorID))
	}
	if p.Timestamp == "" && !queued.ReceivedAt.IsZero() {
		p.Timestamp = queued.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	return p, nil
}
