package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/connection"
	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/queue"
	"github.com/smukkama/implant-monitor/internal/timer"
	"github.com/smukkama/implant-monitor/pkg/config"
)

const (
	readTimeout  = 30 * time.Second
	maxLineBytes = 64 << 10
)

// ReadingPublisher queues accepted readings for the ingestor
type ReadingPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// SensorDirectory confirms that an identifying sensor is registered
type SensorDirectory interface {
	SensorExists(ctx context.Context, sensorID int64) (bool, error)
}

// Gateway accepts sensor connections speaking newline-delimited JSON. A
// connection goroutine only reads and performs the identify handshake; every
// later line goes to a worker chosen by sensor id, so one sensor's lines are
// handled in arrival order.
type Gateway struct {
	config    config.TCPServerConfig
	sessions  *connection.Manager
	scheduler *timer.Scheduler
	publisher ReadingPublisher
	sensors   SensorDirectory
	logger    *zap.Logger
	listener  net.Listener

	queues  []chan *job
	dropped atomic.Uint64

	// every accepted connection, identified or not
	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	stopped bool

	wg       sync.WaitGroup
	workerWg sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// job is one line read from an identified connection
type job struct {
	session    *connection.Session
	data       []byte
	receivedAt time.Time
}

// NewGateway creates a gateway. sensors may be nil to accept any sensor id.
func NewGateway(
	cfg config.TCPServerConfig,
	sessions *connection.Manager,
	scheduler *timer.Scheduler,
	publisher ReadingPublisher,
	sensors SensorDirectory,
	logger *zap.Logger,
) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	queueSize := cfg.JobQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	queues := make([]chan *job, workers)
	for i := range queues {
		queues[i] = make(chan *job, queueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		config:    cfg,
		sessions:  sessions,
		scheduler: scheduler,
		publisher: publisher,
		sensors:   sensors,
		logger:    logger.With(zap.String("component", "gateway")),
		queues:    queues,
		conns:     make(map[net.Conn]struct{}),
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start listens on the configured port and starts the workers
func (g *Gateway) Start() error {
	addr := fmt.Sprintf(":%d", g.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP gateway: %w", err)
	}
	g.listener = listener

	for i, q := range g.queues {
		g.workerWg.Add(1)
		go g.worker(i, q)
	}

	g.wg.Add(1)
	go g.acceptConnections()

	g.logger.Info("TCP gateway listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int("workers", len(g.queues)))
	return nil
}

// Addr is the bound listener address
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Stop closes the listener and every open connection, including ones still
// waiting to identify, then drains the workers.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)

		if g.listener != nil {
			g.listener.Close()
		}

		g.connMu.Lock()
		g.stopped = true
		open := make([]net.Conn, 0, len(g.conns))
		for conn := range g.conns {
			open = append(open, conn)
		}
		g.connMu.Unlock()
		for _, conn := range open {
			conn.Close()
		}

		// Connection goroutines are the only senders on the queues.
		g.wg.Wait()
		for _, q := range g.queues {
			close(q)
		}
		g.workerWg.Wait()
		g.cancel()

		g.logger.Info("TCP gateway stopped", zap.Uint64("dropped", g.dropped.Load()))
	})
}

func (g *Gateway) track(conn net.Conn) bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.stopped {
		return false
	}
	g.conns[conn] = struct{}{}
	return true
}

func (g *Gateway) untrack(conn net.Conn) {
	g.connMu.Lock()
	delete(g.conns, conn)
	g.connMu.Unlock()
}

func (g *Gateway) openConnections() int {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return len(g.conns)
}

// Dropped is the number of lines rejected because a worker queue was full
func (g *Gateway) Dropped() uint64 {
	return g.dropped.Load()
}

func (g *Gateway) acceptConnections() {
	defer g.wg.Done()

	for {
		conn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-g.stopCh:
				return
			default:
				g.logger.Warn("Failed to accept connection", zap.Error(err))
				continue
			}
		}

		if g.config.MaxConnections > 0 && g.sessions.Count() >= g.config.MaxConnections {
			g.logger.Warn("Maximum connections reached, rejecting connection",
				zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		if !g.track(conn) {
			conn.Close()
			return
		}
		g.wg.Add(1)
		go g.handleConnection(conn)
	}
}

func (g *Gateway) handleConnection(conn net.Conn) {
	defer g.wg.Done()
	defer g.untrack(conn)
	defer conn.Close()

	connectionID := uuid.New().String()
	log := g.logger.With(
		zap.String("connection_id", connectionID),
		zap.String("remote", conn.RemoteAddr().String()))

	if g.config.IdentifyTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(g.config.IdentifyTimeout))
	}

	reader := bufio.NewReaderSize(conn, 4096)
	line, err := readLine(reader)
	if err != nil {
		log.Debug("Failed to read identify message", zap.Error(err))
		return
	}

	msg, err := protocol.ParseMessage(line)
	if err != nil {
		writeAck(conn, protocol.NewErrorAck(err.Error()))
		return
	}
	identify, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		writeAck(conn, protocol.NewErrorAck("expected identify message"))
		return
	}

	if g.sensors != nil {
		exists, err := g.sensors.SensorExists(g.ctx, identify.SensorID)
		if err != nil {
			log.Error("Sensor lookup failed", zap.Int64("sensor_id", identify.SensorID), zap.Error(err))
			writeAck(conn, protocol.NewErrorAck("sensor lookup failed"))
			return
		}
		if !exists {
			log.Warn("Rejected unknown sensor", zap.Int64("sensor_id", identify.SensorID))
			writeAck(conn, protocol.NewErrorAck(fmt.Sprintf("unknown sensor %d", identify.SensorID)))
			return
		}
	}

	session, err := g.sessions.Register(connectionID, identify.SensorID, conn)
	if err != nil {
		log.Warn("Failed to register session", zap.Error(err))
		writeAck(conn, protocol.NewErrorAck("failed to register"))
		return
	}
	defer g.sessions.Unregister(connectionID)
	defer g.scheduler.Cancel(inactivityID(connectionID))

	log = log.With(zap.Int64("sensor_id", identify.SensorID))
	log.Info("Sensor identified")

	if err := g.send(session, protocol.NewAckMessage(protocol.AckStatusIdentified)); err != nil {
		log.Debug("Failed to send ack", zap.Error(err))
		return
	}

	g.scheduleInactivity(session)
	shard := g.queues[queue.PartitionForSensor(identify.SensorID, len(g.queues))]

	for {
		select {
		case <-g.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		line, err := readLine(reader)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.Info("Connection closed", zap.Error(err), zap.Uint64("readings", session.Readings()))
			return
		}
		if len(line) == 0 {
			continue
		}

		j := &job{session: session, data: line, receivedAt: time.Now()}
		select {
		case shard <- j:
		case <-g.stopCh:
			return
		default:
			g.dropped.Add(1)
			log.Warn("Worker queue full, rejecting line")
			g.send(session, protocol.NewErrorAck("gateway busy"))
		}

		session.Touch()
		g.scheduleInactivity(session)
	}
}

func (g *Gateway) worker(id int, jobs <-chan *job) {
	defer g.workerWg.Done()

	for j := range jobs {
		g.processJob(id, j)
	}
}

func (g *Gateway) processJob(worker int, j *job) {
	s := j.session

	msg, err := protocol.ParseMessage(j.data)
	if err != nil {
		g.send(s, protocol.NewErrorAck(err.Error()))
		return
	}

	switch m := msg.(type) {
	case *protocol.ReadingMessage:
		if err := g.queueReading(j, m); err != nil {
			g.logger.Error("Failed to queue reading",
				zap.Int("worker", worker),
				zap.Int64("sensor_id", s.SensorID),
				zap.Error(err))
			g.send(s, protocol.NewErrorAck("failed to queue reading"))
			return
		}
		s.CountReading()
		g.send(s, protocol.NewAckMessage(protocol.AckStatusAccepted))

	case *protocol.KeepaliveMessage:
		g.send(s, protocol.NewAckMessage(protocol.AckStatusAlive))

	case *protocol.IdentifyMessage:
		g.send(s, protocol.NewErrorAck("already identified"))

	default:
		g.send(s, protocol.NewErrorAck(fmt.Sprintf("unexpected message %T", msg)))
	}
}

func (g *Gateway) queueReading(j *job, m *protocol.ReadingMessage) error {
	queued := &protocol.QueuedReading{
		ConnectionID: j.session.ConnectionID,
		SensorID:     j.session.SensorID,
		ReceivedAt:   j.receivedAt.UTC(),
		Payload:      m.Data,
	}
	// The identified sensor overrides whatever the payload claims.
	queued.Payload.SensorID = protocol.NumericOf(float64(j.session.SensorID))

	data, err := protocol.EncodeQueuedReading(queued)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}
	if err := g.publisher.Publish(g.ctx, queued.Key(), data); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}
	return nil
}

func (g *Gateway) send(s *connection.Session, msg interface{}) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return s.Write(append(data, '\n'))
}

func (g *Gateway) scheduleInactivity(s *connection.Session) {
	if g.config.InactivityTimeout <= 0 {
		return
	}
	connectionID := s.ConnectionID
	err := g.scheduler.Schedule(inactivityID(connectionID), time.Now().Add(g.config.InactivityTimeout), func() {
		session, ok := g.sessions.Get(connectionID)
		if !ok {
			return
		}
		g.logger.Info("Inactivity timeout",
			zap.String("connection_id", connectionID),
			zap.Int64("sensor_id", session.SensorID))
		session.Conn.Close()
	})
	if err != nil {
		g.logger.Debug("Inactivity deadline not scheduled", zap.Error(err))
	}
}

func inactivityID(connectionID string) string {
	return "inactivity-" + connectionID
}

// readLine returns one line without its terminator, rejecting oversized lines.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func writeAck(conn net.Conn, ack *protocol.AckMessage) {
	data, err := protocol.EncodeMessage(ack)
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
}
