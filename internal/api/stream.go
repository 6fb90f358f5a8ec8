package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/notify"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// refreshMessage tells a dashboard to re-query the data behind topic
type refreshMessage struct {
	Type  string       `json:"type"`
	Topic notify.Topic `json:"topic"`
}

type streamClient struct {
	id     string
	conn   *websocket.Conn
	send   chan refreshMessage
	done   chan struct{}
	logger *zap.Logger
}

func (s *Server) handleStream(c *gin.Context) {
	if s.subscriber == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime updates are disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan refreshMessage, sendBuffer),
		done:   make(chan struct{}),
		logger: s.logger.With(zap.String("stream_client", conn.RemoteAddr().String())),
	}

	var unsubscribes []func()
	for _, topic := range notify.AllTopics {
		unsubscribe, err := s.subscriber.Subscribe(topic, "stream-"+client.id, client.refresh)
		if err != nil {
			s.logger.Error("failed to subscribe stream client", zap.Error(err))
			for _, u := range unsubscribes {
				u()
			}
			conn.Close()
			return
		}
		unsubscribes = append(unsubscribes, unsubscribe)
	}

	client.logger.Info("stream client connected")
	go client.writePump()
	client.readPump()

	for _, u := range unsubscribes {
		u()
	}
	client.logger.Info("stream client disconnected")
}

// refresh is the dispatcher handler. It never blocks on the socket; a client
// whose buffer is full already has refreshes pending.
func (c *streamClient) refresh(_ context.Context, topic notify.Topic) error {
	select {
	case <-c.done:
		return nil
	case c.send <- refreshMessage{Type: "refresh", Topic: topic}:
	default:
	}
	return nil
}

// readPump discards client messages and watches for disconnects
func (c *streamClient) readPump() {
	defer func() {
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket error", zap.Error(err))
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Info("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
