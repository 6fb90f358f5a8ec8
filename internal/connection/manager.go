package connection

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one identified sensor connection on the gateway
type Session struct {
	ConnectionID string
	SensorID     int64
	RemoteAddr   string
	ConnectedAt  time.Time
	Conn         net.Conn

	readings atomic.Uint64
	mu       sync.RWMutex
	lastSeen time.Time
	writeMu  sync.Mutex
}

// Touch records activity on the session
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// CountReading increments the number of readings accepted on this session
func (s *Session) CountReading() uint64 {
	return s.readings.Add(1)
}

func (s *Session) Readings() uint64 {
	return s.readings.Load()
}

// Write sends one frame. Acks come from the reader goroutine and from
// workers, so writes are serialized per session.
func (s *Session) Write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.Conn.Write(frame)
	return err
}

// Manager tracks the live sessions of the gateway
type Manager struct {
	sessions map[string]*Session // key: connection_id
	bySensor map[int64][]string  // key: sensor_id, value: []connection_id
	mu       sync.RWMutex
	maxConns int
}

func NewManager(maxConnections int) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		bySensor: make(map[int64][]string),
		maxConns: maxConnections,
	}
}

// Register adds an identified sensor connection
func (m *Manager) Register(connectionID string, sensorID int64, conn net.Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConns > 0 && len(m.sessions) >= m.maxConns {
		return nil, ErrMaxConnectionsReached
	}
	if _, exists := m.sessions[connectionID]; exists {
		return nil, fmt.Errorf("connection ID %s already registered", connectionID)
	}

	now := time.Now()
	s := &Session{
		ConnectionID: connectionID,
		SensorID:     sensorID,
		ConnectedAt:  now,
		Conn:         conn,
		lastSeen:     now,
	}
	if conn != nil && conn.RemoteAddr() != nil {
		s.RemoteAddr = conn.RemoteAddr().String()
	}

	m.sessions[connectionID] = s
	m.bySensor[sensorID] = append(m.bySensor[sensorID], connectionID)
	return s, nil
}

// Unregister removes a session
func (m *Manager) Unregister(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[connectionID]
	if !exists {
		return ErrSessionNotFound
	}

	ids := m.bySensor[s.SensorID]
	for i, id := range ids {
		if id == connectionID {
			m.bySensor[s.SensorID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.bySensor[s.SensorID]) == 0 {
		delete(m.bySensor, s.SensorID)
	}

	delete(m.sessions, connectionID)
	return nil
}

func (m *Manager) Get(connectionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[connectionID]
	return s, exists
}

// BySensor returns the connection ids open for a sensor
func (m *Manager) BySensor(sensorID int64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySensor[sensorID]
	result := make([]string, len(ids))
	copy(result, ids)
	return result
}

// Touch records activity for a connection
func (m *Manager) Touch(connectionID string) error {
	m.mu.RLock()
	s, exists := m.sessions[connectionID]
	m.mu.RUnlock()

	if !exists {
		return ErrSessionNotFound
	}
	s.Touch()
	return nil
}

// Inactive returns connections not heard from within timeout
func (m *Manager) Inactive(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var inactive []string
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen()) > timeout {
			inactive = append(inactive, id)
		}
	}
	return inactive
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats is a snapshot of the manager
type Stats struct {
	Connections    int    `json:"connections"`
	Sensors        int    `json:"sensors"`
	MaxConnections int    `json:"max_connections"`
	Readings       uint64 `json:"readings"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Connections:    len(m.sessions),
		Sensors:        len(m.bySensor),
		MaxConnections: m.maxConns,
	}
	for _, s := range m.sessions {
		stats.Readings += s.Readings()
	}
	return stats
}

var (
	ErrMaxConnectionsReached = &SessionError{"maximum connections reached"}
	ErrSessionNotFound       = &SessionError{"session not found"}
)

// SessionError is a gateway session failure
type SessionError struct {
	msg string
}

func (e *SessionError) Error() string {
	return e.msg
}
