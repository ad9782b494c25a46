package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocalis/voicecore/internal/observability"
)

// Handler processes one inbound message for a connection. A returned error
// produces an error reply to the sender; it never closes the connection.
type Handler func(ctx context.Context, connID string, msg Message) error

// Config holds configuration for the Manager.
type Config struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	IdleTimeout       time.Duration
}

type conn struct {
	id           string
	session      Session
	remoteAddr   string
	userAgent    string
	connectedAt  time.Time
	lastActivity time.Time
	messageCount int64
	userID       string
	sessionID    string

	sendMu sync.Mutex
}

// Manager owns the connection table and its user/session indexes. All
// lifecycle mutations happen under one mutex so no observer can see a
// connection present in an index but absent from the table.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*conn
	byUser   map[string]map[string]struct{}
	bySess   map[string]map[string]struct{}
	handlers map[string]Handler

	totalConnections int64
	messagesSent     int64
	messagesReceived int64
	disconnections   int64
	errorCount       int64

	config    Config
	assistant Assistant
	logger    observability.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewManager creates a connection manager. The assistant may be nil, in
// which case voice and text input yield an unavailability error reply.
func NewManager(cfg Config, assistant Assistant, logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}

	m := &Manager{
		conns:     make(map[string]*conn),
		byUser:    make(map[string]map[string]struct{}),
		bySess:    make(map[string]map[string]struct{}),
		handlers:  make(map[string]Handler),
		config:    cfg,
		assistant: assistant,
		logger:    logger.With(observability.String("component", "connection")),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	m.RegisterHandler("ping", m.handlePing)
	m.RegisterHandler("voice_input", m.handleVoiceInput)
	m.RegisterHandler("text_input", m.handleTextInput)
	return m
}

// RegisterHandler associates a handler with a message type. The last
// registration for a type wins.
func (m *Manager) RegisterHandler(messageType string, handler Handler) {
	m.mu.Lock()
	m.handlers[messageType] = handler
	m.mu.Unlock()
}

// Accept registers the session, pushes the connection_established message
// and runs the receive loop until the session ends. Inbound messages for
// one connection are processed in arrival order.
func (m *Manager) Accept(ctx context.Context, session Session) {
	c := &conn{
		id:           uuid.NewString(),
		session:      session,
		remoteAddr:   session.RemoteAddr(),
		userAgent:    session.Header("User-Agent"),
		connectedAt:  time.Now(),
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	m.conns[c.id] = c
	m.totalConnections++
	current := len(m.conns)
	m.mu.Unlock()

	activeConnections.Set(float64(current))
	m.logger.Info("connection established",
		observability.String("connection_id", c.id),
		observability.String("remote_addr", c.remoteAddr),
		observability.Int("current_connections", current),
	)

	m.Send(c.id, Message{
		Type: "connection_established",
		Data: map[string]any{
			"connection_id": c.id,
			"server_time":   time.Now().UnixMilli(),
			"features":      []string{"voice_input", "text_input", "real_time_responses"},
		},
	})

	m.receiveLoop(ctx, c)
	m.Disconnect(c.id)
}

func (m *Manager) receiveLoop(ctx context.Context, c *conn) {
	for {
		raw, err := c.session.ReceiveText()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.Type == "" {
			m.logger.Warn("malformed message received",
				observability.String("connection_id", c.id),
			)
			m.SendError(c.id, "invalid message format")
			continue
		}
		msg.ensureDefaults()

		m.mu.Lock()
		c.lastActivity = time.Now()
		c.messageCount++
		m.messagesReceived++
		handler, ok := m.handlers[msg.Type]
		m.mu.Unlock()

		messagesTotal.WithLabelValues("received").Inc()

		if !ok {
			m.logger.Warn("no handler for message type",
				observability.String("connection_id", c.id),
				observability.String("message_type", msg.Type),
			)
			m.SendError(c.id, "unknown message type: "+msg.Type)
			continue
		}

		if err := handler(ctx, c.id, msg); err != nil {
			m.mu.Lock()
			m.errorCount++
			m.mu.Unlock()
			m.logger.Error("message handler failed",
				observability.String("connection_id", c.id),
				observability.String("message_type", msg.Type),
				observability.Error(err),
			)
			m.SendError(c.id, "error processing "+msg.Type+" message")
		}
	}
}

// Send delivers one message to a connection, filling in the timestamp and
// message id if absent. A write failure disconnects the peer. Returns
// whether the send succeeded.
func (m *Manager) Send(connID string, msg Message) bool {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	msg.ensureDefaults()
	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("failed to encode message",
			observability.String("connection_id", connID),
			observability.Error(err),
		)
		return false
	}

	c.sendMu.Lock()
	err = c.session.SendText(string(payload))
	c.sendMu.Unlock()
	if err != nil {
		m.logger.Warn("send failed, disconnecting",
			observability.String("connection_id", connID),
			observability.Error(err),
		)
		m.Disconnect(connID)
		return false
	}

	m.mu.Lock()
	m.messagesSent++
	m.mu.Unlock()
	messagesTotal.WithLabelValues("sent").Inc()
	return true
}

// SendError sends a structured error frame to a connection.
func (m *Manager) SendError(connID, errText string) bool {
	return m.Send(connID, Message{
		Type: "error",
		Data: map[string]any{"error": errText},
	})
}

// Broadcast sends the message to every connection not in exclude and
// returns the number of successful sends.
func (m *Manager) Broadcast(msg Message, exclude map[string]struct{}) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		if _, skip := exclude[id]; !skip {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if m.Send(id, msg) {
			sent++
		}
	}
	return sent
}

// Associate binds a connection to a user and session identity, maintaining
// the secondary indexes. Returns false for an unknown connection.
func (m *Manager) Associate(connID, userID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if !ok {
		return false
	}

	if c.userID != "" {
		removeFromIndex(m.byUser, c.userID, connID)
	}
	if c.sessionID != "" {
		removeFromIndex(m.bySess, c.sessionID, connID)
	}

	c.userID = userID
	c.sessionID = sessionID
	if userID != "" {
		addToIndex(m.byUser, userID, connID)
	}
	if sessionID != "" {
		addToIndex(m.bySess, sessionID, connID)
	}
	return true
}

// UserConnections returns the connection ids bound to a user identity.
func (m *Manager) UserConnections(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return indexMembers(m.byUser, userID)
}

// SessionConnections returns the connection ids bound to a session
// identity.
func (m *Manager) SessionConnections(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return indexMembers(m.bySess, sessionID)
}

// Disconnect closes the session and removes the connection from the table
// and both indexes as one step. Safe to call for unknown or already
// removed ids.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	if c.userID != "" {
		removeFromIndex(m.byUser, c.userID, connID)
	}
	if c.sessionID != "" {
		removeFromIndex(m.bySess, c.sessionID, connID)
	}
	m.disconnections++
	current := len(m.conns)
	m.mu.Unlock()

	if err := c.session.Close(); err != nil {
		m.logger.Debug("error closing session",
			observability.String("connection_id", connID),
			observability.Error(err),
		)
	}

	activeConnections.Set(float64(current))
	m.logger.Info("connection closed",
		observability.String("connection_id", connID),
		observability.Int("remaining_connections", current),
	)
}

// ConnectionInfo is the reporting view of one connection.
type ConnectionInfo struct {
	ID           string    `json:"connection_id"`
	RemoteAddr   string    `json:"remote_addr"`
	UserAgent    string    `json:"user_agent"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
	UserID       string    `json:"user_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
}

// Stats is the manager-wide reporting snapshot.
type Stats struct {
	TotalConnections   int64            `json:"total_connections"`
	CurrentConnections int              `json:"current_connections"`
	MessagesSent       int64            `json:"messages_sent"`
	MessagesReceived   int64            `json:"messages_received"`
	Disconnections     int64            `json:"disconnections"`
	Errors             int64            `json:"errors"`
	Connections        []ConnectionInfo `json:"connections"`
}

// Stats returns the current counters plus a per-connection detail list.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		TotalConnections:   m.totalConnections,
		CurrentConnections: len(m.conns),
		MessagesSent:       m.messagesSent,
		MessagesReceived:   m.messagesReceived,
		Disconnections:     m.disconnections,
		Errors:             m.errorCount,
		Connections:        make([]ConnectionInfo, 0, len(m.conns)),
	}
	for _, c := range m.conns {
		stats.Connections = append(stats.Connections, ConnectionInfo{
			ID:           c.id,
			RemoteAddr:   c.remoteAddr,
			UserAgent:    c.userAgent,
			ConnectedAt:  c.connectedAt,
			LastActivity: c.lastActivity,
			MessageCount: c.messageCount,
			UserID:       c.userID,
			SessionID:    c.sessionID,
		})
	}
	return stats
}

// Start launches the heartbeat and idle-sweep loops.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.runLoops()
	})
}

// Stop terminates the background loops, waits for them and closes every
// open connection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.startOnce.Do(func() {
		close(m.stoppedCh)
	})
	<-m.stoppedCh

	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

func (m *Manager) runLoops() {
	defer close(m.stoppedCh)

	heartbeat := time.NewTicker(m.config.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(m.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-heartbeat.C:
			m.sendHeartbeat()
		case <-sweep.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sendHeartbeat() {
	m.mu.RLock()
	empty := len(m.conns) == 0
	m.mu.RUnlock()
	if empty {
		return
	}
	m.Broadcast(Message{
		Type: "heartbeat",
		Data: map[string]any{"server_status": "healthy"},
	}, nil)
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.config.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for id, c := range m.conns {
		if c.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.logger.Info("disconnecting idle connection",
			observability.String("connection_id", id),
		)
		m.Disconnect(id)
	}
}

func addToIndex(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connID] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, connID string) {
	if set, ok := index[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func indexMembers(index map[string]map[string]struct{}, key string) []string {
	set, ok := index[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
