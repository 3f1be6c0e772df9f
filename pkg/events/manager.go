// Package events is the observer surface: it fans the event bus out to
// WebSocket clients per session and accepts observer commands back.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/openagora/agora/pkg/bus"
	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/insights"
	"github.com/openagora/agora/pkg/models"
	"github.com/openagora/agora/pkg/moderator"
)

// SessionControl is the slice of the session manager the observer surface
// drives for session:control commands.
type SessionControl interface {
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	End(ctx context.Context, sessionID, reason string) error
}

// Services bundles everything observer connections read from and command.
// Outline, Judge, and Summary may be nil when no model client is configured;
// the corresponding commands then fail with a structured error.
type Services struct {
	Log       *eventlog.Log
	Bus       *bus.Bus
	Moderator *moderator.Controller
	Sessions  SessionControl
	Outline   *insights.OutlineGenerator
	Judge     *insights.JudgeSystem
	Summary   *insights.SummaryService
}

// ConnectionManager owns every observer WebSocket connection and the
// per-session bus subscriptions that feed them.
type ConnectionManager struct {
	svc          Services
	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*Connection

	// sessions maps session id -> set of observing connection ids. feeds
	// holds the bus subscription backing each observed session; it exists
	// exactly while the session has at least one observer.
	sessionMu sync.RWMutex
	sessions  map[string]map[string]bool
	feeds     map[string]*sessionFeed
}

type sessionFeed struct {
	subID   string
	mailbox *bus.AsyncSubscriber
}

// Connection is a single observer client.
//
// joined is accessed without a lock: all reads and writes happen on the one
// goroutine that owns the connection (HandleConnection's read loop and its
// deferred cleanup).
type Connection struct {
	ID     string
	Conn   *websocket.Conn
	joined map[string]bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnectionManager wires the observer surface.
func NewConnectionManager(svc Services, writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &ConnectionManager{
		svc:          svc,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*Connection),
		sessions:     make(map[string]map[string]bool),
		feeds:        make(map[string]*sessionFeed),
	}
}

// HandleConnection runs one observer connection's read loop. Called by the
// WebSocket HTTP handler after upgrade; blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:     connID,
		Conn:   conn,
		joined: make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid observer message", "connection_id", connID, "error", err)
			continue
		}
		m.handleMessage(ctx, c, &msg)
	}
}

func (m *ConnectionManager) handleMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	case "join_session":
		if msg.SessionID == "" {
			m.sendJSON(c, commandError(msg.Type, "sessionId is required"))
			return
		}
		m.join(ctx, c, msg)
	case "leave_session":
		if msg.SessionID == "" {
			m.sendJSON(c, commandError(msg.Type, "sessionId is required"))
			return
		}
		m.leave(c, msg.SessionID)
		m.sendJSON(c, commandResult(msg.Type, map[string]any{"sessionId": msg.SessionID}))
	default:
		m.sendJSON(c, m.handleCommand(ctx, msg))
	}
}

// join subscribes the connection to a session's stream: the first observer
// of a session attaches a bus feed, then the client gets a state_update,
// optional full_state, and optional catchup replay.
func (m *ConnectionManager) join(ctx context.Context, c *Connection, msg *ClientMessage) {
	sessionID := msg.SessionID
	if err := m.attach(c, sessionID); err != nil {
		m.sendJSON(c, commandError(msg.Type, "failed to join session"))
		return
	}
	c.joined[sessionID] = true
	m.sendJSON(c, commandResult(msg.Type, map[string]any{"sessionId": sessionID}))

	m.sendStateUpdate(ctx, c, sessionID)

	if msg.RequestFullState {
		events, err := m.recentEvents(ctx, sessionID, config.MaxFullStateEvents)
		if err != nil {
			slog.Warn("Full state read failed", "session_id", sessionID, "error", err)
		} else {
			m.sendJSON(c, fullState(sessionID, events))
		}
	}
	if msg.AfterSequence > 0 {
		m.catchup(ctx, c, sessionID, msg.AfterSequence)
	}
}

// attach adds the connection to the session's observer set and starts the
// session's bus feed when it is the first observer. The feed is live before
// attach returns, so a subsequent catchup replay cannot miss events.
func (m *ConnectionManager) attach(c *Connection, sessionID string) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		mailbox := bus.NewAsyncSubscriber(func(e models.Event) {
			m.fanOut(e)
		}, bus.DefaultMailboxSize)
		mailbox.SetOnOverflow(func() { m.dropFeed(sessionID) })
		subID, err := m.svc.Bus.SubscribeToSession(sessionID, "", mailbox.Enqueue)
		if err != nil {
			mailbox.Stop()
			return err
		}
		m.sessions[sessionID] = make(map[string]bool)
		m.feeds[sessionID] = &sessionFeed{subID: subID, mailbox: mailbox}
	}
	m.sessions[sessionID][c.ID] = true
	return nil
}

// dropFeed tears down a session's bus feed after its mailbox lost a
// persisted event. Observers are told to rejoin; the join replays the gap
// from the log via catchup.
func (m *ConnectionManager) dropFeed(sessionID string) {
	conns := m.observers(sessionID)

	m.sessionMu.Lock()
	feed := m.feeds[sessionID]
	delete(m.feeds, sessionID)
	delete(m.sessions, sessionID)
	m.sessionMu.Unlock()

	if feed == nil {
		return
	}
	slog.Error("Session feed overflowed, disconnecting observers",
		"session_id", sessionID, "observer_count", len(conns))
	m.svc.Bus.Unsubscribe(feed.subID)
	feed.mailbox.Stop()

	payload := feedDropped(sessionID)
	for _, c := range conns {
		m.sendJSON(c, payload)
	}
}

// leave removes the connection from a session and drops the bus feed when
// the last observer leaves.
func (m *ConnectionManager) leave(c *Connection, sessionID string) {
	m.sessionMu.Lock()
	var feed *sessionFeed
	if observers, ok := m.sessions[sessionID]; ok {
		delete(observers, c.ID)
		if len(observers) == 0 {
			delete(m.sessions, sessionID)
			feed = m.feeds[sessionID]
			delete(m.feeds, sessionID)
		}
	}
	m.sessionMu.Unlock()

	delete(c.joined, sessionID)
	if feed != nil {
		m.svc.Bus.Unsubscribe(feed.subID)
		feed.mailbox.Stop()
	}
}

// fanOut delivers one bus event to every observer of its session. Persisted
// events become world_event plus a refreshed state_update; transient events
// pass through; terminal events additionally produce simulation_ended.
func (m *ConnectionManager) fanOut(e models.Event) {
	conns := m.observers(e.SessionID)
	if len(conns) == 0 {
		return
	}

	if e.Transient() {
		payload := transientEvent(e)
		for _, c := range conns {
			m.sendJSON(c, payload)
		}
		return
	}

	we := worldEvent(e)
	var su map[string]any
	if state, err := m.svc.Moderator.GetSessionState(e.SessionID); err == nil {
		su = stateUpdate(state, e.Sequence)
	}
	var ended map[string]any
	if e.Terminal() {
		ended = simulationEnded(e)
	}

	for _, c := range conns {
		m.sendJSON(c, we)
		if su != nil {
			m.sendJSON(c, su)
		}
		if ended != nil {
			m.sendJSON(c, ended)
		}
	}
}

// observers snapshots the live connections watching a session.
func (m *ConnectionManager) observers(sessionID string) []*Connection {
	m.sessionMu.RLock()
	ids := make([]string, 0, len(m.sessions[sessionID]))
	for id := range m.sessions[sessionID] {
		ids = append(ids, id)
	}
	m.sessionMu.RUnlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

func (m *ConnectionManager) sendStateUpdate(ctx context.Context, c *Connection, sessionID string) {
	state, err := m.svc.Moderator.GetSessionState(sessionID)
	if err != nil {
		slog.Warn("State read failed", "session_id", sessionID, "error", err)
		return
	}
	tick, err := m.svc.Log.GetCurrentSequence(ctx, sessionID)
	if err != nil {
		slog.Warn("Sequence read failed", "session_id", sessionID, "error", err)
		return
	}
	m.sendJSON(c, stateUpdate(state, tick))
}

// catchup replays persisted events after the given sequence as world_events.
func (m *ConnectionManager) catchup(ctx context.Context, c *Connection, sessionID string, afterSeq int64) {
	for {
		events, err := m.svc.Log.GetAfterSequence(ctx, sessionID, afterSeq, config.MaxReadLimit)
		if err != nil {
			slog.Warn("Catchup read failed", "session_id", sessionID, "error", err)
			return
		}
		for _, e := range events {
			m.sendJSON(c, worldEvent(e))
			afterSeq = e.Sequence
		}
		if len(events) < config.MaxReadLimit {
			return
		}
	}
}

// recentEvents reads up to max of the session's newest events, paging so no
// single read exceeds the log's read limit.
func (m *ConnectionManager) recentEvents(ctx context.Context, sessionID string, max int) ([]models.Event, error) {
	current, err := m.svc.Log.GetCurrentSequence(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	afterSeq := current - int64(max)
	if afterSeq < 0 {
		afterSeq = 0
	}

	var out []models.Event
	for {
		events, err := m.svc.Log.GetAfterSequence(ctx, sessionID, afterSeq, config.MaxReadLimit)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			out = append(out, e)
			afterSeq = e.Sequence
		}
		if len(events) < config.MaxReadLimit || len(out) >= max {
			break
		}
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out, nil
}

// ActiveConnections returns the count of live observer connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// observerCount returns how many connections observe a session.
// Unexported, used by tests to poll instead of sleeping.
func (m *ConnectionManager) observerCount(sessionID string) int {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	return len(m.sessions[sessionID])
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	for sessionID := range c.joined {
		m.leave(c, sessionID)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal observer message", "connection_id", c.ID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.Conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send observer message", "connection_id", c.ID, "error", err)
	}
}
