package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// catchupLimit caps how many missed events one catchup request replays.
	// Past the cap the client gets a catchup.overflow marker and should
	// refetch through the REST event log instead.
	catchupLimit = 200

	listenTimeout = 10 * time.Second
	writeTimeout  = 5 * time.Second
)

// CatchupEvent is one persisted event replayed to a reconnecting client.
type CatchupEvent struct {
	ID      int
	Payload map[string]any
}

// CatchupQuerier fetches persisted events a client missed while
// disconnected.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error)
}

// channelSubscriber issues LISTEN/UNLISTEN on the shared notify connection.
// Satisfied by NotifyListener; split out so manager tests can run without
// PostgreSQL.
type channelSubscriber interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// wsConn is one live WebSocket client and the channels it subscribed to.
type wsConn struct {
	conn     *websocket.Conn
	channels map[string]bool
	writeMu  sync.Mutex
}

// ConnectionManager routes broadcast notifications to the WebSocket
// clients of this replica and tracks which notify channels still have
// local subscribers.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*wsConn
	channels    map[string]map[string]bool // channel -> set of conn ids

	listener channelSubscriber
	querier  CatchupQuerier
}

// NewConnectionManager builds a manager; the notify listener is attached
// after it starts via SetListener.
func NewConnectionManager(querier CatchupQuerier) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*wsConn),
		channels:    make(map[string]map[string]bool),
		querier:     querier,
	}
}

// SetListener wires the notify listener once it is running.
func (m *ConnectionManager) SetListener(l channelSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// HandleConnection owns one client for its lifetime: it reads subscribe,
// unsubscribe, catchup and ping messages until the connection drops, then
// releases every channel the client held.
func (m *ConnectionManager) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	connID := uuid.NewString()
	c := &wsConn{conn: conn, channels: make(map[string]bool)}

	m.mu.Lock()
	m.connections[connID] = c
	m.mu.Unlock()
	slog.Debug("WebSocket client connected", "conn_id", connID)

	m.sendJSON(ctx, c, map[string]any{
		"type":          "connection.established",
		"connection_id": connID,
	})

	defer m.removeConnection(ctx, connID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("WebSocket client disconnected", "conn_id", connID, "error", err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.sendJSON(ctx, c, map[string]any{
				"type":    "error",
				"message": "invalid message format",
			})
			continue
		}

		switch msg.Action {
		case "subscribe":
			m.handleSubscribe(ctx, connID, c, msg)
		case "unsubscribe":
			m.handleUnsubscribe(ctx, connID, c, msg.Channel)
		case "catchup":
			m.handleCatchup(ctx, c, msg)
		case "ping":
			m.sendJSON(ctx, c, map[string]any{"type": "pong"})
		default:
			m.sendJSON(ctx, c, map[string]any{
				"type":    "error",
				"message": fmt.Sprintf("unknown action %q", msg.Action),
			})
		}
	}
}

func (m *ConnectionManager) handleSubscribe(ctx context.Context, connID string, c *wsConn, msg ClientMessage) {
	if msg.Channel == "" {
		m.sendJSON(ctx, c, map[string]any{"type": "error", "message": "channel is required"})
		return
	}

	if err := m.subscribe(ctx, connID, c, msg.Channel); err != nil {
		slog.Warn("Subscription failed", "conn_id", connID, "channel", msg.Channel, "error", err)
		m.sendJSON(ctx, c, map[string]any{
			"type":    "subscription.error",
			"channel": msg.Channel,
			"message": "subscription failed",
		})
		return
	}

	m.sendJSON(ctx, c, map[string]any{
		"type":    "subscription.ok",
		"channel": msg.Channel,
	})

	// A reconnecting client supplies the last event id it saw; replay the
	// gap before live traffic resumes mattering to it.
	if msg.LastEventID != nil {
		m.handleCatchup(ctx, c, msg)
	}
}

// subscribe registers the connection locally and, for the first local
// subscriber of a channel, issues a synchronous LISTEN. On LISTEN failure
// the empty channel entry is rolled back so a retry starts clean.
func (m *ConnectionManager) subscribe(ctx context.Context, connID string, c *wsConn, channel string) error {
	m.mu.Lock()
	first := false
	if _, ok := m.channels[channel]; !ok {
		m.channels[channel] = make(map[string]bool)
		first = true
	}
	m.channels[channel][connID] = true
	c.channels[channel] = true
	listener := m.listener
	m.mu.Unlock()

	if !first {
		return nil
	}
	if listener == nil {
		m.cleanupFailedChannel(channel, connID, c)
		return fmt.Errorf("notify listener not attached")
	}

	listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
	defer cancel()
	if err := listener.Subscribe(listenCtx, channel); err != nil {
		m.cleanupFailedChannel(channel, connID, c)
		return err
	}
	return nil
}

func (m *ConnectionManager) cleanupFailedChannel(channel, connID string, c *wsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.channels[channel]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	delete(c.channels, channel)
}

func (m *ConnectionManager) handleUnsubscribe(ctx context.Context, connID string, c *wsConn, channel string) {
	if channel == "" {
		m.sendJSON(ctx, c, map[string]any{"type": "error", "message": "channel is required"})
		return
	}
	m.releaseChannel(ctx, connID, c, channel)
	m.sendJSON(ctx, c, map[string]any{
		"type":    "unsubscription.ok",
		"channel": channel,
	})
}

// releaseChannel drops one connection's claim on a channel and UNLISTENs
// when it was the last. The subscriber set is re-checked under the lock
// before UNLISTEN so a racing subscribe is not cut off.
func (m *ConnectionManager) releaseChannel(ctx context.Context, connID string, c *wsConn, channel string) {
	m.mu.Lock()
	delete(c.channels, channel)
	last := false
	if subs, ok := m.channels[channel]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			last = true
		}
	}
	listener := m.listener
	m.mu.Unlock()

	if !last || listener == nil {
		return
	}

	unlistenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
	defer cancel()
	if err := listener.Unsubscribe(unlistenCtx, channel); err != nil {
		slog.Warn("UNLISTEN failed", "channel", channel, "error", err)
	}
}

// handleCatchup replays persisted events newer than the client's last seen
// id. When the replay hits the cap, a catchup.overflow marker tells the
// client to reload through the REST event log.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *wsConn, msg ClientMessage) {
	if msg.Channel == "" || msg.LastEventID == nil {
		m.sendJSON(ctx, c, map[string]any{
			"type":    "error",
			"message": "catchup requires channel and last_event_id",
		})
		return
	}
	if m.querier == nil {
		return
	}

	events, err := m.querier.GetCatchupEvents(ctx, msg.Channel, *msg.LastEventID, catchupLimit)
	if err != nil {
		slog.Warn("Catchup query failed", "channel", msg.Channel, "error", err)
		m.sendJSON(ctx, c, map[string]any{
			"type":    "error",
			"message": "catchup failed",
		})
		return
	}

	for _, ev := range events {
		payload := ev.Payload
		payload["db_event_id"] = ev.ID
		m.sendJSON(ctx, c, payload)
	}

	if len(events) == catchupLimit {
		m.sendJSON(ctx, c, map[string]any{
			"type":    "catchup.overflow",
			"channel": msg.Channel,
			"message": "too many missed events; reload from the event log",
		})
	}
}

// Broadcast delivers a raw notification payload to every local subscriber
// of the channel. Called by the notify listener's receive loop.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.mu.RLock()
	subs := m.channels[channel]
	targets := make([]*wsConn, 0, len(subs))
	for connID := range subs {
		if c, ok := m.connections[connID]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		m.sendRaw(context.Background(), c, payload)
	}
}

func (m *ConnectionManager) removeConnection(ctx context.Context, connID string) {
	m.mu.Lock()
	c, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, connID)
	held := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		held = append(held, ch)
	}
	m.mu.Unlock()

	for _, ch := range held {
		m.releaseChannel(ctx, connID, c, ch)
	}
	slog.Debug("WebSocket client removed", "conn_id", connID, "channels", len(held))
}

// ConnectionCount reports live local clients.
func (m *ConnectionManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) sendJSON(ctx context.Context, c *wsConn, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal outbound message", "error", err)
		return
	}
	m.sendRaw(ctx, c, raw)
}

func (m *ConnectionManager) sendRaw(ctx context.Context, c *wsConn, raw []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, raw); err != nil {
		slog.Debug("WebSocket write failed", "error", err)
	}
}
