// Package transport owns the per-peer WebSocket connection: the read/write
// goroutine pair, the outbound queue with its critical-frame policy, and
// heartbeat-based latency tracking.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/match3/battlehub/internal/logging"
	"github.com/match3/battlehub/internal/metrics"
	"github.com/match3/battlehub/internal/protocol"
)

const (
	// outboundQueueSize is the buffered capacity of a peer's send channel.
	outboundQueueSize = 256

	writeWait  = 10 * time.Second
	pongWait   = 35 * time.Second
	pingPeriod = 5 * time.Second

	// maxMissedPongs before a connection is declared lost (~30s at a 5s
	// ping period).
	maxMissedPongs = 6

	// latencyEWMAAlpha smooths successive RTT samples into Client.Latency.
	latencyEWMAAlpha = 0.3
)

// wsConn is the subset of *websocket.Conn the Client depends on, so tests
// can substitute a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Router dispatches a decoded Envelope from a peer into room/matchmaker
// logic. Implemented by internal/hub.
type Router interface {
	Route(ctx context.Context, client *Client, env protocol.Envelope)
	HandleDisconnect(client *Client)
}

// Client represents one peer's live WebSocket connection.
type Client struct {
	conn   wsConn
	router Router

	peerID protocol.PeerID
	RoomID protocol.RoomID

	mu       sync.RWMutex
	role     protocol.Role
	closed   bool
	latency  float64 // EWMA-smoothed round trip latency, milliseconds
	missedPongs int

	closeOnce sync.Once
	send      chan []byte
	errors    *protocol.ParseErrorTracker
}

// NewClient wraps conn as a Client belonging to peer, routed via router.
func NewClient(conn wsConn, peer protocol.PeerID, router Router, errors *protocol.ParseErrorTracker) *Client {
	return &Client{
		conn:   conn,
		router: router,
		peerID: peer,
		role:   protocol.RoleNone,
		send:   make(chan []byte, outboundQueueSize),
		errors: errors,
	}
}

// ID returns the peer's stable identifier.
func (c *Client) ID() protocol.PeerID {
	return c.peerID
}

// Role returns the peer's current role.
func (c *Client) Role() protocol.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// SetRole updates the peer's role.
func (c *Client) SetRole(role protocol.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

// Latency returns the current EWMA-smoothed round-trip latency in
// milliseconds.
func (c *Client) Latency() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latency
}

// recordLatencySample folds one RTT sample into the EWMA.
func (c *Client) recordLatencySample(rttMillis float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latency == 0 {
		c.latency = rttMillis
		return
	}
	c.latency = latencyEWMAAlpha*rttMillis + (1-latencyEWMAAlpha)*c.latency
}

// Send enqueues env for delivery. Critical tags (per protocol.CriticalTags,
// plus terminal STATE_SYNC when markCritical is true) are never silently
// dropped: if the queue is full, the connection is aborted with
// BACKPRESSURE_ABORT instead.
func (c *Client) Send(env protocol.Envelope, markCritical bool) {
	raw, err := protocol.Encode(env)
	if err != nil {
		logging.Error(context.Background(), "failed to encode outbound envelope", zap.Error(err), zap.String("peerId", string(c.peerID)))
		return
	}

	critical := protocol.CriticalTags[env.Type] || markCritical

	select {
	case c.send <- raw:
		return
	default:
	}

	if !critical {
		logging.Warn(context.Background(), "outbound queue full, dropping non-critical frame",
			zap.String("peerId", string(c.peerID)), zap.String("tag", string(env.Type)))
		return
	}

	logging.Error(context.Background(), "outbound queue full on critical frame, aborting connection",
		zap.String("peerId", string(c.peerID)), zap.String("tag", string(env.Type)))
	c.abort(protocol.ErrCodeBackpressureAbort)
}

// abort force-closes the connection and notifies the peer why, best-effort.
func (c *Client) abort(reason string) {
	errEnv := protocol.NewErrorEnvelope(reason, "connection aborted")
	if raw, err := protocol.Encode(errEnv); err == nil {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.TextMessage, raw)
	}
	c.Close()
}

// Close shuts the client down exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.send)
		c.conn.Close()
	})
}

// ReadPump reads frames off the connection until it errs out or closes,
// dispatching each to the router. Run in its own goroutine.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.router.HandleDisconnect(c)
		c.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.missedPongs = 0
		c.mu.Unlock()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			count := c.errors.RecordError(c.peerID)
			if c.errors.ShouldWarnUnknownType(c.peerID) {
				logging.Warn(ctx, "dropping malformed frame",
					zap.String("peerId", string(c.peerID)), zap.Int("errorCount", count), zap.Error(err))
			}
			continue
		}

		if env.Type == protocol.TagPong {
			c.handlePong(env)
			continue
		}

		c.router.Route(ctx, c, env)
	}
}

func (c *Client) handlePong(env protocol.Envelope) {
	var hb protocol.HeartbeatPayload
	if err := protocol.DecodePayload(env, &hb); err != nil {
		return
	}
	rtt := float64(time.Now().UnixMilli() - hb.Timestamp)
	if rtt >= 0 {
		c.recordLatencySample(rtt)
	}

	c.mu.Lock()
	c.missedPongs = 0
	c.mu.Unlock()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

// WritePump drains the outbound queue and a heartbeat ticker onto the wire.
// Run in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Warn(context.Background(), "error writing frame", zap.Error(err), zap.String("peerId", string(c.peerID)))
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()

			if missed > maxMissedPongs {
				logging.Warn(context.Background(), "peer missed too many pongs, closing",
					zap.String("peerId", string(c.peerID)), zap.Int("missed", missed))
				return
			}

			env, _ := protocol.NewEnvelope(protocol.TagPing, c.peerID, protocol.HeartbeatPayload{Timestamp: time.Now().UnixMilli()})
			raw, err := protocol.Encode(env)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}
}
