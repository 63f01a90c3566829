// Package hub ties the room registry, matchmaker, and transport layer
// together behind the WebSocket upgrade endpoint, generalizing the teacher's
// Hub (auth + origin checks + room lookup in one place) to this spec's
// room/matchmaker/move-routing surface.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/match3/battlehub/internal/auth"
	"github.com/match3/battlehub/internal/battleroom"
	"github.com/match3/battlehub/internal/logging"
	"github.com/match3/battlehub/internal/matchmaker"
	"github.com/match3/battlehub/internal/metrics"
	"github.com/match3/battlehub/internal/protocol"
	"github.com/match3/battlehub/internal/ratelimit"
	"github.com/match3/battlehub/internal/transport"
)

// Hub wires the WebSocket upgrade endpoint to the Room Registry and
// Matchmaker, and implements transport.Router to dispatch decoded frames
// into room/matchmaker operations.
type Hub struct {
	registry   *battleroom.Registry
	matchmaker *matchmaker.Matchmaker
	validator  auth.TokenValidator
	rateLimit  *ratelimit.RateLimiter
	errors     *protocol.ParseErrorTracker

	allowedOrigins []string
	devMode        bool

	mu    sync.Mutex
	peers map[protocol.PeerID]*transport.Client
	rooms map[protocol.PeerID]protocol.RoomID
}

// New builds a Hub. rateLimiter may be nil in devMode, in which case
// connection-attempt throttling is skipped entirely.
func New(registry *battleroom.Registry, mm *matchmaker.Matchmaker, validator auth.TokenValidator, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string, devMode bool) *Hub {
	return &Hub{
		registry:       registry,
		matchmaker:     mm,
		validator:      validator,
		rateLimit:      rateLimiter,
		errors:         protocol.NewParseErrorTracker(),
		allowedOrigins: allowedOrigins,
		devMode:        devMode,
		peers:          make(map[protocol.PeerID]*transport.Client),
		rooms:          make(map[protocol.PeerID]protocol.RoomID),
	}
}

// SetMatchmaker attaches the Matchmaker once it has been constructed.
// Matchmaker.New requires the Hub's IsConnected callback, so the two can't be
// built in a single call; callers build the Hub, build the Matchmaker around
// h.IsConnected, then call SetMatchmaker before serving traffic.
func (h *Hub) SetMatchmaker(mm *matchmaker.Matchmaker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matchmaker = mm
}

// IsConnected reports whether peerID currently has a live connection. Handed
// to the Matchmaker so the drain loop can discard tickets for peers that
// disconnected while queued.
func (h *Hub) IsConnected(peerID protocol.PeerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[peerID]
	return ok
}

// extractToken pulls a bearer token from the Sec-WebSocket-Protocol header
// (browser WebSocket clients can't set arbitrary headers) or, failing that,
// a "token" query parameter.
func extractToken(c *gin.Context) string {
	if proto := c.GetHeader("Sec-WebSocket-Protocol"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if p != "" && p != "access_token" {
				return p
			}
		}
	}
	return c.Query("token")
}

// validateOrigin reports whether r's Origin header matches one of allowed.
// A missing Origin header is permitted, the same way the teacher treats
// non-browser clients.
func validateOrigin(r *http.Request, allowed []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}

	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// ServeWs authenticates, rate-limits, and upgrades a battle connection, then
// starts its read/write pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	if h.rateLimit != nil && !h.rateLimit.CheckWebSocket(c) {
		return // CheckWebSocket already wrote the response
	}

	token := extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	peerID := protocol.PeerID(claims.Subject)

	if h.rateLimit != nil {
		if err := h.rateLimit.CheckWebSocketUser(ctx, string(peerID)); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections for this peer"})
			return
		}
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "failed to upgrade connection", zap.Error(err))
		return
	}

	client := transport.NewClient(conn, peerID, h, h.errors)

	h.mu.Lock()
	h.peers[peerID] = client
	existingRoom, reconnecting := h.rooms[peerID]
	h.mu.Unlock()

	metrics.IncConnection()
	logging.Info(ctx, "peer connected", zap.String("peerId", string(peerID)))

	status := "connected"
	if reconnecting {
		client.RoomID = existingRoom
		if room, err := h.registry.Get(existingRoom); err == nil {
			room.MarkReconnected(peerID)
			status = "reconnected"
		}
	}
	env, _ := protocol.NewEnvelope(protocol.TagConnect, peerID, protocol.ConnectPayload{PeerID: peerID, Status: status})
	client.Send(env, true)

	go client.WritePump()
	go client.ReadPump(ctx)
}

// Route implements transport.Router, dispatching a decoded envelope into
// room or matchmaker operations.
func (h *Hub) Route(ctx context.Context, client *transport.Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TagCreateRoom:
		h.handleCreateRoom(client)
	case protocol.TagJoinRoom:
		h.handleJoinRoom(ctx, client, env)
	case protocol.TagLeaveRoom:
		h.handleLeaveRoom(client)
	case protocol.TagFindMatch:
		h.handleFindMatch(client, env)
	case protocol.TagCancelFindMatch:
		h.matchmaker.Cancel(client.ID())
	case protocol.TagMove:
		h.handleMove(client, env)
	case protocol.TagStateSync:
		h.handleStateSync(client, env)
	case protocol.TagChat:
		h.handleChat(client, env)
	case protocol.TagDisconnect:
		h.HandleDisconnect(client)
	default:
		client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeProtocolError, fmt.Sprintf("unhandled tag %s", env.Type)), false)
	}
}

func (h *Hub) handleCreateRoom(client *transport.Client) {
	room := h.registry.Create()
	role, err := room.AddPlayer(client)
	if err != nil {
		client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeRoomFull, err.Error()), false)
		return
	}
	client.SetRole(role)
	client.RoomID = room.ID
	h.associate(client.ID(), room.ID)

	env, _ := protocol.NewEnvelope(protocol.TagRoomCreated, client.ID(), protocol.RoomCreatedPayload{RoomID: room.ID})
	client.Send(env, true)
}

func (h *Hub) handleJoinRoom(ctx context.Context, client *transport.Client, env protocol.Envelope) {
	var payload protocol.JoinRoomPayload
	if err := protocol.DecodePayload(env, &payload); err != nil {
		client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeProtocolError, err.Error()), false)
		return
	}

	room, err := h.registry.Get(payload.RoomID)
	if err != nil {
		client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeRoomNotFound, err.Error()), false)
		return
	}

	role, err := room.AddPlayer(client)
	if err != nil {
		if spectateErr := room.AddSpectator(client); spectateErr != nil {
			client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeRoomFull, err.Error()), false)
			return
		}
		role = protocol.RoleSpectator
	}
	client.SetRole(role)
	client.RoomID = room.ID
	h.associate(client.ID(), room.ID)

	logging.Info(ctx, "peer joined room", zap.String("roomId", string(room.ID)), zap.String("peerId", string(client.ID())), zap.String("role", string(role)))

	env2, _ := protocol.NewEnvelope(protocol.TagRoomJoined, client.ID(), protocol.RoomJoinedPayload{RoomID: room.ID, PeerCount: room.MoveCount()})
	client.Send(env2, true)
}

func (h *Hub) handleLeaveRoom(client *transport.Client) {
	room, err := h.registry.Get(client.RoomID)
	if err != nil {
		return
	}
	room.RemovePeer(client.ID())
	h.disassociate(client.ID())
	client.RoomID = ""
}

func (h *Hub) handleFindMatch(client *transport.Client, env protocol.Envelope) {
	var payload protocol.FindMatchPayload
	mode := matchmaker.ModeRandom
	if err := protocol.DecodePayload(env, &payload); err == nil && payload.Mode != "" {
		mode = matchmaker.Mode(payload.Mode)
	}
	h.matchmaker.Enqueue(client, mode)
}

func (h *Hub) handleMove(client *transport.Client, env protocol.Envelope) {
	var payload protocol.MovePayload
	if err := protocol.DecodePayload(env, &payload); err != nil {
		client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeProtocolError, err.Error()), false)
		return
	}

	room, err := h.registry.Get(client.RoomID)
	if err != nil {
		client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeRoomNotFound, err.Error()), false)
		return
	}

	if err := room.RecordMove(client.ID(), payload.Move); err != nil {
		client.Send(protocol.NewErrorEnvelope(moveErrorCode(err), err.Error()), false)
	}
}

func moveErrorCode(err error) string {
	switch {
	case err == battleroom.ErrNotYourTurn:
		return protocol.ErrCodeNotYourTurn
	case err == battleroom.ErrInvalidMove:
		return protocol.ErrCodeInvalidMove
	default:
		return protocol.ErrCodeGameNotStarted
	}
}

func (h *Hub) handleStateSync(client *transport.Client, env protocol.Envelope) {
	var payload protocol.StateSyncPayload
	if err := protocol.DecodePayload(env, &payload); err != nil || payload.State == nil {
		client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeProtocolError, "state sync requires a full snapshot"), false)
		return
	}

	room, err := h.registry.Get(client.RoomID)
	if err != nil {
		client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeRoomNotFound, err.Error()), false)
		return
	}

	if err := room.RecordSnapshot(client.ID(), payload.State); err != nil {
		client.Send(protocol.NewErrorEnvelope(protocol.ErrCodeStaleSnapshot, err.Error()), false)
	}
}

func (h *Hub) handleChat(client *transport.Client, env protocol.Envelope) {
	room, err := h.registry.Get(client.RoomID)
	if err != nil {
		return
	}
	room.Broadcast(env, client.ID())
}

// HandleDisconnect implements transport.Router, called once a peer's
// connection drops (deliberately or otherwise). The room is told the peer is
// awaiting-reconnect rather than removed outright; presence tracking (and
// matchmaker tickets) are cleared immediately since the socket itself is
// gone.
func (h *Hub) HandleDisconnect(client *transport.Client) {
	h.mu.Lock()
	delete(h.peers, client.ID())
	h.mu.Unlock()

	h.matchmaker.Cancel(client.ID())
	h.errors.Forget(client.ID())

	if client.RoomID == "" {
		return
	}
	if room, err := h.registry.Get(client.RoomID); err == nil {
		room.MarkDisconnected(client.ID())
	}
	logging.Info(context.Background(), "peer disconnected", zap.String("peerId", string(client.ID())))
}

func (h *Hub) associate(peerID protocol.PeerID, roomID protocol.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[peerID] = roomID
}

func (h *Hub) disassociate(peerID protocol.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, peerID)
}

// Shutdown tears down the registry and matchmaker.
func (h *Hub) Shutdown() {
	h.matchmaker.Shutdown()
	h.registry.Shutdown()
}
