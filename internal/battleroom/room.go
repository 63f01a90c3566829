package battleroom

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/match3/battlehub/internal/bus"
	"github.com/match3/battlehub/internal/conflict"
	"github.com/match3/battlehub/internal/logging"
	"github.com/match3/battlehub/internal/metrics"
	"github.com/match3/battlehub/internal/protocol"
)

// ErrRoomFull is returned by AddPlayer once both slots are taken.
var ErrRoomFull = fmt.Errorf("battleroom: room full")

// ErrNotYourTurn is returned by RecordMove when the peer does not hold the
// current turn.
var ErrNotYourTurn = fmt.Errorf("battleroom: not your turn")

// ErrInvalidMove is returned by RecordMove for a structurally invalid or
// out-of-order move.
var ErrInvalidMove = fmt.Errorf("battleroom: invalid move")

// ErrStaleSnapshot is returned by RecordSnapshot when the incoming version
// does not advance the room's current version.
var ErrStaleSnapshot = fmt.Errorf("battleroom: stale snapshot")

// reconnectGracePeriod is how long a disconnected player's slot is held
// before the room is terminated as abandoned.
const reconnectGracePeriod = 30 * time.Second

// Peer is the subset of transport.Client a Room needs: identity and
// outbound delivery. Kept as an interface so battleroom has no import-time
// dependency on the transport package.
type Peer interface {
	ID() protocol.PeerID
	Send(env protocol.Envelope, markCritical bool)
}

// Room owns membership, the move log, turn bookkeeping, and broadcast
// fanout for one match, generalizing the teacher's host/participant maps
// plus container/list draw-order queues to a two-player-plus-spectators
// shape.
type Room struct {
	ID protocol.RoomID

	mu sync.RWMutex

	host *roomSlot
	guest *roomSlot
	spectators map[protocol.PeerID]Peer

	moveLog       *list.List // of protocol.MoveToken
	currentTurn   protocol.Role
	lastHostMove  int
	lastGuestMove int
	started       bool

	currentSnapshot *protocol.StateSnapshot

	disconnectedSince map[protocol.PeerID]time.Time
	abandonTimers     map[protocol.PeerID]*time.Timer

	createdAt time.Time
	emptySince time.Time

	onEmpty func(protocol.RoomID)
	bus     *bus.Service

	spectatingEnabled bool
	conflictPolicy    conflict.Policy
	mergeAllowed      bool
	resolver          *conflict.Resolver
}

type roomSlot struct {
	peer Peer
	role protocol.Role
}

// Options configures the per-room knobs a Registry can hand to NewRoom:
// whether spectators are allowed, and which conflict.Policy governs
// reconciling a player's reported snapshot against the room's own.
type Options struct {
	SpectatingEnabled bool
	ConflictPolicy    conflict.Policy
	MergeAllowed      bool
}

// DefaultOptions returns the Options a Room is created with when the caller
// has no reason to deviate: spectating on, server-authoritative conflict
// resolution (the room is already authoritative for turn order, so this is
// the policy consistent with the rest of move validation), merge allowed.
func DefaultOptions() Options {
	return Options{
		SpectatingEnabled: true,
		ConflictPolicy:    conflict.PolicyServerAuthoritative,
		MergeAllowed:      true,
	}
}

// NewRoom constructs an empty Room with opts governing spectating and
// conflict resolution. onEmptyCallback mirrors the teacher's
// Hub.removeRoom hook, invoked whenever the room transitions to having no
// members.
func NewRoom(id protocol.RoomID, onEmptyCallback func(protocol.RoomID), busService *bus.Service, opts Options) *Room {
	now := time.Now()
	return &Room{
		ID:                id,
		spectators:        make(map[protocol.PeerID]Peer),
		moveLog:           list.New(),
		currentTurn:       protocol.RoleHost,
		disconnectedSince: make(map[protocol.PeerID]time.Time),
		abandonTimers:     make(map[protocol.PeerID]*time.Timer),
		createdAt:         now,
		emptySince:        now,
		onEmpty:           onEmptyCallback,
		bus:               busService,
		spectatingEnabled: opts.SpectatingEnabled,
		conflictPolicy:    opts.ConflictPolicy,
		mergeAllowed:      opts.MergeAllowed,
		resolver:          conflict.NewResolver(opts.ConflictPolicy, opts.MergeAllowed),
	}
}

// CreatedAt returns the room's creation time, for idle-TTL sweeping.
func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

// EmptySince returns the time the room last became empty, or the zero time
// if it currently has members.
func (r *Room) EmptySince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.host == nil && r.guest == nil && len(r.spectators) == 0 {
		return r.emptySince
	}
	return time.Time{}
}

// IsEmpty reports whether the room currently has no members.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host == nil && r.guest == nil && len(r.spectators) == 0
}

// AddPlayer assigns peer to HOST if the slot is empty, else GUEST. If both
// slots fill as a result, GAME_START is emitted to both.
func (r *Room) AddPlayer(peer Peer) (protocol.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var role protocol.Role
	switch {
	case r.host == nil:
		role = protocol.RoleHost
		r.host = &roomSlot{peer: peer, role: role}
	case r.guest == nil:
		role = protocol.RoleGuest
		r.guest = &roomSlot{peer: peer, role: role}
	default:
		return "", ErrRoomFull
	}

	logging.Info(context.Background(), "player added to room",
		zap.String("roomId", string(r.ID)), zap.String("peerId", string(peer.ID())), zap.String("role", string(role)))

	if r.host != nil && r.guest != nil {
		r.startGame()
	}

	return role, nil
}

// startGame marks the room started and sends GAME_START to both players.
// Caller must hold the write lock.
func (r *Room) startGame() {
	r.started = true
	r.currentTurn = protocol.RoleHost

	env, _ := protocol.NewEnvelope(protocol.TagGameStart, "", protocol.GameStartPayload{
		RoomID:         r.ID,
		Players:        []protocol.PeerID{r.host.peer.ID(), r.guest.peer.ID()},
		StartingPlayer: r.host.peer.ID(),
	})
	r.host.peer.Send(env, true)
	r.guest.peer.Send(env, true)
}

// AddSpectator appends peer to the spectator set if spectating is enabled
// for this room.
func (r *Room) AddSpectator(peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.spectatingEnabled {
		return fmt.Errorf("battleroom: spectating disabled")
	}
	r.spectators[peer.ID()] = peer
	return nil
}

// RemovePeer removes peer from whichever slot or set it occupies and
// broadcasts PLAYER_LEFT or SPECTATOR_LEFT.
func (r *Room) RemovePeer(peerID protocol.PeerID) {
	r.mu.Lock()

	var removedRole protocol.Role
	removed := false

	if r.host != nil && r.host.peer.ID() == peerID {
		removedRole = protocol.RoleHost
		r.host = nil
		removed = true
	} else if r.guest != nil && r.guest.peer.ID() == peerID {
		removedRole = protocol.RoleGuest
		r.guest = nil
		removed = true
	} else if _, ok := r.spectators[peerID]; ok {
		delete(r.spectators, peerID)
		env, _ := protocol.NewEnvelope(protocol.TagSpectatorLeft, "", protocol.SpectatorLeftPayload{RoomID: r.ID, PeerID: peerID})
		r.broadcastLocked(env, peerID)
	}

	if removed {
		env, _ := protocol.NewEnvelope(protocol.TagPlayerLeft, "", protocol.PlayerLeftPayload{RoomID: r.ID, PeerID: peerID, Role: removedRole})
		r.broadcastLocked(env, peerID)
	}

	if r.host == nil && r.guest == nil && len(r.spectators) == 0 {
		r.emptySince = time.Now()
	}

	onEmpty := r.onEmpty
	isEmpty := r.host == nil && r.guest == nil && len(r.spectators) == 0
	roomID := r.ID
	r.mu.Unlock()

	if isEmpty && onEmpty != nil {
		onEmpty(roomID)
	}
}

// MarkDisconnected starts the 30s "awaiting reconnect" grace window for a
// player slot, notifying the opponent. If the peer has not returned when
// the timer fires, the room is ended as abandoned.
func (r *Room) MarkDisconnected(peerID protocol.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, already := r.disconnectedSince[peerID]; already {
		return
	}
	r.disconnectedSince[peerID] = time.Now()

	opponent := r.opponentOfLocked(peerID)
	if opponent != nil {
		env, _ := protocol.NewEnvelope(protocol.TagPlayerDisconnected, "", protocol.PlayerDisconnectedPayload{
			RoomID: r.ID, PeerID: peerID, GraceSeconds: int(reconnectGracePeriod.Seconds()),
		})
		opponent.peer.Send(env, true)
	}

	r.abandonTimers[peerID] = time.AfterFunc(reconnectGracePeriod, func() {
		r.handleAbandon(peerID)
	})
}

// MarkReconnected cancels a pending abandon timer for peerID, if one exists.
func (r *Room) MarkReconnected(peerID protocol.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.abandonTimers[peerID]; ok {
		timer.Stop()
		delete(r.abandonTimers, peerID)
	}
	delete(r.disconnectedSince, peerID)

	opponent := r.opponentOfLocked(peerID)
	if opponent != nil {
		env, _ := protocol.NewEnvelope(protocol.TagPlayerReconnected, "", protocol.PlayerReconnectedPayload{RoomID: r.ID, PeerID: peerID})
		opponent.peer.Send(env, false)
	}
}

func (r *Room) handleAbandon(peerID protocol.PeerID) {
	r.mu.Lock()
	if _, stillDisconnected := r.disconnectedSince[peerID]; !stillDisconnected {
		r.mu.Unlock()
		return
	}

	opponent := r.opponentOfLocked(peerID)
	var winner protocol.PeerID
	if opponent != nil {
		winner = opponent.peer.ID()
	}

	env, _ := protocol.NewEnvelope(protocol.TagGameEnd, "", protocol.GameEndPayload{Winner: winner, Reason: "abandoned"})
	r.broadcastLocked(env, "")
	r.mu.Unlock()

	logging.Info(context.Background(), "room abandoned", zap.String("roomId", string(r.ID)), zap.String("disconnectedPeer", string(peerID)))
}

// opponentOfLocked returns the other player's slot. Caller must hold the
// lock.
func (r *Room) opponentOfLocked(peerID protocol.PeerID) *roomSlot {
	if r.host != nil && r.host.peer.ID() == peerID {
		return r.guest
	}
	if r.guest != nil && r.guest.peer.ID() == peerID {
		return r.host
	}
	return nil
}

// RecordMove validates turn order and move-number monotonicity, appends to
// the move log, fans the move out to the other player and spectators, and
// rotates the current turn.
func (r *Room) RecordMove(peerID protocol.PeerID, move protocol.MoveToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return fmt.Errorf("battleroom: %w", ErrGameNotStarted)
	}

	var role protocol.Role
	switch {
	case r.host != nil && r.host.peer.ID() == peerID:
		role = protocol.RoleHost
	case r.guest != nil && r.guest.peer.ID() == peerID:
		role = protocol.RoleGuest
	default:
		return ErrNotYourTurn
	}

	if role != r.currentTurn {
		return ErrNotYourTurn
	}

	if role == protocol.RoleHost {
		if move.MoveNumber <= r.lastHostMove {
			return ErrInvalidMove
		}
		r.lastHostMove = move.MoveNumber
	} else {
		if move.MoveNumber <= r.lastGuestMove {
			return ErrInvalidMove
		}
		r.lastGuestMove = move.MoveNumber
	}

	move.OriginPeerID = peerID
	move.ServerTimestamp = time.Now().UnixMilli()
	r.moveLog.PushBack(move)

	env, _ := protocol.NewEnvelope(protocol.TagMove, peerID, protocol.MovePayload{RoomID: r.ID, Move: move})
	r.broadcastLocked(env, peerID)

	if r.currentTurn == protocol.RoleHost {
		r.currentTurn = protocol.RoleGuest
	} else {
		r.currentTurn = protocol.RoleHost
	}

	metrics.StateSyncsTotal.WithLabelValues("move").Inc()
	return nil
}

// ErrGameNotStarted is returned by RecordMove before both slots are filled.
var ErrGameNotStarted = fmt.Errorf("game not started")

// RecordSnapshot stores snap as the room's current snapshot if its version
// advances the existing one. If the incoming snapshot diverges from the
// room's current one under the room's configured conflict policy, it is
// reconciled through the room's resolver before being stored; either way the
// result is fanned out via STATE_SYNC.
func (r *Room) RecordSnapshot(peerID protocol.PeerID, snap *protocol.StateSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	isPlayer := (r.host != nil && r.host.peer.ID() == peerID) || (r.guest != nil && r.guest.peer.ID() == peerID)
	if !isPlayer {
		return fmt.Errorf("battleroom: peer %s is not a player", peerID)
	}

	if r.currentSnapshot != nil && snap.Version <= r.currentSnapshot.Version {
		return ErrStaleSnapshot
	}

	resolved := snap
	if conf := conflict.DetectConflict(r.currentSnapshot, snap); conf != nil {
		start := time.Now()
		res := r.resolver.Resolve(conf)
		metrics.ConflictResolutionDuration.Observe(time.Since(start).Seconds())
		metrics.ConflictsTotal.WithLabelValues(string(conf.Kind)).Inc()
		if res.Success && res.ResolvedState != nil {
			resolved = res.ResolvedState
		}
	}
	r.currentSnapshot = resolved

	env, _ := protocol.NewEnvelope(protocol.TagStateSync, peerID, protocol.StateSyncPayload{RoomID: r.ID, State: resolved})
	r.broadcastLocked(env, peerID)
	return nil
}

// Broadcast sends env to every current member except exceptPeerID (if
// non-empty).
func (r *Room) Broadcast(env protocol.Envelope, exceptPeerID protocol.PeerID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.broadcastLocked(env, exceptPeerID)
}

// broadcastLocked sends env to every current member. Caller must hold at
// least a read lock.
func (r *Room) broadcastLocked(env protocol.Envelope, exceptPeerID protocol.PeerID) {
	targets := make([]Peer, 0, 2+len(r.spectators))
	if r.host != nil {
		targets = append(targets, r.host.peer)
	}
	if r.guest != nil {
		targets = append(targets, r.guest.peer)
	}
	for _, s := range r.spectators {
		targets = append(targets, s)
	}

	for _, peer := range targets {
		if exceptPeerID != "" && peer.ID() == exceptPeerID {
			continue
		}
		peer.Send(env, false)
	}

	if r.bus != nil {
		go r.publishToBus(env, exceptPeerID)
	}
}

// BroadcastToRoles sends env only to members whose role is in roles.
func (r *Room) BroadcastToRoles(env protocol.Envelope, roles set.Set[protocol.Role], exceptPeerID protocol.PeerID) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for role := range roles {
		switch role {
		case protocol.RoleHost:
			if r.host != nil && r.host.peer.ID() != exceptPeerID {
				r.host.peer.Send(env, false)
			}
		case protocol.RoleGuest:
			if r.guest != nil && r.guest.peer.ID() != exceptPeerID {
				r.guest.peer.Send(env, false)
			}
		case protocol.RoleSpectator:
			for id, s := range r.spectators {
				if id == exceptPeerID {
					continue
				}
				s.Send(env, false)
			}
		}
	}
}

func (r *Room) publishToBus(env protocol.Envelope, senderID protocol.PeerID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.bus.Publish(ctx, string(r.ID), string(env.Type), env, string(senderID), nil); err != nil {
		logging.Warn(ctx, "failed to republish room event to bus", zap.Error(err), zap.String("roomId", string(r.ID)))
	}
}

// Close terminates the room immediately, sending GAME_END with reason to
// every member.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, timer := range r.abandonTimers {
		timer.Stop()
	}

	env, _ := protocol.NewEnvelope(protocol.TagGameEnd, "", protocol.GameEndPayload{Reason: reason})
	r.broadcastLocked(env, "")
}

// MoveCount returns the number of moves recorded so far.
func (r *Room) MoveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.moveLog.Len()
}
