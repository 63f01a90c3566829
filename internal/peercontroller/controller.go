// Package peercontroller implements the client-side orchestrator that ties
// the state synchronizer, conflict resolver, and reconnection manager into a
// single API surface for the surrounding game app, generalized from the
// teacher's client-side connection handling. The Controller holds no
// transport or room context: its auto-sync ticker stores each full snapshot
// in the recovery manager and sends nothing over the wire.
package peercontroller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/match3/battlehub/internal/conflict"
	"github.com/match3/battlehub/internal/protocol"
	"github.com/match3/battlehub/internal/recovery"
	"github.com/match3/battlehub/internal/statesync"
)

// State is one of the controller's observable states.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateInLobby      State = "IN_LOBBY"
	StateInRoom       State = "IN_ROOM"
	StateInBattle     State = "IN_BATTLE"
	StateReconnecting State = "RECONNECTING"
	StateError        State = "ERROR"
)

// Event drives the controller's transitions.
type Event string

const (
	EventDialSucceeded    Event = "DIAL_SUCCEEDED"
	EventDialFailed       Event = "DIAL_FAILED"
	EventEnteredLobby     Event = "ENTERED_LOBBY"
	EventRoomJoined       Event = "ROOM_JOINED"
	EventGameStarted      Event = "GAME_STARTED"
	EventGameEnded        Event = "GAME_ENDED"
	EventConnectionLost   Event = "CONNECTION_LOST"
	EventReconnectSucceeded Event = "RECONNECT_SUCCEEDED"
	EventReconnectExhausted Event = "RECONNECT_EXHAUSTED"
	EventLeftRoom         Event = "LEFT_ROOM"
	EventFatalError       Event = "FATAL_ERROR"
	EventShutdown         Event = "SHUTDOWN"
)

// ErrInvalidTransition is returned when an event does not apply to the
// controller's current state.
type ErrInvalidTransition struct {
	From  State
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("peercontroller: event %s is invalid in state %s", e.Event, e.From)
}

// transitions enumerates the edges of the 8-state machine. Any (state,
// event) pair absent from this table is rejected.
var transitions = map[State]map[Event]State{
	StateDisconnected: {
		EventDialSucceeded: StateConnecting,
	},
	StateConnecting: {
		EventEnteredLobby: StateConnected,
		EventDialFailed:   StateDisconnected,
		EventFatalError:   StateError,
	},
	StateConnected: {
		EventEnteredLobby:   StateInLobby,
		EventConnectionLost: StateReconnecting,
		EventShutdown:       StateDisconnected,
	},
	StateInLobby: {
		EventRoomJoined:     StateInRoom,
		EventConnectionLost: StateReconnecting,
		EventShutdown:       StateDisconnected,
	},
	StateInRoom: {
		EventGameStarted:    StateInBattle,
		EventLeftRoom:       StateInLobby,
		EventConnectionLost: StateReconnecting,
		EventShutdown:       StateDisconnected,
	},
	StateInBattle: {
		EventGameEnded:      StateInRoom,
		EventConnectionLost: StateReconnecting,
		EventShutdown:       StateDisconnected,
	},
	StateReconnecting: {
		EventReconnectSucceeded: StateInRoom,
		EventReconnectExhausted: StateError,
		EventShutdown:           StateDisconnected,
	},
	StateError: {
		EventDialSucceeded: StateConnecting,
		EventShutdown:      StateDisconnected,
	},
}

// GameEngine is the minimal surface a surrounding game app exposes back to
// the Controller: reading the board it is meant to render, and accepting
// state the Controller has synchronized or reconciled. Composition over a
// concrete engine type keeps the Controller usable with any board
// implementation. Grids and counters are reported from the local peer's own
// perspective (player = this peer's board, opponent = the other side's).
type GameEngine interface {
	ApplySnapshot(snapshot *protocol.StateSnapshot)
	CurrentPlayerGrid() map[string]protocol.CellValue
	CurrentOpponentGrid() map[string]protocol.CellValue
	CurrentScores() (playerScore, opponentScore int)
	CurrentMoveCounts() (playerMoveCount, opponentMoveCount int)
	CurrentEventState() (eventProgress int, activeEvents []string)
}

// StateChangeHandler is invoked whenever the controller's observable state
// changes.
type StateChangeHandler func(from, to State, event Event)

// Controller is the client-side orchestrator bound to one peer's session.
type Controller struct {
	mu    sync.Mutex
	state State

	sync     *statesync.Synchronizer
	resolver *conflict.Resolver
	recovery *recovery.Manager
	engine   GameEngine

	onStateChange StateChangeHandler

	autoSyncInterval time.Duration
	stopAutoSync     chan struct{}
}

// New creates a Controller wired to the given synchronizer, resolver,
// recovery manager, and game engine. autoSyncInterval defaults to 5s if
// zero.
func New(sync *statesync.Synchronizer, resolver *conflict.Resolver, recoveryMgr *recovery.Manager, engine GameEngine, autoSyncInterval time.Duration) *Controller {
	if autoSyncInterval == 0 {
		autoSyncInterval = 5 * time.Second
	}
	return &Controller{
		state:            StateDisconnected,
		sync:             sync,
		resolver:         resolver,
		recovery:         recoveryMgr,
		engine:           engine,
		autoSyncInterval: autoSyncInterval,
	}
}

// OnStateChange registers a callback invoked on every transition.
func (c *Controller) OnStateChange(handler StateChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = handler
}

// State reports the controller's current observable state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition applies event to the state machine, rejecting any event not
// valid in the current state. Never a bare switch scattered across
// callbacks: every valid edge lives in the transitions table above.
func (c *Controller) transition(event Event) error {
	c.mu.Lock()
	from := c.state
	edges, ok := transitions[from]
	if !ok {
		c.mu.Unlock()
		return &ErrInvalidTransition{From: from, Event: event}
	}
	to, ok := edges[event]
	if !ok {
		c.mu.Unlock()
		return &ErrInvalidTransition{From: from, Event: event}
	}
	c.state = to
	handler := c.onStateChange
	c.mu.Unlock()

	if handler != nil {
		handler(from, to, event)
	}
	return nil
}

// HandleDialSucceeded advances DISCONNECTED/ERROR into CONNECTING.
func (c *Controller) HandleDialSucceeded() error { return c.transition(EventDialSucceeded) }

// HandleDialFailed sends CONNECTING back to DISCONNECTED.
func (c *Controller) HandleDialFailed() error { return c.transition(EventDialFailed) }

// HandleEnteredLobby advances CONNECTING→CONNECTED or CONNECTED→IN_LOBBY,
// whichever applies to the current state.
func (c *Controller) HandleEnteredLobby() error { return c.transition(EventEnteredLobby) }

// HandleRoomJoined advances IN_LOBBY into IN_ROOM.
func (c *Controller) HandleRoomJoined() error { return c.transition(EventRoomJoined) }

// HandleGameStarted advances IN_ROOM into IN_BATTLE.
func (c *Controller) HandleGameStarted() error {
	if err := c.transition(EventGameStarted); err != nil {
		return err
	}
	c.startAutoSync()
	return nil
}

// HandleGameEnded returns IN_BATTLE to IN_ROOM.
func (c *Controller) HandleGameEnded() error {
	c.stopAutoSyncLocked()
	return c.transition(EventGameEnded)
}

// HandleConnectionLost moves any connected state into RECONNECTING.
func (c *Controller) HandleConnectionLost() error {
	c.stopAutoSyncLocked()
	return c.transition(EventConnectionLost)
}

// HandleReconnectSucceeded resumes IN_ROOM after RECONNECTING, reconciling
// the recovered snapshot through the conflict resolver against the
// synchronizer's local state.
func (c *Controller) HandleReconnectSucceeded(recovered *protocol.StateSnapshot) error {
	if err := c.transition(EventReconnectSucceeded); err != nil {
		return err
	}
	c.reconcile(recovered)
	return nil
}

// HandleReconnectExhausted moves RECONNECTING into ERROR after the
// reconnect loop gives up.
func (c *Controller) HandleReconnectExhausted() error { return c.transition(EventReconnectExhausted) }

// HandleLeftRoom returns IN_ROOM to IN_LOBBY.
func (c *Controller) HandleLeftRoom() error { return c.transition(EventLeftRoom) }

// HandleFatalError moves CONNECTING into ERROR.
func (c *Controller) HandleFatalError() error { return c.transition(EventFatalError) }

// Shutdown tears the controller down to DISCONNECTED from any state that
// allows it and stops the auto-sync ticker.
func (c *Controller) Shutdown() error {
	c.stopAutoSyncLocked()
	return c.transition(EventShutdown)
}

func (c *Controller) reconcile(remote *protocol.StateSnapshot) {
	playerScore, opponentScore := c.engine.CurrentScores()
	playerMoveCount, opponentMoveCount := c.engine.CurrentMoveCounts()
	eventProgress, activeEvents := c.engine.CurrentEventState()

	local := &protocol.StateSnapshot{
		Version:           c.sync.Version(),
		PlayerGrid:        c.engine.CurrentPlayerGrid(),
		OpponentGrid:      c.engine.CurrentOpponentGrid(),
		PlayerScore:       playerScore,
		OpponentScore:     opponentScore,
		PlayerMoveCount:   playerMoveCount,
		OpponentMoveCount: opponentMoveCount,
		EventProgress:     eventProgress,
		ActiveEvents:      activeEvents,
	}

	if !statesync.ValidateRemoteVersion(local.Version, remote.Version) {
		return
	}

	if conf := conflict.DetectConflict(local, remote); conf != nil {
		res := c.resolver.Resolve(conf)
		if res.Success && res.ResolvedState != nil {
			c.engine.ApplySnapshot(res.ResolvedState)
		}
		return
	}

	c.engine.ApplySnapshot(remote)
}

// startAutoSync launches the auto-sync ticker loop, mirroring the
// time.Ticker-goroutine idiom used for the matchmaker's drain loop.
func (c *Controller) startAutoSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopAutoSync != nil {
		return
	}
	stop := make(chan struct{})
	c.stopAutoSync = stop

	go func() {
		ticker := time.NewTicker(c.autoSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.emitSync(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

func (c *Controller) stopAutoSyncLocked() {
	c.mu.Lock()
	stop := c.stopAutoSync
	c.stopAutoSync = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

func (c *Controller) emitSync(ctx context.Context) {
	if c.recovery == nil || c.sync == nil {
		return
	}
	snap, _ := c.sync.NextOutbound()
	if snap != nil {
		c.recovery.SaveSnapshot(snap)
	}
}
