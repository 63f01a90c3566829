package peercontroller

import (
	"testing"
	"time"

	"github.com/match3/battlehub/internal/conflict"
	"github.com/match3/battlehub/internal/protocol"
	"github.com/match3/battlehub/internal/recovery"
	"github.com/match3/battlehub/internal/statesync"
	"github.com/match3/battlehub/internal/ttlstore"
)

type fakeEngine struct {
	playerGrid   map[string]protocol.CellValue
	opponentGrid map[string]protocol.CellValue
	applied      *protocol.StateSnapshot
}

func (e *fakeEngine) ApplySnapshot(s *protocol.StateSnapshot)            { e.applied = s }
func (e *fakeEngine) CurrentPlayerGrid() map[string]protocol.CellValue   { return e.playerGrid }
func (e *fakeEngine) CurrentOpponentGrid() map[string]protocol.CellValue { return e.opponentGrid }
func (e *fakeEngine) CurrentScores() (playerScore, opponentScore int)   { return 0, 0 }
func (e *fakeEngine) CurrentMoveCounts() (playerMoveCount, opponentMoveCount int) {
	return 0, 0
}
func (e *fakeEngine) CurrentEventState() (eventProgress int, activeEvents []string) {
	return 0, nil
}

func newTestController(t *testing.T) (*Controller, *fakeEngine) {
	t.Helper()
	store := ttlstore.New(0)
	t.Cleanup(store.Close)

	sync := statesync.NewSynchronizer("room-1", statesync.ModeHybrid)
	resolver := conflict.NewResolver(conflict.PolicyServerAuthoritative, true)
	recoveryMgr := recovery.NewManager("peer-1", store)
	engine := &fakeEngine{playerGrid: map[string]protocol.CellValue{}, opponentGrid: map[string]protocol.CellValue{}}

	return New(sync, resolver, recoveryMgr, engine, 50*time.Millisecond), engine
}

func TestController_InitialStateIsDisconnected(t *testing.T) {
	c, _ := newTestController(t)
	if c.State() != StateDisconnected {
		t.Errorf("expected initial state DISCONNECTED, got %s", c.State())
	}
}

func TestController_HappyPathTransitions(t *testing.T) {
	c, _ := newTestController(t)

	steps := []struct {
		name string
		fn   func() error
		want State
	}{
		{"dial", c.HandleDialSucceeded, StateConnecting},
		{"lobby-from-connecting", c.HandleEnteredLobby, StateConnected},
		{"lobby-from-connected", c.HandleEnteredLobby, StateInLobby},
		{"room-joined", c.HandleRoomJoined, StateInRoom},
		{"game-started", c.HandleGameStarted, StateInBattle},
		{"game-ended", c.HandleGameEnded, StateInRoom},
		{"left-room", c.HandleLeftRoom, StateInLobby},
	}

	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s: unexpected error: %v", s.name, err)
		}
		if c.State() != s.want {
			t.Fatalf("%s: expected state %s, got %s", s.name, s.want, c.State())
		}
	}
}

func TestController_RejectsInvalidTransition(t *testing.T) {
	c, _ := newTestController(t)

	err := c.HandleRoomJoined() // invalid from DISCONNECTED
	if err == nil {
		t.Fatal("expected an error for an invalid transition")
	}
	if _, ok := err.(*ErrInvalidTransition); !ok {
		t.Fatalf("expected *ErrInvalidTransition, got %T", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected state to remain DISCONNECTED after a rejected transition, got %s", c.State())
	}
}

func TestController_ConnectionLostAndReconnectCycle(t *testing.T) {
	c, _ := newTestController(t)
	c.HandleDialSucceeded()
	c.HandleEnteredLobby()
	c.HandleEnteredLobby()
	c.HandleRoomJoined()

	if err := c.HandleConnectionLost(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateReconnecting {
		t.Fatalf("expected RECONNECTING, got %s", c.State())
	}

	if err := c.HandleReconnectSucceeded(&protocol.StateSnapshot{Version: 0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateInRoom {
		t.Fatalf("expected IN_ROOM after reconnect, got %s", c.State())
	}
}

func TestController_ReconnectExhaustedGoesToError(t *testing.T) {
	c, _ := newTestController(t)
	c.HandleDialSucceeded()
	c.HandleEnteredLobby()
	c.HandleEnteredLobby()
	c.HandleConnectionLost()

	if err := c.HandleReconnectExhausted(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateError {
		t.Fatalf("expected ERROR, got %s", c.State())
	}
}

func TestController_StateChangeCallbackFires(t *testing.T) {
	c, _ := newTestController(t)

	var gotFrom, gotTo State
	var gotEvent Event
	c.OnStateChange(func(from, to State, event Event) {
		gotFrom, gotTo, gotEvent = from, to, event
	})

	c.HandleDialSucceeded()

	if gotFrom != StateDisconnected || gotTo != StateConnecting || gotEvent != EventDialSucceeded {
		t.Errorf("expected callback to observe DISCONNECTED->CONNECTING via DIAL_SUCCEEDED, got %s->%s via %s", gotFrom, gotTo, gotEvent)
	}
}

func TestController_ReconcileAppliesResolvedStateOnConflict(t *testing.T) {
	c, engine := newTestController(t)
	c.HandleDialSucceeded()
	c.HandleEnteredLobby()
	c.HandleEnteredLobby()
	c.HandleRoomJoined()
	c.HandleConnectionLost()

	remote := &protocol.StateSnapshot{
		Version:     100, // far beyond local's implicit version of 0, forces a conflict
		PlayerGrid:  map[string]protocol.CellValue{"0,0": 1},
		PlayerScore: 10,
	}

	c.HandleReconnectSucceeded(remote)

	if engine.applied == nil {
		t.Fatal("expected engine to receive an applied snapshot")
	}
}

func TestController_ShutdownStopsAutoSync(t *testing.T) {
	c, _ := newTestController(t)
	c.HandleDialSucceeded()
	c.HandleEnteredLobby()
	c.HandleEnteredLobby()
	c.HandleRoomJoined()
	c.HandleGameStarted()

	time.Sleep(120 * time.Millisecond) // let the auto-sync ticker fire at least once

	if err := c.Shutdown(); err != nil {
		t.Fatalf("unexpected error on shutdown: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED after shutdown, got %s", c.State())
	}

	c.mu.Lock()
	stopped := c.stopAutoSync == nil
	c.mu.Unlock()
	if !stopped {
		t.Error("expected the auto-sync ticker to be stopped after shutdown")
	}
}
