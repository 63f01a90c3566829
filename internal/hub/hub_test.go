package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/match3/battlehub/internal/battleroom"
	"github.com/match3/battlehub/internal/matchmaker"
	"github.com/match3/battlehub/internal/protocol"
	"github.com/match3/battlehub/internal/transport"
)

type fakeConn struct {
	mu       sync.Mutex
	outbound [][]byte
	inbound  chan []byte
	closed   bool
}

func newFakeConn() *fakeConn { return &fakeConn{inbound: make(chan []byte, 16)} }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, msg, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.outbound = append(f.outbound, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(h func(string) error) {}

// outboundAt waits (briefly, polling) for the write pump to have drained at
// least index+1 frames, then decodes the frame at index.
func (f *fakeConn) outboundAt(index int) protocol.Envelope {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.outbound)
		f.mu.Unlock()
		if n > index {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outbound) <= index {
		return protocol.Envelope{}
	}
	env, _ := protocol.Decode(f.outbound[index])
	return env
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	registry := battleroom.NewRegistry(0, time.Hour, nil)
	t.Cleanup(registry.Shutdown)

	h := New(registry, nil, nil, nil, nil, true)
	mm := matchmaker.New(registry, time.Hour, h.IsConnected)
	t.Cleanup(mm.Shutdown)
	h.matchmaker = mm
	return h
}

func newTestClient(t *testing.T, h *Hub, peerID protocol.PeerID) (*transport.Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	client := transport.NewClient(conn, peerID, h, protocol.NewParseErrorTracker())
	go client.WritePump()
	t.Cleanup(client.Close)
	return client, conn
}

func TestHub_CreateRoom_AssignsHostAndRespondsRoomCreated(t *testing.T) {
	h := newTestHub(t)
	client, conn := newTestClient(t, h, "peer-a")

	env, _ := protocol.NewEnvelope(protocol.TagCreateRoom, client.ID(), protocol.CreateRoomPayload{PeerID: client.ID()})
	h.Route(context.Background(), client, env)

	if client.Role() != protocol.RoleHost {
		t.Errorf("expected HOST role, got %s", client.Role())
	}
	if client.RoomID == "" {
		t.Error("expected client to be associated with a room")
	}

	resp := conn.outboundAt(0)
	if resp.Type != protocol.TagRoomCreated {
		t.Errorf("expected ROOM_CREATED, got %s", resp.Type)
	}
}

func TestHub_JoinRoom_SecondPlayerBecomesGuestAndStartsGame(t *testing.T) {
	h := newTestHub(t)
	host, _ := newTestClient(t, h, "peer-host")
	createEnv, _ := protocol.NewEnvelope(protocol.TagCreateRoom, host.ID(), protocol.CreateRoomPayload{PeerID: host.ID()})
	h.Route(context.Background(), host, createEnv)
	roomID := host.RoomID

	guest, guestConn := newTestClient(t, h, "peer-guest")
	joinEnv, _ := protocol.NewEnvelope(protocol.TagJoinRoom, guest.ID(), protocol.JoinRoomPayload{RoomID: roomID, PeerID: guest.ID()})
	h.Route(context.Background(), guest, joinEnv)

	if guest.Role() != protocol.RoleGuest {
		t.Errorf("expected GUEST role, got %s", guest.Role())
	}
	if guest.RoomID != roomID {
		t.Errorf("expected guest associated with %s, got %s", roomID, guest.RoomID)
	}

	resp := guestConn.outboundAt(1)
	if resp.Type != protocol.TagRoomJoined {
		t.Errorf("expected ROOM_JOINED, got %s", resp.Type)
	}
}

func TestHub_JoinRoom_UnknownRoomSendsRoomNotFound(t *testing.T) {
	h := newTestHub(t)
	client, conn := newTestClient(t, h, "peer-a")

	env, _ := protocol.NewEnvelope(protocol.TagJoinRoom, client.ID(), protocol.JoinRoomPayload{RoomID: "does-not-exist", PeerID: client.ID()})
	h.Route(context.Background(), client, env)

	resp := conn.outboundAt(0)
	if resp.Type != protocol.TagError {
		t.Fatalf("expected ERROR, got %s", resp.Type)
	}
	var errPayload protocol.ErrorPayload
	protocol.DecodePayload(resp, &errPayload)
	if errPayload.Code != protocol.ErrCodeRoomNotFound {
		t.Errorf("expected ROOM_NOT_FOUND, got %s", errPayload.Code)
	}
}

func TestHub_Move_OutOfTurnReturnsError(t *testing.T) {
	h := newTestHub(t)
	host, _ := newTestClient(t, h, "peer-host")
	createEnv, _ := protocol.NewEnvelope(protocol.TagCreateRoom, host.ID(), protocol.CreateRoomPayload{PeerID: host.ID()})
	h.Route(context.Background(), host, createEnv)

	guest, guestConn := newTestClient(t, h, "peer-guest")
	joinEnv, _ := protocol.NewEnvelope(protocol.TagJoinRoom, guest.ID(), protocol.JoinRoomPayload{RoomID: host.RoomID, PeerID: guest.ID()})
	h.Route(context.Background(), guest, joinEnv)

	// Guest moves first, but host holds the opening turn.
	moveEnv, _ := protocol.NewEnvelope(protocol.TagMove, guest.ID(), protocol.MovePayload{
		RoomID: guest.RoomID,
		Move:   protocol.MoveToken{MoveNumber: 1},
	})
	h.Route(context.Background(), guest, moveEnv)

	resp := guestConn.outboundAt(2)
	if resp.Type != protocol.TagError {
		t.Fatalf("expected ERROR, got %s", resp.Type)
	}
	var errPayload protocol.ErrorPayload
	protocol.DecodePayload(resp, &errPayload)
	if errPayload.Code != protocol.ErrCodeNotYourTurn {
		t.Errorf("expected NOT_YOUR_TURN, got %s", errPayload.Code)
	}
}

func TestHub_FindMatch_EnqueuesTicket(t *testing.T) {
	h := newTestHub(t)
	client, _ := newTestClient(t, h, "peer-a")

	env, _ := protocol.NewEnvelope(protocol.TagFindMatch, client.ID(), protocol.FindMatchPayload{PeerID: client.ID()})
	h.Route(context.Background(), client, env)

	if h.matchmaker.QueueDepth() != 1 {
		t.Errorf("expected one queued ticket, got %d", h.matchmaker.QueueDepth())
	}

	cancelEnv, _ := protocol.NewEnvelope(protocol.TagCancelFindMatch, client.ID(), protocol.CancelFindMatchPayload{PeerID: client.ID()})
	h.Route(context.Background(), client, cancelEnv)

	if h.matchmaker.QueueDepth() != 0 {
		t.Errorf("expected cancel to empty the queue, got %d", h.matchmaker.QueueDepth())
	}
}

func TestHub_HandleDisconnect_MarksRoomAwaitingReconnect(t *testing.T) {
	h := newTestHub(t)
	host, _ := newTestClient(t, h, "peer-host")
	createEnv, _ := protocol.NewEnvelope(protocol.TagCreateRoom, host.ID(), protocol.CreateRoomPayload{PeerID: host.ID()})
	h.Route(context.Background(), host, createEnv)

	guest, _ := newTestClient(t, h, "peer-guest")
	joinEnv, _ := protocol.NewEnvelope(protocol.TagJoinRoom, guest.ID(), protocol.JoinRoomPayload{RoomID: host.RoomID, PeerID: guest.ID()})
	h.Route(context.Background(), guest, joinEnv)

	h.mu.Lock()
	h.peers[host.ID()] = host
	h.mu.Unlock()

	if !h.IsConnected(host.ID()) {
		t.Fatal("expected host to be tracked as connected")
	}

	h.HandleDisconnect(host)

	if h.IsConnected(host.ID()) {
		t.Error("expected host to be removed from presence tracking after disconnect")
	}
}

func TestHub_Reassociation_PersistsAcrossHandleDisconnect(t *testing.T) {
	h := newTestHub(t)
	client, _ := newTestClient(t, h, "peer-a")
	createEnv, _ := protocol.NewEnvelope(protocol.TagCreateRoom, client.ID(), protocol.CreateRoomPayload{PeerID: client.ID()})
	h.Route(context.Background(), client, createEnv)
	roomID := client.RoomID

	h.HandleDisconnect(client)

	h.mu.Lock()
	associated, ok := h.rooms[client.ID()]
	h.mu.Unlock()

	if !ok || associated != roomID {
		t.Errorf("expected room association to survive a disconnect for later reconnection, got %s, ok=%v", associated, ok)
	}
}
