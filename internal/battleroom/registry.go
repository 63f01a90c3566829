// Package battleroom owns room membership, move routing, and the registry
// that creates, looks up, and sweeps rooms.
package battleroom

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/match3/battlehub/internal/bus"
	"github.com/match3/battlehub/internal/logging"
	"github.com/match3/battlehub/internal/metrics"
	"github.com/match3/battlehub/internal/protocol"
)

// ErrRoomNotFound is returned by Get for an unknown room id.
var ErrRoomNotFound = errors.New("battleroom: room not found")

const emptyRoomGracePeriod = 60 * time.Second

// Registry owns the room id -> Room map and its cleanup lifecycle,
// generalizing the teacher Hub's rooms map plus pendingRoomCleanups timer
// pair.
type Registry struct {
	mu               sync.Mutex
	rooms            map[protocol.RoomID]*Room
	pendingCleanups  map[protocol.RoomID]*time.Timer
	bus              *bus.Service
	idleTTL          time.Duration
	sweepInterval    time.Duration
	stopSweep        chan struct{}
}

// NewRegistry creates a Registry. idleTTL and sweepInterval come from
// IDLE_ROOM_TTL_SECONDS / ROOM_SWEEP_INTERVAL_MS.
func NewRegistry(idleTTL, sweepInterval time.Duration, busService *bus.Service) *Registry {
	r := &Registry{
		rooms:           make(map[protocol.RoomID]*Room),
		pendingCleanups: make(map[protocol.RoomID]*time.Timer),
		bus:             busService,
		idleTTL:         idleTTL,
		sweepInterval:   sweepInterval,
		stopSweep:       make(chan struct{}),
	}

	go r.sweepLoop()
	return r
}

// Create allocates a new, empty Room with an opaque, globally unique id and
// the default room Options.
func (r *Registry) Create() *Room {
	return r.CreateWithOptions(DefaultOptions())
}

// CreateWithOptions allocates a new, empty Room with an opaque, globally
// unique id, configured per-room by opts (spectating, conflict policy,
// merge-allowed).
func (r *Registry) CreateWithOptions(opts Options) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := protocol.RoomID(uuid.NewString())
	room := NewRoom(id, r.scheduleCleanup, r.bus, opts)
	r.rooms[id] = room

	metrics.ActiveRooms.Inc()
	logging.Info(context.Background(), "room created", zap.String("roomId", string(id)))
	return room
}

// Get looks up a room by id.
func (r *Registry) Get(id protocol.RoomID) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}

	if timer, pending := r.pendingCleanups[id]; pending {
		timer.Stop()
		delete(r.pendingCleanups, id)
	}

	return room, nil
}

// scheduleCleanup is the onEmpty callback handed to each Room: it schedules
// the room's removal after a grace period, mirroring the teacher's
// removeRoom/pendingRoomCleanups idiom.
func (r *Registry) scheduleCleanup(id protocol.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pendingCleanups[id]; ok {
		existing.Stop()
		delete(r.pendingCleanups, id)
	}

	timer := time.AfterFunc(emptyRoomGracePeriod, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if room, ok := r.rooms[id]; ok && room.IsEmpty() {
			delete(r.rooms, id)
			delete(r.pendingCleanups, id)
			metrics.ActiveRooms.Dec()
			logging.Info(context.Background(), "room removed after grace period", zap.String("roomId", string(id)))
		} else {
			delete(r.pendingCleanups, id)
		}
	})

	r.pendingCleanups[id] = timer
}

// sweepLoop periodically disposes of rooms that have been empty too long or
// have exceeded the idle TTL.
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, room := range r.rooms {
		emptyFor := room.EmptySince()
		tooOld := r.idleTTL > 0 && now.Sub(room.CreatedAt()) > r.idleTTL

		if (!emptyFor.IsZero() && now.Sub(emptyFor) >= emptyRoomGracePeriod) || tooOld {
			delete(r.rooms, id)
			if timer, ok := r.pendingCleanups[id]; ok {
				timer.Stop()
				delete(r.pendingCleanups, id)
			}
			metrics.ActiveRooms.Dec()
			logging.Info(context.Background(), "room swept", zap.String("roomId", string(id)), zap.Bool("idleTTLExceeded", tooOld))
		}
	}
}

// Count returns the number of currently registered rooms.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Shutdown stops the sweeper and terminates every room.
func (r *Registry) Shutdown() {
	close(r.stopSweep)

	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		room.Close("server shutting down")
	}
}
