// Package matchmaker pairs waiting peers into rooms on a periodic drain
// loop, translating the FIFO-queue-plus-periodic-drain shape of a
// traditional gRPC matchmaking service into a single in-process goroutine.
package matchmaker

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/match3/battlehub/internal/battleroom"
	"github.com/match3/battlehub/internal/logging"
	"github.com/match3/battlehub/internal/metrics"
	"github.com/match3/battlehub/internal/protocol"
)

// Mode selects a ticket's pairing strategy. Only RANDOM is implemented at
// the core level: Enqueue records the mode, and every mode, INVITE and CUSTOM
// included, is paired through the same FIFO queue as RANDOM. No mode is
// routed to the Registry directly.
type Mode string

const (
	ModeRandom Mode = "RANDOM"
	ModeRanked Mode = "RANKED"
	ModeInvite Mode = "INVITE"
	ModeCustom Mode = "CUSTOM"
)

// ticket is one peer waiting to be paired.
type ticket struct {
	peerID    protocol.PeerID
	peer      battleroom.Peer
	mode      Mode
	enqueuedAt time.Time
}

// IsConnected reports whether a ticket's peer is still reachable. Checked
// at drain time so dead tickets are discarded silently instead of pairing a
// live peer with a ghost.
type IsConnected func(peerID protocol.PeerID) bool

// Matchmaker holds a FIFO ticket queue and periodically drains it into new
// rooms via the Registry.
type Matchmaker struct {
	mu       sync.Mutex
	queue    []ticket
	registry *battleroom.Registry

	interval    time.Duration
	isConnected IsConnected

	stop chan struct{}
}

// New creates a Matchmaker bound to registry. interval is
// MATCHMAKE_INTERVAL_MS; isConnected lets the drain loop discard tickets
// for peers that disconnected while queued.
func New(registry *battleroom.Registry, interval time.Duration, isConnected IsConnected) *Matchmaker {
	m := &Matchmaker{
		registry:    registry,
		interval:    interval,
		isConnected: isConnected,
		stop:        make(chan struct{}),
	}
	go m.drainLoop()
	return m
}

// Enqueue appends peer's ticket to the FIFO queue. Mode is recorded but, per
// the core's scope, every mode behaves like RANDOM at drain time.
func (m *Matchmaker) Enqueue(peer battleroom.Peer, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, ticket{
		peerID:     peer.ID(),
		peer:       peer,
		mode:       mode,
		enqueuedAt: time.Now(),
	})

	metrics.MatchmakerQueueDepth.Set(float64(len(m.queue)))
	logging.Info(context.Background(), "peer enqueued for matchmaking", zap.String("peerId", string(peer.ID())), zap.String("mode", string(mode)))
}

// Cancel removes peerID's ticket from the queue, if present.
func (m *Matchmaker) Cancel(peerID protocol.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, t := range m.queue {
		if t.peerID == peerID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			metrics.MatchmakerQueueDepth.Set(float64(len(m.queue)))
			return
		}
	}
}

// QueueDepth reports the current number of waiting tickets.
func (m *Matchmaker) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Matchmaker) drainLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.drain()
		case <-m.stop:
			return
		}
	}
}

// drain pairs the two oldest live tickets into a room, repeating while at
// least two remain. Tickets for peers that disconnected while queued are
// discarded silently.
func (m *Matchmaker) drain() {
	for {
		pair, ok := m.takeOldestPair()
		if !ok {
			return
		}
		m.createMatch(pair[0], pair[1])
	}
}

// takeOldestPair pops the two oldest connected tickets, discarding any dead
// tickets found along the way.
func (m *Matchmaker) takeOldestPair() ([2]ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.queue[:0]
	var pair [2]ticket
	found := 0

	for _, t := range m.queue {
		if found == 2 {
			live = append(live, t)
			continue
		}
		if m.isConnected != nil && !m.isConnected(t.peerID) {
			continue // discard silently
		}
		pair[found] = t
		found++
	}

	if found < 2 {
		// Nothing paired this pass; keep the queue as filtered (dead
		// entries already dropped). live is empty here, so the lone live
		// ticket, if any, is put back.
		m.queue = append(live, pair[:found]...)
		return pair, false
	}

	m.queue = live
	metrics.MatchmakerQueueDepth.Set(float64(len(m.queue)))
	return pair, true
}

func (m *Matchmaker) createMatch(a, b ticket) {
	room := m.registry.Create()

	if _, err := room.AddPlayer(a.peer); err != nil {
		logging.Warn(context.Background(), "failed to add matchmade host", zap.Error(err), zap.String("peerId", string(a.peerID)))
		return
	}
	if _, err := room.AddPlayer(b.peer); err != nil {
		logging.Warn(context.Background(), "failed to add matchmade guest", zap.Error(err), zap.String("peerId", string(b.peerID)))
		return
	}

	for _, pair := range [][2]protocol.PeerID{{a.peerID, b.peerID}, {b.peerID, a.peerID}} {
		env, _ := protocol.NewEnvelope(protocol.TagGameStart, "", protocol.GameStartPayload{
			RoomID:     room.ID,
			OpponentID: pair[1],
		})
		if pair[0] == a.peerID {
			a.peer.Send(env, true)
		} else {
			b.peer.Send(env, true)
		}
	}

	metrics.MatchmakerPairsTotal.Inc()
	logging.Info(context.Background(), "matchmade pair created room",
		zap.String("roomId", string(room.ID)), zap.String("hostId", string(a.peerID)), zap.String("guestId", string(b.peerID)))
}

// Shutdown stops the drain loop.
func (m *Matchmaker) Shutdown() {
	close(m.stop)
}

// eloK is the K-factor in the standard Elo update formula.
const eloK = 32

// UpdateElo implements the standard Elo rating update for a single game
// between two rated peers. scoreA is 1 for a win, 0.5 for a draw, 0 for a
// loss, from ratingA's perspective. Returns the pair's new ratings.
func UpdateElo(ratingA, ratingB int, scoreA float64) (newA, newB int) {
	expectedA := 1.0 / (1.0 + math.Pow(10, (float64(ratingB)-float64(ratingA))/400.0))
	expectedB := 1.0 - expectedA

	deltaA := eloK * (scoreA - expectedA)
	deltaB := eloK * ((1.0 - scoreA) - expectedB)

	return ratingA + int(math.Round(deltaA)), ratingB + int(math.Round(deltaB))
}
