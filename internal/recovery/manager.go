// Package recovery preserves a peer's last known game state across a
// disconnect and reconstructs it on reattach, backed by a capacity-bounded
// TTL store the way REPRAM's in-memory storage layer backs its own
// key/value writes.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/match3/battlehub/internal/protocol"
	"github.com/match3/battlehub/internal/ttlstore"
)

var (
	// ErrRecoveryTimeout is returned when the disconnect exceeded the
	// maximum recoverable duration.
	ErrRecoveryTimeout = errors.New("recovery: disconnect exceeded recovery timeout")
	// ErrNoSnapshot is returned when neither a ring entry nor a durable copy
	// is available to recover from.
	ErrNoSnapshot = errors.New("recovery: no snapshot available")
)

const (
	ringSize              = 10
	minPersistInterval    = 5 * time.Second
	maxRecoverableOutage  = 60 * time.Second
	durableTTL            = 10 * time.Minute
)

// Manager holds one peer's snapshot history: a short in-memory ring plus a
// durable "latest" copy in a TTL store that survives a process restart
// within its TTL window.
type Manager struct {
	peerID        protocol.PeerID
	ring          []*protocol.StateSnapshot
	durable       *ttlstore.Store
	lastPersisted time.Time
}

// NewManager creates a Manager for peerID backed by durable.
func NewManager(peerID protocol.PeerID, durable *ttlstore.Store) *Manager {
	return &Manager{peerID: peerID, durable: durable}
}

func (m *Manager) durableKey() string {
	return fmt.Sprintf("recovery:%s", m.peerID)
}

// SaveSnapshot appends s to the ring, evicting the oldest entry past
// ringSize, and persists it durably if at least minPersistInterval has
// elapsed since the last persist.
func (m *Manager) SaveSnapshot(s *protocol.StateSnapshot) error {
	m.ring = append(m.ring, s)
	if len(m.ring) > ringSize {
		m.ring = m.ring[len(m.ring)-ringSize:]
	}

	if time.Since(m.lastPersisted) < minPersistInterval {
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("recovery: marshal snapshot: %w", err)
	}
	if err := m.durable.Put(m.durableKey(), data, durableTTL); err != nil {
		return fmt.Errorf("recovery: persist snapshot: %w", err)
	}
	m.lastPersisted = time.Now()
	return nil
}

func (m *Manager) latestRingSnapshot() *protocol.StateSnapshot {
	if len(m.ring) == 0 {
		return nil
	}
	return m.ring[len(m.ring)-1]
}

func (m *Manager) latestDurableSnapshot() *protocol.StateSnapshot {
	data, ok := m.durable.Get(m.durableKey())
	if !ok {
		return nil
	}
	var snap protocol.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil
	}
	return &snap
}

// ServerSync is a caller-supplied hook returning the room's current
// authoritative snapshot, used as step 3 of RecoverGameState. A nil
// return (or a returned error) means the server sync failed and the local
// snapshot is used as-is.
type ServerSync func() (*protocol.StateSnapshot, error)

// RecoverGameState implements the 4-step recovery algorithm: time out long
// outages, load the best available local snapshot, attempt a server sync,
// then merge the two with server values taking precedence for
// authoritative fields.
func (m *Manager) RecoverGameState(disconnectDuration time.Duration, sync ServerSync) (*protocol.StateSnapshot, error) {
	if disconnectDuration > maxRecoverableOutage {
		return nil, ErrRecoveryTimeout
	}

	local := m.latestRingSnapshot()
	if local == nil {
		local = m.latestDurableSnapshot()
	}

	var server *protocol.StateSnapshot
	if sync != nil {
		if s, err := sync(); err == nil {
			server = s
		}
	}

	if local == nil && server == nil {
		return nil, ErrNoSnapshot
	}
	if server == nil {
		return local, nil
	}
	if local == nil {
		return server, nil
	}

	return mergeServerPrecedence(local, server), nil
}

// mergeServerPrecedence merges local and server snapshots: the server's
// scores, move counts, event progress/active events, and turn are
// authoritative, while grid cells the server sync omitted keep their local
// value (server overwrites on overlap). Version, turn and active events fall
// back to local when the server snapshot leaves them at their zero value (0,
// "" and nil), since those fields have an unambiguous "unset" value; the
// integer counters and event progress do not, so
// the server's values are always taken once a server snapshot exists at all.
func mergeServerPrecedence(local, server *protocol.StateSnapshot) *protocol.StateSnapshot {
	activeEvents := server.ActiveEvents
	if activeEvents == nil {
		activeEvents = local.ActiveEvents
	}

	turn := server.Turn
	if turn == "" {
		turn = local.Turn
	}

	version := server.Version
	if version == 0 {
		version = local.Version
	}

	return &protocol.StateSnapshot{
		Version:           version,
		RoomID:            local.RoomID,
		PlayerGrid:        mergeGridServerWins(local.PlayerGrid, server.PlayerGrid),
		OpponentGrid:      mergeGridServerWins(local.OpponentGrid, server.OpponentGrid),
		PlayerScore:       server.PlayerScore,
		OpponentScore:     server.OpponentScore,
		PlayerMoveCount:   server.PlayerMoveCount,
		OpponentMoveCount: server.OpponentMoveCount,
		EventProgress:     server.EventProgress,
		ActiveEvents:      activeEvents,
		Turn:              turn,
		Timestamp:         server.Timestamp,
	}
}

func mergeGridServerWins(local, server map[string]protocol.CellValue) map[string]protocol.CellValue {
	grid := make(map[string]protocol.CellValue, len(local))
	for k, v := range local {
		grid[k] = v
	}
	for k, v := range server {
		grid[k] = v
	}
	return grid
}

// QualityBucket labels a connection by rolling average latency.
type QualityBucket string

const (
	QualityExcellent QualityBucket = "excellent"
	QualityGood      QualityBucket = "good"
	QualityFair      QualityBucket = "fair"
	QualityPoor      QualityBucket = "poor"
)

// BucketLatency classifies a rolling-average latency (ms) into a quality
// bucket.
func BucketLatency(avgLatencyMs float64) QualityBucket {
	switch {
	case avgLatencyMs < 50:
		return QualityExcellent
	case avgLatencyMs < 100:
		return QualityGood
	case avgLatencyMs < 200:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Jitter computes the standard deviation of the most recent samples (at
// most the last 20), used alongside BucketLatency for connection-quality
// observability.
func Jitter(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	if len(samples) > 20 {
		samples = samples[len(samples)-20:]
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(samples))

	return math.Sqrt(variance)
}
