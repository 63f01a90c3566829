// Package statesync tracks per-producer versioned state snapshots and
// generates the deltas fanned out over STATE_SYNC, mirroring the
// broadcast-snapshot idiom from a tick-driven multiplayer board game server
// generalized to a switchable full/delta/hybrid sync mode.
package statesync

import (
	"fmt"

	"github.com/match3/battlehub/internal/protocol"
)

// Mode selects how NextOutbound (via ShouldUseDeltaSync) decides between a
// full snapshot and a delta.
type Mode string

const (
	ModeFull   Mode = "FULL"
	ModeDelta  Mode = "DELTA"
	ModeHybrid Mode = "HYBRID"
)

const (
	// hybridKeyframeInterval forces a full snapshot every Nth sync in
	// HYBRID mode regardless of delta size.
	hybridKeyframeInterval = 10
	// hybridMaxDeltaChanges forces a full snapshot in HYBRID mode when the
	// delta would otherwise carry more change records than this.
	hybridMaxDeltaChanges = 50
	// maxVersionLag is how far behind local a remote snapshot's version may
	// be before it is discarded outright.
	maxVersionLag = 5
)

// SyncStats accumulates counters describing a Synchronizer's history.
type SyncStats struct {
	FullSyncs     int64
	DeltaSyncs    int64
	TotalSyncs    int64
	AvgDeltaSize  float64
	ConflictCount int64
}

// Synchronizer holds one producer's versioned snapshot history.
type Synchronizer struct {
	roomID   protocol.RoomID
	mode     Mode
	version  int64
	current  *protocol.StateSnapshot
	previous *protocol.StateSnapshot
	stats    SyncStats
}

// NewSynchronizer creates a Synchronizer for roomID using mode as its sync
// mode policy.
func NewSynchronizer(roomID protocol.RoomID, mode Mode) *Synchronizer {
	return &Synchronizer{roomID: roomID, mode: mode}
}

// Stats returns a copy of the Synchronizer's accumulated statistics.
func (s *Synchronizer) Stats() SyncStats {
	return s.stats
}

// Version reports the Synchronizer's current local version.
func (s *Synchronizer) Version() int64 {
	return s.version
}

// RawState is the engine's raw game state handed to CreateSnapshot, in the
// producing peer's own perspective.
type RawState struct {
	PlayerGrid        map[string]protocol.CellValue
	OpponentGrid      map[string]protocol.CellValue
	PlayerScore       int
	OpponentScore     int
	PlayerMoveCount   int
	OpponentMoveCount int
	EventProgress     int
	ActiveEvents      []string
	Turn              protocol.PeerID
	Timestamp         int64
}

// CreateSnapshot builds the next versioned snapshot from the engine's raw
// state, shifting current into previous. The new snapshot's BaseVersion is
// the version it supersedes (0 for the very first snapshot).
func (s *Synchronizer) CreateSnapshot(raw RawState) *protocol.StateSnapshot {
	s.version++

	var baseVersion int64
	if s.current != nil {
		baseVersion = s.current.Version
	}

	snap := &protocol.StateSnapshot{
		Version:           s.version,
		BaseVersion:       baseVersion,
		RoomID:            s.roomID,
		PlayerGrid:        copyGrid(raw.PlayerGrid),
		OpponentGrid:      copyGrid(raw.OpponentGrid),
		PlayerScore:       raw.PlayerScore,
		OpponentScore:     raw.OpponentScore,
		PlayerMoveCount:   raw.PlayerMoveCount,
		OpponentMoveCount: raw.OpponentMoveCount,
		EventProgress:     raw.EventProgress,
		ActiveEvents:      append([]string(nil), raw.ActiveEvents...),
		Turn:              raw.Turn,
		Timestamp:         raw.Timestamp,
	}

	s.previous = s.current
	s.current = snap
	return snap
}

func copyGrid(src map[string]protocol.CellValue) map[string]protocol.CellValue {
	dst := make(map[string]protocol.CellValue, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// GenerateDelta diffs previous against current across both grids, the four
// scalar counters, event progress/active events, and turn, returning nil if
// nothing changed or if there is no previous snapshot to diff against.
func (s *Synchronizer) GenerateDelta() *protocol.StateDelta {
	if s.previous == nil || s.current == nil {
		return nil
	}

	var cellChanges []protocol.CellChange
	cellChanges = append(cellChanges, diffGrid(s.previous.PlayerGrid, s.current.PlayerGrid, protocol.GridSidePlayer)...)
	cellChanges = append(cellChanges, diffGrid(s.previous.OpponentGrid, s.current.OpponentGrid, protocol.GridSideOpponent)...)

	var scalarChanges []protocol.ScalarChange
	scalarChanges = appendScalarChange(scalarChanges, protocol.ScalarPlayerScore, s.previous.PlayerScore, s.current.PlayerScore)
	scalarChanges = appendScalarChange(scalarChanges, protocol.ScalarOpponentScore, s.previous.OpponentScore, s.current.OpponentScore)
	scalarChanges = appendScalarChange(scalarChanges, protocol.ScalarPlayerMoveCount, s.previous.PlayerMoveCount, s.current.PlayerMoveCount)
	scalarChanges = appendScalarChange(scalarChanges, protocol.ScalarOpponentMoveCount, s.previous.OpponentMoveCount, s.current.OpponentMoveCount)

	var eventChange *protocol.EventChange
	if s.previous.EventProgress != s.current.EventProgress || !sameEvents(s.previous.ActiveEvents, s.current.ActiveEvents) {
		progress := s.current.EventProgress
		eventChange = &protocol.EventChange{EventProgress: &progress, ActiveEvents: s.current.ActiveEvents}
	}

	if len(cellChanges) == 0 && len(scalarChanges) == 0 && eventChange == nil && s.current.Turn == s.previous.Turn {
		return nil
	}

	return &protocol.StateDelta{
		Version:       s.current.Version,
		BaseVersion:   s.previous.Version,
		CellChanges:   cellChanges,
		ScalarChanges: scalarChanges,
		EventChange:   eventChange,
		Turn:          s.current.Turn,
		Timestamp:     s.current.Timestamp,
	}
}

func diffGrid(prev, cur map[string]protocol.CellValue, side protocol.GridSide) []protocol.CellChange {
	var changes []protocol.CellChange
	for key, newVal := range cur {
		oldVal, existed := prev[key]
		if !existed || oldVal != newVal {
			changes = append(changes, protocol.CellChange{Grid: side, Key: key, OldValue: oldVal, NewValue: newVal})
		}
	}
	for key, oldVal := range prev {
		if _, stillPresent := cur[key]; !stillPresent {
			changes = append(changes, protocol.CellChange{Grid: side, Key: key, OldValue: oldVal, NewValue: 0})
		}
	}
	return changes
}

func appendScalarChange(changes []protocol.ScalarChange, field protocol.ScalarField, oldVal, newVal int) []protocol.ScalarChange {
	if oldVal == newVal {
		return changes
	}
	return append(changes, protocol.ScalarChange{Field: field, OldValue: oldVal, NewValue: newVal})
}

func sameEvents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShouldUseDeltaSync decides, for the sync about to be sent, whether it
// should carry a delta or a full snapshot, per the Synchronizer's mode.
func (s *Synchronizer) ShouldUseDeltaSync(delta *protocol.StateDelta) bool {
	switch s.mode {
	case ModeFull:
		return false
	case ModeDelta:
		return s.previous != nil
	default: // ModeHybrid
		if s.previous == nil {
			return false
		}
		if s.stats.TotalSyncs > 0 && s.stats.TotalSyncs%hybridKeyframeInterval == 0 {
			return false
		}
		if delta != nil && len(delta.CellChanges) > hybridMaxDeltaChanges {
			return false
		}
		return true
	}
}

// NextOutbound advances the sync counters and returns either the current
// full snapshot or a delta, per ShouldUseDeltaSync's decision.
func (s *Synchronizer) NextOutbound() (snapshot *protocol.StateSnapshot, delta *protocol.StateDelta) {
	d := s.GenerateDelta()
	s.stats.TotalSyncs++

	if s.ShouldUseDeltaSync(d) {
		s.stats.DeltaSyncs++
		s.stats.AvgDeltaSize = runningAvg(s.stats.AvgDeltaSize, s.stats.DeltaSyncs, float64(len(d.CellChanges)))
		return nil, d
	}

	s.stats.FullSyncs++
	return s.current, nil
}

func runningAvg(prevAvg float64, n int64, sample float64) float64 {
	if n <= 1 {
		return sample
	}
	return prevAvg + (sample-prevAvg)/float64(n)
}

// ApplyDelta deep-clones snapshot and applies delta's changes to produce the
// resulting snapshot, without mutating the input.
func ApplyDelta(snapshot *protocol.StateSnapshot, delta *protocol.StateDelta) (*protocol.StateSnapshot, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("statesync: cannot apply delta to a nil snapshot")
	}
	if delta.BaseVersion != snapshot.Version {
		return nil, fmt.Errorf("statesync: delta base version %d does not match snapshot version %d", delta.BaseVersion, snapshot.Version)
	}

	playerGrid := copyGrid(snapshot.PlayerGrid)
	opponentGrid := copyGrid(snapshot.OpponentGrid)
	for _, change := range delta.CellChanges {
		target := playerGrid
		if change.Grid == protocol.GridSideOpponent {
			target = opponentGrid
		}
		if change.NewValue == 0 {
			delete(target, change.Key)
			continue
		}
		target[change.Key] = change.NewValue
	}

	result := &protocol.StateSnapshot{
		Version:           delta.Version,
		BaseVersion:       snapshot.Version,
		RoomID:            snapshot.RoomID,
		PlayerGrid:        playerGrid,
		OpponentGrid:      opponentGrid,
		PlayerScore:       snapshot.PlayerScore,
		OpponentScore:     snapshot.OpponentScore,
		PlayerMoveCount:   snapshot.PlayerMoveCount,
		OpponentMoveCount: snapshot.OpponentMoveCount,
		EventProgress:     snapshot.EventProgress,
		ActiveEvents:      snapshot.ActiveEvents,
		Turn:              delta.Turn,
		Timestamp:         delta.Timestamp,
	}

	for _, sc := range delta.ScalarChanges {
		switch sc.Field {
		case protocol.ScalarPlayerScore:
			result.PlayerScore = sc.NewValue
		case protocol.ScalarOpponentScore:
			result.OpponentScore = sc.NewValue
		case protocol.ScalarPlayerMoveCount:
			result.PlayerMoveCount = sc.NewValue
		case protocol.ScalarOpponentMoveCount:
			result.OpponentMoveCount = sc.NewValue
		}
	}

	if delta.EventChange != nil {
		if delta.EventChange.EventProgress != nil {
			result.EventProgress = *delta.EventChange.EventProgress
		}
		result.ActiveEvents = delta.EventChange.ActiveEvents
	}

	return result, nil
}

// ValidateRemoteVersion reports whether a remote snapshot's version is
// recent enough to accept, given the local version. Remotes trailing by
// more than maxVersionLag are stale and must be discarded.
func ValidateRemoteVersion(localVersion, remoteVersion int64) bool {
	return remoteVersion >= localVersion-maxVersionLag
}
