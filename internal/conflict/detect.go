// Package conflict detects and resolves divergence between a room's locally
// held state and a snapshot reported by a peer, following the same
// validate-then-decide shape the rest of the service uses for request
// handling.
package conflict

import (
	"github.com/match3/battlehub/internal/protocol"
)

// Kind identifies which of the ordered detection checks fired.
type Kind string

const (
	KindVersionMismatch   Kind = "VERSION_MISMATCH"
	KindGridInconsistency Kind = "GRID_INCONSISTENCY"
	KindScoreMismatch     Kind = "SCORE_MISMATCH"
	KindStateDivergence   Kind = "STATE_DIVERGENCE"
)

const (
	maxVersionDrift     = 1
	maxGridCellDrift    = 5
	maxScoreSumDrift    = 100
	maxTimestampDriftMs = 10_000
)

// Conflict describes a detected divergence between two snapshots.
type Conflict struct {
	Kind   Kind
	Local  *protocol.StateSnapshot
	Remote *protocol.StateSnapshot
}

// DetectConflict runs the ordered checks against local and remote, in the
// order they are listed, returning the first one that fires. Returns nil if
// none fire.
//
// local and remote are each one peer's own perspective: local.PlayerGrid is
// that peer's own board, local.OpponentGrid is its view of the other side's
// board. The grid check therefore cross-compares local.PlayerGrid against
// remote.OpponentGrid (and the symmetric pair), since those two fields
// describe the same physical board from the two peers' respective views.
func DetectConflict(local, remote *protocol.StateSnapshot) *Conflict {
	if local == nil || remote == nil {
		return nil
	}

	if abs64(local.Version-remote.Version) > maxVersionDrift {
		return &Conflict{Kind: KindVersionMismatch, Local: local, Remote: remote}
	}

	if diffCells(local.PlayerGrid, remote.OpponentGrid) > maxGridCellDrift ||
		diffCells(local.OpponentGrid, remote.PlayerGrid) > maxGridCellDrift {
		return &Conflict{Kind: KindGridInconsistency, Local: local, Remote: remote}
	}

	if abs(scoreSum(local)-scoreSum(remote)) > maxScoreSumDrift {
		return &Conflict{Kind: KindScoreMismatch, Local: local, Remote: remote}
	}

	if abs64(local.Timestamp-remote.Timestamp) > maxTimestampDriftMs {
		return &Conflict{Kind: KindStateDivergence, Local: local, Remote: remote}
	}

	return nil
}

func diffCells(a, b map[string]protocol.CellValue) int {
	count := 0
	for key, av := range a {
		if bv, ok := b[key]; !ok || bv != av {
			count++
		}
	}
	for key := range b {
		if _, ok := a[key]; !ok {
			count++
		}
	}
	return count
}

func scoreSum(s *protocol.StateSnapshot) int {
	return s.PlayerScore + s.OpponentScore
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
