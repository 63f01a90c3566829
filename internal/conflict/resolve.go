package conflict

import (
	"fmt"
	"time"

	"github.com/match3/battlehub/internal/protocol"
)

// Policy selects how a Resolver reconciles a detected Conflict.
type Policy string

const (
	PolicyServerAuthoritative Policy = "SERVER_AUTHORITATIVE"
	PolicyClientAuthoritative Policy = "CLIENT_AUTHORITATIVE"
	PolicyLatestTimestamp     Policy = "LATEST_TIMESTAMP"
	PolicyMerge               Policy = "MERGE"
	PolicyRollback            Policy = "ROLLBACK"
)

// Resolution is the outcome of resolving a single Conflict.
type Resolution struct {
	Success          bool
	Strategy         Policy
	ResolvedState    *protocol.StateSnapshot
	RollbackRequired bool
	CompensationMoves []protocol.CellChange
	Message          string
}

// Stats tracks resolution counts and latency per conflict type and policy.
type Stats struct {
	ByKind       map[Kind]int64
	ByStrategy   map[Policy]int64
	AvgLatencyMs float64
	samples      int64
}

// Resolver reconciles conflicts against a room's configured policy. local is
// always the server-side (room) snapshot; remote is the peer-reported one.
type Resolver struct {
	policy       Policy
	mergeAllowed bool
	stats        Stats
}

// NewResolver creates a Resolver bound to policy. If mergeAllowed is false
// and policy is MERGE, Resolve falls back to SERVER_AUTHORITATIVE.
func NewResolver(policy Policy, mergeAllowed bool) *Resolver {
	return &Resolver{
		policy:       policy,
		mergeAllowed: mergeAllowed,
		stats: Stats{
			ByKind:     make(map[Kind]int64),
			ByStrategy: make(map[Policy]int64),
		},
	}
}

// Stats returns a copy of the Resolver's accumulated statistics.
func (r *Resolver) Stats() Stats {
	s := r.stats
	s.ByKind = make(map[Kind]int64, len(r.stats.ByKind))
	for k, v := range r.stats.ByKind {
		s.ByKind[k] = v
	}
	s.ByStrategy = make(map[Policy]int64, len(r.stats.ByStrategy))
	for k, v := range r.stats.ByStrategy {
		s.ByStrategy[k] = v
	}
	return s
}

// Resolve applies the Resolver's policy to a detected conflict between
// local (server-authoritative input) and remote (the peer-reported
// snapshot), recording latency and per-kind/per-strategy stats.
func (r *Resolver) Resolve(c *Conflict) Resolution {
	start := time.Now()

	policy := r.policy
	if policy == PolicyMerge && !r.mergeAllowed {
		policy = PolicyServerAuthoritative
	}

	var res Resolution
	switch policy {
	case PolicyServerAuthoritative:
		res = r.resolveServerAuthoritative(c)
	case PolicyClientAuthoritative:
		res = r.resolveClientAuthoritative(c)
	case PolicyLatestTimestamp:
		res = r.resolveLatestTimestamp(c)
	case PolicyMerge:
		res = r.resolveMerge(c)
	case PolicyRollback:
		res = r.resolveRollback(c)
	default:
		res = Resolution{Success: false, Strategy: policy, Message: fmt.Sprintf("conflict: unknown resolution policy %q", policy)}
	}

	r.stats.ByKind[c.Kind]++
	r.stats.ByStrategy[res.Strategy]++
	r.stats.samples++
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	r.stats.AvgLatencyMs += (elapsed - r.stats.AvgLatencyMs) / float64(r.stats.samples)

	return res
}

func (r *Resolver) resolveServerAuthoritative(c *Conflict) Resolution {
	rollback := !snapshotsEqual(c.Local, c.Remote)
	return Resolution{
		Success:           true,
		Strategy:          PolicyServerAuthoritative,
		ResolvedState:     c.Local,
		RollbackRequired:  rollback,
		CompensationMoves: diffAsChanges(c.Remote, c.Local),
		Message:           "server snapshot adopted as authoritative",
	}
}

func (r *Resolver) resolveClientAuthoritative(c *Conflict) Resolution {
	return Resolution{
		Success:       true,
		Strategy:      PolicyClientAuthoritative,
		ResolvedState: c.Remote,
		Message:       "client snapshot adopted as authoritative",
	}
}

func (r *Resolver) resolveLatestTimestamp(c *Conflict) Resolution {
	if c.Remote.Timestamp > c.Local.Timestamp {
		return Resolution{
			Success:           true,
			Strategy:          PolicyLatestTimestamp,
			ResolvedState:     c.Remote,
			RollbackRequired:  true,
			CompensationMoves: diffAsChanges(c.Local, c.Remote),
			Message:           "remote snapshot is newer",
		}
	}
	return Resolution{
		Success:       true,
		Strategy:      PolicyLatestTimestamp,
		ResolvedState: c.Local,
		Message:       "local snapshot is newer or equal",
	}
}

func (r *Resolver) resolveMerge(c *Conflict) Resolution {
	merged := mergeSnapshots(c.Local, c.Remote)
	return Resolution{
		Success:           true,
		Strategy:          PolicyMerge,
		ResolvedState:     merged,
		CompensationMoves: diffAsChanges(c.Local, merged),
		Message:           "merged local and remote snapshots",
	}
}

func (r *Resolver) resolveRollback(c *Conflict) Resolution {
	target := c.Local
	if c.Remote.Version < c.Local.Version {
		target = c.Remote
	}
	return Resolution{
		Success:          true,
		Strategy:         PolicyRollback,
		ResolvedState:    target,
		RollbackRequired: true,
		Message:          "rolled back to the lower-versioned snapshot",
	}
}

// mergeSnapshots implements the MERGE rules: scalar fields take the max,
// timestamp/turn take the later snapshot, cells take the non-empty value
// preferring local when both sides disagree, active events union, and the
// resulting version is one past the higher of the two inputs.
func mergeSnapshots(local, remote *protocol.StateSnapshot) *protocol.StateSnapshot {
	later := local
	if remote.Timestamp > local.Timestamp {
		later = remote
	}

	return &protocol.StateSnapshot{
		Version:           maxInt64(local.Version, remote.Version) + 1,
		RoomID:            local.RoomID,
		PlayerGrid:        mergeGridPreferLocal(local.PlayerGrid, remote.PlayerGrid),
		OpponentGrid:      mergeGridPreferLocal(local.OpponentGrid, remote.OpponentGrid),
		PlayerScore:       maxInt(local.PlayerScore, remote.PlayerScore),
		OpponentScore:     maxInt(local.OpponentScore, remote.OpponentScore),
		PlayerMoveCount:   maxInt(local.PlayerMoveCount, remote.PlayerMoveCount),
		OpponentMoveCount: maxInt(local.OpponentMoveCount, remote.OpponentMoveCount),
		EventProgress:     maxInt(local.EventProgress, remote.EventProgress),
		ActiveEvents:      unionEvents(local.ActiveEvents, remote.ActiveEvents),
		Turn:              later.Turn,
		Timestamp:         later.Timestamp,
	}
}

// mergeGridPreferLocal overlays remote's non-empty cells under local's,
// so a cell set on both sides keeps local's value and a cell only set on
// remote is preserved.
func mergeGridPreferLocal(local, remote map[string]protocol.CellValue) map[string]protocol.CellValue {
	grid := make(map[string]protocol.CellValue, len(local)+len(remote))
	for key, v := range remote {
		if v != 0 {
			grid[key] = v
		}
	}
	for key, v := range local {
		if v != 0 {
			grid[key] = v
		}
	}
	return grid
}

func unionEvents(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, tag := range a {
		if !seen[tag] {
			seen[tag] = true
			merged = append(merged, tag)
		}
	}
	for _, tag := range b {
		if !seen[tag] {
			seen[tag] = true
			merged = append(merged, tag)
		}
	}
	return merged
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func snapshotsEqual(a, b *protocol.StateSnapshot) bool {
	if a.Version != b.Version || a.Turn != b.Turn ||
		a.PlayerScore != b.PlayerScore || a.OpponentScore != b.OpponentScore ||
		a.EventProgress != b.EventProgress ||
		len(a.PlayerGrid) != len(b.PlayerGrid) || len(a.OpponentGrid) != len(b.OpponentGrid) {
		return false
	}
	for key, v := range a.PlayerGrid {
		if b.PlayerGrid[key] != v {
			return false
		}
	}
	for key, v := range a.OpponentGrid {
		if b.OpponentGrid[key] != v {
			return false
		}
	}
	return true
}

// diffAsChanges reports the cell-level changes that turn "from"'s grids into
// "to"'s (OldValue from "from", NewValue from "to"), used as the compensation
// move list in a Resolution. Cells present only in "from" are not reported.
func diffAsChanges(from, to *protocol.StateSnapshot) []protocol.CellChange {
	var changes []protocol.CellChange
	changes = append(changes, diffGridAsChanges(from.PlayerGrid, to.PlayerGrid, protocol.GridSidePlayer)...)
	changes = append(changes, diffGridAsChanges(from.OpponentGrid, to.OpponentGrid, protocol.GridSideOpponent)...)
	return changes
}

func diffGridAsChanges(from, to map[string]protocol.CellValue, side protocol.GridSide) []protocol.CellChange {
	var changes []protocol.CellChange
	for key, toVal := range to {
		if fromVal, ok := from[key]; !ok || fromVal != toVal {
			changes = append(changes, protocol.CellChange{Grid: side, Key: key, OldValue: fromVal, NewValue: toVal})
		}
	}
	return changes
}
