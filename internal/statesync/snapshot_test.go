package statesync

import (
	"testing"

	"github.com/match3/battlehub/internal/protocol"
)

func TestCreateSnapshot_FirstSyncHasNoPrevious(t *testing.T) {
	sync := NewSynchronizer("room-1", ModeHybrid)
	snap := sync.CreateSnapshot(RawState{
		PlayerGrid: map[string]protocol.CellValue{"0,0": 1},
		Turn:       "peer-a",
		Timestamp:  1000,
	})

	if snap.Version != 1 {
		t.Errorf("expected version 1, got %d", snap.Version)
	}
	if snap.BaseVersion != 0 {
		t.Errorf("expected base version 0 for the first snapshot, got %d", snap.BaseVersion)
	}
	delta := sync.GenerateDelta()
	if delta != nil {
		t.Error("expected nil delta before any previous snapshot exists")
	}
}

func TestGenerateDelta_DetectsCellScalarAndEventChanges(t *testing.T) {
	sync := NewSynchronizer("room-1", ModeHybrid)
	sync.CreateSnapshot(RawState{
		PlayerGrid: map[string]protocol.CellValue{"0,0": 1},
		Turn:       "peer-a",
		Timestamp:  1000,
	})
	sync.CreateSnapshot(RawState{
		PlayerGrid:    map[string]protocol.CellValue{"0,0": 2, "0,1": 3},
		PlayerScore:   5,
		EventProgress: 1,
		ActiveEvents:  []string{"COMBO_CHAIN"},
		Turn:          "peer-b",
		Timestamp:     2000,
	})

	delta := sync.GenerateDelta()
	if delta == nil {
		t.Fatal("expected non-nil delta")
	}
	if len(delta.CellChanges) != 2 {
		t.Errorf("expected 2 cell changes, got %d", len(delta.CellChanges))
	}
	if len(delta.ScalarChanges) != 1 || delta.ScalarChanges[0].Field != protocol.ScalarPlayerScore || delta.ScalarChanges[0].NewValue != 5 {
		t.Errorf("expected a single playerScore scalar change to 5, got %+v", delta.ScalarChanges)
	}
	if delta.EventChange == nil || delta.EventChange.EventProgress == nil || *delta.EventChange.EventProgress != 1 {
		t.Errorf("expected an event change carrying eventProgress 1, got %+v", delta.EventChange)
	}
	if len(delta.EventChange.ActiveEvents) != 1 || delta.EventChange.ActiveEvents[0] != "COMBO_CHAIN" {
		t.Errorf("expected active events [COMBO_CHAIN], got %v", delta.EventChange.ActiveEvents)
	}
	if delta.Turn != "peer-b" {
		t.Errorf("expected turn peer-b, got %s", delta.Turn)
	}
}

func TestGenerateDelta_ReturnsNilWhenNothingChanged(t *testing.T) {
	sync := NewSynchronizer("room-1", ModeHybrid)
	raw := RawState{PlayerGrid: map[string]protocol.CellValue{"0,0": 1}, Turn: "peer-a", Timestamp: 1000}
	sync.CreateSnapshot(raw)
	raw.Timestamp = 2000
	sync.CreateSnapshot(raw)

	if delta := sync.GenerateDelta(); delta != nil {
		t.Errorf("expected nil delta for an unchanged snapshot, got %+v", delta)
	}
}

func TestShouldUseDeltaSync_FullModeNeverDeltas(t *testing.T) {
	sync := NewSynchronizer("room-1", ModeFull)
	sync.CreateSnapshot(RawState{PlayerGrid: map[string]protocol.CellValue{"0,0": 1}, Turn: "peer-a", Timestamp: 1000})
	sync.CreateSnapshot(RawState{PlayerGrid: map[string]protocol.CellValue{"0,0": 2}, Turn: "peer-a", Timestamp: 2000})

	delta := sync.GenerateDelta()
	if sync.ShouldUseDeltaSync(delta) {
		t.Error("FULL mode must never choose delta sync")
	}
}

func TestShouldUseDeltaSync_DeltaModeRequiresPrevious(t *testing.T) {
	sync := NewSynchronizer("room-1", ModeDelta)
	sync.CreateSnapshot(RawState{PlayerGrid: map[string]protocol.CellValue{"0,0": 1}, Turn: "peer-a", Timestamp: 1000})

	if sync.ShouldUseDeltaSync(nil) {
		t.Error("expected full sync for the very first snapshot even in DELTA mode")
	}

	sync.CreateSnapshot(RawState{PlayerGrid: map[string]protocol.CellValue{"0,0": 2}, Turn: "peer-a", Timestamp: 2000})
	if !sync.ShouldUseDeltaSync(sync.GenerateDelta()) {
		t.Error("expected delta sync once a previous snapshot exists in DELTA mode")
	}
}

func TestShouldUseDeltaSync_HybridKeyframeEveryTenthSync(t *testing.T) {
	sync := NewSynchronizer("room-1", ModeHybrid)
	sync.CreateSnapshot(RawState{PlayerGrid: map[string]protocol.CellValue{"0,0": 1}, Turn: "peer-a", Timestamp: 1000})

	for i := 0; i < 9; i++ {
		sync.CreateSnapshot(RawState{
			PlayerGrid: map[string]protocol.CellValue{"0,0": protocol.CellValue(i + 2)},
			Turn:       "peer-a",
			Timestamp:  int64(2000 + i),
		})
		_, delta := sync.NextOutbound()
		if delta == nil {
			t.Fatalf("sync %d: expected delta, got full snapshot", i+1)
		}
	}

	// 9 NextOutbound calls have now run (totalSyncs == 9); the 10th must
	// force a full keyframe regardless of delta size.
	sync.CreateSnapshot(RawState{PlayerGrid: map[string]protocol.CellValue{"0,0": 99}, Turn: "peer-a", Timestamp: 3000})
	snap, delta := sync.NextOutbound()
	if delta != nil {
		t.Error("expected the 10th sync to force a full keyframe snapshot")
	}
	if snap == nil {
		t.Error("expected a non-nil full snapshot on the keyframe sync")
	}
}

func TestShouldUseDeltaSync_HybridForcesFullOnLargeDelta(t *testing.T) {
	sync := NewSynchronizer("room-1", ModeHybrid)
	sync.CreateSnapshot(RawState{PlayerGrid: map[string]protocol.CellValue{}, Turn: "peer-a", Timestamp: 1000})

	bigGrid := make(map[string]protocol.CellValue, 60)
	for i := 0; i < 60; i++ {
		bigGrid[string(rune('a'+i%26))+string(rune(i))] = protocol.CellValue(i + 1)
	}
	sync.CreateSnapshot(RawState{PlayerGrid: bigGrid, Turn: "peer-a", Timestamp: 2000})

	delta := sync.GenerateDelta()
	if len(delta.CellChanges) <= hybridMaxDeltaChanges {
		t.Fatalf("expected a large delta for this test, got %d changes", len(delta.CellChanges))
	}
	if sync.ShouldUseDeltaSync(delta) {
		t.Error("expected HYBRID mode to force a full snapshot when the delta exceeds the change threshold")
	}
}

func TestApplyDelta_ReconstructsState(t *testing.T) {
	base := &protocol.StateSnapshot{
		Version:      1,
		PlayerGrid:   map[string]protocol.CellValue{"0,0": 1, "0,1": 2},
		OpponentGrid: map[string]protocol.CellValue{},
		PlayerScore:  10,
		Turn:         "peer-a",
	}
	progress := 3
	delta := &protocol.StateDelta{
		Version:     2,
		BaseVersion: 1,
		CellChanges: []protocol.CellChange{
			{Grid: protocol.GridSidePlayer, Key: "0,0", OldValue: 1, NewValue: 5},
			{Grid: protocol.GridSidePlayer, Key: "0,1", OldValue: 2, NewValue: 0},
		},
		ScalarChanges: []protocol.ScalarChange{
			{Field: protocol.ScalarPlayerScore, OldValue: 10, NewValue: 13},
		},
		EventChange: &protocol.EventChange{EventProgress: &progress, ActiveEvents: []string{"COMBO_CHAIN"}},
		Turn:        "peer-b",
		Timestamp:   9999,
	}

	result, err := ApplyDelta(base, delta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Version != 2 {
		t.Errorf("expected version 2, got %d", result.Version)
	}
	if result.PlayerGrid["0,0"] != 5 {
		t.Errorf("expected cell 0,0 to become 5, got %d", result.PlayerGrid["0,0"])
	}
	if _, present := result.PlayerGrid["0,1"]; present {
		t.Error("expected cell 0,1 to be cleared")
	}
	if result.PlayerScore != 13 {
		t.Errorf("expected score 13, got %d", result.PlayerScore)
	}
	if result.EventProgress != 3 {
		t.Errorf("expected event progress 3, got %d", result.EventProgress)
	}
	if len(result.ActiveEvents) != 1 || result.ActiveEvents[0] != "COMBO_CHAIN" {
		t.Errorf("expected active events [COMBO_CHAIN], got %v", result.ActiveEvents)
	}
	if result.Turn != "peer-b" {
		t.Errorf("expected turn peer-b, got %s", result.Turn)
	}

	if _, orig := base.PlayerGrid["0,0"]; !orig {
		t.Error("ApplyDelta must not mutate the input snapshot")
	}
	if base.PlayerGrid["0,0"] != 1 {
		t.Error("ApplyDelta must not mutate the input snapshot's cell values")
	}
}

func TestApplyDelta_RejectsMismatchedBaseVersion(t *testing.T) {
	base := &protocol.StateSnapshot{Version: 5, PlayerGrid: map[string]protocol.CellValue{}}
	delta := &protocol.StateDelta{Version: 4, BaseVersion: 3}

	if _, err := ApplyDelta(base, delta); err == nil {
		t.Fatal("expected an error for a delta whose base version does not match the snapshot")
	}
}

func TestValidateRemoteVersion(t *testing.T) {
	if !ValidateRemoteVersion(10, 5) {
		t.Error("expected a remote exactly maxVersionLag behind to be accepted")
	}
	if ValidateRemoteVersion(10, 4) {
		t.Error("expected a remote more than maxVersionLag behind to be rejected")
	}
	if !ValidateRemoteVersion(10, 10) {
		t.Error("expected an up-to-date remote to be accepted")
	}
}
