package recovery

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/match3/battlehub/internal/protocol"
	"github.com/match3/battlehub/internal/ttlstore"
)

func TestSaveSnapshot_AppendsToRingAndTrims(t *testing.T) {
	store := ttlstore.New(0)
	defer store.Close()
	m := NewManager("peer-1", store)

	for i := 0; i < ringSize+3; i++ {
		m.SaveSnapshot(&protocol.StateSnapshot{Version: int64(i)})
	}

	if len(m.ring) != ringSize {
		t.Fatalf("expected ring to be trimmed to %d, got %d", ringSize, len(m.ring))
	}
	if m.latestRingSnapshot().Version != int64(ringSize+2) {
		t.Errorf("expected newest version %d at ring tail, got %d", ringSize+2, m.latestRingSnapshot().Version)
	}
}

func TestSaveSnapshot_RespectsMinPersistInterval(t *testing.T) {
	store := ttlstore.New(0)
	defer store.Close()
	m := NewManager("peer-1", store)

	m.SaveSnapshot(&protocol.StateSnapshot{Version: 1})
	firstPersisted := m.lastPersisted

	m.SaveSnapshot(&protocol.StateSnapshot{Version: 2})
	if !m.lastPersisted.Equal(firstPersisted) {
		t.Error("expected a second save within the minimum interval to skip persistence")
	}

	if _, ok := store.Get(m.durableKey()); !ok {
		t.Error("expected the first save to have persisted durably")
	}
}

func TestRecoverGameState_TimesOutOnLongOutage(t *testing.T) {
	store := ttlstore.New(0)
	defer store.Close()
	m := NewManager("peer-1", store)
	m.SaveSnapshot(&protocol.StateSnapshot{Version: 1})

	_, err := m.RecoverGameState(61*time.Second, nil)
	if err != ErrRecoveryTimeout {
		t.Fatalf("expected ErrRecoveryTimeout, got %v", err)
	}
}

func TestRecoverGameState_NoSnapshotAnywhere(t *testing.T) {
	store := ttlstore.New(0)
	defer store.Close()
	m := NewManager("peer-1", store)

	_, err := m.RecoverGameState(5*time.Second, nil)
	if err != ErrNoSnapshot {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestRecoverGameState_FallsBackToLocalWhenServerSyncFails(t *testing.T) {
	store := ttlstore.New(0)
	defer store.Close()
	m := NewManager("peer-1", store)
	m.SaveSnapshot(&protocol.StateSnapshot{Version: 7, Turn: "peer-a"})

	failingSync := func() (*protocol.StateSnapshot, error) {
		return nil, errors.New("sync unavailable")
	}

	result, err := m.RecoverGameState(5*time.Second, failingSync)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Version != 7 {
		t.Errorf("expected local snapshot to be returned as-is, got version %d", result.Version)
	}
}

func TestRecoverGameState_MergesServerPrecedenceForAuthoritativeFields(t *testing.T) {
	store := ttlstore.New(0)
	defer store.Close()
	m := NewManager("peer-1", store)
	m.SaveSnapshot(&protocol.StateSnapshot{
		Version:         5,
		PlayerGrid:      map[string]protocol.CellValue{"0,0": 1, "0,1": 2},
		PlayerScore:     10,
		Turn:            "peer-a",
		PlayerMoveCount: 3,
	})

	sync := func() (*protocol.StateSnapshot, error) {
		return &protocol.StateSnapshot{
			Version:         6,
			PlayerGrid:      map[string]protocol.CellValue{"0,0": 9},
			PlayerScore:     99,
			Turn:            "peer-b",
			PlayerMoveCount: 4,
			Timestamp:       5000,
		}, nil
	}

	result, err := m.RecoverGameState(5*time.Second, sync)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PlayerScore != 99 {
		t.Errorf("expected server score to take precedence, got %d", result.PlayerScore)
	}
	if result.PlayerMoveCount != 4 {
		t.Errorf("expected server move count to take precedence, got %d", result.PlayerMoveCount)
	}
	if result.Turn != "peer-b" {
		t.Errorf("expected server turn to take precedence, got %s", result.Turn)
	}
	if result.PlayerGrid["0,1"] != 2 {
		t.Errorf("expected local-only cell to be preserved, got %v", result.PlayerGrid["0,1"])
	}
	if result.PlayerGrid["0,0"] != 9 {
		t.Errorf("expected server cell to override local, got %v", result.PlayerGrid["0,0"])
	}
}

func TestBucketLatency(t *testing.T) {
	cases := []struct {
		latency float64
		want    QualityBucket
	}{
		{10, QualityExcellent},
		{49.9, QualityExcellent},
		{50, QualityGood},
		{99, QualityGood},
		{100, QualityFair},
		{199, QualityFair},
		{200, QualityPoor},
		{500, QualityPoor},
	}
	for _, c := range cases {
		if got := BucketLatency(c.latency); got != c.want {
			t.Errorf("BucketLatency(%v) = %v, want %v", c.latency, got, c.want)
		}
	}
}

func TestJitter_ZeroForConstantSamples(t *testing.T) {
	samples := []float64{50, 50, 50, 50}
	if j := Jitter(samples); j != 0 {
		t.Errorf("expected zero jitter for constant samples, got %v", j)
	}
}

func TestJitter_CapsAtLast20Samples(t *testing.T) {
	samples := make([]float64, 0, 25)
	for i := 0; i < 5; i++ {
		samples = append(samples, 1000) // would massively skew stddev if included
	}
	for i := 0; i < 20; i++ {
		samples = append(samples, 50)
	}

	j := Jitter(samples)
	if j != 0 {
		t.Errorf("expected jitter computed only over the last 20 (constant) samples, got %v", j)
	}
}

func TestJitter_NonZeroForVaryingSamples(t *testing.T) {
	samples := []float64{40, 60, 40, 60}
	j := Jitter(samples)
	if j == 0 || math.IsNaN(j) {
		t.Errorf("expected a positive jitter value, got %v", j)
	}
}
