package strategist

import (
	"fmt"
	"testing"
	"time"

	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

func newTestAdjust(t *testing.T, now *time.Time) (*AutoAdjust, *ledger.Ledger) {
	t.Helper()
	store, err := ledger.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.SaveAgentConfigs(map[string]types.AgentConfig{
		"fibo1": types.DefaultAgentConfig("fibo1"),
	})
	a := NewAutoAdjust(zap.NewNop(), store)
	a.now = func() time.Time { return *now }
	return a, store
}

func TestApplyExactRatioClamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, store := newTestAdjust(t, &now)

	// sl 0.9 against tp 0.4 breaks the 1.5x ratio; sl lands at 0.6.
	entries, tpslChanged := a.ApplyExact("fibo1", map[string]float64{
		"tp_pct": 0.4,
		"sl_pct": 0.9,
	}, "rebalance")
	if !tpslChanged {
		t.Fatal("tp/sl change must be flagged")
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 committed entries, got %d", len(entries))
	}

	cfg := store.AgentConfigs()["fibo1"]
	if cfg.TPSL.TPPct != 0.4 {
		t.Fatalf("tp = %v, want 0.4", cfg.TPSL.TPPct)
	}
	if cfg.TPSL.SLPct != 0.6 {
		t.Fatalf("sl = %v, want ratio-clamped 0.6", cfg.TPSL.SLPct)
	}
	for _, e := range entries {
		if len(e.ID) != 8 {
			t.Fatalf("entry ID should be 8 chars, got %q", e.ID)
		}
	}
}

func TestApplyExactBoundsAndAmplitude(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, store := newTestAdjust(t, &now)

	// Target 10 clamps to the 5.0 bound, then the amplitude guard caps the
	// move at +50% of the current 2.0.
	entries, _ := a.ApplyExact("fibo1", map[string]float64{"fibo_tolerance_pct": 10}, "loosen")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := store.AgentConfigs()["fibo1"].FiboTolerancePct; got != 3.0 {
		t.Fatalf("tolerance = %v, want amplitude-capped 3.0", got)
	}
}

func TestApplyExactNoOpSkipped(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, _ := newTestAdjust(t, &now)

	entries, tpslChanged := a.ApplyExact("fibo1", map[string]float64{"tp_pct": 0.3}, "same value")
	if len(entries) != 0 || tpslChanged {
		t.Fatalf("target equal to current must be a no-op, got %v", entries)
	}
}

func TestApplyExactUnknownAgent(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, _ := newTestAdjust(t, &now)

	if entries, _ := a.ApplyExact("ghost", map[string]float64{"tp_pct": 0.4}, "x"); entries != nil {
		t.Fatal("unknown agent must be dropped")
	}
}

func TestDirectionLock(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, store := newTestAdjust(t, &now)

	// tp moved down one hour ago; a move up within the 4h window is locked.
	store.AppendAdjustment(types.AdjustmentEntry{
		ID:        "seed0001",
		Timestamp: now.Add(-time.Hour).Format(time.RFC3339),
		AgentID:   "fibo1",
		Field:     "tp_pct",
		OldValue:  0.35,
		NewValue:  0.3,
	})

	entries, tpslChanged := a.ApplyExact("fibo1", map[string]float64{"tp_pct": 0.4}, "push up")
	if len(entries) != 0 || tpslChanged {
		t.Fatalf("opposite-direction move within 4h must be locked, got %v", entries)
	}

	// Same direction passes.
	entries, _ = a.ApplyExact("fibo1", map[string]float64{"tp_pct": 0.25}, "push down")
	if len(entries) != 1 {
		t.Fatalf("same-direction move should commit, got %v", entries)
	}
}

func TestDirectionLockMatchesPrefixedField(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, store := newTestAdjust(t, &now)

	store.AppendAdjustment(types.AdjustmentEntry{
		ID:        "seed0002",
		Timestamp: now.Add(-time.Hour).Format(time.RFC3339),
		AgentID:   "fibo1",
		Field:     "tpsl_config.sl_pct",
		OldValue:  0.5,
		NewValue:  0.45,
	})

	if entries, _ := a.ApplyExact("fibo1", map[string]float64{"sl_pct": 0.5}, "widen"); len(entries) != 0 {
		t.Fatalf("prefixed field name must still lock, got %v", entries)
	}
}

func TestRateLimitMinInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, _ := newTestAdjust(t, &now)

	entries, _ := a.ApplyExact("fibo1", map[string]float64{"cooldown_seconds": 360}, "slow down")
	if len(entries) != 1 {
		t.Fatalf("first batch should commit, got %v", entries)
	}

	now = now.Add(5 * time.Minute)
	if entries, _ := a.ApplyExact("fibo1", map[string]float64{"cooldown_seconds": 420}, "again"); len(entries) != 0 {
		t.Fatal("second batch within 15 minutes must be dropped")
	}

	now = now.Add(11 * time.Minute)
	if entries, _ := a.ApplyExact("fibo1", map[string]float64{"cooldown_seconds": 420}, "later"); len(entries) != 1 {
		t.Fatal("batch after the interval should commit")
	}
}

func TestRateLimitHourlyCap(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, store := newTestAdjust(t, &now)

	// Four committed adjustments inside the rolling hour, persisted only in
	// the ledger (fresh process, empty in-memory map).
	for i, age := range []time.Duration{20, 25, 30, 35} {
		store.AppendAdjustment(types.AdjustmentEntry{
			ID:        fmt.Sprintf("seed%04d", i),
			Timestamp: now.Add(-age * time.Minute).Format(time.RFC3339),
			AgentID:   "fibo1",
			Field:     "cooldown_seconds",
			OldValue:  300,
			NewValue:  330,
		})
	}

	if entries, _ := a.ApplyExact("fibo1", map[string]float64{"fibo_tolerance_pct": 2.5}, "x"); len(entries) != 0 {
		t.Fatal("fifth adjustment inside the hour must be dropped")
	}
}

func TestApplySuggestionsTranslation(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, store := newTestAdjust(t, &now)

	entries, tpslChanged := a.ApplySuggestions("fibo1", []Suggestion{
		{Priority: "high", Type: SuggestAdjustTPSL, AgentID: "fibo1", Message: "rebalance TP/SL"},
	})
	if !tpslChanged || len(entries) != 2 {
		t.Fatalf("expected tp and sl entries, got %v (tpsl=%v)", entries, tpslChanged)
	}

	cfg := store.AgentConfigs()["fibo1"]
	if cfg.TPSL.TPPct != 0.35 {
		t.Fatalf("tp = %v, want 0.35", cfg.TPSL.TPPct)
	}
	if cfg.TPSL.SLPct != 0.4 {
		t.Fatalf("sl = %v, want 0.4", cfg.TPSL.SLPct)
	}
	for _, e := range entries {
		if e.Reason != "rebalance TP/SL" {
			t.Fatalf("reason should carry the suggestion message, got %q", e.Reason)
		}
	}
}
