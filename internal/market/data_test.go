package market

import (
	"math"
	"testing"
)

func TestFiboLevels(t *testing.T) {
	levels := FiboLevels(51000, 50000)

	if levels["0"] != 51000 || levels["1"] != 50000 {
		t.Fatalf("extremes wrong: %v", levels)
	}
	if got := levels["0.618"]; math.Abs(got-50382) > 1e-9 {
		t.Fatalf("0.618 level = %v, want 50382", got)
	}
	if got := levels["0.5"]; got != 50500 {
		t.Fatalf("0.5 level = %v, want 50500", got)
	}
	if len(levels) != 7 {
		t.Fatalf("expected 7 levels, got %d", len(levels))
	}
}

func TestLastSwingsFindsExtremum(t *testing.T) {
	// A clear swing high at index 5 and swing low at index 10.
	highs := []float64{10, 11, 12, 13, 14, 20, 14, 13, 12, 11, 10, 11, 12, 13, 14}
	lows := []float64{9, 8, 7, 6, 5, 6, 7, 6, 5, 4, 1, 4, 5, 6, 7}

	high, low := LastSwings(highs, lows, 3)
	if high != 20 {
		t.Fatalf("swing high = %v, want 20", high)
	}
	if low != 1 {
		t.Fatalf("swing low = %v, want 1", low)
	}
}

func TestLastSwingsFallsBackToWindowExtremes(t *testing.T) {
	// Monotonic series has no interior swing; max/min stand in.
	highs := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	lows := []float64{0.5, 1.5, 2.5, 3.5, 4.5, 5.5, 6.5, 7.5}

	high, low := LastSwings(highs, lows, 3)
	if high != 8 {
		t.Fatalf("fallback high = %v, want 8", high)
	}
	if low != 0.5 {
		t.Fatalf("fallback low = %v, want 0.5", low)
	}
}

func TestDetectTrend(t *testing.T) {
	rising := make([]float64, 60)
	falling := make([]float64, 60)
	flat := make([]float64, 60)
	for i := range rising {
		rising[i] = 100 + float64(i)
		falling[i] = 200 - float64(i)
		flat[i] = 100
	}

	if got := DetectTrend(rising); got != "bullish" {
		t.Fatalf("rising closes: %s", got)
	}
	if got := DetectTrend(falling); got != "bearish" {
		t.Fatalf("falling closes: %s", got)
	}
	if got := DetectTrend(flat); got != "neutral" {
		t.Fatalf("flat closes: %s", got)
	}
	if got := DetectTrend(rising[:30]); got != "neutral" {
		t.Fatalf("short series must be neutral, got %s", got)
	}
}

func TestEMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	// SMA seed over all 5 values, no follow-up bars.
	if got := EMA(values, 5); got != 3 {
		t.Fatalf("EMA = %v, want 3", got)
	}
	if got := EMA(values[:2], 5); got != 0 {
		t.Fatalf("short input must yield 0, got %v", got)
	}
}

func TestMomentum(t *testing.T) {
	closes := []float64{100, 100, 100, 100, 100, 102}
	if got := Momentum(closes, 5); got != 2.0 {
		t.Fatalf("momentum = %v, want 2.0", got)
	}
	if got := Momentum([]float64{100}, 5); got != 0 {
		t.Fatalf("short input must yield 0, got %v", got)
	}
}

func TestVolatility(t *testing.T) {
	// Constant series: zero volatility.
	flat := make([]float64, 25)
	for i := range flat {
		flat[i] = 100
	}
	if got := Volatility(flat, 20); got != 0 {
		t.Fatalf("flat volatility = %v, want 0", got)
	}

	// Alternating ±1% moves have nonzero deviation.
	wavy := make([]float64, 25)
	wavy[0] = 100
	for i := 1; i < len(wavy); i++ {
		if i%2 == 1 {
			wavy[i] = wavy[i-1] * 1.01
		} else {
			wavy[i] = wavy[i-1] * 0.99
		}
	}
	if got := Volatility(wavy, 20); got <= 0 {
		t.Fatalf("wavy volatility = %v, want > 0", got)
	}
}

func TestSnapshotLevelLookup(t *testing.T) {
	snap := &Snapshot{FiboLevels: map[string]float64{"0.618": 50382}}
	if v, ok := snap.Level("0.618"); !ok || v != 50382 {
		t.Fatalf("Level lookup failed: %v %v", v, ok)
	}
	if _, ok := snap.Level("0.9"); ok {
		t.Fatal("unknown level must miss")
	}
}
