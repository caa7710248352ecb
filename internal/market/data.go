// Package market builds the per-cycle market snapshot an agent decides on.
package market

import (
	"errors"
	"fmt"
	"math"

	"github.com/g13-desktop/trading-engine/internal/broker"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/g13-desktop/trading-engine/pkg/utils"
	"go.uber.org/zap"
)

// Window sizes. The fibo window covers the last 100 bars of the agent's
// timeframe; momentum uses a 5-bar lookback on M1 and M5 feeds; volatility
// is a 20-bar population std-dev of percent returns.
const (
	fiboWindow       = 100
	momentumPeriod   = 5
	momentumM1Bars   = 20
	momentumM5Bars   = 50
	volatilityPeriod = 20
	swingLookback    = 3

	emaFast = 20
	emaSlow = 50
	// EMA crossovers inside this band count as neutral.
	trendDeadZonePct = 0.05
)

// ErrNoData is returned when the terminal yields no candles or tick.
var ErrNoData = errors.New("market: no data")

// FiboRatios are the retracement ratios quoted in every snapshot.
var FiboRatios = []string{"0.236", "0.382", "0.5", "0.618", "0.786"}

// Snapshot is everything the decision phase needs, captured while the
// broker gate is held so the decide phase can run without it.
type Snapshot struct {
	Symbol       string             `json:"symbol"`
	Bid          float64            `json:"bid"`
	Ask          float64            `json:"ask"`
	Price        float64            `json:"price"`
	SpreadPoints float64            `json:"spread_points"`
	Trend        string             `json:"trend"`
	Momentum1m   float64            `json:"momentum_1m"`
	Momentum5m   float64            `json:"momentum_5m"`
	Volatility   float64            `json:"volatility_pct"`
	FiboHigh     float64            `json:"fibo_high"`
	FiboLow      float64            `json:"fibo_low"`
	FiboLevels   map[string]float64 `json:"fibo_levels"`
	Highs        []float64          `json:"-"`
	Lows         []float64          `json:"-"`
	Closes       []float64          `json:"-"`
}

// Level returns the price of a named fibonacci level.
func (s *Snapshot) Level(name string) (float64, bool) {
	v, ok := s.FiboLevels[name]
	return v, ok
}

// Reader builds snapshots from a terminal. Callers hold the broker gate.
type Reader struct {
	logger   *zap.Logger
	terminal broker.Terminal
}

// NewReader creates a snapshot reader.
func NewReader(logger *zap.Logger, terminal broker.Terminal) *Reader {
	return &Reader{
		logger:   logger.Named("market"),
		terminal: terminal,
	}
}

// Snapshot reads tick, symbol and candle data for the symbol and derives
// the indicator set.
func (r *Reader) Snapshot(symbol string, timeframe types.Timeframe) (*Snapshot, error) {
	tick, err := r.terminal.Tick(symbol)
	if err != nil || tick == nil {
		return nil, fmt.Errorf("%w: tick for %s", ErrNoData, symbol)
	}
	info, err := r.terminal.SymbolInfo(symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info for %s: %w", symbol, err)
	}

	main, err := r.terminal.CopyRates(symbol, timeframe, 0, fiboWindow)
	if err != nil || len(main) == 0 {
		return nil, fmt.Errorf("%w: %s %s candles", ErrNoData, symbol, timeframe)
	}

	snap := &Snapshot{
		Symbol:     symbol,
		Bid:        tick.Bid,
		Ask:        tick.Ask,
		Price:      tick.Bid,
		FiboLevels: make(map[string]float64),
	}
	if info.Point > 0 {
		snap.SpreadPoints = utils.RoundTo((tick.Ask-tick.Bid)/info.Point, 1)
	}

	snap.Highs = make([]float64, len(main))
	snap.Lows = make([]float64, len(main))
	snap.Closes = make([]float64, len(main))
	for i, c := range main {
		snap.Highs[i] = c.High
		snap.Lows[i] = c.Low
		snap.Closes[i] = c.Close
	}

	high, low := LastSwings(snap.Highs, snap.Lows, swingLookback)
	snap.FiboHigh = high
	snap.FiboLow = low
	for name, price := range FiboLevels(high, low) {
		snap.FiboLevels[name] = price
	}

	snap.Trend = DetectTrend(snap.Closes)

	// Momentum and volatility come from dedicated short feeds; their
	// absence degrades the snapshot instead of failing it.
	if m1, err := r.terminal.CopyRates(symbol, types.TimeframeM1, 0, momentumM1Bars); err == nil {
		snap.Momentum1m = Momentum(closesOf(m1), momentumPeriod)
	}
	if m5, err := r.terminal.CopyRates(symbol, types.TimeframeM5, 0, momentumM5Bars); err == nil {
		closes := closesOf(m5)
		snap.Momentum5m = Momentum(closes, momentumPeriod)
		snap.Volatility = Volatility(closes, volatilityPeriod)
	}

	return snap, nil
}

func closesOf(candles []types.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

// FiboLevels returns the retracement ladder between a swing high and low,
// including the "0" (high) and "1" (low) extremes.
func FiboLevels(high, low float64) map[string]float64 {
	diff := high - low
	levels := map[string]float64{
		"0": high,
		"1": low,
	}
	ratios := map[string]float64{
		"0.236": 0.236,
		"0.382": 0.382,
		"0.5":   0.5,
		"0.618": 0.618,
		"0.786": 0.786,
	}
	for name, r := range ratios {
		levels[name] = high - diff*r
	}
	return levels
}

// LastSwings finds the most recent swing high and swing low: a bar strictly
// more extreme than its lookback neighbors on both sides. When no swing
// exists the window max/min stand in.
func LastSwings(highs, lows []float64, lookback int) (swingHigh, swingLow float64) {
	n := len(highs)
	if n == 0 {
		return 0, 0
	}

	for i := n - 1 - lookback; i >= lookback; i-- {
		if swingHigh == 0 && isSwing(highs, i, lookback, true) {
			swingHigh = highs[i]
		}
		if swingLow == 0 && isSwing(lows, i, lookback, false) {
			swingLow = lows[i]
		}
		if swingHigh != 0 && swingLow != 0 {
			break
		}
	}

	if swingHigh == 0 {
		swingHigh = maxOf(highs)
	}
	if swingLow == 0 {
		swingLow = minOf(lows)
	}
	return swingHigh, swingLow
}

func isSwing(values []float64, i, lookback int, high bool) bool {
	for d := 1; d <= lookback; d++ {
		if high {
			if values[i] <= values[i-d] || values[i] <= values[i+d] {
				return false
			}
		} else {
			if values[i] >= values[i-d] || values[i] >= values[i+d] {
				return false
			}
		}
	}
	return true
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// DetectTrend compares EMA(20) to EMA(50) with a dead zone: inside the band
// the trend is neutral. Fewer than 50 closes is always neutral.
func DetectTrend(closes []float64) string {
	if len(closes) < emaSlow {
		return "neutral"
	}
	fast := EMA(closes, emaFast)
	slow := EMA(closes, emaSlow)
	band := slow * trendDeadZonePct / 100
	switch {
	case fast > slow+band:
		return "bullish"
	case fast < slow-band:
		return "bearish"
	default:
		return "neutral"
	}
}

// EMA computes an exponential moving average seeded with the SMA of the
// first period values.
func EMA(values []float64, period int) float64 {
	if len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	ema := sum / float64(period)
	multiplier := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
	}
	return ema
}

// Momentum is the percent change over the last period bars, three decimals.
func Momentum(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 0
	}
	ref := closes[len(closes)-1-period]
	if ref == 0 {
		return 0
	}
	return utils.RoundTo((closes[len(closes)-1]-ref)/ref*100, 3)
}

// Volatility is the population standard deviation of percent returns over
// the last period bars, two decimals.
func Volatility(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 0
	}
	window := closes[len(closes)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		if window[i-1] == 0 {
			continue
		}
		returns = append(returns, (window[i]-window[i-1])/window[i-1]*100)
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return utils.RoundTo(math.Sqrt(variance), 2)
}
