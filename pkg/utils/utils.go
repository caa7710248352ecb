// Package utils provides utility functions for the trading engine.
package utils

import (
	"hash/fnv"
	"math"
	"time"
)

// Timestamp returns the canonical ledger timestamp format.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}

// Clamp constrains v to [min, max].
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// AgentMagic derives the stable magic number stamped on an agent's orders.
// Positions opened by this engine carry it alongside the comment tag.
func AgentMagic(agentID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return int64(h.Sum32()) % 1_000_000
}

// SnapVolume floors a raw volume to the symbol's volume step and clamps it
// to the broker's [min, max] range.
func SnapVolume(raw, step, min, max float64) float64 {
	v := raw
	if step > 0 {
		v = math.Floor(raw/step) * step
		// Counter float drift at the step boundary (0.30000000000000004 etc).
		v = RoundTo(v, 8)
	}
	if v < min {
		v = min
	}
	if max > 0 && v > max {
		v = max
	}
	return v
}

// GainPct computes the signed percentage gain of a position given its
// direction, entry and current price. BUY gains when price rises, SELL when
// it falls.
func GainPct(isBuy bool, entry, current float64) float64 {
	if entry == 0 {
		return 0
	}
	if isBuy {
		return (current - entry) / entry * 100
	}
	return (entry - current) / entry * 100
}
