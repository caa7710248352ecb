// Package positions adjusts stop losses on open positions: trailing,
// break-even and winner-never-loser, under a strict monotonicity rule.
package positions

import (
	"github.com/g13-desktop/trading-engine/internal/broker"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/g13-desktop/trading-engine/pkg/utils"
	"go.uber.org/zap"
)

// Winner-never-loser fires once a position is up this much.
const winnerNeverLoserTriggerPct = 0.05

// Break-even style stops sit this fraction of the entry price beyond it,
// so the position cannot round-trip into a loss on the spread.
const breakEvenBufferFrac = 0.0002

// Manager runs SL adjustments over an agent's open positions. It must be
// invoked with the broker gate already held.
type Manager struct {
	logger *zap.Logger
	ops    *broker.Ops
}

// NewManager creates a position manager over the broker operations.
func NewManager(logger *zap.Logger, ops *broker.Ops) *Manager {
	return &Manager{
		logger: logger.Named("positions"),
		ops:    ops,
	}
}

// Manage walks the positions, computes each one's candidate SL and applies
// every candidate that survives the monotonicity rule. Returns how many
// positions were modified.
func (m *Manager) Manage(agentID string, positions []types.OpenPosition, tpsl types.TPSLConfig, winnerNeverLoser bool) int {
	modified := 0
	for _, pos := range positions {
		newSL, rule, ok := CandidateSL(pos, tpsl, winnerNeverLoser)
		if !ok {
			continue
		}

		changed, err := m.ops.ModifySLTP(pos, newSL, pos.TP)
		if err != nil {
			m.logger.Error("SL adjustment failed",
				zap.String("agent", agentID),
				zap.Int64("ticket", pos.Ticket),
				zap.String("rule", rule),
				zap.Error(err),
			)
			continue
		}
		if changed {
			m.logger.Info("SL adjusted",
				zap.String("agent", agentID),
				zap.Int64("ticket", pos.Ticket),
				zap.String("rule", rule),
				zap.Float64("old_sl", pos.SL),
				zap.Float64("new_sl", newSL),
				zap.Float64("gain_pct", utils.GainPct(pos.Type == string(types.DirectionBuy), pos.PriceOpen, pos.PriceCurrent)),
			)
			modified++
		}
	}
	return modified
}

// CandidateSL computes the SL a position should carry right now, using the
// first rule that fires: trailing, then break-even, then winner-never-loser.
// Candidates that would move the SL away from profit are discarded.
func CandidateSL(pos types.OpenPosition, tpsl types.TPSLConfig, winnerNeverLoser bool) (sl float64, rule string, ok bool) {
	isBuy := pos.Type == string(types.DirectionBuy)
	gain := utils.GainPct(isBuy, pos.PriceOpen, pos.PriceCurrent)

	var candidate float64
	switch {
	case tpsl.TrailingEnabled && gain >= tpsl.TrailingStartPct:
		distance := pos.PriceOpen * tpsl.TrailingDistancePct / 100
		if isBuy {
			candidate = pos.PriceCurrent - distance
		} else {
			candidate = pos.PriceCurrent + distance
		}
		rule = "trailing"
	case tpsl.BreakEvenEnabled && gain >= tpsl.BreakEvenPct:
		candidate = breakEvenSL(isBuy, pos.PriceOpen)
		rule = "break_even"
	case winnerNeverLoser && gain >= winnerNeverLoserTriggerPct:
		candidate = breakEvenSL(isBuy, pos.PriceOpen)
		rule = "winner_never_loser"
	default:
		return 0, "", false
	}

	if !Favorable(isBuy, pos.SL, candidate) {
		return 0, "", false
	}
	return candidate, rule, true
}

func breakEvenSL(isBuy bool, entry float64) float64 {
	buffer := entry * breakEvenBufferFrac
	if isBuy {
		return entry + buffer
	}
	return entry - buffer
}

// Favorable reports whether moving the SL from current to candidate is
// toward profit: strictly up for BUY, strictly down for SELL. An unset SELL
// SL (zero) accepts any candidate.
func Favorable(isBuy bool, current, candidate float64) bool {
	if isBuy {
		return candidate > current
	}
	return current == 0 || candidate < current
}
