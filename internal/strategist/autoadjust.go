package strategist

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/internal/metrics"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/g13-desktop/trading-engine/pkg/utils"
	"go.uber.org/zap"
)

// Guard-rail limits for committed parameter mutations.
const (
	maxSLTPRatio  = 1.5
	maxChangePct  = 50.0
	directionLock = 4 * time.Hour

	minAdjustmentInterval = 15 * time.Minute
	maxAdjustmentsPerHour = 4

	// How far back the direction lock scans the adjustment log.
	directionLockScan = 50
)

// paramSpec bounds one tunable parameter.
type paramSpec struct {
	min      float64
	max      float64
	decimals int
}

var paramSpecs = map[string]paramSpec{
	"fibo_tolerance_pct": {min: 0.5, max: 5.0, decimals: 2},
	"cooldown_seconds":   {min: 60, max: 600, decimals: 0},
	"position_size_pct":  {min: 0.005, max: 0.05, decimals: 4},
	"tp_pct":             {min: 0.1, max: 1.0, decimals: 3},
	"sl_pct":             {min: 0.2, max: 1.0, decimals: 3},
}

// Fixed steps for the symbolic suggestion types.
const (
	stepTolerance    = 0.5
	stepCooldown     = 30.0
	stepTPSL         = 0.05
	stepPositionSize = 0.005
)

// AutoAdjust commits parameter changes through the guard-rail pipeline:
// TP/SL ratio clamp, bounds clamp, amplitude limit, direction lock and
// per-agent rate limits.
type AutoAdjust struct {
	logger *zap.Logger
	store  *ledger.Ledger

	mu             sync.Mutex
	lastAdjustment map[string]time.Time

	now func() time.Time
}

// NewAutoAdjust creates the adjustment engine.
func NewAutoAdjust(logger *zap.Logger, store *ledger.Ledger) *AutoAdjust {
	return &AutoAdjust{
		logger:         logger.Named("autoadjust"),
		store:          store,
		lastAdjustment: map[string]time.Time{},
		now:            time.Now,
	}
}

// ApplyExact applies a batch of exact target values to one agent. Every
// value passes the full guard pipeline; a rate-limit violation drops the
// whole batch. Returns the committed entries and whether tp_pct or sl_pct
// changed (live positions then need their SL/TP rewritten).
func (a *AutoAdjust) ApplyExact(agentID string, targets map[string]float64, reason string) ([]types.AdjustmentEntry, bool) {
	if len(targets) == 0 {
		return nil, false
	}

	cfg, ok := a.store.AgentConfigs()[agentID]
	if !ok {
		a.logger.Warn("Adjustment for unknown agent dropped", zap.String("agent", agentID))
		return nil, false
	}
	if !a.rateLimitOK(agentID) {
		a.logger.Warn("Adjustment batch dropped by rate limit", zap.String("agent", agentID))
		return nil, false
	}

	// The ratio guard needs the batch view: clamp the proposed SL against
	// the proposed (or current) TP before anything else.
	if sl, hasSL := targets["sl_pct"]; hasSL {
		tp := cfg.TPSL.TPPct
		if v, hasTP := targets["tp_pct"]; hasTP {
			tp = v
		}
		if limit := tp * maxSLTPRatio; sl > limit {
			targets["sl_pct"] = limit
		}
	}

	changes := map[string]float64{}
	var entries []types.AdjustmentEntry
	tpslChanged := false

	for field, target := range targets {
		spec, known := paramSpecs[field]
		if !known {
			a.logger.Warn("Unknown parameter in adjustment, skipped",
				zap.String("agent", agentID), zap.String("field", field))
			continue
		}
		current, _ := paramValue(cfg, field)

		value := utils.RoundTo(utils.Clamp(target, spec.min, spec.max), spec.decimals)

		// Amplitude guard: a single step may move a parameter by at most
		// half its current value.
		if current != 0 {
			maxDelta := math.Abs(current) * maxChangePct / 100
			if math.Abs(value-current) > maxDelta {
				if value > current {
					value = current + maxDelta
				} else {
					value = current - maxDelta
				}
				value = utils.RoundTo(utils.Clamp(value, spec.min, spec.max), spec.decimals)
			}
		}

		if value == current {
			continue
		}
		if a.directionLocked(agentID, field, value-current) {
			a.logger.Info("Adjustment blocked by direction lock",
				zap.String("agent", agentID),
				zap.String("field", field),
				zap.Float64("proposed", value),
			)
			continue
		}

		changes[field] = value
		entries = append(entries, types.AdjustmentEntry{
			ID:        uuid.NewString()[:8],
			Timestamp: utils.Timestamp(a.now()),
			AgentID:   agentID,
			Type:      "exact",
			Field:     field,
			OldValue:  current,
			NewValue:  value,
			Reason:    reason,
		})
		if field == "tp_pct" || field == "sl_pct" {
			tpslChanged = true
		}
	}

	if len(changes) == 0 {
		return nil, false
	}

	a.store.UpdateAgentConfig(agentID, func(c *types.AgentConfig) {
		for field, value := range changes {
			setParam(c, field, value)
		}
	})
	for _, entry := range entries {
		a.store.AppendAdjustment(entry)
		metrics.AdjustmentsTotal.WithLabelValues(agentID, entry.Field).Inc()
		a.logger.Info("Parameter adjusted",
			zap.String("agent", agentID),
			zap.String("field", entry.Field),
			zap.Float64("old", entry.OldValue),
			zap.Float64("new", entry.NewValue),
		)
	}

	a.mu.Lock()
	a.lastAdjustment[agentID] = a.now()
	a.mu.Unlock()
	return entries, tpslChanged
}

// ApplySuggestions translates symbolic suggestion types into fixed-step
// exact targets and funnels them through ApplyExact.
func (a *AutoAdjust) ApplySuggestions(agentID string, suggestions []Suggestion) ([]types.AdjustmentEntry, bool) {
	cfg, ok := a.store.AgentConfigs()[agentID]
	if !ok {
		return nil, false
	}

	targets := map[string]float64{}
	reason := ""
	for _, sg := range suggestions {
		switch sg.Type {
		case SuggestReduceTolerance:
			targets["fibo_tolerance_pct"] = cfg.FiboTolerancePct - stepTolerance
		case SuggestIncreaseTolerance:
			targets["fibo_tolerance_pct"] = cfg.FiboTolerancePct + stepTolerance
		case SuggestIncreaseCooldown:
			targets["cooldown_seconds"] = float64(cfg.CooldownSeconds) + stepCooldown
		case SuggestReduceCooldown:
			targets["cooldown_seconds"] = float64(cfg.CooldownSeconds) - stepCooldown
		case SuggestAdjustTPSL:
			targets["tp_pct"] = cfg.TPSL.TPPct + stepTPSL
			targets["sl_pct"] = cfg.TPSL.SLPct - stepTPSL
		case SuggestRiskManagement:
			targets["sl_pct"] = cfg.TPSL.SLPct - stepTPSL
		case SuggestIncreaseRisk:
			targets["position_size_pct"] = cfg.PositionSizePct + stepPositionSize
		default:
			continue
		}
		if reason == "" {
			reason = sg.Message
		}
	}
	return a.ApplyExact(agentID, targets, reason)
}

// rateLimitOK enforces the minimum interval and the rolling-hour cap.
func (a *AutoAdjust) rateLimitOK(agentID string) bool {
	now := a.now()

	a.mu.Lock()
	last, seen := a.lastAdjustment[agentID]
	a.mu.Unlock()
	if seen && now.Sub(last) < minAdjustmentInterval {
		return false
	}

	count := 0
	for _, entry := range a.store.RecentAdjustments(0) {
		if entry.AgentID != agentID {
			continue
		}
		ts, err := time.Parse(time.RFC3339, entry.Timestamp)
		if err != nil {
			continue
		}
		if !seen && now.Sub(ts) < minAdjustmentInterval {
			return false
		}
		if now.Sub(ts) < time.Hour {
			count++
			if count >= maxAdjustmentsPerHour {
				return false
			}
		}
	}
	return true
}

// directionLocked reports whether the same field moved the opposite way
// within the lock window. Oscillating tuning is worse than no tuning.
func (a *AutoAdjust) directionLocked(agentID, field string, delta float64) bool {
	now := a.now()
	for _, entry := range a.store.RecentAdjustments(directionLockScan) {
		if entry.AgentID != agentID {
			continue
		}
		if entry.Field != field && entry.Field != "tpsl_config."+field {
			continue
		}
		ts, err := time.Parse(time.RFC3339, entry.Timestamp)
		if err != nil || now.Sub(ts) >= directionLock {
			continue
		}
		prev := entry.NewValue - entry.OldValue
		if prev*delta < 0 {
			return true
		}
	}
	return false
}

// paramValue reads one tunable parameter off an agent config.
func paramValue(cfg types.AgentConfig, field string) (float64, bool) {
	switch field {
	case "fibo_tolerance_pct":
		return cfg.FiboTolerancePct, true
	case "cooldown_seconds":
		return float64(cfg.CooldownSeconds), true
	case "position_size_pct":
		return cfg.PositionSizePct, true
	case "tp_pct":
		return cfg.TPSL.TPPct, true
	case "sl_pct":
		return cfg.TPSL.SLPct, true
	}
	return 0, false
}

func setParam(cfg *types.AgentConfig, field string, value float64) {
	switch field {
	case "fibo_tolerance_pct":
		cfg.FiboTolerancePct = value
	case "cooldown_seconds":
		cfg.CooldownSeconds = int(value)
	case "position_size_pct":
		cfg.PositionSizePct = value
	case "tp_pct":
		cfg.TPSL.TPPct = value
	case "sl_pct":
		cfg.TPSL.SLPct = value
	}
}
