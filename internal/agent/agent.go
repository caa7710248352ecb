// Package agent implements the per-account Fibonacci strategy agent.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/g13-desktop/trading-engine/internal/decider"
	"github.com/g13-desktop/trading-engine/internal/market"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/g13-desktop/trading-engine/pkg/utils"
	"go.uber.org/zap"
)

// Decider produces the BUY/SELL/HOLD call for a prompt pair.
type Decider interface {
	Decide(id, prompt, systemPrompt string, maxTokens int) (string, error)
}

// DecisionLog records every decider outcome, executed or not.
type DecisionLog interface {
	LogDecision(d types.Decision)
}

// ConfigProvider returns the agent's current configuration. Consulted every
// cycle so dashboard edits apply without restart.
type ConfigProvider func() types.AgentConfig

// Agent holds the mutable per-agent trading state. One instance per
// configured account, all driven by the single loop worker.
type Agent struct {
	mu     sync.Mutex
	logger *zap.Logger

	id        string
	config    ConfigProvider
	decider   Decider
	decisions DecisionLog

	lastTradeTime time.Time
	openPositions int

	now func() time.Time
}

// New creates an agent.
func New(logger *zap.Logger, id string, config ConfigProvider, dec Decider, decisions DecisionLog) *Agent {
	return &Agent{
		logger:    logger.Named("agent." + id),
		id:        id,
		config:    config,
		decider:   dec,
		decisions: decisions,
		now:       time.Now,
	}
}

// ID returns the agent identifier.
func (a *Agent) ID() string {
	return a.id
}

// Config returns the agent's current configuration.
func (a *Agent) Config() types.AgentConfig {
	return a.config()
}

// SetOpenPositions updates the derived open-position count after a sync.
func (a *Agent) SetOpenPositions(n int) {
	a.mu.Lock()
	a.openPositions = n
	a.mu.Unlock()
}

// CanTrade reports whether the agent may open a new position: enabled,
// below its position cap and past its cooldown.
func (a *Agent) CanTrade() (bool, string) {
	cfg := a.config()
	if !cfg.Enabled {
		return false, "disabled"
	}

	a.mu.Lock()
	open := a.openPositions
	last := a.lastTradeTime
	a.mu.Unlock()

	if open >= cfg.MaxPositions {
		return false, fmt.Sprintf("max positions reached (%d/%d)", open, cfg.MaxPositions)
	}
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if !last.IsZero() && a.now().Sub(last) < cooldown {
		remaining := cooldown - a.now().Sub(last)
		return false, fmt.Sprintf("cooldown (%.0fs remaining)", remaining.Seconds())
	}
	return true, ""
}

// InKillzone reports whether the UTC wall clock sits inside the agent's
// allowed trading window. A disabled killzone always passes; a window whose
// end precedes its start wraps across midnight.
func (a *Agent) InKillzone(now time.Time) bool {
	cfg := a.config()
	if !cfg.KillzoneEnabled {
		return true
	}
	return inWindow(now.UTC().Format("15:04"), cfg.KillzoneStart, cfg.KillzoneEnd)
}

func inWindow(now, start, end string) bool {
	if start == "" || end == "" {
		return true
	}
	if start <= end {
		return now >= start && now < end
	}
	// Wrap-around window, e.g. 22:00-06:00.
	return now >= start || now < end
}

// ShouldOpenTrade runs the decision pipeline over a market snapshot and
// returns a trade signal when the decider says BUY or SELL. The decision is
// logged regardless of outcome; decider failures degrade to HOLD.
func (a *Agent) ShouldOpenTrade(snap *market.Snapshot, ctx PromptContext) *types.TradeSignal {
	cfg := a.config()

	if cfg.TPSL.SpreadCheckEnabled && snap.SpreadPoints > cfg.TPSL.MaxSpreadPoints {
		a.logger.Debug("Spread too wide, skipping decision",
			zap.Float64("spread_points", snap.SpreadPoints),
			zap.Float64("max", cfg.TPSL.MaxSpreadPoints),
		)
		return nil
	}

	a.mu.Lock()
	ctx.OpenPositions = a.openPositions
	a.mu.Unlock()
	ctx.MaxPositions = cfg.MaxPositions

	prompt := BuildPrompt(cfg, snap, ctx)
	system := BuildSystemPrompt(cfg)

	var parsed decider.Parsed
	raw, err := a.decider.Decide(a.id, prompt, system, decider.AgentMaxTokens)
	if err != nil {
		a.logger.Warn("Decider unavailable, holding", zap.Error(err))
		parsed = decider.Parsed{Action: types.DirectionHold, Reason: "decider error: " + err.Error(), Confidence: 0}
	} else {
		parsed = decider.Parse(raw)
	}

	a.decisions.LogDecision(types.Decision{
		Timestamp: utils.Timestamp(a.now()),
		AgentID:   a.id,
		Action:    string(parsed.Action),
		Reason:    parsed.Reason,
		Price:     snap.Price,
		Executed:  false,
	})

	if parsed.Action == types.DirectionHold {
		return nil
	}

	entry := snap.Ask
	if parsed.Action == types.DirectionSell {
		entry = snap.Bid
	}
	sl, tp := TargetLevels(parsed.Action, entry, cfg.TPSL)

	a.logger.Info("Trade signal",
		zap.String("direction", string(parsed.Action)),
		zap.Float64("entry", entry),
		zap.Float64("sl", sl),
		zap.Float64("tp", tp),
		zap.Int("confidence", parsed.Confidence),
	)
	return &types.TradeSignal{
		AgentID:    a.id,
		Symbol:     cfg.Symbol,
		Direction:  parsed.Action,
		EntryPrice: entry,
		SL:         sl,
		TP:         tp,
		Reason:     parsed.Reason,
		Confidence: parsed.Confidence,
	}
}

// TargetLevels derives SL and TP prices from the configured percentages.
func TargetLevels(direction types.Direction, entry float64, tpsl types.TPSLConfig) (sl, tp float64) {
	if direction == types.DirectionBuy {
		return entry * (1 - tpsl.SLPct/100), entry * (1 + tpsl.TPPct/100)
	}
	return entry * (1 + tpsl.SLPct/100), entry * (1 - tpsl.TPPct/100)
}

// MarkExecuted stamps the cooldown clock after a successful open.
func (a *Agent) MarkExecuted() {
	a.mu.Lock()
	a.lastTradeTime = a.now()
	a.mu.Unlock()
}

// LastTradeTime returns when the agent last opened a trade.
func (a *Agent) LastTradeTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTradeTime
}
