// Package risk computes drawdown and daily-loss verdicts per agent account.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// Verdict is the outcome of a risk check.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictBlock
	VerdictEmergencyClose
)

func (v Verdict) String() string {
	switch v {
	case VerdictBlock:
		return "block"
	case VerdictEmergencyClose:
		return "emergency_close"
	default:
		return "ok"
	}
}

// CheckResult carries the verdict and the numbers behind it.
type CheckResult struct {
	Verdict      Verdict
	Reason       string
	DrawdownPct  float64
	DailyLossPct float64
}

// ConfigProvider returns the current global risk limits.
type ConfigProvider func() types.RiskConfig

// Guard holds per-agent reference balances: the first equity seen this
// session and the first seen each calendar day. A day rollover wipes the
// day map and any blocked markers.
type Guard struct {
	mu     sync.Mutex
	logger *zap.Logger
	config ConfigProvider

	sessionStart map[string]float64
	dayStart     map[string]float64
	day          string
	blocked      map[string]bool

	now func() time.Time

	// OnVerdict fires for every non-OK verdict and every unblock.
	OnVerdict func(agentID string, result CheckResult)
}

// NewGuard creates a risk guard.
func NewGuard(logger *zap.Logger, config ConfigProvider) *Guard {
	return &Guard{
		logger:       logger.Named("risk"),
		config:       config,
		sessionStart: make(map[string]float64),
		dayStart:     make(map[string]float64),
		blocked:      make(map[string]bool),
		now:          time.Now,
	}
}

// Check evaluates the account against the configured limits and returns the
// verdict for this cycle.
func (g *Guard) Check(agentID string, account *types.AccountInfo) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked()

	if _, ok := g.sessionStart[agentID]; !ok {
		g.sessionStart[agentID] = account.Balance
	}
	if _, ok := g.dayStart[agentID]; !ok {
		g.dayStart[agentID] = account.Balance
	}

	cfg := g.config()
	equity := account.Equity
	result := CheckResult{Verdict: VerdictOK}

	if ref := g.sessionStart[agentID]; ref > 0 {
		result.DrawdownPct = (ref - equity) / ref * 100
	}
	if ref := g.dayStart[agentID]; ref > 0 {
		result.DailyLossPct = (ref - equity) / ref * 100
	}

	switch {
	case cfg.EmergencyClosePct > 0 && result.DrawdownPct >= cfg.EmergencyClosePct:
		result.Verdict = VerdictEmergencyClose
		result.Reason = fmt.Sprintf("drawdown %.2f%% >= emergency threshold %.2f%%", result.DrawdownPct, cfg.EmergencyClosePct)
		g.blocked[agentID] = true
	case cfg.MaxDrawdownPct > 0 && result.DrawdownPct >= cfg.MaxDrawdownPct:
		result.Verdict = VerdictBlock
		result.Reason = fmt.Sprintf("drawdown %.2f%% >= max %.2f%%", result.DrawdownPct, cfg.MaxDrawdownPct)
		g.blocked[agentID] = true
	case cfg.MaxDailyLossPct > 0 && result.DailyLossPct >= cfg.MaxDailyLossPct:
		result.Verdict = VerdictBlock
		result.Reason = fmt.Sprintf("daily loss %.2f%% >= max %.2f%%", result.DailyLossPct, cfg.MaxDailyLossPct)
		g.blocked[agentID] = true
	default:
		if g.blocked[agentID] {
			delete(g.blocked, agentID)
			g.logger.Info("Agent unblocked, risk back within limits",
				zap.String("agent", agentID),
				zap.Float64("drawdown_pct", result.DrawdownPct),
				zap.Float64("daily_loss_pct", result.DailyLossPct),
			)
			if g.OnVerdict != nil {
				g.OnVerdict(agentID, result)
			}
		}
		return result
	}

	g.logger.Warn("Risk limit hit",
		zap.String("agent", agentID),
		zap.String("verdict", result.Verdict.String()),
		zap.String("reason", result.Reason),
	)
	if g.OnVerdict != nil {
		g.OnVerdict(agentID, result)
	}
	return result
}

// rolloverLocked wipes day references and blocked markers when the UTC
// calendar day changes. Caller holds the lock.
func (g *Guard) rolloverLocked() {
	today := g.now().UTC().Format("2006-01-02")
	if g.day == today {
		return
	}
	if g.day != "" {
		g.logger.Info("Day rollover, resetting daily references",
			zap.String("from", g.day),
			zap.String("to", today),
		)
	}
	g.day = today
	g.dayStart = make(map[string]float64)
	g.blocked = make(map[string]bool)
}

// Blocked reports whether the agent is currently in the blocked set.
func (g *Guard) Blocked(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[agentID]
}

// Reset drops all reference balances, used when a fresh session starts.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionStart = make(map[string]float64)
	g.dayStart = make(map[string]float64)
	g.blocked = make(map[string]bool)
	g.day = ""
}
