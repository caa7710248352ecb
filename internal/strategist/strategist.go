// Package strategist analyzes closed-trade performance and re-parameterizes
// agents through bounded, rate-limited, direction-locked mutation.
package strategist

import (
	"time"

	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/internal/stats"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/g13-desktop/trading-engine/pkg/utils"
	"go.uber.org/zap"
)

// Agents need this many closed trades before any analysis fires.
const minTradesForAnalysis = 5

// Win-rate evaluation thresholds in percent.
const (
	winrateCritical  = 30.0
	winrateWarning   = 45.0
	winrateGood      = 55.0
	winrateExcellent = 70.0
)

// Profit-factor evaluation thresholds.
const (
	pfWarning = 1.0
	pfGood    = 1.5
)

// Suggestion types emitted by the rules fallback.
const (
	SuggestReduceTolerance   = "REDUCE_TOLERANCE"
	SuggestIncreaseTolerance = "INCREASE_TOLERANCE"
	SuggestIncreaseCooldown  = "INCREASE_COOLDOWN"
	SuggestReduceCooldown    = "REDUCE_COOLDOWN"
	SuggestAdjustTPSL        = "ADJUST_TPSL"
	SuggestRiskManagement    = "RISK_MANAGEMENT"
	SuggestIncreaseRisk      = "INCREASE_RISK"
)

// Suggestion is a symbolic adjustment proposal.
type Suggestion struct {
	Priority string `json:"priority"`
	Type     string `json:"type"`
	AgentID  string `json:"agent_id,omitempty"`
	Message  string `json:"message"`
}

// Analysis is the per-agent performance verdict.
type Analysis struct {
	Stats       types.Stats  `json:"stats"`
	Evaluation  string       `json:"evaluation"`
	Expectancy  float64      `json:"expectancy"`
	RequiredWR  float64      `json:"required_winrate"`
	Suggestions []Suggestion `json:"suggestions"`
}

// Summary is the dashboard digest over all agents.
type Summary struct {
	Status       string  `json:"status"`
	TotalTrades  int     `json:"total_trades"`
	TotalProfit  float64 `json:"total_profit"`
	WinRate      float64 `json:"recent_win_rate"`
	BestAgent    string  `json:"best_agent"`
	BestWinrate  float64 `json:"best_winrate"`
	WorstAgent   string  `json:"worst_agent"`
	WorstWinrate float64 `json:"worst_winrate"`
	Trend        string  `json:"trend"`
	UpdatedAt    string  `json:"updated_at"`
}

// Decider produces the strategist's exact-value proposal text.
type Decider interface {
	Decide(id, prompt, systemPrompt string, maxTokens int) (string, error)
}

// Strategist drives analysis and adjustment for all agents.
type Strategist struct {
	logger   *zap.Logger
	store    *ledger.Ledger
	decider  Decider
	agents   []string
	adjuster *AutoAdjust
}

// New creates a strategist. decider may be nil, in which case only the
// rules fallback runs.
func New(logger *zap.Logger, store *ledger.Ledger, dec Decider, agents []string) *Strategist {
	return &Strategist{
		logger:   logger.Named("strategist"),
		store:    store,
		decider:  dec,
		agents:   agents,
		adjuster: NewAutoAdjust(logger, store),
	}
}

// Adjuster exposes the auto-adjust engine for on-demand API calls.
func (s *Strategist) Adjuster() *AutoAdjust {
	return s.adjuster
}

// Analyze evaluates one agent's closed trades.
func (s *Strategist) Analyze(agentID string) Analysis {
	trades := s.store.ClosedTrades(agentID)
	if len(trades) < minTradesForAnalysis {
		return Analysis{Evaluation: "insufficient_data"}
	}

	st := stats.Calculate(trades)
	evaluation := evaluate(st)
	return Analysis{
		Stats:       st,
		Evaluation:  evaluation,
		Expectancy:  stats.Expectancy(st),
		RequiredWR:  stats.RequiredWinrate(st),
		Suggestions: suggest(agentID, st, evaluation),
	}
}

// AllAgentsAnalysis evaluates every configured agent.
func (s *Strategist) AllAgentsAnalysis() map[string]Analysis {
	out := make(map[string]Analysis, len(s.agents))
	for _, agentID := range s.agents {
		out[agentID] = s.Analyze(agentID)
	}
	return out
}

func evaluate(st types.Stats) string {
	switch {
	case st.Winrate < winrateCritical:
		return "critical"
	case st.Winrate < winrateWarning:
		return "warning"
	case st.Winrate >= winrateExcellent:
		return "excellent"
	case st.Winrate >= winrateGood:
		return "good"
	}
	switch {
	case st.ProfitFactor < pfWarning:
		return "warning"
	case st.ProfitFactor >= pfGood:
		return "good"
	}
	return "neutral"
}

func suggest(agentID string, st types.Stats, evaluation string) []Suggestion {
	var out []Suggestion

	if evaluation == "critical" {
		out = append(out, Suggestion{
			Priority: "high",
			Type:     SuggestReduceTolerance,
			AgentID:  agentID,
			Message:  "critical winrate, tighten the entry zone",
		})
	}
	if st.ProfitFactor < pfWarning && st.TotalTrades >= 10 {
		out = append(out, Suggestion{
			Priority: "high",
			Type:     SuggestAdjustTPSL,
			AgentID:  agentID,
			Message:  "losses exceed gains, rebalance TP/SL",
		})
	}
	avgLoss := st.AvgLoss
	if avgLoss < 0 {
		avgLoss = -avgLoss
	}
	if st.AvgWin > 0 && avgLoss > st.AvgWin*2 {
		out = append(out, Suggestion{
			Priority: "medium",
			Type:     SuggestRiskManagement,
			AgentID:  agentID,
			Message:  "average loss more than double the average win",
		})
	}
	if evaluation == "excellent" && st.TotalTrades >= 20 {
		out = append(out, Suggestion{
			Priority: "low",
			Type:     SuggestIncreaseRisk,
			AgentID:  agentID,
			Message:  "sustained excellent winrate, exposure can grow",
		})
	}
	return out
}

// QuickSummary aggregates all agents for the dashboard.
func (s *Strategist) QuickSummary() Summary {
	sum := Summary{
		Status:       "insufficient_data",
		WorstWinrate: 100,
		UpdatedAt:    utils.Timestamp(time.Now()),
	}

	totalWins := 0
	for _, agentID := range s.agents {
		st := stats.Calculate(s.store.ClosedTrades(agentID))
		sum.TotalTrades += st.TotalTrades
		sum.TotalProfit += st.TotalProfit
		totalWins += st.Wins

		if st.TotalTrades == 0 {
			continue
		}
		if st.Winrate > sum.BestWinrate {
			sum.BestWinrate = st.Winrate
			sum.BestAgent = agentID
		}
		if st.Winrate < sum.WorstWinrate {
			sum.WorstWinrate = st.Winrate
			sum.WorstAgent = agentID
		}
	}

	if sum.TotalTrades > 0 {
		sum.WinRate = utils.RoundTo(float64(totalWins)/float64(sum.TotalTrades)*100, 1)
	}
	sum.Trend = "up"
	if sum.TotalProfit < 0 {
		sum.Trend = "down"
	}
	if sum.TotalTrades >= minTradesForAnalysis {
		sum.Status = "ok"
	}
	sum.TotalProfit = utils.RoundTo(sum.TotalProfit, 2)
	return sum
}

// Run performs one full strategist pass: analysis, AI (or rules) proposal,
// guard-railed application. Returns the agents whose TP/SL percentages
// changed and therefore need a live-position rewrite.
func (s *Strategist) Run() []string {
	rules := s.AllAgentsAnalysis()
	configs := s.store.AgentConfigs()

	var needRewrite []string
	applyTargets := func(agentID string, targets map[string]float64, reason string) {
		cfg, ok := configs[agentID]
		if !ok || !cfg.IAAdjustEnabled {
			return
		}
		applied, tpslChanged := s.adjuster.ApplyExact(agentID, targets, reason)
		if len(applied) > 0 {
			s.logger.Info("Adjustments applied",
				zap.String("agent", agentID),
				zap.Int("count", len(applied)),
			)
		}
		if tpslChanged {
			needRewrite = append(needRewrite, agentID)
		}
	}

	if ai := s.analyzeWithAI(rules); ai != nil {
		switch ai.Format {
		case formatExactValues:
			for _, adj := range ai.Adjustments {
				applyTargets(adj.AgentID, adj.Params, adj.Reason)
			}
			return needRewrite
		case formatTypes:
			for agentID, suggestions := range groupByAgent(ai.Suggestions) {
				s.applySuggestions(agentID, suggestions, configs, &needRewrite)
			}
			return needRewrite
		}
	}

	// Rules fallback.
	for agentID, analysis := range rules {
		s.applySuggestions(agentID, analysis.Suggestions, configs, &needRewrite)
	}
	return needRewrite
}

func (s *Strategist) applySuggestions(agentID string, suggestions []Suggestion, configs map[string]types.AgentConfig, needRewrite *[]string) {
	if len(suggestions) == 0 {
		return
	}
	cfg, ok := configs[agentID]
	if !ok || !cfg.IAAdjustEnabled {
		return
	}
	if len(s.store.ClosedTrades(agentID)) < minTradesForAnalysis {
		return
	}
	_, tpslChanged := s.adjuster.ApplySuggestions(agentID, suggestions)
	if tpslChanged {
		*needRewrite = append(*needRewrite, agentID)
	}
}

func groupByAgent(suggestions []Suggestion) map[string][]Suggestion {
	out := make(map[string][]Suggestion)
	for _, sg := range suggestions {
		if sg.AgentID == "" {
			continue
		}
		out[sg.AgentID] = append(out[sg.AgentID], sg)
	}
	return out
}
