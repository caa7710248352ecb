package strategist

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/g13-desktop/trading-engine/internal/decider"
	"go.uber.org/zap"
)

// AI proposal formats.
const (
	formatExactValues = "exact_values"
	formatTypes       = "types"
)

// ExactAdjustment is one agent's proposed target values.
type ExactAdjustment struct {
	AgentID string             `json:"agent_id"`
	Params  map[string]float64 `json:"params"`
	Reason  string             `json:"reason"`
}

// aiResult is the parsed strategist proposal.
type aiResult struct {
	Format      string            `json:"format"`
	Analysis    string            `json:"analysis"`
	Adjustments []ExactAdjustment `json:"adjustments"`
	Suggestions []Suggestion      `json:"suggestions"`
}

// analyzeWithAI asks the decider for a portfolio-level proposal. Returns nil
// when no decider is wired, the call fails or the reply does not parse; the
// caller then falls back to the rules engine.
func (s *Strategist) analyzeWithAI(rules map[string]Analysis) *aiResult {
	if s.decider == nil {
		return nil
	}

	prompt := s.buildStrategistPrompt(rules)
	raw, err := s.decider.Decide("strategist", prompt, strategistSystemPrompt, decider.StrategistMaxTokens)
	if err != nil {
		s.logger.Warn("Strategist decider unavailable, using rules", zap.Error(err))
		return nil
	}

	result, err := parseAIResult(raw)
	if err != nil {
		s.logger.Warn("Strategist reply did not parse, using rules", zap.Error(err))
		return nil
	}
	s.logger.Info("Strategist proposal received",
		zap.String("format", result.Format),
		zap.Int("adjustments", len(result.Adjustments)),
		zap.Int("suggestions", len(result.Suggestions)),
	)
	return result
}

const strategistSystemPrompt = `You are the head strategist supervising several scalping agents.
You receive each agent's performance statistics, current parameters and recent adjustments.
Propose parameter changes only where the data justifies them. Small, incremental moves.
Reply with a single JSON object, no prose around it, in one of two formats:
{"format":"exact_values","analysis":"<short text>","adjustments":[{"agent_id":"<id>","params":{"<param>":<value>},"reason":"<short text>"}]}
{"format":"types","analysis":"<short text>","suggestions":[{"priority":"high|medium|low","type":"<TYPE>","agent_id":"<id>","message":"<short text>"}]}
Tunable params and bounds: fibo_tolerance_pct [0.5,5.0], cooldown_seconds [60,600], tp_pct [0.1,1.0], sl_pct [0.2,1.0], position_size_pct [0.005,0.05].
Suggestion types: REDUCE_TOLERANCE, INCREASE_TOLERANCE, INCREASE_COOLDOWN, REDUCE_COOLDOWN, ADJUST_TPSL, RISK_MANAGEMENT, INCREASE_RISK.`

func (s *Strategist) buildStrategistPrompt(rules map[string]Analysis) string {
	configs := s.store.AgentConfigs()

	agents := make([]string, 0, len(rules))
	for agentID := range rules {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)

	var b strings.Builder
	b.WriteString("PORTFOLIO REVIEW\n\n")
	for _, agentID := range agents {
		analysis := rules[agentID]
		fmt.Fprintf(&b, "AGENT %s (%s)\n", agentID, analysis.Evaluation)
		if analysis.Evaluation == "insufficient_data" {
			b.WriteString("- fewer than 5 closed trades, skip\n\n")
			continue
		}
		st := analysis.Stats
		fmt.Fprintf(&b, "- trades %d, winrate %.1f%%, profit %.2f, profit factor %.2f\n",
			st.TotalTrades, st.Winrate, st.TotalProfit, st.ProfitFactor)
		fmt.Fprintf(&b, "- avg win %.2f / avg loss %.2f, expectancy %.2f, required winrate %.1f%%\n",
			st.AvgWin, st.AvgLoss, analysis.Expectancy, analysis.RequiredWR)
		if cfg, ok := configs[agentID]; ok {
			fmt.Fprintf(&b, "- params: tolerance %.2f%%, cooldown %ds, size %.4f, tp %.3f%%, sl %.3f%%\n",
				cfg.FiboTolerancePct, cfg.CooldownSeconds, cfg.PositionSizePct,
				cfg.TPSL.TPPct, cfg.TPSL.SLPct)
		}
		b.WriteString("\n")
	}

	recent := s.store.RecentAdjustments(20)
	if len(recent) > 0 {
		b.WriteString("RECENT ADJUSTMENTS\n")
		for _, entry := range recent {
			fmt.Fprintf(&b, "- %s %s %s: %.4f -> %.4f\n",
				entry.Timestamp, entry.AgentID, entry.Field, entry.OldValue, entry.NewValue)
		}
		b.WriteString("\n")
	}

	b.WriteString("Reply with the JSON object now.")
	return b.String()
}

// parseAIResult extracts the JSON object from a completion that may wrap it
// in markdown fences or prose.
func parseAIResult(raw string) (*aiResult, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}

	var result aiResult
	if err := json.Unmarshal([]byte(raw[start:end+1]), &result); err != nil {
		return nil, err
	}
	switch result.Format {
	case formatExactValues:
		if len(result.Adjustments) == 0 {
			return nil, fmt.Errorf("exact_values reply without adjustments")
		}
		for _, adj := range result.Adjustments {
			for param := range adj.Params {
				if _, known := paramSpecs[param]; !known {
					return nil, fmt.Errorf("unknown parameter %q", param)
				}
			}
		}
	case formatTypes:
		if len(result.Suggestions) == 0 {
			return nil, fmt.Errorf("types reply without suggestions")
		}
	default:
		return nil, fmt.Errorf("unknown format %q", result.Format)
	}
	return &result, nil
}
