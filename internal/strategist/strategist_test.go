package strategist

import (
	"fmt"
	"strings"
	"testing"

	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

type fakeDecider struct {
	reply string
	err   error
}

func (f *fakeDecider) Decide(id, prompt, systemPrompt string, maxTokens int) (string, error) {
	return f.reply, f.err
}

func newTestStrategist(t *testing.T, dec Decider) (*Strategist, *ledger.Ledger) {
	t.Helper()
	store, err := ledger.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := types.DefaultAgentConfig("fibo1")
	cfg.IAAdjustEnabled = true
	store.SaveAgentConfigs(map[string]types.AgentConfig{"fibo1": cfg})
	return New(zap.NewNop(), store, dec, []string{"fibo1"}), store
}

func seedTrades(store *ledger.Ledger, agentID string, profits ...float64) {
	trades := make([]types.ClosedTrade, len(profits))
	for i, p := range profits {
		trades[i] = types.ClosedTrade{PositionID: int64(i + 1), Time: int64(i + 1), Profit: p}
	}
	store.AppendClosedTrades(agentID, trades...)
}

func TestStrategistPromptCarriesRecentAdjustments(t *testing.T) {
	s, store := newTestStrategist(t, nil)
	for i := 0; i < 25; i++ {
		store.AppendAdjustment(types.AdjustmentEntry{
			ID:        fmt.Sprintf("adj%04d", i),
			Timestamp: "2026-03-01T10:00:00Z",
			AgentID:   "fibo1",
			Field:     "tp_pct",
			OldValue:  0.3,
			NewValue:  0.35,
		})
	}

	prompt := s.buildStrategistPrompt(map[string]Analysis{
		"fibo1": {Evaluation: "insufficient_data"},
	})
	if !strings.Contains(prompt, "RECENT ADJUSTMENTS") {
		t.Fatal("prompt missing the adjustments section")
	}
	if got := strings.Count(prompt, " -> "); got != 20 {
		t.Fatalf("prompt carries %d adjustments, want the recent 20", got)
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name string
		st   types.Stats
		want string
	}{
		{"critical winrate", types.Stats{Winrate: 25}, "critical"},
		{"warning winrate", types.Stats{Winrate: 40}, "warning"},
		{"excellent winrate", types.Stats{Winrate: 75}, "excellent"},
		{"good winrate", types.Stats{Winrate: 60}, "good"},
		{"poor profit factor", types.Stats{Winrate: 50, ProfitFactor: 0.8}, "warning"},
		{"strong profit factor", types.Stats{Winrate: 50, ProfitFactor: 1.6}, "good"},
		{"middling", types.Stats{Winrate: 50, ProfitFactor: 1.2}, "neutral"},
	}
	for _, tc := range cases {
		if got := evaluate(tc.st); got != tc.want {
			t.Errorf("%s: evaluate = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSuggestRules(t *testing.T) {
	st := types.Stats{Winrate: 20, TotalTrades: 12, ProfitFactor: 0.5, AvgWin: 5, AvgLoss: -15}
	out := suggest("fibo1", st, "critical")

	seen := map[string]bool{}
	for _, sg := range out {
		seen[sg.Type] = true
		if sg.AgentID != "fibo1" {
			t.Fatalf("suggestion must carry the agent id: %+v", sg)
		}
	}
	if !seen[SuggestReduceTolerance] || !seen[SuggestAdjustTPSL] || !seen[SuggestRiskManagement] {
		t.Fatalf("expected tolerance, tp/sl and risk suggestions, got %v", seen)
	}

	st = types.Stats{Winrate: 75, TotalTrades: 25, ProfitFactor: 2, AvgWin: 10, AvgLoss: -5}
	out = suggest("fibo1", st, "excellent")
	if len(out) != 1 || out[0].Type != SuggestIncreaseRisk {
		t.Fatalf("excellent record should suggest more risk only, got %+v", out)
	}
}

func TestAnalyzeInsufficientData(t *testing.T) {
	s, store := newTestStrategist(t, nil)
	seedTrades(store, "fibo1", 1, -1, 2)

	if got := s.Analyze("fibo1").Evaluation; got != "insufficient_data" {
		t.Fatalf("3 trades must be insufficient, got %q", got)
	}
}

func TestQuickSummary(t *testing.T) {
	s, store := newTestStrategist(t, nil)
	s.agents = []string{"fibo1", "fibo2"}
	seedTrades(store, "fibo1", 5, 3, 4, -2)  // 75% winrate
	seedTrades(store, "fibo2", -3, -4, 1)    // 33.33% winrate

	sum := s.QuickSummary()
	if sum.Status != "ok" {
		t.Fatalf("7 trades should be enough, got %q", sum.Status)
	}
	if sum.TotalTrades != 7 {
		t.Fatalf("total trades = %d, want 7", sum.TotalTrades)
	}
	if sum.BestAgent != "fibo1" || sum.WorstAgent != "fibo2" {
		t.Fatalf("best/worst = %s/%s", sum.BestAgent, sum.WorstAgent)
	}
	if sum.TotalProfit != 4 || sum.Trend != "up" {
		t.Fatalf("profit/trend = %v/%s", sum.TotalProfit, sum.Trend)
	}
}

func TestParseAIResultExactValues(t *testing.T) {
	raw := "```json\n" +
		`{"format":"exact_values","analysis":"tighten","adjustments":[{"agent_id":"fibo1","params":{"tp_pct":0.4},"reason":"winners cut short"}]}` +
		"\n```"
	result, err := parseAIResult(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Format != formatExactValues || len(result.Adjustments) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Adjustments[0].Params["tp_pct"] != 0.4 {
		t.Fatalf("params lost: %+v", result.Adjustments[0])
	}
}

func TestParseAIResultTypes(t *testing.T) {
	raw := `prose before {"format":"types","suggestions":[{"priority":"high","type":"ADJUST_TPSL","agent_id":"fibo1","message":"rebalance"}]} prose after`
	result, err := parseAIResult(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Format != formatTypes || len(result.Suggestions) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestParseAIResultRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no json", "I would not change anything."},
		{"unknown format", `{"format":"prose","analysis":"x"}`},
		{"empty adjustments", `{"format":"exact_values","adjustments":[]}`},
		{"unknown param", `{"format":"exact_values","adjustments":[{"agent_id":"fibo1","params":{"leverage":50}}]}`},
		{"empty suggestions", `{"format":"types","suggestions":[]}`},
	}
	for _, tc := range cases {
		if _, err := parseAIResult(tc.raw); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestRunExactValuesFlagsRewrite(t *testing.T) {
	dec := &fakeDecider{reply: `{"format":"exact_values","adjustments":[{"agent_id":"fibo1","params":{"tp_pct":0.4},"reason":"let winners run"}]}`}
	s, store := newTestStrategist(t, dec)
	seedTrades(store, "fibo1", 1, 2, -1, 3, -2)

	needRewrite := s.Run()
	if len(needRewrite) != 1 || needRewrite[0] != "fibo1" {
		t.Fatalf("expected fibo1 flagged for rewrite, got %v", needRewrite)
	}
	if got := store.AgentConfigs()["fibo1"].TPSL.TPPct; got != 0.4 {
		t.Fatalf("tp = %v, want 0.4", got)
	}
}

func TestRunRulesFallback(t *testing.T) {
	dec := &fakeDecider{reply: "no structured output today"}
	s, store := newTestStrategist(t, dec)
	// Five straight losses: critical, tolerance gets tightened.
	seedTrades(store, "fibo1", -1, -2, -1, -3, -2)

	s.Run()
	if got := store.AgentConfigs()["fibo1"].FiboTolerancePct; got != 1.5 {
		t.Fatalf("tolerance = %v, want 1.5 after rules fallback", got)
	}
}

func TestRunRespectsIAAdjustDisabled(t *testing.T) {
	dec := &fakeDecider{reply: `{"format":"exact_values","adjustments":[{"agent_id":"fibo1","params":{"tp_pct":0.4},"reason":"x"}]}`}
	s, store := newTestStrategist(t, dec)
	store.UpdateAgentConfig("fibo1", func(c *types.AgentConfig) { c.IAAdjustEnabled = false })
	seedTrades(store, "fibo1", 1, 2, -1, 3, -2)

	if needRewrite := s.Run(); len(needRewrite) != 0 {
		t.Fatalf("disabled agent must not be rewritten, got %v", needRewrite)
	}
	if got := store.AgentConfigs()["fibo1"].TPSL.TPPct; got != 0.3 {
		t.Fatalf("tp = %v, want unchanged 0.3", got)
	}
}
