package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestSessionRoundTrip(t *testing.T) {
	l := newTestLedger(t)

	if _, ok := l.Session(); ok {
		t.Fatal("expected no session in a fresh ledger")
	}

	l.SaveSession(types.Session{ID: "abc12345", Status: types.SessionActive, BalanceStart: 1000})
	sess, ok := l.Session()
	if !ok {
		t.Fatal("expected session after save")
	}
	if sess.ID != "abc12345" || sess.BalanceStart != 1000 {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestTicketsDedupAndClose(t *testing.T) {
	l := newTestLedger(t)

	ticket := types.Ticket{Ticket: 101, AgentID: "fibo1", Symbol: "BTCUSD", Direction: types.DirectionBuy, Status: types.TicketOpen}
	l.SaveTicket(ticket)
	l.SaveTicket(ticket)

	if got := len(l.Tickets()); got != 1 {
		t.Fatalf("expected 1 ticket after duplicate save, got %d", got)
	}

	if !l.MarkTicketClosed(101) {
		t.Fatal("expected MarkTicketClosed to find ticket 101")
	}
	if l.MarkTicketClosed(999) {
		t.Fatal("expected MarkTicketClosed to miss unknown ticket")
	}
	if l.Tickets()[0].Status != types.TicketClosed {
		t.Fatal("ticket 101 should be closed")
	}

	// Closing an already closed ticket still reports found.
	if !l.MarkTicketClosed(101) {
		t.Fatal("re-closing should report found")
	}
}

func TestAppendClosedTradesDedupAndOrder(t *testing.T) {
	l := newTestLedger(t)

	added := l.AppendClosedTrades("fibo1",
		types.ClosedTrade{PositionID: 1, Time: 100, Profit: 5},
		types.ClosedTrade{PositionID: 2, Time: 300, Profit: -2},
	)
	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}

	added = l.AppendClosedTrades("fibo1",
		types.ClosedTrade{PositionID: 1, Time: 100, Profit: 5},
		types.ClosedTrade{PositionID: 3, Time: 200, Profit: 1},
	)
	if added != 1 {
		t.Fatalf("expected 1 added on second merge, got %d", added)
	}

	trades := l.ClosedTrades("fibo1")
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(trades))
	}
	for i := 1; i < len(trades); i++ {
		if trades[i-1].Time < trades[i].Time {
			t.Fatalf("trades not sorted newest first: %v before %v", trades[i-1].Time, trades[i].Time)
		}
	}
}

func TestAdjustmentLogHeadInsertAndRing(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < maxAdjustments+10; i++ {
		l.AppendAdjustment(types.AdjustmentEntry{AgentID: "fibo1", Field: "tp_pct", NewValue: float64(i)})
	}

	entries := l.RecentAdjustments(0)
	if len(entries) != maxAdjustments {
		t.Fatalf("expected ring capped at %d, got %d", maxAdjustments, len(entries))
	}
	if entries[0].NewValue != float64(maxAdjustments+9) {
		t.Fatalf("expected newest entry first, got %v", entries[0].NewValue)
	}
	if got := len(l.RecentAdjustments(5)); got != 5 {
		t.Fatalf("expected limit 5, got %d", got)
	}
}

func TestDecisionLogRing(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < maxDecisions+5; i++ {
		l.LogDecision(types.Decision{AgentID: "fibo1", Action: "HOLD", Price: float64(i)})
	}
	decisions := l.Decisions(0)
	if len(decisions) != maxDecisions {
		t.Fatalf("expected %d decisions, got %d", maxDecisions, len(decisions))
	}
	if decisions[0].Price != float64(maxDecisions+4) {
		t.Fatalf("expected newest decision first, got %v", decisions[0].Price)
	}
}

func TestPerformanceHistoryTrim(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < maxPerformanceSamples+3; i++ {
		l.AppendPerformanceSamples(map[string]types.PerformanceSample{
			"fibo1": {ClosedPnL: float64(i)},
		})
	}
	history := l.PerformanceHistory()
	ring := history["fibo1"]
	if len(ring) != maxPerformanceSamples {
		t.Fatalf("expected %d samples, got %d", maxPerformanceSamples, len(ring))
	}
	// Tail-trimmed: the oldest samples fall off, the newest survives at the end.
	if ring[len(ring)-1].ClosedPnL != float64(maxPerformanceSamples+2) {
		t.Fatalf("expected newest sample last, got %v", ring[len(ring)-1].ClosedPnL)
	}
}

func TestResetSessionStatePreservesConfigAndHistory(t *testing.T) {
	l := newTestLedger(t)
	agents := []string{"fibo1"}

	l.SaveAgentConfigs(map[string]types.AgentConfig{"fibo1": types.DefaultAgentConfig("fibo1")})
	l.AppendClosedTrades("fibo1", types.ClosedTrade{PositionID: 1, Time: 1})
	l.SaveTicket(types.Ticket{Ticket: 1, AgentID: "fibo1", Status: types.TicketOpen})
	l.LogDecision(types.Decision{AgentID: "fibo1"})
	l.AppendAdjustment(types.AdjustmentEntry{AgentID: "fibo1"})
	if err := l.WriteArchive("old.txt", "report"); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	l.ResetSessionState(agents)

	if got := len(l.ClosedTrades("fibo1")); got != 0 {
		t.Fatalf("expected closed trades wiped, got %d", got)
	}
	if got := len(l.Tickets()); got != 0 {
		t.Fatalf("expected tickets wiped, got %d", got)
	}
	if got := len(l.Decisions(0)); got != 0 {
		t.Fatalf("expected decisions wiped, got %d", got)
	}
	if got := len(l.RecentAdjustments(0)); got != 0 {
		t.Fatalf("expected adjustments wiped, got %d", got)
	}
	if got := len(l.AgentConfigs()); got != 1 {
		t.Fatalf("expected agent configs preserved, got %d", got)
	}
	if _, err := os.Stat(filepath.Join(l.Dir(), "history", "old.txt")); err != nil {
		t.Fatalf("expected archive preserved: %v", err)
	}
}

func TestUpdateAgentConfig(t *testing.T) {
	l := newTestLedger(t)
	l.SaveAgentConfigs(map[string]types.AgentConfig{"fibo1": types.DefaultAgentConfig("fibo1")})

	if !l.UpdateAgentConfig("fibo1", func(c *types.AgentConfig) { c.Enabled = true }) {
		t.Fatal("expected update to find fibo1")
	}
	if l.UpdateAgentConfig("nope", func(c *types.AgentConfig) {}) {
		t.Fatal("expected update to miss unknown agent")
	}
	if !l.AgentConfigs()["fibo1"].Enabled {
		t.Fatal("mutation not persisted")
	}
}

func TestSelectedKey(t *testing.T) {
	l := newTestLedger(t)

	if _, ok := l.SelectedKey("fibo1"); ok {
		t.Fatal("expected no key in fresh ledger")
	}

	l.SaveAPIKeys(types.APIKeyFile{Keys: []types.APIKey{
		{ID: "k1", Key: "secret1", Model: "m1"},
		{ID: "k2", Key: "secret2", Model: "m2"},
	}})

	key, ok := l.SelectedKey("fibo1")
	if !ok || key.ID != "k1" {
		t.Fatalf("expected first key fallback, got %+v", key)
	}

	l.SaveAPISelections(types.APISelectionFile{Selections: map[string]string{"fibo1": "k2"}})
	key, ok = l.SelectedKey("fibo1")
	if !ok || key.ID != "k2" {
		t.Fatalf("expected selected key k2, got %+v", key)
	}
}

func TestMalformedFileTreatedAsEmpty(t *testing.T) {
	l := newTestLedger(t)
	path := filepath.Join(l.Dir(), "session_tickets.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := len(l.Tickets()); got != 0 {
		t.Fatalf("expected malformed file read as empty, got %d tickets", got)
	}
}
