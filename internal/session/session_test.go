package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, now *time.Time) (*Manager, *ledger.Ledger) {
	t.Helper()
	store, err := ledger.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := NewManager(zap.NewNop(), store, []string{"fibo1"})
	m.now = func() time.Time { return *now }
	return m, store
}

func archiveCount(t *testing.T, store *ledger.Ledger) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(store.Dir(), "history"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}

func TestStartFresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now)

	sess, resumed := m.Start(1000, false)
	if resumed {
		t.Fatal("fresh start must not report resumed")
	}
	if len(sess.ID) != 8 {
		t.Fatalf("session id should be 8 chars, got %q", sess.ID)
	}
	if sess.Status != types.SessionActive || sess.BalanceStart != 1000 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !m.Active() {
		t.Fatal("manager should report active")
	}
}

func TestStartResumesActiveSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now)

	first, _ := m.Start(0, false)
	second, resumed := m.Start(1200, false)
	if !resumed {
		t.Fatal("second start must resume")
	}
	if second.ID != first.ID {
		t.Fatalf("resume changed the session id: %s -> %s", first.ID, second.ID)
	}
	if second.BalanceStart != 1200 {
		t.Fatalf("zero start balance should be patched, got %v", second.BalanceStart)
	}
}

func TestForceNewArchivesAndResets(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, &now)

	first, _ := m.Start(1000, false)
	store.AppendClosedTrades("fibo1", types.ClosedTrade{PositionID: 1, Time: 1, Profit: 7})

	now = now.Add(time.Hour)
	second, resumed := m.Start(1007, true)
	if resumed || second.ID == first.ID {
		t.Fatalf("force-new must open a fresh session, got %+v resumed=%v", second, resumed)
	}
	if got := archiveCount(t, store); got != 1 {
		t.Fatalf("expected one archive, got %d", got)
	}
	if got := len(store.ClosedTrades("fibo1")); got != 0 {
		t.Fatalf("session state should be reset, %d trades remain", got)
	}
}

func TestForceNewSkipsEmptySession(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, &now)

	m.Start(1000, false)
	m.Start(1000, true)
	if got := archiveCount(t, store); got != 0 {
		t.Fatalf("an empty session must not be archived, got %d files", got)
	}
}

func TestEndArchivesAndStops(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, &now)

	m.Start(1000, false)
	store.AppendClosedTrades("fibo1", types.ClosedTrade{PositionID: 1, Time: 1, Profit: 12.5})

	now = now.Add(2 * time.Hour)
	sess, err := m.End(1012.5)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if sess.Status != types.SessionStopped {
		t.Fatalf("status = %s, want stopped", sess.Status)
	}
	if sess.Profit != 12.5 {
		t.Fatalf("profit = %v, want 12.5", sess.Profit)
	}
	if m.Active() {
		t.Fatal("manager must report inactive after End")
	}

	entries, err := os.ReadDir(filepath.Join(store.Dir(), "history"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one archive, got %v (%v)", entries, err)
	}
	name := entries[0].Name()
	if !strings.Contains(name, "2026-03-01_12h00") || !strings.Contains(name, "+12.50$") {
		t.Fatalf("unexpected archive filename %q", name)
	}
}

func TestEndWithoutActiveSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now)

	if _, err := m.End(1000); err != ErrNoActiveSession {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	m.Start(1000, false)
	if _, err := m.End(1000); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := m.End(1000); err != ErrNoActiveSession {
		t.Fatalf("double End must fail, got %v", err)
	}
}

func TestPlainStartAfterEndKeepsLedgers(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, &now)

	first, _ := m.Start(1000, false)
	store.AppendClosedTrades("fibo1", types.ClosedTrade{PositionID: 1, Time: 1, Profit: 7})
	if _, err := m.End(1007); err != nil {
		t.Fatalf("End: %v", err)
	}

	now = now.Add(time.Hour)
	sess, resumed := m.Start(1007, false)
	if resumed || sess.ID == first.ID {
		t.Fatalf("start over a stopped session must open a fresh one, got %+v resumed=%v", sess, resumed)
	}
	if sess.Status != types.SessionActive {
		t.Fatalf("status = %s, want active", sess.Status)
	}
	if got := len(store.ClosedTrades("fibo1")); got != 1 {
		t.Fatalf("plain start must keep the ledgers, got %d trades", got)
	}
	if got := archiveCount(t, store); got != 1 {
		t.Fatalf("plain start must not write an archive, got %d", got)
	}
}

func TestNoReArchiveAfterEnd(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, &now)

	m.Start(1000, false)
	store.AppendClosedTrades("fibo1", types.ClosedTrade{PositionID: 1, Time: 1, Profit: 3})
	if _, err := m.End(1003); err != nil {
		t.Fatalf("End: %v", err)
	}

	// The stopped session was archived by End; force-new must not write a
	// second report for it.
	now = now.Add(time.Hour)
	m.Start(1003, true)
	if got := archiveCount(t, store); got != 1 {
		t.Fatalf("expected a single archive, got %d", got)
	}
}

func TestBuildReportSections(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, &now)

	sess, _ := m.Start(1000, false)
	store.AppendClosedTrades("fibo1", types.ClosedTrade{PositionID: 1, Time: 1, Profit: 5, Symbol: "BTCUSD"})
	store.LogDecision(types.Decision{AgentID: "fibo1", Action: "BUY", Reason: "zone touch", Executed: true})

	sess.EndTime = now.Add(time.Hour).Format(time.RFC3339)
	report := BuildReport(store, []string{"fibo1"}, sess)

	for _, want := range []string{
		"TRADING SESSION REPORT",
		"AGENT SUMMARY",
		"AI DECISIONS",
		"Duration:       1h0m0s",
		"fibo1",
		"[executed]",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}
