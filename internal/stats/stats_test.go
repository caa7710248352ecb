package stats

import (
	"testing"

	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

func TestCalculateEmpty(t *testing.T) {
	s := Calculate(nil)
	if s.TotalTrades != 0 || s.Winrate != 0 || s.ProfitFactor != 0 {
		t.Fatalf("empty input must yield zero stats: %+v", s)
	}
}

func TestCalculateNumbers(t *testing.T) {
	trades := []types.ClosedTrade{
		{Profit: 10},
		{Profit: 20},
		{Profit: -5},
		{Profit: -15},
		{Profit: 0},
		{Profit: 30},
	}
	s := Calculate(trades)

	if s.TotalTrades != 6 || s.Wins != 3 || s.Losses != 2 || s.Breakeven != 1 {
		t.Fatalf("counts wrong: %+v", s)
	}
	if s.TotalProfit != 40 {
		t.Fatalf("total profit = %v, want 40", s.TotalProfit)
	}
	if s.Winrate != 50 {
		t.Fatalf("winrate = %v, want 50", s.Winrate)
	}
	if s.AvgWin != 20 {
		t.Fatalf("avg win = %v, want 20", s.AvgWin)
	}
	if s.AvgLoss != -10 {
		t.Fatalf("avg loss = %v, want -10", s.AvgLoss)
	}
	if s.ProfitFactor != 3 {
		t.Fatalf("profit factor = %v, want 3", s.ProfitFactor)
	}
	if s.RiskReward != 2 {
		t.Fatalf("risk/reward = %v, want 2", s.RiskReward)
	}
	if s.BestTrade != 30 || s.WorstTrade != -15 {
		t.Fatalf("best/worst = %v/%v, want 30/-15", s.BestTrade, s.WorstTrade)
	}
}

func TestCalculateWinrateRounding(t *testing.T) {
	trades := []types.ClosedTrade{{Profit: 1}, {Profit: -1}, {Profit: -1}}
	s := Calculate(trades)
	if s.Winrate != 33.33 {
		t.Fatalf("winrate = %v, want 33.33", s.Winrate)
	}
}

func TestCalculateAllWinners(t *testing.T) {
	s := Calculate([]types.ClosedTrade{{Profit: 5}, {Profit: 7}})
	if s.ProfitFactor != 0 {
		t.Fatalf("no losses means no profit factor, got %v", s.ProfitFactor)
	}
	if s.Winrate != 100 {
		t.Fatalf("winrate = %v, want 100", s.Winrate)
	}
}

func TestExpectancy(t *testing.T) {
	s := types.Stats{Winrate: 50, AvgWin: 20, AvgLoss: -10}
	// 0.5*20 - 0.5*10 = 5 per trade.
	if got := Expectancy(s); got != 5 {
		t.Fatalf("expectancy = %v, want 5", got)
	}
}

func TestRequiredWinrate(t *testing.T) {
	s := types.Stats{AvgWin: 20, AvgLoss: -10}
	if got := RequiredWinrate(s); got != 0.3333 {
		t.Fatalf("required winrate = %v, want 0.3333", got)
	}
	if got := RequiredWinrate(types.Stats{}); got != 0 {
		t.Fatalf("zero stats must yield 0, got %v", got)
	}
}

func TestSamplerRun(t *testing.T) {
	store, err := ledger.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.AppendClosedTrades("fibo1", types.ClosedTrade{PositionID: 1, Time: 1, Profit: 12})
	store.AppendClosedTrades("fibo2", types.ClosedTrade{PositionID: 2, Time: 2, Profit: -4})
	store.RewriteOpenPositions("fibo1", []types.OpenPosition{{Ticket: 3, Profit: 1.5}})

	sampler := NewSampler(zap.NewNop(), store, []string{"fibo1", "fibo2"})
	sampler.Run()

	all := sampler.AllStats()
	if all["fibo1"].TotalProfit != 12 || all["fibo2"].TotalProfit != -4 {
		t.Fatalf("stats not persisted: %+v", all)
	}

	history := store.PerformanceHistory()
	master := history[ledger.MasterKey]
	if len(master) != 1 {
		t.Fatalf("expected one master sample, got %d", len(master))
	}
	if master[0].ClosedPnL != 8 {
		t.Fatalf("master closed pnl = %v, want 8", master[0].ClosedPnL)
	}
	if got := history["fibo1"][0].FloatingPnL; got != 1.5 {
		t.Fatalf("floating pnl = %v, want 1.5", got)
	}
}
