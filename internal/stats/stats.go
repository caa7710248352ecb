// Package stats derives trading statistics from closed-trade ledgers and
// records performance history samples.
package stats

import (
	"time"

	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/g13-desktop/trading-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Calculate is a pure function of the closed-trade list. Profit sums run on
// decimals so long sessions do not accumulate float drift.
func Calculate(trades []types.ClosedTrade) types.Stats {
	s := types.Stats{
		UpdatedAt: utils.Timestamp(time.Now()),
	}
	if len(trades) == 0 {
		return s
	}

	total := decimal.Zero
	winSum := decimal.Zero
	lossSum := decimal.Zero
	best := trades[0].Profit
	worst := trades[0].Profit

	for _, t := range trades {
		p := decimal.NewFromFloat(t.Profit)
		total = total.Add(p)
		switch {
		case t.Profit > 0:
			s.Wins++
			winSum = winSum.Add(p)
		case t.Profit < 0:
			s.Losses++
			lossSum = lossSum.Add(p)
		default:
			s.Breakeven++
		}
		if t.Profit > best {
			best = t.Profit
		}
		if t.Profit < worst {
			worst = t.Profit
		}
	}

	s.TotalTrades = len(trades)
	s.TotalProfit = round2(total)
	s.BestTrade = utils.RoundTo(best, 2)
	s.WorstTrade = utils.RoundTo(worst, 2)
	s.Winrate = utils.RoundTo(float64(s.Wins)/float64(s.TotalTrades)*100, 2)

	if s.Wins > 0 {
		s.AvgWin = round2(winSum.Div(decimal.NewFromInt(int64(s.Wins))))
	}
	if s.Losses > 0 {
		s.AvgLoss = round2(lossSum.Div(decimal.NewFromInt(int64(s.Losses))))
	}
	if lossSum.IsNegative() {
		s.ProfitFactor = round2(winSum.Div(lossSum.Abs()))
	}
	if s.AvgLoss != 0 {
		s.RiskReward = utils.RoundTo(absf(s.AvgWin/s.AvgLoss), 2)
	}
	return s
}

// Expectancy is the expected profit per trade in account currency.
func Expectancy(s types.Stats) float64 {
	wr := s.Winrate / 100
	return utils.RoundTo(wr*s.AvgWin-(1-wr)*absf(s.AvgLoss), 2)
}

// RequiredWinrate is the break-even win rate implied by the average win and
// loss sizes, as a fraction.
func RequiredWinrate(s types.Stats) float64 {
	denom := s.AvgWin + absf(s.AvgLoss)
	if denom == 0 {
		return 0
	}
	return utils.RoundTo(absf(s.AvgLoss)/denom, 4)
}

func round2(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sampler recomputes per-agent stats from the ledger and appends one
// performance sample per agent plus the master aggregate.
type Sampler struct {
	logger *zap.Logger
	store  *ledger.Ledger
	agents []string
}

// NewSampler creates a sampler over the given agents.
func NewSampler(logger *zap.Logger, store *ledger.Ledger, agents []string) *Sampler {
	return &Sampler{
		logger: logger.Named("stats"),
		store:  store,
		agents: agents,
	}
}

// Run refreshes every agent's stats file and appends performance samples.
func (s *Sampler) Run() {
	now := utils.Timestamp(time.Now())
	samples := make(map[string]types.PerformanceSample, len(s.agents)+1)
	masterClosed := decimal.Zero
	masterFloating := decimal.Zero

	for _, agentID := range s.agents {
		trades := s.store.ClosedTrades(agentID)
		st := Calculate(trades)
		s.store.SaveStats(agentID, st)

		floating := decimal.Zero
		for _, pos := range s.store.OpenPositions(agentID) {
			floating = floating.Add(decimal.NewFromFloat(pos.Profit))
		}

		samples[agentID] = types.PerformanceSample{
			Timestamp:   now,
			ClosedPnL:   st.TotalProfit,
			FloatingPnL: round2(floating),
		}
		masterClosed = masterClosed.Add(decimal.NewFromFloat(st.TotalProfit))
		masterFloating = masterFloating.Add(floating)
	}

	samples[ledger.MasterKey] = types.PerformanceSample{
		Timestamp:   now,
		ClosedPnL:   round2(masterClosed),
		FloatingPnL: round2(masterFloating),
	}
	s.store.AppendPerformanceSamples(samples)

	s.logger.Debug("Stats refreshed",
		zap.Int("agents", len(s.agents)),
		zap.Float64("master_closed_pnl", round2(masterClosed)),
	)
}

// AllStats returns the cached stats map for the configured agents.
func (s *Sampler) AllStats() map[string]types.Stats {
	out := make(map[string]types.Stats, len(s.agents))
	for _, agentID := range s.agents {
		out[agentID] = s.store.Stats(agentID)
	}
	return out
}
