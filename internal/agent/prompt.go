package agent

import (
	"fmt"
	"math"
	"strings"

	"github.com/g13-desktop/trading-engine/internal/enrich"
	"github.com/g13-desktop/trading-engine/internal/market"
	"github.com/g13-desktop/trading-engine/pkg/types"
)

// PromptContext carries the optional enrichment blocks and the position
// budget shown to the decider.
type PromptContext struct {
	Patterns      string
	Sentiment     *enrich.SentimentData
	Futures       *enrich.FuturesData
	OpenPositions int
	MaxPositions  int
}

// BuildSystemPrompt describes the agent's strategy and the expected reply
// format to the decider.
func BuildSystemPrompt(cfg types.AgentConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a disciplined scalping agent trading %s on the %s timeframe.\n",
		cfg.Name, cfg.Symbol, cfg.Timeframe)
	fmt.Fprintf(&b, "Your strategy: enter on pullbacks to the %s Fibonacci retracement level (tolerance %.2f%%), in the direction of the M5 trend.\n",
		cfg.FiboLevel, cfg.FiboTolerancePct)
	b.WriteString("Rules:\n")
	b.WriteString("- Only BUY in a bullish trend when price sits inside the target zone.\n")
	b.WriteString("- Only SELL in a bearish trend when price sits inside the target zone.\n")
	b.WriteString("- When the trend is neutral or price is outside the zone, HOLD.\n")
	b.WriteString("- Wide spreads and conflicting momentum are reasons to HOLD.\n")
	b.WriteString("Reply on a single line, exactly:\n")
	b.WriteString("ACTION: <BUY|SELL|HOLD> | REASON: <max 150 chars> | CONFIDENCE: <0-100>%\n")
	return b.String()
}

// BuildPrompt renders the market snapshot into the user prompt.
func BuildPrompt(cfg types.AgentConfig, snap *market.Snapshot, ctx PromptContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "MARKET %s\n", snap.Symbol)
	fmt.Fprintf(&b, "- Price: %.2f (bid %.2f / ask %.2f), spread %.1f points\n",
		snap.Price, snap.Bid, snap.Ask, snap.SpreadPoints)
	fmt.Fprintf(&b, "- M5 trend: %s\n", snap.Trend)
	fmt.Fprintf(&b, "- Momentum: 1m %+.3f%% | 5m %+.3f%%\n", snap.Momentum1m, snap.Momentum5m)
	fmt.Fprintf(&b, "- Volatility (20x M5): %.2f%%\n", snap.Volatility)
	fmt.Fprintf(&b, "- Fibonacci swing: high %.2f / low %.2f\n", snap.FiboHigh, snap.FiboLow)

	if level, ok := snap.Level(cfg.FiboLevel); ok && snap.Price > 0 {
		distance := (snap.Price - level) / level * 100
		zone := "OUTSIDE"
		if math.Abs(distance) <= cfg.FiboTolerancePct {
			zone = "INSIDE"
		}
		fmt.Fprintf(&b, "- Target level %s: %.2f, distance %+.2f%%, zone: %s\n",
			cfg.FiboLevel, level, distance, zone)
	}

	if ctx.Patterns != "" {
		b.WriteString(ctx.Patterns)
	}
	if ctx.Sentiment != nil {
		fmt.Fprintf(&b, "SENTIMENT: fear&greed %d (%s), bias %s\n",
			ctx.Sentiment.FearGreedIndex, ctx.Sentiment.FearGreedLabel, ctx.Sentiment.GlobalBias)
	}
	if ctx.Futures != nil {
		fmt.Fprintf(&b, "FUTURES: funding %.5f, long/short %.2f, orderbook %+.2f%% (%s)\n",
			ctx.Futures.FundingRate, ctx.Futures.LongShortRatio,
			ctx.Futures.OrderbookImbalance, ctx.Futures.OrderbookBias)
	}

	fmt.Fprintf(&b, "POSITIONS: %d open of %d allowed\n", ctx.OpenPositions, ctx.MaxPositions)
	b.WriteString("Decide now.")
	return b.String()
}
