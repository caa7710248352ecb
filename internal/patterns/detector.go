// Package patterns detects institutional price-action setups (quasimodo,
// stop hunts, compression, three-drive) and liquidity zones, and formats
// them for the decision prompt.
package patterns

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// PatternType names a detected setup.
type PatternType string

const (
	QMBullish     PatternType = "QM_BULLISH"
	QMBearish     PatternType = "QM_BEARISH"
	StopHuntBull  PatternType = "STOP_HUNT_BULL"
	StopHuntBear  PatternType = "STOP_HUNT_BEAR"
	Compression   PatternType = "COMPRESSION"
	ThreeDriveTop PatternType = "THREE_DRIVE_TOP"
	ThreeDriveBot PatternType = "THREE_DRIVE_BOT"
)

// SwingPoint is a confirmed swing extremum.
type SwingPoint struct {
	Index  int     `json:"index"`
	Price  float64 `json:"price"`
	IsHigh bool    `json:"is_high"`
}

// Pattern is one detected setup with its trade levels.
type Pattern struct {
	Type        PatternType `json:"type"`
	Confidence  float64     `json:"confidence"`
	EntryLow    float64     `json:"entry_low"`
	EntryHigh   float64     `json:"entry_high"`
	StopLoss    float64     `json:"stop_loss"`
	TakeProfit  float64     `json:"take_profit"`
	Description string      `json:"description"`
}

// MarketStructure summarizes the HH/HL/LH/LL sequence.
type MarketStructure struct {
	Trend   string `json:"trend"`
	HHCount int    `json:"hh_count"`
	HLCount int    `json:"hl_count"`
	LHCount int    `json:"lh_count"`
	LLCount int    `json:"ll_count"`
}

// LiquidityZone marks a cluster of resting stops around a swing.
type LiquidityZone struct {
	Type        string  `json:"type"`
	Level       float64 `json:"level"`
	DistancePct float64 `json:"distance_pct"`
}

// Recommendation is the aggregate verdict over all detected patterns.
type Recommendation struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// Analysis is the full detector output.
type Analysis struct {
	CurrentPrice   float64         `json:"current_price"`
	Structure      MarketStructure `json:"market_structure"`
	Patterns       []Pattern       `json:"patterns_detected"`
	LiquidityZones []LiquidityZone `json:"liquidity_zones"`
	Recommendation Recommendation  `json:"recommendation"`
}

// Detector finds institutional patterns in a price window.
type Detector struct {
	swingLookback int
}

// NewDetector creates a detector with the given swing confirmation width.
func NewDetector(swingLookback int) *Detector {
	if swingLookback <= 0 {
		swingLookback = 3
	}
	return &Detector{swingLookback: swingLookback}
}

// Analyze inspects the window and returns structure, patterns, liquidity
// zones and a recommendation. Needs at least 20 bars and 4 swings; anything
// less returns nil.
func (d *Detector) Analyze(highs, lows, closes []float64) *Analysis {
	if len(highs) < 20 || len(highs) != len(lows) || len(highs) != len(closes) {
		return nil
	}

	current := closes[len(closes)-1]
	swings := d.findSwings(highs, lows)
	if len(swings) < 4 {
		return nil
	}

	structure := marketStructure(swings)

	var detected []Pattern
	if p := detectQuasimodo(swings, current); p != nil {
		detected = append(detected, *p)
	}
	if p := detectStopHunt(highs, lows, closes, swings); p != nil {
		detected = append(detected, *p)
	}
	if p := detectCompression(highs, lows); p != nil {
		detected = append(detected, *p)
	}
	if p := detectThreeDrive(swings); p != nil {
		detected = append(detected, *p)
	}

	zones := liquidityZones(swings, current)

	return &Analysis{
		CurrentPrice:   current,
		Structure:      structure,
		Patterns:       detected,
		LiquidityZones: zones,
		Recommendation: recommend(detected, structure),
	}
}

func (d *Detector) findSwings(highs, lows []float64) []SwingPoint {
	var swings []SwingPoint
	n := len(highs)
	lb := d.swingLookback

	for i := lb; i < n-lb; i++ {
		isHigh, isLow := true, true
		for j := 1; j <= lb; j++ {
			if highs[i] <= highs[i-j] || highs[i] <= highs[i+j] {
				isHigh = false
			}
			if lows[i] >= lows[i-j] || lows[i] >= lows[i+j] {
				isLow = false
			}
		}
		if isHigh {
			swings = append(swings, SwingPoint{Index: i, Price: highs[i], IsHigh: true})
		}
		if isLow {
			swings = append(swings, SwingPoint{Index: i, Price: lows[i], IsHigh: false})
		}
	}
	sort.Slice(swings, func(i, j int) bool { return swings[i].Index < swings[j].Index })
	return swings
}

func splitSwings(swings []SwingPoint) (highs, lows []SwingPoint) {
	for _, s := range swings {
		if s.IsHigh {
			highs = append(highs, s)
		} else {
			lows = append(lows, s)
		}
	}
	return highs, lows
}

func marketStructure(swings []SwingPoint) MarketStructure {
	highs, lows := splitSwings(swings)

	type mark struct {
		label string
		index int
	}
	var marks []mark
	for i := 1; i < len(highs); i++ {
		if highs[i].Price > highs[i-1].Price {
			marks = append(marks, mark{"HH", highs[i].Index})
		} else {
			marks = append(marks, mark{"LH", highs[i].Index})
		}
	}
	for i := 1; i < len(lows); i++ {
		if lows[i].Price > lows[i-1].Price {
			marks = append(marks, mark{"HL", lows[i].Index})
		} else {
			marks = append(marks, mark{"LL", lows[i].Index})
		}
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].index < marks[j].index })

	recent := marks
	if len(marks) > 4 {
		recent = marks[len(marks)-4:]
	}

	ms := MarketStructure{Trend: "NEUTRAL"}
	for _, m := range recent {
		switch m.label {
		case "HH":
			ms.HHCount++
		case "HL":
			ms.HLCount++
		case "LH":
			ms.LHCount++
		case "LL":
			ms.LLCount++
		}
	}
	if ms.HHCount+ms.HLCount > ms.LHCount+ms.LLCount {
		ms.Trend = "BULLISH"
	} else if ms.LHCount+ms.LLCount > ms.HHCount+ms.HLCount {
		ms.Trend = "BEARISH"
	}
	return ms
}

// detectQuasimodo looks for the QM head-and-shoulder variant in the last
// five swings: an HH+LL sequence with price back at the neckline.
func detectQuasimodo(swings []SwingPoint, current float64) *Pattern {
	if len(swings) < 5 {
		return nil
	}
	recent := swings[len(swings)-5:]
	highs, lows := splitSwings(recent)
	if len(highs) < 2 || len(lows) < 2 {
		return nil
	}

	lastHigh, prevHigh := highs[len(highs)-1], highs[len(highs)-2]
	lastLow, prevLow := lows[len(lows)-1], lows[len(lows)-2]
	tolerance := math.Abs(lastHigh.Price-lastLow.Price) * 0.1

	if lastLow.Price < prevLow.Price && lastHigh.Price > prevHigh.Price {
		qml := prevHigh.Price
		if math.Abs(current-qml) <= tolerance {
			return &Pattern{
				Type:        QMBullish,
				Confidence:  0.8,
				EntryLow:    qml - tolerance,
				EntryHigh:   qml + tolerance,
				StopLoss:    lastLow.Price - tolerance,
				TakeProfit:  lastHigh.Price,
				Description: fmt.Sprintf("QM bullish, neckline %.5f", qml),
			}
		}
		qml = prevLow.Price
		if math.Abs(current-qml) <= tolerance {
			return &Pattern{
				Type:        QMBearish,
				Confidence:  0.8,
				EntryLow:    qml - tolerance,
				EntryHigh:   qml + tolerance,
				StopLoss:    lastHigh.Price + tolerance,
				TakeProfit:  lastLow.Price,
				Description: fmt.Sprintf("QM bearish, neckline %.5f", qml),
			}
		}
	}
	return nil
}

// detectStopHunt finds a false break of recent support/resistance with an
// immediate reclaim.
func detectStopHunt(highs, lows, closes []float64, swings []SwingPoint) *Pattern {
	if len(swings) < 3 || len(closes) < 10 {
		return nil
	}

	current := closes[len(closes)-1]
	prev := closes[len(closes)-2]

	window := swings
	if len(swings) > 6 {
		window = swings[len(swings)-6:]
	}
	swingHighs, swingLows := splitSwings(window)
	if len(swingHighs) == 0 || len(swingLows) == 0 {
		return nil
	}

	resistance := swingHighs[0].Price
	for _, s := range swingHighs[1:] {
		if s.Price > resistance {
			resistance = s.Price
		}
	}
	support := swingLows[0].Price
	for _, s := range swingLows[1:] {
		if s.Price < support {
			support = s.Price
		}
	}

	recentLow := lows[len(lows)-1]
	recentHigh := highs[len(highs)-1]
	for i := len(lows) - 5; i < len(lows); i++ {
		if i >= 0 && lows[i] < recentLow {
			recentLow = lows[i]
		}
		if i >= 0 && highs[i] > recentHigh {
			recentHigh = highs[i]
		}
	}

	if recentLow < support && current > support && prev < support {
		return &Pattern{
			Type:        StopHuntBull,
			Confidence:  0.75,
			EntryLow:    support,
			EntryHigh:   support * 1.002,
			StopLoss:    recentLow * 0.998,
			TakeProfit:  resistance,
			Description: fmt.Sprintf("false breakout below support %.5f", support),
		}
	}
	if recentHigh > resistance && current < resistance && prev > resistance {
		return &Pattern{
			Type:        StopHuntBear,
			Confidence:  0.75,
			EntryLow:    resistance * 0.998,
			EntryHigh:   resistance,
			StopLoss:    recentHigh * 1.002,
			TakeProfit:  support,
			Description: fmt.Sprintf("false breakout above resistance %.5f", resistance),
		}
	}
	return nil
}

// detectCompression flags a range contraction: the last 5 bars averaging
// under 60% of the preceding range.
func detectCompression(highs, lows []float64) *Pattern {
	const period = 20
	if len(highs) < period {
		return nil
	}

	recentSum, olderSum := 0.0, 0.0
	n := len(highs)
	for i := n - 5; i < n; i++ {
		recentSum += highs[i] - lows[i]
	}
	for i := n - period; i < n-5; i++ {
		olderSum += highs[i] - lows[i]
	}
	recentRange := recentSum / 5
	olderRange := olderSum / float64(period-5)
	if olderRange == 0 || recentRange >= olderRange*0.6 {
		return nil
	}

	compHigh, compLow := highs[n-1], lows[n-1]
	for i := n - 5; i < n; i++ {
		if highs[i] > compHigh {
			compHigh = highs[i]
		}
		if lows[i] < compLow {
			compLow = lows[i]
		}
	}
	width := compHigh - compLow
	return &Pattern{
		Type:        Compression,
		Confidence:  0.7,
		EntryLow:    compLow,
		EntryHigh:   compHigh,
		StopLoss:    compLow - width*0.5,
		TakeProfit:  compHigh + width*2,
		Description: fmt.Sprintf("range compressed %.0f%%", (1-recentRange/olderRange)*100),
	}
}

// detectThreeDrive finds three pushes with shrinking increments, the classic
// exhaustion shape.
func detectThreeDrive(swings []SwingPoint) *Pattern {
	highs, lows := splitSwings(swings)

	if len(highs) >= 3 {
		h := highs[len(highs)-3:]
		if h[0].Price < h[1].Price && h[1].Price < h[2].Price {
			inc1 := h[1].Price - h[0].Price
			inc2 := h[2].Price - h[1].Price
			if inc2 < inc1*0.8 {
				return &Pattern{
					Type:        ThreeDriveTop,
					Confidence:  0.7,
					EntryLow:    h[2].Price * 0.998,
					EntryHigh:   h[2].Price,
					StopLoss:    h[2].Price * 1.005,
					TakeProfit:  h[0].Price,
					Description: "three-drive top, bullish exhaustion",
				}
			}
		}
	}
	if len(lows) >= 3 {
		l := lows[len(lows)-3:]
		if l[0].Price > l[1].Price && l[1].Price > l[2].Price {
			dec1 := l[0].Price - l[1].Price
			dec2 := l[1].Price - l[2].Price
			if dec2 < dec1*0.8 {
				return &Pattern{
					Type:        ThreeDriveBot,
					Confidence:  0.7,
					EntryLow:    l[2].Price,
					EntryHigh:   l[2].Price * 1.002,
					StopLoss:    l[2].Price * 0.995,
					TakeProfit:  l[0].Price,
					Description: "three-drive bottom, bearish exhaustion",
				}
			}
		}
	}
	return nil
}

func liquidityZones(swings []SwingPoint, current float64) []LiquidityZone {
	window := swings
	if len(swings) > 10 {
		window = swings[len(swings)-10:]
	}
	zones := make([]LiquidityZone, 0, len(window))
	for _, s := range window {
		z := LiquidityZone{Level: s.Price}
		if s.IsHigh {
			z.Type = "SELL_STOPS"
			z.DistancePct = (s.Price - current) / current * 100
		} else {
			z.Type = "BUY_STOPS"
			z.DistancePct = (current - s.Price) / current * 100
		}
		zones = append(zones, z)
	}
	if len(zones) > 5 {
		zones = zones[len(zones)-5:]
	}
	return zones
}

func recommend(detected []Pattern, structure MarketStructure) Recommendation {
	if len(detected) == 0 {
		return Recommendation{
			Action:     "HOLD",
			Confidence: 0.5,
			Reason:     "no institutional pattern detected",
		}
	}

	best := detected[0]
	for _, p := range detected[1:] {
		if p.Confidence > best.Confidence {
			best = p
		}
	}

	var action string
	switch best.Type {
	case QMBullish, StopHuntBull, ThreeDriveBot:
		action = "BUY"
	case QMBearish, StopHuntBear, ThreeDriveTop:
		action = "SELL"
	case Compression:
		if structure.Trend == "BULLISH" {
			action = "BUY"
		} else {
			action = "SELL"
		}
	default:
		action = "HOLD"
	}

	confidence := best.Confidence
	reason := best.Description
	if (action == "BUY" && structure.Trend == "BEARISH") ||
		(action == "SELL" && structure.Trend == "BULLISH") {
		confidence *= 0.7
		reason += " (counter-trend)"
	}

	return Recommendation{
		Action:     action,
		Confidence: confidence,
		Reason:     reason,
		StopLoss:   best.StopLoss,
		TakeProfit: best.TakeProfit,
	}
}

// FormatForPrompt renders the analysis as the block embedded in the
// decision prompt.
func FormatForPrompt(a *Analysis) string {
	if a == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("INSTITUTIONAL ANALYSIS:\n")
	fmt.Fprintf(&b, "- Structure: %s (HH:%d HL:%d LH:%d LL:%d)\n",
		a.Structure.Trend, a.Structure.HHCount, a.Structure.HLCount, a.Structure.LHCount, a.Structure.LLCount)
	for _, p := range a.Patterns {
		fmt.Fprintf(&b, "- Pattern %s (%.0f%%): %s\n", p.Type, p.Confidence*100, p.Description)
	}
	for _, z := range a.LiquidityZones {
		fmt.Fprintf(&b, "- Liquidity %s @ %.5f (%+.2f%%)\n", z.Type, z.Level, z.DistancePct)
	}
	fmt.Fprintf(&b, "- Recommendation: %s (%.0f%%) %s\n",
		a.Recommendation.Action, a.Recommendation.Confidence*100, a.Recommendation.Reason)
	return b.String()
}
