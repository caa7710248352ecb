package decider

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/g13-desktop/trading-engine/pkg/types"
)

// Parsed is a decider reply reduced to an actionable decision.
type Parsed struct {
	Action     types.Direction
	Reason     string
	Confidence int
}

var (
	actionRe     = regexp.MustCompile(`(?i)ACTION\s*:\s*(BUY|SELL|HOLD)`)
	confidenceRe = regexp.MustCompile(`(\d+)\s*%`)
)

const maxReasonLen = 150

// Parse extracts the action, reason and confidence from a completion.
// Replies that name no action default to HOLD.
func Parse(text string) Parsed {
	p := Parsed{Action: types.DirectionHold, Confidence: 50}
	if text == "" {
		p.Reason = "empty response"
		return p
	}

	if m := actionRe.FindStringSubmatch(text); m != nil {
		p.Action = types.Direction(strings.ToUpper(m[1]))
	} else {
		// Some models skip the ACTION: prefix and lead with the verb.
		head := strings.ToUpper(text)
		if len(head) > 30 {
			head = head[:30]
		}
		switch {
		case strings.Contains(head, "BUY"):
			p.Action = types.DirectionBuy
		case strings.Contains(head, "SELL"):
			p.Action = types.DirectionSell
		}
	}

	p.Reason = extractReason(text)
	if m := confidenceRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v >= 0 && v <= 100 {
			p.Confidence = v
		}
	}
	return p
}

// extractReason pulls the free-text reason out of the reply. It ends at the
// next line break or pipe, so a trailing confidence segment never leaks in.
func extractReason(text string) string {
	reason := strings.TrimSpace(text)
	upper := strings.ToUpper(reason)
	if idx := strings.Index(upper, "REASON:"); idx >= 0 {
		reason = reason[idx+len("REASON:"):]
	} else if parts := strings.SplitN(reason, "|", 2); len(parts) == 2 {
		reason = parts[1]
	}
	if idx := strings.IndexAny(reason, "\n|"); idx >= 0 {
		reason = reason[:idx]
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	return reason
}
