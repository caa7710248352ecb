package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/internal/stats"
	"github.com/g13-desktop/trading-engine/pkg/types"
)

var (
	heavyRule = strings.Repeat("=", 80)
	lightRule = strings.Repeat("-", 80)
)

// archiveFilename derives the report filename from the session's end time
// and profit, e.g. "2026-08-24_14h05_+12.50$.txt".
func archiveFilename(sess types.Session, fallback time.Time) string {
	end := fallback
	if t, err := time.Parse(time.RFC3339, sess.EndTime); err == nil {
		end = t
	}
	return fmt.Sprintf("%s_%+.2f$.txt", end.Format("2006-01-02_15h04"), sess.Profit)
}

// BuildReport renders the full session report: header, per-agent summary
// and trade detail, session tickets, decisions and adjustments.
func BuildReport(store *ledger.Ledger, agents []string, sess types.Session) string {
	var b strings.Builder

	b.WriteString(heavyRule + "\n")
	b.WriteString("TRADING SESSION REPORT\n")
	b.WriteString(heavyRule + "\n")
	fmt.Fprintf(&b, "Session:        %s\n", sess.ID)
	fmt.Fprintf(&b, "Started:        %s\n", sess.StartTime)
	fmt.Fprintf(&b, "Ended:          %s\n", sess.EndTime)
	fmt.Fprintf(&b, "Duration:       %s\n", sessionDuration(sess))
	fmt.Fprintf(&b, "Balance start:  %.2f\n", sess.BalanceStart)
	fmt.Fprintf(&b, "Balance end:    %.2f\n", sess.BalanceEnd)
	fmt.Fprintf(&b, "Profit:         %+.2f\n", sess.Profit)

	total := 0
	for _, agentID := range agents {
		total += len(store.ClosedTrades(agentID))
	}
	fmt.Fprintf(&b, "Closed trades:  %d\n", total)

	b.WriteString("\n" + heavyRule + "\n")
	b.WriteString("AGENT SUMMARY\n")
	b.WriteString(heavyRule + "\n")
	for _, agentID := range agents {
		trades := store.ClosedTrades(agentID)
		st := stats.Calculate(trades)
		fmt.Fprintf(&b, "%-10s trades %3d | winrate %5.1f%% | profit %+10.2f | PF %.2f\n",
			agentID, st.TotalTrades, st.Winrate, st.TotalProfit, st.ProfitFactor)
	}

	for _, agentID := range agents {
		trades := store.ClosedTrades(agentID)
		if len(trades) == 0 {
			continue
		}
		b.WriteString("\n" + lightRule + "\n")
		fmt.Fprintf(&b, "TRADES %s\n", agentID)
		b.WriteString(lightRule + "\n")
		for _, t := range trades {
			fmt.Fprintf(&b, "#%d %s %s vol %.4f @ %.2f -> %.2f | profit %+.2f | %s\n",
				t.PositionID, t.Symbol, t.Type, t.Volume,
				t.OpenPrice, t.Price, t.Profit,
				time.Unix(t.Time, 0).UTC().Format("2006-01-02 15:04:05"))
		}
	}

	tickets := store.Tickets()
	if len(tickets) > 0 {
		b.WriteString("\n" + lightRule + "\n")
		b.WriteString("SESSION TICKETS\n")
		b.WriteString(lightRule + "\n")
		for _, t := range tickets {
			fmt.Fprintf(&b, "#%d %s %s %s opened %s (%s)\n",
				t.Ticket, t.AgentID, t.Symbol, t.Direction, t.OpenedAt, t.Status)
		}
	}

	decisions := store.Decisions(0)
	if len(decisions) > 0 {
		b.WriteString("\n" + lightRule + "\n")
		b.WriteString("AI DECISIONS\n")
		b.WriteString(lightRule + "\n")
		for _, d := range decisions {
			executed := ""
			if d.Executed {
				executed = " [executed]"
			}
			fmt.Fprintf(&b, "%s %-8s %-4s @ %.2f%s | %s\n",
				d.Timestamp, d.AgentID, d.Action, d.Price, executed, d.Reason)
		}
	}

	adjustments := store.RecentAdjustments(0)
	if len(adjustments) > 0 {
		b.WriteString("\n" + lightRule + "\n")
		b.WriteString("PARAMETER ADJUSTMENTS\n")
		b.WriteString(lightRule + "\n")
		for _, a := range adjustments {
			fmt.Fprintf(&b, "%s %-8s %s: %.4f -> %.4f | %s\n",
				a.Timestamp, a.AgentID, a.Field, a.OldValue, a.NewValue, a.Reason)
		}
	}

	b.WriteString("\n" + heavyRule + "\n")
	return b.String()
}

func sessionDuration(sess types.Session) string {
	start, err1 := time.Parse(time.RFC3339, sess.StartTime)
	end, err2 := time.Parse(time.RFC3339, sess.EndTime)
	if err1 != nil || err2 != nil || end.Before(start) {
		return "unknown"
	}
	d := end.Sub(start).Round(time.Second)
	return d.String()
}
