// Package ledger provides the JSON file store backing all engine state.
// Each logical file is guarded by its own in-process lock; operations are
// whole-file read-modify-write. Reads of malformed or missing files return
// the empty value, never an error.
package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// Ring capacities. Decisions and adjustments insert at the head so the
// freshest entry is always first; performance samples append at the tail.
const (
	maxDecisions          = 100
	maxAdjustments        = 100
	maxPerformanceSamples = 2000
)

// MasterKey aggregates all agents in the performance history.
const MasterKey = "master"

// Ledger is the atomic JSON store rooted at a database directory.
type Ledger struct {
	logger *zap.Logger
	dir    string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a ledger rooted at dir, creating the directory tree.
func New(logger *zap.Logger, dir string) (*Ledger, error) {
	l := &Ledger{
		logger: logger.Named("ledger"),
		dir:    dir,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, sub := range []string{"", "config", "closed_trades", "open_positions", "stats", "decisions", "history"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Dir returns the database root.
func (l *Ledger) Dir() string {
	return l.dir
}

// fileLock returns the dedicated lock for a relative path.
func (l *Ledger) fileLock(rel string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lk, ok := l.locks[rel]; ok {
		return lk
	}
	lk := &sync.Mutex{}
	l.locks[rel] = lk
	return lk
}

// read unmarshals a ledger file into out. Missing or malformed files leave
// out untouched and report false.
func (l *Ledger) read(rel string, out any) bool {
	data, err := os.ReadFile(filepath.Join(l.dir, rel))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		l.logger.Warn("Malformed ledger file, treating as empty",
			zap.String("file", rel),
			zap.Error(err),
		)
		return false
	}
	return true
}

// write marshals v to a ledger file. Failures are logged, not propagated:
// the next write retries and the invariants tolerate a missed append.
func (l *Ledger) write(rel string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		l.logger.Error("Failed to marshal ledger file", zap.String("file", rel), zap.Error(err))
		return
	}
	path := filepath.Join(l.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		l.logger.Error("Failed to create ledger directory", zap.String("file", rel), zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		l.logger.Error("Failed to write ledger file", zap.String("file", rel), zap.Error(err))
	}
}

// ---- Session ----

// Session returns the session record and whether one exists.
func (l *Ledger) Session() (types.Session, bool) {
	lk := l.fileLock("session.json")
	lk.Lock()
	defer lk.Unlock()

	var s types.Session
	ok := l.read("session.json", &s)
	return s, ok && s.ID != ""
}

// SaveSession persists the session record.
func (l *Ledger) SaveSession(s types.Session) {
	lk := l.fileLock("session.json")
	lk.Lock()
	defer lk.Unlock()
	l.write("session.json", s)
}

// ---- Session tickets ----

// Tickets returns all tickets recorded this session.
func (l *Ledger) Tickets() []types.Ticket {
	lk := l.fileLock("session_tickets.json")
	lk.Lock()
	defer lk.Unlock()

	var tickets []types.Ticket
	l.read("session_tickets.json", &tickets)
	return tickets
}

// SaveTicket records a ticket, deduplicating by ticket id.
func (l *Ledger) SaveTicket(t types.Ticket) {
	lk := l.fileLock("session_tickets.json")
	lk.Lock()
	defer lk.Unlock()

	var tickets []types.Ticket
	l.read("session_tickets.json", &tickets)
	for _, existing := range tickets {
		if existing.Ticket == t.Ticket {
			return
		}
	}
	tickets = append(tickets, t)
	l.write("session_tickets.json", tickets)
}

// MarkTicketClosed flips a ticket's status. Reports whether the ticket was
// found; already-closed tickets report true without a rewrite.
func (l *Ledger) MarkTicketClosed(ticket int64) bool {
	lk := l.fileLock("session_tickets.json")
	lk.Lock()
	defer lk.Unlock()

	var tickets []types.Ticket
	l.read("session_tickets.json", &tickets)
	for i := range tickets {
		if tickets[i].Ticket != ticket {
			continue
		}
		if tickets[i].Status != types.TicketClosed {
			tickets[i].Status = types.TicketClosed
			l.write("session_tickets.json", tickets)
		}
		return true
	}
	return false
}

// ClearTickets empties the ticket ledger.
func (l *Ledger) ClearTickets() {
	lk := l.fileLock("session_tickets.json")
	lk.Lock()
	defer lk.Unlock()
	l.write("session_tickets.json", []types.Ticket{})
}

// ---- Closed trades ----

func closedTradesFile(agentID string) string {
	return filepath.Join("closed_trades", agentID+".json")
}

// ClosedTrades returns the agent's closed trades, newest first.
func (l *Ledger) ClosedTrades(agentID string) []types.ClosedTrade {
	rel := closedTradesFile(agentID)
	lk := l.fileLock(rel)
	lk.Lock()
	defer lk.Unlock()

	var trades []types.ClosedTrade
	l.read(rel, &trades)
	return trades
}

// AppendClosedTrades merges trades into the agent's file, deduplicating by
// position id and keeping the list sorted by close time descending. Returns
// the number of newly recorded trades.
func (l *Ledger) AppendClosedTrades(agentID string, trades ...types.ClosedTrade) int {
	rel := closedTradesFile(agentID)
	lk := l.fileLock(rel)
	lk.Lock()
	defer lk.Unlock()

	var existing []types.ClosedTrade
	l.read(rel, &existing)

	known := make(map[int64]bool, len(existing))
	for _, t := range existing {
		known[t.PositionID] = true
	}

	added := 0
	for _, t := range trades {
		if known[t.PositionID] {
			continue
		}
		known[t.PositionID] = true
		existing = append(existing, t)
		added++
	}
	if added == 0 {
		return 0
	}

	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].Time > existing[j].Time
	})
	l.write(rel, existing)
	return added
}

// ---- Open positions ----

func openPositionsFile(agentID string) string {
	return filepath.Join("open_positions", agentID+".json")
}

// OpenPositions returns the last synced snapshot for an agent.
func (l *Ledger) OpenPositions(agentID string) []types.OpenPosition {
	rel := openPositionsFile(agentID)
	lk := l.fileLock(rel)
	lk.Lock()
	defer lk.Unlock()

	var positions []types.OpenPosition
	l.read(rel, &positions)
	return positions
}

// RewriteOpenPositions replaces the agent's snapshot with broker truth.
func (l *Ledger) RewriteOpenPositions(agentID string, positions []types.OpenPosition) {
	rel := openPositionsFile(agentID)
	lk := l.fileLock(rel)
	lk.Lock()
	defer lk.Unlock()

	if positions == nil {
		positions = []types.OpenPosition{}
	}
	l.write(rel, positions)
}

// ---- Stats ----

func statsFile(agentID string) string {
	return filepath.Join("stats", agentID+".json")
}

// Stats returns the agent's cached statistics.
func (l *Ledger) Stats(agentID string) types.Stats {
	rel := statsFile(agentID)
	lk := l.fileLock(rel)
	lk.Lock()
	defer lk.Unlock()

	var s types.Stats
	l.read(rel, &s)
	return s
}

// SaveStats persists the agent's statistics.
func (l *Ledger) SaveStats(agentID string, s types.Stats) {
	rel := statsFile(agentID)
	lk := l.fileLock(rel)
	lk.Lock()
	defer lk.Unlock()
	l.write(rel, s)
}

// ---- Performance history ----

// PerformanceHistory returns the full sample map.
func (l *Ledger) PerformanceHistory() types.PerformanceHistory {
	lk := l.fileLock("performance_history.json")
	lk.Lock()
	defer lk.Unlock()

	history := types.PerformanceHistory{}
	l.read("performance_history.json", &history)
	return history
}

// AppendPerformanceSamples appends one sample per key, trimming each ring
// to its capacity.
func (l *Ledger) AppendPerformanceSamples(samples map[string]types.PerformanceSample) {
	lk := l.fileLock("performance_history.json")
	lk.Lock()
	defer lk.Unlock()

	history := types.PerformanceHistory{}
	l.read("performance_history.json", &history)
	for key, sample := range samples {
		ring := append(history[key], sample)
		if len(ring) > maxPerformanceSamples {
			ring = ring[len(ring)-maxPerformanceSamples:]
		}
		history[key] = ring
	}
	l.write("performance_history.json", history)
}

// ---- Adjustment log ----

// AppendAdjustment inserts an entry at the head of the adjustment log.
func (l *Ledger) AppendAdjustment(entry types.AdjustmentEntry) {
	lk := l.fileLock("adjustments_log.json")
	lk.Lock()
	defer lk.Unlock()

	var entries []types.AdjustmentEntry
	l.read("adjustments_log.json", &entries)
	entries = append([]types.AdjustmentEntry{entry}, entries...)
	if len(entries) > maxAdjustments {
		entries = entries[:maxAdjustments]
	}
	l.write("adjustments_log.json", entries)
}

// RecentAdjustments returns up to limit entries, newest first. limit <= 0
// returns everything.
func (l *Ledger) RecentAdjustments(limit int) []types.AdjustmentEntry {
	lk := l.fileLock("adjustments_log.json")
	lk.Lock()
	defer lk.Unlock()

	var entries []types.AdjustmentEntry
	l.read("adjustments_log.json", &entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// ---- Decision log ----

// LogDecision inserts a decision at the head of the decision log.
func (l *Ledger) LogDecision(d types.Decision) {
	rel := filepath.Join("decisions", "decisions.json")
	lk := l.fileLock(rel)
	lk.Lock()
	defer lk.Unlock()

	var decisions []types.Decision
	l.read(rel, &decisions)
	decisions = append([]types.Decision{d}, decisions...)
	if len(decisions) > maxDecisions {
		decisions = decisions[:maxDecisions]
	}
	l.write(rel, decisions)
}

// Decisions returns up to limit decisions, newest first.
func (l *Ledger) Decisions(limit int) []types.Decision {
	rel := filepath.Join("decisions", "decisions.json")
	lk := l.fileLock(rel)
	lk.Lock()
	defer lk.Unlock()

	var decisions []types.Decision
	l.read(rel, &decisions)
	if limit > 0 && len(decisions) > limit {
		decisions = decisions[:limit]
	}
	return decisions
}

// ---- Session reset & archive ----

// ResetSessionState empties everything a fresh session starts from, keeping
// config/ and history/ untouched.
func (l *Ledger) ResetSessionState(agentIDs []string) {
	for _, agentID := range agentIDs {
		for _, rel := range []string{closedTradesFile(agentID), openPositionsFile(agentID), statsFile(agentID)} {
			lk := l.fileLock(rel)
			lk.Lock()
			os.Remove(filepath.Join(l.dir, rel))
			lk.Unlock()
		}
	}

	l.ClearTickets()

	for _, rel := range []string{
		filepath.Join("decisions", "decisions.json"),
		"adjustments_log.json",
		"performance_history.json",
	} {
		lk := l.fileLock(rel)
		lk.Lock()
		os.Remove(filepath.Join(l.dir, rel))
		lk.Unlock()
	}
}

// WriteArchive stores a session report under history/.
func (l *Ledger) WriteArchive(filename, content string) error {
	path := filepath.Join(l.dir, "history", filename)
	return os.WriteFile(path, []byte(content), 0644)
}
