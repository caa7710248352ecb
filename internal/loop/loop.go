// Package loop runs the engine scheduler: the trading cycle over all agents,
// the periodic stats refresh and the strategist pass, all on one worker so
// broker access stays strictly serialized.
package loop

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/g13-desktop/trading-engine/internal/agent"
	"github.com/g13-desktop/trading-engine/internal/broker"
	"github.com/g13-desktop/trading-engine/internal/enrich"
	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/internal/market"
	"github.com/g13-desktop/trading-engine/internal/metrics"
	"github.com/g13-desktop/trading-engine/internal/patterns"
	"github.com/g13-desktop/trading-engine/internal/positions"
	"github.com/g13-desktop/trading-engine/internal/risk"
	"github.com/g13-desktop/trading-engine/internal/session"
	"github.com/g13-desktop/trading-engine/internal/stats"
	"github.com/g13-desktop/trading-engine/internal/strategist"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/g13-desktop/trading-engine/pkg/utils"
	"go.uber.org/zap"
)

// The idle waiting log fires once per this many ticks.
const waitingLogEvery = 6

// Intervals groups the three scheduler periods.
type Intervals struct {
	Tick       time.Duration
	Stats      time.Duration
	Strategist time.Duration
}

// DefaultIntervals returns the production scheduler timing.
func DefaultIntervals() Intervals {
	return Intervals{
		Tick:       10 * time.Second,
		Stats:      60 * time.Second,
		Strategist: 5 * time.Minute,
	}
}

// Event is pushed to the OnEvent callback after notable loop activity.
type Event struct {
	Type    string      `json:"type"`
	AgentID string      `json:"agent_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Loop owns the scheduler goroutine and the per-agent trading cycle.
type Loop struct {
	logger    *zap.Logger
	store     *ledger.Ledger
	gate      *broker.Gate
	ops       *broker.Ops
	guard     *risk.Guard
	manager   *positions.Manager
	reader    *market.Reader
	agents    []*agent.Agent
	sessions  *session.Manager
	strat     *strategist.Strategist
	sampler   *stats.Sampler
	enricher  *enrich.Service
	detector  *patterns.Detector
	intervals Intervals

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	idleTicks int

	snapMu   sync.Mutex
	lastSnap *market.Snapshot

	// OnEvent, when set, receives loop events for the websocket hub.
	OnEvent func(Event)
}

// Deps bundles the loop's collaborators.
type Deps struct {
	Store    *ledger.Ledger
	Gate     *broker.Gate
	Ops      *broker.Ops
	Guard    *risk.Guard
	Manager  *positions.Manager
	Reader   *market.Reader
	Agents   []*agent.Agent
	Sessions *session.Manager
	Strat    *strategist.Strategist
	Sampler  *stats.Sampler
	Enricher *enrich.Service
}

// New creates the loop. Agents run every cycle in the given order.
func New(logger *zap.Logger, deps Deps, intervals Intervals) *Loop {
	return &Loop{
		logger:    logger.Named("loop"),
		store:     deps.Store,
		gate:      deps.Gate,
		ops:       deps.Ops,
		guard:     deps.Guard,
		manager:   deps.Manager,
		reader:    deps.Reader,
		agents:    deps.Agents,
		sessions:  deps.Sessions,
		strat:     deps.Strat,
		sampler:   deps.Sampler,
		enricher:  deps.Enricher,
		detector:  patterns.NewDetector(3),
		intervals: intervals,
	}
}

// Start launches the scheduler goroutine. Idempotent.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(l.stopCh, l.doneCh)
	l.logger.Info("Trading loop started",
		zap.Duration("tick", l.intervals.Tick),
		zap.Int("agents", len(l.agents)),
	)
}

// Stop signals the scheduler and waits for the current cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	done := l.doneCh
	l.mu.Unlock()

	<-done
	l.logger.Info("Trading loop stopped")
}

// Running reports whether the scheduler goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	tick := time.NewTicker(l.intervals.Tick)
	statsTick := time.NewTicker(l.intervals.Stats)
	strategistTick := time.NewTicker(l.intervals.Strategist)
	defer tick.Stop()
	defer statsTick.Stop()
	defer strategistTick.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-tick.C:
			l.safeRun("cycle", l.cycle)
		case <-statsTick.C:
			if l.sessions.Active() {
				l.safeRun("stats", l.sampler.Run)
			}
		case <-strategistTick.C:
			if l.sessions.Active() {
				l.safeRun("strategist", l.strategistPass)
			}
		}
	}
}

// safeRun isolates one scheduler phase from panics. A panicking phase logs
// its stack, sits out one tick and the scheduler carries on.
func (l *Loop) safeRun(phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered from panic",
				zap.String("phase", phase),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			time.Sleep(l.intervals.Tick)
		}
	}()
	fn()
}

// cycle runs one scheduler tick: nothing while no session is active,
// otherwise the full trading cycle for every agent in order.
func (l *Loop) cycle() {
	if !l.sessions.Active() {
		l.idleTicks++
		if l.idleTicks%waitingLogEvery == 1 {
			l.logger.Info("Waiting for a session to start")
		}
		return
	}
	l.idleTicks = 0

	for _, ag := range l.agents {
		select {
		case <-l.stopCh:
			return
		default:
		}
		l.agentCycle(ag)
	}
	l.emit(Event{Type: "cycle_complete"})
}

// agentCycle runs the five phases for one agent: acquire, risk check,
// position maintenance, snapshot, decide and execute.
func (l *Loop) agentCycle(ag *agent.Agent) {
	agentID := ag.ID()
	cfg := ag.Config()
	if !cfg.Enabled {
		return
	}

	waitStart := time.Now()
	info, err := l.gate.Acquire(agentID)
	metrics.GateWaitSeconds.WithLabelValues(agentID).Observe(time.Since(waitStart).Seconds())
	if err != nil {
		l.logger.Debug("Skipping agent, gate unavailable",
			zap.String("agent", agentID),
			zap.Error(err),
		)
		metrics.CyclesTotal.WithLabelValues(agentID, "gate_miss").Inc()
		return
	}

	// The token must survive no code path, panics included.
	held := true
	release := func() {
		if held {
			held = false
			l.gate.Release()
		}
	}
	defer release()

	check := l.guard.Check(agentID, info)
	metrics.RiskVerdictsTotal.WithLabelValues(agentID, check.Verdict.String()).Inc()
	canTrade := true
	switch check.Verdict {
	case risk.VerdictEmergencyClose:
		closed, err := l.ops.CloseAllForAgent(agentID)
		if err != nil {
			l.logger.Error("Emergency close incomplete",
				zap.String("agent", agentID),
				zap.Int("closed", closed),
				zap.Error(err),
			)
		}
		l.syncPositions(ag)
		l.syncClosedTrades(agentID)
		release()
		l.emit(Event{Type: "emergency_close", AgentID: agentID, Payload: check.Reason})
		metrics.CyclesTotal.WithLabelValues(agentID, "emergency_close").Inc()
		return
	case risk.VerdictBlock:
		canTrade = false
	}

	open := l.syncPositions(ag)
	l.syncClosedTrades(agentID)
	l.manager.Manage(agentID, open, cfg.TPSL, l.store.RiskConfig().WinnerNeverLoser)

	snap, snapErr := l.reader.Snapshot(cfg.Symbol, cfg.Timeframe)
	release()

	if snapErr == nil {
		l.snapMu.Lock()
		l.lastSnap = snap
		l.snapMu.Unlock()
	}

	if snapErr != nil {
		l.logger.Warn("Market snapshot failed",
			zap.String("agent", agentID),
			zap.Error(snapErr),
		)
		metrics.CyclesTotal.WithLabelValues(agentID, "no_data").Inc()
		return
	}
	if !canTrade {
		metrics.CyclesTotal.WithLabelValues(agentID, "risk_blocked").Inc()
		return
	}

	l.decideAndExecute(ag, cfg, snap)
	metrics.CyclesTotal.WithLabelValues(agentID, "ok").Inc()
}

// decideAndExecute runs the gate-free decision phase and, on a signal,
// re-acquires the gate to place the order.
func (l *Loop) decideAndExecute(ag *agent.Agent, cfg types.AgentConfig, snap *market.Snapshot) {
	agentID := ag.ID()

	if !ag.InKillzone(time.Now()) {
		l.logger.Debug("Outside killzone", zap.String("agent", agentID))
		return
	}
	if ok, reason := ag.CanTrade(); !ok {
		l.logger.Debug("Agent cannot trade",
			zap.String("agent", agentID),
			zap.String("reason", reason),
		)
		return
	}

	ctx := agent.PromptContext{}
	if analysis := l.detector.Analyze(snap.Highs, snap.Lows, snap.Closes); analysis != nil {
		ctx.Patterns = patterns.FormatForPrompt(analysis)
	}
	if l.enricher != nil {
		ctx.Sentiment = l.enricher.Sentiment()
		ctx.Futures = l.enricher.Futures(cfg.Symbol)
	}

	signal := ag.ShouldOpenTrade(snap, ctx)
	if signal == nil {
		return
	}

	if _, err := l.gate.Acquire(agentID); err != nil {
		l.logger.Warn("Signal dropped, gate unavailable for execution",
			zap.String("agent", agentID),
			zap.Error(err),
		)
		return
	}
	defer l.gate.Release()

	volume, err := l.ops.SnapVolume(cfg.Symbol, cfg.PositionSizePct)
	if err != nil || volume <= 0 {
		l.logger.Warn("Signal dropped, no valid volume",
			zap.String("agent", agentID),
			zap.Float64("raw", cfg.PositionSizePct),
			zap.Error(err),
		)
		return
	}

	result, err := l.ops.OpenTrade(agentID, signal, volume)
	if err != nil {
		l.logger.Error("Trade open failed",
			zap.String("agent", agentID),
			zap.Error(err),
		)
		return
	}

	l.store.SaveTicket(types.Ticket{
		Ticket:    result.Order,
		AgentID:   agentID,
		Symbol:    signal.Symbol,
		Direction: signal.Direction,
		OpenedAt:  utils.Timestamp(time.Now()),
		Status:    types.TicketOpen,
	})
	ag.MarkExecuted()
	metrics.TradesOpenedTotal.WithLabelValues(agentID, string(signal.Direction)).Inc()
	l.syncPositions(ag)
	l.emit(Event{Type: "trade_opened", AgentID: agentID, Payload: signal})
}

// syncPositions rewrites the agent's open-position ledger from broker truth
// and refreshes the agent's derived count. Gate must be held.
func (l *Loop) syncPositions(ag *agent.Agent) []types.OpenPosition {
	agentID := ag.ID()
	open, err := l.ops.PositionsForAgent(agentID)
	if err != nil {
		l.logger.Warn("Position sync failed",
			zap.String("agent", agentID),
			zap.Error(err),
		)
		return l.store.OpenPositions(agentID)
	}
	l.store.RewriteOpenPositions(agentID, open)
	ag.SetOpenPositions(len(open))
	metrics.OpenPositions.WithLabelValues(agentID).Set(float64(len(open)))
	return open
}

// syncClosedTrades resolves the agent's still-open tickets against deal
// history. A ticket is closed exactly when an OUT deal exists for its
// position; the closed-trade record carries the closing deal enriched with
// the opening deal's price and time. Gate must be held.
func (l *Loop) syncClosedTrades(agentID string) {
	for _, ticket := range l.store.Tickets() {
		if ticket.AgentID != agentID || ticket.Status != types.TicketOpen {
			continue
		}

		deals, err := l.ops.Terminal().DealsForPosition(ticket.Ticket)
		if err != nil {
			l.logger.Debug("Deal history unavailable",
				zap.String("agent", agentID),
				zap.Int64("ticket", ticket.Ticket),
				zap.Error(err),
			)
			continue
		}

		var in, out *types.Deal
		for i := range deals {
			switch deals[i].Entry {
			case types.DealEntryIn:
				in = &deals[i]
			case types.DealEntryOut:
				out = &deals[i]
			}
		}
		if out == nil {
			continue
		}

		trade := types.ClosedTrade{
			PositionID: ticket.Ticket,
			Ticket:     out.Ticket,
			AgentID:    agentID,
			Symbol:     ticket.Symbol,
			Type:       string(ticket.Direction),
			Volume:     out.Volume,
			Price:      out.Price,
			Profit:     out.Profit,
			Swap:       out.Swap,
			Commission: out.Commission,
			Time:       out.Time,
			Comment:    out.Comment,
			SyncedAt:   utils.Timestamp(time.Now()),
		}
		if in != nil {
			trade.OpenPrice = in.Price
			trade.OpenTime = in.Time
		}

		if l.store.AppendClosedTrades(agentID, trade) > 0 {
			l.logger.Info("Trade closed",
				zap.String("agent", agentID),
				zap.Int64("position", ticket.Ticket),
				zap.Float64("profit", out.Profit),
			)
			l.emit(Event{Type: "trade_closed", AgentID: agentID, Payload: trade})
		}
		l.store.MarkTicketClosed(ticket.Ticket)
	}
}

// strategistPass runs the strategist and rewrites live SL/TP for every agent
// whose percentages changed.
func (l *Loop) strategistPass() {
	for _, agentID := range l.strat.Run() {
		l.RewriteSLTP(agentID)
	}
}

// RewriteSLTP recomputes every open position's SL and TP from its entry
// price and the agent's current percentages. The TP always follows the new
// config; the SL only moves when favorable, tightened stops are never
// loosened.
func (l *Loop) RewriteSLTP(agentID string) {
	cfg, ok := l.store.AgentConfigs()[agentID]
	if !ok {
		return
	}

	if _, err := l.gate.Acquire(agentID); err != nil {
		l.logger.Warn("SL/TP rewrite skipped, gate unavailable",
			zap.String("agent", agentID),
			zap.Error(err),
		)
		return
	}
	defer l.gate.Release()

	open, err := l.ops.PositionsForAgent(agentID)
	if err != nil {
		l.logger.Warn("SL/TP rewrite skipped, position query failed",
			zap.String("agent", agentID),
			zap.Error(err),
		)
		return
	}

	for _, pos := range open {
		direction := types.Direction(pos.Type)
		newSL, newTP := agent.TargetLevels(direction, pos.PriceOpen, cfg.TPSL)

		isBuy := direction == types.DirectionBuy
		if pos.SL != 0 && !positions.Favorable(isBuy, pos.SL, newSL) {
			newSL = pos.SL
		}

		if _, err := l.ops.ModifySLTP(pos, newSL, newTP); err != nil {
			l.logger.Error("SL/TP rewrite failed",
				zap.String("agent", agentID),
				zap.Int64("ticket", pos.Ticket),
				zap.Error(err),
			)
		}
	}
	if open, err := l.ops.PositionsForAgent(agentID); err == nil {
		l.store.RewriteOpenPositions(agentID, open)
	}
}

// PositionReport is the outcome of one agent's ledger/broker reconciliation.
type PositionReport struct {
	AgentID   string  `json:"agent_id"`
	Broker    int     `json:"broker"`
	Ledger    int     `json:"ledger"`
	Stale     []int64 `json:"stale,omitempty"`     // in the ledger, gone at the broker
	Untracked []int64 `json:"untracked,omitempty"` // at the broker, missing from the ledger
	Error     string  `json:"error,omitempty"`
}

// ValidatePositions reconciles every agent's open-position ledger against
// broker truth. Orphans are reported both ways, then the ledger is rewritten
// from the broker's view.
func (l *Loop) ValidatePositions() []PositionReport {
	reports := make([]PositionReport, 0, len(l.agents))
	for _, ag := range l.agents {
		agentID := ag.ID()
		report := PositionReport{AgentID: agentID}

		recorded := l.store.OpenPositions(agentID)
		report.Ledger = len(recorded)

		if _, err := l.gate.Acquire(agentID); err != nil {
			report.Error = err.Error()
			reports = append(reports, report)
			continue
		}
		open, err := l.ops.PositionsForAgent(agentID)
		if err != nil {
			l.gate.Release()
			report.Error = err.Error()
			reports = append(reports, report)
			continue
		}
		report.Broker = len(open)

		atBroker := make(map[int64]bool, len(open))
		for _, pos := range open {
			atBroker[pos.Ticket] = true
		}
		inLedger := make(map[int64]bool, len(recorded))
		for _, pos := range recorded {
			inLedger[pos.Ticket] = true
			if !atBroker[pos.Ticket] {
				report.Stale = append(report.Stale, pos.Ticket)
			}
		}
		for _, pos := range open {
			if !inLedger[pos.Ticket] {
				report.Untracked = append(report.Untracked, pos.Ticket)
			}
		}

		l.store.RewriteOpenPositions(agentID, open)
		ag.SetOpenPositions(len(open))
		l.gate.Release()

		if len(report.Stale) > 0 || len(report.Untracked) > 0 {
			l.logger.Warn("Position ledger out of sync",
				zap.String("agent", agentID),
				zap.Int64s("stale", report.Stale),
				zap.Int64s("untracked", report.Untracked),
			)
		}
		reports = append(reports, report)
	}
	return reports
}

// CloseAll closes every agent's positions, acquiring the gate per agent.
// Used by the API and by session end. Returns the number closed.
func (l *Loop) CloseAll() int {
	total := 0
	for _, ag := range l.agents {
		agentID := ag.ID()
		if _, err := l.gate.Acquire(agentID); err != nil {
			l.logger.Warn("Close-all skipped agent, gate unavailable",
				zap.String("agent", agentID),
				zap.Error(err),
			)
			continue
		}
		closed, err := l.ops.CloseAllForAgent(agentID)
		if err != nil {
			l.logger.Error("Close-all incomplete",
				zap.String("agent", agentID),
				zap.Error(err),
			)
		}
		l.syncPositions(ag)
		l.gate.Release()
		total += closed
	}
	return total
}

// FetchBalance reads the account balance through the first agent whose gate
// acquisition succeeds. Returns 0 when no terminal is reachable.
func (l *Loop) FetchBalance() float64 {
	for _, ag := range l.agents {
		info, err := l.gate.Acquire(ag.ID())
		if err != nil {
			continue
		}
		balance := info.Balance
		l.gate.Release()
		return balance
	}
	return 0
}

// LastSnapshot returns the most recent market snapshot seen by any agent
// cycle, nil before the first successful read.
func (l *Loop) LastSnapshot() *market.Snapshot {
	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	return l.lastSnap
}

func (l *Loop) emit(ev Event) {
	if l.OnEvent != nil {
		l.OnEvent(ev)
	}
}
