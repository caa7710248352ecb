package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/g13-desktop/trading-engine/internal/session"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// handleStatus aggregates the dashboard view: session, loop state, per-agent
// stats and a market bias derived from momentum, sentiment and orderbook.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, hasSession := s.sessions.Current()

	agents := map[string]interface{}{}
	configs := s.store.AgentConfigs()
	for _, agentID := range s.agents {
		entry := map[string]interface{}{
			"stats":     s.store.Stats(agentID),
			"positions": len(s.store.OpenPositions(agentID)),
		}
		if cfg, ok := configs[agentID]; ok {
			entry["enabled"] = cfg.Enabled
			entry["symbol"] = cfg.Symbol
		}
		agents[agentID] = entry
	}

	status := map[string]interface{}{
		"running": s.engine.Running(),
		"active":  hasSession && sess.Status == types.SessionActive,
		"agents":  agents,
		"market":  s.marketBias(),
	}
	if hasSession {
		status["session"] = sess
	}
	writeJSON(w, http.StatusOK, status)
}

// marketBias counts bullish and bearish signals across momentum, crowd
// sentiment and orderbook imbalance, then turns the margin into a
// confidence score capped at 90.
func (s *Server) marketBias() map[string]interface{} {
	bullish, bearish := 0, 0

	if snap := s.engine.LastSnapshot(); snap != nil {
		if snap.Momentum1m > 0.05 {
			bullish++
		} else if snap.Momentum1m < -0.05 {
			bearish++
		}
		if snap.Momentum5m > 0.03 {
			bullish++
		} else if snap.Momentum5m < -0.03 {
			bearish++
		}
	}
	if s.enricher != nil {
		if sent := s.enricher.Sentiment(); sent != nil {
			switch sent.GlobalBias {
			case "bullish":
				bullish++
			case "bearish":
				bearish++
			}
		}
		if fut := s.enricher.Futures(""); fut != nil {
			switch fut.OrderbookBias {
			case "bullish":
				bullish++
			case "bearish":
				bearish++
			}
		}
	}

	direction := "neutral"
	confidence := 50
	diff := bullish - bearish
	if diff > 0 {
		direction = "bullish"
	} else if diff < 0 {
		direction = "bearish"
		diff = -diff
	}
	if diff > 0 {
		confidence = 50 + diff*15
		if confidence > 90 {
			confidence = 90
		}
	}

	return map[string]interface{}{
		"direction":       direction,
		"confidence":      confidence,
		"bullish_signals": bullish,
		"bearish_signals": bearish,
	}
}

// ---- Session ----

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ForceNew bool `json:"force_new"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	balance := s.engine.FetchBalance()
	sess, resumed := s.sessions.Start(balance, req.ForceNew)
	s.engine.Start()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": sess,
		"resumed": resumed,
	})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	balance := s.engine.FetchBalance()
	sess, err := s.sessions.End(balance)
	if err == session.ErrNoActiveSession {
		writeError(w, http.StatusConflict, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.PerformanceHistory())
}

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	report := session.BuildReport(s.store, s.agents, sess)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(report))
}

// ---- Trading ----

func (s *Server) handleTradingStart(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Active() {
		writeError(w, http.StatusConflict, "start a session first")
		return
	}
	s.engine.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleTradingStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	closed := s.engine.CloseAll()
	writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

// ---- Agents ----

func (s *Server) handleGetAgents(w http.ResponseWriter, r *http.Request) {
	configs := s.store.AgentConfigs()
	out := map[string]interface{}{}
	for _, agentID := range s.agents {
		entry := map[string]interface{}{
			"stats": s.store.Stats(agentID),
		}
		if cfg, ok := configs[agentID]; ok {
			entry["config"] = cfg
		}
		out[agentID] = entry
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleToggleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	var enabled bool
	if !s.store.UpdateAgentConfig(agentID, func(cfg *types.AgentConfig) {
		cfg.Enabled = !cfg.Enabled
		enabled = cfg.Enabled
	}) {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	s.logger.Info("Agent toggled", zap.String("agent", agentID), zap.Bool("enabled", enabled))
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent": agentID, "enabled": enabled})
}

func (s *Server) handleUpdateAgentConfig(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	var incoming types.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := incoming.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.store.UpdateAgentConfig(agentID, func(cfg *types.AgentConfig) {
		*cfg = incoming
	}) {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	writeJSON(w, http.StatusOK, incoming)
}

// ---- Accounts ----

func (s *Server) handleGetAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.store.Accounts()
	// Never echo credentials back to the dashboard.
	for id, acc := range accounts {
		acc.Password = ""
		accounts[id] = acc
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleSaveAccounts(w http.ResponseWriter, r *http.Request) {
	var accounts map[string]types.AccountConfig
	if err := json.NewDecoder(r.Body).Decode(&accounts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.store.SaveAccounts(accounts)
	writeJSON(w, http.StatusOK, map[string]int{"saved": len(accounts)})
}

// ---- Trades, positions, logs ----

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	if agentID != "" {
		writeJSON(w, http.StatusOK, s.store.ClosedTrades(agentID))
		return
	}
	out := map[string][]types.ClosedTrade{}
	for _, id := range s.agents {
		out[id] = s.store.ClosedTrades(id)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	out := map[string][]types.OpenPosition{}
	for _, id := range s.agents {
		out[id] = s.store.OpenPositions(id)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleValidatePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ValidatePositions())
}

func (s *Server) handleGetDecisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Decisions(50))
}

func (s *Server) handleGetAdjustments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.RecentAdjustments(50))
}

// ---- Strategist ----

func (s *Server) handleStrategistInsights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.strat.QuickSummary())
}

func (s *Server) handleStrategistAnalyze(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.strat.AllAgentsAnalysis())
}

func (s *Server) handleStrategistExecute(w http.ResponseWriter, r *http.Request) {
	rewritten := s.strat.Run()
	for _, agentID := range rewritten {
		s.engine.RewriteSLTP(agentID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executed":  true,
		"rewritten": rewritten,
	})
}

// ---- Config ----

func (s *Server) handleGetRiskConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.RiskConfig())
}

func (s *Server) handleSaveRiskConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.RiskConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.store.SaveRiskConfig(cfg)
	writeJSON(w, http.StatusOK, cfg)
}

// ---- Decider keys ----

func (s *Server) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.store.APIKeys()
	// Mask key material, keep enough for identification.
	for i, k := range keys.Keys {
		if len(k.Key) > 8 {
			keys.Keys[i].Key = k.Key[:8] + "..."
		}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleSaveKeys(w http.ResponseWriter, r *http.Request) {
	var keys types.APIKeyFile
	if err := json.NewDecoder(r.Body).Decode(&keys); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.store.SaveAPIKeys(keys)
	writeJSON(w, http.StatusOK, map[string]int{"saved": len(keys.Keys)})
}

func (s *Server) handleGetSelections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.APISelections())
}

func (s *Server) handleSaveSelections(w http.ResponseWriter, r *http.Request) {
	var sel types.APISelectionFile
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.store.SaveAPISelections(sel)
	writeJSON(w, http.StatusOK, map[string]int{"saved": len(sel.Selections)})
}
