// Package api provides the HTTP and WebSocket surface over the engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/g13-desktop/trading-engine/internal/enrich"
	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/internal/loop"
	"github.com/g13-desktop/trading-engine/internal/session"
	"github.com/g13-desktop/trading-engine/internal/strategist"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	store    *ledger.Ledger
	engine   *loop.Loop
	sessions *session.Manager
	strat    *strategist.Strategist
	enricher *enrich.Service
	agents   []string
}

// Client represents a WebSocket client.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool
}

// Message is the WebSocket envelope.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // request, response, event
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Deps bundles the server's collaborators.
type Deps struct {
	Store    *ledger.Ledger
	Engine   *loop.Loop
	Sessions *session.Manager
	Strat    *strategist.Strategist
	Enricher *enrich.Service
	Agents   []string
}

// NewServer creates the API server and wires loop events into the hub.
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	server := &Server{
		logger:   logger.Named("api"),
		config:   config,
		router:   mux.NewRouter(),
		clients:  make(map[string]*Client),
		store:    deps.Store,
		engine:   deps.Engine,
		sessions: deps.Sessions,
		strat:    deps.Strat,
		enricher: deps.Enricher,
		agents:   deps.Agents,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if deps.Engine != nil {
		deps.Engine.OnEvent = func(ev loop.Event) {
			server.broadcast(&Message{
				ID:        uuid.New().String(),
				Type:      "event",
				Method:    ev.Type,
				Payload:   ev,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")

	s.router.HandleFunc("/api/session", s.handleGetSession).Methods("GET")
	s.router.HandleFunc("/api/session/start", s.handleSessionStart).Methods("POST")
	s.router.HandleFunc("/api/session/end", s.handleSessionEnd).Methods("POST")
	s.router.HandleFunc("/api/session/performance", s.handlePerformance).Methods("GET")
	s.router.HandleFunc("/api/session/export", s.handleSessionExport).Methods("GET")

	s.router.HandleFunc("/api/trading/start", s.handleTradingStart).Methods("POST")
	s.router.HandleFunc("/api/trading/stop", s.handleTradingStop).Methods("POST")
	s.router.HandleFunc("/api/trading/close-all", s.handleCloseAll).Methods("POST")

	s.router.HandleFunc("/api/agents", s.handleGetAgents).Methods("GET")
	s.router.HandleFunc("/api/agents/{id}/toggle", s.handleToggleAgent).Methods("POST")
	s.router.HandleFunc("/api/agents/{id}/config", s.handleUpdateAgentConfig).Methods("PUT")

	s.router.HandleFunc("/api/accounts", s.handleGetAccounts).Methods("GET")
	s.router.HandleFunc("/api/accounts", s.handleSaveAccounts).Methods("PUT")

	s.router.HandleFunc("/api/trades", s.handleGetTrades).Methods("GET")
	s.router.HandleFunc("/api/positions", s.handleGetPositions).Methods("GET")
	s.router.HandleFunc("/api/positions/validate", s.handleValidatePositions).Methods("POST")
	s.router.HandleFunc("/api/decisions", s.handleGetDecisions).Methods("GET")
	s.router.HandleFunc("/api/adjustments", s.handleGetAdjustments).Methods("GET")

	s.router.HandleFunc("/api/strategist/insights", s.handleStrategistInsights).Methods("GET")
	s.router.HandleFunc("/api/strategist/analyze", s.handleStrategistAnalyze).Methods("GET")
	s.router.HandleFunc("/api/strategist/execute", s.handleStrategistExecute).Methods("POST")

	s.router.HandleFunc("/api/config/risk", s.handleGetRiskConfig).Methods("GET")
	s.router.HandleFunc("/api/config/risk", s.handleSaveRiskConfig).Methods("PUT")

	s.router.HandleFunc("/api/keys", s.handleGetKeys).Methods("GET")
	s.router.HandleFunc("/api/keys", s.handleSaveKeys).Methods("PUT")
	s.router.HandleFunc("/api/keys/selections", s.handleGetSelections).Methods("GET")
	s.router.HandleFunc("/api/keys/selections", s.handleSaveSelections).Methods("PUT")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
