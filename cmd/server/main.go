// Package main provides the entry point for the trading engine: the broker
// gate, the agent loop, the strategist and the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/g13-desktop/trading-engine/internal/agent"
	"github.com/g13-desktop/trading-engine/internal/api"
	"github.com/g13-desktop/trading-engine/internal/broker"
	"github.com/g13-desktop/trading-engine/internal/config"
	"github.com/g13-desktop/trading-engine/internal/decider"
	"github.com/g13-desktop/trading-engine/internal/enrich"
	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/internal/loop"
	"github.com/g13-desktop/trading-engine/internal/market"
	"github.com/g13-desktop/trading-engine/internal/positions"
	"github.com/g13-desktop/trading-engine/internal/risk"
	"github.com/g13-desktop/trading-engine/internal/session"
	"github.com/g13-desktop/trading-engine/internal/stats"
	"github.com/g13-desktop/trading-engine/internal/strategist"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configDir := flag.String("config", ".", "Directory holding engine.yaml")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configDir)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting trading engine",
		zap.String("data_dir", cfg.DataDir),
		zap.Strings("agents", cfg.Agents),
	)

	store, err := ledger.New(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("Failed to initialize ledger", zap.Error(err))
	}
	seedAgentConfigs(store, cfg.Agents)

	terminal := broker.NewBridgeTerminal(logger, cfg.Broker.BridgeURL, cfg.Broker.BridgeTimeout)
	gateConfig := broker.DefaultGateConfig()
	gateConfig.LockTimeout = cfg.Broker.LockTimeout
	gateConfig.InitTimeout = cfg.Broker.InitTimeout
	gate := broker.NewGate(logger, gateConfig, terminal, store.Accounts)
	ops := broker.NewOps(logger, terminal)

	guard := risk.NewGuard(logger, store.RiskConfig)
	manager := positions.NewManager(logger, ops)
	reader := market.NewReader(logger, terminal)

	deciderClient := decider.NewClient(logger, cfg.Decider.URL, cfg.Decider.Timeout, store.SelectedKey)

	var enricher *enrich.Service
	if cfg.Enrich.Enabled {
		enricher = enrich.NewService(logger, cfg.Enrich.CacheTTL)
	}

	agents := make([]*agent.Agent, 0, len(cfg.Agents))
	for _, agentID := range cfg.Agents {
		id := agentID
		agents = append(agents, agent.New(logger, id, func() types.AgentConfig {
			configs := store.AgentConfigs()
			if c, ok := configs[id]; ok {
				return c
			}
			return types.DefaultAgentConfig(id)
		}, deciderClient, store))
	}

	sessions := session.NewManager(logger, store, cfg.Agents)
	strat := strategist.New(logger, store, deciderClient, cfg.Agents)
	sampler := stats.NewSampler(logger, store, cfg.Agents)

	engine := loop.New(logger, loop.Deps{
		Store:    store,
		Gate:     gate,
		Ops:      ops,
		Guard:    guard,
		Manager:  manager,
		Reader:   reader,
		Agents:   agents,
		Sessions: sessions,
		Strat:    strat,
		Sampler:  sampler,
		Enricher: enricher,
	}, loop.Intervals{
		Tick:       cfg.Loop.TickInterval,
		Stats:      cfg.Loop.StatsInterval,
		Strategist: cfg.Loop.StrategistInterval,
	})

	serverConfig := types.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port

	server := api.NewServer(logger, serverConfig, api.Deps{
		Store:    store,
		Engine:   engine,
		Sessions: sessions,
		Strat:    strat,
		Enricher: enricher,
		Agents:   cfg.Agents,
	})

	// An active session from a previous run resumes trading immediately.
	if sessions.Active() {
		logger.Info("Active session found, resuming trading loop")
		engine.Start()
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Engine started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	engine.Stop()
	gate.Release()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Engine stopped")
}

// seedAgentConfigs writes defaults for any configured agent missing from the
// config ledger so toggles and edits have a record to mutate.
func seedAgentConfigs(store *ledger.Ledger, agents []string) {
	configs := store.AgentConfigs()
	changed := false
	for _, agentID := range agents {
		if _, ok := configs[agentID]; !ok {
			configs[agentID] = types.DefaultAgentConfig(agentID)
			changed = true
		}
	}
	if changed {
		store.SaveAgentConfigs(configs)
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
