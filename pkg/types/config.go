// Package types provides configuration types for the trading engine.
package types

import (
	"fmt"
	"time"
)

// TPSLConfig holds the take-profit / stop-loss parameters of one agent
type TPSLConfig struct {
	TPPct               float64 `json:"tp_pct"`
	SLPct               float64 `json:"sl_pct"`
	TrailingEnabled     bool    `json:"trailing_enabled"`
	TrailingStartPct    float64 `json:"trailing_start_pct"`
	TrailingDistancePct float64 `json:"trailing_distance_pct"`
	BreakEvenEnabled    bool    `json:"break_even_enabled"`
	BreakEvenPct        float64 `json:"break_even_pct"`
	SpreadCheckEnabled  bool    `json:"spread_check_enabled"`
	MaxSpreadPoints     float64 `json:"max_spread_points"`
}

// AgentConfig is the runtime-mutable configuration of one strategy agent
type AgentConfig struct {
	Enabled          bool       `json:"enabled"`
	Name             string     `json:"name"`
	Symbol           string     `json:"symbol"`
	Timeframe        Timeframe  `json:"timeframe"`
	FiboLevel        string     `json:"fibo_level"`
	FiboTolerancePct float64    `json:"fibo_tolerance_pct"`
	CooldownSeconds  int        `json:"cooldown_seconds"`
	PositionSizePct  float64    `json:"position_size_pct"`
	MaxPositions     int        `json:"max_positions"`
	KillzoneEnabled  bool       `json:"killzone_enabled"`
	KillzoneStart    string     `json:"killzone_start"`
	KillzoneEnd      string     `json:"killzone_end"`
	IAAdjustEnabled  bool       `json:"ia_adjust_enabled"`
	TPSL             TPSLConfig `json:"tpsl_config"`
}

// DefaultAgentConfig returns a conservative agent configuration
func DefaultAgentConfig(name string) AgentConfig {
	return AgentConfig{
		Enabled:          false,
		Name:             name,
		Symbol:           "BTCUSD",
		Timeframe:        TimeframeM5,
		FiboLevel:        "0.618",
		FiboTolerancePct: 2.0,
		CooldownSeconds:  300,
		PositionSizePct:  0.01,
		MaxPositions:     1,
		KillzoneEnabled:  false,
		KillzoneStart:    "07:00",
		KillzoneEnd:      "21:00",
		IAAdjustEnabled:  true,
		TPSL: TPSLConfig{
			TPPct:               0.3,
			SLPct:               0.45,
			TrailingEnabled:     true,
			TrailingStartPct:    0.2,
			TrailingDistancePct: 0.1,
			BreakEvenEnabled:    true,
			BreakEvenPct:        0.15,
			SpreadCheckEnabled:  true,
			MaxSpreadPoints:     50,
		},
	}
}

// Validate checks the hard invariants of an agent configuration
func (c *AgentConfig) Validate() error {
	if c.TPSL.TPPct <= 0 || c.TPSL.SLPct <= 0 {
		return fmt.Errorf("agent %s: tp_pct and sl_pct must be positive", c.Name)
	}
	if c.TPSL.SLPct > 1.5*c.TPSL.TPPct {
		return fmt.Errorf("agent %s: sl_pct %.4f exceeds 1.5x tp_pct %.4f", c.Name, c.TPSL.SLPct, c.TPSL.TPPct)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("agent %s: cooldown_seconds must not be negative", c.Name)
	}
	return nil
}

// RiskConfig holds the global drawdown and loss limits
type RiskConfig struct {
	MaxDrawdownPct    float64 `json:"max_drawdown_pct"`
	MaxDailyLossPct   float64 `json:"max_daily_loss_pct"`
	EmergencyClosePct float64 `json:"emergency_close_pct"`
	WinnerNeverLoser  bool    `json:"winner_never_loser"`
}

// DefaultRiskConfig returns the default global risk limits
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxDrawdownPct:    10.0,
		MaxDailyLossPct:   5.0,
		EmergencyClosePct: 15.0,
		WinnerNeverLoser:  true,
	}
}

// AccountConfig holds one terminal account's credentials
type AccountConfig struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
	Path     string `json:"path,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// APIKey is one decider credential
type APIKey struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// APIKeyFile is the on-disk shape of config/api_keys.json
type APIKeyFile struct {
	Keys []APIKey `json:"keys"`
}

// APISelectionFile maps agent id (or "strategist") to a key id
type APISelectionFile struct {
	Selections map[string]string `json:"selections"`
}

// ServerConfig represents HTTP/WebSocket server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "localhost",
		Port:           8080,
		WebSocketPath:  "/ws",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxConnections: 100,
		EnableMetrics:  true,
	}
}
