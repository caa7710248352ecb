package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// Acquire failure taxonomy. All are non-fatal; callers skip the agent and
// retry on a later tick.
var (
	ErrLockTimeout   = errors.New("gate: lock acquisition timed out")
	ErrAgentUnknown  = errors.New("gate: no account configured for agent")
	ErrAgentDisabled = errors.New("gate: account disabled for agent")
	ErrInitFailed    = errors.New("gate: terminal initialization failed")
	ErrLoginMismatch = errors.New("gate: terminal logged into unexpected account")
	ErrNoAccountInfo = errors.New("gate: terminal returned no account info")
)

// AccountProvider returns the current account credential map. It is consulted
// on every Acquire so credential edits take effect without a restart.
type AccountProvider func() map[string]types.AccountConfig

// GateConfig tunes the acquisition discipline.
type GateConfig struct {
	LockTimeout time.Duration
	InitTimeout time.Duration
	// SettleDelay is the pause between tearing down the previous session
	// and initializing the next one. The terminal rejects immediate
	// re-initialization after a shutdown.
	SettleDelay time.Duration
}

// DefaultGateConfig returns the production acquisition timing.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		LockTimeout: 30 * time.Second,
		InitTimeout: 60 * time.Second,
		SettleDelay: time.Second,
	}
}

// Gate owns the process-wide terminal session token. At most one holder at a
// time; every successful Acquire must be paired with exactly one Release.
type Gate struct {
	logger   *zap.Logger
	config   GateConfig
	terminal Terminal
	accounts AccountProvider

	sem chan struct{}

	mu     sync.Mutex
	held   bool
	holder string
}

// NewGate creates the gate for a terminal and credential source.
func NewGate(logger *zap.Logger, config GateConfig, terminal Terminal, accounts AccountProvider) *Gate {
	return &Gate{
		logger:   logger.Named("gate"),
		config:   config,
		terminal: terminal,
		accounts: accounts,
		sem:      make(chan struct{}, 1),
	}
}

// Acquire blocks up to the lock timeout for the session token, then tears
// down any prior session, initializes the terminal with the agent's
// credentials and verifies the active login. On any failure the token is
// released before returning.
func (g *Gate) Acquire(agentID string) (*types.AccountInfo, error) {
	account, ok := g.accounts()[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	if !account.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrAgentDisabled, agentID)
	}

	timer := time.NewTimer(g.config.LockTimeout)
	defer timer.Stop()
	select {
	case g.sem <- struct{}{}:
	case <-timer.C:
		g.logger.Warn("Lock acquisition timed out", zap.String("agent", agentID))
		return nil, fmt.Errorf("%w after %s (agent %s)", ErrLockTimeout, g.config.LockTimeout, agentID)
	}

	g.mu.Lock()
	g.held = true
	g.holder = agentID
	g.mu.Unlock()

	info, err := g.connect(agentID, account)
	if err != nil {
		g.Release()
		return nil, err
	}

	g.logger.Debug("Terminal session acquired",
		zap.String("agent", agentID),
		zap.Int64("login", info.Login),
	)
	return info, nil
}

func (g *Gate) connect(agentID string, account types.AccountConfig) (*types.AccountInfo, error) {
	// A previous holder may have left a session behind after a crash path;
	// always start from a clean terminal.
	g.terminal.Shutdown()
	if g.config.SettleDelay > 0 {
		time.Sleep(g.config.SettleDelay)
	}

	if err := g.terminal.Initialize(account.Path, account.Login, account.Password, account.Server, g.config.InitTimeout); err != nil {
		g.logger.Warn("Terminal init failed",
			zap.String("agent", agentID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	info, err := g.terminal.AccountInfo()
	if err != nil || info == nil {
		return nil, fmt.Errorf("%w (agent %s)", ErrNoAccountInfo, agentID)
	}
	if info.Login != account.Login {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrLoginMismatch, account.Login, info.Login)
	}
	return info, nil
}

// Release shuts the terminal session down and returns the token. Idempotent:
// releasing an unheld gate is a no-op.
func (g *Gate) Release() {
	g.mu.Lock()
	if !g.held {
		g.mu.Unlock()
		return
	}
	holder := g.holder
	g.held = false
	g.holder = ""
	g.mu.Unlock()

	g.terminal.Shutdown()
	<-g.sem

	g.logger.Debug("Terminal session released", zap.String("agent", holder))
}

// Holder reports the current token owner, empty when free.
func (g *Gate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}
