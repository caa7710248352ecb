// Package broker serializes access to the single terminal session and wraps
// its trade operations.
package broker

import (
	"time"

	"github.com/g13-desktop/trading-engine/pkg/types"
)

// Terminal is the abstract broker gateway. All methods except Initialize and
// Shutdown assume an initialized session; callers must hold the Gate.
type Terminal interface {
	// Initialize opens a terminal session for the given credentials.
	Initialize(path string, login int64, password, server string, timeout time.Duration) error
	// Shutdown tears the current session down. Safe to call when no
	// session is open.
	Shutdown()

	AccountInfo() (*types.AccountInfo, error)
	SymbolInfo(symbol string) (*types.SymbolInfo, error)
	SymbolSelect(symbol string, visible bool) error
	Tick(symbol string) (*types.TickData, error)
	// CopyRates returns count candles for the symbol/timeframe starting at
	// the given offset from the most recent bar.
	CopyRates(symbol string, timeframe types.Timeframe, start, count int) ([]types.Candle, error)
	// Positions returns open positions, optionally filtered by symbol
	// (empty string means all).
	Positions(symbol string) ([]types.OpenPosition, error)
	// DealsForPosition returns the history deals tied to a position id.
	// Date-range history queries are deliberately absent: terminal server
	// time zones make them unreliable.
	DealsForPosition(positionID int64) ([]types.Deal, error)
	OrderSend(req *types.OrderRequest) (*types.OrderResult, error)
}

// CommentTag returns the order comment that marks a position as owned by
// the given agent.
func CommentTag(agentID string) string {
	return "G13_" + agentID
}
