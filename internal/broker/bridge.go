package broker

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrBridge wraps transport failures against the terminal bridge.
var ErrBridge = errors.New("broker: bridge request failed")

// BridgeTerminal talks to the local terminal bridge, a thin REST sidecar in
// front of the MT5 terminal. The sidecar holds exactly one terminal session;
// the Gate guarantees this client is never used concurrently.
type BridgeTerminal struct {
	logger *zap.Logger
	http   *resty.Client
}

// NewBridgeTerminal creates a bridge client against the given base URL.
func NewBridgeTerminal(logger *zap.Logger, baseURL string, timeout time.Duration) *BridgeTerminal {
	return &BridgeTerminal{
		logger: logger.Named("bridge"),
		http:   resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
	}
}

type bridgeError struct {
	Error string `json:"error"`
}

func (b *BridgeTerminal) post(path string, body, out interface{}) error {
	var apiErr bridgeError
	resp, err := b.http.R().
		SetBody(body).
		SetResult(out).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBridge, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: http %d %s", ErrBridge, path, resp.StatusCode(), apiErr.Error)
	}
	return nil
}

func (b *BridgeTerminal) get(path string, params map[string]string, out interface{}) error {
	var apiErr bridgeError
	resp, err := b.http.R().
		SetQueryParams(params).
		SetResult(out).
		SetError(&apiErr).
		Get(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBridge, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: http %d %s", ErrBridge, path, resp.StatusCode(), apiErr.Error)
	}
	return nil
}

// Initialize opens a terminal session for the credentials.
func (b *BridgeTerminal) Initialize(path string, login int64, password, server string, timeout time.Duration) error {
	body := map[string]interface{}{
		"login":      login,
		"password":   password,
		"server":     server,
		"timeout_ms": timeout.Milliseconds(),
	}
	if path != "" {
		body["path"] = path
	}
	var out struct {
		Initialized bool `json:"initialized"`
	}
	if err := b.post("/initialize", body, &out); err != nil {
		return err
	}
	if !out.Initialized {
		return fmt.Errorf("%w: terminal refused initialization", ErrBridge)
	}
	return nil
}

// Shutdown tears the session down. Errors are swallowed: a dead bridge
// session is as shut down as it gets.
func (b *BridgeTerminal) Shutdown() {
	var out struct{}
	if err := b.post("/shutdown", map[string]interface{}{}, &out); err != nil {
		b.logger.Debug("Bridge shutdown failed", zap.Error(err))
	}
}

// AccountInfo returns the active account snapshot.
func (b *BridgeTerminal) AccountInfo() (*types.AccountInfo, error) {
	var info types.AccountInfo
	if err := b.get("/account_info", nil, &info); err != nil {
		return nil, err
	}
	if info.Login == 0 {
		return nil, fmt.Errorf("%w: no account info", ErrBridge)
	}
	return &info, nil
}

// SymbolInfo returns the symbol's contract parameters.
func (b *BridgeTerminal) SymbolInfo(symbol string) (*types.SymbolInfo, error) {
	var info types.SymbolInfo
	if err := b.get("/symbol_info", map[string]string{"symbol": symbol}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SymbolSelect shows or hides the symbol in market watch.
func (b *BridgeTerminal) SymbolSelect(symbol string, visible bool) error {
	var out struct{}
	return b.post("/symbol_select", map[string]interface{}{
		"symbol":  symbol,
		"visible": visible,
	}, &out)
}

// Tick returns the latest bid/ask.
func (b *BridgeTerminal) Tick(symbol string) (*types.TickData, error) {
	var tick types.TickData
	if err := b.get("/tick", map[string]string{"symbol": symbol}, &tick); err != nil {
		return nil, err
	}
	return &tick, nil
}

// CopyRates returns candles from the most recent bar backwards.
func (b *BridgeTerminal) CopyRates(symbol string, timeframe types.Timeframe, start, count int) ([]types.Candle, error) {
	var candles []types.Candle
	err := b.get("/copy_rates", map[string]string{
		"symbol":    symbol,
		"timeframe": string(timeframe),
		"start":     strconv.Itoa(start),
		"count":     strconv.Itoa(count),
	}, &candles)
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// Positions returns open positions, optionally filtered by symbol.
func (b *BridgeTerminal) Positions(symbol string) ([]types.OpenPosition, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var positions []types.OpenPosition
	if err := b.get("/positions", params, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// DealsForPosition returns the history deals tied to a position id.
func (b *BridgeTerminal) DealsForPosition(positionID int64) ([]types.Deal, error) {
	var deals []types.Deal
	err := b.get("/deals", map[string]string{
		"position": strconv.FormatInt(positionID, 10),
	}, &deals)
	if err != nil {
		return nil, err
	}
	return deals, nil
}

// OrderSend submits an order request.
func (b *BridgeTerminal) OrderSend(req *types.OrderRequest) (*types.OrderResult, error) {
	var result types.OrderResult
	if err := b.post("/order_send", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
