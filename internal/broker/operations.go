package broker

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/g13-desktop/trading-engine/pkg/utils"
	"go.uber.org/zap"
)

// ErrOrderRejected is returned when the terminal refuses an order.
var ErrOrderRejected = errors.New("broker: order rejected")

// Minimum SL/TP move worth sending to the terminal. Anything below is noise
// from float rounding.
const minModifyDelta = 0.01

// Ops wraps trade operations over a terminal session. Every method assumes
// the caller holds the Gate; none of them acquire or release it.
type Ops struct {
	logger   *zap.Logger
	terminal Terminal
}

// NewOps creates the operation wrapper.
func NewOps(logger *zap.Logger, terminal Terminal) *Ops {
	return &Ops{
		logger:   logger.Named("broker"),
		terminal: terminal,
	}
}

// Terminal exposes the underlying gateway for read-only queries.
func (o *Ops) Terminal() Terminal {
	return o.terminal
}

// SnapVolume converts a raw volume into a valid lot size for the symbol:
// floored to the volume step and clamped to the broker's [min, max].
func (o *Ops) SnapVolume(symbol string, raw float64) (float64, error) {
	info, err := o.terminal.SymbolInfo(symbol)
	if err != nil {
		return 0, fmt.Errorf("symbol info for %s: %w", symbol, err)
	}
	return utils.SnapVolume(raw, info.VolumeStep, info.VolumeMin, info.VolumeMax), nil
}

// OpenTrade places a market order for the signal. BUY fills at ask, SELL at
// bid. The order carries the agent's magic number and comment tag so its
// position stays attributable.
func (o *Ops) OpenTrade(agentID string, signal *types.TradeSignal, volume float64) (*types.OrderResult, error) {
	info, err := o.terminal.SymbolInfo(signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info for %s: %w", signal.Symbol, err)
	}
	if !info.Visible {
		if err := o.terminal.SymbolSelect(signal.Symbol, true); err != nil {
			return nil, fmt.Errorf("symbol select %s: %w", signal.Symbol, err)
		}
	}

	tick, err := o.terminal.Tick(signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("tick for %s: %w", signal.Symbol, err)
	}

	orderType := types.OrderTypeBuy
	price := tick.Ask
	if signal.Direction == types.DirectionSell {
		orderType = types.OrderTypeSell
		price = tick.Bid
	}

	req := &types.OrderRequest{
		Action:      types.TradeActionDeal,
		Symbol:      signal.Symbol,
		Volume:      volume,
		Type:        orderType,
		Price:       price,
		SL:          utils.RoundTo(signal.SL, info.Digits),
		TP:          utils.RoundTo(signal.TP, info.Digits),
		Deviation:   20,
		Magic:       utils.AgentMagic(agentID),
		Comment:     CommentTag(agentID),
		TypeTime:    types.OrderTimeGTC,
		TypeFilling: types.OrderFillingIOC,
	}

	result, err := o.terminal.OrderSend(req)
	if err != nil {
		return nil, fmt.Errorf("order send: %w", err)
	}
	if result.Retcode != types.TradeRetcodeDone {
		return nil, fmt.Errorf("%w: retcode=%d comment=%s", ErrOrderRejected, result.Retcode, result.Comment)
	}

	o.logger.Info("Trade opened",
		zap.String("agent", agentID),
		zap.String("symbol", signal.Symbol),
		zap.String("direction", string(signal.Direction)),
		zap.Float64("volume", volume),
		zap.Float64("price", result.Price),
		zap.Int64("order", result.Order),
	)
	return result, nil
}

// ClosePosition sends the opposite market order against an open position.
func (o *Ops) ClosePosition(pos types.OpenPosition) error {
	tick, err := o.terminal.Tick(pos.Symbol)
	if err != nil {
		return fmt.Errorf("tick for %s: %w", pos.Symbol, err)
	}

	// A BUY closes with a SELL at bid and vice versa.
	orderType := types.OrderTypeSell
	price := tick.Bid
	if pos.Type == string(types.DirectionSell) {
		orderType = types.OrderTypeBuy
		price = tick.Ask
	}

	req := &types.OrderRequest{
		Action:      types.TradeActionDeal,
		Symbol:      pos.Symbol,
		Volume:      pos.Volume,
		Type:        orderType,
		Position:    pos.Ticket,
		Price:       price,
		Deviation:   20,
		Comment:     pos.Comment,
		TypeTime:    types.OrderTimeGTC,
		TypeFilling: types.OrderFillingIOC,
	}

	result, err := o.terminal.OrderSend(req)
	if err != nil {
		return fmt.Errorf("order send: %w", err)
	}
	if result.Retcode != types.TradeRetcodeDone {
		return fmt.Errorf("%w: retcode=%d comment=%s", ErrOrderRejected, result.Retcode, result.Comment)
	}

	o.logger.Info("Position closed",
		zap.Int64("ticket", pos.Ticket),
		zap.String("symbol", pos.Symbol),
		zap.Float64("profit", pos.Profit),
	)
	return nil
}

// ModifySLTP rewrites a position's stop loss and take profit. Returns false
// without touching the terminal when neither value moves by at least the
// minimum delta.
func (o *Ops) ModifySLTP(pos types.OpenPosition, newSL, newTP float64) (bool, error) {
	if math.Abs(newSL-pos.SL) < minModifyDelta && math.Abs(newTP-pos.TP) < minModifyDelta {
		return false, nil
	}

	info, err := o.terminal.SymbolInfo(pos.Symbol)
	if err != nil {
		return false, fmt.Errorf("symbol info for %s: %w", pos.Symbol, err)
	}

	req := &types.OrderRequest{
		Action:   types.TradeActionSLTP,
		Symbol:   pos.Symbol,
		Position: pos.Ticket,
		SL:       utils.RoundTo(newSL, info.Digits),
		TP:       utils.RoundTo(newTP, info.Digits),
	}

	result, err := o.terminal.OrderSend(req)
	if err != nil {
		return false, fmt.Errorf("order send: %w", err)
	}
	if result.Retcode != types.TradeRetcodeDone {
		return false, fmt.Errorf("%w: retcode=%d comment=%s", ErrOrderRejected, result.Retcode, result.Comment)
	}

	o.logger.Info("Position SL/TP modified",
		zap.Int64("ticket", pos.Ticket),
		zap.Float64("sl", req.SL),
		zap.Float64("tp", req.TP),
	)
	return true, nil
}

// PositionsForAgent returns the open positions whose comment marks them as
// owned by the agent.
func (o *Ops) PositionsForAgent(agentID string) ([]types.OpenPosition, error) {
	all, err := o.terminal.Positions("")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	tag := CommentTag(agentID)
	var owned []types.OpenPosition
	for _, p := range all {
		if strings.Contains(p.Comment, tag) {
			p.AgentID = agentID
			owned = append(owned, p)
		}
	}
	return owned, nil
}

// CloseAllForAgent closes every position carrying the agent's comment tag.
// A failed close is logged and the remaining siblings are still attempted.
func (o *Ops) CloseAllForAgent(agentID string) (int, error) {
	positions, err := o.PositionsForAgent(agentID)
	if err != nil {
		return 0, err
	}

	closed := 0
	var lastErr error
	for _, pos := range positions {
		if err := o.ClosePosition(pos); err != nil {
			o.logger.Error("Failed to close position",
				zap.String("agent", agentID),
				zap.Int64("ticket", pos.Ticket),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		closed++
	}
	return closed, lastErr
}
