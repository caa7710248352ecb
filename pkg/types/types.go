// Package types provides shared type definitions for the trading engine.
package types

import "time"

// Direction represents the side of a trade
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// Timeframe identifies a terminal candle timeframe
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// SessionStatus represents the lifecycle state of a trading session
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
)

// Session is the single per-database trading session record
type Session struct {
	ID           string        `json:"id"`
	StartTime    string        `json:"start_time"`
	EndTime      string        `json:"end_time,omitempty"`
	BalanceStart float64       `json:"balance_start"`
	BalanceEnd   float64       `json:"balance_end,omitempty"`
	Profit       float64       `json:"profit,omitempty"`
	Status       SessionStatus `json:"status"`
}

// TicketStatus tracks whether a recorded position is still open
type TicketStatus string

const (
	TicketOpen   TicketStatus = "open"
	TicketClosed TicketStatus = "closed"
)

// Ticket links an order we opened to its terminal position id
type Ticket struct {
	Ticket    int64        `json:"ticket"`
	AgentID   string       `json:"agent_id"`
	Symbol    string       `json:"symbol"`
	Direction Direction    `json:"direction"`
	OpenedAt  string       `json:"opened_at"`
	Status    TicketStatus `json:"status"`
}

// ClosedTrade is the closing deal record enriched with agent ownership
// and, when observable, the opening deal's price and time
type ClosedTrade struct {
	PositionID int64   `json:"position_id"`
	Ticket     int64   `json:"ticket"`
	AgentID    string  `json:"agent_id"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	Profit     float64 `json:"profit"`
	Swap       float64 `json:"swap"`
	Commission float64 `json:"commission"`
	Time       int64   `json:"time"`
	OpenPrice  float64 `json:"open_price,omitempty"`
	OpenTime   int64   `json:"open_time,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	SyncedAt   string  `json:"synced_at"`
}

// OpenPosition is a terminal position snapshot, rewritten wholesale on sync
type OpenPosition struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Comment      string  `json:"comment"`
	AgentID      string  `json:"agent_id,omitempty"`
}

// Stats is derived from an agent's closed-trade ledger
type Stats struct {
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	Breakeven    int     `json:"breakeven"`
	Winrate      float64 `json:"winrate"`
	TotalProfit  float64 `json:"total_profit"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	RiskReward   float64 `json:"risk_reward"`
	BestTrade    float64 `json:"best_trade"`
	WorstTrade   float64 `json:"worst_trade"`
	UpdatedAt    string  `json:"updated_at"`
}

// PerformanceSample is one point of an agent's (or the master) equity curve
type PerformanceSample struct {
	Timestamp   string  `json:"timestamp"`
	ClosedPnL   float64 `json:"closed_pnl"`
	FloatingPnL float64 `json:"floating_pnl"`
}

// PerformanceHistory maps agent id (or "master") to its sample ring
type PerformanceHistory map[string][]PerformanceSample

// AdjustmentEntry records one committed parameter mutation
type AdjustmentEntry struct {
	ID        string  `json:"id,omitempty"`
	Timestamp string  `json:"timestamp"`
	AgentID   string  `json:"agent_id"`
	Type      string  `json:"type"`
	Field     string  `json:"field,omitempty"`
	OldValue  float64 `json:"old_value,omitempty"`
	NewValue  float64 `json:"new_value,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Decision records one decider outcome, executed or not
type Decision struct {
	Timestamp string  `json:"timestamp"`
	AgentID   string  `json:"agent_id"`
	Action    string  `json:"action"`
	Reason    string  `json:"reason"`
	Price     float64 `json:"price"`
	Executed  bool    `json:"executed"`
}

// TradeSignal is what a strategy agent emits when it wants a position opened
type TradeSignal struct {
	AgentID    string    `json:"agent_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	SL         float64   `json:"sl"`
	TP         float64   `json:"tp"`
	Reason     string    `json:"reason"`
	Confidence int       `json:"confidence"`
}

// AccountInfo is the terminal account snapshot returned on connect
type AccountInfo struct {
	Login      int64   `json:"login"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	MarginFree float64 `json:"margin_free"`
}

// SymbolInfo describes a tradable symbol's contract parameters
type SymbolInfo struct {
	Name         string  `json:"name"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	TickSize     float64 `json:"tick_size"`
	TickValue    float64 `json:"tick_value"`
	ContractSize float64 `json:"contract_size"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	Visible      bool    `json:"visible"`
}

// TickData is a best bid/ask snapshot
type TickData struct {
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Time time.Time `json:"time"`
}

// Candle is one OHLC bar
type Candle struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume int64   `json:"tick_volume"`
}

// DealEntry distinguishes opening from closing deals
type DealEntry int

const (
	DealEntryIn  DealEntry = 0
	DealEntryOut DealEntry = 1
)

// Deal is one terminal history deal tied to a position
type Deal struct {
	Ticket     int64     `json:"ticket"`
	PositionID int64     `json:"position_id"`
	Entry      DealEntry `json:"entry"`
	Type       int       `json:"type"`
	Symbol     string    `json:"symbol"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Swap       float64   `json:"swap"`
	Commission float64   `json:"commission"`
	Time       int64     `json:"time"`
	Comment    string    `json:"comment"`
}

// Order action, type, filling and retcode constants, mirroring the terminal
// wire values
const (
	TradeActionDeal = 1
	TradeActionSLTP = 6

	OrderTypeBuy  = 0
	OrderTypeSell = 1

	OrderTimeGTC     = 0
	OrderFillingIOC  = 1
	TradeRetcodeDone = 10009
)

// OrderRequest is a terminal order_send request
type OrderRequest struct {
	Action      int     `json:"action"`
	Symbol      string  `json:"symbol"`
	Volume      float64 `json:"volume"`
	Type        int     `json:"type"`
	Position    int64   `json:"position,omitempty"`
	Price       float64 `json:"price,omitempty"`
	SL          float64 `json:"sl,omitempty"`
	TP          float64 `json:"tp,omitempty"`
	Deviation   int     `json:"deviation,omitempty"`
	Magic       int64   `json:"magic,omitempty"`
	Comment     string  `json:"comment,omitempty"`
	TypeTime    int     `json:"type_time"`
	TypeFilling int     `json:"type_filling"`
}

// OrderResult is the terminal's reply to an OrderRequest
type OrderResult struct {
	Retcode int     `json:"retcode"`
	Order   int64   `json:"order"`
	Price   float64 `json:"price"`
	Volume  float64 `json:"volume"`
	Comment string  `json:"comment"`
}
