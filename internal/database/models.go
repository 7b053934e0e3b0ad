package database

import (
	"time"

	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/exchange"
)

// Candle window phases
const (
	PhasePreTrade    = "pre_trade"
	PhaseDuringTrade = "during_trade"
	PhasePostTrade   = "post_trade"
)

// Position status for during_trade windows
const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// Exit reasons recorded on closing trades
const (
	ExitReasonSignal     = "SIGNAL"
	ExitReasonStopLoss   = "STOP_LOSS"
	ExitReasonTakeProfit = "TAKE_PROFIT"
	ExitReasonManual     = "MANUAL"
)

// Memory record types
const (
	MemoryTypeTradeLearning = "trade_learning"
	MemoryTypeAnalysis      = "analysis"
	MemoryTypeCollective    = "collective"
)

// BotRecord is the persisted form of a bot.
type BotRecord struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Strategy        string          `json:"strategy"`
	Timeframe       string          `json:"timeframe"`
	TradingMode     string          `json:"trading_mode"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	Autonomous      bool            `json:"autonomous"`
	CreatedBy       string          `json:"created_by"`
	State           string          `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TradeRecord is an append-only record of a single fill group.
type TradeRecord struct {
	ID                    string             `json:"id"`
	BotID                 string             `json:"bot_id"`
	Symbol                string             `json:"symbol"`
	Side                  string             `json:"side"`
	Quantity              decimal.Decimal    `json:"quantity"`
	DecisionPrice         decimal.Decimal    `json:"decision_price"`
	ExecutionPrice        decimal.Decimal    `json:"execution_price"`
	DecisionTime          time.Time          `json:"decision_time"`
	ExecutionTime         time.Time          `json:"execution_time"`
	ExecutionDelaySeconds float64            `json:"execution_delay_seconds"`
	PriceSlippagePercent  float64            `json:"price_slippage_percent"`
	RealizedPnL           *decimal.Decimal   `json:"realized_pnl,omitempty"`
	ExitReason            *string            `json:"exit_reason,omitempty"`
	Strategy              string             `json:"strategy"`
	Confidence            float64            `json:"confidence"`
	Indicators            map[string]float64 `json:"indicators,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
}

// CandleWindowRecord is a phase-tagged OHLCV window tied to a bot and,
// for during_trade and post_trade phases, to the trades bounding it.
type CandleWindowRecord struct {
	ID             int64            `json:"id"`
	BotID          string           `json:"bot_id"`
	Symbol         string           `json:"symbol"`
	Timeframe      string           `json:"timeframe"`
	Phase          string           `json:"phase"`
	BuyTradeID     *string          `json:"buy_trade_id,omitempty"`
	SellTradeID    *string          `json:"sell_trade_id,omitempty"`
	Candles        []exchange.Kline `json:"candles"`
	Count          int              `json:"count"`
	PositionStatus *string          `json:"position_status,omitempty"`
	Sealed         bool             `json:"sealed"`
	StartTS        int64            `json:"start_ts"`
	EndTS          int64            `json:"end_ts"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// MemoryRecord is one entry in an agent's memory stream.
type MemoryRecord struct {
	ID        int64                  `json:"id"`
	Agent     string                 `json:"agent"`
	Type      string                 `json:"type"`
	Content   map[string]interface{} `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
