package exchange

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradingMode selects the venue segment a bot trades on.
type TradingMode string

const (
	ModeSpot    TradingMode = "SPOT"
	ModeMargin  TradingMode = "MARGIN"
	ModeFutures TradingMode = "FUTURES"
)

// CanShort reports whether the mode permits opening short positions.
func (m TradingMode) CanShort() bool {
	return m == ModeMargin || m == ModeFutures
}

// Valid reports whether the mode is one of the known segments.
func (m TradingMode) Valid() bool {
	switch m {
	case ModeSpot, ModeMargin, ModeFutures:
		return true
	}
	return false
}

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the covering side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Kline is a single OHLCV candle. Times are exchange epoch millis.
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// Ticker24h is the 24-hour rolling statistics for a symbol.
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"last_price"`
	PriceChangePercent float64 `json:"price_change_percent"`
	HighPrice          float64 `json:"high_price"`
	LowPrice           float64 `json:"low_price"`
	QuoteVolume        float64 `json:"quote_volume"`
}

// Fill is a single execution inside a market order.
type Fill struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"qty"`
	QuoteQty decimal.Decimal `json:"quote_qty"`
}

// Order is the acknowledged result of a market order.
type Order struct {
	OrderID      int64           `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	ExecutedQty  decimal.Decimal `json:"executed_qty"`
	Fills        []Fill          `json:"fills"`
	TransactTime time.Time       `json:"transact_time"`
}

// VWAP returns the volume-weighted average fill price. Falls back to zero
// when the order carried no fills.
func (o *Order) VWAP() decimal.Decimal {
	totalQty := decimal.Zero
	totalQuote := decimal.Zero
	for _, f := range o.Fills {
		totalQty = totalQty.Add(f.Quantity)
		totalQuote = totalQuote.Add(f.QuoteQty)
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalQuote.Div(totalQty)
}

// SymbolFilter carries the venue's lot constraints for a symbol.
type SymbolFilter struct {
	Symbol      string          `json:"symbol"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// timeframes the engine accepts, mapped to one tick period.
var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeframeDuration converts a timeframe identifier into its tick period.
func TimeframeDuration(tf string) (time.Duration, error) {
	if d, ok := timeframes[tf]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown timeframe %q", tf)
}

// ValidTimeframe reports whether tf is a recognized timeframe.
func ValidTimeframe(tf string) bool {
	_, ok := timeframes[tf]
	return ok
}
