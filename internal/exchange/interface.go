package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Client is the normalized venue interface the rest of the system consumes.
// Reads are idempotent and retried internally on transient failures; order
// placement is never retried here, the caller decides.
type Client interface {
	// GetPrice returns the latest trade price for a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetKlines returns up to limit candles ordered ascending by open time.
	// The last candle may still be in progress.
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error)

	// GetBalance returns the free balance of an asset for a trading mode.
	GetBalance(ctx context.Context, asset string, mode TradingMode) (float64, error)

	// PlaceMarketOrder submits a market order and returns its fills.
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity decimal.Decimal, mode TradingMode) (*Order, error)

	// Get24hStats returns the rolling 24h statistics for a symbol.
	Get24hStats(ctx context.Context, symbol string) (*Ticker24h, error)

	// ListTradableSymbols returns trading symbols quoted in the given asset.
	ListTradableSymbols(ctx context.Context, quote string) ([]string, error)

	// GetSymbolFilter returns lot constraints for order sizing.
	GetSymbolFilter(ctx context.Context, symbol string) (*SymbolFilter, error)

	// Ping reports venue reachability for health checks.
	Ping(ctx context.Context) error
}
