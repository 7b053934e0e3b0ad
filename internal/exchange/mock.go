package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/errs"
)

// Mock is an in-memory venue used by tests and MOCK_MODE deployments.
// Prices are set by the test (or generated flat); market orders fill fully
// at the current price.
type Mock struct {
	mu          sync.Mutex
	prices      map[string]float64
	klines      map[string][]Kline // keyed symbol:timeframe
	balances    map[string]float64
	stats       map[string]*Ticker24h
	filters     map[string]*SymbolFilter
	symbols     []string
	nextOrderID int64
	orders      []*Order
	pingErr     error
	orderErr    error
	klineErr    error
	priceErr    error
}

// NewMock creates an empty mock venue.
func NewMock() *Mock {
	return &Mock{
		prices:      make(map[string]float64),
		klines:      make(map[string][]Kline),
		balances:    map[string]float64{"USDT": 10000},
		stats:       make(map[string]*Ticker24h),
		filters:     make(map[string]*SymbolFilter),
		nextOrderID: 1,
	}
}

// SetPrice sets the current price for a symbol.
func (m *Mock) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetKlines installs a candle series for symbol:timeframe.
func (m *Mock) SetKlines(symbol, timeframe string, klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol+":"+timeframe] = klines
}

// SetBalance sets the free balance of an asset.
func (m *Mock) SetBalance(asset string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = amount
}

// SetStats installs 24h statistics for a symbol.
func (m *Mock) SetStats(symbol string, stats *Ticker24h) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[symbol] = stats
}

// SetSymbols sets the tradable symbol universe.
func (m *Mock) SetSymbols(symbols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = symbols
}

// SetFilter installs lot constraints for a symbol.
func (m *Mock) SetFilter(symbol string, filter *SymbolFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[symbol] = filter
}

// FailOrders makes subsequent order placements return err (nil to clear).
func (m *Mock) FailOrders(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderErr = err
}

// FailKlines makes subsequent kline reads return err (nil to clear).
func (m *Mock) FailKlines(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klineErr = err
}

// FailPrices makes subsequent price reads return err (nil to clear).
func (m *Mock) FailPrices(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceErr = err
}

// FailPing makes Ping return err (nil to clear).
func (m *Mock) FailPing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Orders returns all orders placed so far.
func (m *Mock) Orders() []*Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Order, len(m.orders))
	copy(out, m.orders)
	return out
}

func (m *Mock) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priceErr != nil {
		return 0, m.priceErr
	}
	price, ok := m.prices[symbol]
	if !ok {
		return 0, errs.Newf(errs.KindSymbolUnsupported, "no price for %s", symbol)
	}
	return price, nil
}

func (m *Mock) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.klineErr != nil {
		return nil, m.klineErr
	}
	klines := m.klines[symbol+":"+timeframe]
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]Kline, len(klines))
	copy(out, klines)
	return out, nil
}

func (m *Mock) GetBalance(ctx context.Context, asset string, mode TradingMode) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[asset], nil
}

func (m *Mock) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity decimal.Decimal, mode TradingMode) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	price, ok := m.prices[symbol]
	if !ok {
		return nil, errs.Newf(errs.KindSymbolUnsupported, "no price for %s", symbol)
	}
	p := decimal.NewFromFloat(price)
	order := &Order{
		OrderID:      m.nextOrderID,
		Symbol:       symbol,
		Side:         side,
		ExecutedQty:  quantity,
		TransactTime: time.Now(),
		Fills: []Fill{{
			Price:    p,
			Quantity: quantity,
			QuoteQty: p.Mul(quantity),
		}},
	}
	m.nextOrderID++
	m.orders = append(m.orders, order)
	return order, nil
}

func (m *Mock) Get24hStats(ctx context.Context, symbol string) (*Ticker24h, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stats, ok := m.stats[symbol]; ok {
		out := *stats
		return &out, nil
	}
	return nil, errs.Newf(errs.KindSymbolUnsupported, "no stats for %s", symbol)
}

func (m *Mock) ListTradableSymbols(ctx context.Context, quote string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.symbols))
	copy(out, m.symbols)
	return out, nil
}

func (m *Mock) GetSymbolFilter(ctx context.Context, symbol string) (*SymbolFilter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.filters[symbol]; ok {
		out := *f
		return &out, nil
	}
	return &SymbolFilter{Symbol: symbol}, nil
}

func (m *Mock) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}
