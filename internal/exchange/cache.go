package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CachedClient decorates a Client with a best-effort redis cache for the hot
// read paths (price, klines, 24h stats). Cache failures degrade silently to
// direct venue reads; writes and balances are never cached.
type CachedClient struct {
	inner  Client
	rdb    *redis.Client
	logger zerolog.Logger

	priceTTL  time.Duration
	klinesTTL time.Duration
	statsTTL  time.Duration
}

// NewCachedClient wraps a venue client with a redis read cache.
func NewCachedClient(inner Client, rdb *redis.Client, logger zerolog.Logger) *CachedClient {
	return &CachedClient{
		inner:     inner,
		rdb:       rdb,
		logger:    logger.With().Str("component", "exchange_cache").Logger(),
		priceTTL:  2 * time.Second,
		klinesTTL: 10 * time.Second,
		statsTTL:  30 * time.Second,
	}
}

func (c *CachedClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	key := "px:" + symbol
	if val, err := c.rdb.Get(ctx, key).Float64(); err == nil {
		return val, nil
	}
	price, err := c.inner.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if err := c.rdb.Set(ctx, key, price, c.priceTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("price cache write failed")
	}
	return price, nil
}

func (c *CachedClient) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	key := fmt.Sprintf("kl:%s:%s:%d", symbol, timeframe, limit)
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var klines []Kline
		if json.Unmarshal(raw, &klines) == nil {
			return klines, nil
		}
	}
	klines, err := c.inner.GetKlines(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(klines); err == nil {
		if err := c.rdb.Set(ctx, key, raw, c.klinesTTL).Err(); err != nil {
			c.logger.Debug().Err(err).Msg("klines cache write failed")
		}
	}
	return klines, nil
}

func (c *CachedClient) Get24hStats(ctx context.Context, symbol string) (*Ticker24h, error) {
	key := "t24:" + symbol
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var stats Ticker24h
		if json.Unmarshal(raw, &stats) == nil {
			return &stats, nil
		}
	}
	stats, err := c.inner.Get24hStats(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(stats); err == nil {
		if err := c.rdb.Set(ctx, key, raw, c.statsTTL).Err(); err != nil {
			c.logger.Debug().Err(err).Msg("stats cache write failed")
		}
	}
	return stats, nil
}

// Pass-throughs. Balances and orders must always hit the venue.

func (c *CachedClient) GetBalance(ctx context.Context, asset string, mode TradingMode) (float64, error) {
	return c.inner.GetBalance(ctx, asset, mode)
}

func (c *CachedClient) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity decimal.Decimal, mode TradingMode) (*Order, error) {
	return c.inner.PlaceMarketOrder(ctx, symbol, side, quantity, mode)
}

func (c *CachedClient) ListTradableSymbols(ctx context.Context, quote string) ([]string, error) {
	return c.inner.ListTradableSymbols(ctx, quote)
}

func (c *CachedClient) GetSymbolFilter(ctx context.Context, symbol string) (*SymbolFilter, error) {
	return c.inner.GetSymbolFilter(ctx, symbol)
}

func (c *CachedClient) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}
