package tools

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-bot-fleet/internal/auth"
	"binance-bot-fleet/internal/autopilot"
	"binance-bot-fleet/internal/bot"
	"binance-bot-fleet/internal/candles"
	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/events"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/memory"
	"binance-bot-fleet/internal/strategy"
)

type surfaceFixture struct {
	registry *Registry
	venue    *exchange.Mock
	manager  *bot.Manager
	store    *database.InMemoryStore
}

func newSurface(t *testing.T) *surfaceFixture {
	t.Helper()
	venue := exchange.NewMock()
	store := database.NewInMemoryStore()
	bus := events.NewBus()
	registry := strategy.DefaultRegistry()
	mem := memory.NewStore(store, 0)
	tracker := candles.NewTracker(store, venue)
	manager := bot.NewManager(bot.Deps{
		Exchange:   venue,
		Strategies: registry,
		Tracker:    tracker,
		Memory:     mem,
		Repo:       store,
		Bus:        bus,
		Risk:       bot.RiskParams{StopLossPct: -5, TPMinPct: 2, TPTrailPct: 3, FeeRate: 0.001},
	})
	controller := autopilot.New(autopilot.Config{MaxAutonomous: 2}, venue, registry, manager, mem, nil, bus)
	surface := NewSurface(Deps{
		Exchange:   venue,
		Manager:    manager,
		Controller: controller,
		Tracker:    tracker,
		Memory:     mem,
		Trades:     store,
	})
	return &surfaceFixture{registry: surface, venue: venue, manager: manager, store: store}
}

func TestInvokeUnknownTool(t *testing.T) {
	f := newSurface(t)
	result := f.registry.Invoke(context.Background(), "summon_liquidity", nil)
	assert.False(t, result.OK)
	assert.Equal(t, string(errs.KindUnknownTool), result.ErrorKind)
}

func TestInvokeNeverPanics(t *testing.T) {
	f := newSurface(t)
	f.registry.Register(&Tool{
		Name: "explode",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			panic("boom")
		},
	})
	result := f.registry.Invoke(context.Background(), "explode", nil)
	assert.False(t, result.OK)
	assert.Equal(t, string(errs.KindInternal), result.ErrorKind)
}

func TestGetCurrentPrice(t *testing.T) {
	f := newSurface(t)
	f.venue.SetPrice("BTCUSDT", 61250.5)

	result := f.registry.Invoke(context.Background(), "get_current_price", Args{"symbol": "BTCUSDT"})
	require.True(t, result.OK, result.Message)
	payload := result.Result.(map[string]interface{})
	assert.Equal(t, 61250.5, payload["price"])

	result = f.registry.Invoke(context.Background(), "get_current_price", Args{})
	assert.False(t, result.OK)
	assert.Equal(t, string(errs.KindToolArgs), result.ErrorKind)
}

func TestGetMarketDataValidatesTimeframe(t *testing.T) {
	f := newSurface(t)
	f.venue.SetKlines("BTCUSDT", "5m", []exchange.Kline{{Close: 100}})

	result := f.registry.Invoke(context.Background(), "get_market_data",
		Args{"symbol": "BTCUSDT", "timeframe": "5m", "limit": float64(10)})
	require.True(t, result.OK, result.Message)

	result = f.registry.Invoke(context.Background(), "get_market_data",
		Args{"symbol": "BTCUSDT", "timeframe": "7m"})
	assert.False(t, result.OK)
	assert.Equal(t, string(errs.KindToolArgs), result.ErrorKind)
}

func TestExecuteOrderRequiresScope(t *testing.T) {
	f := newSurface(t)
	f.venue.SetPrice("BTCUSDT", 60000)
	args := Args{"symbol": "BTCUSDT", "side": "BUY", "quantity": 0.001}

	result := f.registry.Invoke(context.Background(), "execute_order", args)
	assert.False(t, result.OK)
	assert.Equal(t, string(errs.KindAuth), result.ErrorKind)
	assert.Empty(t, f.venue.Orders())

	ctx := auth.WithScopes(context.Background(), []string{auth.ScopeTradeExecute})
	result = f.registry.Invoke(ctx, "execute_order", args)
	require.True(t, result.OK, result.Message)
	require.Len(t, f.venue.Orders(), 1)
	assert.Equal(t, exchange.SideBuy, f.venue.Orders()[0].Side)
}

func TestExecuteOrderArgValidation(t *testing.T) {
	f := newSurface(t)
	ctx := auth.WithScopes(context.Background(), []string{auth.ScopeTradeExecute})

	for name, args := range map[string]Args{
		"bad side":       {"symbol": "BTCUSDT", "side": "HODL", "quantity": 1.0},
		"zero quantity":  {"symbol": "BTCUSDT", "side": "BUY", "quantity": 0.0},
		"bad order type": {"symbol": "BTCUSDT", "side": "BUY", "quantity": 1.0, "order_type": "LIMIT"},
	} {
		result := f.registry.Invoke(ctx, "execute_order", args)
		assert.False(t, result.OK, name)
		assert.Equal(t, string(errs.KindToolArgs), result.ErrorKind, name)
	}
}

func TestBotStatusTools(t *testing.T) {
	f := newSurface(t)
	ctx := context.Background()
	created, err := f.manager.Create(ctx, bot.Config{
		Symbol:          "ETHUSDT",
		Strategy:        "rsi",
		Timeframe:       "5m",
		Mode:            exchange.ModeSpot,
		AllocatedAmount: decimal.NewFromInt(100),
		Autonomous:      true,
	})
	require.NoError(t, err)

	result := f.registry.Invoke(ctx, "get_bot_status", Args{"bot_id": created.ID()})
	require.True(t, result.OK, result.Message)
	assert.Equal(t, created.ID(), result.Result.(bot.Snapshot).ID)

	result = f.registry.Invoke(ctx, "get_bot_status", Args{"bot_id": "missing"})
	assert.False(t, result.OK)

	result = f.registry.Invoke(ctx, "list_bots", nil)
	require.True(t, result.OK)
	assert.Len(t, result.Result.([]bot.Snapshot), 1)

	result = f.registry.Invoke(ctx, "get_autonomous_bots_status", nil)
	require.True(t, result.OK)
	assert.Len(t, result.Result.([]bot.Snapshot), 1)
}

func TestTradeHistoryAndInsights(t *testing.T) {
	f := newSurface(t)
	ctx := context.Background()

	require.NoError(t, f.store.InsertTrade(ctx, &testTrade))

	result := f.registry.Invoke(ctx, "get_trade_history", Args{"limit": float64(10)})
	require.True(t, result.OK, result.Message)
	trades := result.Result.(map[string]interface{})["trades"].([]*database.TradeRecord)
	require.Len(t, trades, 1)
	assert.Equal(t, "ETHUSDT", trades[0].Symbol)

	result = f.registry.Invoke(ctx, "pattern_insights", Args{"symbol": "ETHUSDT", "strategy": "rsi"})
	require.True(t, result.OK)
	insight := result.Result.(*memory.Insight)
	assert.Equal(t, memory.RecommendationNeutral, insight.Recommendation)
}

var testTrade = database.TradeRecord{
	ID:             "t-1",
	BotID:          "b-1",
	Symbol:         "ETHUSDT",
	Strategy:       "rsi",
	Side:           "BUY",
	Quantity:       decimal.NewFromFloat(0.05),
	DecisionPrice:  decimal.NewFromInt(2000),
	ExecutionPrice: decimal.NewFromInt(2001),
	CreatedAt:      time.Now(),
}

func TestListSortedByName(t *testing.T) {
	f := newSurface(t)
	names := make([]string, 0)
	for _, tool := range f.registry.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"analyze_optimal_coins",
		"execute_order",
		"get_account_balance",
		"get_autonomous_bots_status",
		"get_bot_candles",
		"get_bot_status",
		"get_current_price",
		"get_market_data",
		"get_trade_history",
		"list_bots",
		"pattern_insights",
		"start_autonomous_bot",
	}, names)
}
