package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"binance-bot-fleet/internal/tools"
)

type apiFixture struct {
	server  *Server
	venue   *exchange.Mock
	manager *bot.Manager
	store   *database.InMemoryStore
	mem     *memory.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
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
	surface := tools.NewSurface(tools.Deps{
		Exchange:   venue,
		Manager:    manager,
		Controller: controller,
		Tracker:    tracker,
		Memory:     mem,
		Trades:     store,
	})
	server := NewServer(Config{
		Production:      true,
		DefaultStrategy: "rsi",
		DefaultSymbol:   "BTCUSDT",
		DefaultAmount:   100,
		MaxPositionSize: 1000,
	}, Deps{
		Manager:    manager,
		Controller: controller,
		Strategies: registry,
		Tools:      surface,
		Tracker:    tracker,
		Memory:     mem,
		Exchange:   venue,
		Storage:    store,
		Bus:        bus,
		Auth:       auth.NewManager("test-secret"),
	})
	return &apiFixture{server: server, venue: venue, manager: manager, store: store, mem: mem}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["exchange"])
	assert.Equal(t, true, body["storage"])

	f.venue.FailPing(errs.New(errs.KindNetwork, "venue down"))
	rec = f.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartAndStopBot(t *testing.T) {
	f := newAPIFixture(t)
	f.venue.SetKlines("ETHUSDT", "5m", nil)

	rec := f.do(t, http.MethodPost, "/api/bot/start",
		`{"strategy":"rsi","symbol":"ETHUSDT","timeframe":"5m","amount":100}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	botID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodGet, "/api/bot/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["running"])

	rec = f.do(t, http.MethodPost, "/api/bot/stop/"+botID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/bots", "", nil)
	bots := decode(t, rec)["bots"].([]interface{})
	require.Len(t, bots, 1)
	assert.Equal(t, "Stopped", bots[0].(map[string]interface{})["state"])
}

func TestStartBotValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/bot/start", `{"symbol":"ETHUSDT"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ERR_CONFIG", decode(t, rec)["error_kind"])

	rec = f.do(t, http.MethodPost, "/api/bot/start",
		`{"strategy":"astrology","symbol":"ETHUSDT","timeframe":"5m","amount":100}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/bot/stop/unknown-bot", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartBotAppliesConfiguredDefaults(t *testing.T) {
	f := newAPIFixture(t)
	f.venue.SetKlines("BTCUSDT", "5m", nil)

	rec := f.do(t, http.MethodPost, "/api/bot/start", `{"timeframe":"5m"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "rsi", body["strategy"])
	assert.Equal(t, "BTCUSDT", body["symbol"])
	assert.Equal(t, "100", body["allocated_amount"])
}

func TestStartBotRejectsOversizedAllocation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/bot/start",
		`{"strategy":"rsi","symbol":"ETHUSDT","timeframe":"5m","amount":5000}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ERR_CONFIG", body["error_kind"])
	assert.Contains(t, body["message"], "maximum position size")
}

func TestTradesEndpointFilters(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	stopLoss := database.ExitReasonStopLoss
	pnl := decimal.NewFromInt(-5)
	require.NoError(t, f.store.InsertTrade(ctx, &database.TradeRecord{
		ID: "t-1", BotID: "b-1", Symbol: "ETHUSDT", Side: "BUY", Strategy: "rsi",
		Quantity: decimal.NewFromFloat(0.05), DecisionPrice: decimal.NewFromInt(2000),
		ExecutionPrice: decimal.NewFromInt(2001), CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.InsertTrade(ctx, &database.TradeRecord{
		ID: "t-2", BotID: "b-1", Symbol: "ETHUSDT", Side: "SELL", Strategy: "rsi",
		Quantity: decimal.NewFromFloat(0.05), DecisionPrice: decimal.NewFromInt(1900),
		ExecutionPrice: decimal.NewFromInt(1900), ExitReason: &stopLoss, RealizedPnL: &pnl,
		CreatedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodGet, "/api/trades", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["trades"], 2)

	rec = f.do(t, http.MethodGet, "/api/trades?exit_reason=STOP_LOSS", "", nil)
	trades := decode(t, rec)["trades"].([]interface{})
	require.Len(t, trades, 1)
	assert.Equal(t, "t-2", trades[0].(map[string]interface{})["id"])

	// A newer trade without the filtered exit reason must not eat the page:
	// with limit=1 the stop-loss trade is still found behind it.
	require.NoError(t, f.store.InsertTrade(ctx, &database.TradeRecord{
		ID: "t-3", BotID: "b-1", Symbol: "ETHUSDT", Side: "BUY", Strategy: "rsi",
		Quantity: decimal.NewFromFloat(0.05), DecisionPrice: decimal.NewFromInt(1800),
		ExecutionPrice: decimal.NewFromInt(1800), CreatedAt: time.Now(),
	}))
	rec = f.do(t, http.MethodGet, "/api/trades?exit_reason=STOP_LOSS&limit=1", "", nil)
	trades = decode(t, rec)["trades"].([]interface{})
	require.Len(t, trades, 1)
	assert.Equal(t, "t-2", trades[0].(map[string]interface{})["id"])

	rec = f.do(t, http.MethodGet, "/api/trades?limit=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemoryRoutes(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.Save(ctx, "bot-1", database.MemoryTypeTradeLearning,
		map[string]interface{}{
			"symbol":      "ETHUSDT",
			"strategy":    "rsi",
			"outcome":     "success",
			"pnl_percent": 1.2,
			"lessons":     []string{"entry timing was clean"},
		},
		map[string]interface{}{"trade_id": "t-1"}))

	rec := f.do(t, http.MethodGet, "/api/memory/bot-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["records"], 1)

	rec = f.do(t, http.MethodGet, "/api/memory/bot-1/lessons", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lessons := decode(t, rec)["lessons"].([]interface{})
	require.Len(t, lessons, 1)
	assert.Equal(t, "entry timing was clean", lessons[0])

	rec = f.do(t, http.MethodGet, "/api/memory/pattern/ETHUSDT/rsi", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	insight := decode(t, rec)
	assert.Equal(t, float64(1), insight["total_trades"])

	rec = f.do(t, http.MethodGet, "/api/memory/insights/collective", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["records"], 1)

	rec = f.do(t, http.MethodGet, "/api/memory/bot-1/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVolatileMarket(t *testing.T) {
	f := newAPIFixture(t)
	f.venue.SetSymbols("BTCUSDT", "PEPEUSDT")
	f.venue.SetStats("BTCUSDT", &exchange.Ticker24h{HighPrice: 102, LowPrice: 100, QuoteVolume: 500})
	f.venue.SetStats("PEPEUSDT", &exchange.Ticker24h{HighPrice: 130, LowPrice: 100, QuoteVolume: 50})

	rec := f.do(t, http.MethodGet, "/api/market/volatile", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	symbols := decode(t, rec)["symbols"].([]interface{})
	require.Len(t, symbols, 2)
	assert.Equal(t, "PEPEUSDT", symbols[0].(map[string]interface{})["symbol"])
}

func TestStrategiesEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/strategies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	strategies := decode(t, rec)["strategies"].([]interface{})
	assert.Len(t, strategies, 6)
}

func TestToolRoutes(t *testing.T) {
	f := newAPIFixture(t)
	f.venue.SetPrice("BTCUSDT", 61000)

	rec := f.do(t, http.MethodGet, "/api/mcp/tools", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["tools"], 12)

	rec = f.do(t, http.MethodPost, "/api/mcp/tools/get_current_price",
		`{"parameters":{"symbol":"BTCUSDT"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])

	rec = f.do(t, http.MethodPost, "/api/mcp/tools/summon_liquidity", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ERR_UNKNOWN_TOOL", decode(t, rec)["error_kind"])
}

func TestExecuteOrderToolViaHTTPNeedsToken(t *testing.T) {
	f := newAPIFixture(t)
	f.venue.SetPrice("BTCUSDT", 61000)
	body := `{"parameters":{"symbol":"BTCUSDT","side":"BUY","quantity":0.001}}`

	rec := f.do(t, http.MethodPost, "/api/mcp/tools/execute_order", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	manager := auth.NewManager("test-secret")
	token, err := manager.Issue("agent-1", []string{auth.ScopeTradeExecute}, time.Minute)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/mcp/tools/execute_order", body,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, f.venue.Orders(), 1)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))
}
