package bot

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-bot-fleet/internal/candles"
	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/events"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/memory"
	"binance-bot-fleet/internal/strategy"
)

// script feeds a fixed signal sequence to the engine, then holds.
type script struct {
	signals []strategy.Signal
	calls   int
}

func (s *script) analyze(_ []exchange.Kline, _ strategy.Params) (*strategy.Analysis, error) {
	signal := strategy.SignalHold
	if s.calls < len(s.signals) {
		signal = s.signals[s.calls]
	}
	s.calls++
	return &strategy.Analysis{
		Signal:     signal,
		Confidence: 0.7,
		Reason:     "scripted",
		Indicators: map[string]float64{},
	}, nil
}

type harness struct {
	bot   *Bot
	venue *exchange.Mock
	store *database.InMemoryStore
	bus   *events.Bus
	run   *script
}

func newHarness(t *testing.T, mode exchange.TradingMode, signals ...strategy.Signal) *harness {
	t.Helper()
	venue := exchange.NewMock()
	store := database.NewInMemoryStore()
	run := &script{signals: signals}

	registry := strategy.NewRegistry()
	registry.Register(&strategy.Strategy{Name: "scripted", MinWindow: 1, Analyze: run.analyze})

	bus := events.NewBus()
	deps := Deps{
		Exchange:   venue,
		Strategies: registry,
		Tracker:    candles.NewTracker(store, venue),
		Memory:     memory.NewStore(store, 0),
		Repo:       store,
		Bus:        bus,
		Risk:       RiskParams{StopLossPct: -5, TPMinPct: 2, TPTrailPct: 3, FeeRate: 0},
	}
	b := New(Config{
		ID:              "bot-1",
		Symbol:          "ETHUSDT",
		Strategy:        "scripted",
		Timeframe:       "5m",
		Mode:            mode,
		AllocatedAmount: decimal.NewFromInt(100),
		CreatedBy:       "test",
	}, deps)

	return &harness{bot: b, venue: venue, store: store, bus: bus, run: run}
}

func (h *harness) setMarket(price float64) {
	h.venue.SetPrice("ETHUSDT", price)
	klines := make([]exchange.Kline, 60)
	for i := range klines {
		klines[i] = exchange.Kline{
			OpenTime: int64(i) * 300_000, Open: price, High: price, Low: price,
			Close: price, Volume: 1, CloseTime: int64(i+1)*300_000 - 1,
		}
	}
	h.venue.SetKlines("ETHUSDT", "5m", klines)
}

func (h *harness) trades(t *testing.T) []*database.TradeRecord {
	t.Helper()
	trades, err := h.store.ListTradesByBot(context.Background(), "bot-1", 100)
	require.NoError(t, err)
	// newest first; reverse to chronological
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades
}

func TestBuySignalOpensLong(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalBuy)
	h.setMarket(2000)
	ctx := context.Background()

	h.bot.tick(ctx)

	snap := h.bot.Snapshot()
	require.NotNil(t, snap.Position)
	assert.Equal(t, Long, snap.Position.Direction)
	assert.True(t, decimal.NewFromFloat(0.05).Equal(snap.Position.Quantity))
	assert.True(t, decimal.NewFromInt(2000).Equal(snap.Position.EntryPrice))

	trades := h.trades(t)
	require.Len(t, trades, 1)
	assert.Equal(t, "BUY", trades[0].Side)
	assert.Nil(t, trades[0].ExitReason)
	assert.InDelta(t, 0, trades[0].PriceSlippagePercent, 1e-9)
	assert.GreaterOrEqual(t, trades[0].ExecutionDelaySeconds, 0.0)

	// The during_trade window opened against the buy trade.
	w, err := h.store.GetWindowByTrade(ctx, "bot-1", database.PhaseDuringTrade, trades[0].ID)
	require.NoError(t, err)
	assert.False(t, w.Sealed)
}

func TestStopLossFiresBeforeStrategy(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalBuy, strategy.SignalSell)
	h.setMarket(50000)
	ctx := context.Background()

	h.bot.tick(ctx)
	require.NotNil(t, h.bot.Snapshot().Position)
	assert.Equal(t, 1, h.run.calls)

	// -5.00% exactly: the risk gate closes before the strategy is consulted.
	h.setMarket(47500)
	h.bot.tick(ctx)

	assert.Nil(t, h.bot.Snapshot().Position)
	assert.Equal(t, 1, h.run.calls, "strategy must not run on a stop-loss tick")

	trades := h.trades(t)
	require.Len(t, trades, 2)
	closing := trades[1]
	require.NotNil(t, closing.ExitReason)
	assert.Equal(t, database.ExitReasonStopLoss, *closing.ExitReason)
	require.NotNil(t, closing.RealizedPnL)
	assert.True(t, decimal.NewFromInt(-5).Equal(*closing.RealizedPnL),
		"expected -5 USDT, got %s", closing.RealizedPnL)
}

func TestTrailingTakeProfit(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalBuy)
	h.setMarket(2000)
	ctx := context.Background()

	h.bot.tick(ctx)
	require.NotNil(t, h.bot.Snapshot().Position)

	// +4% arms the trailing exit but does not fire it.
	h.setMarket(2080)
	h.bot.tick(ctx)
	pos := h.bot.Snapshot().Position
	require.NotNil(t, pos)
	assert.True(t, pos.TPArmed)
	assert.Equal(t, 2080.0, pos.HighestPrice)

	// Retracement from 2080 to 2016 is 3.08%: trail fires even though the
	// remaining gain is only +0.8%.
	h.setMarket(2016)
	h.bot.tick(ctx)

	assert.Nil(t, h.bot.Snapshot().Position)
	trades := h.trades(t)
	require.Len(t, trades, 2)
	closing := trades[1]
	require.NotNil(t, closing.ExitReason)
	assert.Equal(t, database.ExitReasonTakeProfit, *closing.ExitReason)
	require.NotNil(t, closing.RealizedPnL)
	assert.True(t, decimal.NewFromFloat(0.8).Equal(*closing.RealizedPnL),
		"expected 0.8 USDT, got %s", closing.RealizedPnL)

	// The during_trade window sealed and links both trade ids.
	w, err := h.store.GetWindowByTrade(ctx, "bot-1", database.PhaseDuringTrade, trades[0].ID)
	require.NoError(t, err)
	assert.True(t, w.Sealed)
	require.NotNil(t, w.SellTradeID)
	assert.Equal(t, closing.ID, *w.SellTradeID)

	// A post_trade window started accumulating.
	_, err = h.store.GetWindowByTrade(ctx, "bot-1", database.PhasePostTrade, closing.ID)
	assert.NoError(t, err)
}

func TestSignalSellRejectedBelowMinimumProfit(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalBuy, strategy.SignalSell, strategy.SignalSell)
	h.setMarket(100)
	ctx := context.Background()

	h.bot.tick(ctx)
	require.NotNil(t, h.bot.Snapshot().Position)

	// +1.99%: guard rejects the strategy exit, position stays open.
	h.setMarket(101.99)
	h.bot.tick(ctx)
	assert.NotNil(t, h.bot.Snapshot().Position)
	assert.Len(t, h.trades(t), 1)

	// +2.00% exactly: permitted.
	h.setMarket(102)
	h.bot.tick(ctx)
	assert.Nil(t, h.bot.Snapshot().Position)

	trades := h.trades(t)
	require.Len(t, trades, 2)
	require.NotNil(t, trades[1].ExitReason)
	assert.Equal(t, database.ExitReasonSignal, *trades[1].ExitReason)
}

func TestShortOnMarginWithTrailingExit(t *testing.T) {
	h := newHarness(t, exchange.ModeMargin, strategy.SignalSell)
	h.setMarket(50000)
	ctx := context.Background()

	h.bot.tick(ctx)
	pos := h.bot.Snapshot().Position
	require.NotNil(t, pos)
	assert.Equal(t, Short, pos.Direction)

	// Price drops 3%: favorable for the short, trail arms at the low.
	h.setMarket(48500)
	h.bot.tick(ctx)
	pos = h.bot.Snapshot().Position
	require.NotNil(t, pos)
	assert.True(t, pos.TPArmed)
	assert.Equal(t, 48500.0, pos.LowestPrice)

	// Bounce to 49955 retraces 3% from the low: trailing exit covers.
	h.setMarket(49955)
	h.bot.tick(ctx)

	assert.Nil(t, h.bot.Snapshot().Position)
	trades := h.trades(t)
	require.Len(t, trades, 2)
	assert.Equal(t, "SELL", trades[0].Side)
	assert.Equal(t, "BUY", trades[1].Side)
	require.NotNil(t, trades[1].ExitReason)
	assert.Equal(t, database.ExitReasonTakeProfit, *trades[1].ExitReason)
	require.NotNil(t, trades[1].RealizedPnL)
	assert.True(t, trades[1].RealizedPnL.IsPositive())
}

func TestBuySignalCoversShortRegardlessOfProfit(t *testing.T) {
	h := newHarness(t, exchange.ModeMargin, strategy.SignalSell, strategy.SignalBuy)
	h.setMarket(50000)
	ctx := context.Background()

	h.bot.tick(ctx)
	pos := h.bot.Snapshot().Position
	require.NotNil(t, pos)
	assert.Equal(t, Short, pos.Direction)

	// Price up 1%: the short is losing, no exit rule has fired. The BUY
	// signal still covers; holding against the strategy is not an option.
	h.setMarket(50500)
	h.bot.tick(ctx)

	assert.Nil(t, h.bot.Snapshot().Position)
	trades := h.trades(t)
	require.Len(t, trades, 2)
	closing := trades[1]
	assert.Equal(t, "BUY", closing.Side)
	require.NotNil(t, closing.ExitReason)
	assert.Equal(t, database.ExitReasonSignal, *closing.ExitReason)
	require.NotNil(t, closing.RealizedPnL)
	assert.True(t, closing.RealizedPnL.IsNegative(),
		"covering at a loss must be recorded as a loss, got %s", closing.RealizedPnL)
}

func TestSellWhileFlatOnSpotIsNoop(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalSell)
	h.setMarket(100)

	h.bot.tick(context.Background())

	assert.Nil(t, h.bot.Snapshot().Position)
	assert.Empty(t, h.trades(t))
}

func TestPreTickFailureSkipsTickWithBackoff(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalBuy)
	h.setMarket(100)
	ctx := context.Background()

	h.venue.FailKlines(errs.New(errs.KindNetwork, "connection reset"))
	h.bot.tick(ctx)
	assert.Equal(t, 0, h.run.calls, "strategy must not run when the refresh fails")
	assert.Equal(t, time.Second, h.bot.backoff)

	h.bot.tick(ctx)
	assert.Equal(t, 2*time.Second, h.bot.backoff, "backoff doubles per transient failure")

	h.venue.FailKlines(nil)
	h.bot.tick(ctx)
	assert.Equal(t, time.Duration(0), h.bot.backoff, "backoff resets on success")
	require.NotNil(t, h.bot.Snapshot().Position)
}

func TestInsufficientBalanceRejectsTradeAndContinues(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalBuy, strategy.SignalBuy)
	h.setMarket(100)
	h.venue.SetFilter("ETHUSDT", &exchange.SymbolFilter{
		Symbol:      "ETHUSDT",
		MinNotional: decimal.NewFromInt(500),
	})
	ctx := context.Background()

	h.bot.tick(ctx)
	assert.Nil(t, h.bot.Snapshot().Position)
	assert.Empty(t, h.trades(t))
	assert.NotEqual(t, StateErrored, h.bot.State())

	// Venue minimum relaxed: next BUY goes through.
	h.venue.SetFilter("ETHUSDT", &exchange.SymbolFilter{Symbol: "ETHUSDT"})
	h.bot.tick(ctx)
	assert.NotNil(t, h.bot.Snapshot().Position)
}

func TestTradeEventsPublished(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalBuy)
	h.setMarket(2000)
	sub := h.bus.Subscribe(events.TopicTradeOpened)
	defer sub.Close()

	h.bot.tick(context.Background())

	select {
	case evt := <-sub.C:
		assert.Equal(t, events.TopicTradeOpened, evt.Topic)
		assert.Equal(t, "bot-1", evt.Payload["bot_id"])
	case <-time.After(time.Second):
		t.Fatal("no trade.opened event")
	}
}

func TestStartStopLifecycleFlattensPosition(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalBuy)
	h.setMarket(2000)
	ctx := context.Background()

	require.NoError(t, h.bot.Start(ctx))
	assert.Equal(t, StateRunning, h.bot.State())
	assert.Error(t, h.bot.Start(ctx), "double start must be rejected")

	require.Eventually(t, func() bool {
		return h.bot.Snapshot().Position != nil
	}, 2*time.Second, 10*time.Millisecond, "first tick should open the position")

	require.NoError(t, h.bot.Stop(ctx, time.Second))
	assert.Equal(t, StateStopped, h.bot.State())
	assert.Nil(t, h.bot.Snapshot().Position, "a stopped bot holds no position")

	trades := h.trades(t)
	require.Len(t, trades, 2)
	require.NotNil(t, trades[1].ExitReason)
	assert.Equal(t, database.ExitReasonManual, *trades[1].ExitReason)
}

func TestStopIdleBotGoesStraightToStopped(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot)
	require.NoError(t, h.bot.Stop(context.Background(), time.Second))
	assert.Equal(t, StateStopped, h.bot.State())
}

func TestLearnWritesTradeLearningRecord(t *testing.T) {
	h := newHarness(t, exchange.ModeSpot, strategy.SignalBuy)
	h.setMarket(50000)
	ctx := context.Background()

	h.bot.tick(ctx)
	h.setMarket(47500)
	h.bot.tick(ctx)

	// learn runs detached from the tick.
	require.Eventually(t, func() bool {
		records, err := h.store.QueryMemory(ctx, "bot-1", database.MemoryTypeTradeLearning, time.Time{}, 10)
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	records, err := h.store.QueryMemory(ctx, "bot-1", database.MemoryTypeTradeLearning, time.Time{}, 10)
	require.NoError(t, err)
	assert.Equal(t, string(memory.OutcomeFailure), records[0].Content["outcome"])
	assert.Equal(t, "ETHUSDT", records[0].Content["symbol"])
}
