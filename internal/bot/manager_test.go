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
	"binance-bot-fleet/internal/events"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/memory"
	"binance-bot-fleet/internal/strategy"
)

func newTestManager(t *testing.T) (*Manager, *exchange.Mock) {
	t.Helper()
	venue := exchange.NewMock()
	store := database.NewInMemoryStore()
	deps := Deps{
		Exchange:   venue,
		Strategies: strategy.DefaultRegistry(),
		Tracker:    candles.NewTracker(store, venue),
		Memory:     memory.NewStore(store, 0),
		Repo:       store,
		Bus:        events.NewBus(),
		Risk:       RiskParams{StopLossPct: -5, TPMinPct: 2, TPTrailPct: 3, FeeRate: 0.001},
	}
	return NewManager(deps), venue
}

func validConfig(symbol string) Config {
	return Config{
		Symbol:          symbol,
		Strategy:        "rsi",
		Timeframe:       "5m",
		Mode:            exchange.ModeSpot,
		AllocatedAmount: decimal.NewFromInt(100),
	}
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing symbol", func(c *Config) { c.Symbol = "" }},
		{"unknown strategy", func(c *Config) { c.Strategy = "astrology" }},
		{"unknown timeframe", func(c *Config) { c.Timeframe = "7m" }},
		{"unknown mode", func(c *Config) { c.Mode = "PERPETUAL" }},
		{"zero amount", func(c *Config) { c.AllocatedAmount = decimal.Zero }},
		{"negative amount", func(c *Config) { c.AllocatedAmount = decimal.NewFromInt(-5) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig("BTCUSDT")
			tc.mutate(&cfg)
			_, err := m.Create(ctx, cfg)
			assert.Error(t, err)
		})
	}
}

func TestCreateAssignsIDAndDefaults(t *testing.T) {
	m, _ := newTestManager(t)

	b, err := m.Create(context.Background(), validConfig("BTCUSDT"))
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID())
	assert.Equal(t, StateIdle, b.State())

	snap := b.Snapshot()
	assert.Equal(t, "operator", snap.CreatedBy)
}

func TestGetAndList(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, validConfig("BTCUSDT"))
	require.NoError(t, err)
	second, err := m.Create(ctx, validConfig("ETHUSDT"))
	require.NoError(t, err)

	got, err := m.Get(first.ID())
	require.NoError(t, err)
	assert.Equal(t, first.ID(), got.ID())

	_, err = m.Get("nope")
	assert.Error(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID(), list[0].ID)
	assert.Equal(t, second.ID(), list[1].ID)
}

func TestAutonomousAccounting(t *testing.T) {
	m, venue := newTestManager(t)
	ctx := context.Background()
	venue.SetPrice("SOLUSDT", 100)
	venue.SetKlines("SOLUSDT", "5m", nil)

	cfg := validConfig("SOLUSDT")
	cfg.Autonomous = true
	cfg.CreatedBy = "AutonomousController"
	auto, err := m.Create(ctx, cfg)
	require.NoError(t, err)
	_, err = m.Create(ctx, validConfig("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, 0, m.RunningAutonomousCount())
	require.NoError(t, m.Start(ctx, auto.ID()))
	assert.Equal(t, 1, m.RunningAutonomousCount())
	assert.True(t, m.RunningSymbols()["SOLUSDT"])
	assert.False(t, m.RunningSymbols()["BTCUSDT"])

	require.NoError(t, m.Stop(ctx, auto.ID()))
	assert.Equal(t, 0, m.RunningAutonomousCount())
}

func TestStopAll(t *testing.T) {
	m, venue := newTestManager(t)
	ctx := context.Background()
	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		venue.SetPrice(symbol, 100)
		venue.SetKlines(symbol, "5m", nil)
		b, err := m.Create(ctx, validConfig(symbol))
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, b.ID()))
	}

	m.StopAll(ctx)
	for _, snap := range m.List() {
		assert.Equal(t, StateStopped, snap.State)
	}

	// Stopping an already stopped fleet is harmless.
	m.StopAll(ctx)
}

func TestSubscribeEventsSeesStateChanges(t *testing.T) {
	m, venue := newTestManager(t)
	ctx := context.Background()
	venue.SetPrice("BTCUSDT", 100)
	venue.SetKlines("BTCUSDT", "5m", nil)

	sub := m.SubscribeEvents(events.TopicBotState)
	defer sub.Close()

	b, err := m.Create(ctx, validConfig("BTCUSDT"))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, b.ID()))

	select {
	case evt := <-sub.C:
		assert.Equal(t, events.TopicBotState, evt.Topic)
		assert.Equal(t, string(StateRunning), evt.Payload["state"])
	case <-time.After(time.Second):
		t.Fatal("no bot.state event")
	}
	require.NoError(t, m.Stop(ctx, b.ID()))
}
