package candles

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/exchange"
)

// WindowSize is the target candle count for pre_trade and post_trade windows.
const WindowSize = 200

// RetentionAge is how long sealed windows are kept before garbage collection.
const RetentionAge = 30 * 24 * time.Hour

// Store is the persistence surface the tracker writes windows through.
type Store interface {
	UpsertPreTradeWindow(ctx context.Context, botID, symbol, timeframe string, candles []exchange.Kline) error
	CreateDuringTradeWindow(ctx context.Context, botID, symbol, timeframe, buyTradeID string, startTS int64) error
	CreatePostTradeWindow(ctx context.Context, botID, symbol, timeframe, sellTradeID string, startTS int64) error
	GetOpenDuringTradeWindow(ctx context.Context, botID string) (*database.CandleWindowRecord, error)
	GetOpenPostTradeWindow(ctx context.Context, botID, sellTradeID string) (*database.CandleWindowRecord, error)
	AppendWindowCandles(ctx context.Context, windowID int64, candles []exchange.Kline) error
	SealDuringTradeWindow(ctx context.Context, botID, sellTradeID string) error
	SealWindow(ctx context.Context, windowID int64) error
	GetWindows(ctx context.Context, botID, phase string) ([]*database.CandleWindowRecord, error)
	GetWindowByTrade(ctx context.Context, botID, phase, tradeID string) (*database.CandleWindowRecord, error)
	DeleteExpiredWindows(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tracker maintains the phase-partitioned candle windows around each trade.
type Tracker struct {
	store    Store
	exchange exchange.Client
	log      zerolog.Logger
	now      func() time.Time
}

// NewTracker creates a candle tracker.
func NewTracker(store Store, ex exchange.Client) *Tracker {
	return &Tracker{
		store:    store,
		exchange: ex,
		log:      log.With().Str("component", "candle_tracker").Logger(),
		now:      time.Now,
	}
}

// TrackPreTrade refreshes the bot's single pre_trade window with the most
// recent candles. On exchange failure the stored window is left untouched.
func (t *Tracker) TrackPreTrade(ctx context.Context, botID, symbol, timeframe string) error {
	klines, err := t.exchange.GetKlines(ctx, symbol, timeframe, WindowSize)
	if err != nil {
		return errs.Wrap(errs.KindOf(err), "refresh pre_trade window", err)
	}
	if err := t.store.UpsertPreTradeWindow(ctx, botID, symbol, timeframe, klines); err != nil {
		return errs.Wrap(errs.KindStorage, "persist pre_trade window", err)
	}
	return nil
}

// StartPositionTracking opens an empty during_trade window for a new
// position. Idempotent on buyTradeID.
func (t *Tracker) StartPositionTracking(ctx context.Context, botID, symbol, timeframe, buyTradeID string) error {
	startTS := t.now().UnixMilli()
	if err := t.store.CreateDuringTradeWindow(ctx, botID, symbol, timeframe, buyTradeID, startTS); err != nil {
		return errs.Wrap(errs.KindStorage, "create during_trade window", err)
	}
	t.log.Debug().Str("bot_id", botID).Str("buy_trade_id", buyTradeID).Msg("position tracking started")
	return nil
}

// UpdatePositionTracking appends candles that closed after the window's
// current end. No-op when the bot has no open window or nothing new closed.
func (t *Tracker) UpdatePositionTracking(ctx context.Context, botID string) error {
	window, err := t.store.GetOpenDuringTradeWindow(ctx, botID)
	if err == database.ErrNotFound {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.KindStorage, "load during_trade window", err)
	}
	fresh, err := t.newClosedCandles(ctx, window, WindowSize)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}
	merged := append(window.Candles, fresh...)
	if err := t.store.AppendWindowCandles(ctx, window.ID, merged); err != nil {
		return errs.Wrap(errs.KindStorage, "append during_trade candles", err)
	}
	return nil
}

// StopPositionTracking seals the bot's open during_trade window, attaching
// the closing trade.
func (t *Tracker) StopPositionTracking(ctx context.Context, botID, sellTradeID string) error {
	if err := t.store.SealDuringTradeWindow(ctx, botID, sellTradeID); err != nil {
		return errs.Wrap(errs.KindStorage, "seal during_trade window", err)
	}
	t.log.Debug().Str("bot_id", botID).Str("sell_trade_id", sellTradeID).Msg("position tracking sealed")
	return nil
}

// StartPostTrade opens an empty post_trade window for a closing trade.
// Idempotent on sellTradeID.
func (t *Tracker) StartPostTrade(ctx context.Context, botID, symbol, timeframe, sellTradeID string) error {
	startTS := t.now().UnixMilli()
	if err := t.store.CreatePostTradeWindow(ctx, botID, symbol, timeframe, sellTradeID, startTS); err != nil {
		return errs.Wrap(errs.KindStorage, "create post_trade window", err)
	}
	return nil
}

// UpdatePostTrade appends new closed candles to a post_trade window and
// seals it once it reaches WindowSize.
func (t *Tracker) UpdatePostTrade(ctx context.Context, botID, sellTradeID string) error {
	window, err := t.store.GetOpenPostTradeWindow(ctx, botID, sellTradeID)
	if err == database.ErrNotFound {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.KindStorage, "load post_trade window", err)
	}
	remaining := WindowSize - window.Count
	if remaining <= 0 {
		if err := t.store.SealWindow(ctx, window.ID); err != nil {
			return errs.Wrap(errs.KindStorage, "seal post_trade window", err)
		}
		return nil
	}
	fresh, err := t.newClosedCandles(ctx, window, WindowSize)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}
	if len(fresh) > remaining {
		fresh = fresh[:remaining]
	}
	merged := append(window.Candles, fresh...)
	if err := t.store.AppendWindowCandles(ctx, window.ID, merged); err != nil {
		return errs.Wrap(errs.KindStorage, "append post_trade candles", err)
	}
	if len(merged) >= WindowSize {
		if err := t.store.SealWindow(ctx, window.ID); err != nil {
			return errs.Wrap(errs.KindStorage, "seal post_trade window", err)
		}
		t.log.Debug().Str("bot_id", botID).Str("sell_trade_id", sellTradeID).Msg("post_trade window sealed")
	}
	return nil
}

// GetCandles reads a bot's windows for one phase, or all phases when phase
// is "all" or empty.
func (t *Tracker) GetCandles(ctx context.Context, botID, phase string) ([]*database.CandleWindowRecord, error) {
	if phase == "all" {
		phase = ""
	}
	windows, err := t.store.GetWindows(ctx, botID, phase)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "load candle windows", err)
	}
	return windows, nil
}

// WindowByTrade resolves the window of a phase linked to a specific trade.
func (t *Tracker) WindowByTrade(ctx context.Context, botID, phase, tradeID string) (*database.CandleWindowRecord, error) {
	return t.store.GetWindowByTrade(ctx, botID, phase, tradeID)
}

// RunGC deletes sealed windows past the retention age. Returns rows deleted.
func (t *Tracker) RunGC(ctx context.Context) (int64, error) {
	cutoff := t.now().Add(-RetentionAge)
	deleted, err := t.store.DeleteExpiredWindows(ctx, cutoff)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "candle window gc", err)
	}
	if deleted > 0 {
		t.log.Info().Int64("deleted", deleted).Msg("expired candle windows removed")
	}
	return deleted, nil
}

// StartGC runs the garbage collector on an interval until ctx is cancelled.
func (t *Tracker) StartGC(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := t.RunGC(ctx); err != nil {
					t.log.Warn().Err(err).Msg("candle window gc failed")
				}
			}
		}
	}()
}

// newClosedCandles fetches the market and returns only candles that closed
// after the window's end and before now.
func (t *Tracker) newClosedCandles(ctx context.Context, window *database.CandleWindowRecord, limit int) ([]exchange.Kline, error) {
	klines, err := t.exchange.GetKlines(ctx, window.Symbol, window.Timeframe, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindOf(err), "fetch candles", err)
	}
	nowMs := t.now().UnixMilli()
	var fresh []exchange.Kline
	for _, k := range klines {
		if k.CloseTime > window.EndTS && k.CloseTime <= nowMs {
			fresh = append(fresh, k)
		}
	}
	return fresh, nil
}
