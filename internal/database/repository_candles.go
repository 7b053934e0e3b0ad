package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"binance-bot-fleet/internal/exchange"
)

// ============================================================================
// CANDLE WINDOWS
// ============================================================================

const windowColumns = `
	id, bot_id, symbol, timeframe, phase, buy_trade_id, sell_trade_id,
	candles, candle_count, position_status, sealed, start_ts, end_ts, updated_at
`

// UpsertPreTradeWindow replaces the bot's single pre_trade window wholesale.
func (r *Repository) UpsertPreTradeWindow(ctx context.Context, botID, symbol, timeframe string, candles []exchange.Kline) error {
	payload, startTS, endTS, err := encodeCandles(candles)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO bot_candles (bot_id, symbol, timeframe, phase, candles, candle_count, start_ts, end_ts)
		VALUES ($1, $2, $3, 'pre_trade', $4, $5, $6, $7)
		ON CONFLICT (bot_id) WHERE phase = 'pre_trade' DO UPDATE SET
			symbol = EXCLUDED.symbol,
			timeframe = EXCLUDED.timeframe,
			candles = EXCLUDED.candles,
			candle_count = EXCLUDED.candle_count,
			start_ts = EXCLUDED.start_ts,
			end_ts = EXCLUDED.end_ts,
			updated_at = now()
	`
	_, err = r.db.Pool.Exec(ctx, query, botID, symbol, timeframe, payload, len(candles), startTS, endTS)
	return err
}

// CreateDuringTradeWindow opens an empty during_trade window for a position.
// Idempotent on (bot_id, buy_trade_id).
func (r *Repository) CreateDuringTradeWindow(ctx context.Context, botID, symbol, timeframe, buyTradeID string, startTS int64) error {
	query := `
		INSERT INTO bot_candles (bot_id, symbol, timeframe, phase, buy_trade_id, position_status, start_ts, end_ts)
		VALUES ($1, $2, $3, 'during_trade', $4, 'open', $5, $5)
		ON CONFLICT (bot_id, buy_trade_id) WHERE phase = 'during_trade' DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query, botID, symbol, timeframe, buyTradeID, startTS)
	return err
}

// CreatePostTradeWindow opens an empty post_trade window linked to the
// closing trade. Idempotent on (bot_id, sell_trade_id).
func (r *Repository) CreatePostTradeWindow(ctx context.Context, botID, symbol, timeframe, sellTradeID string, startTS int64) error {
	query := `
		INSERT INTO bot_candles (bot_id, symbol, timeframe, phase, sell_trade_id, start_ts, end_ts)
		VALUES ($1, $2, $3, 'post_trade', $4, $5, $5)
		ON CONFLICT (bot_id, sell_trade_id) WHERE phase = 'post_trade' DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query, botID, symbol, timeframe, sellTradeID, startTS)
	return err
}

// GetOpenDuringTradeWindow returns the bot's unsealed during_trade window.
func (r *Repository) GetOpenDuringTradeWindow(ctx context.Context, botID string) (*CandleWindowRecord, error) {
	return r.getWindow(ctx,
		`SELECT `+windowColumns+` FROM bot_candles
		 WHERE bot_id = $1 AND phase = 'during_trade' AND sealed = FALSE`, botID)
}

// GetOpenPostTradeWindow returns the bot's unsealed post_trade window for a
// closing trade.
func (r *Repository) GetOpenPostTradeWindow(ctx context.Context, botID, sellTradeID string) (*CandleWindowRecord, error) {
	return r.getWindow(ctx,
		`SELECT `+windowColumns+` FROM bot_candles
		 WHERE bot_id = $1 AND phase = 'post_trade' AND sell_trade_id = $2 AND sealed = FALSE`,
		botID, sellTradeID)
}

// AppendWindowCandles replaces a window's candle payload after an append.
// Rejected for sealed windows.
func (r *Repository) AppendWindowCandles(ctx context.Context, windowID int64, candles []exchange.Kline) error {
	payload, startTS, endTS, err := encodeCandles(candles)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE bot_candles
		SET candles = $2, candle_count = $3, start_ts = $4, end_ts = $5, updated_at = now()
		WHERE id = $1 AND sealed = FALSE
	`, windowID, payload, len(candles), startTS, endTS)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("window %d: %w", windowID, ErrNotFound)
	}
	return nil
}

// SealDuringTradeWindow closes the bot's open during_trade window, attaching
// the closing trade and freezing its contents.
func (r *Repository) SealDuringTradeWindow(ctx context.Context, botID, sellTradeID string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE bot_candles
		SET sell_trade_id = $2, position_status = 'closed', sealed = TRUE, updated_at = now()
		WHERE bot_id = $1 AND phase = 'during_trade' AND sealed = FALSE
	`, botID, sellTradeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("open during_trade window for bot %s: %w", botID, ErrNotFound)
	}
	return nil
}

// SealWindow marks any window immutable.
func (r *Repository) SealWindow(ctx context.Context, windowID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE bot_candles SET sealed = TRUE, updated_at = now() WHERE id = $1`, windowID)
	return err
}

// GetWindows returns a bot's windows, optionally filtered by phase.
func (r *Repository) GetWindows(ctx context.Context, botID, phase string) ([]*CandleWindowRecord, error) {
	query := `SELECT ` + windowColumns + ` FROM bot_candles WHERE bot_id = $1`
	args := []interface{}{botID}
	if phase != "" {
		query += ` AND phase = $2`
		args = append(args, phase)
	}
	query += ` ORDER BY id`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []*CandleWindowRecord
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// GetWindowByTrade returns the window of the given phase linked to a trade.
func (r *Repository) GetWindowByTrade(ctx context.Context, botID, phase, tradeID string) (*CandleWindowRecord, error) {
	column := "buy_trade_id"
	if phase == PhasePostTrade {
		column = "sell_trade_id"
	}
	return r.getWindow(ctx,
		`SELECT `+windowColumns+` FROM bot_candles
		 WHERE bot_id = $1 AND phase = $2 AND `+column+` = $3`,
		botID, phase, tradeID)
}

// DeleteExpiredWindows removes sealed windows not touched since the cutoff.
func (r *Repository) DeleteExpiredWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM bot_candles WHERE sealed = TRUE AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) getWindow(ctx context.Context, query string, args ...interface{}) (*CandleWindowRecord, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanWindow(rows)
}

func scanWindow(rows pgx.Rows) (*CandleWindowRecord, error) {
	w := &CandleWindowRecord{}
	var payload []byte
	err := rows.Scan(
		&w.ID, &w.BotID, &w.Symbol, &w.Timeframe, &w.Phase,
		&w.BuyTradeID, &w.SellTradeID, &payload, &w.Count,
		&w.PositionStatus, &w.Sealed, &w.StartTS, &w.EndTS, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &w.Candles); err != nil {
			return nil, fmt.Errorf("unmarshal candles: %w", err)
		}
	}
	return w, nil
}

func encodeCandles(candles []exchange.Kline) ([]byte, int64, int64, error) {
	if candles == nil {
		candles = []exchange.Kline{}
	}
	payload, err := json.Marshal(candles)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("marshal candles: %w", err)
	}
	var startTS, endTS int64
	if len(candles) > 0 {
		startTS = candles[0].OpenTime
		endTS = candles[len(candles)-1].CloseTime
	}
	return payload, startTS, endTS, nil
}
