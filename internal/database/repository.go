package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// BOTS
// ============================================================================

// SaveBot inserts or updates a bot row.
func (r *Repository) SaveBot(ctx context.Context, bot *BotRecord) error {
	query := `
		INSERT INTO bots (id, symbol, strategy, timeframe, trading_mode, allocated_amount, autonomous, created_by, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			allocated_amount = EXCLUDED.allocated_amount,
			state = EXCLUDED.state,
			updated_at = now()
		RETURNING created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		bot.ID, bot.Symbol, bot.Strategy, bot.Timeframe, bot.TradingMode,
		bot.AllocatedAmount.String(), bot.Autonomous, bot.CreatedBy, bot.State,
	).Scan(&bot.CreatedAt, &bot.UpdatedAt)
}

// UpdateBotState sets the persisted lifecycle state of a bot.
func (r *Repository) UpdateBotState(ctx context.Context, botID, state string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE bots SET state = $2, updated_at = now() WHERE id = $1`, botID, state)
	return err
}

// GetBot retrieves a bot by ID.
func (r *Repository) GetBot(ctx context.Context, botID string) (*BotRecord, error) {
	query := `
		SELECT id, symbol, strategy, timeframe, trading_mode, allocated_amount::text,
		       autonomous, created_by, state, created_at, updated_at
		FROM bots
		WHERE id = $1
	`
	bot := &BotRecord{}
	err := r.db.Pool.QueryRow(ctx, query, botID).Scan(
		&bot.ID, &bot.Symbol, &bot.Strategy, &bot.Timeframe, &bot.TradingMode,
		&bot.AllocatedAmount, &bot.Autonomous, &bot.CreatedBy, &bot.State,
		&bot.CreatedAt, &bot.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// ListBots retrieves all bots, newest first.
func (r *Repository) ListBots(ctx context.Context) ([]*BotRecord, error) {
	query := `
		SELECT id, symbol, strategy, timeframe, trading_mode, allocated_amount::text,
		       autonomous, created_by, state, created_at, updated_at
		FROM bots
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*BotRecord
	for rows.Next() {
		bot := &BotRecord{}
		if err := rows.Scan(
			&bot.ID, &bot.Symbol, &bot.Strategy, &bot.Timeframe, &bot.TradingMode,
			&bot.AllocatedAmount, &bot.Autonomous, &bot.CreatedBy, &bot.State,
			&bot.CreatedAt, &bot.UpdatedAt,
		); err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// DeleteBot removes a bot row. Trades and windows are kept for learning.
func (r *Repository) DeleteBot(ctx context.Context, botID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, botID)
	return err
}

// ============================================================================
// TRADES
// ============================================================================

const tradeColumns = `
	id, bot_id, symbol, side, quantity::text, decision_price::text, execution_price::text,
	decision_time, execution_time, execution_delay_seconds, price_slippage_percent,
	realized_pnl::text, exit_reason, strategy, confidence, indicators, created_at
`

// InsertTrade appends a trade record. Trades are immutable post-write.
func (r *Repository) InsertTrade(ctx context.Context, trade *TradeRecord) error {
	var pnl interface{}
	if trade.RealizedPnL != nil {
		pnl = trade.RealizedPnL.String()
	}
	indicators, err := json.Marshal(trade.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}
	query := `
		INSERT INTO trades (id, bot_id, symbol, side, quantity, decision_price, execution_price,
			decision_time, execution_time, execution_delay_seconds, price_slippage_percent,
			realized_pnl, exit_reason, strategy, confidence, indicators)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		trade.ID, trade.BotID, trade.Symbol, trade.Side,
		trade.Quantity.String(), trade.DecisionPrice.String(), trade.ExecutionPrice.String(),
		trade.DecisionTime, trade.ExecutionTime,
		trade.ExecutionDelaySeconds, trade.PriceSlippagePercent,
		pnl, trade.ExitReason, trade.Strategy, trade.Confidence, indicators,
	).Scan(&trade.CreatedAt)
}

// GetTradeByID retrieves a trade by ID.
func (r *Repository) GetTradeByID(ctx context.Context, id string) (*TradeRecord, error) {
	trades, err := r.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrNotFound
	}
	return trades[0], nil
}

// ListTradesByBot retrieves trades for a bot, newest first.
func (r *Repository) ListTradesByBot(ctx context.Context, botID string, limit int) ([]*TradeRecord, error) {
	return r.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE bot_id = $1 ORDER BY execution_time DESC LIMIT $2`,
		botID, limit)
}

// ListTradeHistory retrieves trades across all bots with pagination.
func (r *Repository) ListTradeHistory(ctx context.Context, limit, offset int) ([]*TradeRecord, error) {
	return r.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY execution_time DESC LIMIT $1 OFFSET $2`,
		limit, offset)
}

// SumRealizedPnL totals the realized P&L recorded for a bot's closing trades.
func (r *Repository) SumRealizedPnL(ctx context.Context, botID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0)::text FROM trades WHERE bot_id = $1`,
		botID).Scan(&total)
	return total, err
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*TradeRecord, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*TradeRecord
	for rows.Next() {
		trade := &TradeRecord{}
		var pnl *string
		var indicators []byte
		err := rows.Scan(
			&trade.ID, &trade.BotID, &trade.Symbol, &trade.Side,
			&trade.Quantity, &trade.DecisionPrice, &trade.ExecutionPrice,
			&trade.DecisionTime, &trade.ExecutionTime,
			&trade.ExecutionDelaySeconds, &trade.PriceSlippagePercent,
			&pnl, &trade.ExitReason, &trade.Strategy, &trade.Confidence,
			&indicators, &trade.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if pnl != nil {
			d, err := decimal.NewFromString(*pnl)
			if err != nil {
				return nil, fmt.Errorf("parse realized_pnl: %w", err)
			}
			trade.RealizedPnL = &d
		}
		if len(indicators) > 0 {
			if err := json.Unmarshal(indicators, &trade.Indicators); err != nil {
				return nil, fmt.Errorf("unmarshal indicators: %w", err)
			}
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}
