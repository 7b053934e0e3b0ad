package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewDB creates a new database connection pool and verifies it with a ping.
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger := log.With().Str("component", "database").Logger()
	logger.Info().Str("database", poolConfig.ConnConfig.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, log: logger}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations executes schema migrations. Statements are idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			strategy VARCHAR(50) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			trading_mode VARCHAR(10) NOT NULL,
			allocated_amount NUMERIC(20, 8) NOT NULL,
			autonomous BOOLEAN NOT NULL DEFAULT FALSE,
			created_by VARCHAR(100) NOT NULL,
			state VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_symbol ON bots(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_autonomous ON bots(autonomous)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			bot_id UUID NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity NUMERIC(20, 8) NOT NULL,
			decision_price NUMERIC(20, 8) NOT NULL,
			execution_price NUMERIC(20, 8) NOT NULL,
			decision_time TIMESTAMPTZ NOT NULL,
			execution_time TIMESTAMPTZ NOT NULL,
			execution_delay_seconds DOUBLE PRECISION NOT NULL,
			price_slippage_percent DOUBLE PRECISION NOT NULL,
			realized_pnl NUMERIC(20, 8),
			exit_reason VARCHAR(20),
			strategy VARCHAR(50) NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			indicators JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_bot_id ON trades(bot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_execution_time ON trades(execution_time)`,

		`CREATE TABLE IF NOT EXISTS bot_candles (
			id BIGSERIAL PRIMARY KEY,
			bot_id UUID NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			phase VARCHAR(15) NOT NULL,
			buy_trade_id UUID,
			sell_trade_id UUID,
			candles JSONB NOT NULL DEFAULT '[]',
			candle_count INT NOT NULL DEFAULT 0,
			position_status VARCHAR(10),
			sealed BOOLEAN NOT NULL DEFAULT FALSE,
			start_ts BIGINT NOT NULL DEFAULT 0,
			end_ts BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_candles_pre
			ON bot_candles(bot_id) WHERE phase = 'pre_trade'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_candles_during
			ON bot_candles(bot_id, buy_trade_id) WHERE phase = 'during_trade'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_candles_post
			ON bot_candles(bot_id, sell_trade_id) WHERE phase = 'post_trade'`,
		`CREATE INDEX IF NOT EXISTS idx_bot_candles_updated_at ON bot_candles(updated_at)`,

		`CREATE TABLE IF NOT EXISTS memory_records (
			id BIGSERIAL PRIMARY KEY,
			agent VARCHAR(100) NOT NULL,
			record_type VARCHAR(50) NOT NULL,
			content JSONB NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_agent_type
			ON memory_records(agent, record_type, created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}
