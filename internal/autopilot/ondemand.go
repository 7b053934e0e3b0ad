package autopilot

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/bot"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/exchange"
)

// AnalyzeOptimalCoins is the single-shot scoring entry point used by the
// tool surface. It scans and scores like a cycle but never spawns.
func (c *Controller) AnalyzeOptimalCoins(ctx context.Context, maxCoins int, minScore float64, exclude []string) ([]*Candidate, error) {
	if maxCoins <= 0 {
		maxCoins = c.cfg.TopK
	}
	if minScore <= 0 {
		minScore = c.cfg.MinScore
	}
	excluded := make(map[string]bool, len(exclude))
	for _, symbol := range exclude {
		excluded[symbol] = true
	}

	symbols, err := c.exchange.ListTradableSymbols(ctx, QuoteAsset)
	if err != nil {
		return nil, errs.Wrap(errs.KindOf(err), "list symbols", err)
	}

	candidates := make([]*Candidate, 0, maxCoins)
	for _, symbol := range symbols {
		if excluded[symbol] {
			continue
		}
		candidate, err := c.scoreFn(ctx, symbol)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("scoring failed")
			continue
		}
		if candidate.Score >= minScore {
			candidates = append(candidates, candidate)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > maxCoins {
		candidates = candidates[:maxCoins]
	}
	return candidates, nil
}

// StartAutonomousBot spawns one autonomous bot on demand, honoring the same
// concurrency cap and budget rules as the periodic cycle.
func (c *Controller) StartAutonomousBot(ctx context.Context, symbol, strategyName, timeframe string, mode exchange.TradingMode) (string, error) {
	if c.manager.RunningAutonomousCount() >= c.cfg.MaxAutonomous {
		return "", errs.Newf(errs.KindConfig, "autonomous bot cap %d reached", c.cfg.MaxAutonomous)
	}
	if c.manager.RunningSymbols()[symbol] {
		return "", errs.Newf(errs.KindConfig, "symbol %s already owned by an autonomous bot", symbol)
	}

	budget, available, avgRunning, err := c.budget(ctx)
	if err != nil {
		return "", err
	}
	if mode == "" {
		mode = exchange.ModeSpot
	}

	cfg := bot.Config{
		Symbol:          symbol,
		Strategy:        strategyName,
		Timeframe:       timeframe,
		Mode:            mode,
		AllocatedAmount: decimal.NewFromFloat(budget),
		Autonomous:      true,
		CreatedBy:       "AutonomousController",
	}
	spawned, err := c.manager.Create(ctx, cfg)
	if err != nil {
		return "", err
	}
	if err := c.manager.Start(ctx, spawned.ID()); err != nil {
		return "", err
	}

	c.log.Info().
		Str("bot_id", spawned.ID()).
		Str("symbol", symbol).
		Float64("budget", budget).
		Float64("avg_running", avgRunning).
		Float64("available_capital", available).
		Msg("autonomous bot started on demand")
	return spawned.ID(), nil
}
