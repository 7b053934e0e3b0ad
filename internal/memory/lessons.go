package memory

import (
	"context"
	"fmt"

	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/exchange"
)

// Thresholds for the lesson battery.
const (
	fastExecutionSeconds  = 2.0
	slowExecutionSeconds  = 10.0
	favorableSlippagePct  = 0.1
	adverseSlippagePct    = -0.2
	missedProfitMarginPct = 1.0
	continuationPct       = 2.0
)

// LearnFromTrade synthesizes a trade_learning record plus extracted lessons
// from a closed trade and its candle windows. Fire-and-forget: failures are
// logged, never propagated, so a storage outage cannot fail a trade.
func (s *Store) LearnFromTrade(ctx context.Context, agent string, trade *database.TradeRecord, outcome Outcome, pnlPct float64, bundle *CandleBundle) {
	lessons := extractLessons(trade, outcome, pnlPct, bundle)

	content := map[string]interface{}{
		"symbol":                  trade.Symbol,
		"strategy":                trade.Strategy,
		"side":                    trade.Side,
		"outcome":                 string(outcome),
		"pnl_percent":             pnlPct,
		"confidence":              trade.Confidence,
		"execution_delay_seconds": trade.ExecutionDelaySeconds,
		"price_slippage_percent":  trade.PriceSlippagePercent,
		"lessons":                 lessons,
	}
	if trade.ExitReason != nil {
		content["exit_reason"] = *trade.ExitReason
	}
	metadata := map[string]interface{}{
		"trade_id": trade.ID,
		"bot_id":   trade.BotID,
	}

	if err := s.Save(ctx, agent, database.MemoryTypeTradeLearning, content, metadata); err != nil {
		return
	}
	// Mirror into the collective stream so other bots can learn from it.
	_ = s.Save(ctx, CollectiveAgent, database.MemoryTypeTradeLearning, content, metadata)
}

// extractLessons derives short reusable statements from a trade's execution
// quality and the market behavior around it.
func extractLessons(trade *database.TradeRecord, outcome Outcome, pnlPct float64, bundle *CandleBundle) []string {
	var lessons []string

	switch {
	case trade.Confidence >= 0.8 && outcome == OutcomeFailure:
		lessons = append(lessons, fmt.Sprintf(
			"high-confidence %s signal (%.2f) on %s still lost %.2f%%",
			trade.Strategy, trade.Confidence, trade.Symbol, -pnlPct))
	case trade.Confidence < 0.6 && outcome == OutcomeSuccess:
		lessons = append(lessons, fmt.Sprintf(
			"low-confidence %s signal (%.2f) on %s was profitable",
			trade.Strategy, trade.Confidence, trade.Symbol))
	}

	if trade.ExecutionDelaySeconds < fastExecutionSeconds {
		lessons = append(lessons, "fast execution under 2s kept slippage predictable")
	} else if trade.ExecutionDelaySeconds > slowExecutionSeconds {
		lessons = append(lessons, fmt.Sprintf(
			"execution delay of %.1fs is risky, decision price was stale",
			trade.ExecutionDelaySeconds))
	}

	if trade.PriceSlippagePercent > favorableSlippagePct {
		lessons = append(lessons, fmt.Sprintf(
			"favorable slippage of %.2f%% on %s", trade.PriceSlippagePercent, trade.Symbol))
	} else if trade.PriceSlippagePercent < adverseSlippagePct {
		lessons = append(lessons, fmt.Sprintf(
			"adverse slippage of %.2f%% on %s, consider limit entries", trade.PriceSlippagePercent, trade.Symbol))
	}

	if bundle == nil {
		return lessons
	}

	if trend, ok := trendPct(bundle.PreTrade); ok {
		switch {
		case trend > 0 && outcome == OutcomeSuccess:
			lessons = append(lessons, "entry aligned with the pre-trade uptrend paid off")
		case trend < 0 && outcome == OutcomeFailure:
			lessons = append(lessons, "entering against a pre-trade downtrend lost money")
		case trend < 0 && outcome == OutcomeSuccess:
			lessons = append(lessons, "counter-trend entry worked this time, treat as exception")
		}
	}

	// The closing side identifies the direction: a BUY close covers a short.
	short := trade.Side == "BUY"
	if mfe, ok := maxFavorableExcursionPct(bundle.DuringTrade, short); ok {
		if mfe > pnlPct+missedProfitMarginPct {
			lessons = append(lessons, fmt.Sprintf(
				"missed take profit: price ran +%.2f%% but only %.2f%% was realized", mfe, pnlPct))
		}
		if outcome == OutcomeFailure && mfe >= missedProfitMarginPct {
			lessons = append(lessons, fmt.Sprintf(
				"held too long: position was +%.2f%% before closing at a loss", mfe))
		}
	}

	if cont, ok := trendPct(bundle.PostTrade); ok {
		if cont >= continuationPct {
			lessons = append(lessons, fmt.Sprintf(
				"exited too early: price continued +%.2f%% after the close", cont))
		} else if cont <= -continuationPct {
			lessons = append(lessons, fmt.Sprintf(
				"well-timed exit: price fell %.2f%% afterwards", cont))
		}
	}

	return lessons
}

// trendPct is the percent move from the first to the last close of a window.
func trendPct(window []exchange.Kline) (float64, bool) {
	if len(window) < 2 {
		return 0, false
	}
	first := window[0].Close
	last := window[len(window)-1].Close
	if first <= 0 {
		return 0, false
	}
	return (last - first) / first * 100, true
}

// maxFavorableExcursionPct is the best percent gain over the entry reference
// seen at any point while the position was open: candle highs for a long,
// candle lows for a short. The entry reference is the open of the first
// candle after entry.
func maxFavorableExcursionPct(window []exchange.Kline, short bool) (float64, bool) {
	if len(window) == 0 {
		return 0, false
	}
	entry := window[0].Open
	if entry <= 0 {
		return 0, false
	}
	best := 0.0
	for _, k := range window {
		gain := (k.High - entry) / entry * 100
		if short {
			gain = (entry - k.Low) / entry * 100
		}
		if gain > best {
			best = gain
		}
	}
	return best, true
}
