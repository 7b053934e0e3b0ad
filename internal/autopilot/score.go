package autopilot

import (
	"context"

	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/strategy"
)

// Composite weights. Confidence dominates; trend, volatility and news share
// the remainder equally.
const (
	weightConfidence = 0.4
	weightTrend      = 0.2
	weightVolatility = 0.2
	weightNews       = 0.2
)

// scoreWindow is how many candles each timeframe evaluation sees.
const scoreWindow = 100

// scoreSymbol evaluates every registered strategy over the scoring
// timeframes and folds confidence, trend, volatility and news into one
// composite in [0,1].
func (c *Controller) scoreSymbol(ctx context.Context, symbol string) (*Candidate, error) {
	candidate := &Candidate{Symbol: symbol}

	var hourly []exchange.Kline
	for _, timeframe := range scoreTimeframes {
		window, err := c.exchange.GetKlines(ctx, symbol, timeframe, scoreWindow)
		if err != nil {
			return nil, errs.Wrap(errs.KindOf(err), "score klines", err)
		}
		if timeframe == "1h" {
			hourly = window
		}
		for _, name := range c.strategies.Names() {
			analysis, err := c.strategies.Analyze(name, window, nil)
			if err != nil {
				// Short windows and indicator warm-up are expected here.
				continue
			}
			if analysis.Signal == strategy.SignalBuy && analysis.Confidence > candidate.Confidence {
				candidate.Confidence = analysis.Confidence
				candidate.BestStrategy = name
				candidate.BestTimeframe = timeframe
			}
		}
	}
	if candidate.BestStrategy == "" {
		// Nothing actionable; still report the symbol with a zero-confidence
		// default so volatility or news can surface it under the fallback.
		candidate.BestStrategy = "combined"
		candidate.BestTimeframe = "1h"
	}

	stats, err := c.exchange.Get24hStats(ctx, symbol)
	if err != nil {
		return nil, errs.Wrap(errs.KindOf(err), "score stats", err)
	}
	candidate.Volatility = volatilityScore(stats)
	candidate.TrendScore = trendScore(hourly)
	if c.news != nil {
		candidate.NewsScore = c.news.Score(ctx, symbol)
	}

	candidate.Score = weightConfidence*candidate.Confidence +
		weightTrend*candidate.TrendScore +
		weightVolatility*candidate.Volatility +
		weightNews*candidate.NewsScore
	return candidate, nil
}

// volatilityScore maps the 24h high-low band onto [0,1]. A 10% band or wider
// saturates the score.
func volatilityScore(stats *exchange.Ticker24h) float64 {
	if stats.LowPrice <= 0 {
		return 0
	}
	band := (stats.HighPrice - stats.LowPrice) / stats.LowPrice * 100
	if band < 0 {
		return 0
	}
	if band >= 10 {
		return 1
	}
	return band / 10
}

// trendScore grades SMA alignment on the hourly window: full bullish stack
// scores 1, price above the short average 0.7, mixed 0.4, bearish stack 0.
func trendScore(window []exchange.Kline) float64 {
	if len(window) < 50 {
		return 0.4
	}
	closes := make([]float64, len(window))
	for i, k := range window {
		closes[i] = k.Close
	}
	price := closes[len(closes)-1]
	smaShort := strategy.SMA(closes, 20)
	smaLong := strategy.SMA(closes, 50)

	switch {
	case price > smaShort && smaShort > smaLong:
		return 1
	case price > smaShort:
		return 0.7
	case price < smaShort && smaShort < smaLong:
		return 0
	default:
		return 0.4
	}
}
