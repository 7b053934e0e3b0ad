package strategy

import (
	"fmt"

	"binance-bot-fleet/internal/exchange"
)

// RSI signals on RSI(14) leaving the oversold/overbought bands. A cross up
// through 30 is a BUY; leaving a deeper extreme (below 25) boosts confidence
// to 0.85. SELL is symmetric at 70/75.
func RSI() *Strategy {
	return &Strategy{
		Name:      "rsi",
		MinWindow: 16,
		Analyze:   analyzeRSI,
	}
}

func analyzeRSI(window []exchange.Kline, params Params) (*Analysis, error) {
	period := int(params.Get("period", 14))
	oversold := params.Get("oversold", 30)
	overbought := params.Get("overbought", 70)

	series := RSISeries(closes(window), period)
	last := len(series) - 1
	rsiNow, rsiPrev := series[last], series[last-1]

	indicators := map[string]float64{"rsi": rsiNow, "rsi_prev": rsiPrev}

	switch {
	case rsiPrev <= oversold && rsiNow > oversold:
		confidence := 0.6 + clamp01((oversold-rsiPrev)/oversold)*0.2
		if rsiPrev < oversold-5 {
			confidence = 0.85
		}
		return &Analysis{
			Signal:     SignalBuy,
			Confidence: confidence,
			Reason:     fmt.Sprintf("RSI crossed above %.0f (%.1f -> %.1f)", oversold, rsiPrev, rsiNow),
			Indicators: indicators,
		}, nil
	case rsiPrev >= overbought && rsiNow < overbought:
		confidence := 0.6 + clamp01((rsiPrev-overbought)/(100-overbought))*0.2
		if rsiPrev > overbought+5 {
			confidence = 0.85
		}
		return &Analysis{
			Signal:     SignalSell,
			Confidence: confidence,
			Reason:     fmt.Sprintf("RSI crossed below %.0f (%.1f -> %.1f)", overbought, rsiPrev, rsiNow),
			Indicators: indicators,
		}, nil
	}
	return hold(fmt.Sprintf("RSI %.1f inside neutral band", rsiNow), indicators), nil
}
