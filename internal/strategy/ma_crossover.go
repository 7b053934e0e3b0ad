package strategy

import (
	"fmt"
	"math"

	"binance-bot-fleet/internal/exchange"
)

// MACrossover signals on the fast SMA crossing the slow SMA. Confidence
// scales with the normalized gap between the averages after the cross.
func MACrossover() *Strategy {
	return &Strategy{
		Name:      "ma_crossover",
		MinWindow: 51,
		Analyze:   analyzeMACrossover,
	}
}

func analyzeMACrossover(window []exchange.Kline, params Params) (*Analysis, error) {
	fast := int(params.Get("fast", 20))
	slow := int(params.Get("slow", 50))

	prices := closes(window)
	fastSeries := SMASeries(prices, fast)
	slowSeries := SMASeries(prices, slow)

	last := len(prices) - 1
	prev := last - 1

	fastNow, slowNow := fastSeries[last], slowSeries[last]
	fastPrev, slowPrev := fastSeries[prev], slowSeries[prev]

	indicators := map[string]float64{
		"sma_fast": fastNow,
		"sma_slow": slowNow,
	}
	if slowPrev == 0 || slowNow == 0 {
		return hold("insufficient history for slow average", indicators), nil
	}

	gap := math.Abs(fastNow-slowNow) / slowNow
	confidence := clamp01(0.5 + gap*50) // 1% gap saturates

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		return &Analysis{
			Signal:     SignalBuy,
			Confidence: confidence,
			Reason:     fmt.Sprintf("SMA(%d) crossed above SMA(%d)", fast, slow),
			Indicators: indicators,
		}, nil
	case fastPrev >= slowPrev && fastNow < slowNow:
		return &Analysis{
			Signal:     SignalSell,
			Confidence: confidence,
			Reason:     fmt.Sprintf("SMA(%d) crossed below SMA(%d)", fast, slow),
			Indicators: indicators,
		}, nil
	}
	return hold("no crossover", indicators), nil
}
