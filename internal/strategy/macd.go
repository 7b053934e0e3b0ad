package strategy

import (
	"fmt"
	"math"

	"binance-bot-fleet/internal/exchange"
)

// MACD signals on the MACD line crossing its signal line. Confidence grows
// with the histogram magnitude relative to price.
func MACD() *Strategy {
	return &Strategy{
		Name:      "macd",
		MinWindow: 40,
		Analyze:   analyzeMACD,
	}
}

func analyzeMACD(window []exchange.Kline, params Params) (*Analysis, error) {
	fast := int(params.Get("fast", 12))
	slow := int(params.Get("slow", 26))
	signal := int(params.Get("signal", 9))

	prices := closes(window)
	macd, signalLine, histogram := MACDSeries(prices, fast, slow, signal)

	last := len(prices) - 1
	prev := last - 1

	indicators := map[string]float64{
		"macd":      macd[last],
		"signal":    signalLine[last],
		"histogram": histogram[last],
	}

	price := prices[last]
	if price <= 0 {
		return hold("non-positive price", indicators), nil
	}
	confidence := clamp01(0.55 + math.Abs(histogram[last])/price*500)

	switch {
	case histogram[prev] <= 0 && histogram[last] > 0:
		return &Analysis{
			Signal:     SignalBuy,
			Confidence: confidence,
			Reason:     fmt.Sprintf("MACD crossed above signal (hist %.4f)", histogram[last]),
			Indicators: indicators,
		}, nil
	case histogram[prev] >= 0 && histogram[last] < 0:
		return &Analysis{
			Signal:     SignalSell,
			Confidence: confidence,
			Reason:     fmt.Sprintf("MACD crossed below signal (hist %.4f)", histogram[last]),
			Indicators: indicators,
		}, nil
	}
	return hold("no MACD crossover", indicators), nil
}
