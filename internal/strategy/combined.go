package strategy

import (
	"fmt"

	"binance-bot-fleet/internal/exchange"
)

// Combined runs ma_crossover, rsi and macd and emits BUY or SELL only when
// at least two of the three agree. Confidence is 0.6 + 0.1 per agreeing vote.
func Combined() *Strategy {
	return &Strategy{
		Name:      "combined",
		MinWindow: 51,
		Analyze:   analyzeCombined,
	}
}

func analyzeCombined(window []exchange.Kline, params Params) (*Analysis, error) {
	members := []AnalyzeFunc{analyzeMACrossover, analyzeRSI, analyzeMACD}
	names := []string{"ma_crossover", "rsi", "macd"}

	votes := map[Signal]int{}
	indicators := map[string]float64{}
	for i, analyze := range members {
		analysis, err := analyze(window, params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", names[i], err)
		}
		votes[analysis.Signal]++
		for k, v := range analysis.Indicators {
			indicators[k] = v
		}
	}

	for _, signal := range []Signal{SignalBuy, SignalSell} {
		if k := votes[signal]; k >= 2 {
			return &Analysis{
				Signal:     signal,
				Confidence: clamp01(0.6 + 0.1*float64(k)),
				Reason:     fmt.Sprintf("%d/3 strategies agree on %s", k, signal),
				Indicators: indicators,
			}, nil
		}
	}
	return hold("no 2/3 agreement", indicators), nil
}
