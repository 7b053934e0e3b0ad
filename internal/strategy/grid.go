package strategy

import (
	"fmt"
	"math"

	"binance-bot-fleet/internal/exchange"
)

// Grid places virtual levels at +/- i*spacing% around an SMA reference and
// signals BUY when price touches a lower level, SELL at an upper one.
func Grid() *Strategy {
	return &Strategy{
		Name:      "grid",
		MinWindow: 21,
		Analyze:   analyzeGrid,
	}
}

func analyzeGrid(window []exchange.Kline, params Params) (*Analysis, error) {
	spacing := params.Get("spacing_pct", 1.0) / 100
	levels := int(params.Get("levels", 5))
	refPeriod := int(params.Get("ref_period", 20))

	prices := closes(window)
	reference := SMA(prices, refPeriod)
	price := prices[len(prices)-1]

	indicators := map[string]float64{
		"grid_reference": reference,
		"grid_spacing":   spacing * 100,
	}
	if reference <= 0 || spacing <= 0 {
		return hold("no grid reference", indicators), nil
	}

	// Signed distance from reference, in grid steps.
	offset := (price - reference) / (reference * spacing)
	level := int(math.Trunc(offset))
	indicators["grid_level"] = float64(level)

	if level <= -1 && -level <= levels {
		return &Analysis{
			Signal:     SignalBuy,
			Confidence: clamp01(0.5 + 0.1*float64(-level)),
			Reason:     fmt.Sprintf("price at grid level %d below reference %.4f", level, reference),
			Indicators: indicators,
		}, nil
	}
	if level >= 1 && level <= levels {
		return &Analysis{
			Signal:     SignalSell,
			Confidence: clamp01(0.5 + 0.1*float64(level)),
			Reason:     fmt.Sprintf("price at grid level %d above reference %.4f", level, reference),
			Indicators: indicators,
		}, nil
	}
	return hold("price within first grid band", indicators), nil
}
