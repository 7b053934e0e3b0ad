package strategy

import (
	"fmt"

	"binance-bot-fleet/internal/exchange"
)

// BollingerBands signals on price bouncing off the SMA(20) +/- 2 sigma bands:
// a close back inside after touching the lower band is a BUY, the upper band
// a SELL. Overshooting the band by more than half a sigma raises confidence
// to 0.8.
func BollingerBands() *Strategy {
	return &Strategy{
		Name:      "bollinger_bands",
		MinWindow: 21,
		Analyze:   analyzeBollinger,
	}
}

func analyzeBollinger(window []exchange.Kline, params Params) (*Analysis, error) {
	period := int(params.Get("period", 20))
	width := params.Get("width", 2)

	prices := closes(window)
	middle, upper, lower, stddev := Bollinger(prices, period, width)

	last := len(prices) - 1
	closeNow := prices[last]
	closePrev := prices[last-1]
	lowNow := window[last].Low
	highNow := window[last].High

	indicators := map[string]float64{
		"bb_middle": middle,
		"bb_upper":  upper,
		"bb_lower":  lower,
		"bb_stddev": stddev,
	}
	if stddev == 0 {
		return hold("flat window, bands collapsed", indicators), nil
	}

	switch {
	case lowNow <= lower && closeNow > closePrev:
		confidence := 0.65
		if lowNow < lower-0.5*stddev {
			confidence = 0.8
		}
		return &Analysis{
			Signal:     SignalBuy,
			Confidence: confidence,
			Reason:     fmt.Sprintf("bounce off lower band %.4f (low %.4f)", lower, lowNow),
			Indicators: indicators,
		}, nil
	case highNow >= upper && closeNow < closePrev:
		confidence := 0.65
		if highNow > upper+0.5*stddev {
			confidence = 0.8
		}
		return &Analysis{
			Signal:     SignalSell,
			Confidence: confidence,
			Reason:     fmt.Sprintf("rejection off upper band %.4f (high %.4f)", upper, highNow),
			Indicators: indicators,
		}, nil
	}
	return hold("price inside bands", indicators), nil
}
