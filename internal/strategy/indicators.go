package strategy

import (
	"math"

	"binance-bot-fleet/internal/exchange"
)

// closes extracts closing prices from a candle window.
func closes(klines []exchange.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// SMA computes the simple moving average of the last period values.
func SMA(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// SMASeries computes the SMA at every index where a full period is available.
// Entries before that hold zero.
func SMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMASeries computes the exponential moving average series, seeded with the
// SMA of the first period values.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	multiplier := 2.0 / float64(period+1)
	out[period-1] = seed
	for i := period; i < len(values); i++ {
		out[i] = (values[i]-out[i-1])*multiplier + out[i-1]
	}
	return out
}

// RSISeries computes Wilder-smoothed RSI. Entries before the first full
// period hold the neutral value 50.
func RSISeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = 50
	}
	if period <= 0 || len(values) < period+1 {
		return out
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDSeries computes the MACD line, its signal line and the histogram.
// The signal line is a true EMA over the MACD series, not an approximation.
func MACDSeries(values []float64, fast, slow, signal int) (macd, signalLine, histogram []float64) {
	macd = make([]float64, len(values))
	signalLine = make([]float64, len(values))
	histogram = make([]float64, len(values))
	if len(values) < slow+signal {
		return
	}

	fastEMA := EMASeries(values, fast)
	slowEMA := EMASeries(values, slow)
	for i := slow - 1; i < len(values); i++ {
		macd[i] = fastEMA[i] - slowEMA[i]
	}

	// Signal EMA over the valid MACD tail.
	tail := macd[slow-1:]
	sig := EMASeries(tail, signal)
	for i, v := range sig {
		signalLine[slow-1+i] = v
	}
	for i := slow - 1; i < len(values); i++ {
		histogram[i] = macd[i] - signalLine[i]
	}
	return
}

// Bollinger computes the middle band (SMA), upper and lower bands at
// period and width standard deviations for the last bar.
func Bollinger(values []float64, period int, width float64) (middle, upper, lower, stddev float64) {
	if len(values) < period {
		return 0, 0, 0, 0
	}
	middle = SMA(values, period)
	variance := 0.0
	for _, v := range values[len(values)-period:] {
		d := v - middle
		variance += d * d
	}
	stddev = math.Sqrt(variance / float64(period))
	upper = middle + width*stddev
	lower = middle - width*stddev
	return
}
