package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"binance-bot-fleet/internal/exchange"
)

func klinesFromCloses(prices []float64) []exchange.Kline {
	out := make([]exchange.Kline, len(prices))
	for i, p := range prices {
		out[i] = exchange.Kline{
			OpenTime:  int64(i) * 60_000,
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    1,
			CloseTime: int64(i+1)*60_000 - 1,
		}
	}
	return out
}

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 4.0, SMA(values, 3), 1e-9)
	assert.Equal(t, 0.0, SMA(values, 10))
}

func TestSMASeriesMatchesPointSMA(t *testing.T) {
	values := []float64{10, 11, 12, 13, 14, 15, 16}
	series := SMASeries(values, 3)
	for i := 2; i < len(values); i++ {
		assert.InDelta(t, SMA(values[:i+1], 3), series[i], 1e-9, "index %d", i)
	}
	assert.Equal(t, 0.0, series[0])
	assert.Equal(t, 0.0, series[1])
}

func TestEMASeriesConvergesToConstant(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = 42
	}
	series := EMASeries(values, 12)
	assert.InDelta(t, 42, series[len(series)-1], 1e-9)
}

func TestRSISeriesExtremes(t *testing.T) {
	// Monotonic rise: RSI saturates at 100.
	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	series := RSISeries(up, 14)
	assert.InDelta(t, 100, series[len(series)-1], 1e-9)

	// Monotonic fall: RSI pins at 0.
	down := make([]float64, 30)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	series = RSISeries(down, 14)
	assert.InDelta(t, 0, series[len(series)-1], 1e-9)

	// Short input stays neutral.
	series = RSISeries([]float64{1, 2}, 14)
	assert.Equal(t, 50.0, series[len(series)-1])
}

func TestBollingerBands(t *testing.T) {
	values := []float64{99, 101, 99, 101, 99, 101, 99, 101, 99, 101,
		99, 101, 99, 101, 99, 101, 99, 101, 99, 101}
	middle, upper, lower, stddev := Bollinger(values, 20, 2)
	assert.InDelta(t, 100, middle, 1e-9)
	assert.InDelta(t, 1, stddev, 1e-9)
	assert.InDelta(t, 102, upper, 1e-9)
	assert.InDelta(t, 98, lower, 1e-9)
}

func TestMACDSeriesSignalIsEMAOfMACD(t *testing.T) {
	values := make([]float64, 120)
	for i := range values {
		values[i] = 100 + 10*math.Sin(float64(i)/8)
	}
	macd, signalLine, histogram := MACDSeries(values, 12, 26, 9)

	last := len(values) - 1
	assert.InDelta(t, macd[last]-signalLine[last], histogram[last], 1e-9)
	// Histogram must change sign somewhere over a full oscillation.
	sawPositive, sawNegative := false, false
	for i := 40; i < len(values); i++ {
		if histogram[i] > 0 {
			sawPositive = true
		}
		if histogram[i] < 0 {
			sawNegative = true
		}
	}
	assert.True(t, sawPositive && sawNegative)
}
