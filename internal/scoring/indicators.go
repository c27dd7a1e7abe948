package scoring

import (
	"fmt"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// =============================================================================
// Indicator math
// 입력 시계열은 오래된 값 → 최신 값 순서
// =============================================================================

const (
	rsiPeriod     = 14
	macdFast      = 12
	macdSlow      = 26
	macdSignal    = 9
	volumeWindow  = 20
	longMAPeriod  = 60
	minHistoryLen = longMAPeriod
)

// BuildTechnicalInputs derives indicator inputs from daily closes and volumes.
// The last element of each series is the latest session.
func BuildTechnicalInputs(closes []float64, volumes []int64) (*contracts.TechnicalInputs, error) {
	if len(closes) < minHistoryLen {
		return nil, fmt.Errorf("need %d closes, got %d", minHistoryLen, len(closes))
	}
	if len(volumes) != len(closes) {
		return nil, fmt.Errorf("closes/volumes length mismatch: %d != %d", len(closes), len(volumes))
	}

	return &contracts.TechnicalInputs{
		Price:       closes[len(closes)-1],
		MA5:         SMA(closes, 5),
		MA20:        SMA(closes, 20),
		MA60:        SMA(closes, longMAPeriod),
		RSI:         RSI(closes, rsiPeriod),
		MACDHist:    MACDHistogram(closes),
		VolumeRatio: VolumeRatio(volumes, volumeWindow),
	}, nil
}

// SMA is the simple average of the last period values
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMASeries returns the exponential moving average at every index from
// period-1 onwards, seeded with the SMA of the first period values.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / (float64(period) + 1.0)

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)

	out := make([]float64, 0, len(values)-period+1)
	out = append(out, ema)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// RSI computes the relative strength index over the last period changes
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50.0 // Neutral
	}

	var gains, losses float64
	window := closes[len(closes)-period-1:]
	for i := 1; i < len(window); i++ {
		change := window[i] - window[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	if losses == 0 {
		if gains == 0 {
			return 50.0
		}
		return 100.0
	}

	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - (100 / (1 + rs))
}

// MACDHistogram returns MACD(12,26) minus its 9-period signal line
func MACDHistogram(closes []float64) float64 {
	fast := EMASeries(closes, macdFast)
	slow := EMASeries(closes, macdSlow)
	if len(slow) < macdSignal {
		return 0
	}

	// fast 시리즈를 slow 시리즈 길이에 맞춤
	offset := len(fast) - len(slow)
	macd := make([]float64, len(slow))
	for i := range slow {
		macd[i] = fast[i+offset] - slow[i]
	}

	signal := EMASeries(macd, macdSignal)
	return macd[len(macd)-1] - signal[len(signal)-1]
}

// VolumeRatio is the latest volume over the average of the preceding window
func VolumeRatio(volumes []int64, window int) float64 {
	if len(volumes) < window+1 {
		return 0
	}
	var sum int64
	for _, v := range volumes[len(volumes)-window-1 : len(volumes)-1] {
		sum += v
	}
	if sum == 0 {
		return 0
	}
	avg := float64(sum) / float64(window)
	return float64(volumes[len(volumes)-1]) / avg
}
