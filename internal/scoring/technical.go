package scoring

import (
	"math"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// =============================================================================
// Technical Sub-score (0 ~ 50)
// RSI 15 + MACD 10 + Trend 15 + Volume 10
// =============================================================================

const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0

	volumeSurge  = 2.0
	volumeStrong = 1.5
)

// TechnicalScore scores indicator inputs on the [0, 50] scale.
// ok is false when the inputs are missing or not finite.
func TechnicalScore(in *contracts.TechnicalInputs) (score float64, ok bool) {
	if !validTechnical(in) {
		return 0, false
	}
	return rsiPoints(in.RSI) + macdPoints(in.MACDHist) + trendPoints(in) + volumePoints(in.VolumeRatio), true
}

func validTechnical(in *contracts.TechnicalInputs) bool {
	if in == nil {
		return false
	}
	for _, v := range []float64{in.Price, in.MA5, in.MA20, in.MA60, in.RSI, in.MACDHist, in.VolumeRatio} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if in.Price <= 0 || in.MA5 <= 0 || in.MA20 <= 0 || in.MA60 <= 0 {
		return false
	}
	if in.RSI < 0 || in.RSI > 100 || in.VolumeRatio < 0 {
		return false
	}
	return true
}

// rsiPoints: 과매도 15, 중립 10, 과매수 0
func rsiPoints(rsi float64) float64 {
	switch {
	case rsi <= rsiOversold:
		return 15
	case rsi >= rsiOverbought:
		return 0
	default:
		return 10
	}
}

func macdPoints(hist float64) float64 {
	switch {
	case hist > 0:
		return 10
	case hist == 0:
		return 5
	default:
		return 0
	}
}

// trendPoints: 정배열 + 가격 > MA20 = 15, 가격 > MA20 = 10
func trendPoints(in *contracts.TechnicalInputs) float64 {
	if in.Price <= in.MA20 {
		return 0
	}
	if in.MA5 > in.MA20 && in.MA20 > in.MA60 {
		return 15
	}
	return 10
}

func volumePoints(ratio float64) float64 {
	switch {
	case ratio >= volumeSurge:
		return 10
	case ratio >= volumeStrong:
		return 5
	default:
		return 0
	}
}

// WithPrice returns a copy of in re-anchored to a fresh price
func WithPrice(in *contracts.TechnicalInputs, price float64) *contracts.TechnicalInputs {
	if in == nil {
		return nil
	}
	out := *in
	out.Price = price
	return &out
}
