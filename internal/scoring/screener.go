package scoring

import (
	"sort"

	"github.com/wonny/aegis-trader/pkg/logger"
)

// Listing is one symbol of the raw market universe
type Listing struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Market       string  `json:"market"` // KOSPI, KOSDAQ
	Price        float64 `json:"price"`
	TradingValue float64 `json:"trading_value"` // 거래대금 (원)
}

// ScreenerConfig defines hard cut conditions of the universe
type ScreenerConfig struct {
	MinPrice        float64 // 동전주 제외
	MaxPrice        float64
	MinTradingValue float64 // 유동성
	MaxUniverse     int
}

// DefaultScreenerConfig returns the universe hard cuts
func DefaultScreenerConfig() ScreenerConfig {
	return ScreenerConfig{
		MinPrice:        1_000,
		MaxPrice:        500_000,
		MinTradingValue: 1_000_000_000,
		MaxUniverse:     200,
	}
}

// Screener reduces the raw listing to a tradable universe
type Screener struct {
	config ScreenerConfig
	logger *logger.Logger
}

// NewScreener creates a new screener
func NewScreener(config ScreenerConfig, log *logger.Logger) *Screener {
	return &Screener{
		config: config,
		logger: log,
	}
}

// Screen applies hard cuts and keeps the most liquid listings
func (s *Screener) Screen(listings []Listing) []Listing {
	passed := make([]Listing, 0, len(listings))
	filtered := make(map[string]int)
	seen := make(map[string]bool, len(listings))

	for _, l := range listings {
		if seen[l.Symbol] {
			filtered["duplicate"]++
			continue
		}
		seen[l.Symbol] = true

		if reason := s.checkConditions(l); reason != "" {
			filtered[reason]++
			continue
		}
		passed = append(passed, l)
	}

	sort.SliceStable(passed, func(i, j int) bool {
		return passed[i].TradingValue > passed[j].TradingValue
	})
	if s.config.MaxUniverse > 0 && len(passed) > s.config.MaxUniverse {
		filtered["universe_cap"] += len(passed) - s.config.MaxUniverse
		passed = passed[:s.config.MaxUniverse]
	}

	s.logger.WithFields(map[string]interface{}{
		"total":    len(listings),
		"passed":   len(passed),
		"filtered": filtered,
	}).Info("Universe screening completed")

	return passed
}

func (s *Screener) checkConditions(l Listing) string {
	if l.Symbol == "" {
		return "empty_symbol"
	}
	if l.Price < s.config.MinPrice {
		return "min_price"
	}
	if s.config.MaxPrice > 0 && l.Price > s.config.MaxPrice {
		return "max_price"
	}
	if l.TradingValue < s.config.MinTradingValue {
		return "trading_value"
	}
	return ""
}
