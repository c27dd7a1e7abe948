package contracts

import "fmt"

// StrategyID identifies a strategy profile
type StrategyID string

const (
	StrategyMomentum    StrategyID = "momentum"
	StrategyBreakout    StrategyID = "breakout"
	StrategyRSIReversal StrategyID = "rsi_reversal"
	StrategyScalping3m  StrategyID = "scalping_3m"
	StrategySwing       StrategyID = "swing"
)

// AllStrategies lists every known strategy id
var AllStrategies = []StrategyID{
	StrategyMomentum,
	StrategyBreakout,
	StrategyRSIReversal,
	StrategyScalping3m,
	StrategySwing,
}

// ParseStrategyID validates a strategy id string
func ParseStrategyID(s string) (StrategyID, error) {
	for _, id := range AllStrategies {
		if string(id) == s {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown strategy: %q", s)
}
