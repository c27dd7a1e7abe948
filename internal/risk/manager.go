package risk

import (
	"fmt"
	"math"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// =============================================================================
// RiskManager - 손절/익절 평가 (순수 계산)
// ⭐ SSOT: 손절가/익절가 계산과 청산 판단은 여기서만
// =============================================================================

// Ratios are the stop and target distances from the entry price
type Ratios struct {
	Stop   float64 // 0.05 = -5%
	Target float64 // 0.10 = +10%
}

// Valid reports whether both ratios are in (0, 1)
func (r Ratios) Valid() bool {
	return r.Stop > 0 && r.Stop < 1 && r.Target > 0 && r.Target < 1
}

// Manager attaches thresholds and evaluates prices against them
type Manager struct {
	fallback   Ratios
	byStrategy map[contracts.StrategyID]Ratios
	logger     *logger.Logger
}

// NewManager creates a risk manager. byStrategy may be nil.
func NewManager(fallback Ratios, byStrategy map[contracts.StrategyID]Ratios, log *logger.Logger) *Manager {
	ratios := make(map[contracts.StrategyID]Ratios, len(byStrategy))
	for id, r := range byStrategy {
		ratios[id] = r
	}
	return &Manager{
		fallback:   fallback,
		byStrategy: ratios,
		logger:     log.Component("risk"),
	}
}

// RatiosFor returns the ratios of a strategy, or the fallback
func (m *Manager) RatiosFor(strategy contracts.StrategyID) Ratios {
	if r, ok := m.byStrategy[strategy]; ok && r.Valid() {
		return r
	}
	return m.fallback
}

// ThresholdsFor computes stop and target prices from an entry price
func (m *Manager) ThresholdsFor(strategy contracts.StrategyID, entryPrice float64) (*contracts.Thresholds, error) {
	if entryPrice <= 0 || math.IsNaN(entryPrice) || math.IsInf(entryPrice, 0) {
		return nil, contracts.NewInputError("risk.thresholds", "", fmt.Errorf("invalid entry price %v", entryPrice))
	}
	r := m.RatiosFor(strategy)
	if !r.Valid() {
		return nil, contracts.NewInputError("risk.thresholds", "", fmt.Errorf("invalid ratios for %s: %+v", strategy, r))
	}
	return &contracts.Thresholds{
		StopPrice:   entryPrice * (1 - r.Stop),
		TargetPrice: entryPrice * (1 + r.Target),
	}, nil
}

// Evaluate compares one price against the position's thresholds.
// Stop takes precedence; positions without thresholds always HOLD.
func (m *Manager) Evaluate(pos contracts.Position, price float64) (contracts.RiskAction, *contracts.ExitIntent) {
	return m.EvaluateBatch(pos, []float64{price})
}

// EvaluateBatch evaluates every price observed for the position since the
// last evaluation. A stop breach anywhere in the batch wins over a target hit.
func (m *Manager) EvaluateBatch(pos contracts.Position, prices []float64) (contracts.RiskAction, *contracts.ExitIntent) {
	if !evaluable(pos) {
		return contracts.ActionHold, nil
	}

	var (
		stopHit, targetHit bool
		stopAt, targetAt   float64
		last               float64
	)
	for _, p := range prices {
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			continue
		}
		last = p
		if p <= pos.Thresholds.StopPrice && (!stopHit || p < stopAt) {
			stopHit, stopAt = true, p
		}
		if p >= pos.Thresholds.TargetPrice && (!targetHit || p > targetAt) {
			targetHit, targetAt = true, p
		}
	}

	switch {
	case stopHit:
		return contracts.ActionExitStop, m.intent(pos, contracts.ExitReasonStop, stopAt, last)
	case targetHit:
		return contracts.ActionExitTarget, m.intent(pos, contracts.ExitReasonTarget, targetAt, last)
	default:
		return contracts.ActionHold, nil
	}
}

func (m *Manager) intent(pos contracts.Position, reason contracts.ExitReason, trigger, last float64) *contracts.ExitIntent {
	t := *pos.Thresholds

	m.logger.WithFields(map[string]interface{}{
		"position": pos.ID,
		"symbol":   pos.Symbol,
		"reason":   reason,
		"trigger":  trigger,
		"stop":     t.StopPrice,
		"target":   t.TargetPrice,
		"quantity": pos.Quantity,
	}).Info("Exit threshold crossed")

	return &contracts.ExitIntent{
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		Quantity:     pos.Quantity,
		PriceHint:    last,
		Reason:       reason,
		TriggerPrice: trigger,
		Thresholds:   &t,
	}
}

// evaluable: OPEN + 수량 + 임계값
func evaluable(pos contracts.Position) bool {
	return pos.Status == contracts.PositionOpen && pos.Quantity > 0 && pos.Thresholds != nil
}
