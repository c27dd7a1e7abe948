package risk

import (
	"fmt"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/ledger"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// =============================================================================
// Guard - 신규 진입 사전 게이트
// =============================================================================

// GateMode 게이트 동작 모드
type GateMode string

const (
	GateModeShadow  GateMode = "shadow"  // 로깅만, 실제 차단 안함
	GateModeEnforce GateMode = "enforce" // 실제 차단
	GateModeOff     GateMode = "off"     // 비활성화
)

// Block reasons
const (
	BlockMaxPositions     = "max_positions"
	BlockDailyLoss        = "daily_loss"
	BlockMaxPositionValue = "max_position_value"
)

// GuardConfig holds entry limits. Zero disables a limit.
type GuardConfig struct {
	Mode             GateMode
	MaxPositions     int
	MaxDailyLoss     float64 // 양수 (원)
	MaxPositionValue float64
}

// Guard blocks new entries that would breach portfolio limits
type Guard struct {
	config GuardConfig
	logger *logger.Logger
}

// NewGuard creates an entry guard
func NewGuard(config GuardConfig, log *logger.Logger) *Guard {
	if config.Mode == "" {
		config.Mode = GateModeEnforce
	}
	return &Guard{
		config: config,
		logger: log.Component("guard"),
	}
}

// CheckEntry returns the block reason and an ErrEntryBlocked error when a
// new entry of notional value must not be submitted.
func (g *Guard) CheckEntry(symbol string, summary ledger.Summary, notional float64) (string, error) {
	if g.config.Mode == GateModeOff {
		return "", nil
	}

	reason := g.violation(summary, notional)
	if reason == "" {
		return "", nil
	}

	log := g.logger.WithFields(map[string]interface{}{
		"symbol":         symbol,
		"reason":         reason,
		"mode":           g.config.Mode,
		"open_positions": summary.OpenPositions,
		"realized_pnl":   summary.RealizedPnL,
		"notional":       notional,
	})
	if g.config.Mode == GateModeShadow {
		log.Info("Entry would be blocked (shadow)")
		return "", nil
	}
	log.Warn("Entry blocked")
	return reason, fmt.Errorf("%s: %s: %w", symbol, reason, contracts.ErrEntryBlocked)
}

func (g *Guard) violation(summary ledger.Summary, notional float64) string {
	if g.config.MaxPositions > 0 && summary.OpenPositions >= g.config.MaxPositions {
		return BlockMaxPositions
	}
	if g.config.MaxDailyLoss > 0 && -summary.RealizedPnL >= g.config.MaxDailyLoss {
		return BlockDailyLoss
	}
	if g.config.MaxPositionValue > 0 && notional > g.config.MaxPositionValue {
		return BlockMaxPositionValue
	}
	return ""
}

// DailyLossBreached reports whether the day's realized plus unrealized P&L
// has reached the daily loss limit and open positions must be liquidated.
// Shadow mode only logs.
func (g *Guard) DailyLossBreached(summary ledger.Summary) bool {
	if g.config.Mode == GateModeOff || g.config.MaxDailyLoss <= 0 {
		return false
	}
	loss := -(summary.RealizedPnL + summary.UnrealizedPnL)
	if loss < g.config.MaxDailyLoss {
		return false
	}

	log := g.logger.WithFields(map[string]interface{}{
		"mode":           g.config.Mode,
		"realized_pnl":   summary.RealizedPnL,
		"unrealized_pnl": summary.UnrealizedPnL,
		"max_daily_loss": g.config.MaxDailyLoss,
		"open_positions": summary.OpenPositions,
	})
	if g.config.Mode == GateModeShadow {
		log.Warn("Daily loss limit reached (shadow)")
		return false
	}
	log.Error("Daily loss limit reached, liquidating")
	return true
}
