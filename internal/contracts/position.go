package contracts

import "time"

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	PositionPendingEntry PositionStatus = "PENDING_ENTRY"
	PositionOpen         PositionStatus = "OPEN"
	PositionPendingExit  PositionStatus = "PENDING_EXIT"
	PositionClosed       PositionStatus = "CLOSED"
)

// Thresholds are the risk bounds attached to an open position
type Thresholds struct {
	StopPrice   float64 `json:"stop_price"`
	TargetPrice float64 `json:"target_price"`
}

// Position is a held or pending holding of one symbol.
// ⭐ SSOT: PositionLedger만 변경 가능, 다른 컴포넌트는 스냅샷만 받음
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Strategy      StrategyID     `json:"strategy"`
	DayOnly       bool           `json:"day_only"` // 당일 청산 (스캘핑)
	Quantity      int64          `json:"quantity"`
	AvgCost       float64        `json:"avg_cost"`
	RealizedPnL   float64        `json:"realized_pnl"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	LastPrice     float64        `json:"last_price"`
	Thresholds    *Thresholds    `json:"thresholds,omitempty"`
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"opened_at"`
	EntryAt       time.Time      `json:"entry_at"` // 첫 체결 시각
	ClosedAt      time.Time      `json:"closed_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsActive reports whether the position still occupies its symbol
func (p Position) IsActive() bool {
	return p.Status != PositionClosed
}

// MarketValue is quantity at the last known price (avg cost if unpriced)
func (p Position) MarketValue() float64 {
	price := p.LastPrice
	if price == 0 {
		price = p.AvgCost
	}
	return float64(p.Quantity) * price
}
