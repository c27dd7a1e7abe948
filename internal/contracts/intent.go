package contracts

// RiskAction is the outcome of a risk evaluation
type RiskAction string

const (
	ActionHold          RiskAction = "HOLD"
	ActionExitStop      RiskAction = "EXIT_STOP"
	ActionExitTarget    RiskAction = "EXIT_TARGET"
	ActionExitDailyLoss RiskAction = "EXIT_DAILY_LOSS"
)

// ExitReason tells why an exit was requested
type ExitReason string

const (
	ExitReasonStop       ExitReason = "STOP_LOSS"
	ExitReasonTarget     ExitReason = "TAKE_PROFIT"
	ExitReasonSettlement ExitReason = "SETTLEMENT"
	ExitReasonManual     ExitReason = "MANUAL"
	ExitReasonDailyLoss  ExitReason = "DAILY_LOSS" // 일일 손실 한도 긴급 청산
)

// ExitIntent is produced by risk evaluation or settlement and routed to
// the order manager by the scheduler
type ExitIntent struct {
	PositionID   string      `json:"position_id"`
	Symbol       string      `json:"symbol"`
	Quantity     int64       `json:"quantity"`
	PriceHint    float64     `json:"price_hint"`
	Reason       ExitReason  `json:"reason"`
	TriggerPrice float64     `json:"trigger_price"`
	Thresholds   *Thresholds `json:"thresholds,omitempty"`
}

// EntryIntent is produced by the market-hours re-score
type EntryIntent struct {
	Symbol    string     `json:"symbol"`
	Quantity  int64      `json:"quantity"`
	PriceHint float64    `json:"price_hint"`
	Composite float64    `json:"composite"`
	Strategy  StrategyID `json:"strategy"`
	DayOnly   bool       `json:"day_only"`
}
