package execution

import (
	"context"
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// Broker defines interface for broker operations
// ⭐ SSOT: 증권사 연동 인터페이스는 여기서만 정의
type Broker interface {
	// GetPrice retrieves the latest traded price
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// SubmitOrder transmits an order and returns the broker order id.
	// priceHint 0 means market order.
	SubmitOrder(ctx context.Context, symbol string, side contracts.OrderSide, qty int64, priceHint float64) (string, error)

	// CancelOrder cancels the unfilled remainder of an order
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// Subscribe registers the receiver of asynchronous executions
	Subscribe(sink FillSink)
}

// FillSink receives asynchronous broker notices.
// Implementations must not block for long; the order manager only enqueues.
type FillSink interface {
	OnFill(evt contracts.FillEvent)
	OnReject(brokerOrderID, reason string)
}

// PositionBook is the ledger surface the order manager mutates
type PositionBook interface {
	Open(symbol string, strategy contracts.StrategyID, dayOnly bool) (contracts.Position, error)
	ApplyFill(positionID, orderID string, side contracts.OrderSide, qty int64, price float64, at time.Time) (contracts.Position, error)
	CompleteEntry(positionID string, thresholds *contracts.Thresholds) (contracts.Position, error)
	BeginExit(positionID string) (contracts.Position, error)
	EndExit(positionID string) (contracts.Position, error)
	Snapshot(positionID string) (contracts.Position, error)

	// 취소 후 도착한 체결
	ApplyLateFill(positionID, orderID string, side contracts.OrderSide, qty int64, price float64, at time.Time) (contracts.Position, error)
	SetThresholds(positionID string, thresholds *contracts.Thresholds) (contracts.Position, error)
}

// ThresholdSource computes exit thresholds for a filled entry
type ThresholdSource interface {
	ThresholdsFor(strategy contracts.StrategyID, entryPrice float64) (*contracts.Thresholds, error)
}
