package contracts

import "time"

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderCreated         OrderStatus = "CREATED"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transition is possible
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderPurpose tells why an order exists
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "ENTRY"
	PurposeExit  OrderPurpose = "EXIT"
)

// Order is a single submitted instruction. Never reused after a terminal state.
// ⭐ SSOT: OrderLifecycleManager만 상태 전이
type Order struct {
	ID            string       `json:"id"` // client correlation id
	BrokerOrderID string       `json:"broker_order_id,omitempty"`
	PositionID    string       `json:"position_id"`
	Symbol        string       `json:"symbol"`
	Side          OrderSide    `json:"side"`
	Purpose       OrderPurpose `json:"purpose"`
	ExitReason    ExitReason   `json:"exit_reason,omitempty"`
	RequestedQty  int64        `json:"requested_qty"`
	ClippedFrom   int64        `json:"clipped_from,omitempty"` // 요청 수량이 잘린 경우 원래 수량
	PriceHint     float64      `json:"price_hint"`             // 0 = market
	FilledQty     int64        `json:"filled_qty"`
	AvgFillPrice  float64      `json:"avg_fill_price"`
	Status        OrderStatus  `json:"status"`
	Reason        string       `json:"reason,omitempty"` // 거부/취소 사유
	CreatedAt     time.Time    `json:"created_at"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LastFillAt    time.Time    `json:"last_fill_at"`
}

// RemainingQty is the unfilled part of the order
func (o Order) RemainingQty() int64 {
	return o.RequestedQty - o.FilledQty
}

// WasClipped reports whether the requested quantity was reduced
func (o Order) WasClipped() bool {
	return o.ClippedFrom > 0
}

// FillEvent is a broker confirmation that some quantity executed.
// Qty is the increment; brokers that only report totals set CumulativeQty.
type FillEvent struct {
	BrokerOrderID string    `json:"broker_order_id"`
	Seq           string    `json:"seq"` // broker execution sequence id
	Qty           int64     `json:"qty"`
	Price         float64   `json:"price"`
	CumulativeQty int64     `json:"cumulative_qty,omitempty"`
	At            time.Time `json:"at"`
}
