package kis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/execution"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// Broker adapts the KIS REST client and execution notice stream to execution.Broker
type Broker struct {
	client *Client
	ws     *WSClient
	logger *logger.Logger

	sinkMu sync.RWMutex
	sink   execution.FillSink

	// 주문별 체결 통보 순번과 누적 수량
	fillMu sync.Mutex
	fills  map[string]*orderFills
}

// orderFills tracks the executions of one KIS order number.
// KIS 체결통보에는 체결번호가 없으므로 통보 순번으로 Seq를 만든다.
type orderFills struct {
	count int64
	cum   int64
	last  time.Time
}

// fillRetention bounds how long a partially filled order is tracked.
// KIS order numbers are unique within a trading day.
const fillRetention = 24 * time.Hour

var _ execution.Broker = (*Broker)(nil)

// NewBroker wires execution notices of ws into the broker
func NewBroker(client *Client, ws *WSClient, log *logger.Logger) *Broker {
	b := &Broker{
		client: client,
		ws:     ws,
		logger: log.Component("kis_broker"),
		fills:  make(map[string]*orderFills),
	}
	if ws != nil {
		ws.OnExecution(b.onExecution)
	}
	return b
}

// GetPrice retrieves the latest traded price
func (b *Broker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return b.client.GetPrice(ctx, symbol)
}

// SubmitOrder transmits an order and returns the KIS order number
func (b *Broker) SubmitOrder(ctx context.Context, symbol string, side contracts.OrderSide, qty int64, priceHint float64) (string, error) {
	return b.client.SubmitOrder(ctx, symbol, side, qty, priceHint)
}

// CancelOrder cancels the unfilled remainder
func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return b.client.CancelOrder(ctx, brokerOrderID)
}

// Subscribe registers the receiver of execution notices
func (b *Broker) Subscribe(sink execution.FillSink) {
	b.sinkMu.Lock()
	b.sink = sink
	b.sinkMu.Unlock()
}

// Run streams execution notices until ctx is done
func (b *Broker) Run(ctx context.Context) error {
	if b.ws == nil {
		<-ctx.Done()
		return nil
	}
	return b.ws.Run(ctx)
}

// Connected reports whether the execution stream is up
func (b *Broker) Connected() bool {
	return b.ws != nil && b.ws.IsConnected()
}

func (b *Broker) onExecution(n ExecutionNotice) {
	b.sinkMu.RLock()
	sink := b.sink
	b.sinkMu.RUnlock()
	if sink == nil {
		b.logger.WithField("notice", n.String()).Warn("Execution notice without subscriber")
		return
	}

	if n.Rejected {
		sink.OnReject(n.OrderNo, "rejected by broker")
		return
	}
	if !n.Filled {
		return // 접수/정정/취소 확인
	}

	at := n.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	b.fillMu.Lock()
	b.pruneLocked(at)
	f, ok := b.fills[n.OrderNo]
	if !ok {
		f = &orderFills{}
		b.fills[n.OrderNo] = f
	}
	f.count++
	f.cum += n.ExecutedQty
	f.last = at
	seq := fmt.Sprintf("%s-%d", n.OrderNo, f.count)
	cum := f.cum
	if n.OrderQuantity > 0 && cum >= n.OrderQuantity {
		// 전량 체결: 같은 주문번호의 이후 통보는 주문 관리자가 Seq/누적 기준으로 무시
		delete(b.fills, n.OrderNo)
	}
	b.fillMu.Unlock()

	if n.OrderQuantity > 0 && cum > n.OrderQuantity {
		b.logger.WithFields(map[string]interface{}{
			"order_no":   n.OrderNo,
			"cumulative": cum,
			"order_qty":  n.OrderQuantity,
		}).Warn("Executions exceed order quantity")
	}

	sink.OnFill(contracts.FillEvent{
		BrokerOrderID: n.OrderNo,
		Seq:           seq,
		Qty:           n.ExecutedQty,
		Price:         float64(n.ExecutedPrice),
		CumulativeQty: cum,
		At:            n.ReceivedAt,
	})
}

// pruneLocked drops orders with no execution for fillRetention. Caller holds fillMu.
func (b *Broker) pruneLocked(now time.Time) {
	for orderNo, f := range b.fills {
		if now.Sub(f.last) > fillRetention {
			delete(b.fills, orderNo)
		}
	}
}
