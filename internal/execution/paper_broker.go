package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// PriceSource provides live prices for paper fills
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// PaperBroker simulates a broker: every order fills at the live price,
// delivered through the asynchronous fill path.
// ⭐ 실제 운영에서는 KIS Broker 사용
type PaperBroker struct {
	prices PriceSource
	chunks int // 체결을 몇 번에 나눠 통보할지

	mu        sync.Mutex
	sink      FillSink
	overrides map[string]float64
	orders    map[string]paperOrder

	seq    atomic.Uint64
	logger *logger.Logger
	now    func() time.Time
}

type paperOrder struct {
	symbol string
	side   contracts.OrderSide
	qty    int64
}

// NewPaperBroker creates a paper broker. prices may be nil when every
// symbol is priced through SetPrice.
func NewPaperBroker(prices PriceSource, chunks int, log *logger.Logger) *PaperBroker {
	if chunks <= 0 {
		chunks = 1
	}
	return &PaperBroker{
		prices:    prices,
		chunks:    chunks,
		overrides: make(map[string]float64),
		orders:    make(map[string]paperOrder),
		logger:    log.Component("paper_broker"),
		now:       time.Now,
	}
}

// SetPrice pins the price of symbol
func (b *PaperBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	b.overrides[symbol] = price
	b.mu.Unlock()
}

// Subscribe implements Broker
func (b *PaperBroker) Subscribe(sink FillSink) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
}

// GetPrice implements Broker
func (b *PaperBroker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	price, ok := b.overrides[symbol]
	b.mu.Unlock()
	if ok {
		return price, nil
	}
	if b.prices == nil {
		return 0, contracts.NewInputError("paper.get_price", symbol, fmt.Errorf("no price source"))
	}
	return b.prices.GetPrice(ctx, symbol)
}

// SubmitOrder implements Broker. Fills are delivered before it returns.
func (b *PaperBroker) SubmitOrder(ctx context.Context, symbol string, side contracts.OrderSide, qty int64, priceHint float64) (string, error) {
	price := priceHint
	if price <= 0 {
		p, err := b.GetPrice(ctx, symbol)
		if err != nil {
			return "", err
		}
		price = p
	}
	if price <= 0 {
		return "", contracts.NewBrokerRejection("paper.submit", symbol, fmt.Errorf("no executable price"))
	}

	brokerID := fmt.Sprintf("PAPER-%08d", b.seq.Add(1))

	b.mu.Lock()
	b.orders[brokerID] = paperOrder{symbol: symbol, side: side, qty: qty}
	sink := b.sink
	b.mu.Unlock()

	b.logger.WithFields(map[string]interface{}{
		"broker_id": brokerID,
		"symbol":    symbol,
		"side":      side,
		"qty":       qty,
		"price":     price,
	}).Info("Paper order filled")

	if sink != nil {
		b.deliver(sink, brokerID, qty, price)
	}
	return brokerID, nil
}

func (b *PaperBroker) deliver(sink FillSink, brokerID string, qty int64, price float64) {
	chunk := qty / int64(b.chunks)
	if chunk == 0 {
		chunk = qty
	}
	var filled int64
	for i := 1; filled < qty; i++ {
		n := chunk
		if qty-filled < n || i == b.chunks {
			n = qty - filled
		}
		filled += n
		sink.OnFill(contracts.FillEvent{
			BrokerOrderID: brokerID,
			Seq:           fmt.Sprintf("%s-%d", brokerID, i),
			Qty:           n,
			Price:         price,
			CumulativeQty: filled,
			At:            b.now(),
		})
	}
}

// CancelOrder implements Broker. Paper orders are always filled already.
func (b *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[brokerOrderID]; !ok {
		return contracts.NewBrokerRejection("paper.cancel", "", fmt.Errorf("%s: %w", brokerOrderID, contracts.ErrUnknownOrder))
	}
	return nil
}
