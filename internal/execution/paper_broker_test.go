package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/ledger"
	"github.com/wonny/aegis-trader/internal/risk"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
)

type staticPrices map[string]float64

func (s staticPrices) GetPrice(ctx context.Context, symbol string) (float64, error) {
	p, ok := s[symbol]
	if !ok {
		return 0, contracts.NewTransientError("static.price", symbol, errors.New("no quote"))
	}
	return p, nil
}

func TestPaperBroker_FillsThroughManager(t *testing.T) {
	log := logger.NewNop()
	book := ledger.New(nil, log)
	broker := NewPaperBroker(staticPrices{"005930": 70_000}, 3, log)
	m := NewManager(broker, book, risk.NewManager(risk.Ratios{Stop: 0.05, Target: 0.1}, nil, log), nil, metrics.New(), log, DefaultConfig())

	o, err := m.SubmitEntry(context.Background(), contracts.EntryIntent{
		Symbol:   "005930",
		Quantity: 10,
		Strategy: contracts.StrategyMomentum,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderSubmitted, o.Status)

	m.drain()

	got, err := m.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderFilled, got.Status)
	assert.Equal(t, int64(10), got.FilledQty)
	assert.Equal(t, 70_000.0, got.AvgFillPrice)

	pos, ok := book.BySymbol("005930")
	require.True(t, ok)
	assert.Equal(t, contracts.PositionOpen, pos.Status)
	assert.Equal(t, int64(10), pos.Quantity)

	// 이미 체결된 주문 취소는 no-op
	assert.NoError(t, broker.CancelOrder(context.Background(), got.BrokerOrderID))
	assert.Error(t, broker.CancelOrder(context.Background(), "PAPER-unknown"))
}

func TestPaperBroker_Prices(t *testing.T) {
	b := NewPaperBroker(staticPrices{"005930": 70_000}, 1, logger.NewNop())

	p, err := b.GetPrice(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, 70_000.0, p)

	b.SetPrice("005930", 71_000)
	p, err = b.GetPrice(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, 71_000.0, p)

	_, err = b.GetPrice(context.Background(), "000660")
	assert.True(t, contracts.IsTransient(err))

	_, err = b.SubmitOrder(context.Background(), "000660", contracts.OrderSideBuy, 1, 0)
	assert.Error(t, err)

	noSource := NewPaperBroker(nil, 1, logger.NewNop())
	_, err = noSource.GetPrice(context.Background(), "005930")
	assert.Equal(t, contracts.InputError, contracts.KindOf(err))
}
