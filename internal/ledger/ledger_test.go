package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/logger"
)

var t0 = time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (r *recordingEmitter) Emit(evt contracts.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) causes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Payload.(contracts.PositionMutation).Cause)
	}
	return out
}

func newLedger(em contracts.Emitter) *Ledger {
	return New(em, logger.NewNop(), WithClock(func() time.Time { return t0 }))
}

func openPosition(t *testing.T, l *Ledger, symbol string, qty int64, price float64) contracts.Position {
	t.Helper()
	p, err := l.Open(symbol, contracts.StrategyMomentum, false)
	require.NoError(t, err)
	_, err = l.ApplyFill(p.ID, "ORD-1", contracts.OrderSideBuy, qty, price, t0)
	require.NoError(t, err)
	p, err = l.CompleteEntry(p.ID, &contracts.Thresholds{StopPrice: price * 0.95, TargetPrice: price * 1.1})
	require.NoError(t, err)
	require.Equal(t, contracts.PositionOpen, p.Status)
	return p
}

func TestLedger_EntryLifecycle(t *testing.T) {
	em := &recordingEmitter{}
	l := newLedger(em)

	p, err := l.Open("005930", contracts.StrategyMomentum, false)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionPendingEntry, p.Status)
	assert.Regexp(t, `^POS-20260302-\d{6}$`, p.ID)

	_, err = l.Open("005930", contracts.StrategyMomentum, false)
	assert.True(t, errors.Is(err, contracts.ErrPositionActive))

	_, err = l.ApplyFill(p.ID, "ORD-1", contracts.OrderSideBuy, 10, 70_000, t0)
	require.NoError(t, err)
	p, err = l.ApplyFill(p.ID, "ORD-1", contracts.OrderSideBuy, 30, 71_000, t0.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, int64(40), p.Quantity)
	assert.InDelta(t, 70_750.0, p.AvgCost, 1e-9)
	assert.Equal(t, t0, p.EntryAt)

	p, err = l.CompleteEntry(p.ID, &contracts.Thresholds{StopPrice: 67_212.5, TargetPrice: 77_825})
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionOpen, p.Status)
	require.NotNil(t, p.Thresholds)
	assert.Equal(t, 67_212.5, p.Thresholds.StopPrice)

	assert.Equal(t, []string{"open", "fill", "fill", "complete_entry"}, em.causes())
}

func TestLedger_UnfilledEntryCloses(t *testing.T) {
	l := newLedger(nil)

	p, err := l.Open("000660", contracts.StrategyMomentum, false)
	require.NoError(t, err)

	p, err = l.CompleteEntry(p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionClosed, p.Status)

	_, ok := l.BySymbol("000660")
	assert.False(t, ok)

	// symbol slot is free again
	_, err = l.Open("000660", contracts.StrategyMomentum, false)
	assert.NoError(t, err)
}

func TestLedger_PartialExitKeepsThresholds(t *testing.T) {
	l := newLedger(nil)
	p := openPosition(t, l, "005930", 100, 10_000)

	p, err := l.BeginExit(p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionPendingExit, p.Status)

	p, err = l.ApplyFill(p.ID, "ORD-2", contracts.OrderSideSell, 40, 10_500, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(60), p.Quantity)
	assert.InDelta(t, 20_000.0, p.RealizedPnL, 1e-9)

	p, err = l.EndExit(p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionOpen, p.Status)
	require.NotNil(t, p.Thresholds)
	assert.Equal(t, 9_500.0, p.Thresholds.StopPrice)
	assert.Equal(t, 10_000.0, p.AvgCost)
}

func TestLedger_FullExitCloses(t *testing.T) {
	em := &recordingEmitter{}
	l := newLedger(em)
	p := openPosition(t, l, "005930", 10, 10_000)

	_, err := l.BeginExit(p.ID)
	require.NoError(t, err)
	closeAt := t0.Add(time.Hour)
	p, err = l.ApplyFill(p.ID, "ORD-2", contracts.OrderSideSell, 10, 9_000, closeAt)
	require.NoError(t, err)

	assert.Equal(t, contracts.PositionClosed, p.Status)
	assert.Equal(t, int64(0), p.Quantity)
	assert.Equal(t, closeAt, p.ClosedAt)
	assert.InDelta(t, -10_000.0, p.RealizedPnL, 1e-9)

	// terminal exit order after close is a no-op
	p, err = l.EndExit(p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionClosed, p.Status)

	_, ok := l.BySymbol("005930")
	assert.False(t, ok)
}

func TestLedger_InvariantViolations(t *testing.T) {
	l := newLedger(nil)
	p := openPosition(t, l, "005930", 10, 10_000)

	// sell while OPEN (no exit in progress)
	_, err := l.ApplyFill(p.ID, "ORD-X", contracts.OrderSideSell, 1, 10_000, t0)
	assert.Equal(t, contracts.InvariantViolation, contracts.KindOf(err))

	_, err = l.BeginExit(p.ID)
	require.NoError(t, err)

	// sell more than held: rejected, state untouched
	_, err = l.ApplyFill(p.ID, "ORD-2", contracts.OrderSideSell, 11, 10_000, t0)
	assert.Equal(t, contracts.InvariantViolation, contracts.KindOf(err))

	snap, err := l.Snapshot(p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Quantity)
	assert.Equal(t, contracts.PositionPendingExit, snap.Status)

	// buy on an exiting position
	_, err = l.ApplyFill(p.ID, "ORD-3", contracts.OrderSideBuy, 1, 10_000, t0)
	assert.Equal(t, contracts.InvariantViolation, contracts.KindOf(err))

	_, err = l.ApplyFill(p.ID, "ORD-3", contracts.OrderSideSell, 0, 10_000, t0)
	assert.Equal(t, contracts.InputError, contracts.KindOf(err))

	_, err = l.ApplyFill("POS-missing", "ORD-3", contracts.OrderSideSell, 1, 10_000, t0)
	assert.True(t, errors.Is(err, contracts.ErrUnknownPosition))
}

func TestLedger_BeginExitRequiresOpenQuantity(t *testing.T) {
	l := newLedger(nil)
	p, err := l.Open("005930", contracts.StrategyMomentum, false)
	require.NoError(t, err)

	_, err = l.BeginExit(p.ID)
	assert.True(t, errors.Is(err, contracts.ErrNoOpenQuantity))
}

func TestLedger_MarkPriceAndSummary(t *testing.T) {
	l := newLedger(nil)
	a := openPosition(t, l, "A", 10, 1_000)
	openPosition(t, l, "B", 5, 2_000)

	p, ok := l.MarkPrice("A", 1_100)
	require.True(t, ok)
	assert.InDelta(t, 1_000.0, p.UnrealizedPnL, 1e-9)

	_, ok = l.MarkPrice("UNKNOWN", 1_000)
	assert.False(t, ok)

	_, err := l.BeginExit(a.ID)
	require.NoError(t, err)
	_, err = l.ApplyFill(a.ID, "ORD-9", contracts.OrderSideSell, 10, 900, t0.Add(time.Hour))
	require.NoError(t, err)

	s := l.Summary(t0)
	assert.Equal(t, 1, s.OpenPositions)
	assert.Equal(t, 1, s.ClosedSince)
	assert.InDelta(t, -1_000.0, s.RealizedPnL, 1e-9)

	later := l.Summary(t0.Add(2 * time.Hour))
	assert.Equal(t, 0, later.ClosedSince)
	assert.Zero(t, later.RealizedPnL)

	assert.Len(t, l.Snapshots(), 2)
	assert.Len(t, l.Active(), 1)
	assert.Equal(t, 1, l.Prune(t0.Add(2*time.Hour)))
	assert.Len(t, l.Snapshots(), 1)
}

func TestLedger_ConcurrentFills(t *testing.T) {
	l := newLedger(nil)

	symbols := []string{"A", "B", "C", "D"}
	ids := make(map[string]string)
	for _, s := range symbols {
		p, err := l.Open(s, contracts.StrategyMomentum, false)
		require.NoError(t, err)
		ids[s] = p.ID
	}

	var wg sync.WaitGroup
	for _, s := range symbols {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _ = l.ApplyFill(id, "ORD", contracts.OrderSideBuy, 1, 1_000, t0)
				_ = l.Snapshots()
			}(ids[s])
		}
	}
	wg.Wait()

	for _, s := range symbols {
		p, ok := l.BySymbol(s)
		require.True(t, ok)
		assert.Equal(t, int64(50), p.Quantity)
		assert.InDelta(t, 1_000.0, p.AvgCost, 1e-9)
	}
}

func TestLedger_LateFillReopensClosedEntry(t *testing.T) {
	em := &recordingEmitter{}
	l := newLedger(em)

	p, err := l.Open("005930", contracts.StrategyMomentum, false)
	require.NoError(t, err)
	p, err = l.CompleteEntry(p.ID, nil)
	require.NoError(t, err)
	require.Equal(t, contracts.PositionClosed, p.Status)

	p, err = l.ApplyLateFill(p.ID, "ORD-1", contracts.OrderSideBuy, 40, 10_000, t0)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionOpen, p.Status)
	assert.Equal(t, int64(40), p.Quantity)
	assert.True(t, p.ClosedAt.IsZero())

	active, ok := l.BySymbol("005930")
	require.True(t, ok)
	assert.Equal(t, p.ID, active.ID)

	p, err = l.SetThresholds(p.ID, &contracts.Thresholds{StopPrice: 9_500, TargetPrice: 11_000})
	require.NoError(t, err)
	require.NotNil(t, p.Thresholds)
	assert.InDelta(t, 9_500.0, p.Thresholds.StopPrice, 1e-9)

	assert.Contains(t, em.causes(), "reopen")
}

func TestLedger_LateFillAdjustsOpenPosition(t *testing.T) {
	l := newLedger(nil)
	p := openPosition(t, l, "005930", 10, 10_000)

	p, err := l.ApplyLateFill(p.ID, "ORD-2", contracts.OrderSideBuy, 10, 11_000, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(20), p.Quantity)
	assert.InDelta(t, 10_500.0, p.AvgCost, 1e-9)

	p, err = l.ApplyLateFill(p.ID, "ORD-3", contracts.OrderSideSell, 5, 11_500, t0)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionOpen, p.Status)
	assert.Equal(t, int64(15), p.Quantity)
	assert.InDelta(t, 5_000.0, p.RealizedPnL, 1e-9)

	_, err = l.ApplyLateFill(p.ID, "ORD-3", contracts.OrderSideSell, 16, 11_500, t0)
	assert.Equal(t, contracts.InvariantViolation, contracts.KindOf(err))

	p, err = l.ApplyLateFill(p.ID, "ORD-3", contracts.OrderSideSell, 15, 11_500, t0)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionClosed, p.Status)
	_, ok := l.BySymbol("005930")
	assert.False(t, ok)
}

func TestLedger_LateBuyWhileAnotherPositionActive(t *testing.T) {
	l := newLedger(nil)

	old, err := l.Open("005930", contracts.StrategyMomentum, false)
	require.NoError(t, err)
	_, err = l.CompleteEntry(old.ID, nil)
	require.NoError(t, err)
	openPosition(t, l, "005930", 10, 10_000)

	_, err = l.ApplyLateFill(old.ID, "ORD-1", contracts.OrderSideBuy, 5, 10_000, t0)
	assert.Equal(t, contracts.InvariantViolation, contracts.KindOf(err))
}

func TestLedger_SetThresholdsRequiresActive(t *testing.T) {
	l := newLedger(nil)
	p, err := l.Open("005930", contracts.StrategyMomentum, false)
	require.NoError(t, err)
	_, err = l.CompleteEntry(p.ID, nil)
	require.NoError(t, err)

	_, err = l.SetThresholds(p.ID, &contracts.Thresholds{StopPrice: 1})
	assert.True(t, errors.Is(err, contracts.ErrNoOpenQuantity))
}
