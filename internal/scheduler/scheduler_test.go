package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/execution"
	"github.com/wonny/aegis-trader/internal/ledger"
	"github.com/wonny/aegis-trader/internal/risk"
	"github.com/wonny/aegis-trader/internal/scoring"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
)

// =============================================================================
// test doubles
// =============================================================================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeSource struct {
	mu         sync.Mutex
	candidates []contracts.Candidate
	err        error
	calls      int
}

func (s *fakeSource) Candidates(ctx context.Context, now time.Time) ([]contracts.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]contracts.Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// quietBroker accepts orders and never fills them
type quietBroker struct {
	mu        sync.Mutex
	prices    map[string]float64
	seq       int
	cancelled []string
}

func (b *quietBroker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[symbol]
	if !ok {
		return 0, contracts.NewTransientError("quiet.get_price", symbol, errors.New("no quote"))
	}
	return p, nil
}

func (b *quietBroker) SubmitOrder(ctx context.Context, symbol string, side contracts.OrderSide, qty int64, priceHint float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return fmt.Sprintf("Q%04d", b.seq), nil
}

func (b *quietBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, brokerOrderID)
	return nil
}

func (b *quietBroker) Subscribe(sink execution.FillSink) {}

// flakyBroker fails the next failSells sell submits with a transient error
type flakyBroker struct {
	paperBroker
	mu        sync.Mutex
	failSells int
}

func (b *flakyBroker) SubmitOrder(ctx context.Context, symbol string, side contracts.OrderSide, qty int64, priceHint float64) (string, error) {
	b.mu.Lock()
	fail := side == contracts.OrderSideSell && b.failSells > 0
	if fail {
		b.failSells--
	}
	b.mu.Unlock()
	if fail {
		return "", contracts.NewTransientError("flaky.submit", symbol, errors.New("gateway timeout"))
	}
	return b.paperBroker.SubmitOrder(ctx, symbol, side, qty, priceHint)
}

type eventLog struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (e *eventLog) Emit(evt contracts.Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *eventLog) of(kind contracts.EventKind) []contracts.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []contracts.Event
	for _, evt := range e.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

type priceSetter interface {
	execution.Broker
	set(symbol string, price float64)
}

type paperBroker struct{ *execution.PaperBroker }

func (b paperBroker) set(symbol string, price float64) { b.SetPrice(symbol, price) }

func (b *quietBroker) set(symbol string, price float64) {
	b.mu.Lock()
	b.prices[symbol] = price
	b.mu.Unlock()
}

// =============================================================================
// harness
// =============================================================================

type harness struct {
	s      *Scheduler
	book   *ledger.Ledger
	orders *execution.Manager
	broker priceSetter
	source *fakeSource
	events *eventLog
	clock  *testClock
}

// candidate builds inputs that score tech 45 (price above a rising MA stack)
func candidate(symbol string, sentiment, flow float64) contracts.Candidate {
	return contracts.Candidate{
		Symbol: symbol,
		Price:  10_000,
		Inputs: contracts.CandidateInputs{
			Technical: &contracts.TechnicalInputs{
				Price: 10_000, MA5: 9_900, MA20: 9_800, MA60: 9_500,
				RSI: 50, MACDHist: 1, VolumeRatio: 2.5,
			},
			Sentiment: contracts.Float(sentiment),
			Flow:      contracts.Float(flow),
		},
	}
}

// weak builds a candidate whose technical sub-score is 0
func weak(symbol string, sentiment, flow float64) contracts.Candidate {
	c := candidate(symbol, sentiment, flow)
	c.Inputs.Technical = &contracts.TechnicalInputs{
		Price: 10_000, MA5: 10_500, MA20: 10_400, MA60: 10_300,
		RSI: 80, MACDHist: -1, VolumeRatio: 1,
	}
	return c
}

func newHarness(t *testing.T, strategy contracts.StrategyID, quiet bool) *harness {
	t.Helper()
	if quiet {
		return newHarnessWith(t, strategy, &quietBroker{prices: make(map[string]float64)})
	}
	return newHarnessWith(t, strategy, paperBroker{execution.NewPaperBroker(nil, 2, logger.NewNop())})
}

func newHarnessWith(t *testing.T, strategy contracts.StrategyID, broker priceSetter) *harness {
	t.Helper()
	log := logger.NewNop()
	clock := &testClock{t: at(2, 8, 0)}
	events := &eventLog{}
	rec := metrics.New()

	profile, err := scoring.DefaultProfile(strategy)
	require.NoError(t, err)

	broker.set("005930", 10_000)
	broker.set("000660", 10_000)

	book := ledger.New(events, log, ledger.WithClock(clock.Now))
	rm := risk.NewManager(risk.Ratios{Stop: profile.StopRatio, Target: profile.TargetRatio}, nil, log)
	guard := risk.NewGuard(risk.GuardConfig{MaxPositions: 5}, log)

	ocfg := execution.DefaultConfig()
	ocfg.OrderTimeout = 24 * time.Hour
	orders := execution.NewManager(broker, book, rm, events, rec, log, ocfg, execution.WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go orders.Run(ctx)

	source := &fakeSource{}
	cfg := DefaultConfig()
	s, err := New(cfg, Deps{
		Calendar: testCalendar(t),
		Engine:   scoring.NewEngine(profile, 4),
		Risk:     rm,
		Guard:    guard,
		Source:   source,
		Prices:   broker,
		Orders:   orders,
		Book:     book,
		Emitter:  events,
		Metrics:  rec,
		Logger:   log,
	})
	require.NoError(t, err)

	return &harness{s: s, book: book, orders: orders, broker: broker, source: source, events: events, clock: clock}
}

func (h *harness) tick(day, hour, minute int) {
	now := at(day, hour, minute)
	h.clock.Set(now)
	h.s.Tick(context.Background(), now)
}

func (h *harness) runs(t *testing.T, name string) []JobResult {
	t.Helper()
	runs, err := h.s.History(name, 0)
	require.NoError(t, err)
	return runs
}

func (h *harness) waitStatus(t *testing.T, symbol string, status contracts.PositionStatus) contracts.Position {
	t.Helper()
	var pos contracts.Position
	require.Eventually(t, func() bool {
		p, ok := h.book.BySymbol(symbol)
		pos = p
		return ok && p.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return pos
}

func (h *harness) waitClosed(t *testing.T, symbol string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.book.BySymbol(symbol)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

// =============================================================================
// tests
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{Logger: logger.NewNop()})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Windows.MarketOpen = cfg.Windows.PreMarketStart
	_, err = New(cfg, Deps{Logger: logger.NewNop()})
	assert.Error(t, err)
}

func TestTick_FullTradingDay(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{
		candidate("005930", 15, 15), // 75: entry
		weak("000660", 30, 35),      // 65: monitored only
		weak("035420", 0, 0),        // 0: dropped
	}

	h.tick(2, 8, 0)
	assert.Equal(t, PhaseIdle, h.s.Phase())
	assert.Equal(t, 0, h.source.callCount())

	h.tick(2, 8, 40)
	assert.Equal(t, PhasePreMarket, h.s.Phase())
	monitored := h.s.Monitored()
	require.Len(t, monitored, 2)
	assert.Equal(t, "005930", monitored[0].Symbol)
	assert.Equal(t, 1, monitored[0].Rank)
	require.Len(t, h.events.of(contracts.EventRankingPublished), 1)

	h.tick(2, 8, 50)
	assert.Equal(t, 1, h.source.callCount(), "scan runs once per day")

	h.tick(2, 9, 0)
	assert.Equal(t, PhaseMarketHours, h.s.Phase())
	pos := h.waitStatus(t, "005930", contracts.PositionOpen)
	assert.Equal(t, int64(75), pos.Quantity)
	_, held := h.book.BySymbol("000660")
	assert.False(t, held, "below entry threshold")

	h.tick(2, 15, 40)
	assert.Equal(t, PhaseMarketHours, h.s.Phase(), "gap between close and settlement keeps the phase")
	assert.Len(t, h.runs(t, RunMarketCycle), 1, "no cycle outside the market window")

	h.tick(2, 16, 0)
	assert.Equal(t, PhaseSettlement, h.s.Phase())
	assert.Empty(t, h.s.Monitored())
	summaries := h.events.of(contracts.EventCycleSummary)
	require.Len(t, summaries, 1)
	summary := summaries[0].Payload.(contracts.CycleSummary)
	assert.Equal(t, "2026-03-02", summary.Date)
	assert.Equal(t, 2, summary.Monitored)
	assert.Equal(t, 1, summary.OpenPositions, "momentum positions are carried overnight")
	assert.Equal(t, 0, summary.ForcedExits)

	h.tick(2, 16, 20)
	assert.Len(t, h.events.of(contracts.EventCycleSummary), 1, "settlement runs once")

	h.tick(2, 16, 30)
	assert.Equal(t, PhaseIdle, h.s.Phase())
}

func TestTick_NonTradingDays(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{candidate("005930", 15, 15)}

	h.tick(3, 10, 0) // holiday
	assert.Equal(t, PhaseIdle, h.s.Phase())
	h.tick(7, 10, 0) // saturday
	assert.Equal(t, PhaseIdle, h.s.Phase())

	assert.Equal(t, 0, h.source.callCount())
	assert.Empty(t, h.runs(t, RunMarketCycle))
}

func TestTick_LateStartScansFirst(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{candidate("005930", 15, 15)}

	h.tick(2, 11, 0)
	assert.Equal(t, PhaseMarketHours, h.s.Phase())
	assert.Equal(t, 1, h.source.callCount())
	assert.Len(t, h.runs(t, RunPreMarketScan), 1)
	assert.Len(t, h.runs(t, RunMarketCycle), 1)
	h.waitStatus(t, "005930", contracts.PositionOpen)
}

func TestTick_MarketInterval(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{weak("000660", 30, 35)}

	h.tick(2, 9, 0)
	h.tick(2, 9, 1)
	h.tick(2, 9, 2)
	assert.Len(t, h.runs(t, RunMarketCycle), 1)

	h.tick(2, 9, 3)
	assert.Len(t, h.runs(t, RunMarketCycle), 2)
}

func TestTick_StopLossExit(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{candidate("005930", 15, 15)}

	h.tick(2, 9, 0)
	pos := h.waitStatus(t, "005930", contracts.PositionOpen)
	require.NotNil(t, pos.Thresholds)
	assert.InDelta(t, 9_500.0, pos.Thresholds.StopPrice, 1e-6)

	h.broker.set("005930", 9_400)
	h.tick(2, 9, 3)

	exits := h.events.of(contracts.EventRiskExit)
	require.Len(t, exits, 1)
	payload := exits[0].Payload.(contracts.RiskExit)
	assert.Equal(t, contracts.ActionExitStop, payload.Action)
	assert.Equal(t, pos.Quantity, payload.Intent.Quantity)

	h.waitClosed(t, "005930")
	require.Eventually(t, func() bool {
		return len(h.events.of(contracts.EventExitExecuted)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTick_GuardBlocksEntry(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.s.deps.Guard = risk.NewGuard(risk.GuardConfig{MaxPositionValue: 100_000}, logger.NewNop())
	h.source.candidates = []contracts.Candidate{candidate("005930", 15, 15)}

	h.tick(2, 9, 0)

	_, held := h.book.BySymbol("005930")
	assert.False(t, held)
	assert.Empty(t, h.orders.Orders())
}

func TestTick_SettlementDayOnly(t *testing.T) {
	h := newHarness(t, contracts.StrategyScalping3m, false)
	h.source.candidates = []contracts.Candidate{candidate("005930", 40, 30)}

	h.tick(2, 9, 0)
	h.waitStatus(t, "005930", contracts.PositionOpen)

	h.tick(2, 16, 0)
	h.waitClosed(t, "005930")

	summaries := h.events.of(contracts.EventCycleSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].Payload.(contracts.CycleSummary).ForcedExits)

	var exit contracts.Order
	for _, o := range h.orders.Orders() {
		if o.Purpose == contracts.PurposeExit {
			exit = o
		}
	}
	assert.Equal(t, contracts.ExitReasonSettlement, exit.ExitReason)
}

func TestTick_SettlementRetriesFailedForcedExit(t *testing.T) {
	broker := &flakyBroker{paperBroker: paperBroker{execution.NewPaperBroker(nil, 2, logger.NewNop())}, failSells: 2}
	h := newHarnessWith(t, contracts.StrategyScalping3m, broker)
	h.source.candidates = []contracts.Candidate{candidate("005930", 40, 30)}

	h.tick(2, 9, 0)
	h.waitStatus(t, "005930", contracts.PositionOpen)

	h.tick(2, 16, 0)
	pos, held := h.book.BySymbol("005930")
	require.True(t, held)
	assert.Equal(t, contracts.PositionOpen, pos.Status, "failed submit leaves the position open")

	runs := h.runs(t, RunSettlement)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)

	h.tick(2, 16, 5)
	_, held = h.book.BySymbol("005930")
	assert.True(t, held, "second attempt fails too")

	h.tick(2, 16, 20)
	h.waitClosed(t, "005930")

	var exits []contracts.Order
	for _, o := range h.orders.Orders() {
		if o.Purpose == contracts.PurposeExit {
			exits = append(exits, o)
		}
	}
	require.Len(t, exits, 3)
	var filled int
	for _, o := range exits {
		assert.Equal(t, contracts.ExitReasonSettlement, o.ExitReason)
		if o.Status == contracts.OrderFilled {
			filled++
		}
	}
	assert.Equal(t, 1, filled)

	assert.Len(t, h.events.of(contracts.EventCycleSummary), 1, "summary is emitted once")
	assert.Len(t, h.runs(t, RunSettlement), 1)

	h.tick(2, 16, 25)
	assert.Len(t, h.orders.Orders(), 4, "nothing left to flatten")
}

func TestTick_DailyLossLiquidates(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.s.deps.Guard = risk.NewGuard(risk.GuardConfig{MaxPositions: 5, MaxDailyLoss: 20_000}, logger.NewNop())
	h.source.candidates = []contracts.Candidate{candidate("005930", 15, 15)}

	h.tick(2, 9, 0)
	pos := h.waitStatus(t, "005930", contracts.PositionOpen)
	require.Equal(t, int64(75), pos.Quantity)

	// 75주 x -300 = -22,500: 손절선(9,500) 위지만 한도 초과
	h.broker.set("005930", 9_700)
	h.tick(2, 9, 3)

	exits := h.events.of(contracts.EventRiskExit)
	require.Len(t, exits, 1)
	payload := exits[0].Payload.(contracts.RiskExit)
	assert.Equal(t, contracts.ActionExitDailyLoss, payload.Action)
	assert.Equal(t, contracts.ExitReasonDailyLoss, payload.Intent.Reason)
	assert.Equal(t, int64(75), payload.Intent.Quantity)

	h.waitClosed(t, "005930")
	assert.Equal(t, "2026-03-02", h.s.Status().Halted)

	h.broker.set("005930", 10_000)
	h.tick(2, 9, 6)
	var entries int
	for _, o := range h.orders.Orders() {
		if o.Purpose == contracts.PurposeEntry {
			entries++
		}
	}
	assert.Equal(t, 1, entries, "no entries for the rest of the day")
}

func TestTick_HaltedDayBlocksEntries(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{candidate("005930", 15, 15)}
	h.s.haltedDay = "2026-03-02"

	h.tick(2, 9, 0)
	assert.Empty(t, h.orders.Orders())

	h.tick(4, 9, 0) // 3일 휴장, 다음 거래일
	h.waitStatus(t, "005930", contracts.PositionOpen)
}

func TestTick_SettlementCancelsPendingDayOnlyEntries(t *testing.T) {
	h := newHarness(t, contracts.StrategyScalping3m, true)
	h.source.candidates = []contracts.Candidate{candidate("005930", 40, 30)}

	h.tick(2, 9, 0)
	live := h.orders.Live()
	require.Len(t, live, 1)

	h.tick(2, 16, 0)

	o, err := h.orders.Get(live[0].ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderCancelled, o.Status)
	assert.Equal(t, execution.ReasonSettlement, o.Reason)
	_, held := h.book.BySymbol("005930")
	assert.False(t, held, "unfilled entry closes its position")
}

func TestTick_SkippedSettlementRunsOnLeavingDay(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{weak("000660", 30, 35)}

	h.tick(2, 9, 0)
	h.tick(2, 17, 0)

	assert.Equal(t, PhaseIdle, h.s.Phase())
	assert.Len(t, h.events.of(contracts.EventCycleSummary), 1)
}

func TestTick_NextDayStartsFresh(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{weak("000660", 30, 35)}

	h.tick(2, 16, 10)
	assert.Equal(t, PhaseSettlement, h.s.Phase())

	h.tick(4, 8, 40)
	assert.Equal(t, PhasePreMarket, h.s.Phase())
	assert.Equal(t, 1, h.source.callCount())
}

func TestTick_ScanFailureMonitorsNothing(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.err = errors.New("upstream down")

	h.tick(2, 8, 40)
	h.tick(2, 9, 0)

	assert.Equal(t, 1, h.source.callCount(), "failed scan is not retried the same day")
	assert.Empty(t, h.s.Monitored())
	runs := h.runs(t, RunPreMarketScan)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.Empty(t, h.events.of(contracts.EventRankingPublished))
}

func TestStop(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{candidate("005930", 15, 15)}

	h.tick(2, 8, 40)
	require.Equal(t, PhasePreMarket, h.s.Phase())

	h.s.Stop()
	assert.Equal(t, PhaseIdle, h.s.Phase())
	assert.True(t, h.s.Status().Stopped)

	h.tick(2, 9, 0)
	assert.Equal(t, PhaseIdle, h.s.Phase())
	assert.Empty(t, h.runs(t, RunMarketCycle))
}

func TestHistory_Bounded(t *testing.T) {
	h := newHarness(t, contracts.StrategyMomentum, false)
	h.source.candidates = []contracts.Candidate{weak("000660", 30, 35)}

	h.tick(2, 9, 0)
	for i := 1; i <= 110; i++ {
		now := at(2, 9, 0).Add(time.Duration(i) * 3 * time.Minute)
		if now.Hour()*60+now.Minute() >= 15*60+30 {
			break
		}
		h.clock.Set(now)
		h.s.Tick(context.Background(), now)
	}

	runs := h.runs(t, RunMarketCycle)
	assert.Len(t, runs, 100)

	stats := h.s.GetJobStats()[RunMarketCycle]
	assert.Equal(t, 100, stats.TotalRuns)
	assert.Equal(t, "phase", stats.Schedule)
}
