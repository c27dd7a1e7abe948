package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
)

// =============================================================================
// OrderLifecycleManager
// ⭐ SSOT: 주문 상태 전이는 여기서만
// =============================================================================
//
// All order and fill mutations run under mu. Broker calls (submit, cancel)
// run outside mu. Asynchronous fills are queued on notices and applied by
// Run in arrival order.

// Cancel / reject reasons
const (
	ReasonSubmitFailed = "submit_failed"
	ReasonTimeout      = "timeout"
	ReasonManual       = "manual"
	ReasonSettlement   = "settlement"
	ReasonDailyLoss    = "daily_loss"
)

// Config holds order manager settings
type Config struct {
	SubmitTimeout time.Duration // broker submit / cancel deadline
	OrderTimeout  time.Duration // 체결 진행 없으면 취소
	SweepInterval time.Duration // Run 내부 타임아웃 점검 주기 (0 = 비활성)
	QueueSize     int           // 비동기 체결 큐
}

// DefaultConfig returns the default order manager configuration
func DefaultConfig() Config {
	return Config{
		SubmitTimeout: 10 * time.Second,
		OrderTimeout:  10 * time.Minute,
		SweepInterval: 30 * time.Second,
		QueueSize:     1024,
	}
}

type inflightKey struct {
	symbol string
	side   contracts.OrderSide
}

// notice is one queued broker callback
type notice struct {
	fill     *contracts.FillEvent
	brokerID string
	reason   string
}

// Manager is the order lifecycle manager
type Manager struct {
	mu       sync.Mutex
	orders   map[string]*contracts.Order
	byBroker map[string]string // broker order id → order id
	inflight map[inflightKey]string
	seen     map[string]map[string]struct{} // order id → fill seq
	early    map[string][]notice            // broker order id → notices before submit returned
	pending  int                            // submits awaiting a broker id

	notices chan notice
	seq     atomic.Uint64

	broker     Broker
	book       PositionBook
	thresholds ThresholdSource
	emitter    contracts.Emitter
	metrics    *metrics.Recorder
	logger     *logger.Logger
	config     Config
	now        func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an order lifecycle manager and subscribes it to broker fills
func NewManager(
	broker Broker,
	book PositionBook,
	thresholds ThresholdSource,
	emitter contracts.Emitter,
	rec *metrics.Recorder,
	log *logger.Logger,
	config Config,
	opts ...Option,
) *Manager {
	if emitter == nil {
		emitter = contracts.NopEmitter{}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	m := &Manager{
		orders:     make(map[string]*contracts.Order),
		byBroker:   make(map[string]string),
		inflight:   make(map[inflightKey]string),
		seen:       make(map[string]map[string]struct{}),
		early:      make(map[string][]notice),
		notices:    make(chan notice, config.QueueSize),
		broker:     broker,
		book:       book,
		thresholds: thresholds,
		emitter:    emitter,
		metrics:    rec,
		logger:     log.Component("orders"),
		config:     config,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	broker.Subscribe(m)
	return m
}

// =============================================================================
// Submission
// =============================================================================

// SubmitEntry opens a pending position and submits a BUY order for it
func (m *Manager) SubmitEntry(ctx context.Context, intent contracts.EntryIntent) (contracts.Order, error) {
	if intent.Quantity <= 0 {
		return contracts.Order{}, contracts.NewInputError("orders.submit_entry", intent.Symbol,
			fmt.Errorf("quantity %d", intent.Quantity))
	}
	key := inflightKey{symbol: intent.Symbol, side: contracts.OrderSideBuy}

	m.mu.Lock()
	if id, busy := m.inflight[key]; busy {
		m.mu.Unlock()
		return contracts.Order{}, fmt.Errorf("%s BUY (%s): %w", intent.Symbol, id, contracts.ErrDuplicateInFlight)
	}
	pos, err := m.book.Open(intent.Symbol, intent.Strategy, intent.DayOnly)
	if err != nil {
		m.mu.Unlock()
		return contracts.Order{}, err
	}
	o := m.create(pos, contracts.OrderSideBuy, contracts.PurposeEntry, intent.Quantity, intent.PriceHint, "", 0)
	m.mu.Unlock()

	return m.transmit(ctx, o)
}

// SubmitExit submits a SELL order for an open position. Quantity above the
// open quantity is clipped and reported through Order.ClippedFrom.
func (m *Manager) SubmitExit(ctx context.Context, intent contracts.ExitIntent) (contracts.Order, error) {
	m.mu.Lock()
	pos, err := m.book.Snapshot(intent.PositionID)
	if err != nil {
		m.mu.Unlock()
		return contracts.Order{}, err
	}

	key := inflightKey{symbol: pos.Symbol, side: contracts.OrderSideSell}
	if id, busy := m.inflight[key]; busy {
		m.mu.Unlock()
		return contracts.Order{}, fmt.Errorf("%s SELL (%s): %w", pos.Symbol, id, contracts.ErrDuplicateInFlight)
	}
	if intent.Quantity <= 0 {
		m.mu.Unlock()
		return contracts.Order{}, contracts.NewInputError("orders.submit_exit", pos.Symbol,
			fmt.Errorf("quantity %d", intent.Quantity))
	}

	qty, clippedFrom := intent.Quantity, int64(0)
	if qty > pos.Quantity {
		qty, clippedFrom = pos.Quantity, intent.Quantity
	}

	pos, err = m.book.BeginExit(pos.ID)
	if err != nil {
		m.mu.Unlock()
		return contracts.Order{}, err
	}
	o := m.create(pos, contracts.OrderSideSell, contracts.PurposeExit, qty, intent.PriceHint, intent.Reason, clippedFrom)
	m.mu.Unlock()

	if clippedFrom > 0 {
		m.logger.WithFields(map[string]interface{}{
			"order_id":  o.ID,
			"symbol":    o.Symbol,
			"requested": clippedFrom,
			"clipped":   qty,
		}).Warn("Exit quantity clipped to open quantity")
	}

	return m.transmit(ctx, o)
}

// create registers a CREATED order and reserves its (symbol, side) slot. Caller holds mu.
func (m *Manager) create(
	pos contracts.Position,
	side contracts.OrderSide,
	purpose contracts.OrderPurpose,
	qty int64,
	priceHint float64,
	reason contracts.ExitReason,
	clippedFrom int64,
) *contracts.Order {
	now := m.now()
	o := &contracts.Order{
		ID:           m.nextID(now),
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		Side:         side,
		Purpose:      purpose,
		ExitReason:   reason,
		RequestedQty: qty,
		ClippedFrom:  clippedFrom,
		PriceHint:    priceHint,
		Status:       contracts.OrderCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.orders[o.ID] = o
	m.inflight[inflightKey{symbol: o.Symbol, side: side}] = o.ID
	m.pending++
	m.transition(o, "")
	return o
}

// transmit sends a CREATED order to the broker outside the lock
func (m *Manager) transmit(ctx context.Context, o *contracts.Order) (contracts.Order, error) {
	m.mu.Lock()
	symbol, side, qty, hint := o.Symbol, o.Side, o.RequestedQty, o.PriceHint
	m.mu.Unlock()

	start := m.now()
	submitCtx, cancel := context.WithTimeout(ctx, m.config.SubmitTimeout)
	brokerID, err := m.broker.SubmitOrder(submitCtx, symbol, side, qty, hint)
	cancel()
	m.metrics.RecordLatency("submit", m.now().Sub(start).Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending--

	if err != nil {
		return m.failSubmit(o, err)
	}

	from := o.Status
	o.BrokerOrderID = brokerID
	o.Status = contracts.OrderSubmitted
	o.SubmittedAt = m.now()
	o.UpdatedAt = o.SubmittedAt
	m.byBroker[brokerID] = o.ID
	m.transition(o, from)

	m.logger.WithFields(map[string]interface{}{
		"order_id":  o.ID,
		"broker_id": brokerID,
		"symbol":    o.Symbol,
		"side":      o.Side,
		"qty":       o.RequestedQty,
	}).Info("Order submitted")

	// 제출 응답보다 먼저 도착한 체결 적용
	for _, n := range m.early[brokerID] {
		m.handleLocked(n)
	}
	delete(m.early, brokerID)
	m.dropStaleLocked()

	return *o, nil
}

// failSubmit finalizes an order whose submission failed. Caller holds mu.
func (m *Manager) failSubmit(o *contracts.Order, err error) (contracts.Order, error) {
	from := o.Status
	o.UpdatedAt = m.now()

	if contracts.IsRejection(err) {
		o.Status = contracts.OrderRejected
		o.Reason = err.Error()
	} else {
		o.Status = contracts.OrderCancelled
		o.Reason = ReasonSubmitFailed
		if contracts.KindOf(err) == "" {
			err = contracts.NewTransientError("orders.submit", o.Symbol, err)
		}
		m.metrics.RecordTransient("submit")
	}

	m.logger.WithError(err).WithFields(map[string]interface{}{
		"order_id": o.ID,
		"symbol":   o.Symbol,
		"side":     o.Side,
		"status":   o.Status,
	}).Warn("Order submission failed")

	m.transition(o, from)
	m.finalize(o)
	m.dropStaleLocked()
	return *o, err
}

// =============================================================================
// Fills
// =============================================================================

// OnFill implements FillSink. It only enqueues; Run applies.
func (m *Manager) OnFill(evt contracts.FillEvent) {
	m.notices <- notice{fill: &evt, brokerID: evt.BrokerOrderID}
}

// OnReject implements FillSink
func (m *Manager) OnReject(brokerOrderID, reason string) {
	m.notices <- notice{brokerID: brokerOrderID, reason: reason}
}

// Run applies queued broker notices until ctx is done
func (m *Manager) Run(ctx context.Context) {
	// 스케줄러가 멈춘 뒤에도 타임아웃 취소는 계속
	if m.config.SweepInterval > 0 && m.config.OrderTimeout > 0 {
		go m.sweepLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case n := <-m.notices:
			m.mu.Lock()
			m.handleLocked(n)
			m.mu.Unlock()
		}
	}
}

// sweepLoop runs Sweep every SweepInterval, off the notice goroutine
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, m.now())
		}
	}
}

// drain applies notices already queued at shutdown
func (m *Manager) drain() {
	m.mu.Lock()
	m.drainLocked()
	m.mu.Unlock()
}

// drainLocked applies every queued notice in arrival order. Caller holds mu.
func (m *Manager) drainLocked() {
	for {
		select {
		case n := <-m.notices:
			m.handleLocked(n)
		default:
			return
		}
	}
}

// Reconcile applies a fill to an order synchronously
func (m *Manager) Reconcile(orderID string, evt contracts.FillEvent) (contracts.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return contracts.Order{}, contracts.NewInvariantViolation("orders.reconcile", "",
			fmt.Errorf("%s: %w", orderID, contracts.ErrUnknownOrder))
	}
	err := m.applyFill(o, evt)
	return *o, err
}

func (m *Manager) handleLocked(n notice) {
	id, ok := m.byBroker[n.brokerID]
	if !ok {
		if m.pending > 0 {
			m.early[n.brokerID] = append(m.early[n.brokerID], n)
			return
		}
		m.logger.WithError(contracts.NewInvariantViolation("orders.fill", "",
			fmt.Errorf("broker order %s: %w", n.brokerID, contracts.ErrUnknownOrder))).Error("Broker notice for unknown order")
		return
	}

	o := m.orders[id]
	if n.fill == nil {
		m.reject(o, n.reason)
		return
	}
	if err := m.applyFill(o, *n.fill); err != nil {
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"order_id":  o.ID,
			"broker_id": n.brokerID,
			"seq":       n.fill.Seq,
		}).Error("Fill not applied")
	}
}

// applyFill is the single fill mutation path. Caller holds mu.
func (m *Manager) applyFill(o *contracts.Order, evt contracts.FillEvent) error {
	if evt.Seq != "" {
		if _, dup := m.seen[o.ID][evt.Seq]; dup {
			m.logger.WithFields(map[string]interface{}{
				"order_id": o.ID,
				"seq":      evt.Seq,
			}).Debug("Duplicate fill ignored")
			return nil
		}
	}
	if o.Status.IsTerminal() {
		// 취소 확인 이후 도착한 체결도 실제 보유 수량이므로 장부에 반영
		if o.Status == contracts.OrderCancelled && o.BrokerOrderID != "" {
			return m.applyLateFill(o, evt)
		}
		return contracts.NewInvariantViolation("orders.fill", o.Symbol,
			fmt.Errorf("fill on %s order %s", o.Status, o.ID))
	}

	delta, err := m.fillDelta(o, evt)
	if err != nil || delta == 0 {
		return err
	}

	at := evt.At
	if at.IsZero() {
		at = m.now()
	}
	if _, err := m.book.ApplyFill(o.PositionID, o.ID, o.Side, delta, evt.Price, at); err != nil {
		return err
	}

	from := o.Status
	total := o.AvgFillPrice*float64(o.FilledQty) + evt.Price*float64(delta)
	o.FilledQty += delta
	o.AvgFillPrice = total / float64(o.FilledQty)
	o.LastFillAt = at
	o.UpdatedAt = at
	m.markSeen(o.ID, evt.Seq)

	if o.FilledQty == o.RequestedQty {
		o.Status = contracts.OrderFilled
	} else {
		o.Status = contracts.OrderPartiallyFilled
	}

	m.logger.WithFields(map[string]interface{}{
		"order_id":   o.ID,
		"symbol":     o.Symbol,
		"side":       o.Side,
		"fill_qty":   delta,
		"fill_price": evt.Price,
		"filled":     o.FilledQty,
		"requested":  o.RequestedQty,
	}).Info("Order fill applied")

	if o.Status != from {
		m.transition(o, from)
	}
	if o.Status.IsTerminal() {
		m.finalize(o)
	}
	return nil
}

// fillDelta returns the quantity evt adds to o, clipped to the remaining
// quantity. Zero with a nil error means a stale cumulative report. Caller holds mu.
func (m *Manager) fillDelta(o *contracts.Order, evt contracts.FillEvent) (int64, error) {
	if evt.Price <= 0 {
		return 0, contracts.NewInputError("orders.fill", o.Symbol, fmt.Errorf("fill price %.2f", evt.Price))
	}

	delta := evt.Qty
	if evt.CumulativeQty > 0 {
		delta = evt.CumulativeQty - o.FilledQty
		if delta <= 0 {
			m.markSeen(o.ID, evt.Seq)
			return 0, nil // stale cumulative report
		}
	}
	if delta <= 0 {
		return 0, contracts.NewInputError("orders.fill", o.Symbol, fmt.Errorf("fill qty %d", delta))
	}

	remaining := o.RemainingQty()
	if remaining <= 0 {
		return 0, contracts.NewInvariantViolation("orders.fill", o.Symbol,
			fmt.Errorf("fill %d on fully filled order %s", delta, o.ID))
	}
	if delta > remaining {
		m.logger.WithError(contracts.NewInvariantViolation("orders.fill", o.Symbol,
			fmt.Errorf("fill %d exceeds remaining %d", delta, remaining))).WithFields(map[string]interface{}{
			"order_id": o.ID,
		}).Error("Over-fill clipped")
		delta = remaining
	}
	return delta, nil
}

// applyLateFill books a fill for an order already cancelled on our side.
// The order stays CANCELLED; the position is adjusted or reopened. Caller holds mu.
func (m *Manager) applyLateFill(o *contracts.Order, evt contracts.FillEvent) error {
	delta, err := m.fillDelta(o, evt)
	if err != nil || delta == 0 {
		return err
	}

	at := evt.At
	if at.IsZero() {
		at = m.now()
	}
	pos, err := m.book.ApplyLateFill(o.PositionID, o.ID, o.Side, delta, evt.Price, at)
	if err != nil {
		return err
	}

	total := o.AvgFillPrice*float64(o.FilledQty) + evt.Price*float64(delta)
	o.FilledQty += delta
	o.AvgFillPrice = total / float64(o.FilledQty)
	o.LastFillAt = at
	o.UpdatedAt = at
	m.markSeen(o.ID, evt.Seq)

	m.logger.WithFields(map[string]interface{}{
		"order_id":   o.ID,
		"symbol":     o.Symbol,
		"side":       o.Side,
		"fill_qty":   delta,
		"fill_price": evt.Price,
		"filled":     o.FilledQty,
		"position":   pos.Quantity,
	}).Warn("Late fill booked on cancelled order")
	m.transition(o, o.Status)

	kind := contracts.EventExitExecuted
	if o.Purpose == contracts.PurposeEntry {
		kind = contracts.EventEntryExecuted
		// 평균 단가가 바뀌었으므로 손절/익절 재계산
		th, thErr := m.thresholds.ThresholdsFor(pos.Strategy, pos.AvgCost)
		if thErr == nil {
			pos, thErr = m.book.SetThresholds(pos.ID, th)
		}
		if thErr != nil {
			m.logger.WithError(thErr).WithField("order_id", o.ID).Error("Thresholds not attached")
		}
	}
	m.emitter.Emit(contracts.NewEvent(kind, o.Symbol, at, contracts.Execution{
		Order:    *o,
		Position: pos,
	}))
	return nil
}

func (m *Manager) reject(o *contracts.Order, reason string) {
	if o.Status.IsTerminal() {
		return
	}
	from := o.Status
	if o.FilledQty > 0 {
		o.Status = contracts.OrderCancelled // 이미 체결된 수량은 유지
	} else {
		o.Status = contracts.OrderRejected
	}
	o.Reason = reason
	o.UpdatedAt = m.now()

	m.logger.WithFields(map[string]interface{}{
		"order_id": o.ID,
		"symbol":   o.Symbol,
		"reason":   reason,
	}).Warn("Order rejected by broker")

	m.transition(o, from)
	m.finalize(o)
}

func (m *Manager) markSeen(orderID, seq string) {
	if seq == "" {
		return
	}
	if m.seen[orderID] == nil {
		m.seen[orderID] = make(map[string]struct{})
	}
	m.seen[orderID][seq] = struct{}{}
}

// dropStaleLocked discards buffered notices once no submit can claim them
func (m *Manager) dropStaleLocked() {
	if m.pending > 0 {
		return
	}
	for brokerID, ns := range m.early {
		m.logger.WithError(contracts.NewInvariantViolation("orders.fill", "",
			fmt.Errorf("broker order %s: %w", brokerID, contracts.ErrUnknownOrder))).WithFields(map[string]interface{}{
			"notices": len(ns),
		}).Error("Dropping notices for unknown order")
		delete(m.early, brokerID)
	}
}

// =============================================================================
// Cancellation
// =============================================================================

// Cancel cancels the unfilled remainder of an order
func (m *Manager) Cancel(ctx context.Context, orderID string) (contracts.Order, error) {
	return m.cancel(ctx, orderID, ReasonManual)
}

// CancelWithReason cancels an order recording reason
func (m *Manager) CancelWithReason(ctx context.Context, orderID, reason string) (contracts.Order, error) {
	return m.cancel(ctx, orderID, reason)
}

func (m *Manager) cancel(ctx context.Context, orderID, reason string) (contracts.Order, error) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return contracts.Order{}, fmt.Errorf("%s: %w", orderID, contracts.ErrUnknownOrder)
	}
	if o.Status.IsTerminal() {
		snap := *o
		m.mu.Unlock()
		return snap, nil
	}
	if o.BrokerOrderID == "" {
		snap := *o
		m.mu.Unlock()
		return snap, fmt.Errorf("order %s not yet acknowledged by broker", orderID)
	}
	brokerID, symbol := o.BrokerOrderID, o.Symbol
	m.mu.Unlock()

	cancelCtx, done := context.WithTimeout(ctx, m.config.SubmitTimeout)
	err := m.broker.CancelOrder(cancelCtx, brokerID)
	done()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		if contracts.KindOf(err) == "" || contracts.IsTransient(err) {
			m.metrics.RecordTransient("cancel")
		}
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"order_id": orderID,
			"symbol":   symbol,
			"reason":   reason,
		}).Warn("Cancel failed, order stays live")
		return *o, err
	}

	// 취소 직전 체결이 큐에 남아 있을 수 있으므로 먼저 반영
	m.drainLocked()

	if !o.Status.IsTerminal() {
		from := o.Status
		o.Status = contracts.OrderCancelled
		o.Reason = reason
		o.UpdatedAt = m.now()
		m.transition(o, from)
		m.finalize(o)
	}
	return *o, nil
}

// Sweep cancels live orders with no fill progress within OrderTimeout
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	if m.config.OrderTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	var stale []string
	for id, o := range m.orders {
		if o.Status.IsTerminal() || o.BrokerOrderID == "" {
			continue
		}
		progress := o.SubmittedAt
		if o.LastFillAt.After(progress) {
			progress = o.LastFillAt
		}
		if now.Sub(progress) >= m.config.OrderTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	cancelled := 0
	for _, id := range stale {
		if ctx.Err() != nil {
			break
		}
		o, err := m.cancel(ctx, id, ReasonTimeout)
		if err == nil && o.Status == contracts.OrderCancelled {
			cancelled++
		}
	}
	if cancelled > 0 {
		m.logger.WithField("cancelled", cancelled).Info("Timed-out orders cancelled")
	}
	return cancelled
}

// =============================================================================
// Terminal handling
// =============================================================================

// finalize releases the (symbol, side) slot and settles the position. Caller holds mu.
func (m *Manager) finalize(o *contracts.Order) {
	delete(m.inflight, inflightKey{symbol: o.Symbol, side: o.Side})

	var (
		pos contracts.Position
		err error
	)
	switch o.Purpose {
	case contracts.PurposeEntry:
		var th *contracts.Thresholds
		if o.FilledQty > 0 {
			snap, snapErr := m.book.Snapshot(o.PositionID)
			if snapErr == nil {
				th, err = m.thresholds.ThresholdsFor(snap.Strategy, o.AvgFillPrice)
			}
			if err != nil || snapErr != nil {
				m.logger.WithError(errors.Join(snapErr, err)).WithField("order_id", o.ID).Error("Thresholds not attached")
			}
		}
		pos, err = m.book.CompleteEntry(o.PositionID, th)
	case contracts.PurposeExit:
		pos, err = m.book.EndExit(o.PositionID)
	}
	if err != nil {
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"order_id":    o.ID,
			"position_id": o.PositionID,
		}).Error("Position not settled after terminal order")
		return
	}

	if o.FilledQty == 0 {
		return
	}
	kind := contracts.EventEntryExecuted
	if o.Purpose == contracts.PurposeExit {
		kind = contracts.EventExitExecuted
	}
	m.emitter.Emit(contracts.NewEvent(kind, o.Symbol, o.UpdatedAt, contracts.Execution{
		Order:    *o,
		Position: pos,
	}))
}

// transition emits an order state change. Caller holds mu.
func (m *Manager) transition(o *contracts.Order, from contracts.OrderStatus) {
	m.metrics.RecordOrderTransition(string(o.Side), string(o.Status))
	m.emitter.Emit(contracts.NewEvent(contracts.EventOrderTransition, o.Symbol, o.UpdatedAt, contracts.OrderTransition{
		From:  from,
		Order: *o,
	}))
}

func (m *Manager) nextID(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%06d", now.Format("20060102"), m.seq.Add(1))
}

// =============================================================================
// Snapshots
// =============================================================================

// Get returns a copy of one order
func (m *Manager) Get(orderID string) (contracts.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return contracts.Order{}, fmt.Errorf("%s: %w", orderID, contracts.ErrUnknownOrder)
	}
	return *o, nil
}

// Orders returns every order ordered by creation
func (m *Manager) Orders() []contracts.Order {
	m.mu.Lock()
	out := make([]contracts.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Live returns non-terminal orders
func (m *Manager) Live() []contracts.Order {
	all := m.Orders()
	out := all[:0]
	for _, o := range all {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// InFlight reports whether symbol has a non-terminal order on side
func (m *Manager) InFlight(symbol string, side contracts.OrderSide) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[inflightKey{symbol: symbol, side: side}]
	return ok
}

// StatusCounts counts orders created at or after since, by status
func (m *Manager) StatusCounts(since time.Time) map[contracts.OrderStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[contracts.OrderStatus]int)
	for _, o := range m.orders {
		if !o.CreatedAt.Before(since) {
			out[o.Status]++
		}
	}
	return out
}

// Prune drops terminal orders last updated before cutoff
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, o := range m.orders {
		if o.Status.IsTerminal() && o.UpdatedAt.Before(cutoff) {
			delete(m.orders, id)
			delete(m.seen, id)
			if o.BrokerOrderID != "" {
				delete(m.byBroker, o.BrokerOrderID)
			}
			removed++
		}
	}
	return removed
}
