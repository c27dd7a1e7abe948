package ledger

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// =============================================================================
// PositionLedger
// ⭐ SSOT: 포지션 상태 변경은 여기서만
// =============================================================================
//
// Lock order is always ledger (mu) → position (entry.mu). Paths that start
// under a position lock release it before touching the ledger maps.

// Ledger owns every position
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*entry // id → entry
	active    map[string]string // symbol → id (non-closed)

	realizedMu sync.Mutex
	realized   []realization

	seq     atomic.Uint64
	emitter contracts.Emitter
	logger  *logger.Logger
	now     func() time.Time
}

type entry struct {
	mu  sync.Mutex
	pos contracts.Position
}

type realization struct {
	at  time.Time
	pnl float64
}

// Summary aggregates the ledger for status and the entry guard
type Summary struct {
	OpenPositions int     `json:"open_positions"` // non-closed
	ClosedSince   int     `json:"closed_since"`
	RealizedPnL   float64 `json:"realized_pnl"` // since the given time
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	MarketValue   float64 `json:"market_value"`
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger
func New(emitter contracts.Emitter, log *logger.Logger, opts ...Option) *Ledger {
	if emitter == nil {
		emitter = contracts.NopEmitter{}
	}
	l := &Ledger{
		positions: make(map[string]*entry),
		active:    make(map[string]string),
		emitter:   emitter,
		logger:    log.Component("ledger"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open creates a PENDING_ENTRY position for symbol
func (l *Ledger) Open(symbol string, strategy contracts.StrategyID, dayOnly bool) (contracts.Position, error) {
	if symbol == "" {
		return contracts.Position{}, contracts.NewInputError("ledger.open", symbol, fmt.Errorf("empty symbol"))
	}
	now := l.now()

	l.mu.Lock()
	if id, ok := l.active[symbol]; ok {
		e := l.positions[id]
		e.mu.Lock()
		stillActive := e.pos.IsActive()
		e.mu.Unlock()
		if stillActive {
			l.mu.Unlock()
			return contracts.Position{}, fmt.Errorf("ledger.open %s: %w", symbol, contracts.ErrPositionActive)
		}
	}

	pos := contracts.Position{
		ID:        l.nextID(now),
		Symbol:    symbol,
		Strategy:  strategy,
		DayOnly:   dayOnly,
		Status:    contracts.PositionPendingEntry,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	l.positions[pos.ID] = &entry{pos: pos}
	l.active[symbol] = pos.ID
	l.mu.Unlock()

	l.emit("open", "", pos)
	return pos, nil
}

// ApplyFill applies an executed quantity to a position.
// BUY fills update the weighted average cost; SELL fills realize P&L.
func (l *Ledger) ApplyFill(positionID, orderID string, side contracts.OrderSide, qty int64, price float64, at time.Time) (contracts.Position, error) {
	e, err := l.get(positionID)
	if err != nil {
		return contracts.Position{}, err
	}
	if qty <= 0 || price <= 0 {
		return contracts.Position{}, contracts.NewInputError("ledger.apply_fill", e.symbol(), fmt.Errorf("qty %d price %.2f", qty, price))
	}

	e.mu.Lock()
	p := e.pos
	switch side {
	case contracts.OrderSideBuy:
		if p.Status != contracts.PositionPendingEntry {
			e.mu.Unlock()
			return p, contracts.NewInvariantViolation("ledger.apply_fill", p.Symbol,
				fmt.Errorf("buy fill on %s position %s", p.Status, p.ID))
		}
		cost := p.AvgCost*float64(p.Quantity) + price*float64(qty)
		p.Quantity += qty
		p.AvgCost = cost / float64(p.Quantity)
		if p.EntryAt.IsZero() {
			p.EntryAt = at
		}

	case contracts.OrderSideSell:
		if p.Status != contracts.PositionPendingExit {
			e.mu.Unlock()
			return p, contracts.NewInvariantViolation("ledger.apply_fill", p.Symbol,
				fmt.Errorf("sell fill on %s position %s", p.Status, p.ID))
		}
		if qty > p.Quantity {
			e.mu.Unlock()
			return p, contracts.NewInvariantViolation("ledger.apply_fill", p.Symbol,
				fmt.Errorf("sell %d exceeds held %d", qty, p.Quantity))
		}
		pnl := (price - p.AvgCost) * float64(qty)
		p.RealizedPnL += pnl
		p.Quantity -= qty
		l.recordRealized(at, pnl)
		if p.Quantity == 0 {
			p.Status = contracts.PositionClosed
			p.ClosedAt = at
		}

	default:
		e.mu.Unlock()
		return p, contracts.NewInputError("ledger.apply_fill", p.Symbol, fmt.Errorf("unknown side %q", side))
	}

	p.LastPrice = price
	p.UnrealizedPnL = unrealized(p)
	p.UpdatedAt = at
	e.pos = p
	e.mu.Unlock()

	if p.Status == contracts.PositionClosed {
		l.release(p)
	}
	l.emit("fill", orderID, p)
	return p, nil
}

// ApplyLateFill books a fill the broker executed for an order that was already
// cancelled on our side. BUY may add to an OPEN / PENDING_EXIT position or
// reopen a CLOSED one; SELL reduces held quantity.
func (l *Ledger) ApplyLateFill(positionID, orderID string, side contracts.OrderSide, qty int64, price float64, at time.Time) (contracts.Position, error) {
	e, err := l.get(positionID)
	if err != nil {
		return contracts.Position{}, err
	}
	if qty <= 0 || price <= 0 {
		return contracts.Position{}, contracts.NewInputError("ledger.late_fill", e.symbol(), fmt.Errorf("qty %d price %.2f", qty, price))
	}

	// 재개 시 심볼 슬롯을 잡아야 하므로 ledger lock부터
	l.mu.Lock()
	e.mu.Lock()
	p := e.pos
	reopened := false

	switch side {
	case contracts.OrderSideBuy:
		if p.Status == contracts.PositionClosed {
			if id, ok := l.active[p.Symbol]; ok && id != p.ID {
				e.mu.Unlock()
				l.mu.Unlock()
				return p, contracts.NewInvariantViolation("ledger.late_fill", p.Symbol,
					fmt.Errorf("late buy for %s while %s is active", p.ID, id))
			}
			p.Status = contracts.PositionOpen
			p.ClosedAt = time.Time{}
			l.active[p.Symbol] = p.ID
			reopened = true
		}
		cost := p.AvgCost*float64(p.Quantity) + price*float64(qty)
		p.Quantity += qty
		p.AvgCost = cost / float64(p.Quantity)
		if p.EntryAt.IsZero() {
			p.EntryAt = at
		}

	case contracts.OrderSideSell:
		if !p.IsActive() || qty > p.Quantity {
			e.mu.Unlock()
			l.mu.Unlock()
			return p, contracts.NewInvariantViolation("ledger.late_fill", p.Symbol,
				fmt.Errorf("late sell %d on %s position %s holding %d", qty, p.Status, p.ID, p.Quantity))
		}
		pnl := (price - p.AvgCost) * float64(qty)
		p.RealizedPnL += pnl
		p.Quantity -= qty
		l.recordRealized(at, pnl)
		if p.Quantity == 0 {
			p.Status = contracts.PositionClosed
			p.ClosedAt = at
		}

	default:
		e.mu.Unlock()
		l.mu.Unlock()
		return p, contracts.NewInputError("ledger.late_fill", p.Symbol, fmt.Errorf("unknown side %q", side))
	}

	p.LastPrice = price
	p.UnrealizedPnL = unrealized(p)
	p.UpdatedAt = at
	e.pos = p
	e.mu.Unlock()
	if p.Status == contracts.PositionClosed && l.active[p.Symbol] == p.ID {
		delete(l.active, p.Symbol)
	}
	l.mu.Unlock()

	cause := "late_fill"
	if reopened {
		cause = "reopen"
	}
	l.emit(cause, orderID, p)
	return p, nil
}

// SetThresholds replaces the exit thresholds of an active position
func (l *Ledger) SetThresholds(positionID string, thresholds *contracts.Thresholds) (contracts.Position, error) {
	e, err := l.get(positionID)
	if err != nil {
		return contracts.Position{}, err
	}

	e.mu.Lock()
	p := e.pos
	if !p.IsActive() {
		e.mu.Unlock()
		return p, fmt.Errorf("ledger.set_thresholds %s is %s: %w", p.ID, p.Status, contracts.ErrNoOpenQuantity)
	}
	if thresholds != nil {
		t := *thresholds
		p.Thresholds = &t
	} else {
		p.Thresholds = nil
	}
	p.UpdatedAt = l.now()
	e.pos = p
	e.mu.Unlock()

	l.emit("thresholds", "", p)
	return p, nil
}

// CompleteEntry is called when the entry order reaches a terminal state.
// A position with quantity becomes OPEN with thresholds; an unfilled one closes.
func (l *Ledger) CompleteEntry(positionID string, thresholds *contracts.Thresholds) (contracts.Position, error) {
	e, err := l.get(positionID)
	if err != nil {
		return contracts.Position{}, err
	}
	now := l.now()

	e.mu.Lock()
	p := e.pos
	if p.Status != contracts.PositionPendingEntry {
		e.mu.Unlock()
		return p, contracts.NewInvariantViolation("ledger.complete_entry", p.Symbol,
			fmt.Errorf("position %s is %s", p.ID, p.Status))
	}
	if p.Quantity > 0 {
		p.Status = contracts.PositionOpen
		if thresholds != nil {
			t := *thresholds
			p.Thresholds = &t
		}
	} else {
		p.Status = contracts.PositionClosed
		p.ClosedAt = now
	}
	p.UpdatedAt = now
	e.pos = p
	e.mu.Unlock()

	if p.Status == contracts.PositionClosed {
		l.release(p)
	}
	l.emit("complete_entry", "", p)
	return p, nil
}

// BeginExit moves an OPEN position with quantity to PENDING_EXIT
func (l *Ledger) BeginExit(positionID string) (contracts.Position, error) {
	e, err := l.get(positionID)
	if err != nil {
		return contracts.Position{}, err
	}
	now := l.now()

	e.mu.Lock()
	p := e.pos
	if p.Status != contracts.PositionOpen {
		e.mu.Unlock()
		return p, fmt.Errorf("ledger.begin_exit %s is %s: %w", p.ID, p.Status, contracts.ErrNoOpenQuantity)
	}
	if p.Quantity <= 0 {
		e.mu.Unlock()
		return p, fmt.Errorf("ledger.begin_exit %s: %w", p.ID, contracts.ErrNoOpenQuantity)
	}
	p.Status = contracts.PositionPendingExit
	p.UpdatedAt = now
	e.pos = p
	e.mu.Unlock()

	l.emit("begin_exit", "", p)
	return p, nil
}

// EndExit is called when the exit order reaches a terminal state.
// Remaining quantity returns to OPEN with its thresholds kept.
func (l *Ledger) EndExit(positionID string) (contracts.Position, error) {
	e, err := l.get(positionID)
	if err != nil {
		return contracts.Position{}, err
	}
	now := l.now()

	e.mu.Lock()
	p := e.pos
	switch p.Status {
	case contracts.PositionClosed:
		e.mu.Unlock()
		return p, nil
	case contracts.PositionPendingExit:
	default:
		e.mu.Unlock()
		return p, contracts.NewInvariantViolation("ledger.end_exit", p.Symbol,
			fmt.Errorf("position %s is %s", p.ID, p.Status))
	}
	if p.Quantity > 0 {
		p.Status = contracts.PositionOpen
	} else {
		p.Status = contracts.PositionClosed
		p.ClosedAt = now
	}
	p.UpdatedAt = now
	e.pos = p
	e.mu.Unlock()

	if p.Status == contracts.PositionClosed {
		l.release(p)
	}
	l.emit("end_exit", "", p)
	return p, nil
}

// MarkPrice updates the last price and unrealized P&L of symbol's active position
func (l *Ledger) MarkPrice(symbol string, price float64) (contracts.Position, bool) {
	if price <= 0 {
		return contracts.Position{}, false
	}
	l.mu.RLock()
	id, ok := l.active[symbol]
	e := l.positions[id]
	l.mu.RUnlock()
	if !ok {
		return contracts.Position{}, false
	}

	e.mu.Lock()
	if !e.pos.IsActive() {
		e.mu.Unlock()
		return contracts.Position{}, false
	}
	e.pos.LastPrice = price
	e.pos.UnrealizedPnL = unrealized(e.pos)
	p := e.pos
	e.mu.Unlock()
	return p, true
}

// =============================================================================
// Snapshots
// =============================================================================

// Snapshot returns a copy of one position
func (l *Ledger) Snapshot(positionID string) (contracts.Position, error) {
	e, err := l.get(positionID)
	if err != nil {
		return contracts.Position{}, err
	}
	return e.snapshot(), nil
}

// BySymbol returns the active position of symbol
func (l *Ledger) BySymbol(symbol string) (contracts.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.active[symbol]
	if !ok {
		return contracts.Position{}, false
	}
	p := l.positions[id].snapshot()
	return p, p.IsActive()
}

// Snapshots returns every position ordered by open time
func (l *Ledger) Snapshots() []contracts.Position {
	l.mu.RLock()
	out := make([]contracts.Position, 0, len(l.positions))
	for _, e := range l.positions {
		out = append(out, e.snapshot())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Active returns every non-closed position
func (l *Ledger) Active() []contracts.Position {
	all := l.Snapshots()
	out := all[:0]
	for _, p := range all {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

// Summary aggregates positions; realized P&L and closes count from since
func (l *Ledger) Summary(since time.Time) Summary {
	var s Summary
	for _, p := range l.Snapshots() {
		if p.IsActive() {
			s.OpenPositions++
			s.UnrealizedPnL += p.UnrealizedPnL
			s.MarketValue += p.MarketValue()
			continue
		}
		if !p.ClosedAt.Before(since) {
			s.ClosedSince++
		}
	}

	l.realizedMu.Lock()
	for _, r := range l.realized {
		if !r.at.Before(since) {
			s.RealizedPnL += r.pnl
		}
	}
	l.realizedMu.Unlock()
	return s
}

// Prune drops closed positions closed before cutoff
func (l *Ledger) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, e := range l.positions {
		p := e.snapshot()
		if !p.IsActive() && p.ClosedAt.Before(cutoff) {
			delete(l.positions, id)
			removed++
		}
	}

	l.realizedMu.Lock()
	kept := l.realized[:0]
	for _, r := range l.realized {
		if !r.at.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	l.realized = kept
	l.realizedMu.Unlock()
	return removed
}

// =============================================================================
// helpers
// =============================================================================

func (l *Ledger) get(positionID string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.positions[positionID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ledger %s: %w", positionID, contracts.ErrUnknownPosition)
	}
	return e, nil
}

// release frees the symbol slot of a closed position
func (l *Ledger) release(p contracts.Position) {
	l.mu.Lock()
	if l.active[p.Symbol] == p.ID {
		delete(l.active, p.Symbol)
	}
	l.mu.Unlock()
}

func (l *Ledger) recordRealized(at time.Time, pnl float64) {
	l.realizedMu.Lock()
	l.realized = append(l.realized, realization{at: at, pnl: pnl})
	l.realizedMu.Unlock()
}

func (l *Ledger) nextID(now time.Time) string {
	return fmt.Sprintf("POS-%s-%06d", now.Format("20060102"), l.seq.Add(1))
}

func (l *Ledger) emit(cause, orderID string, p contracts.Position) {
	l.logger.WithFields(map[string]interface{}{
		"cause":    cause,
		"position": p.ID,
		"symbol":   p.Symbol,
		"status":   p.Status,
		"quantity": p.Quantity,
		"avg_cost": p.AvgCost,
	}).Debug("Position mutated")

	l.emitter.Emit(contracts.NewEvent(contracts.EventPositionMutation, p.Symbol, p.UpdatedAt, contracts.PositionMutation{
		Cause:    cause,
		OrderID:  orderID,
		Position: p,
	}))
}

func (e *entry) snapshot() contracts.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pos
	if p.Thresholds != nil {
		t := *p.Thresholds
		p.Thresholds = &t
	}
	return p
}

func (e *entry) symbol() string {
	return e.snapshot().Symbol
}

func unrealized(p contracts.Position) float64 {
	if p.Quantity == 0 || p.LastPrice == 0 {
		return 0
	}
	return (p.LastPrice - p.AvgCost) * float64(p.Quantity)
}
