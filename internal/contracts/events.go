package contracts

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventKind names an emitted record
type EventKind string

const (
	EventRankingPublished EventKind = "ranking.published"
	EventOrderTransition  EventKind = "order.transition"
	EventPositionMutation EventKind = "position.mutation"
	EventEntryExecuted    EventKind = "entry.executed"
	EventExitExecuted     EventKind = "exit.executed"
	EventRiskExit         EventKind = "risk.exit"
	EventCycleSummary     EventKind = "cycle.summary"
)

// Event is an immutable record handed to Store and Notifier sinks
type Event struct {
	ID      string      `json:"id"`
	Kind    EventKind   `json:"kind"`
	Symbol  string      `json:"symbol,omitempty"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

var eventSeq atomic.Uint64

// NewEvent stamps a new event with a process-unique id
func NewEvent(kind EventKind, symbol string, at time.Time, payload interface{}) Event {
	return Event{
		ID:      fmt.Sprintf("%d-%06d", at.UnixNano(), eventSeq.Add(1)),
		Kind:    kind,
		Symbol:  symbol,
		At:      at,
		Payload: payload,
	}
}

// Emitter receives events. Implementations must not block the caller.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards events
type NopEmitter struct{}

// Emit implements Emitter
func (NopEmitter) Emit(Event) {}

// RankingPublished is the payload of EventRankingPublished
type RankingPublished struct {
	Date       string      `json:"date"`
	Strategy   StrategyID  `json:"strategy"`
	Universe   int         `json:"universe"`
	Candidates []Candidate `json:"candidates"`
}

// OrderTransition is the payload of EventOrderTransition
type OrderTransition struct {
	From  OrderStatus `json:"from"`
	Order Order       `json:"order"`
}

// PositionMutation is the payload of EventPositionMutation
type PositionMutation struct {
	Cause    string   `json:"cause"` // open, fill, complete_entry, begin_exit, end_exit, price
	OrderID  string   `json:"order_id,omitempty"`
	Position Position `json:"position"`
}

// Execution is the payload of entry / exit executed events
type Execution struct {
	Order    Order    `json:"order"`
	Position Position `json:"position"`
}

// RiskExit is the payload of EventRiskExit
type RiskExit struct {
	Action RiskAction `json:"action"`
	Intent ExitIntent `json:"intent"`
}

// CycleSummary is the payload of EventCycleSummary
type CycleSummary struct {
	Date            string              `json:"date"`
	Monitored       int                 `json:"monitored"`
	OpenPositions   int                 `json:"open_positions"`
	ClosedToday     int                 `json:"closed_today"`
	RealizedPnL     float64             `json:"realized_pnl"`
	UnrealizedPnL   float64             `json:"unrealized_pnl"`
	OrdersByStatus  map[OrderStatus]int `json:"orders_by_status"`
	ForcedExits     int                 `json:"forced_exits"`
	TransientErrors map[string]int64    `json:"transient_errors"`
}
