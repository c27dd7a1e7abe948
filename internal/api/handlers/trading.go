package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/ledger"
	"github.com/wonny/aegis-trader/internal/scheduler"
	"github.com/wonny/aegis-trader/internal/store"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// SchedulerView is what the API needs from the scheduler
type SchedulerView interface {
	Status() scheduler.Status
	Monitored() []contracts.Candidate
	History(name string, n int) ([]scheduler.JobResult, error)
	Stop()
}

// PositionView is what the API needs from the ledger
type PositionView interface {
	Snapshots() []contracts.Position
	Active() []contracts.Position
	Summary(since time.Time) ledger.Summary
}

// OrderView is what the API needs from the order manager
type OrderView interface {
	Orders() []contracts.Order
	Live() []contracts.Order
	Get(orderID string) (contracts.Order, error)
	StatusCounts(since time.Time) map[contracts.OrderStatus]int
}

// EventReader reads persisted events (optional)
type EventReader interface {
	RecentEvents(ctx context.Context, kind string, limit int) ([]store.StoredEvent, error)
}

// TradingHandler serves the read-only status API and the stop control
// ⭐ SSOT: 거래 API 핸들러는 이 구조체에서만
type TradingHandler struct {
	scheduler SchedulerView
	positions PositionView
	orders    OrderView
	events    EventReader
	transient func() map[string]int64
	location  *time.Location
	logger    *logger.Logger

	now func() time.Time
}

// NewTradingHandler creates a new trading handler. events and transient may be nil.
func NewTradingHandler(
	sched SchedulerView,
	positions PositionView,
	orders OrderView,
	events EventReader,
	transient func() map[string]int64,
	loc *time.Location,
	log *logger.Logger,
) *TradingHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &TradingHandler{
		scheduler: sched,
		positions: positions,
		orders:    orders,
		events:    events,
		transient: transient,
		location:  loc,
		logger:    log,
		now:       time.Now,
	}
}

// ============================================================
// Status
// ============================================================

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	Scheduler       scheduler.Status              `json:"scheduler"`
	Positions       ledger.Summary                `json:"positions"`
	OrdersToday     map[contracts.OrderStatus]int `json:"orders_today"`
	TransientErrors map[string]int64              `json:"transient_errors,omitempty"`
	Time            time.Time                     `json:"time"`
}

// GetStatus returns phase, day progress and today's totals
// GET /api/status
func (h *TradingHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	now := h.now().In(h.location)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.location)

	resp := StatusResponse{
		Scheduler:   h.scheduler.Status(),
		Positions:   h.positions.Summary(dayStart),
		OrdersToday: h.orders.StatusCounts(dayStart),
		Time:        now,
	}
	if h.transient != nil {
		resp.TransientErrors = h.transient()
	}
	respondJSON(w, http.StatusOK, resp)
}

// ============================================================
// Positions & Orders
// ============================================================

// GetPositions returns position snapshots
// GET /api/positions?active=true
func (h *TradingHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	var positions []contracts.Position
	if queryBool(r, "active") {
		positions = h.positions.Active()
	} else {
		positions = h.positions.Snapshots()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// GetOrders returns order snapshots
// GET /api/orders?live=true
func (h *TradingHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	var orders []contracts.Order
	if queryBool(r, "live") {
		orders = h.orders.Live()
	} else {
		orders = h.orders.Orders()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// GetOrder returns one order
// GET /api/orders/{id}
func (h *TradingHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := h.orders.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Order not found")
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// GetMonitored returns today's monitored set in rank order
// GET /api/monitored
func (h *TradingHandler) GetMonitored(w http.ResponseWriter, r *http.Request) {
	monitored := h.scheduler.Monitored()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": monitored,
		"count":      len(monitored),
	})
}

// ============================================================
// Scheduler
// ============================================================

// GetHistory returns the latest runs of a phase run or job
// GET /api/scheduler/history/{name}?n=10
func (h *TradingHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	n, ok := queryInt(r, "n", 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "n must be a non-negative integer")
		return
	}
	results, err := h.scheduler.History(name, n)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":    name,
		"results": results,
	})
}

// StopScheduler moves the scheduler to IDLE. Orders in flight are left to the order manager.
// POST /api/scheduler/stop
func (h *TradingHandler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	if h.scheduler.Status().Stopped {
		respondJSON(w, http.StatusOK, map[string]string{"status": "already_stopped"})
		return
	}

	h.logger.WithField("remote", r.RemoteAddr).Warn("Scheduler stop requested via API")
	// Stop 은 실행 중인 사이클 종료까지 대기하므로 비동기 처리
	go h.scheduler.Stop()

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// ============================================================
// Events
// ============================================================

// GetEvents returns persisted events, newest first
// GET /api/events?kind=exit.executed&limit=50
func (h *TradingHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		respondError(w, http.StatusNotImplemented, "Event store not configured")
		return
	}
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	events, err := h.events.RecentEvents(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read events")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve events")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
