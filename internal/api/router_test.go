package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-trader/internal/api/handlers"
	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/ledger"
	"github.com/wonny/aegis-trader/internal/scheduler"
	"github.com/wonny/aegis-trader/internal/store"
	"github.com/wonny/aegis-trader/pkg/config"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
)

type fakeScheduler struct {
	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

func (f *fakeScheduler) Status() scheduler.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return scheduler.Status{Phase: scheduler.PhaseMarketHours, Stopped: f.stopped, Day: "2026-03-02", Monitored: 1}
}

func (f *fakeScheduler) Monitored() []contracts.Candidate {
	return []contracts.Candidate{{Symbol: "005930", Rank: 1, Composite: 78.5}}
}

func (f *fakeScheduler) History(name string, n int) ([]scheduler.JobResult, error) {
	if name != "scan" {
		return nil, errors.New("job " + name + " not found")
	}
	return []scheduler.JobResult{{JobName: "scan", Success: true}}, nil
}

func (f *fakeScheduler) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	close(f.stopCh)
}

type fakePositions struct{}

func (fakePositions) Snapshots() []contracts.Position {
	return []contracts.Position{
		{ID: "p1", Symbol: "005930", Status: contracts.PositionOpen},
		{ID: "p0", Symbol: "000660", Status: contracts.PositionClosed},
	}
}

func (fakePositions) Active() []contracts.Position {
	return []contracts.Position{{ID: "p1", Symbol: "005930", Status: contracts.PositionOpen}}
}

func (fakePositions) Summary(since time.Time) ledger.Summary {
	return ledger.Summary{OpenPositions: 1, ClosedSince: 1, RealizedPnL: 1000}
}

type fakeOrders struct{}

func (fakeOrders) Orders() []contracts.Order {
	return []contracts.Order{{ID: "o1", Status: contracts.OrderFilled}, {ID: "o2", Status: contracts.OrderSubmitted}}
}

func (fakeOrders) Live() []contracts.Order {
	return []contracts.Order{{ID: "o2", Status: contracts.OrderSubmitted}}
}

func (fakeOrders) Get(id string) (contracts.Order, error) {
	if id == "o1" {
		return contracts.Order{ID: "o1", Status: contracts.OrderFilled}, nil
	}
	return contracts.Order{}, errors.New("not found")
}

func (fakeOrders) StatusCounts(since time.Time) map[contracts.OrderStatus]int {
	return map[contracts.OrderStatus]int{contracts.OrderFilled: 1}
}

type fakeEvents struct{}

func (fakeEvents) RecentEvents(ctx context.Context, kind string, limit int) ([]store.StoredEvent, error) {
	return []store.StoredEvent{{ID: "e1", Kind: kind, Payload: json.RawMessage(`{}`)}}, nil
}

func newTestRouter(t *testing.T, sched *fakeScheduler, events handlers.EventReader, checks map[string]HealthCheck) http.Handler {
	t.Helper()
	rec := metrics.New()
	rec.RecordTransient("price_fetch")
	h := handlers.NewTradingHandler(sched, fakePositions{}, fakeOrders{}, events, rec.TransientCounts, nil, logger.NewNop())
	return NewRouter(h, rec.Registry(), checks, logger.NewNop())
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var body map[string]interface{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr, body
}

func TestRouter_ReadOnlyEndpoints(t *testing.T) {
	router := newTestRouter(t, &fakeScheduler{stopCh: make(chan struct{})}, fakeEvents{}, nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		check      func(t *testing.T, body map[string]interface{})
	}{
		{"status", "/api/status", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			sched := body["scheduler"].(map[string]interface{})
			assert.Equal(t, string(scheduler.PhaseMarketHours), sched["phase"])
			assert.Equal(t, float64(1), body["transient_errors"].(map[string]interface{})["price_fetch"])
			assert.Equal(t, float64(1), body["orders_today"].(map[string]interface{})["FILLED"])
		}},
		{"all positions", "/api/positions", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, float64(2), body["count"])
		}},
		{"active positions", "/api/positions?active=true", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, float64(1), body["count"])
		}},
		{"live orders", "/api/orders?live=true", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, float64(1), body["count"])
		}},
		{"one order", "/api/orders/o1", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, "FILLED", body["status"])
		}},
		{"unknown order", "/api/orders/zz", http.StatusNotFound, nil},
		{"monitored", "/api/monitored", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, float64(1), body["count"])
		}},
		{"history", "/api/scheduler/history/scan?n=5", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Len(t, body["results"], 1)
		}},
		{"history unknown", "/api/scheduler/history/nope", http.StatusNotFound, nil},
		{"history bad n", "/api/scheduler/history/scan?n=-1", http.StatusBadRequest, nil},
		{"events", "/api/events?kind=exit.executed", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, float64(1), body["count"])
		}},
		{"health", "/health", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, "ok", body["status"])
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := do(t, router, http.MethodGet, tt.path)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestRouter_StopScheduler(t *testing.T) {
	sched := &fakeScheduler{stopCh: make(chan struct{})}
	router := newTestRouter(t, sched, nil, nil)

	rr, _ := do(t, router, http.MethodGet, "/api/scheduler/stop")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code, "stop is POST only")

	rr, body := do(t, router, http.MethodPost, "/api/scheduler/stop")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "stopping", body["status"])

	select {
	case <-sched.stopCh:
	case <-time.After(time.Second):
		t.Fatal("scheduler was not stopped")
	}

	rr, body = do(t, router, http.MethodPost, "/api/scheduler/stop")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "already_stopped", body["status"])
}

func TestRouter_EventsWithoutStore(t *testing.T) {
	router := newTestRouter(t, &fakeScheduler{stopCh: make(chan struct{})}, nil, nil)
	rr, _ := do(t, router, http.MethodGet, "/api/events")
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestRouter_HealthDegraded(t *testing.T) {
	checks := map[string]HealthCheck{
		"database": func(context.Context) error { return errors.New("connection refused") },
		"broker":   func(context.Context) error { return nil },
	}
	router := newTestRouter(t, &fakeScheduler{stopCh: make(chan struct{})}, nil, checks)

	rr, body := do(t, router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "degraded", body["status"])
	results := body["checks"].(map[string]interface{})
	assert.Equal(t, "ok", results["broker"])
	assert.Equal(t, "connection refused", results["database"])
}

func TestRouter_Metrics(t *testing.T) {
	router := newTestRouter(t, &fakeScheduler{stopCh: make(chan struct{})}, nil, nil)

	rr, _ := do(t, router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `trader_transient_errors_total{op="price_fetch"} 1`)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	cfg := &config.Config{Port: "0", Env: "development"}
	router := newTestRouter(t, &fakeScheduler{stopCh: make(chan struct{})}, nil, nil)
	srv := New(cfg, logger.NewNop(), router)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}
