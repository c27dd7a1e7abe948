package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// DB is the subset of pgxpool.Pool used by the store
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS trading;

CREATE TABLE IF NOT EXISTS trading.events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	symbol     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS events_kind_at_idx ON trading.events (kind, at DESC);

CREATE TABLE IF NOT EXISTS trading.orders (
	id              TEXT PRIMARY KEY,
	broker_order_id TEXT NOT NULL DEFAULT '',
	position_id     TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	purpose         TEXT NOT NULL,
	requested_qty   BIGINT NOT NULL,
	filled_qty      BIGINT NOT NULL,
	avg_fill_price  DOUBLE PRECISION NOT NULL,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
`

const insertEventSQL = `
	INSERT INTO trading.events (id, kind, symbol, at, payload)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING
`

// updated_at 이 뒤로 가는 갱신은 무시 (재전달/순서 역전)
const upsertOrderSQL = `
	INSERT INTO trading.orders (
		id, broker_order_id, position_id, symbol, side, purpose,
		requested_qty, filled_qty, avg_fill_price, status, reason, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO UPDATE SET
		broker_order_id = EXCLUDED.broker_order_id,
		filled_qty      = EXCLUDED.filled_qty,
		avg_fill_price  = EXCLUDED.avg_fill_price,
		status          = EXCLUDED.status,
		reason          = EXCLUDED.reason,
		updated_at      = EXCLUDED.updated_at
	WHERE trading.orders.updated_at <= EXCLUDED.updated_at
`

// PostgresSink appends every event to trading.events and keeps trading.orders current
// ⭐ SSOT: 이벤트 영속화(PostgreSQL)는 여기서만
type PostgresSink struct {
	db     DB
	logger *logger.Logger
}

// NewPostgresSink creates a sink over db (typically database.DB.Pool)
func NewPostgresSink(db DB, log *logger.Logger) *PostgresSink {
	return &PostgresSink{db: db, logger: log.Component("store_postgres")}
}

// Name implements events.Sink
func (s *PostgresSink) Name() string { return "postgres" }

// EnsureSchema creates the trading schema and tables if missing
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure trading schema: %w", err)
	}
	return nil
}

// Handle implements events.Sink
func (s *PostgresSink) Handle(ctx context.Context, evt contracts.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evt.Kind, err)
	}

	if _, err := s.db.Exec(ctx, insertEventSQL, evt.ID, string(evt.Kind), evt.Symbol, evt.At, payload); err != nil {
		return fmt.Errorf("insert event %s: %w", evt.ID, err)
	}

	if order, ok := orderOf(evt); ok {
		if err := s.upsertOrder(ctx, order); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSink) upsertOrder(ctx context.Context, o contracts.Order) error {
	_, err := s.db.Exec(ctx, upsertOrderSQL,
		o.ID,
		o.BrokerOrderID,
		o.PositionID,
		o.Symbol,
		string(o.Side),
		string(o.Purpose),
		o.RequestedQty,
		o.FilledQty,
		o.AvgFillPrice,
		string(o.Status),
		o.Reason,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}
	return nil
}

// orderOf extracts the order carried by order-bearing events
func orderOf(evt contracts.Event) (contracts.Order, bool) {
	switch p := evt.Payload.(type) {
	case contracts.OrderTransition:
		return p.Order, true
	case contracts.Execution:
		return p.Order, true
	}
	return contracts.Order{}, false
}

// StoredEvent is a row of trading.events
type StoredEvent struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Symbol  string          `json:"symbol"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// RecentEvents returns the newest events, optionally filtered by kind
func (s *PostgresSink) RecentEvents(ctx context.Context, kind string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, kind, symbol, at, payload
		FROM trading.events
		WHERE ($1 = '' OR kind = $1)
		ORDER BY at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.Symbol, &e.At, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
