package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

// Schema creates the tables the Postgres storage needs.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	client_id       TEXT NOT NULL,
	remote_id       TEXT,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	quantity        DOUBLE PRECISION NOT NULL,
	limit_price     DOUBLE PRECISION,
	status          TEXT NOT NULL,
	reserved_asset  TEXT,
	reserved_amount DOUBLE PRECISION,
	filled_qty      DOUBLE PRECISION,
	avg_price       DOUBLE PRECISION,
	source          TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders (symbol, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);

CREATE TABLE IF NOT EXISTS ticks (
	symbol    TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	price     DOUBLE PRECISION NOT NULL,
	open      DOUBLE PRECISION,
	high      DOUBLE PRECISION,
	low       DOUBLE PRECISION,
	volume    DOUBLE PRECISION,
	PRIMARY KEY (symbol, timestamp)
);

CREATE TABLE IF NOT EXISTS events (
	id       BIGSERIAL PRIMARY KEY,
	time     TIMESTAMPTZ NOT NULL,
	type     TEXT NOT NULL,
	order_id TEXT,
	symbol   TEXT,
	detail   TEXT,
	data     JSONB
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events (time);
`

// Postgres is the lib/pq backed Storage.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the connection and applies the schema.
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	p := &Postgres{db: db}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// executeWithTransaction runs fn inside a transaction with rollback on
// error and commit on success.
func (p *Postgres) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

func (p *Postgres) SaveOrder(ctx context.Context, o order.Order) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, client_id, remote_id, symbol, side, type, quantity, limit_price,
			status, reserved_asset, reserved_amount, filled_qty, avg_price, source, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			remote_id=EXCLUDED.remote_id, status=EXCLUDED.status,
			reserved_amount=EXCLUDED.reserved_amount, filled_qty=EXCLUDED.filled_qty,
			avg_price=EXCLUDED.avg_price, updated_at=EXCLUDED.updated_at`,
			o.ID, o.ClientID, o.RemoteID, o.Symbol, o.Side, o.Type, o.Quantity, o.LimitPrice,
			string(o.Status), o.ReservedAsset, o.ReservedAmount, o.FilledQty, o.AvgPrice, o.Source,
			o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.ID, err)
		}
		return nil
	})
}

const orderColumns = `id, client_id, remote_id, symbol, side, type, quantity, limit_price,
	status, reserved_asset, reserved_amount, filled_qty, avg_price, source, created_at, updated_at`

func scanOrder(rows interface{ Scan(...any) error }) (order.Order, error) {
	var o order.Order
	var status string
	err := rows.Scan(&o.ID, &o.ClientID, &o.RemoteID, &o.Symbol, &o.Side, &o.Type,
		&o.Quantity, &o.LimitPrice, &status, &o.ReservedAsset, &o.ReservedAmount,
		&o.FilledQty, &o.AvgPrice, &o.Source, &o.CreatedAt, &o.UpdatedAt)
	o.Status = order.Status(status)
	return o, err
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return &o, nil
}

func (p *Postgres) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status IN ($1, $2) ORDER BY created_at`,
		string(order.StatusOpen), string(order.StatusPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (p *Postgres) GetOrders(ctx context.Context, symbol string, start, end time.Time) ([]order.Order, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE symbol = $1 AND created_at BETWEEN $2 AND $3 ORDER BY created_at`,
		symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for %s: %w", symbol, err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]order.Order, error) {
	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveTicks(ctx context.Context, ticks []market.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO ticks (symbol, timestamp, price, open, high, low, volume)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (symbol, timestamp) DO UPDATE SET
				price=EXCLUDED.price, open=EXCLUDED.open, high=EXCLUDED.high,
				low=EXCLUDED.low, volume=EXCLUDED.volume`)
		if err != nil {
			return fmt.Errorf("failed to prepare tick insert: %w", err)
		}
		defer stmt.Close()

		for i, t := range ticks {
			if err := t.Validate(); err != nil {
				return fmt.Errorf("invalid tick at index %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, t.Symbol, t.Timestamp, t.Price, t.Open, t.High, t.Low, t.Volume); err != nil {
				return fmt.Errorf("failed to save tick for %s at %s: %w", t.Symbol, t.Timestamp, err)
			}
		}
		return nil
	})
}

func (p *Postgres) GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]market.Tick, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT symbol, timestamp, price, open, high, low, volume
		FROM ticks WHERE symbol = $1 AND timestamp BETWEEN $2 AND $3 ORDER BY timestamp`,
		symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []market.Tick
	for rows.Next() {
		var t market.Tick
		if err := rows.Scan(&t.Symbol, &t.Timestamp, &t.Price, &t.Open, &t.High, &t.Low, &t.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) LogEvent(ctx context.Context, e Event) error {
	var data []byte
	if e.Data != nil {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (time, type, order_id, symbol, detail, data)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			e.Time, e.Type, e.OrderID, e.Symbol, e.Detail, data)
		if err != nil {
			return fmt.Errorf("failed to log %s event: %w", e.Type, err)
		}
		return nil
	})
}

func (p *Postgres) GetEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, time, type, order_id, symbol, detail, data
		FROM events WHERE time BETWEEN $1 AND $2 ORDER BY id`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.Time, &e.Type, &e.OrderID, &e.Symbol, &e.Detail, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
