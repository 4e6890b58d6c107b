package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"quikbridge/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Journal = (*SQLiteJournal)(nil)

// SQLiteJournal implements Journal backed by a SQLite database. Every run gets
// its own session id, so the orders of separate runs stay distinguishable even
// though transaction ids restart from one.
type SQLiteJournal struct {
	db      *sql.DB
	session string
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	session        TEXT    NOT NULL,
	trans_id       INTEGER NOT NULL,
	symbol         TEXT    NOT NULL,
	side           TEXT    NOT NULL,
	type           TEXT    NOT NULL,
	size           INTEGER NOT NULL,
	price          REAL    NOT NULL,
	stop_price     REAL    NOT NULL,
	status         TEXT    NOT NULL,
	broker_num     INTEGER NOT NULL DEFAULT 0,
	exec_size      INTEGER NOT NULL DEFAULT 0,
	avg_fill_price REAL    NOT NULL DEFAULT 0,
	oco            INTEGER NOT NULL DEFAULT 0,
	parent         INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT    NOT NULL,
	updated_at     TEXT    NOT NULL,
	PRIMARY KEY (session, trans_id)
);

CREATE TABLE IF NOT EXISTS fills (
	session  TEXT    NOT NULL,
	trade_id INTEGER NOT NULL,
	trans_id INTEGER NOT NULL,
	symbol   TEXT    NOT NULL,
	size     INTEGER NOT NULL,
	price    REAL    NOT NULL,
	at       TEXT    NOT NULL,
	PRIMARY KEY (session, symbol, trade_id)
);
`

// NewSQLiteJournal opens (or creates) the journal database at dbPath, applies
// the schema, and starts a fresh session.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}
	return &SQLiteJournal{db: db, session: uuid.NewString()}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

// Session returns this run's session id.
func (s *SQLiteJournal) Session() string {
	return s.session
}

// SaveOrder inserts a newly created order.
func (s *SQLiteJournal) SaveOrder(ctx context.Context, order *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders
			(session, trans_id, symbol, side, type, size, price, stop_price,
			 status, broker_num, exec_size, avg_fill_price, oco, parent,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.session, order.TransID, order.Symbol, string(order.Side), string(order.Type),
		order.Size, order.Price, order.StopPrice, string(order.Status),
		order.BrokerOrderNum, order.ExecSize, order.AvgFillPrice,
		order.OCO, order.Parent,
		order.CreatedAt.UTC().Format(time.RFC3339Nano),
		order.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// UpdateOrder persists an order's current status and execution progress.
func (s *SQLiteJournal) UpdateOrder(ctx context.Context, order *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, broker_num = ?, exec_size = ?, avg_fill_price = ?, updated_at = ?
		WHERE session = ? AND trans_id = ?`,
		string(order.Status), order.BrokerOrderNum, order.ExecSize, order.AvgFillPrice,
		order.UpdatedAt.UTC().Format(time.RFC3339Nano),
		s.session, order.TransID)
	return err
}

// SaveFill records one applied trade print. Replaying the same trade id is a
// no-op thanks to the primary key.
func (s *SQLiteJournal) SaveFill(ctx context.Context, fill Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (session, trade_id, trans_id, symbol, size, price, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.session, fill.TradeID, fill.TransID, fill.Symbol, fill.Size, fill.Price,
		fill.At.UTC().Format(time.RFC3339Nano))
	return err
}

// ListOrders returns journalled orders for the current session, newest first.
func (s *SQLiteJournal) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trans_id, symbol, side, type, size, price, stop_price,
		       status, broker_num, exec_size, avg_fill_price, oco, parent,
		       created_at, updated_at
		FROM orders
		WHERE session = ?
		ORDER BY trans_id DESC
		LIMIT ?`, s.session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var side, typ, status, createdAt, updatedAt string
		if err := rows.Scan(&o.TransID, &o.Symbol, &side, &typ, &o.Size, &o.Price,
			&o.StopPrice, &status, &o.BrokerOrderNum, &o.ExecSize, &o.AvgFillPrice,
			&o.OCO, &o.Parent, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		o.Side = domain.OrderSide(side)
		o.Type = domain.OrderType(typ)
		o.Status = domain.OrderStatus(status)
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
