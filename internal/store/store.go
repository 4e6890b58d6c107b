// Package store defines storage interfaces for persisting orders, fills, and
// bar history, with SQLite and Parquet implementations.
package store

import (
	"context"
	"time"

	"quikbridge/internal/domain"
)

// Journal is the audit log of order activity. The reconciliation engine keeps
// its authoritative state in memory; the journal exists so a run leaves an
// inspectable record behind.
type Journal interface {
	// SaveOrder inserts a newly created order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// UpdateOrder persists an order's current status and execution progress.
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// SaveFill records one applied trade print.
	SaveFill(ctx context.Context, fill Fill) error

	// ListOrders returns journalled orders for the current session, newest
	// first, up to limit.
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
}

// Fill is one journalled trade print.
type Fill struct {
	TradeID int64
	TransID int64
	Symbol  string
	Size    int // signed shares
	Price   float64
	At      time.Time
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and interval within [start, end].
	ReadBars(ctx context.Context, symbol string, interval int, start, end time.Time) ([]domain.Bar, error)
}
