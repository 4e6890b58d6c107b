// Package broker exposes the trading capability surface consumed by
// strategies: order placement and cancellation, account cash and value, and
// the order-notification queue. The QUIK implementation wraps the
// reconciliation engine and the terminal's account tables.
package broker

import (
	"context"

	"quikbridge/internal/domain"
	"quikbridge/internal/engine"
)

// Broker is the capability surface a strategy trades through.
type Broker interface {
	// Name identifies the venue implementation.
	Name() string

	// Buy and Sell submit an order intent and return a snapshot of the
	// resulting order. Failures surface as a terminal status on the snapshot.
	Buy(ctx context.Context, req engine.OrderRequest) domain.Order
	Sell(ctx context.Context, req engine.OrderRequest) domain.Order

	// Cancel requests cancellation by transaction id. Fire-and-forget.
	Cancel(ctx context.Context, transID int64)

	// Order returns a snapshot of one tracked order.
	Order(transID int64) (domain.Order, bool)

	// Cash returns the free funds on the account.
	Cash(ctx context.Context) (float64, error)

	// Value returns the current worth of open positions.
	Value(ctx context.Context) (float64, error)

	// Position returns the holding in one instrument.
	Position(symbol string) domain.Position

	// Positions returns all non-flat holdings.
	Positions() []domain.Position

	// NextNotification pops the oldest order notification, nil when the
	// current batch is drained. Tick closes the current batch.
	NextNotification() *domain.Notification
	Tick()
}
