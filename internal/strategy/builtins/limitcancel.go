// Package builtins provides built-in strategy implementations that ship with
// the quikbridge platform.
package builtins

import (
	"context"
	"log/slog"

	"quikbridge/internal/broker"
	"quikbridge/internal/domain"
	"quikbridge/internal/engine"
	"quikbridge/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*LimitCancel)(nil)

// LimitCancel places a limit buy a fixed number of price steps below the bar
// close and cancels it if it has not filled after a configured number of
// bars. It exercises the full order lifecycle, including cancellation, and is
// mainly useful for verifying connectivity against a live terminal.
type LimitCancel struct {
	symbol     string
	size       int
	offset     float64 // price offset below the close
	cancelBars int     // bars to wait before cancelling
	log        *slog.Logger

	working int64 // transaction id of the live order, 0 when flat
	age     int   // bars since the order was placed
}

// NewLimitCancel creates a LimitCancel strategy for one symbol.
func NewLimitCancel(symbol string, size int, offset float64, cancelBars int, logger *slog.Logger) *LimitCancel {
	return &LimitCancel{
		symbol:     symbol,
		size:       size,
		offset:     offset,
		cancelBars: cancelBars,
		log:        logger.With("strategy", "limit-cancel"),
	}
}

// Name returns "limit-cancel".
func (s *LimitCancel) Name() string {
	return "limit-cancel"
}

// Init has no setup to do.
func (s *LimitCancel) Init(context.Context, broker.Broker) error {
	return nil
}

// OnBar places a new limit order when idle and cancels a stale one.
func (s *LimitCancel) OnBar(ctx context.Context, b broker.Broker, bar domain.Bar) error {
	if s.working == 0 {
		order := b.Buy(ctx, engine.OrderRequest{
			Symbol:   s.symbol,
			Size:     s.size,
			Type:     domain.OrderTypeLimit,
			Price:    bar.Close - s.offset,
			Transmit: true,
		})
		if order.Alive() {
			s.working = order.TransID
			s.age = 0
			s.log.Info("placed limit", "transId", order.TransID, "price", order.Price)
		}
		return nil
	}

	s.age++
	if s.age >= s.cancelBars {
		s.log.Info("cancelling stale limit", "transId", s.working, "age", s.age)
		b.Cancel(ctx, s.working)
	}
	return nil
}

// OnNotification forgets the working order once it closes.
func (s *LimitCancel) OnNotification(_ context.Context, _ broker.Broker, n *domain.Notification) {
	if n.TransID != s.working {
		return
	}
	s.log.Info("order update", "transId", n.TransID, "status", string(n.Status), "exec", n.ExecSize)
	if n.Status.Terminal() {
		s.working = 0
		s.age = 0
	}
}
