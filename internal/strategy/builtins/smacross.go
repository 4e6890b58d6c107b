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
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross is a simple moving average crossover strategy: it buys when the
// short SMA crosses above the long SMA and sells the position when it crosses
// below.
type SMACross struct {
	symbol      string
	size        int
	shortPeriod int
	longPeriod  int
	log         *slog.Logger

	closes []float64
	long   bool
}

// NewSMACross creates an SMACross strategy for one symbol with the specified
// short and long moving average periods.
func NewSMACross(symbol string, size, short, long int, logger *slog.Logger) *SMACross {
	return &SMACross{
		symbol:      symbol,
		size:        size,
		shortPeriod: short,
		longPeriod:  long,
		log:         logger.With("strategy", "sma-cross"),
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Init adopts a pre-existing position so a restart does not double up.
func (s *SMACross) Init(_ context.Context, b broker.Broker) error {
	s.closes = make([]float64, 0, s.longPeriod+1)
	s.long = b.Position(s.symbol).Size > 0
	return nil
}

// OnBar appends the close and trades the crossover.
func (s *SMACross) OnBar(ctx context.Context, b broker.Broker, bar domain.Bar) error {
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > s.longPeriod+1 {
		s.closes = s.closes[1:]
	}
	if len(s.closes) <= s.longPeriod {
		return nil
	}

	prevShort := sma(s.closes[:len(s.closes)-1], s.shortPeriod)
	prevLong := sma(s.closes[:len(s.closes)-1], s.longPeriod)
	curShort := sma(s.closes, s.shortPeriod)
	curLong := sma(s.closes, s.longPeriod)

	crossedUp := prevShort <= prevLong && curShort > curLong
	crossedDown := prevShort >= prevLong && curShort < curLong

	switch {
	case crossedUp && !s.long:
		order := b.Buy(ctx, engine.OrderRequest{
			Symbol: s.symbol, Size: s.size, Type: domain.OrderTypeMarket, Transmit: true,
		})
		if order.Alive() {
			s.long = true
			s.log.Info("crossover buy", "transId", order.TransID, "close", bar.Close)
		}
	case crossedDown && s.long:
		order := b.Sell(ctx, engine.OrderRequest{
			Symbol: s.symbol, Size: s.size, Type: domain.OrderTypeMarket, Transmit: true,
		})
		if order.Alive() {
			s.long = false
			s.log.Info("crossover sell", "transId", order.TransID, "close", bar.Close)
		}
	}
	return nil
}

// OnNotification logs terminal order states.
func (s *SMACross) OnNotification(_ context.Context, _ broker.Broker, n *domain.Notification) {
	if n.Status.Terminal() {
		s.log.Info("order closed", "transId", n.TransID, "status", string(n.Status), "exec", n.ExecSize)
	}
}

// sma averages the last period values of the series.
func sma(series []float64, period int) float64 {
	var sum float64
	for _, v := range series[len(series)-period:] {
		sum += v
	}
	return sum / float64(period)
}
