package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"quikbridge/internal/broker"
	"quikbridge/internal/domain"
)

// Runner drives one strategy from a bar stream. Before each bar it closes the
// current notification batch and drains it to the strategy, so the strategy
// observes all order updates that happened since the previous bar before it
// acts on new data.
type Runner struct {
	strat Strategy
	brk   broker.Broker
	log   *slog.Logger
}

// NewRunner wires a strategy to its broker.
func NewRunner(strat Strategy, brk broker.Broker, logger *slog.Logger) *Runner {
	return &Runner{
		strat: strat,
		brk:   brk,
		log:   logger.With("component", "runner", "strategy", strat.Name()),
	}
}

// Run processes bars until the stream closes or the context is cancelled.
func (r *Runner) Run(ctx context.Context, bars <-chan domain.Bar) error {
	if err := r.strat.Init(ctx, r.brk); err != nil {
		return fmt.Errorf("initializing %s: %w", r.strat.Name(), err)
	}
	r.log.Info("strategy running")

	for {
		select {
		case <-ctx.Done():
			r.drain(ctx)
			return ctx.Err()
		case bar, ok := <-bars:
			if !ok {
				r.drain(ctx)
				return nil
			}
			r.drain(ctx)
			if err := r.strat.OnBar(ctx, r.brk, bar); err != nil {
				return fmt.Errorf("%s on bar %s: %w", r.strat.Name(), bar.Timestamp, err)
			}
		}
	}
}

// drain closes the current notification batch and feeds it to the strategy.
func (r *Runner) drain(ctx context.Context) {
	r.brk.Tick()
	for n := r.brk.NextNotification(); n != nil; n = r.brk.NextNotification() {
		r.strat.OnNotification(ctx, r.brk, n)
	}
}
