package engine

import (
	"context"

	"quikbridge/internal/domain"
)

// onOrderTerminal runs the linked-order pass after an order reaches a
// terminal state (or any non-Accepted reply status). In order:
//
//  1. Orders naming this one as their OCO counterpart are cancelled.
//  2. This order's own OCO counterpart is cancelled.
//  3. A completed bracket parent releases its parked children to the market.
//  4. A closed bracket child cancels its remaining siblings.
//
// Cancel is idempotent, so a chain where several members close at once
// converges without extra bookkeeping: a chain has exactly one parent and the
// parent is only ever sent once.
func (e *Engine) onOrderTerminal(ctx context.Context, order *domain.Order) {
	e.mu.Lock()

	var toCancel []int64
	for transID, ocoRef := range e.ocos {
		if ocoRef == order.TransID && transID != order.TransID {
			toCancel = append(toCancel, transID)
		}
	}
	if ocoRef, ok := e.ocos[order.TransID]; ok {
		toCancel = append(toCancel, ocoRef)
	}

	var toRelease []int64
	if order.Parent == 0 && !order.Transmit && order.Status == domain.OrderStatusCompleted {
		for _, memberID := range e.chains[order.TransID] {
			member := e.orders[memberID]
			if member != nil && member.Parent != 0 {
				toRelease = append(toRelease, memberID)
			}
		}
	} else if order.Parent != 0 {
		for _, memberID := range e.chains[order.Parent] {
			member := e.orders[memberID]
			if member == nil || memberID == order.TransID {
				continue
			}
			if member.Parent != 0 {
				toCancel = append(toCancel, memberID)
			}
		}
	}
	e.mu.Unlock()

	for _, transID := range toCancel {
		e.Cancel(ctx, transID)
	}
	for _, transID := range toRelease {
		e.release(ctx, transID)
	}
}

// release sends one parked bracket child to the market.
func (e *Engine) release(ctx context.Context, transID int64) {
	e.mu.Lock()
	order, ok := e.orders[transID]
	if !ok || order.Status != domain.OrderStatusCreated {
		e.mu.Unlock()
		return
	}
	symbol := order.Symbol
	e.mu.Unlock()

	inst, err := e.dir.Resolve(ctx, symbol)
	if err != nil {
		e.log.Warn("releasing child failed", "transId", transID, "error", err)
		// A failed release is a terminal close like any other: the rest of
		// the chain still needs its cleanup pass.
		if e.transition(ctx, order, domain.OrderStatusRejected) {
			e.onOrderTerminal(ctx, order)
		}
		return
	}
	e.dispatch(ctx, order, inst)
}
