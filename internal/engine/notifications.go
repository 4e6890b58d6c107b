package engine

import (
	"time"

	"quikbridge/internal/domain"
)

// notifyLocked pushes an immutable snapshot of the order onto the
// notification queue. Callers hold e.mu.
func (e *Engine) notifyLocked(order *domain.Order) {
	e.notifs = append(e.notifs, &domain.Notification{
		TransID:      order.TransID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Type:         order.Type,
		Status:       order.Status,
		Size:         order.Size,
		ExecSize:     order.ExecSize,
		Price:        order.Price,
		AvgFillPrice: order.AvgFillPrice,
		At:           time.Now(),
	})
}

// Tick marks the end of the current notification batch. The strategy runner
// calls it once per scheduling tick before draining.
func (e *Engine) Tick() {
	e.mu.Lock()
	e.notifs = append(e.notifs, nil)
	e.mu.Unlock()
}

// NextNotification pops the oldest queued notification. It returns nil both
// for an empty queue and for the end-of-batch sentinel, so a consumer drains
// with a simple loop:
//
//	for n := eng.NextNotification(); n != nil; n = eng.NextNotification() { ... }
func (e *Engine) NextNotification() *domain.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.notifs) == 0 {
		return nil
	}
	head := e.notifs[0]
	e.notifs = e.notifs[1:]
	return head
}
