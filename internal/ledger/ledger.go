// Package ledger tracks signed position size and volume-weighted average
// entry price per instrument, and attributes each fill into opened and closed
// quantities for execution reports.
package ledger

import (
	"sync"

	"quikbridge/internal/domain"
)

// Ledger is the authoritative position book for one account. Safe for
// concurrent use. Positions are never removed; a flat position has size zero.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{positions: make(map[string]*domain.Position)}
}

// Set replaces the position for a symbol. Used to preload current holdings
// from the broker snapshot at startup.
func (l *Ledger) Set(symbol string, size int, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[symbol] = &domain.Position{Symbol: symbol, Size: size, Price: price}
}

// Get returns a copy of the position for a symbol, zero-valued when the
// instrument has never traded.
func (l *Ledger) Get(symbol string) domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[symbol]; ok {
		return *pos
	}
	return domain.Position{Symbol: symbol}
}

// All returns a copy of every position with non-zero size.
func (l *Ledger) All() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		if pos.Size != 0 {
			out = append(out, *pos)
		}
	}
	return out
}

// Update applies a fill of deltaSize shares (negative for sells) at price to
// the position and returns the new size and average price plus the
// opened/closed quantity split, both as positive magnitudes.
//
// A fill extending the position blends the average price by size; a fill
// reducing it closes up to the existing size at the old average, and any
// excess reverses into a new position opened at the fill price.
func (l *Ledger) Update(symbol string, deltaSize int, price float64) (size int, avgPrice float64, opened, closed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol}
		l.positions[symbol] = pos
	}

	oldSize := pos.Size
	newSize := oldSize + deltaSize

	switch {
	case oldSize == 0:
		// Opening from flat.
		opened, closed = abs(deltaSize), 0
		pos.Price = price
	case newSize == 0:
		// Fully closed.
		opened, closed = 0, abs(deltaSize)
		pos.Price = 0
	case sameSign(oldSize, deltaSize):
		// Extended: blend the average price by size.
		opened, closed = abs(deltaSize), 0
		pos.Price = (pos.Price*float64(oldSize) + float64(deltaSize)*price) / float64(newSize)
	case sameSign(oldSize, newSize):
		// Reduced but not closed.
		opened, closed = 0, abs(deltaSize)
	default:
		// Reversed: the old position closes in full, the excess opens at the
		// fill price.
		opened, closed = abs(newSize), abs(oldSize)
		pos.Price = price
	}

	pos.Size = newSize
	return pos.Size, pos.Price, opened, closed
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b int) bool {
	return (a > 0) == (b > 0)
}
