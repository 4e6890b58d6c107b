// Package feed delivers live bars from the terminal's candle subscriptions to
// strategy code, filtered to the trading session and optionally persisted.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"quikbridge/internal/domain"
	"quikbridge/internal/instrument"
	"quikbridge/internal/quik"
	"quikbridge/internal/store"
	"quikbridge/internal/util"
)

// CandleSource is the slice of the terminal connection the feed needs. The
// full client satisfies it.
type CandleSource interface {
	SubscribeCandles(ctx context.Context, classCode, secCode string, interval int) error
	UnsubscribeCandles(ctx context.Context, classCode, secCode string, interval int) error
	GetCandles(ctx context.Context, classCode, secCode string, interval, count int) ([]quik.Candle, error)
}

// flushThreshold is the number of buffered bars that triggers a store write.
const flushThreshold = 100

// liveBuffer is the channel headroom kept for live bars past any replayed
// history.
const liveBuffer = 256

// NoHistory as the history argument of Subscribe skips the backfill entirely.
// Zero means all stored bars; a positive value bounds the replay.
const NoHistory = -1

type subKey struct {
	symbol   string
	interval int
}

type subscription struct {
	key       subKey
	classCode string
	secCode   string
	ch        chan domain.Bar
}

// Feed turns raw candle callbacks into per-subscription bar channels. Bars
// stamped outside the trading session are dropped. When a BarStore is
// attached, delivered bars are buffered and flushed in batches.
type Feed struct {
	source  CandleSource
	dir     *instrument.Directory
	session util.Session
	bars    store.BarStore // optional
	log     *slog.Logger

	mu      sync.Mutex
	subs    map[subKey]*subscription
	pending []domain.Bar
}

// New creates a Feed over a candle source.
func New(source CandleSource, dir *instrument.Directory, session util.Session, bars store.BarStore, logger *slog.Logger) *Feed {
	return &Feed{
		source:  source,
		dir:     dir,
		session: session,
		bars:    bars,
		log:     logger.With("component", "feed"),
		subs:    make(map[subKey]*subscription),
	}
}

// Subscribe opens a bar stream for one symbol and interval. Stored history is
// replayed into the channel ahead of live data: history bounds the number of
// bars requested from the data source (zero means all, NoHistory skips the
// replay). The returned channel is buffered; bars are dropped with a warning
// if the consumer stalls.
func (f *Feed) Subscribe(ctx context.Context, symbol string, interval, history int) (<-chan domain.Bar, error) {
	inst, err := f.dir.Resolve(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", symbol, err)
	}

	var backlog []domain.Bar
	if history != NoHistory {
		candles, err := f.source.GetCandles(ctx, inst.ClassCode, inst.SecCode, interval, history)
		if err != nil {
			return nil, fmt.Errorf("loading history for %s interval %d: %w", inst.Symbol, interval, err)
		}
		// The newest row is the still-forming bar; the live stream will
		// deliver it once it closes.
		if len(candles) > 0 {
			candles = candles[:len(candles)-1]
		}
		for _, candle := range candles {
			if !f.session.Contains(candle.At) {
				continue
			}
			backlog = append(backlog, barFromCandle(inst.Symbol, candle))
		}
	}

	key := subKey{symbol: inst.Symbol, interval: interval}
	f.mu.Lock()
	if _, exists := f.subs[key]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to %s interval %d", inst.Symbol, interval)
	}
	sub := &subscription{
		key:       key,
		classCode: inst.ClassCode,
		secCode:   inst.SecCode,
		ch:        make(chan domain.Bar, len(backlog)+liveBuffer),
	}
	for _, bar := range backlog {
		sub.ch <- bar
	}
	f.subs[key] = sub
	f.mu.Unlock()

	if err := f.source.SubscribeCandles(ctx, inst.ClassCode, inst.SecCode, interval); err != nil {
		f.mu.Lock()
		delete(f.subs, key)
		f.mu.Unlock()
		return nil, fmt.Errorf("subscribing to %s interval %d: %w", inst.Symbol, interval, err)
	}
	f.log.Info("subscribed", "symbol", inst.Symbol, "interval", interval, "replayed", len(backlog))
	return sub.ch, nil
}

// Unsubscribe tears down one bar stream and closes its channel.
func (f *Feed) Unsubscribe(ctx context.Context, symbol string, interval int) error {
	key := subKey{symbol: symbol, interval: interval}
	f.mu.Lock()
	sub, ok := f.subs[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("not subscribed to %s interval %d", symbol, interval)
	}
	delete(f.subs, key)
	// Closed under the lock so OnCandle can never send on a closed channel:
	// its non-blocking send holds the same lock.
	close(sub.ch)
	f.mu.Unlock()

	return f.source.UnsubscribeCandles(ctx, sub.classCode, sub.secCode, interval)
}

// Resubscribe re-issues every active subscription. Called after the terminal
// reconnects to its broker, since subscriptions do not survive the gap.
func (f *Feed) Resubscribe(ctx context.Context) {
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		if err := f.source.SubscribeCandles(ctx, sub.classCode, sub.secCode, sub.key.interval); err != nil {
			f.log.Warn("resubscribe failed", "symbol", sub.key.symbol, "interval", sub.key.interval, "error", err)
		}
	}
}

// OnCandle handles one candle callback: session filter, conversion to a
// domain bar, delivery, and buffering for persistence. Candles for
// instruments nobody subscribed to are dropped.
func (f *Feed) OnCandle(ctx context.Context, candle quik.Candle) {
	if !f.session.Contains(candle.At) {
		return
	}

	symbol := instrument.SymbolName(candle.ClassCode, candle.SecCode)
	key := subKey{symbol: symbol, interval: candle.Interval}

	bar := barFromCandle(symbol, candle)

	f.mu.Lock()
	sub, ok := f.subs[key]
	if !ok {
		f.mu.Unlock()
		return
	}
	// The send stays under the lock: Unsubscribe closes the channel while
	// holding it, so delivery and teardown cannot interleave.
	delivered := true
	select {
	case sub.ch <- bar:
	default:
		delivered = false
	}
	full := false
	if f.bars != nil {
		f.pending = append(f.pending, bar)
		full = len(f.pending) >= flushThreshold
	}
	f.mu.Unlock()

	if !delivered {
		f.log.Warn("dropping bar, consumer stalled", "symbol", symbol, "interval", candle.Interval)
	}
	if full {
		if err := f.Flush(ctx); err != nil {
			f.log.Warn("flushing bars failed", "error", err)
		}
	}
}

func barFromCandle(symbol string, candle quik.Candle) domain.Bar {
	return domain.Bar{
		Symbol:    symbol,
		Interval:  candle.Interval,
		Timestamp: candle.At,
		Open:      candle.Open,
		High:      candle.High,
		Low:       candle.Low,
		Close:     candle.Close,
		Volume:    candle.Volume,
	}
}

// Flush writes all buffered bars to the attached store.
func (f *Feed) Flush(ctx context.Context) error {
	if f.bars == nil {
		return nil
	}
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return f.bars.WriteBars(ctx, pending)
}
