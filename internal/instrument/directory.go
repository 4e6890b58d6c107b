// Package instrument resolves tickers into venue (class, security) pairs and
// caches per-instrument metadata used for lot and price conversions.
package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"quikbridge/internal/quik"
)

// MetadataSource is the slice of the transport the directory depends on.
type MetadataSource interface {
	ClassesList(ctx context.Context) (string, error)
	SecurityClass(ctx context.Context, classes, secCode string) (string, error)
	GetSecurityInfo(ctx context.Context, classCode, secCode string) (*quik.SecurityInfo, error)
}

// Instrument is the cached metadata of one tradable security. Immutable once
// fetched.
type Instrument struct {
	Symbol     string // "CLASS.SEC"
	ClassCode  string
	SecCode    string
	LotSize    int
	PriceStep  float64 // minimum price increment, wire units
	Scale      int     // decimal digits in prices
	Derivative bool    // prices quoted per lot on the wire
	Bond       bool    // prices quoted ×10 internally
}

// SizeToLots converts a share count to whole lots. Fractional lots are
// dropped.
func (i *Instrument) SizeToLots(size int) int {
	if i.LotSize > 0 {
		return size / i.LotSize
	}
	return size
}

// LotsToSize converts a lot count to shares.
func (i *Instrument) LotsToSize(lots int) int {
	if i.LotSize > 0 {
		return lots * i.LotSize
	}
	return lots
}

// ToWirePrice converts an internal price to the venue's quoting convention:
// bonds are quoted at a tenth of the internal price, derivatives per lot.
func (i *Instrument) ToWirePrice(price float64) float64 {
	if i.Bond {
		return price / 10
	}
	if i.Derivative && i.LotSize > 0 {
		return price * float64(i.LotSize)
	}
	return price
}

// FromWirePrice is the inverse of ToWirePrice.
func (i *Instrument) FromWirePrice(price float64) float64 {
	if i.Bond {
		return price * 10
	}
	if i.Derivative && i.LotSize > 0 {
		return price / float64(i.LotSize)
	}
	return price
}

// Slippage returns the slippage margin for the instrument: steps minimum
// price increments, in wire units.
func (i *Instrument) Slippage(steps int) float64 {
	return i.PriceStep * float64(steps)
}

// RoundToScale rounds a price to the instrument's decimal scale.
func (i *Instrument) RoundToScale(price float64) float64 {
	pow := math.Pow10(i.Scale)
	return math.Round(price*pow) / pow
}

// Directory resolves and caches instruments. Safe for concurrent use.
type Directory struct {
	src          MetadataSource
	futuresClass string
	bondClass    string
	log          *slog.Logger

	mu      sync.Mutex
	classes string // cached venue class list
	cache   map[string]*Instrument
}

// NewDirectory creates a Directory backed by the given metadata source.
func NewDirectory(src MetadataSource, futuresClass, bondClass string, logger *slog.Logger) *Directory {
	return &Directory{
		src:          src,
		futuresClass: futuresClass,
		bondClass:    bondClass,
		log:          logger.With("component", "instrument"),
		cache:        make(map[string]*Instrument),
	}
}

// SymbolName builds the canonical "CLASS.SEC" ticker.
func SymbolName(classCode, secCode string) string {
	return classCode + "." + secCode
}

// Split resolves a ticker into its (class, security) pair. Tickers without an
// explicit class are matched against the venue class list.
func (d *Directory) Split(ctx context.Context, symbol string) (classCode, secCode string, err error) {
	if idx := strings.Index(symbol, "."); idx > 0 {
		return symbol[:idx], symbol[idx+1:], nil
	}

	d.mu.Lock()
	classes := d.classes
	d.mu.Unlock()
	if classes == "" {
		classes, err = d.src.ClassesList(ctx)
		if err != nil {
			return "", "", fmt.Errorf("fetching class list: %w", err)
		}
		d.mu.Lock()
		d.classes = classes
		d.mu.Unlock()
	}

	classCode, err = d.src.SecurityClass(ctx, classes, symbol)
	if err != nil {
		return "", "", fmt.Errorf("resolving class for %s: %w", symbol, err)
	}
	if classCode == "" {
		return "", "", fmt.Errorf("unknown instrument %s", symbol)
	}
	return classCode, symbol, nil
}

// Resolve returns the instrument for the ticker, fetching and caching its
// metadata on first reference.
func (d *Directory) Resolve(ctx context.Context, symbol string) (*Instrument, error) {
	classCode, secCode, err := d.Split(ctx, symbol)
	if err != nil {
		return nil, err
	}

	key := SymbolName(classCode, secCode)
	d.mu.Lock()
	if inst, ok := d.cache[key]; ok {
		d.mu.Unlock()
		return inst, nil
	}
	d.mu.Unlock()

	return d.fetch(ctx, classCode, secCode)
}

// Refresh re-fetches the instrument's metadata, replacing the cached entry.
func (d *Directory) Refresh(ctx context.Context, symbol string) (*Instrument, error) {
	classCode, secCode, err := d.Split(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return d.fetch(ctx, classCode, secCode)
}

func (d *Directory) fetch(ctx context.Context, classCode, secCode string) (*Instrument, error) {
	info, err := d.src.GetSecurityInfo(ctx, classCode, secCode)
	if err != nil {
		return nil, fmt.Errorf("fetching security info for %s.%s: %w", classCode, secCode, err)
	}
	if info == nil {
		return nil, fmt.Errorf("unknown instrument %s.%s", classCode, secCode)
	}

	inst := &Instrument{
		Symbol:     SymbolName(classCode, secCode),
		ClassCode:  classCode,
		SecCode:    secCode,
		LotSize:    info.LotSize,
		PriceStep:  info.MinStep,
		Scale:      info.Scale,
		Derivative: classCode == d.futuresClass,
		Bond:       classCode == d.bondClass,
	}

	d.mu.Lock()
	d.cache[inst.Symbol] = inst
	d.mu.Unlock()
	d.log.Debug("instrument cached", "symbol", inst.Symbol, "lot", inst.LotSize, "step", inst.PriceStep)
	return inst, nil
}
