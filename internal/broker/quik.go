package broker

import (
	"context"
	"fmt"
	"log/slog"

	"quikbridge/internal/config"
	"quikbridge/internal/domain"
	"quikbridge/internal/engine"
	"quikbridge/internal/instrument"
	"quikbridge/internal/ledger"
	"quikbridge/internal/quik"
)

// AccountClient is the slice of the terminal connection the broker needs for
// account state. The full client satisfies it.
type AccountClient interface {
	MoneyLimits(ctx context.Context) ([]quik.MoneyLimit, error)
	GetFuturesLimit(ctx context.Context, firmID, accountID, currency string) (*quik.FuturesLimit, error)
	DepoLimits(ctx context.Context) ([]quik.DepoLimit, error)
	FuturesHoldings(ctx context.Context) ([]quik.FuturesHolding, error)
	LastPrice(ctx context.Context, classCode, secCode string) (float64, error)
}

// QUIK is the Broker implementation backed by the reconciliation engine and
// the terminal's account tables.
type QUIK struct {
	eng     *engine.Engine
	client  AccountClient
	dir     *instrument.Directory
	ldg     *ledger.Ledger
	account config.Account
	log     *slog.Logger
}

var _ Broker = (*QUIK)(nil)

// NewQUIK wires a broker over an engine and a terminal connection. The ledger
// must be the same instance the engine applies fills to.
func NewQUIK(eng *engine.Engine, client AccountClient, dir *instrument.Directory, ldg *ledger.Ledger, account config.Account, logger *slog.Logger) *QUIK {
	return &QUIK{
		eng:     eng,
		client:  client,
		dir:     dir,
		ldg:     ldg,
		account: account,
		log:     logger.With("component", "broker"),
	}
}

// Name identifies the venue implementation.
func (b *QUIK) Name() string { return "quik" }

// Buy submits a buy intent through the engine.
func (b *QUIK) Buy(ctx context.Context, req engine.OrderRequest) domain.Order {
	return b.eng.PlaceBuy(ctx, req)
}

// Sell submits a sell intent through the engine.
func (b *QUIK) Sell(ctx context.Context, req engine.OrderRequest) domain.Order {
	return b.eng.PlaceSell(ctx, req)
}

// Cancel requests cancellation by transaction id.
func (b *QUIK) Cancel(ctx context.Context, transID int64) {
	b.eng.Cancel(ctx, transID)
}

// Order returns a snapshot of one tracked order.
func (b *QUIK) Order(transID int64) (domain.Order, bool) {
	return b.eng.Order(transID)
}

// Position returns the holding in one instrument.
func (b *QUIK) Position(symbol string) domain.Position {
	return b.ldg.Get(symbol)
}

// Positions returns all non-flat holdings.
func (b *QUIK) Positions() []domain.Position {
	return b.ldg.All()
}

// NextNotification pops the oldest order notification.
func (b *QUIK) NextNotification() *domain.Notification {
	return b.eng.NextNotification()
}

// Tick closes the current notification batch.
func (b *QUIK) Tick() {
	b.eng.Tick()
}

// Cash returns the free funds on the account. Derivatives accounts report
// the post-clearing limit adjusted by variation margin and accrued income;
// stock accounts report the matching row of the money limits table.
func (b *QUIK) Cash(ctx context.Context) (float64, error) {
	if b.account.Futures {
		limit, err := b.client.GetFuturesLimit(ctx, b.account.FirmID, b.account.TradeAccountID, b.account.CurrencyCode)
		if err != nil {
			return 0, fmt.Errorf("querying futures limit: %w", err)
		}
		return limit.OpenLimit + limit.VarMargin + limit.AccruedIncome, nil
	}

	limits, err := b.client.MoneyLimits(ctx)
	if err != nil {
		return 0, fmt.Errorf("querying money limits: %w", err)
	}
	if len(limits) == 0 {
		return 0, fmt.Errorf("money limits table is empty")
	}
	if len(limits) == 1 {
		return limits[0].CurrentBal, nil
	}
	for _, row := range limits {
		if row.ClientCode == b.account.ClientCode &&
			row.FirmID == b.account.FirmID &&
			row.LimitKind == b.account.LimitKind &&
			row.CurrencyCode == b.account.CurrencyCode {
			return row.CurrentBal, nil
		}
	}
	return 0, fmt.Errorf("no money limit row for client %q firm %q kind %d currency %q",
		b.account.ClientCode, b.account.FirmID, b.account.LimitKind, b.account.CurrencyCode)
}

// Value returns the current worth of open positions. Derivatives accounts
// report the margin blocked under open positions; stock accounts mark every
// ledger position to the last trade.
func (b *QUIK) Value(ctx context.Context) (float64, error) {
	if b.account.Futures {
		limit, err := b.client.GetFuturesLimit(ctx, b.account.FirmID, b.account.TradeAccountID, b.account.CurrencyCode)
		if err != nil {
			return 0, fmt.Errorf("querying futures limit: %w", err)
		}
		return limit.UsedLimit, nil
	}

	var total float64
	for _, pos := range b.ldg.All() {
		inst, err := b.dir.Resolve(ctx, pos.Symbol)
		if err != nil {
			b.log.Warn("skipping unresolvable position", "symbol", pos.Symbol, "error", err)
			continue
		}
		last, err := b.client.LastPrice(ctx, inst.ClassCode, inst.SecCode)
		if err != nil {
			b.log.Warn("marking position at entry price", "symbol", pos.Symbol, "error", err)
			total += float64(pos.Size) * pos.Price
			continue
		}
		total += float64(pos.Size) * inst.FromWirePrice(last)
	}
	return total, nil
}

// Account returns the combined cash and value snapshot.
func (b *QUIK) Account(ctx context.Context) (domain.AccountInfo, error) {
	cash, err := b.Cash(ctx)
	if err != nil {
		return domain.AccountInfo{}, err
	}
	value, err := b.Value(ctx)
	if err != nil {
		return domain.AccountInfo{}, err
	}
	return domain.AccountInfo{Cash: cash, Value: value}, nil
}

// Start preloads current holdings from the terminal's position tables into
// the ledger, so strategies see pre-existing positions from the first tick.
func (b *QUIK) Start(ctx context.Context) error {
	if !b.account.UsePositions {
		return nil
	}

	if b.account.Futures {
		holdings, err := b.client.FuturesHoldings(ctx)
		if err != nil {
			return fmt.Errorf("preloading futures holdings: %w", err)
		}
		for _, h := range holdings {
			if h.TotalNet == 0 {
				continue
			}
			b.preload(ctx, h.SecCode, int(h.TotalNet), h.AvgPrice)
		}
		return nil
	}

	limits, err := b.client.DepoLimits(ctx)
	if err != nil {
		return fmt.Errorf("preloading depo limits: %w", err)
	}
	for _, row := range limits {
		if row.CurrentBal == 0 {
			continue
		}
		if row.ClientCode != b.account.ClientCode ||
			row.FirmID != b.account.FirmID ||
			row.LimitKind != b.account.LimitKind {
			continue
		}
		b.preload(ctx, row.SecCode, int(row.CurrentBal), row.AvgPrice)
	}
	return nil
}

// preload resolves one holding row and installs it in the ledger. Balances
// arrive in lots or shares depending on account configuration; prices arrive
// in wire units.
func (b *QUIK) preload(ctx context.Context, secCode string, balance int, avgPrice float64) {
	inst, err := b.dir.Resolve(ctx, secCode)
	if err != nil {
		b.log.Warn("skipping unresolvable holding", "secCode", secCode, "error", err)
		return
	}
	size := balance
	if b.account.Lots {
		size = inst.LotsToSize(balance)
	}
	b.ldg.Set(inst.Symbol, size, inst.FromWirePrice(avgPrice))
	b.log.Info("preloaded position", "symbol", inst.Symbol, "size", size)
}
