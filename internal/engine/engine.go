// Package engine implements the order-lifecycle reconciliation core: it owns
// the set of in-flight orders keyed by transaction id, advances each order
// through its state machine from the terminal's asynchronous transaction
// replies and trade prints, applies fills to the position ledger, and
// coordinates one-cancels-other pairs and bracket chains.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"quikbridge/internal/config"
	"quikbridge/internal/domain"
	"quikbridge/internal/instrument"
	"quikbridge/internal/ledger"
	"quikbridge/internal/quik"
	"quikbridge/internal/store"
	"quikbridge/internal/util"
)

// Transport is the slice of the terminal connection the engine depends on.
type Transport interface {
	SendTransaction(ctx context.Context, tr quik.Transaction) error
	LastPrice(ctx context.Context, classCode, secCode string) (float64, error)
	OrderByNumber(ctx context.Context, orderNum int64) (*quik.OrderInfo, error)
}

// errOrderUnknown drives the bounded fill-lookup retry.
var errOrderUnknown = errors.New("engine: order not yet known")

// defaultLookupRetryDelay is the wait before the single fill-lookup retry.
// Trade prints occasionally arrive before the transaction reply that maps the
// broker order number; one short wait covers the observed gap.
const defaultLookupRetryDelay = 500 * time.Millisecond

// Options configures an Engine.
type Options struct {
	Account          config.Account
	Replies          config.Classifier
	StopSteps        int // slippage margin in minimum price steps
	Logger           *slog.Logger
	Journal          store.Journal // optional
	LookupRetryDelay time.Duration // zero means the default
}

// OrderRequest describes one buy or sell intent.
//
// Transmit must be true for standalone orders. A bracket is built by placing
// the parent with Transmit=false, then each child with Parent set to the
// parent's transaction id; the final child carries Transmit=true, which sends
// the parent to the market and leaves the children parked until the parent
// completes.
type OrderRequest struct {
	Symbol    string
	Size      int
	Type      domain.OrderType
	Price     float64
	StopPrice float64
	TIF       domain.TimeInForce
	GoodTill  time.Time
	OCO       int64 // transaction id of the one-cancels-other counterpart
	Parent    int64 // transaction id of the bracket parent
	Transmit  bool
}

// Engine is the reconciliation core for one account context. All state
// mutation is serialized under one mutex; transport round-trips happen
// outside it.
type Engine struct {
	transport Transport
	dir       *instrument.Directory
	ledger    *ledger.Ledger
	journal   store.Journal
	classify  *Classifier
	log       *slog.Logger

	account          config.Account
	stopSteps        int
	lookupRetryDelay time.Duration

	mu          sync.Mutex
	nextTransID int64
	orders      map[int64]*domain.Order
	orderNums   map[int64]int64 // transaction id → broker order number
	numToTrans  map[int64]int64 // broker order number → transaction id
	ocos        map[int64]int64 // transaction id → OCO counterpart
	chains      map[int64][]int64
	seenTrades  map[string]map[int64]bool // symbol → trade id set
	notifs      []*domain.Notification    // nil entries are batch sentinels
}

// New creates an Engine wired with the given transport, instrument directory,
// and position ledger.
func New(transport Transport, dir *instrument.Directory, ldg *ledger.Ledger, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := opts.LookupRetryDelay
	if delay == 0 {
		delay = defaultLookupRetryDelay
	}
	return &Engine{
		transport:        transport,
		dir:              dir,
		ledger:           ldg,
		journal:          opts.Journal,
		classify:         NewClassifier(opts.Replies),
		log:              logger.With("component", "engine"),
		account:          opts.Account,
		stopSteps:        opts.StopSteps,
		lookupRetryDelay: delay,
		orders:           make(map[int64]*domain.Order),
		orderNums:        make(map[int64]int64),
		numToTrans:       make(map[int64]int64),
		ocos:             make(map[int64]int64),
		chains:           make(map[int64][]int64),
		seenTrades:       make(map[string]map[int64]bool),
	}
}

// Position returns a copy of the current position for a symbol.
func (e *Engine) Position(symbol string) domain.Position {
	return e.ledger.Get(symbol)
}

// Order returns a snapshot of the order with the given transaction id.
func (e *Engine) Order(transID int64) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[transID]
	if !ok {
		return domain.Order{}, false
	}
	return *order, true
}

// PlaceBuy submits a buy intent and returns a snapshot of the resulting
// order. Failures surface as a terminal status on the snapshot and through
// the notification queue; there is no separate error channel.
func (e *Engine) PlaceBuy(ctx context.Context, req OrderRequest) domain.Order {
	return e.place(ctx, domain.OrderSideBuy, req)
}

// PlaceSell submits a sell intent. See PlaceBuy.
func (e *Engine) PlaceSell(ctx context.Context, req OrderRequest) domain.Order {
	return e.place(ctx, domain.OrderSideSell, req)
}

func (e *Engine) place(ctx context.Context, side domain.OrderSide, req OrderRequest) domain.Order {
	// Resolve metadata before taking the lock: first reference fetches over
	// the wire.
	inst, resolveErr := e.dir.Resolve(ctx, req.Symbol)

	now := time.Now()
	e.mu.Lock()
	e.nextTransID++
	order := &domain.Order{
		TransID:   e.nextTransID,
		Symbol:    req.Symbol,
		Side:      side,
		Type:      req.Type,
		Size:      req.Size,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		TIF:       req.TIF,
		GoodTill:  req.GoodTill,
		OCO:       req.OCO,
		Parent:    req.Parent,
		Transmit:  req.Transmit,
		Status:    domain.OrderStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if order.Type == "" {
		order.Type = domain.OrderTypeMarket
	}
	e.orders[order.TransID] = order

	if resolveErr != nil {
		e.log.Warn("rejecting order for unknown instrument", "symbol", req.Symbol, "error", resolveErr)
		order.Status = domain.OrderStatusRejected
		e.notifyLocked(order)
		snapshot := *order
		e.mu.Unlock()
		e.journalSave(ctx, snapshot)
		return snapshot
	}
	order.ClassCode = inst.ClassCode
	order.SecCode = inst.SecCode
	order.Symbol = inst.Symbol

	if order.OCO != 0 {
		e.ocos[order.TransID] = order.OCO
	}

	var parentToSend *domain.Order
	switch {
	case order.Parent != 0:
		chain, ok := e.chains[order.Parent]
		parent := e.orders[order.Parent]
		if !ok || parent == nil || !parent.Alive() {
			e.log.Warn("rejecting child of unknown or closed chain", "parent", order.Parent)
			order.Status = domain.OrderStatusRejected
			e.notifyLocked(order)
			snapshot := *order
			e.mu.Unlock()
			e.journalSave(ctx, snapshot)
			return snapshot
		}
		e.chains[order.Parent] = append(chain, order.TransID)
		e.notifyLocked(order)
		if order.Transmit {
			// The last child releases the parent to the market; the children
			// stay parked until the parent completes.
			parentToSend = parent
		}
	case !order.Transmit:
		// Bracket parent: opens its chain and waits for the last child.
		e.chains[order.TransID] = []int64{order.TransID}
		e.notifyLocked(order)
	}

	sendSelf := order.Parent == 0 && order.Transmit
	snapshot := *order
	e.mu.Unlock()

	e.journalSave(ctx, snapshot)
	if sendSelf {
		e.dispatch(ctx, order, inst)
		snapshot, _ = e.Order(order.TransID)
	} else if parentToSend != nil {
		parentInst, err := e.dir.Resolve(ctx, parentToSend.Symbol)
		if err == nil {
			e.dispatch(ctx, parentToSend, parentInst)
		}
	}
	return snapshot
}

// dispatch encodes the order as a wire transaction and sends it. Transport
// errors mark the order Rejected; retries are the strategy's call, not the
// engine's.
func (e *Engine) dispatch(ctx context.Context, order *domain.Order, inst *instrument.Instrument) {
	tr, err := e.buildTransaction(ctx, order, inst)
	if err != nil {
		e.log.Warn("building transaction failed", "transId", order.TransID, "error", err)
		e.transition(ctx, order, domain.OrderStatusRejected)
		e.onOrderTerminal(ctx, order)
		return
	}

	sendErr := e.transport.SendTransaction(ctx, tr)

	e.transition(ctx, order, domain.OrderStatusSubmitted)
	if sendErr != nil {
		e.log.Warn("transaction send failed", "transId", order.TransID, "error", sendErr)
		e.transition(ctx, order, domain.OrderStatusRejected)
		e.onOrderTerminal(ctx, order)
	}
}

// Cancel requests cancellation of an order by its transaction id. The request
/// is fire-and-forget: the status change arrives later on the reply channel.
// Orders that are already terminal, unknown, or not yet acknowledged by the
// venue are left untouched.
func (e *Engine) Cancel(ctx context.Context, transID int64) {
	e.mu.Lock()
	order, ok := e.orders[transID]
	if !ok || !order.Alive() {
		e.mu.Unlock()
		return
	}
	orderNum, ok := e.orderNums[transID]
	if !ok {
		e.mu.Unlock()
		return
	}
	isStop := order.Type.IsStop()
	classCode, secCode := order.ClassCode, order.SecCode
	e.mu.Unlock()

	if isStop {
		// A triggered stop already lives in the working-order table as a
		// limit order; kill it there instead.
		info, err := e.transport.OrderByNumber(ctx, orderNum)
		if err != nil {
			e.log.Warn("resolving order for cancel failed", "transId", transID, "error", err)
		}
		isStop = info == nil
	}

	tr := cancelTransaction(transID, orderNum, classCode, secCode, isStop)
	if err := e.transport.SendTransaction(ctx, tr); err != nil {
		e.log.Warn("cancel send failed", "transId", transID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Inbound event handlers
// ---------------------------------------------------------------------------

// OnTransReply handles one transaction reply. Replies for transactions not
// issued by this process (manual or foreign activity on the account) are
// ignored.
func (e *Engine) OnTransReply(ctx context.Context, ack quik.AckEvent) {
	if ack.TransID == 0 {
		return
	}

	e.mu.Lock()
	order, ok := e.orders[ack.TransID]
	if !ok {
		e.mu.Unlock()
		e.log.Debug("reply for foreign transaction ignored", "transId", ack.TransID)
		return
	}
	if ack.OrderNum != 0 {
		e.orderNums[ack.TransID] = ack.OrderNum
		e.numToTrans[ack.OrderNum] = ack.TransID
		order.BrokerOrderNum = ack.OrderNum
	}
	e.mu.Unlock()

	var next domain.OrderStatus
	switch e.classify.Classify(ack.Status, ack.Message) {
	case ReplyAccepted:
		next = domain.OrderStatusAccepted
	case ReplyCanceled:
		next = domain.OrderStatusCanceled
	case ReplyRejected:
		next = domain.OrderStatusRejected
	case ReplyMargin:
		next = domain.OrderStatusMargin
	default:
		// Benign races (cancel of an already-gone order, throttled cancel)
		// and unclassified replies change nothing.
		return
	}

	if !e.transition(ctx, order, next) {
		return
	}
	if next != domain.OrderStatusAccepted {
		e.onOrderTerminal(ctx, order)
	}
}

// OnTrade handles one trade print. Duplicate trade ids per instrument are
// suppressed; prints against orders this process never placed are ignored.
func (e *Engine) OnTrade(ctx context.Context, fill quik.FillEvent) {
	symbol := instrument.SymbolName(fill.ClassCode, fill.SecCode)

	e.mu.Lock()
	seen := e.seenTrades[symbol]
	if seen == nil {
		seen = make(map[int64]bool)
		e.seenTrades[symbol] = seen
	}
	if seen[fill.TradeID] {
		e.mu.Unlock()
		return
	}
	seen[fill.TradeID] = true
	e.mu.Unlock()

	transID, ok := e.lookupTransID(fill.OrderNum)
	if !ok {
		// The reply carrying this broker order number may still be in
		// flight; wait once and retry. A number that never shows up on the
		// reply channel can still be ours: a triggered stop order reports
		// fills under the spawned limit order's number, so ask the terminal
		// who owns it before writing the print off as foreign.
		err := util.Retry(ctx, 2, e.lookupRetryDelay, func() error {
			if transID, ok = e.lookupTransID(fill.OrderNum); !ok {
				return errOrderUnknown
			}
			return nil
		})
		if err != nil {
			transID, ok = e.resolveOrderNum(ctx, fill.OrderNum)
		}
		if !ok {
			e.log.Info("trade for unknown order ignored", "orderNum", fill.OrderNum, "tradeId", fill.TradeID)
			return
		}
	}

	inst, err := e.dir.Resolve(ctx, symbol)
	if err != nil {
		e.log.Warn("trade for unresolvable instrument ignored", "symbol", symbol, "error", err)
		return
	}

	delta := inst.LotsToSize(fill.SignedLots())
	price := inst.FromWirePrice(fill.Price)

	e.mu.Lock()
	order := e.orders[transID]
	if order == nil || order.Status.Terminal() {
		// A stop order that converted to a limit order reports trades under
		// both incarnations; the order closes exactly once.
		e.mu.Unlock()
		return
	}

	// Fill conservation: never apply more than the order has left.
	applied := delta
	if remaining := order.Remaining(); abs(applied) > remaining {
		e.log.Warn("fill exceeds remaining size, clamping",
			"transId", transID, "fill", delta, "remaining", remaining)
		if applied > 0 {
			applied = remaining
		} else {
			applied = -remaining
		}
	}
	if applied == 0 {
		e.mu.Unlock()
		return
	}

	newExec := order.ExecSize + abs(applied)
	order.AvgFillPrice = (order.AvgFillPrice*float64(order.ExecSize) + float64(abs(applied))*price) / float64(newExec)
	order.ExecSize = newExec
	e.ledger.Update(order.Symbol, applied, price)

	completed := order.Remaining() == 0
	e.mu.Unlock()

	if e.journal != nil {
		if err := e.journal.SaveFill(ctx, store.Fill{
			TradeID: fill.TradeID,
			TransID: transID,
			Symbol:  symbol,
			Size:    applied,
			Price:   price,
			At:      fill.At,
		}); err != nil {
			e.log.Warn("journalling fill failed", "tradeId", fill.TradeID, "error", err)
		}
	}

	if completed {
		if e.transition(ctx, order, domain.OrderStatusCompleted) {
			e.onOrderTerminal(ctx, order)
		}
	} else {
		e.transition(ctx, order, domain.OrderStatusPartial)
	}
}

// OnOrder handles a working-order table update. Its engine-side job is
// keeping the broker-number index current: a triggered stop order reappears
// in the table as a limit order under a new number but the same transaction
// id, and fills then arrive under that new number.
func (e *Engine) OnOrder(_ context.Context, ev quik.OrderEvent) {
	if ev.TransID == 0 || ev.OrderNum == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[ev.TransID]
	if !ok {
		return
	}
	// Old numbers stay in numToTrans: in-flight trade prints may still
	// reference the pre-conversion order.
	e.orderNums[ev.TransID] = ev.OrderNum
	e.numToTrans[ev.OrderNum] = ev.TransID
	order.BrokerOrderNum = ev.OrderNum
}

func (e *Engine) lookupTransID(orderNum int64) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	transID, ok := e.numToTrans[orderNum]
	return transID, ok
}

// resolveOrderNum asks the terminal for the order behind an unknown broker
// number and registers the mapping when its transaction id is one of ours.
func (e *Engine) resolveOrderNum(ctx context.Context, orderNum int64) (int64, bool) {
	info, err := e.transport.OrderByNumber(ctx, orderNum)
	if err != nil {
		e.log.Warn("resolving order number failed", "orderNum", orderNum, "error", err)
		return 0, false
	}
	if info == nil || info.TransID == 0 {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[info.TransID]
	if !ok {
		return 0, false
	}
	e.orderNums[info.TransID] = orderNum
	e.numToTrans[orderNum] = info.TransID
	order.BrokerOrderNum = orderNum
	return info.TransID, true
}

// transition moves the order to the next status and emits a notification.
// Terminal statuses are immutable: a transition attempt against a closed
// order reports false and changes nothing. Repeated Partial transitions
// re-notify, since each one carries new execution progress.
func (e *Engine) transition(ctx context.Context, order *domain.Order, next domain.OrderStatus) bool {
	e.mu.Lock()
	if order.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	if order.Status == next && next != domain.OrderStatusPartial {
		e.mu.Unlock()
		return false
	}
	order.Status = next
	order.UpdatedAt = time.Now()
	e.notifyLocked(order)
	snapshot := *order
	e.mu.Unlock()

	e.log.Info("order status",
		"transId", snapshot.TransID, "symbol", snapshot.Symbol,
		"status", string(snapshot.Status), "exec", snapshot.ExecSize, "size", snapshot.Size)
	e.journalUpdate(ctx, snapshot)
	return true
}

func (e *Engine) journalSave(ctx context.Context, snapshot domain.Order) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveOrder(ctx, &snapshot); err != nil {
		e.log.Warn("journalling order failed", "transId", snapshot.TransID, "error", err)
	}
}

func (e *Engine) journalUpdate(ctx context.Context, snapshot domain.Order) {
	if e.journal == nil {
		return
	}
	if err := e.journal.UpdateOrder(ctx, &snapshot); err != nil {
		e.log.Warn("journalling order update failed", "transId", snapshot.TransID, "error", err)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
