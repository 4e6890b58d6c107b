// Package domain defines the core entities shared across the quikbridge
// platform: orders, positions, bars, and the notification snapshots pushed to
// the strategy runner.
package domain

import "time"

// Market session identifiers.
const (
	MarketMOEX = "moex"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// IsStop reports whether the order type is a stop variant. Stop orders are
// registered and cancelled through the terminal's stop-order table.
func (t OrderType) IsStop() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// TimeInForce controls how long a stop order stays working at the venue.
type TimeInForce string

const (
	TIFGoodTillCancelled TimeInForce = "gtc"
	TIFDay               TimeInForce = "day"
	TIFGoodTillDate      TimeInForce = "date"
)

// OrderStatus is the lifecycle state of an order.
//
// The progression is one-directional:
//
//	Created → Submitted → Accepted → Partial* → Completed
//	Submitted/Accepted → Canceled | Rejected | Margin | Expired
//
// Terminal states are never left once entered.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCanceled  OrderStatus = "canceled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusMargin    OrderStatus = "margin"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusRejected,
		OrderStatusMargin, OrderStatusExpired:
		return true
	}
	return false
}

// Order is the central entity tracked by the order registry. It is keyed by
// TransID, a locally assigned transaction id unique for the process lifetime.
// The venue-assigned BrokerOrderNum arrives later via the acknowledgement
// channel and may change when a stop order converts to a limit order.
type Order struct {
	TransID   int64
	Symbol    string // ticker in "CLASS.SEC" form
	ClassCode string
	SecCode   string

	Side      OrderSide
	Type      OrderType
	Size      int     // requested size in shares, always positive
	Price     float64 // limit price (internal units); 0 for market
	StopPrice float64 // trigger price for stop variants

	TIF      TimeInForce
	GoodTill time.Time // used when TIF == TIFGoodTillDate

	// Linked-order relations. Zero means "none".
	OCO      int64 // transaction id of the one-cancels-other counterpart
	Parent   int64 // transaction id of the bracket parent
	Transmit bool  // false = hold in the chain until the last child arrives

	Status         OrderStatus
	BrokerOrderNum int64
	ExecSize       int     // filled so far, in shares, positive
	AvgFillPrice   float64 // volume-weighted fill price

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the unfilled share count.
func (o *Order) Remaining() int {
	return o.Size - o.ExecSize
}

// Alive reports whether the order can still trade or be cancelled.
func (o *Order) Alive() bool {
	return !o.Status.Terminal()
}

// SignedSize returns the requested size with the sell side negated.
func (o *Order) SignedSize() int {
	if o.Side == OrderSideSell {
		return -o.Size
	}
	return o.Size
}

// Position is a signed holding in one instrument. Positive size is long.
// Positions are mutated only through the ledger and are never destroyed; a
// flat position simply has size zero.
type Position struct {
	Symbol string
	Size   int
	Price  float64 // volume-weighted average entry price
}

// Notification is an immutable snapshot of an order pushed to the
// notification queue on every externally visible status change. Copying the
// fields out of the live order prevents the consumer from observing a
// half-updated order.
type Notification struct {
	TransID      int64
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Status       OrderStatus
	Size         int
	ExecSize     int
	Price        float64
	AvgFillPrice float64
	At           time.Time
}

// Bar is one OHLCV candle delivered by the market-data feed.
type Bar struct {
	Symbol     string
	Interval   int // minutes; 1440 = daily
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// AccountInfo is a snapshot of the account's financial state.
type AccountInfo struct {
	Cash  float64 // free funds
	Value float64 // value of open positions
}

// Equity returns cash plus the value of open positions.
func (a AccountInfo) Equity() float64 {
	return a.Cash + a.Value
}
