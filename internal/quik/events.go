package quik

import (
	"encoding/json"
	"fmt"
	"time"

	"quikbridge/internal/util"
)

// sellFlag is bit 2 of the order/trade flags word.
const sellFlag = 0b100

// AckEvent is a transaction reply: the terminal's asynchronous verdict on one
// outbound transaction, identified by the client-assigned transaction id.
type AckEvent struct {
	TransID  int64
	OrderNum int64
	Status   int
	Message  string
}

// FillEvent is one trade print against an order on this account. TradeID is
// unique per instrument; OrderNum may belong to a limit order spawned by a
// triggered stop order, so it is resolved through the registry's secondary
// index rather than assumed known.
type FillEvent struct {
	TradeID   int64
	OrderNum  int64
	ClassCode string
	SecCode   string
	Lots      int
	Sell      bool
	Price     float64 // wire units
	At        time.Time
}

// SignedLots returns the traded lot count with sells negated.
func (f FillEvent) SignedLots() int {
	if f.Sell {
		return -f.Lots
	}
	return f.Lots
}

// OrderEvent is a working-order table update. The engine reconciles fills
// through FillEvent; OrderEvent keeps the broker-number index current when a
// stop order converts to a limit order under a new number.
type OrderEvent struct {
	TransID  int64
	OrderNum int64
	Balance  int // lots left to fill
	Sell     bool
	Price    float64
}

// Candle is one bar delivered by a candle subscription.
type Candle struct {
	ClassCode string
	SecCode   string
	Interval  int
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	At        time.Time
}

// Handlers carries the callback set invoked by the client's event pump. All
// handlers are invoked sequentially from a single goroutine, so consumers get
// serialized delivery for free. Nil handlers are skipped.
type Handlers struct {
	OnTransReply   func(AckEvent)
	OnTrade        func(FillEvent)
	OnOrder        func(OrderEvent)
	OnCandle       func(Candle)
	OnConnected    func()
	OnDisconnected func()
}

// ---------------------------------------------------------------------------
// Raw payload decoding
// ---------------------------------------------------------------------------

type rawTransReply struct {
	TransID   int64  `json:"trans_id"`
	OrderNum  int64  `json:"order_num"`
	Status    int    `json:"status"`
	ResultMsg string `json:"result_msg"`
}

type rawTrade struct {
	TradeNum  int64    `json:"trade_num"`
	OrderNum  int64    `json:"order_num"`
	ClassCode string   `json:"class_code"`
	SecCode   string   `json:"sec_code"`
	Price     float64  `json:"price"`
	Qty       int      `json:"qty"`
	Flags     int      `json:"flags"`
	Datetime  wireTime `json:"datetime"`
}

type rawOrder struct {
	TransID  int64   `json:"trans_id"`
	OrderNum int64   `json:"order_num"`
	Balance  float64 `json:"balance"`
	Flags    int     `json:"flags"`
	Price    float64 `json:"price"`
}

type rawCandle struct {
	Class    string   `json:"class"`
	Sec      string   `json:"sec"`
	Interval int      `json:"interval"`
	Open     float64  `json:"open"`
	High     float64  `json:"high"`
	Low      float64  `json:"low"`
	Close    float64  `json:"close"`
	Volume   float64  `json:"volume"`
	Datetime wireTime `json:"datetime"`
}

// rawHistoryCandle is one row of a data-source history response. Unlike the
// live candle callback it carries no instrument identity, so the caller stamps
// the row with the requested class, security, and interval.
type rawHistoryCandle struct {
	Open     float64  `json:"open"`
	High     float64  `json:"high"`
	Low      float64  `json:"low"`
	Close    float64  `json:"close"`
	Volume   float64  `json:"volume"`
	Datetime wireTime `json:"datetime"`
}

func (r rawHistoryCandle) toCandle(classCode, secCode string, interval int) Candle {
	return Candle{
		ClassCode: classCode,
		SecCode:   secCode,
		Interval:  interval,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    int64(r.Volume),
		At:        r.Datetime.toTime(util.MarketTimeZone),
	}
}

func decodeAck(data json.RawMessage) (AckEvent, error) {
	var raw rawTransReply
	if err := json.Unmarshal(data, &raw); err != nil {
		return AckEvent{}, fmt.Errorf("decoding trans reply: %w", err)
	}
	return AckEvent{
		TransID:  raw.TransID,
		OrderNum: raw.OrderNum,
		Status:   raw.Status,
		Message:  raw.ResultMsg,
	}, nil
}

func decodeTrade(data json.RawMessage) (FillEvent, error) {
	var raw rawTrade
	if err := json.Unmarshal(data, &raw); err != nil {
		return FillEvent{}, fmt.Errorf("decoding trade: %w", err)
	}
	return FillEvent{
		TradeID:   raw.TradeNum,
		OrderNum:  raw.OrderNum,
		ClassCode: raw.ClassCode,
		SecCode:   raw.SecCode,
		Lots:      raw.Qty,
		Sell:      raw.Flags&sellFlag != 0,
		Price:     raw.Price,
		At:        raw.Datetime.toTime(util.MarketTimeZone),
	}, nil
}

func decodeOrder(data json.RawMessage) (OrderEvent, error) {
	var raw rawOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return OrderEvent{}, fmt.Errorf("decoding order: %w", err)
	}
	return OrderEvent{
		TransID:  raw.TransID,
		OrderNum: raw.OrderNum,
		Balance:  int(raw.Balance),
		Sell:     raw.Flags&sellFlag != 0,
		Price:    raw.Price,
	}, nil
}

func decodeCandle(data json.RawMessage) (Candle, error) {
	var raw rawCandle
	if err := json.Unmarshal(data, &raw); err != nil {
		return Candle{}, fmt.Errorf("decoding candle: %w", err)
	}
	return Candle{
		ClassCode: raw.Class,
		SecCode:   raw.Sec,
		Interval:  raw.Interval,
		Open:      raw.Open,
		High:      raw.High,
		Low:       raw.Low,
		Close:     raw.Close,
		Volume:    int64(raw.Volume),
		At:        raw.Datetime.toTime(util.MarketTimeZone),
	}, nil
}
