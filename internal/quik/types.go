// Package quik implements the client for the terminal's LUA bridge: a
// request/response socket plus a callback socket, both speaking
// newline-delimited JSON. Raw callback payloads are decoded here into typed
// events so that the rest of the system never touches wire-format maps.
package quik

import (
	"encoding/json"
	"time"
)

// Transaction is the flat field set of one outbound wire transaction. The
// terminal requires every value to be a string, including prices and
// quantities.
type Transaction map[string]string

// Well-known transaction field names and values.
const (
	ActionNewOrder      = "NEW_ORDER"
	ActionNewStopOrder  = "NEW_STOP_ORDER"
	ActionKillOrder     = "KILL_ORDER"
	ActionKillStopOrder = "KILL_STOP_ORDER"

	ExpiryGTC   = "GTC"
	ExpiryToday = "TODAY"
)

// envelope is the frame wrapped around every request, response, and callback.
type envelope struct {
	ID   int64           `json:"id,omitempty"`
	Cmd  string          `json:"cmd"`
	T    string          `json:"t"`
	Data json.RawMessage `json:"data"`

	// Set on failed transactions rejected by the LUA layer before reaching
	// the market.
	LuaError string `json:"lua_error,omitempty"`
}

// SecurityInfo is the per-instrument metadata record.
type SecurityInfo struct {
	ClassCode string `json:"class_code"`
	SecCode   string `json:"sec_code"`
	LotSize   int    `json:"lot_size"`
	MinStep   float64 `json:"min_price_step"`
	Scale     int    `json:"scale"` // decimal digits in prices
}

// OrderInfo is the terminal's view of one working order, fetched by its
// venue-assigned number.
type OrderInfo struct {
	OrderNum int64   `json:"order_num"`
	TransID  int64   `json:"trans_id"`
	Balance  float64 `json:"balance"` // lots left to fill
	Price    float64 `json:"price"`
}

// MoneyLimit is one row of the account's cash limits table.
type MoneyLimit struct {
	ClientCode   string  `json:"client_code"`
	FirmID       string  `json:"firmid"`
	LimitKind    int     `json:"limit_kind"`
	CurrencyCode string  `json:"currcode"`
	CurrentBal   float64 `json:"currentbal"`
}

// DepoLimit is one row of the securities limits table: the current holding of
// one instrument under one client/firm/limit-kind triple.
type DepoLimit struct {
	SecCode    string  `json:"sec_code"`
	ClientCode string  `json:"client_code"`
	FirmID     string  `json:"firmid"`
	LimitKind  int     `json:"limit_kind"`
	CurrentBal float64 `json:"currentbal"`
	AvgPrice   float64 `json:"wa_position_price"`
}

// FuturesLimit is the derivatives account limit record.
type FuturesLimit struct {
	OpenLimit     float64 `json:"cbplimit"`   // funds after the evening clearing
	VarMargin     float64 `json:"varmargin"`  // variation margin since then
	AccruedIncome float64 `json:"accruedint"` // accrued income incl. fees
	UsedLimit     float64 `json:"cbplused"`   // margin blocked under open positions
}

// FuturesHolding is one open derivatives position.
type FuturesHolding struct {
	SecCode  string  `json:"sec_code"`
	TotalNet float64 `json:"totalnet"`
	AvgPrice float64 `json:"avrposnprice"`
}

// wireTime is the terminal's exploded timestamp format.
type wireTime struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
	Hour  int `json:"hour"`
	Min   int `json:"min"`
	Sec   int `json:"sec"`
}

func (w wireTime) toTime(loc *time.Location) time.Time {
	return time.Date(w.Year, time.Month(w.Month), w.Day, w.Hour, w.Min, w.Sec, 0, loc)
}
