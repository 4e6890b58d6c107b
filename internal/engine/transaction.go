package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"quikbridge/internal/domain"
	"quikbridge/internal/instrument"
	"quikbridge/internal/quik"
)

// buildTransaction serializes an order into the flat wire transaction shape.
// Quantities go out in lots; prices go out in wire units, rounded to the
// instrument scale. Market orders on derivatives must carry a price strictly
// worse than the last trade by the slippage margin, since the venue rejects
// unpriced orders on that segment.
func (e *Engine) buildTransaction(ctx context.Context, order *domain.Order, inst *instrument.Instrument) (quik.Transaction, error) {
	lots := inst.SizeToLots(order.Size)
	slippage := inst.Slippage(e.stopSteps)

	var wirePrice float64
	switch order.Type {
	case domain.OrderTypeMarket:
		if inst.Derivative {
			last, err := e.transport.LastPrice(ctx, inst.ClassCode, inst.SecCode)
			if err != nil {
				return nil, fmt.Errorf("querying last price: %w", err)
			}
			if order.Side == domain.OrderSideBuy {
				wirePrice = last + slippage
			} else {
				wirePrice = last - slippage
			}
		}
	default:
		wirePrice = inst.ToWirePrice(order.Price)
	}
	wirePrice = inst.RoundToScale(wirePrice)

	operation := "B"
	if order.Side == domain.OrderSideSell {
		operation = "S"
	}

	tr := quik.Transaction{
		"TRANS_ID":  strconv.FormatInt(order.TransID, 10),
		"ACCOUNT":   e.account.TradeAccountID,
		"CLASSCODE": inst.ClassCode,
		"SECCODE":   inst.SecCode,
		"OPERATION": operation,
		"QUANTITY":  strconv.Itoa(lots),
		"PRICE":     encodePrice(wirePrice, inst.Scale),
	}
	// Derivatives accounts have no client code.
	if e.account.ClientCode != "" {
		tr["CLIENT_CODE"] = e.account.ClientCode
	}

	if order.Type.IsStop() {
		stopWire := inst.RoundToScale(inst.ToWirePrice(order.StopPrice))
		tr["ACTION"] = quik.ActionNewStopOrder
		tr["STOPPRICE"] = encodePrice(stopWire, inst.Scale)

		// Without an explicit limit, execute within the slippage margin of
		// the trigger.
		var limitWire float64
		switch {
		case order.Price != 0:
			limitWire = inst.RoundToScale(inst.ToWirePrice(order.Price))
		case order.Side == domain.OrderSideBuy:
			limitWire = stopWire + slippage
		default:
			limitWire = stopWire - slippage
		}
		tr["PRICE"] = encodePrice(limitWire, inst.Scale)
		tr["EXPIRY_DATE"] = expiry(order)
	} else {
		tr["ACTION"] = quik.ActionNewOrder
		if order.Type == domain.OrderTypeLimit {
			tr["TYPE"] = "L"
		} else {
			tr["TYPE"] = "M"
		}
	}
	return tr, nil
}

// cancelTransaction builds the kill request for a working order. Stop orders
// that have not triggered live in the stop-order table and need the stop kill
// action.
func cancelTransaction(transID, orderNum int64, classCode, secCode string, stillStop bool) quik.Transaction {
	tr := quik.Transaction{
		"TRANS_ID":  strconv.FormatInt(transID, 10),
		"CLASSCODE": classCode,
		"SECCODE":   secCode,
	}
	if stillStop {
		tr["ACTION"] = quik.ActionKillStopOrder
		tr["STOP_ORDER_KEY"] = strconv.FormatInt(orderNum, 10)
	} else {
		tr["ACTION"] = quik.ActionKillOrder
		tr["ORDER_KEY"] = strconv.FormatInt(orderNum, 10)
	}
	return tr
}

// expiry maps the order's time-in-force to the wire expiry field.
func expiry(order *domain.Order) string {
	switch order.TIF {
	case domain.TIFDay:
		return quik.ExpiryToday
	case domain.TIFGoodTillDate:
		return order.GoodTill.Format("20060102")
	default:
		return quik.ExpiryGTC
	}
}

// encodePrice renders a price rounded to scale. Integral values must be
// encoded without a decimal point; that is a quirk of the wire format, not of
// the numbers.
func encodePrice(price float64, scale int) string {
	d := decimal.NewFromFloat(price).Round(int32(scale))
	if d.IsInteger() {
		return d.Truncate(0).String()
	}
	return d.String()
}
