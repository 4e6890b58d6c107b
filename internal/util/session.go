package util

import "time"

// MarketTimeZone is the exchange clock. MOEX trades on Moscow time.
var MarketTimeZone = mustLoadLocation("Europe/Moscow")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// Europe/Moscow has a fixed UTC+3 offset since 2014.
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

// Session is a daily trading window on the exchange clock. The bar feed uses
// it to drop candles stamped outside trading hours (pre-open auction prints,
// clearing pauses).
type Session struct {
	Start time.Duration // offset from midnight, exchange time
	End   time.Duration
}

// NewSession builds a Session from opening and closing hours and minutes.
func NewSession(startHour, startMin, endHour, endMin int) Session {
	return Session{
		Start: time.Duration(startHour)*time.Hour + time.Duration(startMin)*time.Minute,
		End:   time.Duration(endHour)*time.Hour + time.Duration(endMin)*time.Minute,
	}
}

// Contains reports whether t falls inside the session window. The zero
// Session contains everything.
func (s Session) Contains(t time.Time) bool {
	if s.Start == 0 && s.End == 0 {
		return true
	}
	local := t.In(MarketTimeZone)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, MarketTimeZone)
	offset := local.Sub(midnight)
	return offset >= s.Start && offset < s.End
}

// MarketNow returns the current time on the exchange clock.
func MarketNow() time.Time {
	return time.Now().In(MarketTimeZone)
}
