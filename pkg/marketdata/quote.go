package marketdata

import (
	"math"
	"time"
)

// NoAsk marks an empty ask side. An empty bid side is 0.
const NoAsk = math.MaxFloat64

// Quote is the top of one reference book.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

func (q Quote) IsValidBid() bool {
	return q.Bid != 0
}

func (q Quote) IsValidAsk() bool {
	return q.Ask != 0 && q.Ask != NoAsk
}

// MidPrice averages both sides when both are present, otherwise falls back
// to whichever side is, otherwise 0.
func (q Quote) MidPrice() float64 {
	switch {
	case q.IsValidBid() && q.IsValidAsk():
		return (q.Ask + q.Bid) / 2
	case q.IsValidBid():
		return q.Bid
	case q.IsValidAsk():
		return q.Ask
	default:
		return 0
	}
}
