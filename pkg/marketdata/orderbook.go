package marketdata

import "time"

type Side int

const (
	Bid Side = iota
	Ask
)

// Entry is one price level. Its quantity is the sum of QtyProfile.
type Entry struct {
	TransactionID int64
	Side          Side
	Price         float64
	QtyProfile    []float64
}

func (e Entry) Qty() float64 {
	var total float64
	for _, q := range e.QtyProfile {
		total += q
	}
	return total
}

type Snapshot struct {
	LastTransactionID int64
	Entries           []Entry
}

// OrderBook is a price-level book for one reference symbol.
// It is not safe for concurrent use.
type OrderBook struct {
	Symbol string

	buys              map[float64]Entry
	sells             map[float64]Entry
	lastTransactionID int64
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		buys:   make(map[float64]Entry),
		sells:  make(map[float64]Entry),
	}
}

// TopOfBook returns the highest bid and the lowest ask.
func (b *OrderBook) TopOfBook(now time.Time) Quote {
	q := Quote{Symbol: b.Symbol, Ask: NoAsk, Timestamp: now}
	for p := range b.buys {
		if p > q.Bid {
			q.Bid = p
		}
	}
	for p := range b.sells {
		if p < q.Ask {
			q.Ask = p
		}
	}
	return q
}

func (b *OrderBook) IsValid() bool {
	q := b.TopOfBook(time.Time{})
	return q.IsValidBid() && q.IsValidAsk()
}

// ApplySnapshot replaces the book contents.
func (b *OrderBook) ApplySnapshot(s Snapshot) {
	b.Clear()
	for _, e := range s.Entries {
		b.ApplyEntry(e, false)
	}
	b.lastTransactionID = s.LastTransactionID
}

// ApplyEntry sets or removes one level. With checkTransactionID, entries not
// newer than the last snapshot are ignored.
func (b *OrderBook) ApplyEntry(e Entry, checkTransactionID bool) {
	if checkTransactionID && e.TransactionID <= b.lastTransactionID {
		return
	}
	side := b.buys
	if e.Side == Ask {
		side = b.sells
	}
	if e.Qty() > 0 {
		side[e.Price] = e
	} else {
		delete(side, e.Price)
	}
}

func (b *OrderBook) Clear() {
	clear(b.buys)
	clear(b.sells)
}

// Depth returns the number of levels per side.
func (b *OrderBook) Depth() (bids, asks int) {
	return len(b.buys), len(b.sells)
}
