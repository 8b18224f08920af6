package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQuoteMidPrice(t *testing.T) {
	tests := []struct {
		name string
		q    Quote
		want float64
	}{
		{name: "both sides", q: Quote{Bid: 100, Ask: 102}, want: 101},
		{name: "bid only", q: Quote{Bid: 100, Ask: NoAsk}, want: 100},
		{name: "ask only", q: Quote{Bid: 0, Ask: 101}, want: 101},
		{name: "empty", q: Quote{Ask: NoAsk}, want: 0},
		{name: "zero ask", q: Quote{}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.MidPrice(); got != tt.want {
				t.Errorf("MidPrice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func level(side Side, price, qty float64) Entry {
	return Entry{Side: side, Price: price, QtyProfile: []float64{qty}}
}

func TestOrderBook_TopOfBook(t *testing.T) {
	b := NewOrderBook("BTC/USDT")
	if b.IsValid() {
		t.Fatal("empty book must be invalid")
	}

	q := b.TopOfBook(time.Time{})
	if q.Bid != 0 || q.Ask != NoAsk {
		t.Errorf("empty top = %+v", q)
	}

	b.ApplyEntry(level(Bid, 100, 1), false)
	b.ApplyEntry(level(Bid, 101, 1), false)
	b.ApplyEntry(level(Bid, 99, 1), false)
	b.ApplyEntry(level(Ask, 103, 1), false)
	b.ApplyEntry(level(Ask, 102, 1), false)

	q = b.TopOfBook(time.Time{})
	if q.Bid != 101 || q.Ask != 102 {
		t.Errorf("top = %v/%v, want 101/102", q.Bid, q.Ask)
	}
	if !b.IsValid() {
		t.Error("two-sided book should be valid")
	}

	// Zero quantity removes the level
	b.ApplyEntry(level(Bid, 101, 0), false)
	if q = b.TopOfBook(time.Time{}); q.Bid != 100 {
		t.Errorf("bid after removal = %v, want 100", q.Bid)
	}

	b.Clear()
	if bids, asks := b.Depth(); bids != 0 || asks != 0 {
		t.Errorf("depth after Clear = %d/%d", bids, asks)
	}
}

func TestOrderBook_SnapshotGatesOlderEntries(t *testing.T) {
	b := NewOrderBook("ETH/USDT")
	b.ApplySnapshot(Snapshot{
		LastTransactionID: 10,
		Entries:           []Entry{level(Bid, 2500, 3), level(Ask, 2501, 2)},
	})

	stale := level(Bid, 2600, 1)
	stale.TransactionID = 10
	b.ApplyEntry(stale, true)
	if q := b.TopOfBook(time.Time{}); q.Bid != 2500 {
		t.Errorf("stale entry applied: bid = %v", q.Bid)
	}

	fresh := level(Bid, 2600, 1)
	fresh.TransactionID = 11
	b.ApplyEntry(fresh, true)
	if q := b.TopOfBook(time.Time{}); q.Bid != 2600 {
		t.Errorf("fresh entry ignored: bid = %v", q.Bid)
	}
}

func TestStreamSymbol(t *testing.T) {
	if got := StreamSymbol("BTC/USDT"); got != "btcusdt" {
		t.Errorf("StreamSymbol() = %q", got)
	}
}

// fakeDepth captures handlers so tests can push depth events and close streams.
type fakeDepth struct {
	mu       sync.Mutex
	handlers map[string]binance.WsPartialDepthHandler
	done     map[string]chan struct{}
	dials    map[string]int
	failNext bool
}

func newFakeDepth() *fakeDepth {
	return &fakeDepth{
		handlers: make(map[string]binance.WsPartialDepthHandler),
		done:     make(map[string]chan struct{}),
		dials:    make(map[string]int),
	}
}

func (f *fakeDepth) serve(symbol, _ string, h binance.WsPartialDepthHandler, _ binance.ErrHandler) (chan struct{}, chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials[symbol]++
	if f.failNext {
		f.failNext = false
		return nil, nil, errors.New("dial failed")
	}
	doneC, stopC := make(chan struct{}), make(chan struct{})
	f.handlers[symbol] = h
	f.done[symbol] = doneC
	go func() {
		<-stopC
		f.mu.Lock()
		defer f.mu.Unlock()
		select {
		case <-doneC:
		default:
			close(doneC)
		}
	}()
	return doneC, stopC, nil
}

func (f *fakeDepth) handler(symbol string) binance.WsPartialDepthHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[symbol]
}

func (f *fakeDepth) drop(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.done[symbol])
}

func (f *fakeDepth) dialCount(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[symbol]
}

func TestBinanceProvider_PublishesTopOfBook(t *testing.T) {
	depth := newFakeDepth()
	p := NewBinanceProvider(zap.NewNop().Sugar(), []string{"BTC/USDT"}, 5)
	p.Serve = depth.serve
	p.Backoff = 5 * time.Millisecond

	books := make(chan BookUpdate, 4)
	bookSub := p.SubscribeBook(books)
	defer bookSub.Unsubscribe()
	avail := make(chan bool, 4)
	availSub := p.SubscribeAvailability(avail)
	defer availSub.Unsubscribe()

	p.Start(context.Background())
	defer p.Stop()

	require.True(t, <-avail)
	require.Eventually(t, func() bool { return depth.handler("btcusdt") != nil }, time.Second, time.Millisecond)

	depth.handler("btcusdt")(&binance.WsPartialDepthEvent{
		LastUpdateID: 1,
		Bids: []binance.Bid{
			{Price: "102903.13", Quantity: "0.5"},
			{Price: "102900.00", Quantity: "1.25"},
		},
		Asks: []binance.Ask{
			{Price: "102905.47", Quantity: "0.00000001"},
			{Price: "102910.00", Quantity: "2"},
		},
	})

	u := <-books
	require.Equal(t, "BTC/USDT", u.Symbol)
	require.Equal(t, 102903.13, u.Quote.Bid)
	require.Equal(t, 102905.47, u.Quote.Ask)

	q, ok := p.TopOfBook("BTC/USDT")
	require.True(t, ok)
	require.Equal(t, u.Quote.Bid, q.Bid)
}

func TestBinanceProvider_ReconnectsAfterDrop(t *testing.T) {
	depth := newFakeDepth()
	depth.failNext = true
	p := NewBinanceProvider(zap.NewNop().Sugar(), []string{"ETH/USDT"}, 5)
	p.Serve = depth.serve
	p.Backoff = 5 * time.Millisecond

	avail := make(chan bool, 8)
	sub := p.SubscribeAvailability(avail)
	defer sub.Unsubscribe()

	p.Start(context.Background())
	defer p.Stop()

	// First dial fails, the retry connects
	require.True(t, <-avail)
	require.Equal(t, 2, depth.dialCount("ethusdt"))

	depth.drop("ethusdt")
	require.False(t, <-avail)
	require.True(t, <-avail)
	require.Equal(t, 3, depth.dialCount("ethusdt"))
	require.True(t, p.IsAvailable())
}
