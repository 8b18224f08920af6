package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WinPooh32/fixed"
	"github.com/adshao/go-binance/v2"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"
)

// BookUpdate carries the new top of book after a depth message.
type BookUpdate struct {
	Symbol string
	Quote  Quote
}

// DepthServeFunc dials one partial depth stream. binance.WsPartialDepthServe
// satisfies it.
type DepthServeFunc func(symbol, levels string, handler binance.WsPartialDepthHandler,
	errHandler binance.ErrHandler) (doneC, stopC chan struct{}, err error)

// BinanceProvider keeps one partial depth book per reference symbol and
// publishes its top of book after every message.
type BinanceProvider struct {
	Logger  *zap.SugaredLogger
	Levels  string
	Backoff time.Duration
	Serve   DepthServeFunc

	mu        sync.RWMutex
	books     map[string]*OrderBook // reference symbol -> book
	connected map[string]bool
	available bool

	bookFeed  event.FeedOf[BookUpdate]
	availFeed event.FeedOf[bool]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBinanceProvider creates a provider for symbols such as "BTC/USDT".
func NewBinanceProvider(logger *zap.SugaredLogger, symbols []string, levels int) *BinanceProvider {
	p := &BinanceProvider{
		Logger:    logger,
		Levels:    strconv.Itoa(levels),
		Backoff:   5 * time.Second,
		Serve:     binance.WsPartialDepthServe,
		books:     make(map[string]*OrderBook, len(symbols)),
		connected: make(map[string]bool, len(symbols)),
	}
	for _, s := range symbols {
		p.books[s] = NewOrderBook(s)
	}
	return p
}

// StreamSymbol maps "BTC/USDT" to "btcusdt".
func StreamSymbol(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
}

func (p *BinanceProvider) SubscribeBook(ch chan<- BookUpdate) event.Subscription {
	return p.bookFeed.Subscribe(ch)
}

func (p *BinanceProvider) SubscribeAvailability(ch chan<- bool) event.Subscription {
	return p.availFeed.Subscribe(ch)
}

func (p *BinanceProvider) IsAvailable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// TopOfBook returns the current quote of symbol and whether the book is valid.
func (p *BinanceProvider) TopOfBook(symbol string) (Quote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.books[symbol]
	if !ok {
		return Quote{}, false
	}
	return b.TopOfBook(time.Now()), b.IsValid()
}

// Start dials every stream and keeps re-dialling until Stop.
func (p *BinanceProvider) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for symbol := range p.books {
		p.wg.Add(1)
		go p.runStream(ctx, symbol)
	}
}

func (p *BinanceProvider) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.setConnected("", false)
}

func (p *BinanceProvider) runStream(ctx context.Context, symbol string) {
	defer p.wg.Done()
	stream := StreamSymbol(symbol)

	for {
		doneC, stopC, err := p.Serve(stream, p.Levels,
			func(ev *binance.WsPartialDepthEvent) { p.handleDepth(symbol, ev) },
			func(err error) { p.Logger.Warnw("depth_stream_error", "symbol", symbol, "err", err) },
		)
		if err != nil {
			p.Logger.Errorw("depth_stream_dial_failed", "symbol", symbol, "err", err)
		} else {
			p.Logger.Infow("depth_stream_connected", "symbol", symbol, "stream", stream, "levels", p.Levels)
			p.setConnected(symbol, true)
			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
				return
			case <-doneC:
				p.Logger.Warnw("depth_stream_closed", "symbol", symbol)
				p.setConnected(symbol, false)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Backoff):
		}
	}
}

// setConnected records one stream's state; an empty symbol resets all.
func (p *BinanceProvider) setConnected(symbol string, up bool) {
	p.mu.Lock()
	if symbol == "" {
		clear(p.connected)
	} else {
		p.connected[symbol] = up
	}
	all := len(p.connected) == len(p.books)
	for _, c := range p.connected {
		all = all && c
	}
	flipped := all != p.available
	p.available = all
	p.mu.Unlock()

	if flipped {
		p.Logger.Infow("price_source_availability", "available", all)
		p.availFeed.Send(all)
	}
}

func (p *BinanceProvider) handleDepth(symbol string, ev *binance.WsPartialDepthEvent) {
	entries := make([]Entry, 0, len(ev.Bids)+len(ev.Asks))
	for _, b := range ev.Bids {
		e, err := depthEntry(Bid, b.Price, b.Quantity, ev.LastUpdateID)
		if err != nil {
			p.Logger.Warnw("depth_level_skipped", "symbol", symbol, "err", err)
			continue
		}
		entries = append(entries, e)
	}
	for _, a := range ev.Asks {
		e, err := depthEntry(Ask, a.Price, a.Quantity, ev.LastUpdateID)
		if err != nil {
			p.Logger.Warnw("depth_level_skipped", "symbol", symbol, "err", err)
			continue
		}
		entries = append(entries, e)
	}

	p.mu.Lock()
	book := p.books[symbol]
	// Partial depth messages are full snapshots of the top levels.
	book.Clear()
	for _, e := range entries {
		book.ApplyEntry(e, false)
	}
	quote := book.TopOfBook(time.Now())
	p.mu.Unlock()

	p.bookFeed.Send(BookUpdate{Symbol: symbol, Quote: quote})
}

func depthEntry(side Side, price, qty string, updateID int64) (Entry, error) {
	px, err := fixed.NewSErr(price)
	if err != nil {
		return Entry{}, fmt.Errorf("price %q: %w", price, err)
	}
	// Quantities may carry more decimals than fixed holds; only the sign matters.
	q, err := strconv.ParseFloat(qty, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("qty %q: %w", qty, err)
	}
	return Entry{TransactionID: updateID, Side: side, Price: px.Float(), QtyProfile: []float64{q}}, nil
}

func init() {
	binance.WebsocketKeepalive = true
}
