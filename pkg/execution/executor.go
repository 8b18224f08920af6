package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/WinPooh32/fixed"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermaker/params"
	"github.com/uhyunpark/hypermaker/pkg/util"
	"github.com/uhyunpark/hypermaker/pkg/wallet"
)

var ErrUnknownSymbol = errors.New("symbol not traded by executor")

type Config struct {
	Symbols       []params.SymbolConfig
	Maker         common.Address
	TrackInterval time.Duration
	TrackTimeout  time.Duration
}

// PlaceRequest describes one order placement.
type PlaceRequest struct {
	Symbol        string
	Price         fixed.Fixed
	Qty           *big.Int
	Side          Side
	MarketOnly    bool // immediate-or-cancel instead of a resting limit
	FireAndForget bool // skip confirmation tracking
}

type symbolBook struct {
	cfg        params.SymbolConfig
	active     map[string]Order
	pending    map[common.Hash]Order
	cancelling *cancelIndex
}

// Executor is the order gateway for one maker address. It sends place and
// claim transactions, follows them until they land, and keeps the per-symbol
// active and pending order sets in step with the exchange stream.
//
// Stream updates are applied one at a time under reconcileMu. Order maps are
// guarded by mu, which is never held while publishing to subscribers.
type Executor struct {
	Logger  *zap.SugaredLogger
	Metrics *Metrics

	cfg      Config
	exchange ExchangeClient
	chain    ChainClient
	nonces   *wallet.NonceSequencer
	tracker  *wallet.Tracker
	clock    util.Clock

	trackCtx    context.Context
	trackCancel context.CancelFunc

	reconcileMu sync.Mutex

	mu        sync.RWMutex
	books     map[string]*symbolBook // symbol -> state
	markets   map[string]string      // lower-case contract -> symbol
	snapshots map[string]bool        // lower-case contract -> snapshot received
	available bool

	ordersFeed event.FeedOf[[]Order]
	availFeed  event.FeedOf[bool]
}

func NewExecutor(cfg Config, exchange ExchangeClient, chain ChainClient, nonces *wallet.NonceSequencer,
	tracker *wallet.Tracker, clock util.Clock, logger *zap.SugaredLogger, metrics *Metrics) *Executor {
	if clock == nil {
		clock = util.RealClock{}
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		Logger:      logger,
		Metrics:     metrics,
		cfg:         cfg,
		exchange:    exchange,
		chain:       chain,
		nonces:      nonces,
		tracker:     tracker,
		clock:       clock,
		trackCtx:    ctx,
		trackCancel: cancel,
		books:       make(map[string]*symbolBook, len(cfg.Symbols)),
		markets:     make(map[string]string, len(cfg.Symbols)),
		snapshots:   make(map[string]bool, len(cfg.Symbols)),
	}
	for _, s := range cfg.Symbols {
		e.books[s.Symbol] = &symbolBook{
			cfg:        s,
			active:     make(map[string]Order),
			pending:    make(map[common.Hash]Order),
			cancelling: newCancelIndex(),
		}
		market := strings.ToLower(s.ContractAddress.Hex())
		e.markets[market] = s.Symbol
		e.snapshots[market] = false
	}
	metrics.Available.Set(0)
	return e
}

// Run subscribes to the maker's user-order stream and reconciles every
// update until ctx is done or the subscription fails.
func (e *Executor) Run(ctx context.Context) error {
	updates := make(chan UserOrdersUpdate, 64)
	sub, err := e.exchange.SubscribeUserOrders(ctx, e.cfg.Maker, AllMarkets, updates)
	if err != nil {
		return fmt.Errorf("subscribe user orders: %w", err)
	}
	defer sub.Unsubscribe()

	e.Logger.Infow("executor_started", "maker", e.cfg.Maker.Hex(), "symbols", len(e.books))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err != nil {
				return fmt.Errorf("user orders stream: %w", err)
			}
			return nil
		case u := <-updates:
			e.HandleUserOrders(ctx, u)
		}
	}
}

// Close stops outstanding confirmation trackers and waits for them.
func (e *Executor) Close() {
	e.trackCancel()
	e.tracker.Wait()
}

func (e *Executor) SubscribeOrdersChanged(ch chan<- []Order) event.Subscription {
	return e.ordersFeed.Subscribe(ch)
}

func (e *Executor) SubscribeAvailability(ch chan<- bool) event.Subscription {
	return e.availFeed.Subscribe(ch)
}

func (e *Executor) IsAvailable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.available
}

// Symbols returns the traded symbols in sorted order.
func (e *Executor) Symbols() []string {
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (e *Executor) ActiveOrders(symbol string) []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[symbol]
	if !ok {
		return nil
	}
	out := make([]Order, 0, len(b.active))
	for _, o := range b.active {
		out = append(out, o)
	}
	return out
}

func (e *Executor) PendingOrders(symbol string) []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[symbol]
	if !ok {
		return nil
	}
	out := make([]Order, 0, len(b.pending))
	for _, o := range b.pending {
		out = append(out, o)
	}
	return out
}

func (e *Executor) IsCancelling(symbol, orderID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[symbol]
	return ok && b.cancelling.Has(orderID)
}

// SubmitPlace sends a place order transaction and records it as pending.
// A failed send leaves no trace besides the log and metrics.
func (e *Executor) SubmitPlace(ctx context.Context, req PlaceRequest) error {
	b, ok := e.book(req.Symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
	}

	nonce, err := e.nonces.NextNonce(ctx, e.chain, e.cfg.Maker)
	if err != nil {
		e.Metrics.SubmitFailures.With("symbol", req.Symbol, "kind", "nonce").Add(1)
		e.Logger.Errorw("nonce_failed", "symbol", req.Symbol, "err", err)
		return err
	}

	kind := OrderLimit
	if req.MarketOnly {
		kind = OrderIOC
	}
	hash, err := e.exchange.PlaceOrder(ctx, PlaceOrderParams{
		Market: b.cfg.ContractAddress,
		Kind:   kind,
		Side:   req.Side,
		Size:   req.Qty,
		Price:  req.Price,
		Gas:    wallet.PlaceGas,
		Nonce:  nonce,
	})
	if err != nil {
		e.Metrics.SubmitFailures.With("symbol", req.Symbol, "kind", "place").Add(1)
		e.Logger.Errorw("tx_send_failed", "symbol", req.Symbol, "op", "place", "side", req.Side,
			"price", req.Price.String(), "nonce", nonce, "err", err)
		return err
	}
	e.Metrics.OrdersSubmitted.With("symbol", req.Symbol, "side", string(req.Side)).Add(1)
	e.Logger.Infow("tx_sent", "symbol", req.Symbol, "op", "place", "side", req.Side,
		"price", req.Price.String(), "qty", req.Qty.String(), "nonce", nonce, "tx", hash.Hex())

	pending := NewPendingOrder(req.Symbol, hash, req.Side, req.Price, req.Qty, e.clock.Now())
	e.mu.Lock()
	b.pending[hash] = pending
	// The stream may have reported the order before the send call returned.
	for _, o := range b.active {
		if o.TxHash == hash {
			delete(b.pending, hash)
			break
		}
	}
	e.mu.Unlock()
	e.updateGauges(req.Symbol)

	if !req.FireAndForget {
		e.track(req.Symbol, hash)
	}
	return nil
}

// SubmitCancel sends a claim transaction that cancels orderID. It is a no-op
// while a cancel for the same order is already in flight.
func (e *Executor) SubmitCancel(ctx context.Context, orderID, symbol string) error {
	b, ok := e.book(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	e.mu.Lock()
	marked := b.cancelling.Mark(orderID)
	e.mu.Unlock()
	if !marked {
		return nil
	}
	unmark := func() {
		e.mu.Lock()
		b.cancelling.Unmark(orderID)
		e.mu.Unlock()
	}

	nonce, err := e.nonces.NextNonce(ctx, e.chain, e.cfg.Maker)
	if err != nil {
		unmark()
		e.Metrics.SubmitFailures.With("symbol", symbol, "kind", "nonce").Add(1)
		e.Logger.Errorw("nonce_failed", "symbol", symbol, "err", err)
		return err
	}

	hash, err := e.exchange.ClaimOrder(ctx, ClaimOrderParams{
		Market:  b.cfg.ContractAddress,
		OrderID: orderID,
		Gas:     wallet.PlaceGas,
		Nonce:   nonce,
	})
	if err != nil {
		unmark()
		e.Metrics.SubmitFailures.With("symbol", symbol, "kind", "cancel").Add(1)
		e.Logger.Errorw("tx_send_failed", "symbol", symbol, "op", "cancel", "order_id", orderID, "nonce", nonce, "err", err)
		return err
	}
	e.Metrics.CancelsSubmitted.With("symbol", symbol).Add(1)
	e.Logger.Infow("tx_sent", "symbol", symbol, "op", "cancel", "order_id", orderID, "nonce", nonce, "tx", hash.Hex())

	e.mu.Lock()
	bound := b.cancelling.Bind(hash, orderID)
	e.mu.Unlock()
	if !bound {
		e.Logger.Debugw("cancel_settled_before_bind", "symbol", symbol, "order_id", orderID, "tx", hash.Hex())
	}

	e.track(symbol, hash)
	return nil
}

func (e *Executor) book(symbol string) (*symbolBook, bool) {
	b, ok := e.books[symbol]
	return b, ok
}

func (e *Executor) track(symbol string, hash common.Hash) {
	e.tracker.Track(e.trackCtx, e.chain, wallet.TrackRequest{
		Symbol:   symbol,
		TxHash:   hash,
		Interval: e.cfg.TrackInterval,
		Timeout:  e.cfg.TrackTimeout,
	}, e.handleTrackEvent)
}

// handleTrackEvent cleans up after transactions that did not take effect.
// Successful receipts need nothing: the stream reports the new order state.
func (e *Executor) handleTrackEvent(ev wallet.TrackEvent) {
	outcome := "success"
	switch {
	case ev.Kind == wallet.TrackErrored:
		outcome = "error"
	case ev.Kind == wallet.TrackCancelled:
		outcome = "timeout"
	case ev.Failed():
		outcome = "reverted"
	}
	e.Metrics.TxOutcomes.With("symbol", ev.Symbol, "outcome", outcome).Add(1)
	if outcome == "success" {
		return
	}

	b, ok := e.book(ev.Symbol)
	if !ok {
		return
	}
	e.mu.Lock()
	removed, wasPending := b.pending[ev.TxHash]
	delete(b.pending, ev.TxHash)
	orderID, wasCancel := b.cancelling.RemoveByTx(ev.TxHash)
	e.mu.Unlock()

	e.Logger.Warnw("tx_failed", "symbol", ev.Symbol, "tx", ev.TxHash.Hex(), "outcome", outcome,
		"pending_removed", wasPending, "cancel_order_id", orderID, "err", ev.Err)
	if wasCancel {
		e.Logger.Debugw("cancel_released", "symbol", ev.Symbol, "order_id", orderID)
	}
	if wasPending {
		e.updateGauges(ev.Symbol)
		e.ordersFeed.Send([]Order{removed})
	}
}

// HandleUserOrders applies one stream delivery. Deliveries are serialized
// and a failure in one never propagates to the stream.
func (e *Executor) HandleUserOrders(ctx context.Context, u UserOrdersUpdate) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Errorw("reconcile_panic", "market", u.Market, "snapshot", u.IsSnapshot, "panic", r)
		}
	}()

	for _, market := range e.affectedMarkets(u) {
		e.reconcileMarket(ctx, market, u)
	}
}

func (e *Executor) affectedMarkets(u UserOrdersUpdate) []string {
	if u.Market != AllMarkets {
		return []string{strings.ToLower(u.Market)}
	}
	var out []string
	if u.IsSnapshot {
		for m := range e.markets {
			out = append(out, m)
		}
		sort.Strings(out)
		return out
	}
	seen := make(map[string]bool)
	for _, o := range u.Orders {
		m := strings.ToLower(o.Market)
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func (e *Executor) reconcileMarket(ctx context.Context, market string, u UserOrdersUpdate) {
	symbol, ok := e.markets[market]
	if !ok {
		e.Logger.Warnw("unknown_market", "market", market)
		return
	}

	var incoming []ExchangeOrder
	for _, o := range u.Orders {
		if strings.EqualFold(o.Market, market) {
			incoming = append(incoming, o)
		}
	}
	changed, removedPending := e.saveOrders(symbol, incoming)

	snapshotDone := false
	if u.IsSnapshot {
		open, err := e.exchange.GetOrders(ctx, OrdersQuery{
			Market: market,
			User:   e.cfg.Maker,
			Status: "open",
			Limit:  math.MaxInt32,
		})
		if err != nil {
			e.Logger.Errorw("snapshot_backfill_failed", "symbol", symbol, "market", market, "err", err)
		} else {
			more, morePending := e.saveOrders(symbol, open)
			changed = append(changed, more...)
			removedPending = append(removedPending, morePending...)
			snapshotDone = true
		}
	}

	e.updateGauges(symbol)
	for _, p := range removedPending {
		e.ordersFeed.Send([]Order{p})
	}

	if snapshotDone {
		e.markSnapshot(market)
	}
	e.Logger.Debugw("orders_reconciled", "symbol", symbol, "snapshot", u.IsSnapshot, "orders", len(changed))
	e.ordersFeed.Send(changed)
}

// saveOrders upserts active orders, drops settled ones, and clears pending
// entries whose transaction the exchange has now reported.
func (e *Executor) saveOrders(symbol string, raw []ExchangeOrder) (changed, removedPending []Order) {
	b := e.books[symbol]
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ro := range raw {
		o, err := FromExchangeOrder(ro, symbol)
		if err != nil {
			e.Logger.Errorw("order_skipped", "symbol", symbol, "order_id", ro.OrderID, "err", err)
			continue
		}
		if o.IsActive() {
			b.active[o.OrderID] = o
		} else {
			delete(b.active, o.OrderID)
			// A settled order needs no further cancel bookkeeping.
			b.cancelling.Unmark(o.OrderID)
		}
		if p, ok := b.pending[o.TxHash]; ok {
			delete(b.pending, o.TxHash)
			removedPending = append(removedPending, p)
			e.Logger.Debugw("pending_removed", "symbol", symbol, "side", p.Side, "tx", o.TxHash.Hex())
		}
		changed = append(changed, o)
	}
	return changed, removedPending
}

func (e *Executor) markSnapshot(market string) {
	e.mu.Lock()
	e.snapshots[market] = true
	all := true
	for _, got := range e.snapshots {
		all = all && got
	}
	flipped := all != e.available
	e.available = all
	e.mu.Unlock()

	if !flipped {
		return
	}
	if all {
		e.Metrics.Available.Set(1)
	} else {
		e.Metrics.Available.Set(0)
	}
	e.Logger.Infow("executor_availability", "available", all)
	e.availFeed.Send(all)
}

func (e *Executor) updateGauges(symbol string) {
	e.mu.RLock()
	b := e.books[symbol]
	active, pending := len(b.active), len(b.pending)
	e.mu.RUnlock()
	e.Metrics.ActiveOrders.With("symbol", symbol).Set(float64(active))
	e.Metrics.PendingOrders.With("symbol", symbol).Set(float64(pending))
}
