package maker

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WinPooh32/fixed"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermaker/params"
	"github.com/uhyunpark/hypermaker/pkg/execution"
	"github.com/uhyunpark/hypermaker/pkg/marketdata"
)

// Executor is the order gateway a Maker drives.
type Executor interface {
	ActiveOrders(symbol string) []execution.Order
	PendingOrders(symbol string) []execution.Order
	IsCancelling(symbol, orderID string) bool
	IsAvailable() bool
	SubmitPlace(ctx context.Context, req execution.PlaceRequest) error
	SubmitCancel(ctx context.Context, orderID, symbol string) error
	SubscribeOrdersChanged(ch chan<- []execution.Order) event.Subscription
	SubscribeAvailability(ch chan<- bool) event.Subscription
}

// PriceSource is the reference book feed.
type PriceSource interface {
	IsAvailable() bool
	SubscribeBook(ch chan<- marketdata.BookUpdate) event.Subscription
	SubscribeAvailability(ch chan<- bool) event.Subscription
}

// Maker quotes one symbol around the reference mid price.
//
// Ticks are triggered by events and run one at a time. A trigger that
// arrives while a tick is running is dropped; the next event recomputes
// from the latest state.
type Maker struct {
	Logger  *zap.SugaredLogger
	Metrics *Metrics

	cfg      params.SymbolConfig
	executor Executor
	source   PriceSource

	mu                sync.Mutex
	lastTop           *marketdata.Quote
	executorAvailable bool
	sourceAvailable   bool

	ticking atomic.Bool

	cancel context.CancelFunc
	loopWG sync.WaitGroup
	tickWG sync.WaitGroup
}

func New(cfg params.SymbolConfig, executor Executor, source PriceSource, logger *zap.SugaredLogger, metrics *Metrics) *Maker {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Maker{
		Logger:   logger.With("symbol", cfg.Symbol),
		Metrics:  metrics,
		cfg:      cfg,
		executor: executor,
		source:   source,
	}
}

func (m *Maker) Symbol() string {
	return m.cfg.Symbol
}

// Start subscribes to executor and price source events. It does not own
// either connection.
func (m *Maker) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	books := make(chan marketdata.BookUpdate, 16)
	orders := make(chan []execution.Order, 16)
	execAvail := make(chan bool, 4)
	srcAvail := make(chan bool, 4)

	subs := []event.Subscription{
		m.source.SubscribeBook(books),
		m.source.SubscribeAvailability(srcAvail),
		m.executor.SubscribeOrdersChanged(orders),
		m.executor.SubscribeAvailability(execAvail),
	}

	m.mu.Lock()
	m.executorAvailable = m.executor.IsAvailable()
	m.sourceAvailable = m.source.IsAvailable()
	m.mu.Unlock()

	m.Logger.Infow("maker_started", "source_symbol", m.cfg.SourceSymbol)
	m.loopWG.Add(1)
	go func() {
		defer m.loopWG.Done()
		defer func() {
			for _, s := range subs {
				s.Unsubscribe()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-books:
				m.onBook(ctx, u)
			case <-orders:
				m.trigger(ctx, "orders_changed")
			case v := <-execAvail:
				m.onExecutorAvailability(ctx, v)
			case v := <-srcAvail:
				m.onSourceAvailability(ctx, v)
			}
		}
	}()
}

// Stop unsubscribes and waits for a running tick to finish.
func (m *Maker) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.loopWG.Wait()
	m.tickWG.Wait()
	m.Logger.Infow("maker_stopped")
}

func (m *Maker) onBook(ctx context.Context, u marketdata.BookUpdate) {
	if u.Symbol != m.cfg.SourceSymbol {
		return
	}
	m.mu.Lock()
	unchanged := m.lastTop != nil && m.lastTop.Bid == u.Quote.Bid && m.lastTop.Ask == u.Quote.Ask
	if !unchanged {
		q := u.Quote
		m.lastTop = &q
	}
	m.mu.Unlock()
	if unchanged {
		return
	}
	m.Logger.Debugw("top_of_book", "bid", u.Quote.Bid, "ask", u.Quote.Ask)
	m.trigger(ctx, "book")
}

func (m *Maker) onExecutorAvailability(ctx context.Context, available bool) {
	m.mu.Lock()
	m.executorAvailable = available
	m.mu.Unlock()
	m.Logger.Infow("executor_availability", "available", available)
	if available {
		m.trigger(ctx, "executor_available")
	}
}

func (m *Maker) onSourceAvailability(ctx context.Context, available bool) {
	m.mu.Lock()
	m.sourceAvailable = available
	m.mu.Unlock()
	m.Logger.Infow("source_availability", "available", available)
	if available {
		m.trigger(ctx, "source_available")
	}
}

// trigger starts a tick in the background unless one is already running.
func (m *Maker) trigger(ctx context.Context, reason string) {
	m.mu.Lock()
	ready := m.executorAvailable && m.lastTop != nil
	m.mu.Unlock()
	if !ready {
		return
	}
	if !m.ticking.CompareAndSwap(false, true) {
		m.Metrics.TicksSkipped.With("symbol", m.cfg.Symbol).Add(1)
		m.Logger.Debugw("tick_skipped", "reason", reason)
		return
	}
	m.tickWG.Add(1)
	go func() {
		defer m.tickWG.Done()
		defer m.ticking.Store(false)
		m.tick(ctx)
	}()
}

// sidePlan is the outcome of planning one side of the book.
type sidePlan struct {
	side    execution.Side
	actions []Action
	best    *fixed.Fixed
}

func (m *Maker) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Errorw("tick_panic", "panic", r)
		}
		m.Metrics.TickDuration.With("symbol", m.cfg.Symbol).Observe(time.Since(start).Seconds())
	}()

	m.mu.Lock()
	if !m.executorAvailable || m.lastTop == nil {
		m.mu.Unlock()
		return
	}
	top := *m.lastTop
	sourceAvailable := m.sourceAvailable
	m.mu.Unlock()

	mid := top.MidPrice()
	if mid <= 0 {
		m.Logger.Warnw("tick_no_reference_price", "bid", top.Bid, "ask", top.Ask)
		return
	}
	m.Logger.Debugw("tick_start", "bid", top.Bid, "ask", top.Ask, "mid", mid)

	active := m.executor.ActiveOrders(m.cfg.Symbol)
	confirmed := make(map[common.Hash]bool, len(active))
	for _, o := range active {
		confirmed[o.TxHash] = true
	}
	var pending []execution.Order
	for _, o := range m.executor.PendingOrders(m.cfg.Symbol) {
		if !confirmed[o.TxHash] {
			pending = append(pending, o)
		}
	}

	plans := []sidePlan{
		m.planSide(execution.SideBid, m.cfg.Bids, mid, active, pending, sourceAvailable),
		m.planSide(execution.SideAsk, m.cfg.Asks, mid, active, pending, sourceAvailable),
	}
	best := make(map[execution.Side]*fixed.Fixed, 2)
	for _, p := range plans {
		best[p.side] = p.best
	}

	for _, p := range plans {
		m.dispatch(ctx, p, best)
	}
	m.Metrics.Ticks.With("symbol", m.cfg.Symbol).Add(1)
}

// planSide computes the cancel and place actions for one side.
func (m *Maker) planSide(side execution.Side, sc params.SideConfig, mid float64,
	active, pending []execution.Order, sourceAvailable bool) sidePlan {
	plan := sidePlan{side: side}

	var sideActive, sidePending []execution.Order
	for _, o := range active {
		if o.Side == side {
			sideActive = append(sideActive, o)
		}
	}
	for _, o := range pending {
		if o.Side == side {
			sidePending = append(sidePending, o)
		}
	}
	sort.SliceStable(sideActive, func(i, j int) bool { return sideActive[i].Price.LessThan(sideActive[j].Price) })

	maxDistancePercent := sc.SpreadInPercents + sc.LimitDistanceInPercents/2 +
		float64(sc.LimitCount-1)*sc.LimitDistanceInPercents
	maxDistance := mid * maxDistancePercent / 100

	cancelled := make(map[string]bool)
	for _, o := range sideActive {
		dist := distancePercent(side, o.Price.Float(), mid)
		tooClose := dist <= m.cfg.ModifySpreadInPercents
		tooFar := dist >= maxDistancePercent
		if !tooClose && !tooFar && sc.Enabled && sourceAvailable {
			continue
		}
		reason := ReasonSourceUnavailable
		switch {
		case tooClose:
			reason = ReasonTooClose
		case tooFar:
			reason = ReasonTooFar
		case !sc.Enabled:
			reason = ReasonSideDisabled
		}
		m.Logger.Infow("cancel_planned", "side", side, "order_id", o.OrderID, "price", o.Price.String(),
			"distance_pct", dist, "reason", reason.String())
		cancelled[o.OrderID] = true
		plan.actions = append(plan.actions, CancelAction{OrderID: o.OrderID, Symbol: m.cfg.Symbol, Price: o.Price, Reason: reason})
	}

	if !sc.Enabled || !sourceAvailable {
		return plan
	}

	var retained []execution.Order
	for _, o := range sideActive {
		if !cancelled[o.OrderID] {
			retained = append(retained, o)
		}
	}
	retained = append(retained, sidePending...)
	sort.SliceStable(retained, func(i, j int) bool {
		if side == execution.SideBid {
			return retained[i].Price.GreaterThan(retained[j].Price)
		}
		return retained[i].Price.LessThan(retained[j].Price)
	})

	sign := 1.0
	if side == execution.SideBid {
		sign = -1.0
	}
	target := mid + sign*mid*sc.SpreadInPercents/100
	targetPrice := roundPrice(target, m.cfg.PricePrecision)
	place := func(price fixed.Fixed) {
		plan.actions = append(plan.actions, PlaceAction{Symbol: m.cfg.Symbol, Side: side, Qty: sc.Qty, Price: price})
	}

	if len(retained) > 0 {
		bestOrder := retained[0]
		bp := bestOrder.Price
		plan.best = &bp
		dist := distancePercent(side, bestOrder.Price.Float(), mid)
		if dist >= 2*sc.SpreadInPercents-m.cfg.ModifySpreadInPercents {
			m.Logger.Infow("best_moved", "side", side, "order_id", bestOrder.OrderID,
				"price", bestOrder.Price.String(), "target", targetPrice.String())
			place(targetPrice)
		} else {
			target = bestOrder.Price.Float()
		}
	} else {
		place(targetPrice)
	}

	minStep := math.Pow(10, -float64(m.cfg.PricePrecision))
	increment := math.Max(roundPrice(mid*sc.LimitDistanceInPercents/100, m.cfg.PricePrecision).Float(), minStep)
	halfLimit := mid * sc.LimitDistanceInPercents / 100 / 2
	limit := mid + sign*maxDistance

	for price := target + sign*increment; sign*(limit-price) > 0; price += sign * increment {
		if hasOrderNear(retained, price, halfLimit) {
			continue
		}
		place(roundPrice(price, m.cfg.PricePrecision))
	}
	return plan
}

// dispatch sends the planned actions. Placements that would cross the
// opposite side's best price are skipped.
func (m *Maker) dispatch(ctx context.Context, p sidePlan, best map[execution.Side]*fixed.Fixed) {
	for _, a := range p.actions {
		switch a := a.(type) {
		case CancelAction:
			if m.executor.IsCancelling(a.Symbol, a.OrderID) {
				continue
			}
			m.Metrics.Actions.With("symbol", a.Symbol, "kind", "cancel").Add(1)
			if err := m.executor.SubmitCancel(ctx, a.OrderID, a.Symbol); err != nil {
				m.Logger.Debugw("cancel_not_sent", "order_id", a.OrderID, "err", err)
			}
		case PlaceAction:
			if opp := best[a.Side.Opposite()]; opp != nil && crosses(a.Side, a.Price, *opp) {
				m.Metrics.CrossTradesPrevented.With("symbol", a.Symbol).Add(1)
				m.Logger.Infow("cross_trade_prevented", "side", a.Side, "price", a.Price.String(), "opposite_best", opp.String())
				continue
			}
			m.Metrics.Actions.With("symbol", a.Symbol, "kind", "place").Add(1)
			err := m.executor.SubmitPlace(ctx, execution.PlaceRequest{
				Symbol: a.Symbol,
				Price:  a.Price,
				Qty:    a.Qty,
				Side:   a.Side,
			})
			if err != nil {
				m.Logger.Debugw("place_not_sent", "side", a.Side, "price", a.Price.String(), "err", err)
			}
		}
	}
}

// distancePercent is how far price sits from mid on the passive side, in
// percent of mid. Negative means the price is through the mid.
func distancePercent(side execution.Side, price, mid float64) float64 {
	if side == execution.SideBid {
		return (mid - price) / mid * 100
	}
	return (price - mid) / mid * 100
}

func crosses(side execution.Side, price, oppositeBest fixed.Fixed) bool {
	if side == execution.SideBid {
		return !price.LessThan(oppositeBest)
	}
	return !price.GreaterThan(oppositeBest)
}

func hasOrderNear(orders []execution.Order, price, tolerance float64) bool {
	for _, o := range orders {
		if math.Abs(o.Price.Float()-price) <= tolerance {
			return true
		}
	}
	return false
}

// truncate rounds v to precision decimal places through its decimal string
// form, so the result carries no binary float residue.
func roundPrice(v float64, precision int) fixed.Fixed {
	return fixed.NewS(strconv.FormatFloat(v, 'f', precision, 64))
}
