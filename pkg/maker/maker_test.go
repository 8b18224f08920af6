package maker

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/WinPooh32/fixed"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermaker/params"
	"github.com/uhyunpark/hypermaker/pkg/execution"
	"github.com/uhyunpark/hypermaker/pkg/marketdata"
)

const testSymbol = "BTC/USDC"

var testTop = marketdata.Quote{Symbol: "BTC/USDT", Bid: 102903.13, Ask: 102906.05}

func testConfig() params.SymbolConfig {
	side := params.SideConfig{
		Enabled:                 true,
		SpreadInPercents:        0.1,
		LimitCount:              3,
		LimitDistanceInPercents: 0.2,
		Qty:                     big.NewInt(200000),
	}
	return params.SymbolConfig{
		Symbol:                 testSymbol,
		SourceSymbol:           "BTC/USDT",
		ContractAddress:        common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		PricePrecision:         4,
		ModifySpreadInPercents: 0,
		Bids:                   side,
		Asks:                   side,
	}
}

type placed struct {
	side  execution.Side
	price string
}

type fakeExecutor struct {
	mu         sync.Mutex
	active     []execution.Order
	pending    []execution.Order
	cancelling map[string]bool
	available  bool

	places  []placed
	cancels []string
	block   chan struct{}

	ordersFeed event.FeedOf[[]execution.Order]
	availFeed  event.FeedOf[bool]
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{cancelling: make(map[string]bool), available: true}
}

func (f *fakeExecutor) ActiveOrders(string) []execution.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.Order(nil), f.active...)
}

func (f *fakeExecutor) PendingOrders(string) []execution.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.Order(nil), f.pending...)
}

func (f *fakeExecutor) IsCancelling(_, orderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelling[orderID]
}

func (f *fakeExecutor) IsAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeExecutor) SubmitPlace(_ context.Context, req execution.PlaceRequest) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.places = append(f.places, placed{side: req.Side, price: req.Price.String()})
	return nil
}

func (f *fakeExecutor) SubmitCancel(_ context.Context, orderID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeExecutor) SubscribeOrdersChanged(ch chan<- []execution.Order) event.Subscription {
	return f.ordersFeed.Subscribe(ch)
}

func (f *fakeExecutor) SubscribeAvailability(ch chan<- bool) event.Subscription {
	return f.availFeed.Subscribe(ch)
}

func (f *fakeExecutor) placements() []placed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placed(nil), f.places...)
}

func (f *fakeExecutor) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type fakeSource struct {
	available bool
	bookFeed  event.FeedOf[marketdata.BookUpdate]
	availFeed event.FeedOf[bool]
}

func (s *fakeSource) IsAvailable() bool { return s.available }

func (s *fakeSource) SubscribeBook(ch chan<- marketdata.BookUpdate) event.Subscription {
	return s.bookFeed.Subscribe(ch)
}

func (s *fakeSource) SubscribeAvailability(ch chan<- bool) event.Subscription {
	return s.availFeed.Subscribe(ch)
}

func order(id string, side execution.Side, price string) execution.Order {
	return execution.Order{
		OrderID: id,
		TxHash:  common.HexToHash(id),
		Side:    side,
		Price:   fixed.NewS(price),
		Symbol:  testSymbol,
		Status:  execution.StatusPlaced,
	}
}

// readyMaker returns a maker with a known top of book, ready to tick.
func readyMaker(cfg params.SymbolConfig, exec *fakeExecutor) *Maker {
	m := New(cfg, exec, &fakeSource{available: true}, zap.NewNop().Sugar(), nil)
	top := testTop
	m.lastTop = &top
	m.executorAvailable = true
	m.sourceAvailable = true
	return m
}

func requirePlaced(t *testing.T, want []placed, got []placed) {
	t.Helper()
	require.Len(t, got, len(want), "placements: %v", got)
	for i := range want {
		require.Equal(t, want[i].side, got[i].side, "placement %d", i)
		require.True(t, fixed.NewS(want[i].price).Equal(fixed.NewS(got[i].price)),
			"placement %d: want %s got %s", i, want[i].price, got[i].price)
	}
}

var (
	fullBids = []placed{
		{execution.SideBid, "102801.6854"},
		{execution.SideBid, "102595.8762"},
		{execution.SideBid, "102390.067"},
	}
	fullAsks = []placed{
		{execution.SideAsk, "103007.4946"},
		{execution.SideAsk, "103213.3038"},
		{execution.SideAsk, "103419.113"},
	}
)

func TestTick_EmptyBookPlacesLadder(t *testing.T) {
	exec := newFakeExecutor()
	m := readyMaker(testConfig(), exec)

	m.tick(context.Background())

	requirePlaced(t, append(append([]placed{}, fullBids...), fullAsks...), exec.placements())
	require.Empty(t, exec.cancelled())
}

func TestTick_KeepsExistingLadder(t *testing.T) {
	exec := newFakeExecutor()
	exec.active = []execution.Order{
		order("0x1", execution.SideBid, "102801.6854"),
		order("0x2", execution.SideBid, "102595.8762"),
		order("0x3", execution.SideBid, "102390.067"),
	}
	m := readyMaker(testConfig(), exec)

	m.tick(context.Background())

	require.Empty(t, exec.cancelled())
	requirePlaced(t, fullAsks, exec.placements())
}

func TestTick_FillsGapsBehindBest(t *testing.T) {
	exec := newFakeExecutor()
	exec.active = []execution.Order{order("0x1", execution.SideBid, "102801.6854")}
	m := readyMaker(testConfig(), exec)

	m.tick(context.Background())

	want := append([]placed{
		{execution.SideBid, "102595.8762"},
		{execution.SideBid, "102390.067"},
	}, fullAsks...)
	requirePlaced(t, want, exec.placements())
}

func TestTick_CancelsOutOfRangeOrders(t *testing.T) {
	exec := newFakeExecutor()
	exec.active = []execution.Order{
		order("0xc1", execution.SideBid, "102950"), // through the mid
		order("0xf1", execution.SideBid, "102000"), // past the last level
	}
	m := readyMaker(testConfig(), exec)

	m.tick(context.Background())

	require.ElementsMatch(t, []string{"0xc1", "0xf1"}, exec.cancelled())
	requirePlaced(t, append(append([]placed{}, fullBids...), fullAsks...), exec.placements())
}

func TestTick_DisabledSideCancelsAndSkips(t *testing.T) {
	cfg := testConfig()
	cfg.Asks.Enabled = false
	exec := newFakeExecutor()
	exec.active = []execution.Order{order("0xa1", execution.SideAsk, "103007.4946")}
	m := readyMaker(cfg, exec)

	m.tick(context.Background())

	require.Equal(t, []string{"0xa1"}, exec.cancelled())
	requirePlaced(t, fullBids, exec.placements())
}

func TestTick_SourceUnavailableCancelsEverything(t *testing.T) {
	exec := newFakeExecutor()
	exec.active = []execution.Order{
		order("0xb1", execution.SideBid, "102801.6854"),
		order("0xa1", execution.SideAsk, "103007.4946"),
	}
	m := readyMaker(testConfig(), exec)
	m.sourceAvailable = false

	m.tick(context.Background())

	require.Equal(t, []string{"0xb1", "0xa1"}, exec.cancelled())
	require.Empty(t, exec.placements())
}

func TestTick_SkipsOrdersAlreadyCancelling(t *testing.T) {
	exec := newFakeExecutor()
	exec.active = []execution.Order{order("0xc1", execution.SideBid, "102950")}
	exec.cancelling["0xc1"] = true
	m := readyMaker(testConfig(), exec)

	m.tick(context.Background())

	require.Empty(t, exec.cancelled())
}

func TestTick_PreventsCrossTrade(t *testing.T) {
	exec := newFakeExecutor()
	pending := order("0xdd", execution.SideBid, "103100")
	pending.Status = execution.StatusPending
	exec.pending = []execution.Order{pending}
	m := readyMaker(testConfig(), exec)

	m.tick(context.Background())

	want := []placed{
		{execution.SideBid, "102894.1908"},
		{execution.SideBid, "102688.3816"},
		{execution.SideBid, "102482.5724"},
		{execution.SideAsk, "103213.3038"},
		{execution.SideAsk, "103419.113"},
	}
	requirePlaced(t, want, exec.placements())
}

func TestTick_IgnoresPendingAlreadyActive(t *testing.T) {
	exec := newFakeExecutor()
	o := order("0x1", execution.SideBid, "102801.6854")
	exec.active = []execution.Order{o}
	stale := o
	stale.OrderID = o.TxHash.Hex()
	stale.Price = fixed.NewS("103100")
	exec.pending = []execution.Order{stale}
	m := readyMaker(testConfig(), exec)

	m.tick(context.Background())

	// The stale copy at 103100 would otherwise suppress the first ask.
	got := exec.placements()
	require.Len(t, got, 5)
	require.Equal(t, execution.SideAsk, got[2].side)
	require.True(t, fixed.NewS("103007.4946").Equal(fixed.NewS(got[2].price)))
}

func TestMaker_TicksOnEventsAndDropsWhileBusy(t *testing.T) {
	defer leaktest.Check(t)()

	exec := newFakeExecutor()
	exec.block = make(chan struct{})
	src := &fakeSource{available: true}
	m := New(testConfig(), exec, src, zap.NewNop().Sugar(), nil)

	m.Start(context.Background())

	// No tick without a reference price.
	exec.ordersFeed.Send(nil)

	src.bookFeed.Send(marketdata.BookUpdate{Symbol: "ETH/USDT", Quote: marketdata.Quote{Bid: 1, Ask: 2}})
	src.bookFeed.Send(marketdata.BookUpdate{Symbol: "BTC/USDT", Quote: testTop})
	require.Eventually(t, func() bool { return m.ticking.Load() }, time.Second, time.Millisecond)

	// Arrives while the first tick is blocked in SubmitPlace.
	exec.ordersFeed.Send(nil)

	close(exec.block)
	require.Eventually(t, func() bool { return !m.ticking.Load() }, time.Second, time.Millisecond)
	require.Len(t, exec.placements(), 6)

	// An identical top of book is not a new trigger.
	src.bookFeed.Send(marketdata.BookUpdate{Symbol: "BTC/USDT", Quote: testTop})
	m.Stop()
	require.Len(t, exec.placements(), 6)
}

func TestMaker_WaitsForExecutor(t *testing.T) {
	defer leaktest.Check(t)()

	exec := newFakeExecutor()
	exec.available = false
	src := &fakeSource{available: true}
	m := New(testConfig(), exec, src, zap.NewNop().Sugar(), nil)
	m.Start(context.Background())
	defer m.Stop()

	src.bookFeed.Send(marketdata.BookUpdate{Symbol: "BTC/USDT", Quote: testTop})
	require.Never(t, func() bool { return len(exec.placements()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	exec.availFeed.Send(true)
	require.Eventually(t, func() bool { return len(exec.placements()) == 6 }, time.Second, time.Millisecond)
}
