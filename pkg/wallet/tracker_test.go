package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/fortytw2/leaktest"
	"go.uber.org/zap"
)

// scriptedReceipts answers TransactionReceipt from a queue of results and
// then keeps returning the last one.
type scriptedReceipts struct {
	mu      sync.Mutex
	results []receiptResult
	calls   int
}

type receiptResult struct {
	receipt *types.Receipt
	err     error
}

func (s *scriptedReceipts) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i].receipt, s.results[i].err
}

func trackOnce(t *testing.T, src ReceiptSource, timeout time.Duration) TrackEvent {
	t.Helper()
	tr := NewTracker(zap.NewNop().Sugar(), nil)
	events := make(chan TrackEvent, 1)
	tr.Track(context.Background(), src, TrackRequest{
		Symbol:   "BTC/USDT",
		TxHash:   common.HexToHash("0x01"),
		Interval: 2 * time.Millisecond,
		Timeout:  timeout,
	}, func(ev TrackEvent) { events <- ev })

	select {
	case ev := <-events:
		tr.Wait()
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no tracking event delivered")
		return TrackEvent{}
	}
}

func TestTracker_ReceiptAfterNotFound(t *testing.T) {
	defer leaktest.Check(t)()

	src := &scriptedReceipts{results: []receiptResult{
		{err: ethereum.NotFound},
		{err: ethereum.NotFound},
		{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}},
	}}

	ev := trackOnce(t, src, time.Second)
	if ev.Kind != ReceiptReceived {
		t.Fatalf("kind = %v, want receipt", ev.Kind)
	}
	if ev.Failed() {
		t.Error("successful receipt reported as failed")
	}
	if ev.Symbol != "BTC/USDT" {
		t.Errorf("symbol = %q", ev.Symbol)
	}
	if src.calls != 3 {
		t.Errorf("polls = %d, want 3", src.calls)
	}
}

func TestTracker_RevertedReceiptIsFailure(t *testing.T) {
	defer leaktest.Check(t)()

	src := &scriptedReceipts{results: []receiptResult{
		{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}},
	}}

	ev := trackOnce(t, src, time.Second)
	if ev.Kind != ReceiptReceived || !ev.Failed() {
		t.Errorf("event = %+v, want failed receipt", ev)
	}
}

func TestTracker_PollErrorStops(t *testing.T) {
	defer leaktest.Check(t)()

	src := &scriptedReceipts{results: []receiptResult{
		{err: ethereum.NotFound},
		{err: errors.New("connection reset")},
		{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}},
	}}

	ev := trackOnce(t, src, time.Second)
	if ev.Kind != TrackErrored {
		t.Fatalf("kind = %v, want error", ev.Kind)
	}
	if !errors.Is(ev.Err, ErrTracking) {
		t.Errorf("err = %v, want ErrTracking", ev.Err)
	}
	if src.calls != 2 {
		t.Errorf("polls = %d, want 2 (no retry after error)", src.calls)
	}
}

func TestTracker_Timeout(t *testing.T) {
	defer leaktest.Check(t)()

	src := &scriptedReceipts{results: []receiptResult{{err: ethereum.NotFound}}}

	ev := trackOnce(t, src, 20*time.Millisecond)
	if ev.Kind != TrackCancelled {
		t.Fatalf("kind = %v, want cancelled", ev.Kind)
	}
	if !errors.Is(ev.Err, ErrTimeoutReached) {
		t.Errorf("err = %v, want ErrTimeoutReached", ev.Err)
	}
}

func TestTracker_ContextCancelDeliversNothing(t *testing.T) {
	defer leaktest.Check(t)()

	src := &scriptedReceipts{results: []receiptResult{{err: ethereum.NotFound}}}
	tr := NewTracker(zap.NewNop().Sugar(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	var delivered bool
	tr.Track(ctx, src, TrackRequest{
		TxHash:   common.HexToHash("0x02"),
		Interval: time.Millisecond,
		Timeout:  time.Minute,
	}, func(TrackEvent) { delivered = true })

	time.Sleep(10 * time.Millisecond)
	cancel()
	tr.Wait()

	if delivered {
		t.Error("event delivered after cancellation")
	}
}

func TestTracker_IndependentTransactions(t *testing.T) {
	defer leaktest.Check(t)()

	tr := NewTracker(zap.NewNop().Sugar(), nil)
	slow := &scriptedReceipts{results: []receiptResult{{err: ethereum.NotFound}}}
	fast := &scriptedReceipts{results: []receiptResult{{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}}}

	events := make(chan TrackEvent, 2)
	handle := func(ev TrackEvent) { events <- ev }
	tr.Track(context.Background(), slow, TrackRequest{Symbol: "slow", Interval: time.Millisecond, Timeout: 50 * time.Millisecond}, handle)
	tr.Track(context.Background(), fast, TrackRequest{Symbol: "fast", Interval: time.Millisecond, Timeout: 50 * time.Millisecond}, handle)

	first := <-events
	second := <-events
	tr.Wait()

	if first.Symbol != "fast" || first.Kind != ReceiptReceived {
		t.Errorf("first = %+v, want fast receipt", first)
	}
	if second.Symbol != "slow" || second.Kind != TrackCancelled {
		t.Errorf("second = %+v, want slow timeout", second)
	}
}
