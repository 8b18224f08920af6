package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermaker/pkg/util"
)

var (
	ErrTracking       = errors.New("tracking error")
	ErrTimeoutReached = errors.New("timeout reached")
)

// ReceiptSource looks up transaction receipts. It must return ethereum.NotFound
// while the transaction is not yet mined; *ethclient.Client does.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type TrackEventKind int

const (
	ReceiptReceived TrackEventKind = iota
	TrackErrored
	TrackCancelled
)

func (k TrackEventKind) String() string {
	switch k {
	case ReceiptReceived:
		return "receipt"
	case TrackErrored:
		return "error"
	case TrackCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TrackEvent is the single terminal outcome of one tracked transaction.
// Err wraps ErrTracking or ErrTimeoutReached for the failure kinds.
type TrackEvent struct {
	Kind    TrackEventKind
	Symbol  string
	TxHash  common.Hash
	Receipt *types.Receipt
	Err     error
}

// Failed reports whether the outcome means the transaction did not take effect.
func (e TrackEvent) Failed() bool {
	if e.Kind != ReceiptReceived {
		return true
	}
	return e.Receipt == nil || e.Receipt.Status != types.ReceiptStatusSuccessful
}

type TrackRequest struct {
	Symbol   string
	TxHash   common.Hash
	Interval time.Duration
	Timeout  time.Duration
}

// Tracker polls for receipts. Every Track call runs in its own goroutine and
// delivers exactly one event unless ctx is cancelled first. There is no
// deduplication across calls for the same hash.
type Tracker struct {
	Logger *zap.SugaredLogger
	Clock  util.Clock

	wg sync.WaitGroup
}

func NewTracker(logger *zap.SugaredLogger, clock util.Clock) *Tracker {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Tracker{Logger: logger, Clock: clock}
}

func (t *Tracker) Track(ctx context.Context, src ReceiptSource, req TrackRequest, handle func(TrackEvent)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if ev, ok := t.poll(ctx, src, req); ok {
			handle(ev)
		}
	}()
}

// Wait blocks until every tracking goroutine has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) poll(ctx context.Context, src ReceiptSource, req TrackRequest) (TrackEvent, bool) {
	start := t.Clock.Now()
	ev := TrackEvent{Symbol: req.Symbol, TxHash: req.TxHash}

	for {
		receipt, err := src.TransactionReceipt(ctx, req.TxHash)
		if ctx.Err() != nil {
			return ev, false
		}
		switch {
		case err == nil && receipt != nil:
			ev.Kind = ReceiptReceived
			ev.Receipt = receipt
			t.Logger.Debugw("tx_receipt", "symbol", req.Symbol, "tx", req.TxHash.Hex(), "status", receipt.Status)
			return ev, true
		case err != nil && !errors.Is(err, ethereum.NotFound):
			ev.Kind = TrackErrored
			ev.Err = fmt.Errorf("%w: %s: %v", ErrTracking, req.TxHash.Hex(), err)
			t.Logger.Warnw("tx_tracking_failed", "symbol", req.Symbol, "tx", req.TxHash.Hex(), "err", err)
			return ev, true
		}

		if t.Clock.Now().Sub(start) > req.Timeout {
			ev.Kind = TrackCancelled
			ev.Err = fmt.Errorf("%w: %s after %s", ErrTimeoutReached, req.TxHash.Hex(), req.Timeout)
			t.Logger.Warnw("tx_tracking_timeout", "symbol", req.Symbol, "tx", req.TxHash.Hex(), "timeout", req.Timeout)
			return ev, true
		}

		select {
		case <-ctx.Done():
			return ev, false
		case <-t.Clock.After(req.Interval):
		}
	}
}
