package execution

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/WinPooh32/fixed"
	"github.com/ethereum/go-ethereum/common"
)

var ErrUnknownOrderStatus = errors.New("unknown order status")

type Status int

const (
	StatusPending Status = iota
	StatusPlaced
	StatusPartiallyFilled
	StatusPartiallyFilledAndClaimed
	StatusFilled
	StatusFilledAndClaimed
	StatusCanceled
	StatusCanceledAndClaimed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPlaced:
		return "placed"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusPartiallyFilledAndClaimed:
		return "partially_filled_and_claimed"
	case StatusFilled:
		return "filled"
	case StatusFilledAndClaimed:
		return "filled_and_claimed"
	case StatusCanceled:
		return "canceled"
	case StatusCanceledAndClaimed:
		return "canceled_and_claimed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Type int

const (
	TypeReturn Type = iota
	TypeFillOrKill
	TypeImmediateOrCancel
)

type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Order is one maker order as last reported by the exchange, or a local
// Pending placeholder keyed by its submission transaction.
type Order struct {
	OrderID    string
	TxHash     common.Hash
	Price      fixed.Fixed
	Qty        *big.Int
	LeaveQty   *big.Int
	ClaimedQty *big.Int
	Side       Side
	Symbol     string
	Status     Status
	Type       Type

	Created     time.Time
	LastChanged time.Time
}

// DeriveStatus maps the exchange lifecycle tag and raw sizes to a Status.
func DeriveStatus(tag string, orig, remaining, claimed *big.Int) (Status, error) {
	switch strings.ToLower(tag) {
	case "open":
		if remaining.Cmp(orig) == 0 {
			return StatusPlaced, nil
		}
		return StatusPartiallyFilled, nil
	case "filled":
		return StatusFilled, nil
	case "cancelled":
		executed := new(big.Int).Sub(orig, remaining)
		if claimed.Cmp(executed) < 0 {
			return StatusCanceled, nil
		}
		return StatusCanceledAndClaimed, nil
	case "claimed":
		if claimed.Cmp(orig) < 0 {
			return StatusPartiallyFilledAndClaimed, nil
		}
		return StatusFilledAndClaimed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOrderStatus, tag)
	}
}

// FromExchangeOrder converts an exchange record into an Order for symbol.
func FromExchangeOrder(o ExchangeOrder, symbol string) (Order, error) {
	status, err := DeriveStatus(o.Status, o.OrigSize, o.Size, o.Claimed)
	if err != nil {
		return Order{}, fmt.Errorf("order %s: %w", o.OrderID, err)
	}
	return Order{
		OrderID:     o.OrderID,
		TxHash:      o.TxHash,
		Price:       o.Price,
		Qty:         o.OrigSize,
		LeaveQty:    o.Size,
		ClaimedQty:  o.Claimed,
		Side:        o.Side,
		Symbol:      symbol,
		Status:      status,
		Type:        TypeReturn,
		Created:     o.CreatedAt,
		LastChanged: o.LastTouched,
	}, nil
}

// NewPendingOrder is the local record of a submitted, unconfirmed placement.
func NewPendingOrder(symbol string, txHash common.Hash, side Side, price fixed.Fixed, qty *big.Int, now time.Time) Order {
	return Order{
		OrderID:     txHash.Hex(),
		TxHash:      txHash,
		Price:       price,
		Qty:         new(big.Int).Set(qty),
		LeaveQty:    new(big.Int).Set(qty),
		ClaimedQty:  new(big.Int),
		Side:        side,
		Symbol:      symbol,
		Status:      StatusPending,
		Type:        TypeReturn,
		Created:     now,
		LastChanged: now,
	}
}

// IsActive reports whether the order rests on the book.
func (o Order) IsActive() bool {
	return o.Status == StatusPlaced || o.Status == StatusPartiallyFilled
}

// Executed is Qty - LeaveQty.
func (o Order) Executed() *big.Int {
	return new(big.Int).Sub(o.Qty, o.LeaveQty)
}

// IsUnclaimed reports whether filled proceeds are still waiting to be claimed.
func (o Order) IsUnclaimed() bool {
	return o.ClaimedQty.Cmp(o.Executed()) < 0 && o.Status != StatusFailed
}
