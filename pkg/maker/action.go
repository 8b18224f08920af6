package maker

import (
	"math/big"

	"github.com/WinPooh32/fixed"

	"github.com/uhyunpark/hypermaker/pkg/execution"
)

// CancelReason explains why a resting order is withdrawn. Reasons are listed
// in reporting priority.
type CancelReason int

const (
	ReasonTooClose CancelReason = iota
	ReasonTooFar
	ReasonSideDisabled
	ReasonSourceUnavailable
)

func (r CancelReason) String() string {
	switch r {
	case ReasonTooClose:
		return "order too close"
	case ReasonTooFar:
		return "order too far"
	case ReasonSideDisabled:
		return "side is disabled"
	default:
		return "price source is unavailable"
	}
}

// Action is one command produced by a tick: a CancelAction or a PlaceAction.
type Action interface {
	isAction()
}

type CancelAction struct {
	OrderID string
	Symbol  string
	Price   fixed.Fixed
	Reason  CancelReason
}

type PlaceAction struct {
	Symbol string
	Side   execution.Side
	Qty    *big.Int
	Price  fixed.Fixed
}

func (CancelAction) isAction() {}
func (PlaceAction) isAction()  {}
