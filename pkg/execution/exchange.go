package execution

import (
	"context"
	"math/big"
	"time"

	"github.com/WinPooh32/fixed"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/uhyunpark/hypermaker/pkg/wallet"
)

// AllMarkets is the stream market id covering every market of a user.
const AllMarkets = "allMarkets"

// ExchangeOrder is an order record as reported by the exchange API or stream.
type ExchangeOrder struct {
	OrderID     string
	Market      string // market contract address
	TxHash      common.Hash
	Side        Side
	Price       fixed.Fixed
	Status      string // open|filled|cancelled|claimed
	OrigSize    *big.Int
	Size        *big.Int // remaining
	Claimed     *big.Int
	CreatedAt   time.Time
	LastTouched time.Time
}

// UserOrdersUpdate is one delivery of the user-order stream. Market is a
// contract address or AllMarkets.
type UserOrdersUpdate struct {
	Market     string
	IsSnapshot bool
	Orders     []ExchangeOrder
}

type OrderKind string

const (
	OrderLimit OrderKind = "limit"
	OrderIOC   OrderKind = "ioc"
)

type PlaceOrderParams struct {
	Market common.Address
	Kind   OrderKind
	Side   Side
	Size   *big.Int
	Price  fixed.Fixed
	Gas    wallet.GasParams
	Nonce  uint64
}

// ClaimOrderParams cancels the unfilled remainder and withdraws proceeds.
type ClaimOrderParams struct {
	Market    common.Address
	OrderID   string
	OnlyClaim bool
	Gas       wallet.GasParams
	Nonce     uint64
}

type OrdersQuery struct {
	Market string
	User   common.Address
	Status string
	Limit  int
}

// ExchangeClient is the on-chain order book venue. Place and claim return as
// soon as the transaction is broadcast.
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, p PlaceOrderParams) (common.Hash, error)
	ClaimOrder(ctx context.Context, p ClaimOrderParams) (common.Hash, error)
	GetOrders(ctx context.Context, q OrdersQuery) ([]ExchangeOrder, error)
	SubscribeUserOrders(ctx context.Context, user common.Address, market string, sink chan<- UserOrdersUpdate) (event.Subscription, error)
}

// ChainClient is the RPC surface the executor needs for nonces and receipts.
type ChainClient interface {
	wallet.NonceSource
	wallet.ReceiptSource
}
