package onchainlob

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/WinPooh32/fixed"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/uhyunpark/hypermaker/pkg/execution"
)

const lobABI = `[
 {"type":"function","name":"placeOrder","stateMutability":"payable",
  "inputs":[
   {"name":"isAsk","type":"bool"},
   {"name":"quantity","type":"uint128"},
   {"name":"price","type":"uint72"},
   {"name":"maxCommission","type":"uint128"},
   {"name":"marketOnly","type":"bool"},
   {"name":"postOnly","type":"bool"},
   {"name":"transferExecutedTokens","type":"bool"},
   {"name":"expires","type":"uint256"}],
  "outputs":[{"name":"orderId","type":"uint64"}]},
 {"type":"function","name":"claimOrder","stateMutability":"nonpayable",
  "inputs":[
   {"name":"orderId","type":"uint64"},
   {"name":"onlyClaim","type":"bool"},
   {"name":"transferTokens","type":"bool"},
   {"name":"expires","type":"uint256"}],
  "outputs":[]}
]`

var parsedLOB = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(lobABI))
	if err != nil {
		panic(fmt.Sprintf("invalid lob abi: %v", err))
	}
	return parsed
}()

// maxUint128 caps the commission a placement may pay.
var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

func (c *Client) market(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, parsedLOB, c.backend, c.backend, c.backend)
}

func (c *Client) expires() *big.Int {
	return big.NewInt(c.Now().Add(c.OrderTTL).Unix())
}

// PlaceOrder signs and broadcasts a placeOrder transaction.
func (c *Client) PlaceOrder(ctx context.Context, p execution.PlaceOrderParams) (common.Hash, error) {
	sym, ok := c.markets[p.Market]
	if !ok {
		return common.Hash{}, errors.Errorf("unknown market %s", p.Market.Hex())
	}
	price, err := ScalePrice(p.Price, sym.PriceDecimals)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "%s: price", sym.Symbol)
	}
	opts, err := c.signer.TransactOpts(ctx, c.cfg.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	p.Gas.Apply(opts, p.Nonce)

	tx, err := c.market(p.Market).Transact(opts, "placeOrder",
		p.Side == execution.SideAsk,
		p.Size,
		price,
		maxUint128,
		p.Kind == execution.OrderIOC,
		false,
		true,
		c.expires(),
	)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "%s: placeOrder", sym.Symbol)
	}
	return tx.Hash(), nil
}

// ClaimOrder signs and broadcasts a claimOrder transaction. Unless OnlyClaim
// is set, the unfilled remainder is cancelled as well.
func (c *Client) ClaimOrder(ctx context.Context, p execution.ClaimOrderParams) (common.Hash, error) {
	if _, ok := c.markets[p.Market]; !ok {
		return common.Hash{}, errors.Errorf("unknown market %s", p.Market.Hex())
	}
	id, err := strconv.ParseUint(p.OrderID, 10, 64)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "order id %q", p.OrderID)
	}
	opts, err := c.signer.TransactOpts(ctx, c.cfg.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	p.Gas.Apply(opts, p.Nonce)

	tx, err := c.market(p.Market).Transact(opts, "claimOrder", id, p.OnlyClaim, true, c.expires())
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "claimOrder %s", p.OrderID)
	}
	return tx.Hash(), nil
}

// ScalePrice converts a decimal price into the contract's integer price with
// the given number of decimals. Digits beyond that precision are an error.
func ScalePrice(p fixed.Fixed, decimals int) (*big.Int, error) {
	s := p.String()
	if strings.HasPrefix(s, "-") {
		return nil, errors.Errorf("negative price %s", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, errors.Errorf("price %s has more than %d decimals", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))
	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, errors.Errorf("invalid price %s", s)
	}
	return n, nil
}
