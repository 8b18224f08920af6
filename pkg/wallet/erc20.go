package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const erc20ABI = `[
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}
]`

// ApproveAmount is the allowance granted to a market contract: 10^27 base units.
var ApproveAmount = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

var parsedERC20 = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// Backend is the chain surface used for contract calls and sends.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	NonceSource
	ReceiptSource
}

// Default receipt polling for approvals when TokenApprover leaves them unset.
const (
	DefaultApproveInterval = 3 * time.Second
	DefaultApproveTimeout  = 60 * time.Second
)

// TokenApprover ensures each market contract may move the maker's tokens.
type TokenApprover struct {
	Backend Backend
	Signer  *Signer
	Nonces  *NonceSequencer
	Tracker *Tracker
	ChainID *big.Int
	Logger  *zap.SugaredLogger

	TrackInterval time.Duration
	TrackTimeout  time.Duration
}

func (a *TokenApprover) token(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, parsedERC20, a.Backend, a.Backend, a.Backend)
}

// Allowance returns how much spender may transfer of token on behalf of owner.
func (a *TokenApprover) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var out []any
	if err := a.token(token).Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return nil, fmt.Errorf("allowance %s: %w", token.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("allowance %s: unexpected output length %d", token.Hex(), len(out))
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance %s: unexpected output type %T", token.Hex(), out[0])
	}
	return amount, nil
}

// Approve grants spender ApproveAmount of token and returns the transaction hash.
func (a *TokenApprover) Approve(ctx context.Context, token, spender common.Address) (common.Hash, error) {
	nonce, err := a.Nonces.NextNonce(ctx, a.Backend, a.Signer.Address())
	if err != nil {
		return common.Hash{}, err
	}
	opts, err := a.Signer.TransactOpts(ctx, a.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	ApproveGas.Apply(opts, nonce)

	tx, err := a.token(token).Transact(opts, "approve", spender, ApproveAmount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("approve %s: %w", token.Hex(), err)
	}
	return tx.Hash(), nil
}

// EnsureAllowance approves spender for token when the current allowance is zero.
func (a *TokenApprover) EnsureAllowance(ctx context.Context, token, spender common.Address) error {
	allowance, err := a.Allowance(ctx, token, a.Signer.Address(), spender)
	if err != nil {
		return err
	}
	if allowance.Sign() > 0 {
		a.Logger.Infow("allowance_ok", "token", token.Hex(), "spender", spender.Hex(), "allowance", allowance.String())
		return nil
	}
	hash, err := a.Approve(ctx, token, spender)
	if err != nil {
		return err
	}
	a.Logger.Infow("approve_sent", "token", token.Hex(), "spender", spender.Hex(), "tx", hash.Hex())
	return a.waitApproval(ctx, token, hash)
}

// waitApproval blocks until the approval is mined, fails or times out.
func (a *TokenApprover) waitApproval(ctx context.Context, token common.Address, hash common.Hash) error {
	tracker := a.Tracker
	if tracker == nil {
		tracker = NewTracker(a.Logger, nil)
	}
	req := TrackRequest{
		Symbol:   token.Hex(),
		TxHash:   hash,
		Interval: a.TrackInterval,
		Timeout:  a.TrackTimeout,
	}
	if req.Interval <= 0 {
		req.Interval = DefaultApproveInterval
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultApproveTimeout
	}

	done := make(chan TrackEvent, 1)
	tracker.Track(ctx, a.Backend, req, func(ev TrackEvent) { done <- ev })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-done:
		if ev.Err != nil {
			return fmt.Errorf("approve %s: %w", token.Hex(), ev.Err)
		}
		if ev.Failed() {
			return fmt.Errorf("approve %s: transaction %s reverted", token.Hex(), hash.Hex())
		}
		a.Logger.Infow("approve_confirmed", "token", token.Hex(), "tx", hash.Hex(), "block", ev.Receipt.BlockNumber)
		return nil
	}
}
