package wallet

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/fortytw2/leaktest"
	"go.uber.org/zap"
)

// tokenBackend serves a fixed allowance, accepts sends and mines them after
// minedAfter receipt lookups with the given status.
type tokenBackend struct {
	bind.ContractBackend

	mu         sync.Mutex
	allowance  *big.Int
	sent       []*types.Transaction
	lookups    int
	minedAfter int
	status     uint64
}

func (b *tokenBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return parsedERC20.Methods["allowance"].Outputs.Pack(b.allowance)
}

func (b *tokenBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(7)}, nil
}

func (b *tokenBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *tokenBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 4, nil
}

func (b *tokenBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookups++
	if b.lookups <= b.minedAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: h, Status: b.status, BlockNumber: big.NewInt(9)}, nil
}

func (b *tokenBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *tokenBackend) lookupCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookups
}

var (
	testToken   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testSpender = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newTestApprover(t *testing.T, backend *tokenBackend) *TokenApprover {
	t.Helper()
	signer, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	logger := zap.NewNop().Sugar()
	return &TokenApprover{
		Backend:       backend,
		Signer:        signer,
		Nonces:        NewNonceSequencer(logger, nil),
		Tracker:       NewTracker(logger, nil),
		ChainID:       big.NewInt(31337),
		Logger:        logger,
		TrackInterval: time.Millisecond,
		TrackTimeout:  5 * time.Second,
	}
}

func TestEnsureAllowance_ExistingAllowanceSendsNothing(t *testing.T) {
	backend := &tokenBackend{allowance: big.NewInt(1)}
	a := newTestApprover(t, backend)

	if err := a.EnsureAllowance(context.Background(), testToken, testSpender); err != nil {
		t.Fatalf("EnsureAllowance() error = %v", err)
	}
	if n := backend.sentCount(); n != 0 {
		t.Errorf("sent %d transactions, want 0", n)
	}
}

func TestEnsureAllowance_WaitsForReceipt(t *testing.T) {
	defer leaktest.Check(t)()
	backend := &tokenBackend{allowance: big.NewInt(0), minedAfter: 3, status: types.ReceiptStatusSuccessful}
	a := newTestApprover(t, backend)

	if err := a.EnsureAllowance(context.Background(), testToken, testSpender); err != nil {
		t.Fatalf("EnsureAllowance() error = %v", err)
	}
	if n := backend.sentCount(); n != 1 {
		t.Fatalf("sent %d transactions, want 1", n)
	}
	// Returned only once the receipt lookup succeeded
	if n := backend.lookupCount(); n != 4 {
		t.Errorf("receipt lookups = %d, want 4", n)
	}

	tx := backend.sent[0]
	if tx.Nonce() != 4 || *tx.To() != testToken || tx.Gas() != ApproveGas.GasLimit {
		t.Errorf("unexpected approval tx: nonce=%d to=%s gas=%d", tx.Nonce(), tx.To().Hex(), tx.Gas())
	}
	args, err := parsedERC20.Methods["approve"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatal(err)
	}
	if args[0].(common.Address) != testSpender || args[1].(*big.Int).Cmp(ApproveAmount) != 0 {
		t.Errorf("approve args = %v", args)
	}
}

func TestEnsureAllowance_RevertedApprovalFails(t *testing.T) {
	defer leaktest.Check(t)()
	backend := &tokenBackend{allowance: big.NewInt(0), status: types.ReceiptStatusFailed}
	a := newTestApprover(t, backend)

	err := a.EnsureAllowance(context.Background(), testToken, testSpender)
	if err == nil || !strings.Contains(err.Error(), "reverted") {
		t.Fatalf("EnsureAllowance() error = %v, want reverted", err)
	}
}

func TestEnsureAllowance_TimeoutFails(t *testing.T) {
	defer leaktest.Check(t)()
	backend := &tokenBackend{allowance: big.NewInt(0), minedAfter: 1 << 30}
	a := newTestApprover(t, backend)
	a.TrackTimeout = 20 * time.Millisecond

	err := a.EnsureAllowance(context.Background(), testToken, testSpender)
	if !errors.Is(err, ErrTimeoutReached) {
		t.Fatalf("EnsureAllowance() error = %v, want ErrTimeoutReached", err)
	}
}
