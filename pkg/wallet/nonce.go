package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermaker/pkg/util"
)

const (
	// NonceForceRefresh is how long a cached network nonce is trusted when unchanged.
	NonceForceRefresh = 3 * time.Minute
	// NonceValidity bounds how long a local prediction may run ahead of an
	// unchanged network observation.
	NonceValidity = 60 * time.Second
)

// NonceSource reports the chain's pending transaction count for an account.
// *ethclient.Client satisfies it.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type NonceEntry struct {
	Nonce      uint64
	ObservedAt time.Time
}

// nonceSlot is one address's sequence. mu is held across the whole
// read-decide-write pass, including the RPC round trip.
type nonceSlot struct {
	mu      sync.Mutex
	network *NonceEntry
	offline *NonceEntry
}

// NonceSequencer issues transaction nonces per sender address. Concurrent
// callers for one address are serialized; different addresses run in parallel.
// One instance is shared by everything that signs for the process.
type NonceSequencer struct {
	Logger *zap.SugaredLogger
	Clock  util.Clock

	mu    sync.Mutex
	slots map[common.Address]*nonceSlot
}

func NewNonceSequencer(logger *zap.SugaredLogger, clock util.Clock) *NonceSequencer {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &NonceSequencer{
		Logger: logger,
		Clock:  clock,
		slots:  make(map[common.Address]*nonceSlot),
	}
}

func (s *NonceSequencer) slot(addr common.Address) *nonceSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[addr]
	if !ok {
		sl = &nonceSlot{}
		s.slots[addr] = sl
	}
	return sl
}

// NextNonce returns the nonce to use for the next transaction sent by addr.
func (s *NonceSequencer) NextNonce(ctx context.Context, src NonceSource, addr common.Address) (uint64, error) {
	sl := s.slot(addr)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	observed, err := src.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("pending nonce for %s: %w", addr.Hex(), err)
	}
	now := s.Clock.Now()

	if sl.network != nil && sl.network.Nonce > observed {
		s.Logger.Warnw("nonce_regression", "address", addr.Hex(), "cached", sl.network.Nonce, "observed", observed)
	}
	if sl.network == nil || sl.network.Nonce != observed || now.Sub(sl.network.ObservedAt) > NonceForceRefresh {
		sl.network = &NonceEntry{Nonce: observed, ObservedAt: now}
	}

	effective := observed
	if off := sl.offline; off != nil {
		// The prediction only holds while the chain has trailed it for less
		// than NonceValidity.
		lag := off.ObservedAt.Sub(sl.network.ObservedAt)
		fresh := lag < NonceValidity
		if off.Nonce > sl.network.Nonce && fresh {
			effective = off.Nonce
		}
		if !fresh {
			s.Logger.Warnw("nonce_offline_lag", "address", addr.Hex(), "offline", off.Nonce,
				"network", sl.network.Nonce, "lag", lag)
		}
	}

	sl.offline = &NonceEntry{Nonce: effective + 1, ObservedAt: now}
	s.Logger.Debugw("nonce_issued", "address", addr.Hex(), "nonce", effective, "observed", observed)
	return effective, nil
}

// Entries returns copies of the cached network and offline entries for addr.
func (s *NonceSequencer) Entries(addr common.Address) (network, offline NonceEntry, ok bool) {
	sl := s.slot(addr)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.network == nil || sl.offline == nil {
		return NonceEntry{}, NonceEntry{}, false
	}
	return *sl.network, *sl.offline, true
}
