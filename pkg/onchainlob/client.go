// Package onchainlob talks to the on-chain limit order book venue: its REST
// API for order history, its websocket stream for user order updates and its
// market contracts for placing and claiming orders.
package onchainlob

import (
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermaker/params"
	"github.com/uhyunpark/hypermaker/pkg/execution"
	"github.com/uhyunpark/hypermaker/pkg/wallet"
)

type Config struct {
	RESTURL string
	WSURL   string
	ChainID *big.Int
	Symbols []params.SymbolConfig
}

// Client implements execution.ExchangeClient.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client
	// ReconnectBackoff is the pause between stream reconnect attempts.
	ReconnectBackoff time.Duration
	// OrderTTL bounds how long a placed or claim transaction stays valid.
	OrderTTL time.Duration
	// Now is the time source for transaction expiry.
	Now func() time.Time

	cfg     Config
	backend bind.ContractBackend
	signer  *wallet.Signer
	markets map[common.Address]params.SymbolConfig
}

var _ execution.ExchangeClient = (*Client)(nil)

func NewClient(cfg Config, backend bind.ContractBackend, signer *wallet.Signer, logger *zap.SugaredLogger) *Client {
	c := &Client{
		Logger:           logger,
		HTTPClient:       &http.Client{Timeout: 15 * time.Second},
		ReconnectBackoff: 3 * time.Second,
		OrderTTL:         5 * time.Minute,
		Now:              time.Now,
		cfg:              cfg,
		backend:          backend,
		signer:           signer,
		markets:          make(map[common.Address]params.SymbolConfig, len(cfg.Symbols)),
	}
	c.cfg.RESTURL = strings.TrimRight(cfg.RESTURL, "/")
	for _, s := range cfg.Symbols {
		c.markets[s.ContractAddress] = s
	}
	return c
}
