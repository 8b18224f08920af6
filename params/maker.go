package params

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
)

// MaxPricePrecision is the number of decimal places a quoted price may carry.
const MaxPricePrecision = 7

var ErrUnknownSymbol = errors.New("unknown symbol")

// SideConfig describes the ladder quoted on one side of the book.
type SideConfig struct {
	Enabled                 bool
	SpreadInPercents        float64
	LimitCount              int
	LimitDistanceInPercents float64
	Qty                     *big.Int // base units
}

// SymbolConfig binds one traded symbol to its market contract and reference source.
type SymbolConfig struct {
	Symbol                 string
	SourceSymbol           string
	ContractAddress        common.Address
	Network                string
	PricePrecision         int
	ModifySpreadInPercents float64
	PriceDecimals          int
	SizeDecimals           int

	Bids SideConfig
	Asks SideConfig
}

type NetworkConfig struct {
	RPCNode string
	ChainID int64
}

// MakerConfig is the static market making configuration read from the TOML file.
type MakerConfig struct {
	Symbols  map[string]SymbolConfig
	Networks map[string]NetworkConfig
	Tokens   map[string]common.Address
}

// parseAmount accepts either a TOML integer or a decimal string, since
// 18-decimal quantities overflow int64.
func parseAmount(data any) (*big.Int, error) {
	switch x := data.(type) {
	case nil:
		return new(big.Int), nil
	case int64:
		return big.NewInt(x), nil
	case string:
		v, ok := new(big.Int).SetString(strings.TrimSpace(x), 10)
		if !ok {
			return nil, fmt.Errorf("invalid qty %q", x)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported qty type %T", data)
	}
}

type rawSide struct {
	Enabled                 bool    `toml:"enabled"`
	SpreadInPercents        float64 `toml:"spread_in_percents"`
	LimitCount              int     `toml:"limit_count"`
	LimitDistanceInPercents float64 `toml:"limit_distance_in_percents"`
	Qty                     any     `toml:"qty"`
}

type rawSymbol struct {
	Symbol                 string  `toml:"symbol"`
	SourceSymbol           string  `toml:"source_symbol"`
	ContractAddress        string  `toml:"contract_address"`
	Network                string  `toml:"network"`
	PricePrecision         int     `toml:"price_precision"`
	ModifySpreadInPercents float64 `toml:"modify_spread_in_percents"`
	PriceDecimals          int     `toml:"price_decimals"`
	SizeDecimals           int     `toml:"size_decimals"`
	Bids                   rawSide `toml:"bids"`
	Asks                   rawSide `toml:"asks"`
}

type rawNetwork struct {
	RPCNode string `toml:"rpc_node"`
	ChainID int64  `toml:"chain_id"`
}

type rawMakerConfig struct {
	Symbols  map[string]rawSymbol  `toml:"symbols"`
	Networks map[string]rawNetwork `toml:"networks"`
	Tokens   map[string]string     `toml:"tokens"`
}

// LoadMakerConfig reads and validates the maker TOML file. Every validation
// problem is reported in the returned error.
func LoadMakerConfig(path string) (*MakerConfig, error) {
	var raw rawMakerConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return raw.build()
}

// ParseMakerConfig is LoadMakerConfig for an in-memory document.
func ParseMakerConfig(data string) (*MakerConfig, error) {
	var raw rawMakerConfig
	if _, err := toml.Decode(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode maker config: %w", err)
	}
	return raw.build()
}

func (raw rawMakerConfig) build() (*MakerConfig, error) {
	var result *multierror.Error

	cfg := &MakerConfig{
		Symbols:  make(map[string]SymbolConfig, len(raw.Symbols)),
		Networks: make(map[string]NetworkConfig, len(raw.Networks)),
		Tokens:   make(map[string]common.Address, len(raw.Tokens)),
	}

	for name, n := range raw.Networks {
		if n.RPCNode == "" {
			result = multierror.Append(result, fmt.Errorf("network %s: rpc_node is empty", name))
		}
		cfg.Networks[name] = NetworkConfig{RPCNode: n.RPCNode, ChainID: n.ChainID}
	}

	for name, addr := range raw.Tokens {
		if !common.IsHexAddress(addr) {
			result = multierror.Append(result, fmt.Errorf("token %s: invalid address %q", name, addr))
			continue
		}
		cfg.Tokens[name] = common.HexToAddress(addr)
	}

	for key, s := range raw.Symbols {
		if s.Symbol == "" {
			s.Symbol = key
		}
		if s.Symbol != key {
			result = multierror.Append(result, fmt.Errorf("symbol %s: table key and symbol %q differ", key, s.Symbol))
		}
		if s.SourceSymbol == "" {
			result = multierror.Append(result, fmt.Errorf("symbol %s: source_symbol is empty", key))
		}
		if !common.IsHexAddress(s.ContractAddress) {
			result = multierror.Append(result, fmt.Errorf("symbol %s: invalid contract_address %q", key, s.ContractAddress))
		}
		if _, ok := raw.Networks[s.Network]; !ok {
			result = multierror.Append(result, fmt.Errorf("symbol %s: unknown network %q", key, s.Network))
		}
		if s.PricePrecision < 0 || s.PricePrecision > MaxPricePrecision {
			result = multierror.Append(result, fmt.Errorf("symbol %s: price_precision %d out of range 0..%d", key, s.PricePrecision, MaxPricePrecision))
		}
		bids, err := s.Bids.build()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("symbol %s bids: %w", key, err))
		}
		asks, err := s.Asks.build()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("symbol %s asks: %w", key, err))
		}

		cfg.Symbols[key] = SymbolConfig{
			Symbol:                 s.Symbol,
			SourceSymbol:           s.SourceSymbol,
			ContractAddress:        common.HexToAddress(s.ContractAddress),
			Network:                s.Network,
			PricePrecision:         s.PricePrecision,
			ModifySpreadInPercents: s.ModifySpreadInPercents,
			PriceDecimals:          s.PriceDecimals,
			SizeDecimals:           s.SizeDecimals,
			Bids:                   bids,
			Asks:                   asks,
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s rawSide) build() (SideConfig, error) {
	side := SideConfig{
		Enabled:                 s.Enabled,
		SpreadInPercents:        s.SpreadInPercents,
		LimitCount:              s.LimitCount,
		LimitDistanceInPercents: s.LimitDistanceInPercents,
		Qty:                     new(big.Int),
	}
	qty, err := parseAmount(s.Qty)
	if err != nil {
		return side, err
	}
	side.Qty = qty
	if !s.Enabled {
		return side, nil
	}
	switch {
	case s.LimitCount < 1:
		return side, fmt.Errorf("limit_count must be at least 1")
	case s.SpreadInPercents < 0 || s.LimitDistanceInPercents <= 0:
		return side, fmt.Errorf("spread and limit distance must be positive")
	case side.Qty.Sign() <= 0:
		return side, fmt.Errorf("qty must be positive")
	}
	return side, nil
}

func (c *MakerConfig) Symbol(name string) (SymbolConfig, error) {
	s, ok := c.Symbols[name]
	if !ok {
		return SymbolConfig{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, name)
	}
	return s, nil
}

// SymbolByContract resolves a market contract address to its symbol.
func (c *MakerConfig) SymbolByContract(address string) (SymbolConfig, bool) {
	for _, s := range c.Symbols {
		if strings.EqualFold(s.ContractAddress.Hex(), address) {
			return s, true
		}
	}
	return SymbolConfig{}, false
}

func (c *MakerConfig) Network(name string) (NetworkConfig, error) {
	n, ok := c.Networks[name]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unknown network %s", name)
	}
	return n, nil
}

// SelectSymbols resolves a MARKETS value ("*" or "A/B|C/D") to the configured
// symbols it names, sorted by symbol.
func (c *MakerConfig) SelectSymbols(markets string) ([]SymbolConfig, error) {
	markets = strings.TrimSpace(markets)
	var selected []SymbolConfig
	if markets == "" || markets == "*" {
		for _, s := range c.Symbols {
			selected = append(selected, s)
		}
	} else {
		for _, name := range strings.Split(markets, "|") {
			s, err := c.Symbol(strings.TrimSpace(name))
			if err != nil {
				return nil, err
			}
			selected = append(selected, s)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Symbol < selected[j].Symbol })
	return selected, nil
}

// Tokens returns the two token names of a "BASE/QUOTE" symbol.
func (s SymbolConfig) Tokens() []string {
	return strings.Split(s.Symbol, "/")
}
