package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypermaker/params"
	"github.com/uhyunpark/hypermaker/pkg/wallet"
)

func TestAddressCommand(t *testing.T) {
	signer, err := wallet.GenerateKey()
	require.NoError(t, err)
	t.Setenv("PRIVATE_KEY", "0x"+signer.PrivateKeyHex())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"address", "--env", filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, rootCmd.Execute())
	require.Equal(t, signer.Address().Hex(), strings.TrimSpace(out.String()))
}

func TestKeygenCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"keygen"})
	require.NoError(t, rootCmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	key := strings.TrimPrefix(lines[1], "PRIVATE_KEY=")
	signer, err := wallet.FromPrivateKeyHex(key)
	require.NoError(t, err)
	require.Equal(t, "ADDRESS="+signer.Address().Hex(), lines[0])
}

func TestCommonNetwork(t *testing.T) {
	cfg := &params.MakerConfig{Networks: map[string]params.NetworkConfig{
		"arbitrum": {RPCNode: "https://arb.example.org", ChainID: 42161},
	}}

	n, err := commonNetwork(cfg, []params.SymbolConfig{
		{Symbol: "BTC/USDC", Network: "arbitrum"},
		{Symbol: "ETH/USDC", Network: "arbitrum"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(42161), n.ChainID)

	_, err = commonNetwork(cfg, []params.SymbolConfig{
		{Symbol: "BTC/USDC", Network: "arbitrum"},
		{Symbol: "ETH/USDC", Network: "base"},
	})
	require.Error(t, err)
}

func TestSourceSymbols(t *testing.T) {
	got := sourceSymbols([]params.SymbolConfig{
		{Symbol: "BTC/USDC", SourceSymbol: "BTC/USDT"},
		{Symbol: "ETH/USDC", SourceSymbol: "ETH/USDT"},
		{Symbol: "BTC/DAI", SourceSymbol: "BTC/USDT"},
	})
	require.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, got)
}

func TestEnsureAllowances_UnknownToken(t *testing.T) {
	cfg := &params.MakerConfig{Tokens: map[string]common.Address{
		"WBTC": common.HexToAddress("0x01"),
	}}
	err := ensureAllowances(context.Background(), nil, cfg, []params.SymbolConfig{{Symbol: "WBTC/USDC"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "USDC")
}
