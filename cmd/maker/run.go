package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hypermaker/params"
	"github.com/uhyunpark/hypermaker/pkg/api"
	"github.com/uhyunpark/hypermaker/pkg/execution"
	"github.com/uhyunpark/hypermaker/pkg/maker"
	"github.com/uhyunpark/hypermaker/pkg/marketdata"
	"github.com/uhyunpark/hypermaker/pkg/onchainlob"
	"github.com/uhyunpark/hypermaker/pkg/util"
	"github.com/uhyunpark/hypermaker/pkg/wallet"
)

const metricsNamespace = "hypermaker"

var (
	configFile string
	markets    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start quoting the configured markets",
	Args:  cobra.NoArgs,
	RunE:  runMaker,
}

func init() {
	runCmd.Flags().StringVar(&configFile, "config", "", "Maker TOML file (overrides CONFIG_FILE)")
	runCmd.Flags().StringVar(&markets, "markets", "", `Markets to quote, "*" or "BTC/USDC|ETH/USDC" (overrides MARKETS)`)
}

func runMaker(cmd *cobra.Command, args []string) error {
	cfg := params.LoadFromEnv(envFile)
	if configFile != "" {
		cfg.ConfigFile = configFile
	}
	if markets != "" {
		cfg.Markets = markets
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := util.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	var logger *zap.Logger
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogFile, level)
	} else {
		logger, err = util.NewLogger(level)
	}
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	makerCfg, err := params.LoadMakerConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}
	symbols, err := makerCfg.SelectSymbols(cfg.Markets)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols selected by %q in %s", cfg.Markets, cfg.ConfigFile)
	}
	network, err := commonNetwork(makerCfg, symbols)
	if err != nil {
		return err
	}

	signer, err := wallet.FromPrivateKeyHex(cfg.PrivateKey)
	if err != nil {
		return err
	}
	if cfg.Address != "" && !strings.EqualFold(cfg.Address, signer.Address().Hex()) {
		return fmt.Errorf("ADDRESS %s does not match PRIVATE_KEY address %s", cfg.Address, signer.Address().Hex())
	}
	sugar.Infow("maker_starting",
		"address", signer.Address().Hex(),
		"symbols", symbolNames(symbols),
		"chain_id", network.ChainID,
		"config", cfg.ConfigFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chain, err := ethclient.DialContext(ctx, cfg.Endpoints.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer chain.Close()

	chainID := big.NewInt(network.ChainID)
	clock := util.RealClock{}
	nonces := wallet.NewNonceSequencer(sugar, clock)
	tracker := wallet.NewTracker(sugar, clock)

	approver := &wallet.TokenApprover{
		Backend:       chain,
		Signer:        signer,
		Nonces:        nonces,
		Tracker:       tracker,
		ChainID:       chainID,
		Logger:        sugar,
		TrackInterval: cfg.Tracker.Interval,
		TrackTimeout:  cfg.Tracker.Timeout,
	}
	if err := ensureAllowances(ctx, approver, makerCfg, symbols); err != nil {
		return err
	}

	exchange := onchainlob.NewClient(onchainlob.Config{
		RESTURL: cfg.Endpoints.RESTAPIURL,
		WSURL:   cfg.Endpoints.WSAPIURL,
		ChainID: chainID,
		Symbols: symbols,
	}, chain, signer, sugar.Named("onchainlob"))

	executor := execution.NewExecutor(execution.Config{
		Symbols:       symbols,
		Maker:         signer.Address(),
		TrackInterval: cfg.Tracker.Interval,
		TrackTimeout:  cfg.Tracker.Timeout,
	}, exchange, chain, nonces, tracker, clock, sugar.Named("executor"), execution.PrometheusMetrics(metricsNamespace))
	defer executor.Close()

	provider := marketdata.NewBinanceProvider(sugar.Named("binance"), sourceSymbols(symbols), cfg.BinanceDepthLevels)

	makerMetrics := maker.PrometheusMetrics(metricsNamespace)
	makers := make([]*maker.Maker, 0, len(symbols))
	for _, s := range symbols {
		makers = append(makers, maker.New(s, executor, provider, sugar.Named("maker"), makerMetrics))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range makers {
		m.Start(gctx)
	}
	provider.Start(gctx)
	g.Go(func() error { return executor.Run(gctx) })
	if cfg.APIAddr != "" {
		server := api.NewServer(symbols, executor, provider, sugar.Named("api"))
		g.Go(func() error { return server.Run(gctx, cfg.APIAddr) })
	}

	err = g.Wait()
	sugar.Infow("maker_stopping", "err", err)
	for _, m := range makers {
		m.Stop()
	}
	provider.Stop()
	return err
}

// ensureAllowances approves every market contract for both of its tokens.
func ensureAllowances(ctx context.Context, approver *wallet.TokenApprover, cfg *params.MakerConfig,
	symbols []params.SymbolConfig) error {
	type approval struct{ token, spender common.Address }
	var todo []approval
	for _, s := range symbols {
		for _, name := range s.Tokens() {
			token, ok := cfg.Tokens[name]
			if !ok {
				return fmt.Errorf("symbol %s: no address configured for token %s", s.Symbol, name)
			}
			todo = append(todo, approval{token: token, spender: s.ContractAddress})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range todo {
		g.Go(func() error { return approver.EnsureAllowance(gctx, a.token, a.spender) })
	}
	return g.Wait()
}

// commonNetwork returns the single network every selected symbol trades on.
func commonNetwork(cfg *params.MakerConfig, symbols []params.SymbolConfig) (params.NetworkConfig, error) {
	name := symbols[0].Network
	for _, s := range symbols[1:] {
		if s.Network != name {
			return params.NetworkConfig{}, fmt.Errorf("symbols span networks %s and %s", name, s.Network)
		}
	}
	return cfg.Network(name)
}

func sourceSymbols(symbols []params.SymbolConfig) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range symbols {
		if !seen[s.SourceSymbol] {
			seen[s.SourceSymbol] = true
			out = append(out, s.SourceSymbol)
		}
	}
	sort.Strings(out)
	return out
}

func symbolNames(symbols []params.SymbolConfig) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = s.Symbol
	}
	return out
}
