// Command harness runs the built-in smoke suite against a live network. Each
// smoke test funds accounts and deploys contracts through a fresh ledger,
// verifies the resulting chain state, and refunds what it used.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/chainharness/internal/account"
	"github.com/gateway-fm/chainharness/internal/config"
	"github.com/gateway-fm/chainharness/internal/coordinator"
	"github.com/gateway-fm/chainharness/internal/ledger"
	"github.com/gateway-fm/chainharness/internal/metrics"
	"github.com/gateway-fm/chainharness/internal/rpc"
	"github.com/gateway-fm/chainharness/internal/session"
	"github.com/gateway-fm/chainharness/internal/storage"
	ptypes "github.com/gateway-fm/chainharness/pkg/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("harness failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	var level slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	clientCfg.Timeout = cfg.RPCTimeout
	clientCfg.ReceiptTimeout = cfg.ReceiptTimeout
	clientCfg.Logger = logger
	client := rpc.NewHTTPClient(clientCfg)

	if cfg.WSURL != "" {
		heads := rpc.NewHeadsWatcher(cfg.WSURL, logger)
		go heads.Run(ctx)
		client.SetHeadsWatcher(heads)
	}

	chainID := cfg.ChainID
	if chainID == nil {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("fetch chain ID: %w", err)
		}
		logger.Info("fetched chain ID from node", slog.String("chain_id", chainID.String()))
	}

	stubs, err := ledger.LoadStubs(cfg.Stubs)
	if err != nil {
		return fmt.Errorf("load stubs: %w", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New(nil)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	seed, err := account.FromHex(cfg.SeedKey)
	if err != nil {
		return fmt.Errorf("parse seed key: %w", err)
	}

	fees, err := session.ResolveFees(ctx, client, session.FeeOverrides{
		GasPrice:             cfg.GasPrice,
		MaxFeePerGas:         cfg.MaxFeePerGas,
		MaxPriorityFeePerGas: cfg.MaxPriorityFeePerGas,
		MaxFeePerBlobGas:     cfg.MaxFeePerBlobGas,
	})
	if err != nil {
		return err
	}
	logger.Info("resolved session fees",
		slog.String("gas_price", fees.GasPrice.String()),
		slog.String("max_fee", fees.MaxFeePerGas.String()),
		slog.String("priority_fee", fees.MaxPriorityFeePerGas.String()),
	)

	if err := os.MkdirAll(cfg.SessionDir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	coord := coordinator.New(client, seed, coordinator.Config{
		ChainID:            chainID,
		Dir:                cfg.SessionDir,
		Workers:            cfg.Workers,
		FundingGasPrice:    fees.GasPrice,
		SweepAmount:        cfg.SeedSweepAmount,
		FundRefundGasLimit: cfg.FundRefundGasLimit,
		DryRun:             cfg.DryRun,
	}, logger)
	sender, err := coord.WorkerKey(ctx)
	if err != nil {
		return fmt.Errorf("obtain worker key: %w", err)
	}
	logger.Info("worker key ready",
		slog.String("address", sender.Address.Hex()),
		slog.String("eoa_start", cfg.EOAStart.String()),
	)

	collector := session.NewCollector()
	gasAcc := session.NewGasAccumulator()
	runner := session.NewRunner(client, sender, account.NewSource(cfg.EOAStart), fees, session.Config{
		ChainID:       chainID,
		TxGasCeiling:  cfg.TxGasCeiling,
		MaxGasPerTest: cfg.MaxGasPerTest,
		DryRun:        cfg.DryRun,
		SkipCleanup:   cfg.SkipCleanup,
		Stubs:         stubs,
	}, collector, gasAcc, store, m, logger)

	for _, test := range smokeTests() {
		if err := ctx.Err(); err != nil {
			logger.Warn("interrupted, stopping test loop")
			break
		}
		runner.Run(ctx, test.name, test.fn)
	}

	spent := gasAcc.TotalMinimumBalance()
	if err := store.RecordSenderUsage(ctx, sender.Address.Hex(), gasAcc.Len(), gasAcc.TotalGasLimit(), spent.String()); err != nil {
		logger.Warn("failed to record sender usage", slog.String("error", err.Error()))
	}
	if err := coord.Refund(ctx, sender); err != nil {
		logger.Error("worker key refund failed, recover funds manually",
			slog.String("error", err.Error()),
			slog.String("private_key", sender.KeyHex()),
		)
	}

	counts := collector.Counts()
	logger.Info("session complete",
		slog.Int("passed", counts[ptypes.OutcomePassed]),
		slog.Int("failed", counts[ptypes.OutcomeFailed]),
		slog.Int("skipped", counts[ptypes.OutcomeSkipped]),
		slog.Uint64("gas_limit_total", gasAcc.TotalGasLimit()),
		slog.String("minimum_balance_total", spent.String()),
	)
	if counts[ptypes.OutcomeFailed] > 0 {
		return fmt.Errorf("%d of %d tests failed", counts[ptypes.OutcomeFailed], len(collector.Results()))
	}
	return nil
}

type smokeTest struct {
	name string
	fn   session.TestFunc
}

// smokeTests exercises every ledger operation against the live network.
func smokeTests() []smokeTest {
	gwei := big.NewInt(1_000_000_000)

	return []smokeTest{
		{"smoke/fund_eoa", func(ctx context.Context, tc *session.TestContext) error {
			_, err := tc.Ledger.FundEOA(ctx, ledger.EOARequest{
				Amount: new(big.Int).Mul(gwei, big.NewInt(10)),
				Label:  "plain",
			})
			return err
		}},
		{"smoke/fund_eoa_deferred", func(ctx context.Context, tc *session.TestContext) error {
			// A deferred amount resolves from the recipient's live balance,
			// which is zero for a fresh account, so this funds nothing but
			// still exercises the deferred path end to end.
			eoa, err := tc.Ledger.FundEOA(ctx, ledger.EOARequest{Label: "deferred"})
			if err != nil {
				return err
			}
			tc.Ledger.FundAddress(eoa.Address, new(big.Int).Mul(gwei, big.NewInt(5)))
			return nil
		}},
		{"smoke/deploy_contract", func(ctx context.Context, tc *session.TestContext) error {
			// PUSH1 0; PUSH1 0; RETURN: a contract that returns nothing.
			code := []byte{0x60, 0x00, 0x60, 0x00, 0xf3}
			_, err := tc.Ledger.DeployContract(ctx, ledger.DeployRequest{
				Code:  code,
				Label: "returner",
			})
			return err
		}},
		{"smoke/deploy_with_storage", func(ctx context.Context, tc *session.TestContext) error {
			code := []byte{0x60, 0x00, 0x60, 0x00, 0xf3}
			_, err := tc.Ledger.DeployContract(ctx, ledger.DeployRequest{
				Code: code,
				Storage: map[common.Hash]common.Hash{
					common.BigToHash(big.NewInt(0)): common.BigToHash(big.NewInt(0xdead)),
					common.BigToHash(big.NewInt(1)): common.BigToHash(big.NewInt(0xbeef)),
				},
				Balance: big.NewInt(1),
				Label:   "stored",
			})
			return err
		}},
		{"smoke/eoa_with_storage", func(ctx context.Context, tc *session.TestContext) error {
			_, err := tc.Ledger.FundEOA(ctx, ledger.EOARequest{
				Amount: new(big.Int).Mul(gwei, big.NewInt(10)),
				Label:  "stateful",
				Storage: map[common.Hash]common.Hash{
					common.BigToHash(big.NewInt(0)): common.BigToHash(big.NewInt(42)),
				},
			})
			return err
		}},
		{"smoke/eoa_self_delegation", func(ctx context.Context, tc *session.TestContext) error {
			_, err := tc.Ledger.FundEOA(ctx, ledger.EOARequest{
				Amount:         new(big.Int).Mul(gwei, big.NewInt(10)),
				Label:          "delegated",
				SelfDelegation: true,
			})
			return err
		}},
		{"smoke/empty_account", func(ctx context.Context, tc *session.TestContext) error {
			_, err := tc.Ledger.EmptyAccount()
			return err
		}},
	}
}
