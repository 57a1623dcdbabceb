package session

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/chainharness/internal/account"
	"github.com/gateway-fm/chainharness/internal/ledger"
	"github.com/gateway-fm/chainharness/internal/metrics"
	"github.com/gateway-fm/chainharness/internal/rpc/rpctest"
	"github.com/gateway-fm/chainharness/internal/txbuild"
	ptypes "github.com/gateway-fm/chainharness/pkg/types"
)

type memStore struct {
	saved []ptypes.TestResult
}

func (s *memStore) SaveResult(ctx context.Context, result ptypes.TestResult) error {
	s.saved = append(s.saved, result)
	return nil
}

type runnerFixture struct {
	client    *rpctest.Client
	sender    *account.EOA
	collector *Collector
	store     *memStore
	runner    *Runner
}

func newRunnerFixture(t *testing.T, cfg Config) *runnerFixture {
	t.Helper()
	sender, err := account.FromIndex(big.NewInt(424242))
	if err != nil {
		t.Fatalf("derive sender: %v", err)
	}
	client := &rpctest.Client{
		Balances: map[common.Address]*big.Int{
			sender.Address: new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18)),
		},
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1)
	}
	fees := txbuild.FeeSuite{
		GasPrice:             big.NewInt(1_000),
		MaxFeePerGas:         big.NewInt(1_000),
		MaxPriorityFeePerGas: big.NewInt(100),
		MaxFeePerBlobGas:     big.NewInt(7),
	}
	collector := NewCollector()
	store := &memStore{}
	runner := NewRunner(client, sender, account.NewSource(big.NewInt(10_000)), fees, cfg,
		collector, NewGasAccumulator(), store, nil, nil)
	return &runnerFixture{
		client:    client,
		sender:    sender,
		collector: collector,
		store:     store,
		runner:    runner,
	}
}

func fundOne(ctx context.Context, tc *TestContext) error {
	_, err := tc.Ledger.FundEOA(ctx, ledger.EOARequest{Amount: big.NewInt(1_000_000)})
	return err
}

func TestRunnerPassedFlow(t *testing.T) {
	f := newRunnerFixture(t, Config{})

	if err := f.runner.Run(context.Background(), "t1", fundOne); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	results := f.collector.Results()
	if len(results) != 1 {
		t.Fatalf("collected %d results, want 1", len(results))
	}
	r := results[0]
	if r.Outcome != ptypes.OutcomePassed {
		t.Errorf("outcome = %s (%s), want passed", r.Outcome, r.Error)
	}
	if r.GasLimit != 21_000 {
		t.Errorf("gas limit = %d, want 21000", r.GasLimit)
	}
	if len(r.FundedEOAs) != 1 {
		t.Errorf("funded EOAs = %v, want one entry", r.FundedEOAs)
	}
	if len(f.client.Sent) != 1 {
		t.Errorf("sent %d transactions, want 1", len(f.client.Sent))
	}
	if len(f.store.saved) != 1 {
		t.Errorf("persisted %d results, want 1", len(f.store.saved))
	}
}

func TestRunnerSkip(t *testing.T) {
	f := newRunnerFixture(t, Config{})

	err := f.runner.Run(context.Background(), "t1", func(ctx context.Context, tc *TestContext) error {
		return fmt.Errorf("%w: feature not active on this network", ErrSkip)
	})
	if err != nil {
		t.Fatalf("skips must not surface as errors, got %v", err)
	}
	results := f.collector.Results()
	if len(results) != 1 || results[0].Outcome != ptypes.OutcomeSkipped {
		t.Fatalf("results = %+v, want one skipped", results)
	}
	if len(f.client.Sent) != 0 {
		t.Errorf("skipped test sent %d transactions, want 0", len(f.client.Sent))
	}
}

func TestRunnerFailsOnTestBodyError(t *testing.T) {
	f := newRunnerFixture(t, Config{})

	err := f.runner.Run(context.Background(), "t1", func(ctx context.Context, tc *TestContext) error {
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("expected error from failing test body")
	}
	results := f.collector.Results()
	if len(results) != 1 || results[0].Outcome != ptypes.OutcomeFailed {
		t.Fatalf("results = %+v, want one failed", results)
	}
}

func TestRunnerSkipsAboveGasLimit(t *testing.T) {
	f := newRunnerFixture(t, Config{MaxGasPerTest: 10_000})

	// A single transfer needs 21000 gas, above the configured cap.
	if err := f.runner.Run(context.Background(), "t1", fundOne); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	results := f.collector.Results()
	if len(results) != 1 || results[0].Outcome != ptypes.OutcomeSkipped {
		t.Fatalf("results = %+v, want one skipped", results)
	}
	if len(f.client.Sent) != 0 {
		t.Errorf("sent %d transactions, want 0", len(f.client.Sent))
	}
}

func TestRunnerFailsOnInsufficientSenderBalance(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	f.client.Balances[f.sender.Address] = big.NewInt(10)

	if err := f.runner.Run(context.Background(), "t1", fundOne); err == nil {
		t.Fatal("expected failure when the sender cannot cover the minimum balance")
	}
	results := f.collector.Results()
	if len(results) != 1 || results[0].Outcome != ptypes.OutcomeFailed {
		t.Fatalf("results = %+v, want one failed", results)
	}
	if len(f.client.Sent) != 0 {
		t.Errorf("sent %d transactions despite insufficient balance", len(f.client.Sent))
	}
}

func TestRunnerDryRunSendsNothing(t *testing.T) {
	f := newRunnerFixture(t, Config{DryRun: true})

	if err := f.runner.Run(context.Background(), "t1", fundOne); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	results := f.collector.Results()
	if len(results) != 1 || results[0].Outcome != ptypes.OutcomePassed {
		t.Fatalf("results = %+v, want one passed", results)
	}
	if len(f.client.Sent) != 0 {
		t.Errorf("dry run sent %d transactions, want 0", len(f.client.Sent))
	}
	// Pricing still ran: the result carries the minimum balance.
	if results[0].MinimumBalance == "" {
		t.Error("dry run must still report the required minimum balance")
	}
}

func TestRunnerResyncsSenderNonce(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	f.sender.Nonce = 99 // stale advisory value
	f.client.Nonces = map[common.Address]uint64{f.sender.Address: 3}

	if err := f.runner.Run(context.Background(), "t1", fundOne); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.client.Sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(f.client.Sent))
	}
	if got := f.client.Sent[0].Nonce(); got != 3 {
		t.Errorf("transaction nonce = %d, want 3 from chain resync", got)
	}
}

func TestRunnerVerifiesDeployedCode(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	f.client.Codes = map[common.Address][]byte{}

	code := []byte{0x60, 0x00, 0xf3}
	err := f.runner.Run(context.Background(), "t1", func(ctx context.Context, tc *TestContext) error {
		addr, err := tc.Ledger.DeployContract(ctx, ledger.DeployRequest{Code: code})
		if err != nil {
			return err
		}
		// The fake chain serves the right code at the deterministic address.
		f.client.Codes[addr] = code
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// A second deployment whose on-chain code never matches must fail.
	err = f.runner.Run(context.Background(), "t2", func(ctx context.Context, tc *TestContext) error {
		_, err := tc.Ledger.DeployContract(ctx, ledger.DeployRequest{Code: []byte{0xfe}})
		return err
	})
	if err == nil {
		t.Fatal("expected code verification failure")
	}
	counts := f.collector.Counts()
	if counts[ptypes.OutcomePassed] != 1 || counts[ptypes.OutcomeFailed] != 1 {
		t.Errorf("counts = %v, want 1 passed 1 failed", counts)
	}
}

func TestRunnerRecordsTransactionMetrics(t *testing.T) {
	f := newRunnerFixture(t, Config{})
	m := metrics.New(prometheus.NewRegistry())
	f.runner.metrics = m

	// The first EOA the ledger hands out is derived from the source start
	// index; give it a refundable balance so cleanup sends a transfer.
	eoa, err := account.FromIndex(big.NewInt(10_000))
	if err != nil {
		t.Fatal(err)
	}
	f.client.Balances[eoa.Address] = big.NewInt(100_000_000)

	if err := f.runner.Run(context.Background(), "t1", fundOne); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("setup", "fund_eoa")); got != 1 {
		t.Errorf("setup fund_eoa count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("cleanup", "refund_from_eoa")); got != 1 {
		t.Errorf("cleanup refund_from_eoa count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RefundsTotal.WithLabelValues("sent")); got != 1 {
		t.Errorf("refunds sent count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TestsTotal.WithLabelValues("passed")); got != 1 {
		t.Errorf("passed tests count = %v, want 1", got)
	}
}

func TestRunnerDeliversFeeSuiteToTestBody(t *testing.T) {
	f := newRunnerFixture(t, Config{})

	var got txbuild.FeeSuite
	err := f.runner.Run(context.Background(), "t1", func(ctx context.Context, tc *TestContext) error {
		got = tc.Fees
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got.MaxFeePerGas == nil || got.MaxFeePerGas.Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("max fee = %v, want 1000", got.MaxFeePerGas)
	}
	// Test bodies price their own blob transactions, so the resolved blob
	// fee must come through intact.
	if got.MaxFeePerBlobGas == nil || got.MaxFeePerBlobGas.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("blob fee = %v, want 7", got.MaxFeePerBlobGas)
	}
}
