// Package session runs test cases against a live network: it prepares the
// worker key, executes each test body against a fresh ledger, prices and
// submits the resulting transactions, and aggregates outcomes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/chainharness/internal/account"
	"github.com/gateway-fm/chainharness/internal/ledger"
	"github.com/gateway-fm/chainharness/internal/metrics"
	"github.com/gateway-fm/chainharness/internal/rpc"
	"github.com/gateway-fm/chainharness/internal/txbuild"
	ptypes "github.com/gateway-fm/chainharness/pkg/types"
)

// ErrSkip is returned by a test body to skip the test without failing it.
// Wrap it to attach a reason: fmt.Errorf("%w: fork not active", ErrSkip).
var ErrSkip = errors.New("test skipped")

// TestFunc is a test body. It queues work on the ledger and returns nil to
// proceed to execution, ErrSkip to skip, or any other error to fail.
type TestFunc func(ctx context.Context, tc *TestContext) error

// TestContext is handed to each test body.
type TestContext struct {
	TestID string
	Ledger *ledger.Ledger
	Client rpc.Client
	Fees   txbuild.FeeSuite
}

// ResultStore persists test results. The SQLite store implements it; a nil
// store disables persistence.
type ResultStore interface {
	SaveResult(ctx context.Context, result ptypes.TestResult) error
}

// Config holds the per-worker run parameters.
type Config struct {
	ChainID *big.Int
	// TxGasCeiling caps any single transaction's gas limit.
	TxGasCeiling uint64
	// MaxGasPerTest skips tests whose combined setup gas exceeds it.
	// Zero disables the check.
	MaxGasPerTest uint64
	DryRun        bool
	SkipCleanup   bool
	Stubs         ledger.Stubs
}

// Runner executes tests sequentially on one worker key.
type Runner struct {
	client    rpc.Client
	sender    *account.EOA
	eoas      *account.Source
	fees      txbuild.FeeSuite
	cfg       Config
	collector *Collector
	gasAcc    *GasAccumulator
	store     ResultStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRunner creates a runner. collector and gasAcc must be non-nil; store
// and m may be nil.
func NewRunner(client rpc.Client, sender *account.EOA, eoas *account.Source, fees txbuild.FeeSuite, cfg Config, collector *Collector, gasAcc *GasAccumulator, store ResultStore, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client:    client,
		sender:    sender,
		eoas:      eoas,
		fees:      fees,
		cfg:       cfg,
		collector: collector,
		gasAcc:    gasAcc,
		store:     store,
		metrics:   m,
		logger:    logger,
	}
}

// Run executes one test end to end: build, price, send, confirm, verify,
// refund. It always produces and collects a TestResult; the returned error
// repeats the failure for the caller's control flow.
func (r *Runner) Run(ctx context.Context, testID string, fn TestFunc) error {
	logger := r.logger.With(slog.String("test", testID))
	started := time.Now()
	if r.metrics != nil {
		r.metrics.ActiveTests.Inc()
		defer r.metrics.ActiveTests.Dec()
		defer func() {
			r.metrics.TestDuration.Observe(time.Since(started).Seconds())
		}()
	}

	// The worker key's nonce view may be stale after another test's refunds
	// landed, so resync from the node's pending view before building.
	nonce, err := r.client.GetTransactionCount(ctx, r.sender.Address, "pending")
	if err != nil {
		return r.finish(ctx, logger, testID, nil, nil, 0, fmt.Errorf("resync sender nonce: %w", err))
	}
	r.sender.Nonce = nonce

	led := ledger.New(r.client, r.sender, r.eoas, r.cfg.Stubs, testID, ledger.Config{
		ChainID:      r.cfg.ChainID,
		TxGasCeiling: r.cfg.TxGasCeiling,
		DryRun:       r.cfg.DryRun,
	}, logger)
	tc := &TestContext{TestID: testID, Ledger: led, Client: r.client, Fees: r.fees}

	if err := fn(ctx, tc); err != nil {
		if errors.Is(err, ErrSkip) {
			logger.Info("test skipped", slog.String("reason", err.Error()))
			return r.finishSkipped(ctx, logger, testID, led, err)
		}
		return r.finish(ctx, logger, testID, led, nil, 0, fmt.Errorf("test body: %w", err))
	}

	observed, err := r.observeDeferred(ctx, led)
	if err != nil {
		return r.finish(ctx, logger, testID, led, nil, 0, err)
	}
	minimum, gasTotal, err := led.MinimumBalanceForPendingTransactions(observed, r.fees)
	if err != nil {
		return r.finish(ctx, logger, testID, led, nil, 0, err)
	}
	if r.cfg.MaxGasPerTest > 0 && gasTotal > r.cfg.MaxGasPerTest {
		logger.Info("test skipped: gas above per-test limit",
			slog.Uint64("gas_total", gasTotal),
			slog.Uint64("max_gas_per_test", r.cfg.MaxGasPerTest),
		)
		return r.finishSkipped(ctx, logger, testID, led, fmt.Errorf("%w: setup needs %d gas, limit is %d", ErrSkip, gasTotal, r.cfg.MaxGasPerTest))
	}
	r.gasAcc.Add(GasInfo{TestID: testID, GasLimit: gasTotal, MinimumBalance: minimum})

	balance, err := r.client.GetBalance(ctx, r.sender.Address)
	if err != nil {
		return r.finish(ctx, logger, testID, led, minimum, gasTotal, fmt.Errorf("get sender balance: %w", err))
	}
	if r.metrics != nil {
		bal, _ := new(big.Float).SetInt(balance).Float64()
		r.metrics.SenderBalance.Set(bal)
	}
	if balance.Cmp(minimum) < 0 {
		return r.finish(ctx, logger, testID, led, minimum, gasTotal,
			fmt.Errorf("sender %s balance %s below required minimum %s", r.sender.Address.Hex(), balance, minimum))
	}

	if r.cfg.DryRun {
		logger.Info("dry run: transactions built but not sent",
			slog.Int("pending", led.PendingCount()),
			slog.Uint64("gas_total", gasTotal),
			slog.String("minimum_balance", minimum.String()),
		)
		return r.finish(ctx, logger, testID, led, minimum, gasTotal, nil)
	}

	submitted := time.Now()
	if _, err := led.SendPendingTransactions(ctx); err != nil {
		return r.finish(ctx, logger, testID, led, minimum, gasTotal, err)
	}
	if r.metrics != nil {
		for _, meta := range led.PendingMetadata() {
			r.metrics.RecordTx(string(meta.Phase), string(meta.Action))
		}
	}
	receipts, err := led.WaitForTransactions(ctx)
	if err != nil {
		return r.finish(ctx, logger, testID, led, minimum, gasTotal, err)
	}
	if r.metrics != nil {
		r.metrics.InclusionDelay.Observe(time.Since(submitted).Seconds())
		r.metrics.AddGasLimit(gasTotal)
		for _, receipt := range receipts {
			r.metrics.AddGasUsed(uint64(receipt.GasUsed))
		}
	}
	if err := led.VerifyDeployments(ctx); err != nil {
		return r.finish(ctx, logger, testID, led, minimum, gasTotal, err)
	}
	return r.finish(ctx, logger, testID, led, minimum, gasTotal, nil)
}

func (r *Runner) observeDeferred(ctx context.Context, led *ledger.Ledger) (map[common.Address]*big.Int, error) {
	recipients := led.DeferredRecipients()
	if len(recipients) == 0 {
		return nil, nil
	}
	observed := make(map[common.Address]*big.Int, len(recipients))
	for _, addr := range recipients {
		balance, err := r.client.GetBalance(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("observe balance of %s: %w", addr.Hex(), err)
		}
		observed[addr] = balance
	}
	return observed, nil
}

// finish runs cleanup, builds the result, and records it everywhere.
func (r *Runner) finish(ctx context.Context, logger *slog.Logger, testID string, led *ledger.Ledger, minimum *big.Int, gasTotal uint64, runErr error) error {
	result := ptypes.TestResult{
		TestID:      testID,
		Outcome:     ptypes.OutcomePassed,
		Sender:      r.sender.Address.Hex(),
		GasLimit:    gasTotal,
		CompletedAt: time.Now().UTC(),
	}
	if minimum != nil {
		result.MinimumBalance = minimum.String()
	}
	if runErr != nil {
		result.Outcome = ptypes.OutcomeFailed
		result.Error = runErr.Error()
		logger.Error("test failed", slog.String("error", runErr.Error()))
	}

	if led != nil {
		for _, eoa := range led.FundedEOAs() {
			result.FundedEOAs = append(result.FundedEOAs, eoa.Address.Hex())
		}
		for _, contract := range led.DeployedContracts() {
			result.DeployedContracts = append(result.DeployedContracts, contract.Address.Hex())
		}
		// Cleanup runs on both success and failure so leftover balances are
		// never stranded, unless the run is a dry run (nothing was funded)
		// or cleanup is explicitly disabled.
		if !r.cfg.DryRun && !r.cfg.SkipCleanup {
			report := led.RefundAll(ctx, r.fees)
			if r.metrics != nil {
				for _, meta := range report.Metadata {
					r.metrics.RecordTx(string(meta.Phase), string(meta.Action))
				}
				for i := 0; i < report.Sent; i++ {
					r.metrics.RecordRefund("sent")
				}
				for i := 0; i < report.Skipped; i++ {
					r.metrics.RecordRefund("skipped")
				}
				for i := 0; i < report.Failed; i++ {
					r.metrics.RecordRefund("failed")
				}
			}
		}
	}

	r.record(ctx, logger, result)
	return runErr
}

func (r *Runner) finishSkipped(ctx context.Context, logger *slog.Logger, testID string, led *ledger.Ledger, reason error) error {
	result := ptypes.TestResult{
		TestID:      testID,
		Outcome:     ptypes.OutcomeSkipped,
		Error:       reason.Error(),
		Sender:      r.sender.Address.Hex(),
		CompletedAt: time.Now().UTC(),
	}
	// A skipped test may still have funded EOAs before deciding to skip.
	if led != nil && !r.cfg.DryRun && !r.cfg.SkipCleanup && len(led.FundedEOAs()) > 0 {
		led.RefundAll(ctx, r.fees)
	}
	r.record(ctx, logger, result)
	return nil
}

func (r *Runner) record(ctx context.Context, logger *slog.Logger, result ptypes.TestResult) {
	r.collector.Collect(result)
	if r.metrics != nil {
		r.metrics.RecordTest(string(result.Outcome))
	}
	if r.store != nil {
		if err := r.store.SaveResult(ctx, result); err != nil {
			logger.Warn("failed to persist test result", slog.String("error", err.Error()))
		}
	}
}
