// Package coordinator hands out funded worker keys when several harness
// processes share one seed key. Cross-process agreement goes through two
// small files in a shared directory, each guarded by an advisory file lock:
// the per-worker funding amount (computed once, by whoever gets there first)
// and the seed key's next nonce (so concurrent funding transactions never
// collide).
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/gateway-fm/chainharness/internal/account"
	"github.com/gateway-fm/chainharness/internal/rpc"
	"github.com/gateway-fm/chainharness/internal/txbuild"
)

const (
	fundingAmountFile = "worker_key_funding_amount"
	seedNonceFile     = "seed_sender_nonce"

	transferGasLimit = 21_000
)

// Config holds the coordination parameters shared by all workers.
type Config struct {
	ChainID *big.Int
	// Dir is the shared directory holding the coordination files. All
	// workers of a session must point at the same directory.
	Dir string
	// Workers is the number of processes sharing the seed key.
	Workers int
	// FundingGasPrice prices the worker funding and refund transactions,
	// which are plain legacy transfers.
	FundingGasPrice *big.Int
	// SweepAmount caps how much of the seed key's balance the session may
	// spend. nil means the whole live balance is divided between workers.
	SweepAmount *big.Int
	// FundRefundGasLimit is the gas limit for funding and refund transfers.
	// Zero means the plain-transfer intrinsic gas. Networks whose transfers
	// cost extra gas need a higher limit here.
	FundRefundGasLimit uint64
	DryRun             bool
}

// Coordinator divides the seed key's balance between worker processes and
// serializes access to the seed key's nonce.
type Coordinator struct {
	client rpc.Client
	seed   *account.EOA
	cfg    Config
	logger *slog.Logger
}

// New creates a coordinator for the given seed key.
func New(client rpc.Client, seed *account.EOA, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.FundRefundGasLimit == 0 {
		cfg.FundRefundGasLimit = transferGasLimit
	}
	return &Coordinator{client: client, seed: seed, cfg: cfg, logger: logger}
}

// fundTxCost is the gas cost of one worker funding transfer.
func (c *Coordinator) fundTxCost() *big.Int {
	return new(big.Int).Mul(c.cfg.FundingGasPrice, new(big.Int).SetUint64(c.cfg.FundRefundGasLimit))
}

// FundingAmount returns the amount each worker key receives. The first
// worker to ask computes it from the seed key's live balance and caches it
// in the shared directory; every later worker reads the cached value, so all
// workers agree even as the seed balance shrinks with each funding transfer.
func (c *Coordinator) FundingAmount(ctx context.Context) (*big.Int, error) {
	path := filepath.Join(c.cfg.Dir, fundingAmountFile)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock funding amount file: %w", err)
	}
	defer lock.Unlock()

	if data, err := os.ReadFile(path); err == nil {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(string(data)), 10)
		if !ok {
			return nil, fmt.Errorf("corrupt funding amount file %s: %q", path, data)
		}
		return amount, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read funding amount file: %w", err)
	}

	available := c.cfg.SweepAmount
	if available == nil {
		balance, err := c.client.GetBalance(ctx, c.seed.Address)
		if err != nil {
			return nil, fmt.Errorf("get seed key balance: %w", err)
		}
		available = balance
	}
	amount := new(big.Int).Div(available, big.NewInt(int64(c.cfg.Workers)))
	amount.Sub(amount, c.fundTxCost())
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("seed key %s balance %s cannot fund %d workers", c.seed.Address.Hex(), available, c.cfg.Workers)
	}
	if err := os.WriteFile(path, []byte(amount.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write funding amount file: %w", err)
	}
	c.logger.Info("computed worker funding amount",
		slog.String("available", available.String()),
		slog.Int("workers", c.cfg.Workers),
		slog.String("amount", amount.String()),
	)
	return amount, nil
}

// nextSeedNonce reads the shared nonce cursor while holding its lock. The
// caller must call release exactly once: commit=true advances the cursor,
// commit=false leaves it untouched. The lock is held for the whole window so
// two workers can never fund with the same nonce.
func (c *Coordinator) nextSeedNonce(ctx context.Context) (nonce uint64, release func(commit bool) error, err error) {
	path := filepath.Join(c.cfg.Dir, seedNonceFile)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return 0, nil, fmt.Errorf("lock seed nonce file: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		nonce, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			lock.Unlock()
			return 0, nil, fmt.Errorf("corrupt seed nonce file %s: %q", path, data)
		}
	case os.IsNotExist(err):
		nonce, err = c.client.GetTransactionCount(ctx, c.seed.Address, "pending")
		if err != nil {
			lock.Unlock()
			return 0, nil, fmt.Errorf("get seed key nonce: %w", err)
		}
	default:
		lock.Unlock()
		return 0, nil, fmt.Errorf("read seed nonce file: %w", err)
	}

	release = func(commit bool) error {
		defer lock.Unlock()
		if !commit {
			return nil
		}
		next := strconv.FormatUint(nonce+1, 10)
		if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
			return fmt.Errorf("write seed nonce file: %w", err)
		}
		return nil
	}
	return nonce, release, nil
}

// WorkerKey returns the spending key for this process. With a single worker
// the seed key is used directly and no funding happens. With several
// workers, a fresh key is generated and funded from the seed key with the
// shared per-worker amount, at a nonce claimed under the cursor lock.
func (c *Coordinator) WorkerKey(ctx context.Context) (*account.EOA, error) {
	if c.cfg.Workers == 1 {
		nonce, err := c.client.GetTransactionCount(ctx, c.seed.Address, "pending")
		if err != nil {
			return nil, fmt.Errorf("get seed key nonce: %w", err)
		}
		c.seed.Nonce = nonce
		return c.seed, nil
	}

	worker, err := account.Generate()
	if err != nil {
		return nil, err
	}
	if c.cfg.DryRun {
		c.logger.Info("dry run: skipping worker key funding", slog.String("worker", worker.Address.Hex()))
		return worker, nil
	}

	amount, err := c.FundingAmount(ctx)
	if err != nil {
		return nil, err
	}

	nonce, release, err := c.nextSeedNonce(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := txbuild.NewLegacyTransfer(c.cfg.ChainID, c.seed, nonce, worker.Address, amount, c.cfg.FundRefundGasLimit, c.cfg.FundingGasPrice)
	if err != nil {
		release(false)
		return nil, err
	}
	hash, err := c.client.SendTransaction(ctx, signed)
	if err != nil {
		release(false)
		return nil, fmt.Errorf("fund worker key %s: %w", worker.Address.Hex(), err)
	}
	if err := release(true); err != nil {
		return nil, err
	}

	if _, err := c.client.WaitForTransaction(ctx, hash); err != nil {
		return nil, fmt.Errorf("wait for worker key funding: %w", err)
	}
	c.logger.Info("funded worker key",
		slog.String("worker", worker.Address.Hex()),
		slog.String("amount", amount.String()),
		slog.Uint64("seed_nonce", nonce),
		slog.String("hash", hash.Hex()),
	)
	return worker, nil
}

// Refund sends a worker key's remaining balance back to the seed key at the
// end of a session. The refund is priced at twice the current network gas
// price so it lands promptly, and the value leaves one wei behind to avoid
// rounding the account into a negative transfer.
func (c *Coordinator) Refund(ctx context.Context, worker *account.EOA) error {
	if worker.Address == c.seed.Address {
		return nil
	}
	if c.cfg.DryRun {
		return nil
	}
	remaining, err := c.client.GetBalance(ctx, worker.Address)
	if err != nil {
		return fmt.Errorf("get worker key balance: %w", err)
	}
	gasPrice, err := c.client.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("get gas price: %w", err)
	}
	gasPrice.Mul(gasPrice, big.NewInt(2))
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(c.cfg.FundRefundGasLimit))

	value := new(big.Int).Sub(remaining, cost)
	value.Sub(value, big.NewInt(1))
	if value.Sign() <= 0 {
		c.logger.Info("worker key refund skipped: balance below refund cost",
			slog.String("worker", worker.Address.Hex()),
			slog.String("balance", remaining.String()),
		)
		return nil
	}

	nonce, err := c.client.GetTransactionCount(ctx, worker.Address, "pending")
	if err != nil {
		return fmt.Errorf("get worker key nonce: %w", err)
	}
	signed, err := txbuild.NewLegacyTransfer(c.cfg.ChainID, worker, nonce, c.seed.Address, value, c.cfg.FundRefundGasLimit, gasPrice)
	if err != nil {
		return err
	}
	hash, err := c.client.SendTransaction(ctx, signed)
	if err != nil {
		return fmt.Errorf("refund worker key %s: %w", worker.Address.Hex(), err)
	}
	if _, err := c.client.WaitForTransaction(ctx, hash); err != nil {
		return fmt.Errorf("wait for worker key refund: %w", err)
	}
	c.logger.Info("refunded worker key",
		slog.String("worker", worker.Address.Hex()),
		slog.String("value", value.String()),
		slog.String("hash", hash.Hex()),
	)
	return nil
}
