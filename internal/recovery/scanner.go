// Package recovery sweeps stranded balances out of derived test accounts.
// After a crashed or interrupted session, funded EOAs may still hold value;
// because their keys derive deterministically from an index, a scanner can
// re-derive each key, check its balance, and return what is left to a
// destination address.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/chainharness/internal/account"
	"github.com/gateway-fm/chainharness/internal/rpc"
	"github.com/gateway-fm/chainharness/internal/txbuild"
)

const sweepGasLimit = 21_000

// Config parameterizes a recovery scan.
type Config struct {
	ChainID *big.Int
	// Start is the first derivation index to scan.
	Start *big.Int
	// MaxIndex is the number of indexes to scan from Start.
	MaxIndex uint64
	// Destination receives the swept funds.
	Destination common.Address
	// GasPrice overrides the network gas price for sweep transactions.
	GasPrice *big.Int
	DryRun   bool
}

// Report summarizes one scan.
type Report struct {
	Scanned   uint64
	Swept     int
	Skipped   int
	Failed    int
	Recovered *big.Int
}

// Scanner walks a range of derivation indexes and sweeps recoverable
// balances.
type Scanner struct {
	client rpc.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a scanner.
func New(client rpc.Client, cfg Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Start == nil {
		cfg.Start = new(big.Int)
	}
	return &Scanner{client: client, cfg: cfg, logger: logger}
}

// Scan re-derives each account in [Start, Start+MaxIndex) and sweeps any
// balance that exceeds one transfer's cost to the destination. Indexes are
// handled independently: a failure at one index is logged and counted but
// never stops the scan. Sweeps are submitted without waiting for inclusion;
// rerunning the scan is safe since an already-swept account simply skips.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	report := Report{Recovered: new(big.Int)}

	gasPrice := s.cfg.GasPrice
	if gasPrice == nil {
		var err error
		gasPrice, err = s.client.GasPrice(ctx)
		if err != nil {
			return report, fmt.Errorf("get gas price: %w", err)
		}
	}
	sweepCost := new(big.Int).Mul(gasPrice, big.NewInt(sweepGasLimit))

	for i := uint64(0); i < s.cfg.MaxIndex; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		index := new(big.Int).Add(s.cfg.Start, new(big.Int).SetUint64(i))
		eoa, err := account.FromIndex(index)
		if err != nil {
			s.logger.Error("key derivation failed",
				slog.String("index", index.String()),
				slog.String("error", err.Error()),
			)
			report.Failed++
			continue
		}
		logger := s.logger.With(
			slog.String("index", index.String()),
			slog.String("address", eoa.Address.Hex()),
		)

		balance, err := s.client.GetBalance(ctx, eoa.Address)
		if err != nil {
			logger.Error("balance query failed", slog.String("error", err.Error()))
			report.Failed++
			continue
		}
		if balance.Cmp(sweepCost) <= 0 {
			report.Skipped++
			continue
		}

		value := new(big.Int).Sub(balance, sweepCost)
		if s.cfg.DryRun {
			logger.Info("dry run: would sweep",
				slog.String("balance", balance.String()),
				slog.String("value", value.String()),
			)
			report.Swept++
			report.Recovered.Add(report.Recovered, value)
			continue
		}

		nonce, err := s.client.GetTransactionCount(ctx, eoa.Address, "pending")
		if err != nil {
			logger.Error("nonce query failed", slog.String("error", err.Error()))
			report.Failed++
			continue
		}
		signed, err := txbuild.NewLegacyTransfer(s.cfg.ChainID, eoa, nonce, s.cfg.Destination, value, sweepGasLimit, gasPrice)
		if err != nil {
			logger.Error("sweep signing failed", slog.String("error", err.Error()))
			report.Failed++
			continue
		}
		hash, err := s.client.SendTransaction(ctx, signed)
		if err != nil {
			logger.Error("sweep send failed", slog.String("error", err.Error()))
			report.Failed++
			continue
		}
		logger.Info("swept balance",
			slog.String("value", value.String()),
			slog.String("hash", hash.Hex()),
		)
		report.Swept++
		report.Recovered.Add(report.Recovered, value)
	}

	s.logger.Info("recovery scan complete",
		slog.Uint64("scanned", report.Scanned),
		slog.Int("swept", report.Swept),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.String("recovered", report.Recovered.String()),
	)
	return report, nil
}
