// Command recover sweeps stranded balances out of derived test accounts
// after a crashed or interrupted session. Give it the same EOA start index
// the session ran with and an index count to scan.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/chainharness/internal/recovery"
	"github.com/gateway-fm/chainharness/internal/rpc"
)

func main() {
	if err := run(); err != nil {
		slog.Error("recovery failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		rpcURL      = flag.String("rpc", "http://localhost:8545", "Node JSON-RPC URL")
		chainID     = flag.Int64("chain-id", 0, "Chain ID (0 = fetch from node)")
		start       = flag.String("start", "0", "First derivation index to scan")
		maxIndex    = flag.Uint64("max-index", 1000, "Number of indexes to scan")
		destination = flag.String("destination", "", "Address receiving the swept funds")
		gasPrice    = flag.Int64("gas-price", 0, "Sweep gas price in wei (0 = network price)")
		dryRun      = flag.Bool("dry-run", false, "Report sweepable balances without sending")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	var level slog.Level
	switch *logLevel {
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

	if !common.IsHexAddress(*destination) {
		return fmt.Errorf("-destination must be a valid address, got %q", *destination)
	}
	startIndex, ok := new(big.Int).SetString(*start, 10)
	if !ok || startIndex.Sign() < 0 {
		return fmt.Errorf("invalid -start value %q", *start)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientCfg := rpc.DefaultClientConfig(*rpcURL)
	clientCfg.Logger = logger
	client := rpc.NewHTTPClient(clientCfg)

	id := big.NewInt(*chainID)
	if *chainID == 0 {
		var err error
		id, err = client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("fetch chain ID: %w", err)
		}
	}

	cfg := recovery.Config{
		ChainID:     id,
		Start:       startIndex,
		MaxIndex:    *maxIndex,
		Destination: common.HexToAddress(*destination),
		DryRun:      *dryRun,
	}
	if *gasPrice > 0 {
		cfg.GasPrice = big.NewInt(*gasPrice)
	}

	report, err := recovery.New(client, cfg, logger).Scan(ctx)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d indexes failed; rerun to retry", report.Failed, report.Scanned)
	}
	return nil
}
