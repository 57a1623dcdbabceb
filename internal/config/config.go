// Package config handles configuration loading and validation.
package config

import (
	"crypto/rand"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"
)

// Config holds the harness configuration. It is resolved once at startup and
// treated as read-only afterwards.
type Config struct {
	RPCURL string
	WSURL  string // optional WebSocket URL for newHeads wakeups

	// ChainID is the network's chain ID. Exactly one of the chain-id flag
	// and rpc-chain-id must be used: either the value is given explicitly
	// or it is fetched from the node at startup.
	ChainID *big.Int

	// SeedKey is the hex private key funding the whole session.
	SeedKey string

	// EOAStart is the first derivation index for test EOAs. Defaults to a
	// random value so concurrent sessions against the same network never
	// collide on derived accounts.
	EOAStart *big.Int

	Workers    int
	SessionDir string

	// SeedSweepAmount caps how much of the seed key's balance the session
	// may spend. nil sweeps the whole live balance.
	SeedSweepAmount *big.Int
	// FundRefundGasLimit is the gas limit for worker funding and refund
	// transfers. Plain-transfer intrinsic gas by default.
	FundRefundGasLimit uint64

	GasPrice             *big.Int // override, nil = network * 1.5
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	MaxFeePerBlobGas     *big.Int
	TxGasCeiling         uint64
	MaxGasPerTest        uint64

	DatabasePath string
	MetricsAddr  string

	// Stubs is an inline JSON object or a path to a JSON/YAML file mapping
	// contract names to pre-deployed addresses.
	Stubs string

	RPCTimeout     time.Duration
	ReceiptTimeout time.Duration

	DryRun      bool
	SkipCleanup bool
}

// Defaults
const (
	DefaultRPCURL         = "http://localhost:8545"
	DefaultWorkers        = 1
	DefaultSessionDir     = "./session"
	DefaultDatabasePath   = "./data/harness.db"
	DefaultMetricsAddr    = ""
	DefaultTxGasCeiling   = 30_000_000
	DefaultRPCTimeout     = 10 * time.Second
	DefaultReceiptTimeout = 2 * time.Minute

	// DefaultFundRefundGasLimit covers a plain value transfer.
	DefaultFundRefundGasLimit = 21_000
)

// eoaStartBits bounds the random default start index. The full key space is
// used so concurrent sessions against the same network never collide.
const eoaStartBits = 256

// Load parses flags and environment variables into a Config.
// Environment variables provide defaults; flags override them.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		RPCURL:         DefaultRPCURL,
		Workers:        DefaultWorkers,
		SessionDir:     DefaultSessionDir,
		DatabasePath:   DefaultDatabasePath,
		MetricsAddr:    DefaultMetricsAddr,
		TxGasCeiling:   DefaultTxGasCeiling,
		RPCTimeout:     DefaultRPCTimeout,
		ReceiptTimeout: DefaultReceiptTimeout,
	}

	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv("SEED_KEY"); v != "" {
		cfg.SeedKey = v
	}
	if v := os.Getenv("SESSION_DIR"); v != "" {
		cfg.SessionDir = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}

	fs := flag.NewFlagSet("harness", flag.ContinueOnError)
	var (
		rpcURL        = fs.String("rpc", cfg.RPCURL, "Node JSON-RPC URL")
		wsURL         = fs.String("ws", cfg.WSURL, "Node WebSocket URL for newHeads (optional)")
		chainID       = fs.Int64("chain-id", 0, "Chain ID (mutually exclusive with -rpc-chain-id)")
		rpcChainID    = fs.Bool("rpc-chain-id", false, "Fetch the chain ID from the node")
		seedKey       = fs.String("seed-key", cfg.SeedKey, "Hex private key funding the session")
		eoaStart      = fs.String("eoa-start", "", "First EOA derivation index (default random)")
		workers       = fs.Int("workers", cfg.Workers, "Number of worker processes sharing the seed key")
		sessionDir    = fs.String("session-dir", cfg.SessionDir, "Shared directory for cross-worker coordination files")
		sweepAmount   = fs.String("seed-sweep-amount", "", "Max wei of the seed balance to spend (empty = whole balance)")
		fundRefundGas = fs.Uint64("fund-refund-gas-limit", DefaultFundRefundGasLimit, "Gas limit for worker funding and refund transfers")
		gasPrice      = fs.Int64("gas-price", 0, "Gas price in wei (0 = network price * 1.5)")
		maxFee        = fs.Int64("max-fee", 0, "Max fee per gas in wei (0 = derive from gas price)")
		priorityFee   = fs.Int64("priority-fee", 0, "Max priority fee per gas in wei (0 = network tip * 1.5)")
		maxBlobFee    = fs.Int64("max-blob-fee", 0, "Max fee per blob gas in wei (0 = network blob fee * 1.5)")
		txGasCeiling  = fs.Uint64("tx-gas-ceiling", cfg.TxGasCeiling, "Gas limit cap for any single transaction")
		maxGasPerTest = fs.Uint64("max-gas-per-test", 0, "Skip tests whose setup exceeds this gas total (0 = no limit)")
		dbPath        = fs.String("db", cfg.DatabasePath, "SQLite database path")
		metricsAddr   = fs.String("metrics", cfg.MetricsAddr, "Prometheus metrics listen address (empty = disabled)")
		stubs         = fs.String("stubs", "", "Address stubs: inline JSON or path to a JSON/YAML file")
		rpcTimeout    = fs.Duration("rpc-timeout", cfg.RPCTimeout, "Per-request RPC timeout")
		receiptWait   = fs.Duration("receipt-timeout", cfg.ReceiptTimeout, "Max wait for transaction inclusion")
		dryRun        = fs.Bool("dry-run", false, "Build and price transactions without sending")
		skipCleanup   = fs.Bool("skip-cleanup", false, "Leave funded accounts unrefunded after each test")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.RPCURL = *rpcURL
	cfg.WSURL = *wsURL
	cfg.SeedKey = *seedKey
	cfg.Workers = *workers
	cfg.SessionDir = *sessionDir
	cfg.TxGasCeiling = *txGasCeiling
	cfg.MaxGasPerTest = *maxGasPerTest
	cfg.DatabasePath = *dbPath
	cfg.MetricsAddr = *metricsAddr
	cfg.Stubs = *stubs
	cfg.RPCTimeout = *rpcTimeout
	cfg.ReceiptTimeout = *receiptWait
	cfg.DryRun = *dryRun
	cfg.SkipCleanup = *skipCleanup
	cfg.FundRefundGasLimit = *fundRefundGas

	if *gasPrice > 0 {
		cfg.GasPrice = big.NewInt(*gasPrice)
	}
	if *maxFee > 0 {
		cfg.MaxFeePerGas = big.NewInt(*maxFee)
	}
	if *priorityFee > 0 {
		cfg.MaxPriorityFeePerGas = big.NewInt(*priorityFee)
	}
	if *maxBlobFee > 0 {
		cfg.MaxFeePerBlobGas = big.NewInt(*maxBlobFee)
	}
	if *sweepAmount != "" {
		amount, ok := new(big.Int).SetString(*sweepAmount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("invalid -seed-sweep-amount value %q", *sweepAmount)
		}
		cfg.SeedSweepAmount = amount
	}

	if *chainID != 0 && *rpcChainID {
		return nil, fmt.Errorf("-chain-id and -rpc-chain-id are mutually exclusive")
	}
	if *chainID == 0 && !*rpcChainID {
		return nil, fmt.Errorf("either -chain-id or -rpc-chain-id is required")
	}
	if *chainID != 0 {
		cfg.ChainID = big.NewInt(*chainID)
	}

	if *eoaStart != "" {
		start, ok := new(big.Int).SetString(*eoaStart, 10)
		if !ok || start.Sign() < 0 {
			return nil, fmt.Errorf("invalid -eoa-start value %q", *eoaStart)
		}
		cfg.EOAStart = start
	} else {
		start, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), eoaStartBits))
		if err != nil {
			return nil, fmt.Errorf("failed to pick random EOA start index: %w", err)
		}
		cfg.EOAStart = start
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that must hold regardless of how the config was
// built.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if c.SeedKey == "" {
		return fmt.Errorf("seed key is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.TxGasCeiling == 0 {
		return fmt.Errorf("tx gas ceiling must be positive")
	}
	if c.MaxGasPerTest > 0 && c.MaxGasPerTest < 21_000 {
		return fmt.Errorf("max gas per test %d cannot cover a single transfer", c.MaxGasPerTest)
	}
	if c.FundRefundGasLimit > 0 && c.FundRefundGasLimit < DefaultFundRefundGasLimit {
		return fmt.Errorf("fund/refund gas limit %d below transfer intrinsic gas", c.FundRefundGasLimit)
	}
	return nil
}
