package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/chainharness/internal/account"
	"github.com/gateway-fm/chainharness/internal/rpc/rpctest"
)

func testSeed(t *testing.T) *account.EOA {
	t.Helper()
	seed, err := account.FromIndex(big.NewInt(777))
	if err != nil {
		t.Fatalf("derive seed: %v", err)
	}
	return seed
}

func testConfig(t *testing.T, workers int) Config {
	t.Helper()
	return Config{
		ChainID:         big.NewInt(1),
		Dir:             t.TempDir(),
		Workers:         workers,
		FundingGasPrice: big.NewInt(1_000),
	}
}

func TestSingleWorkerUsesSeedDirectly(t *testing.T) {
	seed := testSeed(t)
	client := &rpctest.Client{
		Nonces: map[common.Address]uint64{seed.Address: 9},
	}
	coord := New(client, seed, testConfig(t, 1), nil)

	worker, err := coord.WorkerKey(context.Background())
	if err != nil {
		t.Fatalf("WorkerKey failed: %v", err)
	}
	if worker.Address != seed.Address {
		t.Error("single worker must spend from the seed key")
	}
	if worker.Nonce != 9 {
		t.Errorf("worker nonce = %d, want 9 from chain resync", worker.Nonce)
	}
	if len(client.Sent) != 0 {
		t.Errorf("single worker sent %d funding transactions, want 0", len(client.Sent))
	}
}

func TestFundingAmountComputedAndCached(t *testing.T) {
	seed := testSeed(t)
	client := &rpctest.Client{
		Balances: map[common.Address]*big.Int{seed.Address: big.NewInt(10_000_000_000)},
	}
	cfg := testConfig(t, 4)
	coord := New(client, seed, cfg, nil)

	// balance/workers - fundTxCost = 2_500_000_000 - 21_000_000
	want := big.NewInt(2_479_000_000)
	amount, err := coord.FundingAmount(context.Background())
	if err != nil {
		t.Fatalf("FundingAmount failed: %v", err)
	}
	if amount.Cmp(want) != 0 {
		t.Errorf("amount = %s, want %s", amount, want)
	}

	// A second coordinator sharing the directory reads the cached value even
	// though the seed balance has since dropped.
	client.Balances[seed.Address] = big.NewInt(1)
	again, err := New(client, seed, cfg, nil).FundingAmount(context.Background())
	if err != nil {
		t.Fatalf("cached FundingAmount failed: %v", err)
	}
	if again.Cmp(want) != 0 {
		t.Errorf("cached amount = %s, want %s", again, want)
	}
}

func TestFundingAmountUsesSweepAmount(t *testing.T) {
	seed := testSeed(t)
	client := &rpctest.Client{
		BalanceErr: func(common.Address) error {
			return fmt.Errorf("balance must not be queried when a sweep amount is set")
		},
	}
	cfg := testConfig(t, 4)
	cfg.SweepAmount = big.NewInt(8_000_000_000)
	coord := New(client, seed, cfg, nil)

	// sweep/workers - fundTxCost = 2_000_000_000 - 21_000_000
	want := big.NewInt(1_979_000_000)
	amount, err := coord.FundingAmount(context.Background())
	if err != nil {
		t.Fatalf("FundingAmount failed: %v", err)
	}
	if amount.Cmp(want) != 0 {
		t.Errorf("amount = %s, want %s", amount, want)
	}
}

func TestFundRefundGasLimitOverride(t *testing.T) {
	seed := testSeed(t)
	worker, err := account.FromIndex(big.NewInt(889))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("funding transfer uses the configured limit", func(t *testing.T) {
		client := &rpctest.Client{
			Balances: map[common.Address]*big.Int{seed.Address: big.NewInt(100_000_000_000)},
		}
		cfg := testConfig(t, 2)
		cfg.FundRefundGasLimit = 40_000
		coord := New(client, seed, cfg, nil)

		if _, err := coord.WorkerKey(context.Background()); err != nil {
			t.Fatalf("WorkerKey failed: %v", err)
		}
		tx := client.Sent[0]
		if tx.Gas() != 40_000 {
			t.Errorf("funding gas limit = %d, want 40000", tx.Gas())
		}
		// balance/workers - 40_000*1_000
		want := big.NewInt(100_000_000_000/2 - 40_000_000)
		if tx.Value().Cmp(want) != 0 {
			t.Errorf("funding value = %s, want %s", tx.Value(), want)
		}
	})

	t.Run("refund cost follows the configured limit", func(t *testing.T) {
		client := &rpctest.Client{
			Balances: map[common.Address]*big.Int{worker.Address: big.NewInt(100_000_000_000)},
			Gas:      big.NewInt(1_000),
		}
		cfg := testConfig(t, 2)
		cfg.FundRefundGasLimit = 40_000
		coord := New(client, seed, cfg, nil)

		if err := coord.Refund(context.Background(), worker); err != nil {
			t.Fatalf("Refund failed: %v", err)
		}
		tx := client.Sent[0]
		if tx.Gas() != 40_000 {
			t.Errorf("refund gas limit = %d, want 40000", tx.Gas())
		}
		// balance - 40_000*2_000 - 1
		want := big.NewInt(100_000_000_000 - 80_000_000 - 1)
		if tx.Value().Cmp(want) != 0 {
			t.Errorf("refund value = %s, want %s", tx.Value(), want)
		}
	})
}

func TestFundingAmountInsufficientBalance(t *testing.T) {
	seed := testSeed(t)
	client := &rpctest.Client{
		Balances: map[common.Address]*big.Int{seed.Address: big.NewInt(21_000_000)},
	}
	coord := New(client, seed, testConfig(t, 2), nil)

	// 21_000_000/2 - 21_000_000 is negative: the session cannot start.
	if _, err := coord.FundingAmount(context.Background()); err == nil {
		t.Error("expected error when the seed cannot fund all workers")
	}
}

func TestWorkerKeySerializesSeedNonce(t *testing.T) {
	seed := testSeed(t)
	client := &rpctest.Client{
		Balances: map[common.Address]*big.Int{seed.Address: big.NewInt(100_000_000_000)},
		Nonces:   map[common.Address]uint64{seed.Address: 5},
	}
	cfg := testConfig(t, 2)
	coord := New(client, seed, cfg, nil)
	ctx := context.Background()

	first, err := coord.WorkerKey(ctx)
	if err != nil {
		t.Fatalf("first WorkerKey failed: %v", err)
	}
	second, err := New(client, seed, cfg, nil).WorkerKey(ctx)
	if err != nil {
		t.Fatalf("second WorkerKey failed: %v", err)
	}
	if first.Address == second.Address {
		t.Error("each worker must get its own key")
	}

	if len(client.Sent) != 2 {
		t.Fatalf("sent %d funding transactions, want 2", len(client.Sent))
	}
	// The first claims the chain nonce, the second the advanced cursor, even
	// though the node still reports 5.
	if client.Sent[0].Nonce() != 5 || client.Sent[1].Nonce() != 6 {
		t.Errorf("funding nonces = %d, %d, want 5, 6", client.Sent[0].Nonce(), client.Sent[1].Nonce())
	}

	data, err := os.ReadFile(filepath.Join(cfg.Dir, seedNonceFile))
	if err != nil {
		t.Fatalf("read nonce cursor: %v", err)
	}
	if got, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); got != 7 {
		t.Errorf("nonce cursor = %d, want 7", got)
	}
}

func TestWorkerKeyFundingValue(t *testing.T) {
	seed := testSeed(t)
	client := &rpctest.Client{
		Balances: map[common.Address]*big.Int{seed.Address: big.NewInt(100_000_000_000)},
	}
	coord := New(client, seed, testConfig(t, 2), nil)

	worker, err := coord.WorkerKey(context.Background())
	if err != nil {
		t.Fatalf("WorkerKey failed: %v", err)
	}

	tx := client.Sent[0]
	if tx.To() == nil || *tx.To() != worker.Address {
		t.Error("funding transaction must pay the new worker key")
	}
	want := big.NewInt(100_000_000_000/2 - 21_000_000)
	if tx.Value().Cmp(want) != 0 {
		t.Errorf("funding value = %s, want %s", tx.Value(), want)
	}
}

func TestWorkerKeyDryRunSkipsFunding(t *testing.T) {
	seed := testSeed(t)
	client := &rpctest.Client{}
	cfg := testConfig(t, 2)
	cfg.DryRun = true
	coord := New(client, seed, cfg, nil)

	worker, err := coord.WorkerKey(context.Background())
	if err != nil {
		t.Fatalf("WorkerKey failed: %v", err)
	}
	if worker.Address == seed.Address {
		t.Error("dry run should still generate a distinct worker key")
	}
	if len(client.Sent) != 0 {
		t.Errorf("dry run sent %d transactions, want 0", len(client.Sent))
	}
}

func TestRefund(t *testing.T) {
	seed := testSeed(t)
	worker, err := account.FromIndex(big.NewInt(888))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("returns remainder at doubled gas price", func(t *testing.T) {
		client := &rpctest.Client{
			Balances: map[common.Address]*big.Int{worker.Address: big.NewInt(100_000_000_000)},
			Gas:      big.NewInt(1_000),
		}
		coord := New(client, seed, testConfig(t, 2), nil)

		if err := coord.Refund(context.Background(), worker); err != nil {
			t.Fatalf("Refund failed: %v", err)
		}
		if len(client.Sent) != 1 {
			t.Fatalf("sent %d transactions, want 1", len(client.Sent))
		}
		tx := client.Sent[0]
		if tx.To() == nil || *tx.To() != seed.Address {
			t.Error("refund must pay the seed key")
		}
		if tx.GasPrice().Cmp(big.NewInt(2_000)) != 0 {
			t.Errorf("refund gas price = %s, want 2000", tx.GasPrice())
		}
		// balance - 21000*2000 - 1
		want := big.NewInt(100_000_000_000 - 42_000_000 - 1)
		if tx.Value().Cmp(want) != 0 {
			t.Errorf("refund value = %s, want %s", tx.Value(), want)
		}
	})

	t.Run("skips dust balances", func(t *testing.T) {
		client := &rpctest.Client{
			Balances: map[common.Address]*big.Int{worker.Address: big.NewInt(42_000_001)},
			Gas:      big.NewInt(1_000),
		}
		coord := New(client, seed, testConfig(t, 2), nil)

		// 42_000_001 - 42_000_000 - 1 = 0: nothing worth recovering.
		if err := coord.Refund(context.Background(), worker); err != nil {
			t.Fatalf("Refund failed: %v", err)
		}
		if len(client.Sent) != 0 {
			t.Errorf("sent %d transactions, want 0", len(client.Sent))
		}
	})

	t.Run("seed key is never refunded to itself", func(t *testing.T) {
		client := &rpctest.Client{}
		coord := New(client, seed, testConfig(t, 1), nil)
		if err := coord.Refund(context.Background(), seed); err != nil {
			t.Fatalf("Refund failed: %v", err)
		}
		if len(client.Sent) != 0 {
			t.Error("refunding the seed to itself must be a no-op")
		}
	})
}
