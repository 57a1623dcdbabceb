package session

import (
	"context"
	"math/big"
	"testing"

	"github.com/gateway-fm/chainharness/internal/rpc/rpctest"
)

func TestResolveFeesPadsNetworkValues(t *testing.T) {
	client := &rpctest.Client{
		Gas: big.NewInt(2_000_000_000),
		Tip: big.NewInt(1_000_000_000),
	}
	fees, err := ResolveFees(context.Background(), client, FeeOverrides{})
	if err != nil {
		t.Fatalf("ResolveFees failed: %v", err)
	}
	if fees.GasPrice.Cmp(big.NewInt(3_000_000_000)) != 0 {
		t.Errorf("gas price = %s, want network * 1.5 = 3000000000", fees.GasPrice)
	}
	if fees.MaxPriorityFeePerGas.Cmp(big.NewInt(1_500_000_000)) != 0 {
		t.Errorf("priority fee = %s, want 1500000000", fees.MaxPriorityFeePerGas)
	}
	if fees.MaxFeePerGas.Cmp(fees.GasPrice) != 0 {
		t.Errorf("max fee = %s, want it to follow the padded gas price", fees.MaxFeePerGas)
	}
}

func TestResolveFeesClampsMaxFeeAbovePriority(t *testing.T) {
	client := &rpctest.Client{}
	fees, err := ResolveFees(context.Background(), client, FeeOverrides{
		MaxFeePerGas:         big.NewInt(50),
		MaxPriorityFeePerGas: big.NewInt(100),
	})
	if err != nil {
		t.Fatalf("ResolveFees failed: %v", err)
	}
	if fees.MaxFeePerGas.Cmp(big.NewInt(101)) != 0 {
		t.Errorf("max fee = %s, want clamped to priority+1 = 101", fees.MaxFeePerGas)
	}
}

func TestResolveFeesOverrides(t *testing.T) {
	client := &rpctest.Client{Gas: big.NewInt(999)}
	fees, err := ResolveFees(context.Background(), client, FeeOverrides{
		GasPrice:             big.NewInt(5_000),
		MaxFeePerGas:         big.NewInt(6_000),
		MaxPriorityFeePerGas: big.NewInt(500),
	})
	if err != nil {
		t.Fatalf("ResolveFees failed: %v", err)
	}
	if fees.GasPrice.Cmp(big.NewInt(5_000)) != 0 {
		t.Errorf("gas price = %s, want override 5000 untouched", fees.GasPrice)
	}
	if fees.MaxFeePerGas.Cmp(big.NewInt(6_000)) != 0 {
		t.Errorf("max fee = %s, want override 6000", fees.MaxFeePerGas)
	}
}

func TestResolveFeesBlobFee(t *testing.T) {
	t.Run("padded from network", func(t *testing.T) {
		client := &rpctest.Client{BlobFee: big.NewInt(100)}
		fees, err := ResolveFees(context.Background(), client, FeeOverrides{})
		if err != nil {
			t.Fatal(err)
		}
		if fees.MaxFeePerBlobGas.Cmp(big.NewInt(150)) != 0 {
			t.Errorf("blob fee = %s, want 150", fees.MaxFeePerBlobGas)
		}
	})

	t.Run("absent when node reports zero", func(t *testing.T) {
		client := &rpctest.Client{}
		fees, err := ResolveFees(context.Background(), client, FeeOverrides{})
		if err != nil {
			t.Fatal(err)
		}
		if fees.MaxFeePerBlobGas != nil {
			t.Errorf("blob fee = %s, want nil", fees.MaxFeePerBlobGas)
		}
	})
}
