package session

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gateway-fm/chainharness/internal/rpc"
	"github.com/gateway-fm/chainharness/internal/txbuild"
)

// FeeOverrides carries explicitly configured fee values. Nil fields are
// resolved from the network.
type FeeOverrides struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	MaxFeePerBlobGas     *big.Int
}

// ResolveFees builds the session fee suite. Values not overridden are taken
// from the network and padded by half so transactions survive moderate fee
// growth during the run. The max fee is clamped to stay strictly above the
// priority fee, which some nodes reject at equality.
func ResolveFees(ctx context.Context, client rpc.Client, overrides FeeOverrides) (txbuild.FeeSuite, error) {
	var fees txbuild.FeeSuite

	if overrides.GasPrice != nil {
		fees.GasPrice = new(big.Int).Set(overrides.GasPrice)
	} else {
		gasPrice, err := client.GasPrice(ctx)
		if err != nil {
			return fees, fmt.Errorf("resolve gas price: %w", err)
		}
		fees.GasPrice = pad(gasPrice)
	}

	if overrides.MaxPriorityFeePerGas != nil {
		fees.MaxPriorityFeePerGas = new(big.Int).Set(overrides.MaxPriorityFeePerGas)
	} else {
		tip, err := client.MaxPriorityFeePerGas(ctx)
		if err != nil {
			return fees, fmt.Errorf("resolve priority fee: %w", err)
		}
		fees.MaxPriorityFeePerGas = pad(tip)
	}

	if overrides.MaxFeePerGas != nil {
		fees.MaxFeePerGas = new(big.Int).Set(overrides.MaxFeePerGas)
	} else {
		fees.MaxFeePerGas = new(big.Int).Set(fees.GasPrice)
	}

	floor := new(big.Int).Add(fees.MaxPriorityFeePerGas, big.NewInt(1))
	if fees.MaxFeePerGas.Cmp(floor) < 0 {
		fees.MaxFeePerGas = floor
	}

	if overrides.MaxFeePerBlobGas != nil {
		fees.MaxFeePerBlobGas = new(big.Int).Set(overrides.MaxFeePerBlobGas)
	} else {
		blobFee, err := client.BlobBaseFee(ctx)
		if err == nil && blobFee.Sign() > 0 {
			fees.MaxFeePerBlobGas = pad(blobFee)
		}
	}

	return fees, nil
}

// pad multiplies a network fee by 1.5.
func pad(fee *big.Int) *big.Int {
	padded := new(big.Int).Mul(fee, big.NewInt(3))
	return padded.Div(padded, big.NewInt(2))
}
