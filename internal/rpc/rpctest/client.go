// Package rpctest provides an in-memory Client for tests.
package rpctest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/chainharness/internal/rpc"
)

// Client is a fake rpc.Client backed by in-memory maps. Zero values behave
// like an empty chain: unknown addresses have zero balance, zero nonce and
// no code. Optional hook functions inject errors or override behavior.
type Client struct {
	Net      *big.Int // chain ID, defaults to 1
	Balances map[common.Address]*big.Int
	Nonces   map[common.Address]uint64
	Codes    map[common.Address][]byte
	Gas      *big.Int // suggested gas price, defaults to 1 gwei
	Tip      *big.Int // suggested priority fee, defaults to 1 gwei
	BlobFee  *big.Int // blob base fee, defaults to 0

	// Sent records every submitted transaction in order.
	Sent []*types.Transaction

	// Receipts overrides the receipt returned for a hash; absent hashes get
	// a successful receipt.
	Receipts map[common.Hash]*rpc.Receipt

	// Hooks. A nil hook means the default behavior above.
	CallFn      func(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
	BalanceErr  func(address common.Address) error
	SendErr     func(tx *types.Transaction) error
	WaitErr     func(hash common.Hash) error
	GasPriceErr error
	NonceErr    error
}

var _ rpc.Client = (*Client)(nil)

func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.CallFn != nil {
		return c.CallFn(ctx, method, params)
	}
	return nil, fmt.Errorf("rpctest: method %s not stubbed", method)
}

func (c *Client) BatchCall(ctx context.Context, calls []rpc.BatchRequest) ([]rpc.BatchResponse, error) {
	out := make([]rpc.BatchResponse, len(calls))
	for i, call := range calls {
		result, err := c.Call(ctx, call.Method, call.Params)
		out[i] = rpc.BatchResponse{Result: result, Error: err}
	}
	return out, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c.Net != nil {
		return new(big.Int).Set(c.Net), nil
	}
	return big.NewInt(1), nil
}

func (c *Client) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	if c.BalanceErr != nil {
		if err := c.BalanceErr(address); err != nil {
			return nil, err
		}
	}
	if b, ok := c.Balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *Client) GetTransactionCount(ctx context.Context, address common.Address, block string) (uint64, error) {
	if c.NonceErr != nil {
		return 0, c.NonceErr
	}
	return c.Nonces[address], nil
}

func (c *Client) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	return c.Codes[address], nil
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	if c.GasPriceErr != nil {
		return nil, c.GasPriceErr
	}
	if c.Gas != nil {
		return new(big.Int).Set(c.Gas), nil
	}
	return big.NewInt(1_000_000_000), nil
}

func (c *Client) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	if c.Tip != nil {
		return new(big.Int).Set(c.Tip), nil
	}
	return big.NewInt(1_000_000_000), nil
}

func (c *Client) BlobBaseFee(ctx context.Context) (*big.Int, error) {
	if c.BlobFee != nil {
		return new(big.Int).Set(c.BlobFee), nil
	}
	return new(big.Int), nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if c.SendErr != nil {
		if err := c.SendErr(tx); err != nil {
			return common.Hash{}, err
		}
	}
	c.Sent = append(c.Sent, tx)
	return tx.Hash(), nil
}

func (c *Client) SendTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error) {
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hash, err := c.SendTransaction(ctx, tx)
		if err != nil {
			return nil, err
		}
		hashes[i] = hash
	}
	return hashes, nil
}

func (c *Client) WaitForTransaction(ctx context.Context, hash common.Hash) (*rpc.Receipt, error) {
	if c.WaitErr != nil {
		if err := c.WaitErr(hash); err != nil {
			return nil, err
		}
	}
	if r, ok := c.Receipts[hash]; ok {
		return r, nil
	}
	return &rpc.Receipt{TxHash: hash, Status: hexutil.Uint64(1), GasUsed: hexutil.Uint64(21_000)}, nil
}
