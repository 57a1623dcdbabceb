// Package txbuild turns queued transaction intents into signed transactions.
package txbuild

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/gateway-fm/chainharness/internal/account"
	ptypes "github.com/gateway-fm/chainharness/pkg/types"
)

// FeeSuite bundles the fee fields every transaction in a test is priced with.
type FeeSuite struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	MaxFeePerBlobGas     *big.Int
}

// PendingTx is a transaction that has been queued but not yet signed or sent.
//
// Value may be nil (deferred): it is only legal when the recipient's future
// balance is derived from another account's observed on-chain balance, and it
// must be resolved before fees are fixed or the transaction is signed.
type PendingTx struct {
	Sender   *account.EOA
	To       *common.Address // nil = contract creation
	Nonce    uint64
	Value    *big.Int
	Data     []byte
	GasLimit uint64

	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	AuthList []types.SetCodeAuthorization

	Meta ptypes.TxMetadata
}

// Deferred reports whether the transaction's value is still unresolved.
func (p *PendingTx) Deferred() bool {
	return p.Value == nil
}

// SetFees fixes the transaction's fee fields from the suite. Fields already
// set explicitly are kept.
func (p *PendingTx) SetFees(fees FeeSuite) {
	if p.MaxFeePerGas == nil {
		p.MaxFeePerGas = fees.MaxFeePerGas
	}
	if p.MaxPriorityFeePerGas == nil {
		p.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas
	}
}

// SignerMinimumBalance returns the minimum balance the sender must hold for
// this transaction to be accepted: the full fee allowance plus the value.
func (p *PendingTx) SignerMinimumBalance() *big.Int {
	minimum := new(big.Int).Mul(p.MaxFeePerGas, new(big.Int).SetUint64(p.GasLimit))
	if p.Value != nil {
		minimum.Add(minimum, p.Value)
	}
	return minimum
}

// Sign resolves the pending transaction into a signed transaction. The value
// must have been resolved and the fees fixed.
func (p *PendingTx) Sign(chainID *big.Int) (*types.Transaction, error) {
	if p.Value == nil {
		return nil, fmt.Errorf("transaction %d for test %q has unresolved value", p.Meta.Index, p.Meta.TestID)
	}
	if p.MaxFeePerGas == nil || p.MaxPriorityFeePerGas == nil {
		return nil, fmt.Errorf("transaction %d for test %q has no fees set", p.Meta.Index, p.Meta.TestID)
	}

	var tx *types.Transaction
	if len(p.AuthList) > 0 {
		if p.To == nil {
			return nil, fmt.Errorf("setcode transaction requires a recipient")
		}
		tx = types.NewTx(&types.SetCodeTx{
			ChainID:   uint256.MustFromBig(chainID),
			Nonce:     p.Nonce,
			GasTipCap: uint256.MustFromBig(p.MaxPriorityFeePerGas),
			GasFeeCap: uint256.MustFromBig(p.MaxFeePerGas),
			Gas:       p.GasLimit,
			To:        *p.To,
			Value:     uint256.MustFromBig(p.Value),
			Data:      p.Data,
			AuthList:  p.AuthList,
		})
	} else {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     p.Nonce,
			GasTipCap: p.MaxPriorityFeePerGas,
			GasFeeCap: p.MaxFeePerGas,
			Gas:       p.GasLimit,
			To:        p.To,
			Value:     p.Value,
			Data:      p.Data,
		})
	}

	signer := types.LatestSignerForChainID(chainID)
	signed, err := types.SignTx(tx, signer, p.Sender.Key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction %d for test %q: %w", p.Meta.Index, p.Meta.TestID, err)
	}
	return signed, nil
}

// NewAuthorization builds a signed setcode authorization tuple installing (or,
// for the zero address, clearing) delegated code on the signer's account.
func NewAuthorization(chainID *big.Int, address common.Address, nonce uint64, signer *account.EOA) (types.SetCodeAuthorization, error) {
	auth, err := types.SignSetCode(signer.Key, types.SetCodeAuthorization{
		ChainID: *uint256.MustFromBig(chainID),
		Address: address,
		Nonce:   nonce,
	})
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("sign authorization for %s: %w", signer.Address.Hex(), err)
	}
	return auth, nil
}

// NewLegacyTransfer builds and signs a legacy value transfer at an explicit
// gas price. The worker funding and refund transactions use this path so the
// exact transaction cost is gasLimit*gasPrice.
func NewLegacyTransfer(chainID *big.Int, from *account.EOA, nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int) (*types.Transaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), from.Key)
	if err != nil {
		return nil, fmt.Errorf("sign transfer from %s: %w", from.Address.Hex(), err)
	}
	return signed, nil
}
