// Package ledger orchestrates the on-chain setup and cleanup of a single
// test case: it accumulates funding and deployment intents, prices them,
// sends them in order, waits for inclusion, and refunds leftover balances.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/chainharness/internal/account"
	"github.com/gateway-fm/chainharness/internal/rpc"
	"github.com/gateway-fm/chainharness/internal/txbuild"
	ptypes "github.com/gateway-fm/chainharness/pkg/types"
)

const (
	// MaxCodeSize is the EIP-170 runtime code size limit.
	MaxCodeSize = 24576
	// MaxInitcodeSize is the EIP-3860 initcode size limit.
	MaxInitcodeSize = 2 * MaxCodeSize

	// DefaultTxGasCeiling caps the gas limit of any single transaction.
	DefaultTxGasCeiling = 30_000_000

	transferGasLimit = 21_000
	authTxGasLimit   = 100_000
	deployBaseGas    = 21_000 + 32_000
	sstoreSetGas     = 22_600
	codeDepositGas   = 200
)

// Account is the expected post-setup state of an address, used for
// assertions after the pending transactions are included.
type Account struct {
	Nonce   uint64
	Balance *big.Int
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// DeployedContract pairs a deployment's deterministic address with the
// runtime code expected there after inclusion.
type DeployedContract struct {
	Address common.Address
	Code    []byte
}

// Config holds the per-session parameters a ledger needs.
type Config struct {
	ChainID      *big.Int
	TxGasCeiling uint64
	DryRun       bool
}

// Ledger owns all on-chain resources of one test case. It is created at test
// start, mutated only by the test body, and consumed at test end. One ledger
// exists per running test and is never shared; operations are strictly
// sequential, so no locking is needed.
type Ledger struct {
	client rpc.Client
	sender *account.EOA
	eoas   *account.Source
	stubs  Stubs
	cfg    Config
	testID string
	logger *slog.Logger

	pending    []*txbuild.PendingTx
	deployed   []DeployedContract
	fundedEOAs []*account.EOA
	expected   map[common.Address]*Account
	hashes     []common.Hash
}

// New creates the ledger for one test case. The sender is the worker's funded
// spending key.
func New(client rpc.Client, sender *account.EOA, eoas *account.Source, stubs Stubs, testID string, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TxGasCeiling == 0 {
		cfg.TxGasCeiling = DefaultTxGasCeiling
	}
	if stubs == nil {
		stubs = Stubs{}
	}
	return &Ledger{
		client:   client,
		sender:   sender,
		eoas:     eoas,
		stubs:    stubs,
		cfg:      cfg,
		testID:   testID,
		logger:   logger,
		expected: make(map[common.Address]*Account),
	}
}

// EOARequest describes how a fresh EOA should be funded.
type EOARequest struct {
	// Amount is the balance to transfer. nil defers the amount until the
	// recipient's required balance is observed at pricing time.
	Amount *big.Int
	Label  string

	// Storage, when set, deploys a helper contract whose code populates the
	// slots and installs it on the EOA through a setcode authorization.
	Storage map[common.Hash]common.Hash

	// Delegation installs delegated code from the given address;
	// SelfDelegation delegates the EOA to itself.
	Delegation     *common.Address
	SelfDelegation bool
}

// FundEOA allocates a previously unused EOA and queues the transactions that
// fund and configure it. The EOA's expected nonce and balance are recorded
// locally so later calls in the same test see consistent values before
// anything is sent.
func (l *Ledger) FundEOA(ctx context.Context, req EOARequest) (*account.EOA, error) {
	eoa, err := l.eoas.Next()
	if err != nil {
		return nil, err
	}
	eoa.Label = req.Label

	var fundTx *txbuild.PendingTx
	if req.Storage != nil || req.Delegation != nil || req.SelfDelegation {
		if req.Storage != nil {
			setterAddr, err := l.DeployContract(ctx, DeployRequest{Code: storageSetter(req.Storage)})
			if err != nil {
				return nil, fmt.Errorf("deploy storage setter for %s: %w", eoa, err)
			}
			auth, err := txbuild.NewAuthorization(l.cfg.ChainID, setterAddr, eoa.Nonce, eoa)
			if err != nil {
				return nil, err
			}
			eoa.Nonce++
			l.queue(&txbuild.PendingTx{
				Sender:   l.sender,
				To:       &eoa.Address,
				Value:    big.NewInt(0),
				GasLimit: authTxGasLimit,
				AuthList: []types.SetCodeAuthorization{auth},
				Meta:     l.metadata(ptypes.ActionEOAStorageSet, req.Label),
			})
		}

		// The funding transaction either installs the requested delegation
		// or resets it to an address without code.
		delegate := common.Address{}
		switch {
		case req.SelfDelegation:
			delegate = eoa.Address
		case req.Delegation != nil:
			delegate = *req.Delegation
		}
		auth, err := txbuild.NewAuthorization(l.cfg.ChainID, delegate, eoa.Nonce, eoa)
		if err != nil {
			return nil, err
		}
		eoa.Nonce++
		fundTx = &txbuild.PendingTx{
			Sender:   l.sender,
			To:       &eoa.Address,
			Value:    req.Amount,
			GasLimit: authTxGasLimit,
			AuthList: []types.SetCodeAuthorization{auth},
			Meta:     l.metadata(ptypes.ActionFundEOA, req.Label),
		}
	} else if req.Amount == nil || req.Amount.Sign() > 0 {
		fundTx = &txbuild.PendingTx{
			Sender:   l.sender,
			To:       &eoa.Address,
			Value:    req.Amount,
			GasLimit: transferGasLimit,
			Meta:     l.metadata(ptypes.ActionFundEOA, req.Label),
		}
	}

	if fundTx != nil {
		l.queue(fundTx)
		l.logger.Debug("queued EOA funding transaction",
			slog.String("eoa", eoa.String()),
			slog.Uint64("tx_nonce", fundTx.Nonce),
			slog.Int("tx_index", fundTx.Meta.Index),
		)
	}

	expected := &Account{Nonce: eoa.Nonce}
	if req.Amount != nil {
		expected.Balance = new(big.Int).Set(req.Amount)
	}
	l.expected[eoa.Address] = expected
	l.fundedEOAs = append(l.fundedEOAs, eoa)
	return eoa, nil
}

// DeployRequest describes a contract deployment.
type DeployRequest struct {
	Code    []byte
	Storage map[common.Hash]common.Hash
	Balance *big.Int
	// Nonce is the expected post-deployment nonce; defaults to 1.
	Nonce uint64
	Label string
	// Stub, when set, resolves to a pre-existing address from the stub
	// registry instead of deploying.
	Stub string
}

// DeployContract queues a contract deployment and returns the deterministic
// address the contract must end up at, or resolves a stub to its live
// address and adopts that account's on-chain state as the expectation.
func (l *Ledger) DeployContract(ctx context.Context, req DeployRequest) (common.Address, error) {
	if req.Stub != "" {
		return l.resolveStub(ctx, req.Stub, req.Label)
	}

	if len(req.Code) > MaxCodeSize {
		return common.Address{}, &CodeSizeError{Size: len(req.Code)}
	}

	prefix := storagePrefix(req.Storage)
	initcode := wrapInitcode(req.Code, prefix)
	if len(initcode) > MaxInitcodeSize {
		return common.Address{}, &InitcodeSizeError{Size: len(initcode)}
	}

	gasLimit := deployGasLimit(req.Code, initcode, len(req.Storage), l.cfg.TxGasCeiling)

	balance := req.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	nonce := req.Nonce
	if nonce == 0 {
		nonce = 1
	}

	tx := &txbuild.PendingTx{
		Sender:   l.sender,
		Value:    balance,
		Data:     initcode,
		GasLimit: gasLimit,
		Meta:     l.metadata(ptypes.ActionDeployContract, req.Label),
	}
	l.queue(tx)

	contractAddr := crypto.CreateAddress(l.sender.Address, tx.Nonce)
	l.deployed = append(l.deployed, DeployedContract{Address: contractAddr, Code: req.Code})
	l.expected[contractAddr] = &Account{
		Nonce:   nonce,
		Balance: new(big.Int).Set(balance),
		Code:    req.Code,
		Storage: req.Storage,
	}

	l.logger.Info("queued contract deployment",
		slog.String("address", contractAddr.Hex()),
		slog.String("label", req.Label),
		slog.Uint64("gas_limit", gasLimit),
		slog.Int("code_size", len(req.Code)),
		slog.Int("initcode_size", len(initcode)),
		slog.Int("storage_slots", len(req.Storage)),
	)
	return contractAddr, nil
}

func (l *Ledger) resolveStub(ctx context.Context, stub, label string) (common.Address, error) {
	addr, ok := l.stubs[stub]
	if !ok {
		return common.Address{}, &StubNotFoundError{Stub: stub}
	}
	code, err := l.client.GetCode(ctx, addr)
	if err != nil {
		return common.Address{}, fmt.Errorf("get code of stub %q: %w", stub, err)
	}
	if len(code) == 0 {
		return common.Address{}, &StubEmptyError{Stub: stub, Address: addr}
	}
	balance, err := l.client.GetBalance(ctx, addr)
	if err != nil {
		return common.Address{}, fmt.Errorf("get balance of stub %q: %w", stub, err)
	}
	nonce, err := l.client.GetTransactionCount(ctx, addr, "latest")
	if err != nil {
		return common.Address{}, fmt.Errorf("get nonce of stub %q: %w", stub, err)
	}
	l.expected[addr] = &Account{
		Nonce:   nonce,
		Balance: balance,
		Code:    code,
		Storage: map[common.Hash]common.Hash{},
	}
	l.logger.Info("using address stub",
		slog.String("stub", stub),
		slog.String("label", label),
		slog.String("address", addr.Hex()),
		slog.Int("code_size", len(code)),
	)
	return addr, nil
}

// FundAddress queues a transfer to an arbitrary address. If the address is
// already tracked, the amount is added to its expected balance.
func (l *Ledger) FundAddress(addr common.Address, amount *big.Int) {
	l.queue(&txbuild.PendingTx{
		Sender:   l.sender,
		To:       &addr,
		Value:    new(big.Int).Set(amount),
		GasLimit: transferGasLimit,
		Meta:     l.metadata(ptypes.ActionFundAddress, ""),
	})
	if acct, ok := l.expected[addr]; ok {
		if acct.Balance == nil {
			acct.Balance = new(big.Int)
		}
		acct.Balance.Add(acct.Balance, amount)
		return
	}
	l.expected[addr] = &Account{Balance: new(big.Int).Set(amount)}
}

// EmptyAccount allocates a previously unused EOA guaranteed to stay empty:
// zero balance, zero nonce, no code, no queued transaction.
func (l *Ledger) EmptyAccount() (common.Address, error) {
	eoa, err := l.eoas.Next()
	if err != nil {
		return common.Address{}, err
	}
	l.expected[eoa.Address] = &Account{Balance: big.NewInt(0)}
	return eoa.Address, nil
}

// DeferredRecipients returns the recipients of queued transactions whose
// value is still deferred. The caller observes their live balances and feeds
// them to MinimumBalanceForPendingTransactions.
func (l *Ledger) DeferredRecipients() []common.Address {
	var recipients []common.Address
	for _, tx := range l.pending {
		if tx.Deferred() && tx.To != nil {
			recipients = append(recipients, *tx.To)
		}
	}
	return recipients
}

// MinimumBalanceForPendingTransactions resolves every deferred value from the
// observed balances, fixes fee fields, and returns the minimum balance the
// sender needs to afford the whole test plus the total gas consumption.
func (l *Ledger) MinimumBalanceForPendingTransactions(observed map[common.Address]*big.Int, fees txbuild.FeeSuite) (*big.Int, uint64, error) {
	minimum := new(big.Int)
	var gasTotal uint64
	for _, tx := range l.pending {
		if tx.Deferred() {
			if tx.To == nil {
				return nil, 0, fmt.Errorf("deferred value on contract creation (tx %d)", tx.Meta.Index)
			}
			balance, ok := observed[*tx.To]
			if !ok {
				return nil, 0, &DeferredValueError{Recipient: *tx.To}
			}
			tx.Value = new(big.Int).Set(balance)
			l.logger.Debug("resolved deferred value",
				slog.String("recipient", tx.To.Hex()),
				slog.String("value", balance.String()),
			)
		}
		tx.SetFees(fees)
		gasTotal += tx.GasLimit
		minimum.Add(minimum, tx.SignerMinimumBalance())
	}
	minimum.Add(minimum, new(big.Int).Mul(fees.GasPrice, new(big.Int).SetUint64(gasTotal)))
	return minimum, gasTotal, nil
}

// SendPendingTransactions signs and submits every queued transaction in
// queued order, preserving per-sender nonce order. In dry-run mode nothing
// is submitted and no hashes are returned.
func (l *Ledger) SendPendingTransactions(ctx context.Context) ([]common.Hash, error) {
	if l.cfg.DryRun {
		l.logger.Info("dry run, not sending pending transactions",
			slog.Int("count", len(l.pending)),
		)
		return nil, nil
	}
	signed := make([]*types.Transaction, len(l.pending))
	for i, tx := range l.pending {
		stx, err := tx.Sign(l.cfg.ChainID)
		if err != nil {
			return nil, err
		}
		signed[i] = stx
	}
	hashes, err := l.client.SendTransactions(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("send pending transactions: %w", err)
	}
	l.hashes = hashes
	l.logger.Info("sent pending transactions",
		slog.Int("count", len(hashes)),
		slog.Int("deployed_contracts", len(l.deployed)),
		slog.Int("funded_eoas", len(l.fundedEOAs)),
	)
	return hashes, nil
}

// WaitForTransactions blocks until every submitted transaction is included,
// propagating the client's timeout error if any never confirms.
func (l *Ledger) WaitForTransactions(ctx context.Context) ([]*rpc.Receipt, error) {
	receipts := make([]*rpc.Receipt, len(l.hashes))
	for i, hash := range l.hashes {
		receipt, err := l.client.WaitForTransaction(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("wait for transaction %s: %w", hash.Hex(), err)
		}
		receipts[i] = receipt
	}
	l.logger.Info("all pending transactions confirmed", slog.Int("count", len(receipts)))
	return receipts, nil
}

// VerifyDeployments checks that each deployed contract's runtime code on
// chain matches what the deployment promised.
func (l *Ledger) VerifyDeployments(ctx context.Context) error {
	for _, contract := range l.deployed {
		code, err := l.client.GetCode(ctx, contract.Address)
		if err != nil {
			return fmt.Errorf("get code at %s: %w", contract.Address.Hex(), err)
		}
		if !bytes.Equal(code, contract.Code) {
			return fmt.Errorf("deployed contract at %s does not match expected code (not enough gas limit?)", contract.Address.Hex())
		}
	}
	return nil
}

// RefundReport summarizes a teardown pass. Metadata carries one entry per
// refund actually sent, in send order.
type RefundReport struct {
	Sent     int
	Skipped  int
	Failed   int
	Metadata []ptypes.TxMetadata
}

// RefundAll queries the live balance of every EOA this ledger funded and
// sends the remainder after one transfer's cost back to the sender. It runs
// unconditionally after the test, including on failure. Refund errors are
// logged per EOA, with the private key as a manual-recovery hint, and never
// abort the remaining refunds.
func (l *Ledger) RefundAll(ctx context.Context, fees txbuild.FeeSuite) RefundReport {
	var report RefundReport
	var refundHashes []common.Hash

	txCost := new(big.Int).Mul(fees.MaxFeePerGas, big.NewInt(transferGasLimit))
	for _, eoa := range l.fundedEOAs {
		balance, err := l.client.GetBalance(ctx, eoa.Address)
		if err != nil {
			l.logger.Error("refund: balance query failed",
				slog.String("eoa", eoa.String()),
				slog.String("error", err.Error()),
				slog.String("private_key", eoa.KeyHex()),
			)
			report.Failed++
			continue
		}
		nonce, err := l.client.GetTransactionCount(ctx, eoa.Address, "latest")
		if err != nil {
			l.logger.Error("refund: nonce query failed",
				slog.String("eoa", eoa.String()),
				slog.String("error", err.Error()),
				slog.String("private_key", eoa.KeyHex()),
			)
			report.Failed++
			continue
		}
		eoa.Nonce = nonce

		if balance.Cmp(txCost) <= 0 {
			l.logger.Debug("refund skipped: insufficient balance",
				slog.String("eoa", eoa.String()),
				slog.String("balance", balance.String()),
				slog.String("tx_cost", txCost.String()),
			)
			report.Skipped++
			continue
		}

		value := new(big.Int).Sub(balance, txCost)
		refund := &txbuild.PendingTx{
			Sender:               eoa,
			To:                   &l.sender.Address,
			Nonce:                eoa.NextNonce(),
			Value:                value,
			GasLimit:             transferGasLimit,
			MaxFeePerGas:         fees.MaxFeePerGas,
			MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
			Meta: ptypes.TxMetadata{
				TestID: l.testID,
				Phase:  ptypes.PhaseCleanup,
				Action: ptypes.ActionRefundFromEOA,
				Target: eoa.Address.Hex(),
				Index:  report.Sent,
			},
		}
		signed, err := refund.Sign(l.cfg.ChainID)
		if err != nil {
			l.logger.Error("refund: signing failed",
				slog.String("eoa", eoa.String()),
				slog.String("error", err.Error()),
				slog.String("private_key", eoa.KeyHex()),
			)
			report.Failed++
			continue
		}
		hash, err := l.client.SendTransaction(ctx, signed)
		if err != nil {
			l.logger.Error("refund: send failed, recover funds manually",
				slog.String("eoa", eoa.String()),
				slog.String("error", err.Error()),
				slog.String("private_key", eoa.KeyHex()),
			)
			report.Failed++
			continue
		}
		l.logger.Info("refund sent",
			slog.String("eoa", eoa.String()),
			slog.String("value", value.String()),
			slog.String("hash", hash.Hex()),
		)
		refundHashes = append(refundHashes, hash)
		report.Metadata = append(report.Metadata, refund.Meta)
		report.Sent++
	}

	for _, hash := range refundHashes {
		if _, err := l.client.WaitForTransaction(ctx, hash); err != nil {
			l.logger.Warn("refund confirmation failed",
				slog.String("hash", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	l.logger.Info("cleanup complete",
		slog.Int("refunds_sent", report.Sent),
		slog.Int("refunds_skipped", report.Skipped),
		slog.Int("refunds_failed", report.Failed),
	)
	return report
}

// Sender returns the ledger's spending key.
func (l *Ledger) Sender() *account.EOA { return l.sender }

// FundedEOAs returns the EOAs funded by this ledger.
func (l *Ledger) FundedEOAs() []*account.EOA { return l.fundedEOAs }

// DeployedContracts returns the queued deployments.
func (l *Ledger) DeployedContracts() []DeployedContract { return l.deployed }

// PendingCount returns the number of queued transactions.
func (l *Ledger) PendingCount() int { return len(l.pending) }

// PendingMetadata returns the metadata of every queued transaction, in
// queued order.
func (l *Ledger) PendingMetadata() []ptypes.TxMetadata {
	meta := make([]ptypes.TxMetadata, len(l.pending))
	for i, tx := range l.pending {
		meta[i] = tx.Meta
	}
	return meta
}

// ExpectedAccount returns the locally tracked expected state of an address.
func (l *Ledger) ExpectedAccount(addr common.Address) (*Account, bool) {
	acct, ok := l.expected[addr]
	return acct, ok
}

func (l *Ledger) queue(tx *txbuild.PendingTx) {
	tx.Nonce = l.sender.NextNonce()
	tx.Meta.Index = len(l.pending)
	l.pending = append(l.pending, tx)
}

func (l *Ledger) metadata(action ptypes.Action, target string) ptypes.TxMetadata {
	return ptypes.TxMetadata{
		TestID: l.testID,
		Phase:  ptypes.PhaseSetup,
		Action: action,
		Target: target,
	}
}

// deployGasLimit computes a generous deployment gas limit: creation base
// cost, storage set cost per pre-populated slot, code deposit cost, memory
// expansion for the init payload and its calldata cost, all doubled and
// capped at the per-transaction ceiling.
func deployGasLimit(code, initcode []byte, slots int, ceiling uint64) uint64 {
	gas := uint64(deployBaseGas)
	gas += uint64(slots) * sstoreSetGas
	gas += uint64(len(code)) * codeDepositGas
	gas += memoryExpansionGas(len(initcode))
	gas += calldataGas(initcode)
	gas *= 2
	if gas > ceiling {
		gas = ceiling
	}
	return gas
}
