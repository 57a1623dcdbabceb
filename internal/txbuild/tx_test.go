package txbuild

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/chainharness/internal/account"
)

func testEOA(t *testing.T, index int64) *account.EOA {
	t.Helper()
	eoa, err := account.FromIndex(big.NewInt(index))
	if err != nil {
		t.Fatalf("derive EOA: %v", err)
	}
	return eoa
}

func testSuite() FeeSuite {
	return FeeSuite{
		GasPrice:             big.NewInt(1_000),
		MaxFeePerGas:         big.NewInt(2_000),
		MaxPriorityFeePerGas: big.NewInt(100),
	}
}

func TestSetFeesKeepsExplicitValues(t *testing.T) {
	tx := &PendingTx{MaxFeePerGas: big.NewInt(9_999)}
	tx.SetFees(testSuite())

	if tx.MaxFeePerGas.Cmp(big.NewInt(9_999)) != 0 {
		t.Errorf("explicit max fee overwritten: got %s", tx.MaxFeePerGas)
	}
	if tx.MaxPriorityFeePerGas.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("priority fee = %s, want 100 from suite", tx.MaxPriorityFeePerGas)
	}
}

func TestSignerMinimumBalance(t *testing.T) {
	to := common.HexToAddress("0xaa")
	tx := &PendingTx{
		To:       &to,
		Value:    big.NewInt(500),
		GasLimit: 21_000,
	}
	tx.SetFees(testSuite())

	want := big.NewInt(21_000*2_000 + 500)
	if got := tx.SignerMinimumBalance(); got.Cmp(want) != 0 {
		t.Errorf("SignerMinimumBalance = %s, want %s", got, want)
	}
}

func TestDeferred(t *testing.T) {
	tx := &PendingTx{}
	if !tx.Deferred() {
		t.Error("nil value must report deferred")
	}
	tx.Value = big.NewInt(0)
	if tx.Deferred() {
		t.Error("zero value is resolved, not deferred")
	}
}

func TestSignDynamicFee(t *testing.T) {
	sender := testEOA(t, 1)
	to := common.HexToAddress("0xbb")
	chainID := big.NewInt(1337)

	pending := &PendingTx{
		Sender:   sender,
		To:       &to,
		Nonce:    4,
		Value:    big.NewInt(1),
		GasLimit: 21_000,
	}
	pending.SetFees(testSuite())

	signed, err := pending.Sign(chainID)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if signed.Type() != types.DynamicFeeTxType {
		t.Errorf("tx type = %d, want dynamic fee", signed.Type())
	}
	if signed.Nonce() != 4 {
		t.Errorf("nonce = %d, want 4", signed.Nonce())
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != sender.Address {
		t.Errorf("recovered sender = %s, want %s", from.Hex(), sender.Address.Hex())
	}
}

func TestSignSetCode(t *testing.T) {
	sender := testEOA(t, 1)
	authority := testEOA(t, 2)
	chainID := big.NewInt(1337)

	auth, err := NewAuthorization(chainID, authority.Address, 0, authority)
	if err != nil {
		t.Fatalf("NewAuthorization failed: %v", err)
	}
	recovered, err := auth.Authority()
	if err != nil {
		t.Fatalf("recover authority: %v", err)
	}
	if recovered != authority.Address {
		t.Errorf("authorization authority = %s, want %s", recovered.Hex(), authority.Address.Hex())
	}

	pending := &PendingTx{
		Sender:   sender,
		To:       &authority.Address,
		Value:    big.NewInt(0),
		GasLimit: 100_000,
		AuthList: []types.SetCodeAuthorization{auth},
	}
	pending.SetFees(testSuite())

	signed, err := pending.Sign(chainID)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if signed.Type() != types.SetCodeTxType {
		t.Errorf("tx type = %d, want setcode", signed.Type())
	}
	if got := signed.SetCodeAuthorizations(); len(got) != 1 || got[0].Address != authority.Address {
		t.Errorf("authorization list not carried: %+v", got)
	}
}

func TestSignRejectsIncompleteTransactions(t *testing.T) {
	sender := testEOA(t, 1)
	to := common.HexToAddress("0xcc")

	t.Run("unresolved value", func(t *testing.T) {
		pending := &PendingTx{Sender: sender, To: &to, GasLimit: 21_000}
		pending.SetFees(testSuite())
		if _, err := pending.Sign(big.NewInt(1)); err == nil {
			t.Error("expected error for unresolved value")
		}
	})

	t.Run("missing fees", func(t *testing.T) {
		pending := &PendingTx{Sender: sender, To: &to, Value: big.NewInt(1), GasLimit: 21_000}
		if _, err := pending.Sign(big.NewInt(1)); err == nil {
			t.Error("expected error for missing fees")
		}
	})

	t.Run("setcode without recipient", func(t *testing.T) {
		auth, err := NewAuthorization(big.NewInt(1), to, 0, sender)
		if err != nil {
			t.Fatal(err)
		}
		pending := &PendingTx{Sender: sender, Value: big.NewInt(0), GasLimit: 100_000, AuthList: []types.SetCodeAuthorization{auth}}
		pending.SetFees(testSuite())
		if _, err := pending.Sign(big.NewInt(1)); err == nil {
			t.Error("expected error for setcode creation")
		}
	})
}

func TestNewLegacyTransferCost(t *testing.T) {
	from := testEOA(t, 3)
	to := common.HexToAddress("0xdd")

	signed, err := NewLegacyTransfer(big.NewInt(1), from, 2, to, big.NewInt(100), 21_000, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("NewLegacyTransfer failed: %v", err)
	}
	if signed.Type() != types.LegacyTxType {
		t.Errorf("tx type = %d, want legacy", signed.Type())
	}
	if signed.Nonce() != 2 {
		t.Errorf("nonce = %d, want explicit 2", signed.Nonce())
	}
	if signed.GasPrice().Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("gas price = %s, want 1000", signed.GasPrice())
	}
}
