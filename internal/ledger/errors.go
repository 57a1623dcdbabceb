package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// StubNotFoundError is returned when a deployment references a stub label
// that is not present in the stub registry.
type StubNotFoundError struct {
	Stub string
}

func (e *StubNotFoundError) Error() string {
	return fmt.Sprintf("stub %q not found in address stubs", e.Stub)
}

// StubEmptyError is returned when a stub resolves to an address that has no
// code on chain.
type StubEmptyError struct {
	Stub    string
	Address common.Address
}

func (e *StubEmptyError) Error() string {
	return fmt.Sprintf("stub %q at %s has no code", e.Stub, e.Address.Hex())
}

// CodeSizeError is returned when runtime code exceeds MaxCodeSize.
type CodeSizeError struct {
	Size int
}

func (e *CodeSizeError) Error() string {
	return fmt.Sprintf("code too large: %d > %d", e.Size, MaxCodeSize)
}

// InitcodeSizeError is returned when assembled initcode exceeds
// MaxInitcodeSize.
type InitcodeSizeError struct {
	Size int
}

func (e *InitcodeSizeError) Error() string {
	return fmt.Sprintf("initcode too large: %d > %d", e.Size, MaxInitcodeSize)
}

// DeferredValueError is returned when a deferred-value transaction cannot be
// resolved because no balance was observed for its recipient.
type DeferredValueError struct {
	Recipient common.Address
}

func (e *DeferredValueError) Error() string {
	return fmt.Sprintf("deferred value for %s cannot be resolved: no observed balance", e.Recipient.Hex())
}
