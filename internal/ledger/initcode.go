package ledger

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
)

// pushValue appends the shortest PUSH instruction for a 32-byte word.
func pushValue(code []byte, word common.Hash) []byte {
	trimmed := word.Bytes()
	for len(trimmed) > 1 && trimmed[0] == 0 {
		trimmed = trimmed[1:]
	}
	code = append(code, byte(vm.PUSH1)+byte(len(trimmed)-1))
	return append(code, trimmed...)
}

func pushUint16(code []byte, v uint16) []byte {
	return append(code, byte(vm.PUSH2), byte(v>>8), byte(v))
}

// sortedSlots returns storage keys in deterministic order so the same storage
// map always assembles to the same bytecode.
func sortedSlots(storage map[common.Hash]common.Hash) []common.Hash {
	keys := make([]common.Hash, 0, len(storage))
	for k := range storage {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Cmp(keys[j]) < 0
	})
	return keys
}

// storagePrefix assembles SSTORE instructions setting every slot in the map.
func storagePrefix(storage map[common.Hash]common.Hash) []byte {
	var code []byte
	for _, key := range sortedSlots(storage) {
		code = pushValue(code, storage[key])
		code = pushValue(code, key)
		code = append(code, byte(vm.SSTORE))
	}
	return code
}

// storageSetter assembles the runtime code of the helper contract used to
// populate an EOA's storage through a setcode delegation: the SSTORE prefix
// followed by STOP.
func storageSetter(storage map[common.Hash]common.Hash) []byte {
	return append(storagePrefix(storage), byte(vm.STOP))
}

// wrapInitcode assembles initcode that runs the given prefix and then returns
// deployCode as the contract's runtime code:
//
//	<prefix> PUSH2 len DUP1 PUSH2 offset PUSH1 0 CODECOPY PUSH1 0 RETURN <deployCode>
//
// Initcode never exceeds MaxInitcodeSize, so PUSH2 operands always fit.
func wrapInitcode(deployCode, prefix []byte) []byte {
	const routineSize = 13
	offset := len(prefix) + routineSize

	code := make([]byte, 0, offset+len(deployCode))
	code = append(code, prefix...)
	code = pushUint16(code, uint16(len(deployCode)))
	code = append(code, byte(vm.DUP1))
	code = pushUint16(code, uint16(offset))
	code = append(code, byte(vm.PUSH1), 0)
	code = append(code, byte(vm.CODECOPY))
	code = append(code, byte(vm.PUSH1), 0)
	code = append(code, byte(vm.RETURN))
	return append(code, deployCode...)
}

// memoryExpansionGas is the cost of expanding EVM memory to n bytes.
func memoryExpansionGas(n int) uint64 {
	words := uint64((n + 31) / 32)
	return 3*words + words*words/512
}

// calldataGas is the intrinsic calldata cost of the payload: 4 gas per zero
// byte, 16 per non-zero byte.
func calldataGas(data []byte) uint64 {
	var gas uint64
	for _, b := range data {
		if b == 0 {
			gas += 4
		} else {
			gas += 16
		}
	}
	return gas
}
