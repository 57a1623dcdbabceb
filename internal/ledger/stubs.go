package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Stubs maps symbolic contract labels to addresses already deployed on the
// target network. Tests reference the label; the ledger substitutes the
// address instead of deploying.
type Stubs map[string]common.Address

// LoadStubs parses a stub registry from inline JSON, or from a .json/.yml/
// .yaml file if the argument resembles an existing file path. An empty
// argument yields an empty registry.
func LoadStubs(jsonOrPath string) (Stubs, error) {
	trimmed := strings.TrimSpace(jsonOrPath)
	if trimmed == "" {
		return Stubs{}, nil
	}

	lower := strings.ToLower(trimmed)
	if strings.HasSuffix(lower, ".json") || strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml") {
		if info, err := os.Stat(trimmed); err == nil && !info.IsDir() {
			data, err := os.ReadFile(trimmed)
			if err != nil {
				return nil, fmt.Errorf("read stubs file: %w", err)
			}
			if strings.HasSuffix(lower, ".json") {
				return parseStubs(data, json.Unmarshal)
			}
			return parseStubs(data, yaml.Unmarshal)
		}
	}

	return parseStubs([]byte(trimmed), json.Unmarshal)
}

func parseStubs(data []byte, unmarshal func([]byte, interface{}) error) (Stubs, error) {
	var raw map[string]string
	if err := unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse stubs: %w", err)
	}
	stubs := make(Stubs, len(raw))
	for label, addr := range raw {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("stub %q has invalid address %q", label, addr)
		}
		stubs[label] = common.HexToAddress(addr)
	}
	return stubs, nil
}
