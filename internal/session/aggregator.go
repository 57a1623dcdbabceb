package session

import (
	"math/big"
	"sync"

	ptypes "github.com/gateway-fm/chainharness/pkg/types"
)

// Collector gathers per-test results for the session report. Results are
// keyed by test ID; a repeated ID overwrites the earlier entry, so a retried
// test reports its final outcome.
type Collector struct {
	mu      sync.Mutex
	results map[string]ptypes.TestResult
	order   []string
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{results: make(map[string]ptypes.TestResult)}
}

// Collect records a test result, replacing any earlier result with the same
// test ID.
func (c *Collector) Collect(result ptypes.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.results[result.TestID]; !seen {
		c.order = append(c.order, result.TestID)
	}
	c.results[result.TestID] = result
}

// Results returns all collected results in first-seen order.
func (c *Collector) Results() []ptypes.TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ptypes.TestResult, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.results[id])
	}
	return out
}

// Counts returns the number of collected results per outcome.
func (c *Collector) Counts() map[ptypes.Outcome]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[ptypes.Outcome]int)
	for _, r := range c.results {
		counts[r.Outcome]++
	}
	return counts
}

// GasInfo is the gas footprint of one test's setup phase.
type GasInfo struct {
	TestID         string
	GasLimit       uint64
	MinimumBalance *big.Int
}

// GasAccumulator totals the gas limits and minimum balances of every test a
// worker ran, for the end-of-session cost summary.
type GasAccumulator struct {
	mu      sync.Mutex
	entries []GasInfo
}

// NewGasAccumulator returns an empty accumulator.
func NewGasAccumulator() *GasAccumulator {
	return &GasAccumulator{}
}

// Add records one test's gas footprint.
func (a *GasAccumulator) Add(info GasInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, GasInfo{
		TestID:         info.TestID,
		GasLimit:       info.GasLimit,
		MinimumBalance: new(big.Int).Set(info.MinimumBalance),
	})
}

// TotalGasLimit returns the summed gas limit across all recorded tests.
func (a *GasAccumulator) TotalGasLimit() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, e := range a.entries {
		total += e.GasLimit
	}
	return total
}

// TotalMinimumBalance returns the summed minimum balance across all
// recorded tests.
func (a *GasAccumulator) TotalMinimumBalance() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := new(big.Int)
	for _, e := range a.entries {
		total.Add(total, e.MinimumBalance)
	}
	return total
}

// Len returns the number of recorded tests.
func (a *GasAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
