// Package types defines value types shared between the harness packages.
package types

import "time"

// Phase identifies which part of a test lifecycle a transaction belongs to.
type Phase string

const (
	PhaseSetup   Phase = "setup"
	PhaseCleanup Phase = "cleanup"
)

// Action identifies why a transaction was queued.
type Action string

const (
	ActionFundEOA        Action = "fund_eoa"
	ActionDeployContract Action = "deploy_contract"
	ActionFundAddress    Action = "fund_address"
	ActionEOAStorageSet  Action = "eoa_storage_set"
	ActionRefundFromEOA  Action = "refund_from_eoa"
)

// TxMetadata tags a queued transaction for diagnostics. It never affects
// what is signed or sent.
type TxMetadata struct {
	TestID string `json:"testId"`
	Phase  Phase  `json:"phase"`
	Action Action `json:"action"`
	Target string `json:"target,omitempty"`
	Index  int    `json:"index"`
}

// Outcome is the final verdict of a single test case.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// TestResult is the per-test record collected by the session aggregator.
type TestResult struct {
	TestID            string    `json:"testId"`
	Outcome           Outcome   `json:"outcome"`
	Error             string    `json:"error,omitempty"`
	Sender            string    `json:"sender"`
	FundedEOAs        []string  `json:"fundedEoas"`
	DeployedContracts []string  `json:"deployedContracts"`
	GasLimit          uint64    `json:"gasLimit"`
	MinimumBalance    string    `json:"minimumBalance"` // wei, decimal string
	CompletedAt       time.Time `json:"completedAt"`
}
