// Package storage persists test results and sender usage to SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/chainharness/pkg/types"
)

// SQLiteStorage stores session data in a single SQLite database file. Writes
// go through WAL mode so several worker processes can share one file.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if necessary) the database at dbPath and
// runs migrations.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS test_results (
		test_id TEXT PRIMARY KEY,
		outcome TEXT NOT NULL,
		error_message TEXT,
		sender TEXT NOT NULL,
		funded_eoas TEXT,
		deployed_contracts TEXT,
		gas_limit INTEGER DEFAULT 0,
		minimum_balance TEXT,
		completed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_test_results_outcome ON test_results(outcome);
	CREATE INDEX IF NOT EXISTS idx_test_results_completed ON test_results(completed_at DESC);

	CREATE TABLE IF NOT EXISTS sender_usage (
		sender TEXT PRIMARY KEY,
		tests_run INTEGER DEFAULT 0,
		gas_limit_total INTEGER DEFAULT 0,
		spent_wei TEXT,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveResult upserts a test result. A rerun of the same test ID replaces the
// earlier row.
func (s *SQLiteStorage) SaveResult(ctx context.Context, result types.TestResult) error {
	fundedJSON, err := json.Marshal(result.FundedEOAs)
	if err != nil {
		return fmt.Errorf("failed to marshal funded EOAs: %w", err)
	}
	deployedJSON, err := json.Marshal(result.DeployedContracts)
	if err != nil {
		return fmt.Errorf("failed to marshal deployed contracts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_results (
			test_id, outcome, error_message, sender, funded_eoas,
			deployed_contracts, gas_limit, minimum_balance, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(test_id) DO UPDATE SET
			outcome = excluded.outcome,
			error_message = excluded.error_message,
			sender = excluded.sender,
			funded_eoas = excluded.funded_eoas,
			deployed_contracts = excluded.deployed_contracts,
			gas_limit = excluded.gas_limit,
			minimum_balance = excluded.minimum_balance,
			completed_at = excluded.completed_at`,
		result.TestID, string(result.Outcome), result.Error, result.Sender,
		string(fundedJSON), string(deployedJSON), result.GasLimit,
		result.MinimumBalance, result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save test result: %w", err)
	}
	return nil
}

// ListResults returns results filtered by outcome, or all results when
// outcome is empty, newest first.
func (s *SQLiteStorage) ListResults(ctx context.Context, outcome types.Outcome) ([]types.TestResult, error) {
	query := `
		SELECT test_id, outcome, error_message, sender, funded_eoas,
		       deployed_contracts, gas_limit, minimum_balance, completed_at
		FROM test_results`
	args := []any{}
	if outcome != "" {
		query += " WHERE outcome = ?"
		args = append(args, string(outcome))
	}
	query += " ORDER BY completed_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query test results: %w", err)
	}
	defer rows.Close()

	var results []types.TestResult
	for rows.Next() {
		var r types.TestResult
		var outcomeStr, fundedJSON, deployedJSON string
		if err := rows.Scan(&r.TestID, &outcomeStr, &r.Error, &r.Sender,
			&fundedJSON, &deployedJSON, &r.GasLimit, &r.MinimumBalance, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan test result: %w", err)
		}
		r.Outcome = types.Outcome(outcomeStr)
		unmarshalJSON(fundedJSON, &r.FundedEOAs, "funded_eoas", r.TestID)
		unmarshalJSON(deployedJSON, &r.DeployedContracts, "deployed_contracts", r.TestID)
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecordSenderUsage accumulates a worker key's session totals. spentWei is
// stored as a decimal string since it can exceed 64 bits.
func (s *SQLiteStorage) RecordSenderUsage(ctx context.Context, sender string, testsRun int, gasLimitTotal uint64, spentWei string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sender_usage (sender, tests_run, gas_limit_total, spent_wei, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sender) DO UPDATE SET
			tests_run = sender_usage.tests_run + excluded.tests_run,
			gas_limit_total = sender_usage.gas_limit_total + excluded.gas_limit_total,
			spent_wei = excluded.spent_wei,
			updated_at = excluded.updated_at`,
		sender, testsRun, gasLimitTotal, spentWei, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record sender usage: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical fields where corruption should not fail the query.
func unmarshalJSON(data string, v any, field string, testID string) {
	if data == "" {
		return
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"testID", testID,
			"error", err.Error())
	}
}
