package domain

import "errors"

// Sentinel errors for the round-level failure taxonomy. Each aborts only the
// current round; the orchestrator records the status and moves on.
var (
	// ErrRepairExhausted means a repair episode used all attempts without a
	// passing backtest.
	ErrRepairExhausted = errors.New("repair attempts exhausted")

	// ErrRollbackFailed means a requested rollback could not be performed.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrNoBackup means no strategy backup exists for the requested round.
	ErrNoBackup = errors.New("no backup found for round")
)
