/*
errors.go - Centralized error types for the finance domain

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; the API maps them to status codes
  through the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Guard errors - Preconditions and verification of guarded mutations
  2. Ledger errors - Append-only and chain violations
  3. State errors - Invariant violations of FinancialState

SEE ALSO:
  - guard.go: Returns guard and state errors
  - ledger.go: Returns ledger errors
*/
package finance

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoDebt is returned when a deletion is requested but no debt exists.
	ErrNoDebt = errors.New("no debt recorded")

	// ErrNoPendingProposal is returned when confirming or cancelling while
	// nothing awaits confirmation, or when the proposal id does not match.
	ErrNoPendingProposal = errors.New("no pending proposal")

	// ErrProposalExpired is returned when a proposal outlived its TTL.
	ErrProposalExpired = errors.New("proposal expired")

	// ErrVerificationFailed is returned when the re-read state does not hold
	// the expected post-condition. The transaction is rolled back.
	ErrVerificationFailed = errors.New("post-write verification failed")

	// ErrConcurrentModification is returned when the stored state differs from
	// the state a mutation was computed from.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateEventID is returned when a ledger id is already taken.
	ErrDuplicateEventID = errors.New("duplicate ledger event id")

	// ErrBrokenChain is returned when ledger ids or snapshots do not chain.
	ErrBrokenChain = errors.New("ledger chain broken")

	// ErrInvalidState is returned when a FinancialState violates an invariant.
	ErrInvalidState = errors.New("invalid financial state")

	// ErrUnknownOperation is returned for a pending operation the guard
	// cannot execute.
	ErrUnknownOperation = errors.New("unknown operation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// VerificationError describes which post-condition failed.
type VerificationError struct {
	UserID    string
	Operation string
	Reason    string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s (user %s): %s", e.Operation, e.UserID, e.Reason)
}

func (e *VerificationError) Unwrap() error {
	return ErrVerificationFailed
}

// ChainError points at the first ledger entry that breaks the chain.
type ChainError struct {
	UserID  string
	EventID int64
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken at event %d (user %s): %s", e.EventID, e.UserID, e.Reason)
}

func (e *ChainError) Unwrap() error {
	return ErrBrokenChain
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNoDebt) ||
		errors.Is(err, ErrNoPendingProposal) ||
		errors.Is(err, ErrProposalExpired)
}

// IsIntegrityError returns true if stored data failed a consistency check.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrVerificationFailed) ||
		errors.Is(err, ErrBrokenChain) ||
		errors.Is(err, ErrInvalidState)
}
