package services

import "errors"

// Domain errors surfaced by the wallet, reconciliation and purchase services.
var (
	// ErrInsufficientFunds: a debit would take the wallet balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyOwned: the user already holds an entitlement for the item.
	ErrAlreadyOwned = errors.New("item already owned")

	// ErrDuplicateCorrelation: a non-terminal ledger entry already exists for
	// the correlation id; callers must use a fresh id per attempt.
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")

	// ErrUnknownCorrelation: no entry exists for the correlation id. Benign
	// for callback processing (treated as an idempotent no-op), an error for
	// owner-scoped status polling.
	ErrUnknownCorrelation = errors.New("unknown correlation id")

	// ErrDailyLimitExceeded: the amount exceeds the wallet's daily limit for
	// the operation class.
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")

	// ErrWalletConflict: the optimistic version check lost a race; the caller
	// may retry the whole transaction.
	ErrWalletConflict = errors.New("wallet version conflict")

	// ErrInvalidTransition: a consultation state change that the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)
