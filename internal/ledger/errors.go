package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// SaveFailedMessage is the only flush failure text shown to players.
const SaveFailedMessage = "Failed to save progress, will retry"

var (
	ErrValidation     = errors.New("not enough rare candy")
	ErrNegativeAmount = errors.New("amount must be >= 0")
	ErrClosed         = errors.New("ledger closed")
)

// NetworkError means the store could not be reached. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network: %v", e.Err)
	}
	return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectedError means the store answered and declined. A rejection that is not
// retryable is fatal for the session.
type RejectedError struct {
	Status    int
	Reason    string
	Retryable bool
}

func (e *RejectedError) Error() string {
	if e.Status == 0 {
		return "rejected: " + e.Reason
	}
	return fmt.Sprintf("rejected (%d): %s", e.Status, e.Reason)
}

// IsRetryable reports whether a flush failure should be retried. Errors outside
// the taxonomy (context deadlines, decoding failures) count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Retryable
	}
	return true
}

func IsFatal(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && !rejected.Retryable
}

// CheckAffordable guards debits against the displayed balance. Callers run it
// before Deduct or before asking the store for a purchase.
func CheckAffordable(displayed, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return ErrNegativeAmount
	}
	if displayed.LessThan(cost) {
		return fmt.Errorf("%w: need %s, have %s", ErrValidation, cost.StringFixed(2), displayed.StringFixed(2))
	}
	return nil
}
