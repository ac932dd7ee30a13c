package backend

import (
	"fmt"
)

// =============================================================================
// EXCEPTIONS
// =============================================================================

// TransientServiceError is raised when a completion attempt fails in a way a
// retry may repair: network failure, non-2xx status, empty or malformed body.
type TransientServiceError struct {
	Op     string
	Reason string
	Cause  error
}

func (e *TransientServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient failure in %s: %s: %v", e.Op, e.Reason, e.Cause)
	}
	return fmt.Sprintf("transient failure in %s: %s", e.Op, e.Reason)
}

func (e *TransientServiceError) Unwrap() error {
	return e.Cause
}

// NewTransientServiceError creates a new TransientServiceError.
func NewTransientServiceError(op, reason string, cause error) *TransientServiceError {
	return &TransientServiceError{Op: op, Reason: reason, Cause: cause}
}

// RetryExhaustedError is raised when an operation keeps failing past the
// attempt ceiling. It wraps the last attempt's error.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Cause
}

// NewRetryExhaustedError creates a new RetryExhaustedError.
func NewRetryExhaustedError(op string, attempts int, cause error) *RetryExhaustedError {
	return &RetryExhaustedError{Op: op, Attempts: attempts, Cause: cause}
}

// BudgetExceededError is raised when a single acquisition asks for more than
// the budget's full capacity, so no amount of waiting would satisfy it.
type BudgetExceededError struct {
	Budget    string
	Requested float64
	Capacity  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget cannot satisfy request for %.0f (capacity %.0f per minute)",
		e.Budget, e.Requested, e.Capacity)
}

// NewBudgetExceededError creates a new BudgetExceededError.
func NewBudgetExceededError(budget string, requested, capacity float64) *BudgetExceededError {
	return &BudgetExceededError{Budget: budget, Requested: requested, Capacity: capacity}
}
