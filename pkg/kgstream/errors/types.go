package errors

import "fmt"

// TimeoutError indicates an operation ran out of time.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// GiveUpError is returned when a strategy stops retrying an operation.
// It is distinct from a domain rejection: the operation failed for
// infrastructure reasons and may succeed if attempted again later.
type GiveUpError struct {
	// Op names the operation that was retried.
	Op string
	// Retries is the number of retries performed after the first attempt.
	Retries int
	// Last is the error returned by the final attempt.
	Last error
}

// Error implements the error interface.
func (e *GiveUpError) Error() string {
	return fmt.Sprintf("%s: giving up after %d retries: %v", e.Op, e.Retries, e.Last)
}

// Unwrap returns the last error.
func (e *GiveUpError) Unwrap() error {
	return e.Last
}
