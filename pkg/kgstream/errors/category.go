// Package errors provides error categorization and retry strategies.
//
// The package implements a layered error handling approach:
//   - Categorization: classify errors as transient or permanent
//   - Strategy: decide between retry-with-delay and giving up
//   - Retry: run an operation under a strategy, honoring cancellation
//
// Domain rejections produced by aggregates are not handled here; they are
// returned to the caller unchanged and are never retried.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: index unavailable, timeouts, throttling.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: malformed documents, unknown index, invalid configuration.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of retries that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, retries: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, retries: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// StatusCoder is implemented by errors that carry a remote status code,
// such as failures reported by an external index.
type StatusCoder interface {
	StatusCode() int
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	// Cancellation is never worth retrying
	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	// An exhausted retry loop is restartable by a supervisor
	var giveUp *GiveUpError
	if errors.As(err, &giveUp) {
		return CategoryTransient
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return categorizeStatus(sc.StatusCode())
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

func categorizeStatus(code int) Category {
	switch {
	case code == 408, code == 429:
		return CategoryTransient
	case code >= 500:
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
