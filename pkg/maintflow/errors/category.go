// Package errors provides error classification and retry strategies for
// the maintenance pipeline.
//
// The package implements a layered error handling approach:
//   - Categorization: classify errors so the bus routes them correctly
//   - Retry: handle transient failures with exponential backoff
//   - Degradation: mark failures where a safe fallback was taken
package errors

import (
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: database timeouts, temporary network issues.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: malformed events, programming errors. Permanent
	// failures are routed to the dead-letter queue after max attempts.
	CategoryPermanent

	// CategoryDegraded indicates a dependency was unavailable but a
	// safe fallback was used. The workflow continues; the error is
	// reported for observability only.
	CategoryDegraded

	// CategoryPolicy indicates a business-rule rejection.
	// Examples: false-positive anomaly. A normal terminal branch,
	// not a failure.
	CategoryPolicy

	// CategoryHumanRequired indicates human intervention is needed.
	// Examples: low-confidence validation on critical equipment.
	CategoryHumanRequired
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryDegraded:
		return "degraded"
	case CategoryPolicy:
		return "policy"
	case CategoryHumanRequired:
		return "human_required"
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

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
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

// Degraded creates a degraded-mode error.
func Degraded(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryDegraded, context)
}

// Policy creates a policy error.
func Policy(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPolicy, context)
}

// HumanRequired creates a human-required error.
func HumanRequired(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryHumanRequired, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	// Check for already-categorized errors
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	// Connectivity errors are transient by definition
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return CategoryTransient
	}

	// Timeouts are worth retrying
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	// Malformed or incompatible events won't improve with retries
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return CategoryPermanent
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsDegraded reports whether a fallback was taken for this error.
func IsDegraded(err error) bool {
	return Categorize(err) == CategoryDegraded
}

// NeedsHuman reports whether human intervention is required.
func NeedsHuman(err error) bool {
	return Categorize(err) == CategoryHumanRequired
}
