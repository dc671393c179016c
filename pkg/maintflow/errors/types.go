package errors

import "fmt"

// ConnectivityError indicates a dependency could not be reached.
// These are always treated as transient.
type ConnectivityError struct {
	Dependency string
	Op         string
	Err        error
}

// Error implements the error interface.
func (e *ConnectivityError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s unavailable during %s: %v", e.Dependency, e.Op, e.Err)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// SchemaError indicates an event failed schema validation or could not
// be decoded into its expected payload type.
type SchemaError struct {
	EventType string
	Message   string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("schema error for %s: %s", e.EventType, e.Message)
	}
	return fmt.Sprintf("schema error: %s", e.Message)
}

// ModelUnavailableError indicates a model artifact could not be
// recommended or loaded. Callers fall back to the statistical detector.
type ModelUnavailableError struct {
	SensorType string
	Err        error
}

// Error implements the error interface.
func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model unavailable for sensor type %s: %v", e.SensorType, e.Err)
}

// Unwrap returns the underlying error.
func (e *ModelUnavailableError) Unwrap() error {
	return e.Err
}
