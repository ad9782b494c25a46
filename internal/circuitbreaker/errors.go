package circuitbreaker

import (
	"errors"
	"fmt"
)

// CircuitOpenError is returned when a call is rejected because the circuit
// is open. The wrapped operation was never invoked.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Name)
}

// ExternalServiceError wraps a failure returned by the wrapped operation,
// distinguishing a dependency fault from a rejected call.
type ExternalServiceError struct {
	Name string
	Err  error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Name, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether err indicates a rejected call.
func IsCircuitOpen(err error) bool {
	var openErr *CircuitOpenError
	return errors.As(err, &openErr)
}

// IsExternalFailure reports whether err indicates the dependency itself
// failed after the call was allowed through.
func IsExternalFailure(err error) bool {
	var extErr *ExternalServiceError
	return errors.As(err, &extErr)
}
