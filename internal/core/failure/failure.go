// Package failure classifies errors from the signing provider, the network
// and the storage layer into retry severities.
package failure

import (
	"errors"
	"fmt"
)

// Severity decides whether an error is worth retrying.
type Severity string

const (
	// SeverityTemporary errors are safe to retry unchanged.
	SeverityTemporary Severity = "TEMPORARY"
	// SeverityPermanent errors never succeed without changing the input.
	SeverityPermanent Severity = "PERMANENT"
	// SeverityCritical errors must reach an operator and are never retried.
	SeverityCritical Severity = "CRITICAL"
)

// Codes attached to classified errors.
const (
	CodeTimeout            = "TIMEOUT"
	CodeAborted            = "ABORTED"
	CodeNetwork            = "NETWORK"
	CodeHTTPStatus         = "HTTP_STATUS"
	CodeOutOfMemory        = "OUT_OF_MEMORY"
	CodeContractViolation  = "CONTRACT_VIOLATION"
	CodeUnknownThrownValue = "UNKNOWN_THROWN_VALUE"
	CodeAttemptTimedOut    = "ATTEMPT_TIMED_OUT"
	CodeValidation         = "VALIDATION"
)

// ErrMalformedResponse marks a provider response that does not match the
// expected contract.
var ErrMalformedResponse = errors.New("malformed provider response")

// ClassifiedError carries a severity decision alongside its cause.
type ClassifiedError struct {
	Severity Severity
	Code     string
	Cause    error
}

func (e *ClassifiedError) Error() string {
	msg := string(e.Severity)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error is TEMPORARY.
func (e *ClassifiedError) Retryable() bool {
	return e.Severity == SeverityTemporary
}

// Temporary wraps err as a TEMPORARY error.
func Temporary(code string, err error) *ClassifiedError {
	return &ClassifiedError{Severity: SeverityTemporary, Code: code, Cause: err}
}

// Permanent wraps err as a PERMANENT error.
func Permanent(code string, err error) *ClassifiedError {
	return &ClassifiedError{Severity: SeverityPermanent, Code: code, Cause: err}
}

// Critical wraps err as a CRITICAL error.
func Critical(code string, err error) *ClassifiedError {
	return &ClassifiedError{Severity: SeverityCritical, Code: code, Cause: err}
}

// StatusError is returned by HTTP clients for non-2xx provider responses.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Operation, e.StatusCode, e.Body)
}
