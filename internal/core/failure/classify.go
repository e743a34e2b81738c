package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"syscall"
)

// Classify maps any error into a ClassifiedError. Rules are checked in
// priority order: already classified, transient, fatal resource, contract
// violation, everything else permanent. A nil error yields nil.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	if code, ok := transientCode(err); ok {
		return Temporary(code, err)
	}

	if isOutOfMemory(err) {
		return Critical(CodeOutOfMemory, err)
	}

	if isContractViolation(err) {
		return Critical(CodeContractViolation, err)
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return Permanent(CodeValidation+"_"+string(validation.Kind), err)
	}

	var status *StatusError
	if errors.As(err, &status) {
		return &ClassifiedError{
			Severity: ClassifyHTTPStatus(status.StatusCode),
			Code:     fmt.Sprintf("%s_%d", CodeHTTPStatus, status.StatusCode),
			Cause:    err,
		}
	}

	return Permanent("", err)
}

// SeverityOf is shorthand for Classify(err).Severity.
func SeverityOf(err error) Severity {
	if c := Classify(err); c != nil {
		return c.Severity
	}
	return ""
}

// IsRetryable reports whether err classifies as TEMPORARY.
func IsRetryable(err error) bool {
	return SeverityOf(err) == SeverityTemporary
}

// FromPanic classifies a recovered panic value. Error values go through
// Classify; anything else is CRITICAL with CodeUnknownThrownValue.
func FromPanic(v any) *ClassifiedError {
	if err, ok := v.(error); ok {
		return Classify(err)
	}
	return Critical(CodeUnknownThrownValue, fmt.Errorf("panic: %v", v))
}

// ClassifyHTTPStatus maps a provider HTTP status code to a severity.
// 401/403 point at credentials or configuration and are CRITICAL.
func ClassifyHTTPStatus(code int) Severity {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return SeverityCritical
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return SeverityTemporary
	case code >= 500:
		return SeverityTemporary
	default:
		return SeverityPermanent
	}
}

func transientCode(err error) (string, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return CodeAborted, true
	}

	var status *StatusError
	if errors.As(err, &status) {
		if ClassifyHTTPStatus(status.StatusCode) == SeverityTemporary {
			return fmt.Sprintf("%s_%d", CodeHTTPStatus, status.StatusCode), true
		}
		return "", false
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EHOSTUNREACH) {
		return CodeNetwork, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNetwork, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout, true
	}

	// Some client libraries flatten the cause into the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"):
		return CodeNetwork, true
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "deadline exceeded"):
		return CodeTimeout, true
	}
	return "", false
}

func isOutOfMemory(err error) bool {
	if errors.Is(err, syscall.ENOMEM) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "out of memory")
}

func isContractViolation(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var runtimeErr runtime.Error
	return errors.As(err, &runtimeErr)
}
