package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestClassify(t *testing.T) {
	var syntaxErr error
	if err := json.Unmarshal([]byte("{not json"), &struct{}{}); err != nil {
		syntaxErr = err
	}

	tests := []struct {
		name     string
		err      error
		severity Severity
	}{
		{"deadline", context.DeadlineExceeded, SeverityTemporary},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), SeverityTemporary},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), SeverityTemporary},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, SeverityTemporary},
		{"dns", &net.DNSError{Err: "no such host", Name: "sign.example"}, SeverityTemporary},
		{"http 408", &StatusError{StatusCode: 408}, SeverityTemporary},
		{"http 429", &StatusError{StatusCode: 429}, SeverityTemporary},
		{"http 503", &StatusError{StatusCode: 503}, SeverityTemporary},
		{"http 401", &StatusError{StatusCode: 401}, SeverityCritical},
		{"http 403", &StatusError{StatusCode: 403}, SeverityCritical},
		{"http 404", &StatusError{StatusCode: 404}, SeverityPermanent},
		{"http 422", &StatusError{StatusCode: 422}, SeverityPermanent},
		{"oom", errors.New("runtime: out of memory"), SeverityCritical},
		{"malformed", fmt.Errorf("getStatus: %w", ErrMalformedResponse), SeverityCritical},
		{"json syntax", syntaxErr, SeverityCritical},
		{"validation", NewValidation(SignerEmailsCollide, ""), SeverityPermanent},
		{"plain", errors.New("document is locked"), SeverityPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got == nil {
				t.Fatal("expected classification, got nil")
			}
			if got.Severity != tt.severity {
				t.Errorf("expected %s, got %s (%v)", tt.severity, got.Severity, got)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error should wrap its cause")
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	original := Critical("CONFIG", errors.New("api key missing"))
	wrapped := fmt.Errorf("createDocument: %w", original)

	if got := Classify(wrapped); got != original {
		t.Errorf("expected already-classified error to pass through unchanged, got %v", got)
	}

	// A classified TEMPORARY error stays TEMPORARY even if its cause looks fatal.
	tmp := Temporary("CUSTOM", errors.New("out of memory"))
	if got := Classify(tmp); got.Severity != SeverityTemporary {
		t.Errorf("expected TEMPORARY pass-through, got %s", got.Severity)
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestFromPanic(t *testing.T) {
	got := FromPanic("boom")
	if got.Severity != SeverityCritical || got.Code != CodeUnknownThrownValue {
		t.Errorf("expected CRITICAL %s, got %s %s", CodeUnknownThrownValue, got.Severity, got.Code)
	}

	got = FromPanic(context.DeadlineExceeded)
	if got.Severity != SeverityTemporary {
		t.Errorf("error panic values should be classified normally, got %s", got.Severity)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]Severity{
		400: SeverityPermanent,
		401: SeverityCritical,
		403: SeverityCritical,
		404: SeverityPermanent,
		408: SeverityTemporary,
		409: SeverityPermanent,
		429: SeverityTemporary,
		500: SeverityTemporary,
		502: SeverityTemporary,
		504: SeverityTemporary,
	}
	for code, want := range cases {
		if got := ClassifyHTTPStatus(code); got != want {
			t.Errorf("status %d: expected %s, got %s", code, want, got)
		}
	}
}

func TestValidationError_MatchByKind(t *testing.T) {
	err := fmt.Errorf("prepare session: %w", NewValidation(CounterpartyEmailMissing, "sheet-1"))

	var v *ValidationError
	if !errors.As(err, &v) {
		t.Fatal("expected ValidationError in chain")
	}
	if v.Kind != CounterpartyEmailMissing {
		t.Errorf("unexpected kind %s", v.Kind)
	}
	if v.UserMessage() == "" {
		t.Error("expected a user message")
	}
	if IsRetryable(err) {
		t.Error("validation errors must not be retryable")
	}
}
