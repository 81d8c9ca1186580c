package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsComparesCodes(t *testing.T) {
	sentinel := New(CodeNotFound, "loan missing")
	err := fmt.Errorf("lookup: %w", New(CodeNotFound, "", WithMetadata("agent", "0x01")))

	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(err, New(CodeUnauthorized, "")) {
		t.Fatalf("different codes must not match")
	}
	if CodeOf(err) != CodeNotFound {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Alert: true, Status: http.StatusTeapot})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !ShouldAlert(err) {
		t.Fatalf("expected alert attribute to propagate")
	}
	if HTTPStatus(err) != http.StatusTeapot {
		t.Fatalf("unexpected status %d", HTTPStatus(err))
	}
}

func TestUnknownFallbacks(t *testing.T) {
	plain := stdErrors.New("boom")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("plain errors map to UNKNOWN")
	}
	if HTTPStatus(plain) != http.StatusInternalServerError {
		t.Fatalf("plain errors map to 500")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatalf("unexpected severity %s", SeverityOf(plain))
	}
	if RetryableError(plain) {
		t.Fatalf("plain errors are not retryable")
	}
}

func TestOverrides(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := Wrap(CodeStorageFailure, cause, "commit batch", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be unwrapped")
	}
	if err.Retryable() || err.ShouldAlert() || err.Severity() != SeverityInfo {
		t.Fatalf("overrides not honoured: %+v", err)
	}
	if got := err.Error(); got != "[STORAGE_FAILURE] commit batch: connection reset" {
		t.Fatalf("unexpected message %q", got)
	}
}
