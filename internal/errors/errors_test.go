package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeStorageFailure, "")
	wrapped := fmt.Errorf("outer: %w", Wrap(CodeStorageFailure, stdErrors.New("disk full"), "写入失败"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel by code")
	}
	if stdErrors.Is(wrapped, New(CodeInvalidArgument, "")) {
		t.Fatalf("different codes must not match")
	}
	if CodeOf(wrapped) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(wrapped))
	}
	if KindOf(wrapped) != KindInternal {
		t.Fatalf("unexpected kind: %s", KindOf(wrapped))
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM_CODE"
	Register(code, Attributes{Message: "custom", Kind: KindState, Severity: SeverityWarning})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected registered default message, got %q", err.Message())
	}
	if err.Kind() != KindState || err.Severity() != SeverityWarning {
		t.Fatalf("unexpected attributes: kind=%s severity=%s", err.Kind(), err.Severity())
	}

	found := false
	for _, c := range Codes() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered code missing from Codes()")
	}
}

func TestWithKeepsSentinelUntouched(t *testing.T) {
	sentinel := New(CodeInvalidArgument, "bad input")
	derived := sentinel.With(WithMetadata("field", "amount"))

	if sentinel.Metadata() != nil {
		t.Fatalf("sentinel metadata must stay empty, got %v", sentinel.Metadata())
	}
	if derived.Metadata()["field"] != "amount" {
		t.Fatalf("expected metadata on derived error, got %v", derived.Metadata())
	}
	if !stdErrors.Is(derived, sentinel) {
		t.Fatalf("derived error must match its sentinel")
	}
}

func TestUnknownErrorsFallBack(t *testing.T) {
	plain := stdErrors.New("plain")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("expected UNKNOWN for plain errors")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatalf("expected critical severity for unknown errors")
	}
	if AttributesOf("NOT_REGISTERED").Message != "unknown error" {
		t.Fatalf("unregistered codes must fall back to UNKNOWN")
	}
}
