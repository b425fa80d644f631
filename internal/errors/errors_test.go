package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormatsCodeAndMessage(t *testing.T) {
	err := New(CodeSessionPaused, "session is paused")
	if got := err.Error(); got != "SESSION_PAUSED: session is paused" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(cause, CodeUnknown, "persist snapshot")

	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to survive errors.Is")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected cause in message, got %q", err.Error())
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "domain error", err: New(CodeContentExhausted, "no facts"), want: CodeContentExhausted},
		{name: "plain error", err: stderrors.New("boom"), want: CodeUnknown},
		{name: "wrapped domain error", err: Wrap(New(CodeNotFound, "missing"), CodeSessionAlreadyEnded, "outer"), want: CodeSessionAlreadyEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Fatalf("expected code %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRetryableClassification(t *testing.T) {
	if CodeSessionAlreadyEnded.Retryable() {
		t.Fatal("terminal session must not be retryable")
	}
	if CodeIdentityUnresolved.Retryable() {
		t.Fatal("identity errors must not be retryable")
	}
	if !CodeSessionPaused.Retryable() {
		t.Fatal("paused session should invite a resume and retry")
	}
}
