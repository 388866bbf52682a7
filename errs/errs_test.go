package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesComponentAndCause(t *testing.T) {
	err := New(
		"gateway/http",
		CodeValidation,
		WithHTTP(422),
		WithMessage("intervention payload rejected"),
		WithCause(errors.New("missing checkpoint signature")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=gateway/http") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=validation_rejected") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=422") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"missing checkpoint signature\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("localstore", CodeStorage, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause through Unwrap")
	}
}

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := New("gateway/http", CodeNetwork, WithMessage("dial timeout"))
	wrapped := fmt.Errorf("push entry 7: %w", inner)
	if got := CodeOf(wrapped); got != CodeNetwork {
		t.Fatalf("expected CodeNetwork, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeNetwork, true},
		{CodeUnavailable, true},
		{CodeConflict, false},
		{CodeValidation, false},
		{CodeStorage, false},
		{CodeRetryExhausted, false},
	}
	for _, tc := range cases {
		err := New("resolver", tc.code)
		if got := Retryable(err); got != tc.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
	if Retryable(nil) {
		t.Fatalf("nil error must not be retryable")
	}
}
