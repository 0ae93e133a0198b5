package chat

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsErrorPreservesClassifiedErrors(t *testing.T) {
	original := NewError(KindAuthorization, CodeUnauthorized, "room access denied", nil)
	wrapped := fmt.Errorf("dispatch: %w", original)

	classified := AsError(wrapped)
	if classified != original {
		t.Fatalf("expected wrapped classified error to be returned as-is, got %#v", classified)
	}
	if !IsKind(wrapped, KindAuthorization) {
		t.Fatalf("expected authorization kind")
	}
}

func TestAsErrorDefaultsToMessageError(t *testing.T) {
	cause := errors.New("boom")
	classified := AsError(cause)
	if classified.Code != CodeMessageError {
		t.Fatalf("expected %s, got %s", CodeMessageError, classified.Code)
	}
	if !errors.Is(classified, cause) {
		t.Fatalf("expected cause to be unwrappable")
	}
	if AsError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited(42)
	if err.RetryAfterSeconds != 42 || err.Code != CodeRateLimited {
		t.Fatalf("unexpected rate limit error: %#v", err)
	}
}

func TestParseMessageType(t *testing.T) {
	testCases := []struct {
		input    string
		expected MessageType
		ok       bool
	}{
		{input: "", expected: MessageTypeText, ok: true},
		{input: "text", expected: MessageTypeText, ok: true},
		{input: "file", expected: MessageTypeFile, ok: true},
		{input: "system", ok: false},
		{input: "video", ok: false},
	}
	for _, testCase := range testCases {
		actual, ok := ParseMessageType(testCase.input)
		if ok != testCase.ok || actual != testCase.expected {
			t.Fatalf("ParseMessageType(%q) = %q, %v", testCase.input, actual, ok)
		}
	}
}
