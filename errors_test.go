package remotekit

import (
	"errors"
	"strings"
	"testing"
)

func TestClientErrorString(t *testing.T) {
	err := &ClientError{
		Type:       ErrorTypeServer,
		Message:    "upstream exploded",
		RequestID:  "abc123",
		StatusCode: 502,
		Attempt:    2,
		MaxRetries: 3,
	}

	msg := err.Error()
	for _, want := range []string{"Server", "upstream exploded", "abc123", "502", "attempt 2/3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestClientErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &ClientError{Type: ErrorTypeNetwork, Message: "failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause")
	}
}

func TestClientErrorIsSentinels(t *testing.T) {
	cases := []struct {
		errType  string
		sentinel error
	}{
		{ErrorTypeCircuitOpen, ErrCircuitOpen},
		{ErrorTypeRateLimit, ErrRateLimited},
		{ErrorTypeCommandTimeout, ErrCommandTimeout},
		{ErrorTypeConnectionLimit, ErrConnectionLimit},
	}
	for _, tc := range cases {
		err := &ClientError{Type: tc.errType}
		if !errors.Is(err, tc.sentinel) {
			t.Errorf("Expected %s error to match its sentinel", tc.errType)
		}
	}

	err := &ClientError{Type: ErrorTypeNetwork}
	if errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected Network error not to match ErrCircuitOpen")
	}
}

func TestClientErrorIsMatchesType(t *testing.T) {
	a := &ClientError{Type: ErrorTypeCancelled, Message: "one"}
	b := &ClientError{Type: ErrorTypeCancelled, Message: "two"}
	if !errors.Is(a, b) {
		t.Error("Expected same-type ClientErrors to match")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&ClientError{Type: ErrorTypeNetwork}, true},
		{&ClientError{Type: ErrorTypeServer, StatusCode: 503}, true},
		{&ClientError{Type: ErrorTypeServer, StatusCode: 429}, true},
		{&ClientError{Type: ErrorTypeServer, StatusCode: 404}, false},
		{&ClientError{Type: ErrorTypeCancelled}, false},
		{&ClientError{Type: ErrorTypeValidation}, false},
		{errors.New("opaque"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestParseAPIError(t *testing.T) {
	body := []byte(`{"error":{"message":"model overloaded","type":"overloaded_error","code":"529"}}`)
	message, apiType, apiCode := parseAPIError(body, "fallback")
	if message != "model overloaded" {
		t.Errorf("message = %q", message)
	}
	if apiType != "overloaded_error" || apiCode != "529" {
		t.Errorf("type/code = %q/%q", apiType, apiCode)
	}
}

func TestParseAPIErrorFallback(t *testing.T) {
	for _, body := range [][]byte{nil, []byte("not json"), []byte(`{"error":{}}`), []byte(`{}`)} {
		message, apiType, _ := parseAPIError(body, "Service Unavailable")
		if message != "Service Unavailable" {
			t.Errorf("body %q: message = %q, want fallback", body, message)
		}
		if apiType != "" {
			t.Errorf("body %q: unexpected api type %q", body, apiType)
		}
	}
}
