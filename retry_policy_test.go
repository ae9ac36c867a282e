package remotekit

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestDefaultRetryPolicyRetriesNetworkErrors(t *testing.T) {
	p := NewDefaultRetryPolicy(time.Millisecond, time.Second, 2.0, 0)

	delay, retry := p.ShouldRetry(nil, errors.New("connection refused"), 0, 3)
	if !retry {
		t.Fatal("Expected network error to be retried")
	}
	if delay <= 0 {
		t.Errorf("Expected positive delay, got %v", delay)
	}
}

func TestDefaultRetryPolicyRetriesServerErrors(t *testing.T) {
	p := NewDefaultRetryPolicy(time.Millisecond, time.Second, 2.0, 0)

	for _, status := range []int{500, 502, 503, http.StatusTooManyRequests} {
		resp := &Response{StatusCode: status, Header: http.Header{}}
		if _, retry := p.ShouldRetry(resp, nil, 0, 3); !retry {
			t.Errorf("Expected status %d to be retried", status)
		}
	}
}

func TestDefaultRetryPolicySkipsClientErrors(t *testing.T) {
	p := NewDefaultRetryPolicy(time.Millisecond, time.Second, 2.0, 0)

	for _, status := range []int{400, 401, 403, 404, 422} {
		resp := &Response{StatusCode: status, Header: http.Header{}}
		if _, retry := p.ShouldRetry(resp, nil, 0, 3); retry {
			t.Errorf("Expected status %d not to be retried", status)
		}
	}
}

func TestDefaultRetryPolicyExhaustsBudget(t *testing.T) {
	p := NewDefaultRetryPolicy(time.Millisecond, time.Second, 2.0, 0)

	if _, retry := p.ShouldRetry(nil, errors.New("boom"), 3, 3); retry {
		t.Error("Expected no retry at budget")
	}
	if _, retry := p.ShouldRetry(nil, errors.New("boom"), 2, 3); !retry {
		t.Error("Expected retry under budget")
	}
}

func TestDefaultRetryPolicyHonorsRetryAfter(t *testing.T) {
	p := NewDefaultRetryPolicy(time.Millisecond, time.Minute, 2.0, 0)

	resp := &Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"2"}},
	}
	delay, retry := p.ShouldRetry(resp, nil, 0, 3)
	if !retry {
		t.Fatal("Expected 429 to be retried")
	}
	if delay != 2*time.Second {
		t.Errorf("Expected Retry-After delay of 2s, got %v", delay)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{" 10 ", 10 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"garbage", 0},
		{"999999", time.Hour},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.value); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}

	httpDate := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(httpDate)
	if got <= 0 || got > 31*time.Second {
		t.Errorf("parseRetryAfter(http-date) = %v, want ~30s", got)
	}
}

func TestDecorrelatedRetryPolicy(t *testing.T) {
	p := NewDecorrelatedRetryPolicy(10*time.Millisecond, time.Second)

	for attempt := 0; attempt < 5; attempt++ {
		delay, retry := p.ShouldRetry(nil, errors.New("boom"), attempt, 10)
		if !retry {
			t.Fatalf("Expected retry at attempt %d", attempt)
		}
		if delay < 10*time.Millisecond || delay > time.Second {
			t.Errorf("attempt %d: delay %v outside [10ms, 1s]", attempt, delay)
		}
	}
}
