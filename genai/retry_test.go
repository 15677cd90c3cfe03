package genai

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryRetriesRetryableError(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         0.001,
		MaxDelay:          0.01,
		BackoffMultiplier: 2.0,
	}
	calls := 0
	result, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ServerError{ProviderError: ProviderError{
				ModelError: ModelError{Message: "server blew up"},
				Retryable:  true,
			}}
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "recovered" {
		t.Errorf("expected recovered, got %q", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, MaxDelay: 0.01, BackoffMultiplier: 2.0}
	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		return "", &AuthenticationError{ProviderError: ProviderError{
			ModelError: ModelError{Message: "bad key"},
			StatusCode: 401,
		}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Errorf("expected AuthenticationError, got %T", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: 0.001, MaxDelay: 0.01, BackoffMultiplier: 2.0}
	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		return "", &ServerError{ProviderError: ProviderError{
			ModelError: ModelError{Message: "still down"},
			Retryable:  true,
		}}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 { // initial + 2 retries
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	retryAfter := 0.005
	policy := RetryPolicy{MaxRetries: 1, BaseDelay: 10.0, MaxDelay: 60.0, BackoffMultiplier: 2.0}
	calls := 0
	start := time.Now()
	result, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &RateLimitError{ProviderError: ProviderError{
				ModelError: ModelError{Message: "slow down"},
				Retryable:  true,
				RetryAfter: &retryAfter,
			}}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
	// The explicit Retry-After should override the 10s base delay.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retry took %v, expected Retry-After override", elapsed)
	}
}

func TestRetryRejectsExcessiveRetryAfter(t *testing.T) {
	retryAfter := 120.0
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, MaxDelay: 60.0, BackoffMultiplier: 2.0}
	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		return "", &RateLimitError{ProviderError: ProviderError{
			ModelError: ModelError{Message: "slow down a lot"},
			Retryable:  true,
			RetryAfter: &retryAfter,
		}}
	})
	if err == nil {
		t.Fatal("expected error when Retry-After exceeds MaxDelay")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryCancelledContext(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 5.0, MaxDelay: 60.0, BackoffMultiplier: 2.0}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		return "", &ServerError{ProviderError: ProviderError{
			ModelError: ModelError{Message: "down"},
			Retryable:  true,
		}}
	})
	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		t.Errorf("expected AbortError, got %T: %v", err, err)
	}
}

func TestDelayBackoff(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, MaxDelay: 60.0, BackoffMultiplier: 2.0}
	d0 := policy.Delay(0)
	d1 := policy.Delay(1)
	d2 := policy.Delay(2)
	if d0 != time.Second || d1 != 2*time.Second || d2 != 4*time.Second {
		t.Errorf("expected 1s/2s/4s, got %v/%v/%v", d0, d1, d2)
	}
}

func TestDelayCapped(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, MaxDelay: 5.0, BackoffMultiplier: 2.0}
	if d := policy.Delay(10); d != 5*time.Second {
		t.Errorf("expected cap at 5s, got %v", d)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth", &AuthenticationError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"context length", &ContextLengthError{}, false},
		{"abort", &AbortError{}, false},
		{"rate limit", &RateLimitError{}, true},
		{"server", &ServerError{}, true},
		{"empty stream", &EmptyStreamError{}, true},
		{"network", &NetworkError{}, true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestErrorFromStatusCode(t *testing.T) {
	if _, ok := ErrorFromStatusCode(401, "nope", "gemini", nil).(*AuthenticationError); !ok {
		t.Error("401 should map to AuthenticationError")
	}
	if _, ok := ErrorFromStatusCode(429, "slow", "gemini", nil).(*RateLimitError); !ok {
		t.Error("429 should map to RateLimitError")
	}
	if _, ok := ErrorFromStatusCode(503, "down", "gemini", nil).(*ServerError); !ok {
		t.Error("503 should map to ServerError")
	}
	if _, ok := ErrorFromStatusCode(413, "big", "gemini", nil).(*ContextLengthError); !ok {
		t.Error("413 should map to ContextLengthError")
	}
}
