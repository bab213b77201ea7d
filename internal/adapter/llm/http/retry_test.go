package http_test

import (
	"context"
	"errors"
	"testing"
	"time"

	llmhttp "github.com/bkyoung/review-pipeline/internal/adapter/llm/http"
)

func fastRetryConfig() llmhttp.RetryConfig {
	return llmhttp.RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestRetryWithBackoff_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := llmhttp.RetryWithBackoff(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return llmhttp.NewServiceUnavailableError("test", "try again")
		}
		return nil
	}, fastRetryConfig())

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoff_NonRetryableFailsFast(t *testing.T) {
	attempts := 0
	err := llmhttp.RetryWithBackoff(context.Background(), func(ctx context.Context) error {
		attempts++
		return llmhttp.NewAuthenticationError("test", "bad key")
	}, fastRetryConfig())

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	attempts := 0
	err := llmhttp.RetryWithBackoff(context.Background(), func(ctx context.Context) error {
		attempts++
		return llmhttp.NewRateLimitError("test", "slow down")
	}, fastRetryConfig())

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 4 { // initial + 3 retries
		t.Errorf("expected 4 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoff_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := llmhttp.RetryWithBackoff(ctx, func(ctx context.Context) error {
		return llmhttp.NewRateLimitError("test", "slow down")
	}, fastRetryConfig())

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestShouldRetry(t *testing.T) {
	if llmhttp.ShouldRetry(nil) {
		t.Error("nil error must not retry")
	}
	if llmhttp.ShouldRetry(errors.New("generic")) {
		t.Error("generic errors must not retry")
	}
	if !llmhttp.ShouldRetry(llmhttp.NewTimeoutError("test", "timeout")) {
		t.Error("timeouts must retry")
	}
	if llmhttp.ShouldRetry(llmhttp.NewInvalidRequestError("test", "bad")) {
		t.Error("invalid requests must not retry")
	}
}

func TestFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		errType   llmhttp.ErrorType
		retryable bool
	}{
		{401, llmhttp.ErrTypeAuthentication, false},
		{403, llmhttp.ErrTypeAuthentication, false},
		{429, llmhttp.ErrTypeRateLimit, true},
		{400, llmhttp.ErrTypeInvalidRequest, false},
		{404, llmhttp.ErrTypeInvalidRequest, false},
		{500, llmhttp.ErrTypeServiceUnavailable, true},
		{503, llmhttp.ErrTypeServiceUnavailable, true},
		{418, llmhttp.ErrTypeUnknown, false},
	}

	for _, tt := range tests {
		err := llmhttp.FromStatusCode("test", tt.status, "")
		if err.Type != tt.errType {
			t.Errorf("status %d: type = %v, want %v", tt.status, err.Type, tt.errType)
		}
		if err.Retryable != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, err.Retryable, tt.retryable)
		}
	}
}
