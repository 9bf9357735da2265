package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/gateway"
)

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	got, err := Do(context.Background(), fastConfig(), nil, "test op", func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, &gateway.ConnectivityError{Op: "GET", Err: errors.New("connection refused")}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastConfig(), nil, "test op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, &gateway.APIError{Status: 400, Body: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("permanent error retried %d times", attempts)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastConfig(), nil, "test op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, fmt.Errorf("rate limit exceeded")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4 (1 + 3 retries)", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, fastConfig(), nil, "test op", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connectivity", &gateway.ConnectivityError{Op: "GET", Err: errors.New("eof")}, true},
		{"api 429", &gateway.APIError{Status: 429}, true},
		{"api 503", &gateway.APIError{Status: 503}, true},
		{"api 400", &gateway.APIError{Status: 400}, false},
		{"timeout string", errors.New("request timeout"), true},
		{"validation", errors.New("invalid strike"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
