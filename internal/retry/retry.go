// Package retry provides bounded retries with jittered exponential backoff
// for transient gateway failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/gateway"
)

// Config controls retry behavior.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // ceiling for the whole operation
}

// DefaultConfig matches the pacing of brokerage rate limits.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs fn until it succeeds, returns a permanent error, or the attempt
// budget is exhausted. Only transient errors are retried.
func Do[T any](ctx context.Context, cfg Config, logger *log.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = log.Default()
	}

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", op, cfg.Timeout, err)
		}

		result, err := fn(opCtx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt >= cfg.MaxRetries {
			break
		}
		logger.Printf("%s attempt %d/%d failed with transient error, retrying in %v: %v",
			op, attempt+1, cfg.MaxRetries+1, backoff, err)

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}

func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransient reports whether err is worth retrying. Connectivity failures
// and throttling/server errors qualify; API rejections do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var connErr *gateway.ConnectivityError
	if errors.As(err, &connErr) {
		return true
	}
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
