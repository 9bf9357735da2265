package gateway

import (
	"fmt"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

// APIError represents a non-2xx response from the brokerage API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway API error: status %d: %s", e.Status, e.Body)
}

// ConnectivityError wraps transport-level failures reaching the brokerage.
// Callers retry these with backoff rather than failing the operation.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("gateway connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ResolutionError indicates a requested contract does not exist at the
// brokerage. Operations depending on the contract must abort, not guess.
type ResolutionError struct {
	Symbol     string
	Right      models.OptionRight
	Strike     float64
	Expiration time.Time
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no listed contract for %s %s %.2f exp %s",
		e.Symbol, e.Right, e.Strike, e.Expiration.Format("2006-01-02"))
}
