package exchange

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrAcquireCancelled is returned when a caller's context is cancelled while
// waiting for a rate-limit slot. It is distinct from network failures so
// callers can tell an aborted wait from a failed wire call.
var ErrAcquireCancelled = errors.New("rate limit wait cancelled")

// ValidationError is a local, pre-flight failure. It never consumes a
// rate-limited call and never touches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NetworkError is a transient transport-level failure, governed by the
// retry controller. Ambiguous marks failures where the request may have
// reached the exchange (timeouts, 5xx) so the server-side outcome is
// unknown; clean rejections like EService:Unavailable are unambiguous.
type NetworkError struct {
	Op        string
	Err       error
	Ambiguous bool
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error in %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitedError is surfaced when the exchange answers HTTP 429. The retry
// controller widens the endpoint class window before retrying.
type RateLimitedError struct {
	Class EndpointClass
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by exchange on %s endpoints", e.Class)
}

// ExchangeError is a fatal rejection from the exchange (funds, price,
// arguments). It is never retried.
type ExchangeError struct {
	Code string // Kraken error string, e.g. "EOrder:Insufficient funds"
	Op   string
}

func (e *ExchangeError) Error() string { return fmt.Sprintf("exchange rejected %s: %s", e.Op, e.Code) }

// SchemaError marks a response that failed schema validation. Treated as
// fatal: a malformed response must never be trusted or retried blindly.
type SchemaError struct {
	Op     string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid %s response: %s", e.Op, e.Reason)
}

// ReconciliationConflict is raised when local and remote order state
// disagree in a way that cannot be auto-resolved. It must be surfaced,
// never silently overwritten.
type ReconciliationConflict struct {
	OrderID     string
	ClientID    string
	LocalState  string
	RemoteState string
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("reconciliation conflict for order %s (token %s): local=%s remote=%s",
		e.OrderID, e.ClientID, e.LocalState, e.RemoteState)
}

// Kraken error codes that are transient and worth retrying.
var retryableCodes = map[string]bool{
	"EService:Unavailable": true,
	"EService:Busy":        true,
}

// Kraken error codes that are hard rejections.
var fatalCodes = map[string]bool{
	"EOrder:Insufficient funds":  true,
	"EOrder:Invalid price":       true,
	"EOrder:Invalid order":       true,
	"EGeneral:Invalid arguments": true,
}

// ClassifyKrakenError converts a Kraken error string into a typed error.
func ClassifyKrakenError(code, op string) error {
	switch {
	case retryableCodes[code]:
		return &NetworkError{Op: op, Err: fmt.Errorf("exchange unavailable: %s", code)}
	case fatalCodes[code]:
		return &ExchangeError{Code: code, Op: op}
	case strings.HasPrefix(code, "EAPI:Rate limit"):
		return &RateLimitedError{}
	default:
		// Unknown codes are treated as fatal; retrying an unclassified
		// rejection risks duplicate side effects.
		return &ExchangeError{Code: code, Op: op}
	}
}

// IsRetryable reports whether the retry controller may re-run the call.
func IsRetryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// IsAmbiguous reports whether the server-side outcome of the failed call is
// unknown. Order submission must reconcile by idempotency token before
// retrying such a failure.
func IsAmbiguous(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Ambiguous
}

// IsRateLimited reports whether the failure was an exchange-side 429.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
