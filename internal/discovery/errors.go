package discovery

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTicketResolved is returned when resolving an already resolved ticket.
	ErrTicketResolved = errors.New("ticket already resolved")
	// ErrConflict is returned when creating a record whose ID already exists.
	ErrConflict = errors.New("already exists")
	// ErrQueueClosed is returned by Dequeue once a queue is shut down and drained.
	ErrQueueClosed = errors.New("queue closed")
)

// FetchErrorKind classifies fetch-level failures.
type FetchErrorKind string

// Fetch error kinds.
const (
	PolicyBlocked  FetchErrorKind = "PolicyBlocked"
	NetworkFailure FetchErrorKind = "NetworkFailure"
	HTTPStatus     FetchErrorKind = "HttpStatus"
)

// FetchError is returned by the audited fetcher.
type FetchError struct {
	Kind   FetchErrorKind
	Code   int
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case PolicyBlocked:
		return fmt.Sprintf("fetch blocked: %s", e.Reason)
	case HTTPStatus:
		return fmt.Sprintf("fetch returned status %d", e.Code)
	default:
		if e.Err != nil {
			return fmt.Sprintf("fetch failed: %v", e.Err)
		}
		return "fetch failed"
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may try the fetch again.
func (e *FetchError) Retryable() bool {
	return e.Kind != PolicyBlocked
}

// ExtractionErrorKind classifies extraction failures.
type ExtractionErrorKind string

// Extraction error kinds.
const (
	SchemaInvalid   ExtractionErrorKind = "SchemaInvalid"
	SchemaExhausted ExtractionErrorKind = "SchemaExhausted"
	ProviderFailure ExtractionErrorKind = "ProviderFailure"
)

// ExtractionError is returned by the extraction engine.
type ExtractionError struct {
	Kind ExtractionErrorKind
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("extraction %s", e.Kind)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsPolicyBlocked reports whether err carries a PolicyBlocked fetch error.
func IsPolicyBlocked(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == PolicyBlocked
}

// ErrorKind returns the taxonomy name of err, or "" when it has none.
func ErrorKind(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return string(ee.Kind)
	}
	return ""
}
