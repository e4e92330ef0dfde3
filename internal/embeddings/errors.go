package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyInput indicates blank input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// BlankTextsError lists the positions of blank texts in an EmbedBatch
// call. The other texts are still embedded and returned in place.
type BlankTextsError struct {
	Indexes []int
}

func (e *BlankTextsError) Error() string {
	return fmt.Sprintf("%s: %d blank texts at positions %v", ErrEmptyInput, len(e.Indexes), e.Indexes)
}

func (e *BlankTextsError) Unwrap() error { return ErrEmptyInput }

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindRateLimit       ErrorKind = "rate_limit"
	KindServer          ErrorKind = "server"
	KindTimeout         ErrorKind = "timeout"
	KindNetwork         ErrorKind = "network"
	KindAuth            ErrorKind = "auth"
	KindBadRequest      ErrorKind = "bad_request"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// ProviderError is returned by providers for failed embedding calls.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s embeddings: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s embeddings: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed. Rate limits,
// server errors, timeouts and network failures are retryable; auth, bad
// requests and malformed responses are not.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code >= 500:
		return KindServer
	default:
		return KindBadRequest
	}
}

// transportError wraps a failure that never produced an HTTP response.
func transportError(provider string, err error) *ProviderError {
	kind := KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// isRetryable decides whether Service retries err. Errors that are not a
// ProviderError are treated as transient unless the caller gave up.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}
