package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies why a dispatch failed
type ErrorKind int

const (
	KindTransport ErrorKind = iota // network failure, timeout, cancellation
	KindStatus                     // non-success HTTP status
	KindMalformed                  // response body could not be interpreted
)

// String returns the kind name used in logs and metrics labels
func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DispatchError is returned for every failed classification
type DispatchError struct {
	Kind       ErrorKind
	StatusCode int // set for KindStatus
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("classification %s error: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// ErrorKindOf returns the kind of err, treating unknown errors as transport failures
func ErrorKindOf(err error) ErrorKind {
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Kind
	}
	return KindTransport
}

// isRetryable reports whether another attempt may succeed
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		return false
	}

	switch dispatchErr.Kind {
	case KindTransport:
		return !errors.Is(err, context.Canceled)
	case KindStatus:
		return dispatchErr.StatusCode >= 500 || dispatchErr.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}
