package mcp_host

import (
	"context"
	"errors"
	"fmt"

	"mcp_gateway/backend/go/pkg/circuitbreaker"
)

// Cause classifies why a delegation failed.
type Cause string

const (
	// CauseUnavailable: the upstream could not be reached at all.
	CauseUnavailable Cause = "unavailable"
	// CauseTimeout: the call exceeded its bound.
	CauseTimeout Cause = "timeout"
	// CauseProtocol: the upstream answered but the answer was not a usable
	// tools/call response.
	CauseProtocol Cause = "protocol"
)

var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrTimeout     = errors.New("upstream timed out")
	ErrProtocol    = errors.New("upstream protocol violation")
)

// DelegationError is returned by DelegationClient.Invoke for every failure.
type DelegationError struct {
	Cause Cause
	Err   error
}

func (e *DelegationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("delegation failed (%s)", e.Cause)
	}
	return fmt.Sprintf("delegation failed (%s): %v", e.Cause, e.Err)
}

func (e *DelegationError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's cause.
func (e *DelegationError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Cause == CauseUnavailable
	case ErrTimeout:
		return e.Cause == CauseTimeout
	case ErrProtocol:
		return e.Cause == CauseProtocol
	}
	return false
}

// CauseOf returns the cause tag of err, or "" when err is not a DelegationError.
func CauseOf(err error) Cause {
	var de *DelegationError
	if errors.As(err, &de) {
		return de.Cause
	}
	return ""
}

func newError(cause Cause, err error) *DelegationError {
	return &DelegationError{Cause: cause, Err: err}
}

// classify maps a low-level error to a DelegationError. fallback is used when
// err says nothing more specific.
func classify(err error, fallback Cause) *DelegationError {
	var de *DelegationError
	switch {
	case errors.As(err, &de):
		return de
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CauseTimeout, err)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return newError(CauseUnavailable, err)
	default:
		return newError(fallback, err)
	}
}
