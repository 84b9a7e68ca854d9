package schemas

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure so callers can route it through retry and
// on-failure policies without string matching.
type ErrorKind string

const (
	KindResourceExhaustion ErrorKind = "RESOURCE_EXHAUSTION"
	KindHandleStartup      ErrorKind = "HANDLE_STARTUP"
	KindProbeExecution     ErrorKind = "PROBE_EXECUTION"
	KindTierTimeout        ErrorKind = "TIER_TIMEOUT"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindAllProvidersFailed ErrorKind = "ALL_PROVIDERS_FAILED"
	KindCircuitOpen        ErrorKind = "CIRCUIT_OPEN"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindValidationFailed   ErrorKind = "VALIDATION_FAILED"
	KindVariableUndefined  ErrorKind = "VARIABLE_UNDEFINED"
	KindInternal           ErrorKind = "INTERNAL"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrResourceExhaustion = &Error{Kind: KindResourceExhaustion}
	ErrHandleStartup      = &Error{Kind: KindHandleStartup}
	ErrProbeExecution     = &Error{Kind: KindProbeExecution}
	ErrTierTimeout        = &Error{Kind: KindTierTimeout}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAllProvidersFailed = &Error{Kind: KindAllProvidersFailed}
	ErrCircuitOpen        = &Error{Kind: KindCircuitOpen}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrValidationFailed   = &Error{Kind: KindValidationFailed}
	ErrVariableUndefined  = &Error{Kind: KindVariableUndefined}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is the rich error value returned by the core components.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	// Suggestions is populated by the element resolver on NotFound.
	Suggestions []string
	Err         error
}

// NewError builds an *Error. err may be nil.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Suggestions) > 0 {
		fmt.Fprintf(&b, " (suggestions: %s)", strings.Join(e.Suggestions, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so wrapped errors match the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the ErrorKind from anywhere in err's chain. Context deadline
// errors map to KindTimeout; anything unrecognised is KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if isDeadline(err) {
		return KindTimeout
	}
	return KindInternal
}

func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}

// Retryable reports whether a step failure of this kind may be retried.
// Validation and interpolation failures are deterministic.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidationFailed, KindVariableUndefined:
		return false
	default:
		return true
	}
}

// -- Outcome variants --

// OutcomeStatus marks how complete a fallible computation was.
type OutcomeStatus string

const (
	OutcomeOk       OutcomeStatus = "ok"
	OutcomePartial  OutcomeStatus = "partial"
	OutcomeDegraded OutcomeStatus = "degraded"
	OutcomeErr      OutcomeStatus = "err"
)
