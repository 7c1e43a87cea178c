// Package bridgeerr defines the closed error taxonomy used across the
// sync core so that admission and orchestration code can switch on a
// stable Kind instead of inspecting wrapped error chains.
package bridgeerr

import "fmt"

// Kind is one of the error kinds enumerated in the sync core design.
type Kind string

const (
	KindInvalidSignature  Kind = "invalid_signature"
	KindInvalidPayload    Kind = "invalid_payload"
	KindRequestTooLarge   Kind = "request_too_large"
	KindRateLimited       Kind = "rate_limited"
	KindDuplicateInFlight Kind = "duplicate_in_flight"
	KindAlreadyProcessed  Kind = "already_processed"
	KindMappingMissing    Kind = "mapping_missing"
	KindMappingOrphaned   Kind = "mapping_orphaned"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// Error wraps a Kind with an optional cause and contextual fields.
type Error struct {
	Kind   Kind
	Msg    string
	Cause  error
	Fields map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithField attaches a contextual field and returns the same error for chaining.
func (e *Error) WithField(k string, v any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[k] = v
	return e
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var be *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			be = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return be != nil && be.Kind == kind
}

// HTTPStatus maps a Kind to the response status the admission layer
// must return, per the error taxonomy propagation policy.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidPayload:
		return 400
	case KindInvalidSignature:
		return 403
	case KindRequestTooLarge:
		return 413
	case KindRateLimited:
		return 429
	case KindDuplicateInFlight, KindAlreadyProcessed:
		return 202
	case KindInternal, KindUpstreamPermanent, KindUpstreamTransient, KindTimeout,
		KindMappingMissing, KindMappingOrphaned:
		return 500
	default:
		return 500
	}
}
