package models

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so the orchestrator can pick a recovery policy.
type Kind string

const (
	KindTransientNetwork   Kind = "transient-network"
	KindRateLimited        Kind = "rate-limited"
	KindAntiBot            Kind = "anti-bot-detected"
	KindSessionCrashed     Kind = "session-crashed"
	KindStructural         Kind = "structural-mismatch"
	KindValidationRejected Kind = "validation-rejected"
	KindStoreConflict      Kind = "store-conflict"

	// KindCircuitOpen is returned when the breaker short-circuits a request.
	KindCircuitOpen Kind = "circuit-open"
	// KindStoreUnavailable means the catalog store cannot be reached at all.
	KindStoreUnavailable Kind = "store-unavailable"
	KindCancelled        Kind = "cancelled"
)

// Error is a classified failure carrying the source and URL it concerns.
type Error struct {
	Kind    Kind
	Source  string
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Source != "" {
		msg += " [" + e.Source + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a classified error without a cause.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies cause under kind. A nil cause yields nil.
func WrapError(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithSource returns a copy of e attributed to the given source and URL.
func (e *Error) WithSource(source, url string) *Error {
	cp := *e
	if cp.Source == "" {
		cp.Source = source
	}
	if cp.URL == "" {
		cp.URL = url
	}
	return &cp
}

// KindOf reports the classification of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
