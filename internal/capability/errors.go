package capability

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures for the engine's error policy.
type ErrorKind string

const (
	// KindTransient covers rate limits and network flakes. Retried once at
	// the adapter layer; surfaced to the oracle as a structured result if
	// still failing.
	KindTransient ErrorKind = "TRANSIENT"

	// KindAuthExpired means the provider OAuth token needs reconnecting.
	// Never retried blindly; produces a dedicated notification.
	KindAuthExpired ErrorKind = "AUTH_EXPIRED"

	// KindValidation means the caller supplied arguments the provider
	// rejects (wrong id space, malformed address). Fed back to the oracle
	// so it can self-correct.
	KindValidation ErrorKind = "VALIDATION"

	// KindNotFound means the referenced provider object does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"
)

// Error is a classified adapter failure.
type Error struct {
	Kind ErrorKind
	Op   string // e.g. "crm.add_note"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// AuthExpired wraps err as an expired-credentials failure.
func AuthExpired(op string, err error) *Error {
	return &Error{Kind: KindAuthExpired, Op: op, Err: err}
}

// Validation wraps err as a bad-arguments failure.
func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// NotFound wraps err as a missing-object failure.
func NotFound(op string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// KindOf returns the classification of err, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsAuthExpired reports whether err is an expired-credentials failure.
func IsAuthExpired(err error) bool { return KindOf(err) == KindAuthExpired }

// IsValidation reports whether err is a bad-arguments failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
