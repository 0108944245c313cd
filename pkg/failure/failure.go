// Package failure classifies errors raised while processing work items.
package failure

import (
	"time"

	"github.com/pkg/errors"
)

type Kind string

const (
	// Structural errors abort the whole batch.
	Structural Kind = "STRUCTURAL"
	// Validation errors reject a single record.
	Validation Kind = "VALIDATION"
	Transient  Kind = "TRANSIENT"
	Permanent  Kind = "PERMANENT"
	Dispatch   Kind = "DISPATCH"
	// Duplicate deliveries are absorbed and never surfaced.
	Duplicate Kind = "DUPLICATE"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
	// After is how long a deferred delivery should wait before it is
	// handled again.
	After time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Cause() error {
	return e.Err
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Deferred reports a delivery that arrived while another worker holds the
// item. It is worth handling again once after has passed.
func Deferred(msg string, after time.Duration) error {
	return &Error{Kind: Duplicate, Msg: msg, After: after}
}

func RetryAfter(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.After
	}
	return 0
}

func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Timeouts and network errors are transient; anything unclassified is
// treated as transient so that it is retried rather than lost.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return Transient
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Transient, Dispatch:
		return true
	}
	return false
}
