// Package relayerr defines the error kinds shared by the relay components.
//
// Components wrap low-level failures with fmt.Errorf as usual and attach a
// kind at their boundary with New, so callers can branch with errors.Is:
//
//	if errors.Is(err, relayerr.ErrFetch) { ... }
package relayerr

import (
	"errors"
	"fmt"
)

// Kind sentinels.
var (
	ErrConfig           = errors.New("config error")
	ErrTransportConnect = errors.New("transport connect error")
	ErrTransport        = errors.New("transport error")
	ErrFetch            = errors.New("fetch error")
	ErrForward          = errors.New("forward error")
	ErrPersistence      = errors.New("persistence error")
	ErrSerialization    = errors.New("serialization error")
)

// Error attaches a kind and the failing operation to an underlying error.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return e.Kind.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err with kind. A nil err still produces an error carrying the kind.
func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is a shorthand for New(kind, "", fmt.Errorf(format, args...)).
func Errorf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Retryable reports whether err belongs to a transient kind.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSerialization), errors.Is(err, ErrConfig):
		return false
	case errors.Is(err, ErrFetch), errors.Is(err, ErrForward),
		errors.Is(err, ErrTransport), errors.Is(err, ErrTransportConnect),
		errors.Is(err, ErrPersistence):
		return true
	}
	return false
}

// KindOf returns the kind sentinel carried by err, or nil.
func KindOf(err error) error {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return nil
}
