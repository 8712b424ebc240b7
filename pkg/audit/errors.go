package audit

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies repository failures
type ErrorKind string

const (
	KindInvalidArgument ErrorKind = "invalid_argument"
	KindStorage         ErrorKind = "storage_error"
	KindNotConfigured   ErrorKind = "not_configured"
)

var (
	// ErrInvalidArgument matches any error caused by a bad caller-supplied parameter
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStorage matches any backend failure, including operation timeouts
	ErrStorage = errors.New("storage error")
	// ErrNotConfigured matches calls to a repository that has audit persistence disabled
	ErrNotConfigured = errors.New("audit repository not configured")
)

// Error is the typed failure returned by every Repository operation
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := "audit: " + e.Op
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidArgument:
		return e.Kind == KindInvalidArgument
	case ErrStorage:
		return e.Kind == KindStorage
	case ErrNotConfigured:
		return e.Kind == KindNotConfigured
	}
	return false
}

// KindOf returns the kind of a repository error, or "" for foreign errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTimeout reports whether err was caused by an operation deadline
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func invalidArgument(op, format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidArgument, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func notConfigured(op string) error {
	return &Error{Kind: KindNotConfigured, Op: op, Msg: "audit persistence is disabled"}
}

// storageError wraps a backend failure; repository errors pass through unchanged
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if IsTimeout(err) {
		return &Error{Kind: KindStorage, Op: op, Msg: "operation timed out", Err: err}
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}
