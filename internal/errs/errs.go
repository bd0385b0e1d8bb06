// Package errs defines the failure taxonomy every tool reports.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a tool failure.
type Kind string

const (
	KindInvalidArgument       Kind = "InvalidArgument"
	KindInvalidIndex          Kind = "InvalidIndex"
	KindNoActivePage          Kind = "NoActivePage"
	KindEngineFailure         Kind = "EngineFailure"
	KindInitializationFailure Kind = "InitializationFailure"
)

// Error carries a Kind alongside a caller-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// InvalidArgument reports missing or malformed input detected before any side effect.
func InvalidArgument(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// InvalidIndex reports an explicit page index that does not exist.
func InvalidIndex(index int) *Error {
	return &Error{Kind: KindInvalidIndex, Message: fmt.Sprintf("Invalid pageIndex: %d", index)}
}

// NoActivePage reports that no page could be resolved and creation was not allowed.
func NoActivePage() *Error {
	return &Error{Kind: KindNoActivePage, Message: "No active page. Use new_page or goto first."}
}

// Engine wraps a failure raised by a delegated automation capability.
func Engine(op string, err error) *Error {
	return &Error{Kind: KindEngineFailure, Message: op + " failed", Err: err}
}

// Initialization wraps a failure to construct the automation handle for a session.
func Initialization(sessionID string, err error) *Error {
	return &Error{Kind: KindInitializationFailure, Message: fmt.Sprintf("initialize session %q", sessionID), Err: err}
}

// KindOf returns the Kind of the first *Error in the chain. Untyped errors are
// engine failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngineFailure
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	return err.Error()
}
