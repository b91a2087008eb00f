package gdbmi

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge error. Every error returned to a tool caller
// carries exactly one Kind.
type Kind string

const (
	// KindNoBinaryLoaded means the operation needs a loaded binary and none is set.
	KindNoBinaryLoaded Kind = "no_binary_loaded"
	// KindInvalidState means the operation is not valid for the current session status.
	KindInvalidState Kind = "invalid_state"
	// KindCommandTimeout means the debugger produced no result record within the bound.
	KindCommandTimeout Kind = "command_timeout"
	// KindProcessTerminated means the debugger subprocess is gone. Terminal for the session.
	KindProcessTerminated Kind = "process_terminated"
	// KindBreakpointNotFound means the breakpoint id is unknown even after reconciliation.
	KindBreakpointNotFound Kind = "breakpoint_not_found"
	// KindMalformedRecord means a protocol line could not be parsed.
	KindMalformedRecord Kind = "malformed_record"
	// KindDebuggerError means GDB returned an explicit ^error result; the
	// message is passed through verbatim.
	KindDebuggerError Kind = "underlying_debugger_error"
)

// Error is a structured bridge failure: a taxonomy kind plus human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or "" if err is not a bridge error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a bridge error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
