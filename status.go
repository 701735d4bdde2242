package rowcache

import (
	"fmt"

	"github.com/unkn0wn-root/rowcache/internal/wire"
)

// Code classifies a cache outcome. Wire-level codes share values with the
// protocol; client-local codes start at 100.
type Code uint16

const (
	CodeOK           Code = Code(wire.StatusOK)
	CodeUnexpected   Code = Code(wire.StatusUnexpected)
	CodeDuplicateKey Code = Code(wire.StatusDuplicateKey)
	CodeNullArgument Code = Code(wire.StatusNullArgument)
	CodeOutOfRange   Code = Code(wire.StatusOutOfRange)
	CodeOutOfMemory  Code = Code(wire.StatusOutOfMemory)

	// client-local
	CodeConsistencyViolation Code = 100
	CodeTransport            Code = 101
)

// Error is the typed outcome of a cache call. Two Errors match under
// errors.Is when their codes match, so callers pattern-match on the
// sentinels below regardless of message text.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("rowcache: code %d", e.Code)
	}
	return "rowcache: " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is. ErrDuplicateKey is deliberately not a true
// failure: CreateCache returns it to signal "cache already exists (or is
// already built) — skip your build phase and fetch".
var (
	ErrDuplicateKey         = &Error{Code: CodeDuplicateKey, Msg: "cache already exists"}
	ErrConsistencyViolation = &Error{Code: CodeConsistencyViolation, Msg: "attempt to re-use a cache for a different tree"}
	ErrNullArgument         = &Error{Code: CodeNullArgument, Msg: "required output argument is nil"}
)

func errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// statusError maps a response frame to a client error. DuplicateKey frames
// keep their structured payload, so the sentinel message is used.
func statusError(f wire.Frame) error {
	switch f.Status {
	case wire.StatusOK:
		return nil
	case wire.StatusDuplicateKey:
		return ErrDuplicateKey
	default:
		msg := string(f.Payload)
		if msg == "" {
			msg = fmt.Sprintf("%s failed", f.Op)
		}
		return &Error{Code: Code(f.Status), Msg: msg}
	}
}

// transportError wraps a transport-level failure, preserving an already
// typed error as is.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Code: CodeTransport, Msg: err.Error()}
}
