package ptt

import (
	"errors"
	"fmt"
)

// Error codes are stable and machine-parseable. Clients switch on Code,
// humans read Message. The codes never change between releases; the
// messages may.
const (
	CodeChannelFull      = "channel_full"
	CodeNotPresent       = "not_present"
	CodeBusy             = "busy"
	CodeInvalid          = "invalid"
	CodeNoSession        = "no_session"
	CodeTooLarge         = "too_large"
	CodeTooOld           = "too_old"
	CodeNoSuchChannel    = "no_such_channel"
	CodePermissionDenied = "permission_denied"
	CodeServerShutdown   = "server_shutdown"
)

// Error is the error type returned by every broker verb. Precondition and
// validation failures never mutate broker state, so an Error result means
// the caller can safely retry after fixing the input.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches two ptt errors by code so callers can use errors.Is with the
// exported sentinels below.
func (e *Error) Is(target error) bool {
	var pe *Error
	if !errors.As(target, &pe) {
		return false
	}
	return e.Code == pe.Code
}

// Sentinels for errors.Is checks. Verbs return richer instances (e.g. Busy
// carries the current transmitter's display name) that still match these.
var (
	ErrChannelFull      = &Error{Code: CodeChannelFull, Message: "channel is at capacity"}
	ErrNotPresent       = &Error{Code: CodeNotPresent, Message: "participant not on channel"}
	ErrBusy             = &Error{Code: CodeBusy, Message: "another transmission is active"}
	ErrInvalid          = &Error{Code: CodeInvalid, Message: "invalid argument"}
	ErrNoSession        = &Error{Code: CodeNoSession, Message: "no matching transmission session"}
	ErrTooLarge         = &Error{Code: CodeTooLarge, Message: "chunk exceeds size limit"}
	ErrTooOld           = &Error{Code: CodeTooOld, Message: "chunk sequence too far behind"}
	ErrNoSuchChannel    = &Error{Code: CodeNoSuchChannel, Message: "channel does not exist"}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied, Message: "access denied"}
	ErrServerShutdown   = &Error{Code: CodeServerShutdown, Message: "server shutting down"}
)

// NewError builds an Error with an explicit code. The transport uses this
// for request-shape failures it detects before reaching a broker verb.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func errBusyWith(transmitter string) *Error {
	return &Error{Code: CodeBusy, Message: fmt.Sprintf("channel busy: %s is transmitting", transmitter)}
}

func errInvalidf(format string, args ...any) *Error {
	return &Error{Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

func errTooLarge(size, limit int) *Error {
	return &Error{Code: CodeTooLarge, Message: fmt.Sprintf("chunk size %d exceeds limit %d", size, limit)}
}
