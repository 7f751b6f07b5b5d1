package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies adapter failures. Codes map one to one onto the
// connect, send, moderate and decode error kinds callers branch on.
type ErrorCode string

const (
	// ErrCodeUnreachable means the control channel could not be reached.
	ErrCodeUnreachable ErrorCode = "UNREACHABLE"

	// ErrCodeAuthRejected means the platform refused our credentials.
	ErrCodeAuthRejected ErrorCode = "AUTH_REJECTED"

	// ErrCodeProtocolMismatch means the peer answered with an unexpected shape.
	ErrCodeProtocolMismatch ErrorCode = "PROTOCOL_MISMATCH"

	// ErrCodeRateLimited means the action was throttled; the only retryable
	// outcome of a send or moderate call.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// ErrCodeTargetUnreachable means the target could not be reached.
	ErrCodeTargetUnreachable ErrorCode = "TARGET_UNREACHABLE"

	// ErrCodeRejected means the platform refused the action; Message holds its reason.
	ErrCodeRejected ErrorCode = "REJECTED"

	// ErrCodeMalformed means an inbound payload could not be decoded.
	ErrCodeMalformed ErrorCode = "MALFORMED"

	// ErrCodeInvalidInput means the caller passed unusable arguments.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeConfig indicates a configuration error.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
)

// Operation names the adapter call that failed.
type Operation string

const (
	OpConnect  Operation = "connect"
	OpSend     Operation = "send"
	OpModerate Operation = "moderate"
	OpDecode   Operation = "decode"
	OpQuery    Operation = "query"
)

// Error is the structured error returned by adapters.
type Error struct {
	Op      Operation
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	prefix := string(e.Code)
	if e.Op != "" {
		prefix = string(e.Op) + " " + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Code, and by Op when the target sets one, so
// callers can test errors.Is(err, &channels.Error{Code: channels.ErrCodeRateLimited}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// NewError creates an Error.
func NewError(op Operation, code ErrorCode, message string, err error) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: err}
}

// WithContext adds debugging context to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the failure may succeed if repeated. Rate limits
// are retryable for every operation; an unreachable control channel is
// retryable only while connecting.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimited:
		return true
	case ErrCodeUnreachable:
		return e.Op == OpConnect
	default:
		return false
	}
}

func ErrUnreachable(message string, err error) *Error {
	return NewError(OpConnect, ErrCodeUnreachable, message, err)
}

func ErrAuthRejected(message string, err error) *Error {
	return NewError(OpConnect, ErrCodeAuthRejected, message, err)
}

func ErrProtocolMismatch(message string, err error) *Error {
	return NewError(OpConnect, ErrCodeProtocolMismatch, message, err)
}

func ErrMalformed(message string, err error) *Error {
	return NewError(OpDecode, ErrCodeMalformed, message, err)
}

func ErrRateLimited(op Operation, message string, err error) *Error {
	return NewError(op, ErrCodeRateLimited, message, err)
}

func ErrTargetUnreachable(op Operation, message string, err error) *Error {
	return NewError(op, ErrCodeTargetUnreachable, message, err)
}

func ErrRejected(op Operation, reason string, err error) *Error {
	return NewError(op, ErrCodeRejected, reason, err)
}

func ErrInvalidInput(op Operation, message string, err error) *Error {
	return NewError(op, ErrCodeInvalidInput, message, err)
}

func ErrConfig(message string, err error) *Error {
	return NewError("", ErrCodeConfig, message, err)
}

// GetErrorCode extracts the ErrorCode from err, or "" when err is not an adapter error.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ""
}

// IsRetryable reports whether err is a retryable adapter error.
func IsRetryable(err error) bool {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}
	return false
}
