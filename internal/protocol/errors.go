package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the wire-visible error taxonomy. Codes map 1:1 onto
// the error frame and the HTTP surface.
type ErrorCode string

const (
	CodeNotRegistered    ErrorCode = "NOT_REGISTERED"
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	CodeInvalidTimestamp ErrorCode = "INVALID_TIMESTAMP"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeUserBanned       ErrorCode = "USER_BANNED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error is a protocol-level failure. It renders as the wire error
// envelope {code, message, requestId?} and never crashes a connection.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	RequestID  string    `json:"requestId,omitempty"`
	RetryAfter int64     `json:"retryAfter,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a protocol error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRequestID returns a copy bound to the originating request.
func (e *Error) WithRequestID(requestID string) *Error {
	if e == nil {
		return nil
	}
	out := *e
	out.RequestID = requestID
	return &out
}

// AsProtocolError classifies err for the wire. Unknown errors become
// INTERNAL_ERROR so storage details never leak to clients.
func AsProtocolError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternalError, Message: "internal error"}
}

// HTTPStatus maps an error code onto the HTTP surface.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeInvalidPayload, CodeInvalidTimestamp:
		return http.StatusBadRequest
	case CodeAuthFailed, CodeNotRegistered:
		return http.StatusUnauthorized
	case CodeForbidden, CodeUserBanned:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
