// Package errors defines the typed error taxonomy shared by the lifecycle
// engine and its transport adapters.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode classifies an engine failure.
type ErrorCode string

const (
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeInternal         ErrorCode = "INTERNAL"
)

// errorDomain is reported in gRPC ErrorInfo details.
const errorDomain = "pm-lifecycle.pesio.ai"

// Error is a structured engine error. Details carries the context a caller
// needs to report precisely (required role, incomplete node count, ...).
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair and returns the same error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an error with the given code.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps err with a code and message.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// InvalidInput reports a failed precondition on a named field.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeInvalidInput, message).WithDetail("field", field)
}

// Conflict reports an illegal state transition or a stale write.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// PermissionDenied reports an unauthorized actor.
func PermissionDenied(message string) *Error {
	return New(ErrCodePermissionDenied, message)
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

func IsNotFound(err error) bool         { return err != nil && CodeOf(err) == ErrCodeNotFound }
func IsConflict(err error) bool         { return err != nil && CodeOf(err) == ErrCodeConflict }
func IsInvalidInput(err error) bool     { return err != nil && CodeOf(err) == ErrCodeInvalidInput }
func IsPermissionDenied(err error) bool { return err != nil && CodeOf(err) == ErrCodePermissionDenied }

// HTTPStatus maps an engine error to the status code used by the HTTP layer.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodePermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus maps an engine error to a gRPC status carrying an ErrorInfo
// detail with the error code and its details.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}

	var code codes.Code
	switch CodeOf(err) {
	case ErrCodeNotFound:
		code = codes.NotFound
	case ErrCodeConflict:
		code = codes.FailedPrecondition
	case ErrCodeInvalidInput:
		code = codes.InvalidArgument
	case ErrCodePermissionDenied:
		code = codes.PermissionDenied
	default:
		code = codes.Internal
	}

	msg := err.Error()
	info := &errdetails.ErrorInfo{Reason: string(CodeOf(err)), Domain: errorDomain}
	var e *Error
	if stderrors.As(err, &e) {
		msg = e.Message
		info.Metadata = e.Details
	}

	st := status.New(code, msg)
	if withDetails, derr := st.WithDetails(info); derr == nil {
		return withDetails
	}
	return st
}
