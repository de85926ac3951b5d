package execution

import (
	"context"
	"errors"
	"net/http"
	"time"

	"kiln/internal/permission"
)

// Code is the closed enumeration of error codes surfaced to callers.
type Code string

const (
	CodeTimeout              Code = "TIMEOUT"
	CodeAborted              Code = "ABORTED"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeHandlerError         Code = "HANDLER_ERROR"
	CodeHandlerContractError Code = "HANDLER_CONTRACT_ERROR"
	CodeHandlerNotFound      Code = "HANDLER_NOT_FOUND"
	CodeWorkspaceError       Code = "WORKSPACE_ERROR"
	CodeValidationError      Code = "VALIDATION_ERROR"
	CodeUnknown              Code = "UNKNOWN_ERROR"
	CodeQueueFull            Code = "QUEUE_FULL"
	CodeAcquireTimeout       Code = "ACQUIRE_TIMEOUT"
	CodeWorkerCrashed        Code = "WORKER_CRASHED"
	CodeWorkerUnhealthy      Code = "WORKER_UNHEALTHY"
)

// Transient reports whether the code indicates system pressure that a caller
// may retry with backoff. Request-shape and permission errors are terminal.
func (c Code) Transient() bool {
	switch c {
	case CodeTimeout, CodeAcquireTimeout, CodeQueueFull,
		CodeWorkerCrashed, CodeWorkerUnhealthy, CodeAborted:
		return true
	}
	return false
}

// HTTPStatus maps an error code to the status a REST host adapter responds
// with. Unknown codes map to 500.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeValidationError, CodeHandlerContractError:
		return http.StatusBadRequest
	case CodeHandlerNotFound:
		return http.StatusNotFound
	case CodeQueueFull:
		return http.StatusTooManyRequests
	case CodeAcquireTimeout, CodeWorkerUnhealthy:
		return http.StatusServiceUnavailable
	case CodeAborted:
		// Client went away; 499 is the de-facto convention.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Success builds a successful result.
func Success(data []byte, elapsed time.Duration) *Result {
	return &Result{
		OK:              true,
		Data:            data,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// Failure builds an error result with the given code and message.
func Failure(code Code, message string, elapsed time.Duration) *Result {
	return &Result{
		Err:             &Error{Code: code, Message: message},
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// FailureErr builds an error result, classifying err into the code
// enumeration: permission denials, context cancellation and deadline
// expiration keep their distinct codes, typed execution Errors pass through,
// anything else becomes HANDLER_ERROR.
func FailureErr(err error, elapsed time.Duration) *Result {
	return &Result{
		Err:             Classify(err),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// Classify maps an arbitrary error to a typed execution Error.
func Classify(err error) *Error {
	var perm *permission.Error
	if errors.As(err, &perm) {
		return &Error{
			Code:    CodePermissionDenied,
			Message: perm.Error(),
			Details: map[string]any{
				"capability": perm.Capability,
				"target":     perm.Target,
			},
		}
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: CodeAborted, Message: "execution aborted"}
	}
	return &Error{Code: CodeHandlerError, Message: err.Error()}
}
