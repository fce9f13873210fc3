package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Definition error codes
const (
	ErrValidation    ErrorCode = "VALIDATION"
	ErrChainNotFound ErrorCode = "CHAIN_NOT_FOUND"
)

// Step execution error codes
const (
	ErrStepTimeout  ErrorCode = "STEP_TIMEOUT"
	ErrCircuitOpen  ErrorCode = "CIRCUIT_OPEN"
	ErrExternalCall ErrorCode = "EXTERNAL_CALL"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"
)

// Execution error codes
const (
	ErrMaxRecursionDepth  ErrorCode = "MAX_RECURSION_DEPTH"
	ErrExecutionCancelled ErrorCode = "EXECUTION_CANCELLED"
	ErrExecutionTimeout   ErrorCode = "EXECUTION_TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Checkpoint error codes
const (
	ErrCheckpointIntegrity ErrorCode = "CHECKPOINT_INTEGRITY"
	ErrCheckpointNotFound  ErrorCode = "CHECKPOINT_NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Target    string    `json:"target,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithTarget sets the external dependency key the error originated from.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsErrorCode checks whether an error chain carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	if e, ok := AsError(err); ok {
		return e.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable.
// Errors outside the engine taxonomy default to retryable so transient
// collaborator failures still go through the retry controller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return true
}

// NewValidationError 构造链/步骤定义校验错误（不可重试，执行开始前拒绝）。
func NewValidationError(message string) *Error {
	return NewError(ErrValidation, message)
}

// NewChainNotFoundError 构造链不存在错误（终止执行，不可重试）。
func NewChainNotFoundError(chainID string) *Error {
	return NewError(ErrChainNotFound, fmt.Sprintf("chain not found: %s", chainID))
}

// NewStepTimeoutError 构造步骤超时错误（可重试）。
func NewStepTimeoutError(stepID string, cause error) *Error {
	return NewError(ErrStepTimeout, fmt.Sprintf("step %s timed out", stepID)).
		WithRetryable(true).
		WithCause(cause)
}

// NewCircuitOpenError 构造熔断拒绝错误（可重试，等待熔断器恢复）。
func NewCircuitOpenError(target string, cause error) *Error {
	return NewError(ErrCircuitOpen, fmt.Sprintf("circuit open for target %s", target)).
		WithRetryable(true).
		WithTarget(target).
		WithCause(cause)
}

// NewExternalCallError 构造外部调用失败错误（可重试）。
func NewExternalCallError(target string, cause error) *Error {
	return NewError(ErrExternalCall, fmt.Sprintf("external call to %s failed", target)).
		WithRetryable(true).
		WithTarget(target).
		WithCause(cause)
}

// NewMaxRecursionDepthError 构造子链递归超限错误（终止执行，不可重试）。
func NewMaxRecursionDepthError(depth int) *Error {
	return NewError(ErrMaxRecursionDepth, fmt.Sprintf("max sub-chain recursion depth exceeded: %d", depth))
}

// NewCheckpointIntegrityError 构造检查点完整性校验失败错误。
// 该错误表示检查点不可用于恢复，必须上报而不是静默信任。
func NewCheckpointIntegrityError(executionID string, cause error) *Error {
	return NewError(ErrCheckpointIntegrity, fmt.Sprintf("checkpoint integrity check failed for execution %s", executionID)).
		WithCause(cause)
}
