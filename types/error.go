package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode 统一错误码
type ErrorCode string

// 任务协议桥错误分类
const (
	// ErrTransport 连接失败、超时等传输层错误，可重试
	ErrTransport ErrorCode = "TRANSPORT"
	// ErrProtocol 响应格式错误或出现意外的协议载荷，有限次数重试
	ErrProtocol ErrorCode = "PROTOCOL"
	// ErrValidation 调用方输入非法，从不重试
	ErrValidation ErrorCode = "VALIDATION"
	// ErrExecution 计算图自身抛出的错误，任务进入 failed
	ErrExecution ErrorCode = "EXECUTION"
	// ErrTimeout 轮询超过上限，结果未知（远端任务可能仍在运行）
	ErrTimeout ErrorCode = "TIMEOUT"
)

// 任务错误码
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrTaskNotFound      ErrorCode = "TASK_NOT_FOUND"
	ErrTaskNotCancelable ErrorCode = "TASK_NOT_CANCELABLE"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message and correlation context.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	TaskID    string    `json:"task_id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.TaskID != "" || e.Step != "" {
		b.WriteString(" (")
		if e.TaskID != "" {
			b.WriteString("task=" + e.TaskID)
		}
		if e.Step != "" {
			if e.TaskID != "" {
				b.WriteString(", ")
			}
			b.WriteString("step=" + e.Step)
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
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

// WithTask 附加任务 ID，便于与任务元数据关联
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithStep 附加工作流步骤名
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// NewTransportError 创建可重试的传输错误
func NewTransportError(message string, cause error) *Error {
	return &Error{Code: ErrTransport, Message: message, Retryable: true, Cause: cause}
}

// NewProtocolError 创建可重试的协议错误
func NewProtocolError(message string, cause error) *Error {
	return &Error{Code: ErrProtocol, Message: message, Retryable: true, Cause: cause}
}

// NewValidationError 创建校验错误，不会被重试
func NewValidationError(message string) *Error {
	return &Error{Code: ErrValidation, Message: message}
}

// NewExecutionError 创建执行错误
func NewExecutionError(message string, cause error) *Error {
	return &Error{Code: ErrExecution, Message: message, Cause: cause}
}

// NewTimeoutError 创建超时错误（非致命）
func NewTimeoutError(message string) *Error {
	return &Error{Code: ErrTimeout, Message: message}
}

// WrapError 将任意错误包装为 *Error；已是 *Error 时原样返回。
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// AsError extracts an *Error from the error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
