package a2a

import "errors"

// 代理卡验证错误.
var (
	ErrMissingName        = errors.New("agent card: missing name")
	ErrMissingDescription = errors.New("agent card: missing description")
	ErrMissingURL         = errors.New("agent card: missing url")
	ErrMissingVersion     = errors.New("agent card: missing version")
)

// A2A 协议错误.
var (
	// ErrRemoteUnavailable 远端代理不可达
	ErrRemoteUnavailable = errors.New("a2a: remote agent unavailable")
	// ErrAuthFailed 认证失败
	ErrAuthFailed = errors.New("a2a: authentication failed")
	// ErrInvalidMessage 消息格式无效
	ErrInvalidMessage = errors.New("a2a: invalid message format")
	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = errors.New("a2a: task not found")
	// ErrTaskNotCancelable 任务已处于终态，无法取消
	ErrTaskNotCancelable = errors.New("a2a: task not cancelable")
	// ErrStreamingUnsupported 响应写入器不支持流式刷新
	ErrStreamingUnsupported = errors.New("a2a: streaming unsupported")
)
