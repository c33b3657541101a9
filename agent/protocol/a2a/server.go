package a2a

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentbridge/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// TaskHandler 任务协议面的业务实现，由服务端桥接层提供。
type TaskHandler interface {
	// SendMessage 创建或恢复任务，返回任务快照
	SendMessage(ctx context.Context, params *MessageSendParams) (*Task, error)
	// StreamMessage 创建或恢复任务，返回事件流；final 事件后通道关闭
	StreamMessage(ctx context.Context, params *MessageSendParams) (<-chan StreamEvent, error)
	// GetTask 查询任务
	GetTask(ctx context.Context, params *TaskQueryParams) (*Task, error)
	// CancelTask 取消任务
	CancelTask(ctx context.Context, params *TaskIDParams) (*Task, error)
	// Resubscribe 重新订阅运行中任务的状态更新
	Resubscribe(ctx context.Context, params *TaskIDParams) (<-chan StreamEvent, error)
}

const maxRequestBody = 10 << 20

// ServerConfig A2A 服务器配置
type ServerConfig struct {
	// RPCPath JSON-RPC 端点路径
	RPCPath string
	// RequestTimeout 非流式请求的处理超时
	RequestTimeout time.Duration
	// EnableAuth 开启静态 Bearer 令牌认证
	EnableAuth bool
	// AuthToken 期望的令牌
	AuthToken string
	Logger    *zap.Logger
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		RPCPath:        "/a2a",
		RequestTimeout: 60 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// HTTPServer 通过 HTTP 暴露任务协议：
// GET /.well-known/agent.json、POST {RPCPath}（JSON-RPC，流式方法走 SSE）、
// GET {RPCPath}/ws?task_id=（WebSocket 状态订阅）。
type HTTPServer struct {
	config  *ServerConfig
	logger  *zap.Logger
	card    *AgentCard
	handler TaskHandler
}

// NewHTTPServer 创建 HTTPServer
func NewHTTPServer(config *ServerConfig, card *AgentCard, handler TaskHandler) *HTTPServer {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.RPCPath == "" {
		config.RPCPath = "/a2a"
	}
	return &HTTPServer{
		config:  config,
		logger:  config.Logger.With(zap.String("component", "a2a_server")),
		card:    card,
		handler: handler,
	}
}

// ServeHTTP 实现 http.Handler
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// 代理卡发现不需要认证
	if path == "/.well-known/agent.json" && r.Method == http.MethodGet {
		s.writeJSON(w, http.StatusOK, s.card)
		return
	}

	if s.config.EnableAuth && !s.authenticate(r) {
		s.writeHTTPError(w, http.StatusUnauthorized, ErrAuthFailed)
		return
	}

	switch {
	case path == s.config.RPCPath && r.Method == http.MethodPost:
		s.handleRPC(w, r)
	case path == s.config.RPCPath+"/ws" && r.Method == http.MethodGet:
		s.handleWebSocket(w, r)
	default:
		s.writeHTTPError(w, http.StatusNotFound, fmt.Errorf("endpoint not found: %s %s", r.Method, path))
	}
}

func (s *HTTPServer) authenticate(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if auth == "" || s.config.AuthToken == "" {
		return false
	}
	auth = strings.TrimPrefix(auth, "Bearer ")
	// 常量时间比较
	return subtle.ConstantTimeCompare([]byte(auth), []byte(s.config.AuthToken)) == 1
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	defer r.Body.Close()
	if err != nil {
		s.writeRPCError(w, nil, &JSONRPCError{Code: CodeParseError, Message: "failed to read request body"})
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeRPCError(w, nil, &JSONRPCError{Code: CodeParseError, Message: err.Error()})
		return
	}
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		s.writeRPCError(w, req.ID, &JSONRPCError{Code: CodeInvalidRequest, Message: "invalid jsonrpc request"})
		return
	}

	s.logger.Debug("rpc request", zap.String("method", req.Method), zap.Any("id", req.ID))

	switch req.Method {
	case MethodSendMessage:
		var params MessageSendParams
		if !s.decodeParams(w, &req, &params) {
			return
		}
		ctx, cancel := s.requestContext(r)
		defer cancel()
		task, err := s.handler.SendMessage(ctx, &params)
		s.reply(w, req.ID, task, err)

	case MethodStreamMessage:
		var params MessageSendParams
		if !s.decodeParams(w, &req, &params) {
			return
		}
		if !s.card.Capabilities.Streaming {
			s.writeRPCError(w, req.ID, &JSONRPCError{Code: CodeUnsupportedOperation, Message: "streaming not supported"})
			return
		}
		events, err := s.handler.StreamMessage(r.Context(), &params)
		if err != nil {
			s.writeRPCError(w, req.ID, toRPCError(err))
			return
		}
		s.streamSSE(w, r, req.ID, events)

	case MethodGetTask:
		var params TaskQueryParams
		if !s.decodeParams(w, &req, &params) {
			return
		}
		ctx, cancel := s.requestContext(r)
		defer cancel()
		task, err := s.handler.GetTask(ctx, &params)
		s.reply(w, req.ID, task, err)

	case MethodCancelTask:
		var params TaskIDParams
		if !s.decodeParams(w, &req, &params) {
			return
		}
		ctx, cancel := s.requestContext(r)
		defer cancel()
		task, err := s.handler.CancelTask(ctx, &params)
		s.reply(w, req.ID, task, err)

	case MethodResubscribe:
		var params TaskIDParams
		if !s.decodeParams(w, &req, &params) {
			return
		}
		events, err := s.handler.Resubscribe(r.Context(), &params)
		if err != nil {
			s.writeRPCError(w, req.ID, toRPCError(err))
			return
		}
		s.streamSSE(w, r, req.ID, events)

	default:
		s.writeRPCError(w, req.ID, &JSONRPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method})
	}
}

func (s *HTTPServer) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.config.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *HTTPServer) decodeParams(w http.ResponseWriter, req *JSONRPCRequest, v any) bool {
	if len(req.Params) == 0 {
		s.writeRPCError(w, req.ID, &JSONRPCError{Code: CodeInvalidParams, Message: "missing params"})
		return false
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		s.writeRPCError(w, req.ID, &JSONRPCError{Code: CodeInvalidParams, Message: err.Error()})
		return false
	}
	return true
}

func (s *HTTPServer) reply(w http.ResponseWriter, id any, result any, err error) {
	if err != nil {
		s.writeRPCError(w, id, toRPCError(err))
		return
	}
	raw, mErr := json.Marshal(result)
	if mErr != nil {
		s.writeRPCError(w, id, &JSONRPCError{Code: CodeInternalError, Message: mErr.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: id, Result: raw})
}

// streamSSE 将事件写为 SSE 帧，每帧为一个 JSON-RPC 响应。
func (s *HTTPServer) streamSSE(w http.ResponseWriter, r *http.Request, id any, events <-chan StreamEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeRPCError(w, id, &JSONRPCError{Code: CodeInternalError, Message: ErrStreamingUnsupported.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal stream event", zap.Error(err))
				continue
			}
			frame, err := json.Marshal(JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: id, Result: raw})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				s.logger.Debug("sse client gone", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket 以 WebSocket 推送任务事件，直到 final 或连接关闭。
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		s.writeHTTPError(w, http.StatusBadRequest, fmt.Errorf("missing task_id"))
		return
	}

	events, err := s.handler.Resubscribe(r.Context(), &TaskIDParams{ID: taskID})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrTaskNotFound) || types.IsErrorCode(err, types.ErrTaskNotFound) {
			status = http.StatusNotFound
		}
		s.writeHTTPError(w, status, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream finished")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

// toRPCError 将领域错误映射为 JSON-RPC 错误码
func toRPCError(err error) *JSONRPCError {
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return &JSONRPCError{Code: CodeTaskNotFound, Message: err.Error()}
	case errors.Is(err, ErrTaskNotCancelable):
		return &JSONRPCError{Code: CodeTaskNotCancelable, Message: err.Error()}
	case errors.Is(err, ErrInvalidMessage):
		return &JSONRPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	switch types.GetErrorCode(err) {
	case types.ErrTaskNotFound:
		return &JSONRPCError{Code: CodeTaskNotFound, Message: err.Error()}
	case types.ErrTaskNotCancelable:
		return &JSONRPCError{Code: CodeTaskNotCancelable, Message: err.Error()}
	case types.ErrValidation:
		return &JSONRPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return &JSONRPCError{Code: CodeInternalError, Message: err.Error()}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func (s *HTTPServer) writeRPCError(w http.ResponseWriter, id any, rpcErr *JSONRPCError) {
	s.logger.Debug("rpc error", zap.Int("code", rpcErr.Code), zap.String("message", rpcErr.Message))
	s.writeJSON(w, http.StatusOK, JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr})
}

func (s *HTTPServer) writeHTTPError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("request error", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

var _ http.Handler = (*HTTPServer)(nil)
