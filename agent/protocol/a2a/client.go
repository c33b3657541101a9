package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentbridge/internal/tlsutil"
	"github.com/BaSui01/agentbridge/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/singleflight"
)

// Stream 服务端推送事件的迭代器；结束时 Next 返回 io.EOF。
type Stream interface {
	Next() (StreamEvent, error)
	Close() error
}

// ClientConfig A2A 客户端配置
type ClientConfig struct {
	// ConnectTimeout 建立连接的超时
	ConnectTimeout time.Duration
	// ReadTimeout 等待响应的超时
	ReadTimeout time.Duration
	// CardTTL 代理卡缓存时长
	CardTTL time.Duration
	// RPCPath 远端 JSON-RPC 路径
	RPCPath string
	// Headers 每个请求附带的额外请求头
	Headers map[string]string
}

// DefaultClientConfig 返回默认客户端配置
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ConnectTimeout: 60 * time.Second,
		ReadTimeout:    600 * time.Second,
		CardTTL:        5 * time.Minute,
		RPCPath:        "/a2a",
		Headers:        make(map[string]string),
	}
}

// HTTPClient 面向单个对端的任务协议客户端。
// 本身不做重试，错误按 types 分类后交由上层重试策略处理。
type HTTPClient struct {
	baseURL    string
	config     *ClientConfig
	httpClient *http.Client

	cardMu    sync.RWMutex
	card      *AgentCard
	cardUntil time.Time
	group     singleflight.Group

	seq atomic.Int64
}

// NewHTTPClient 创建指向 baseURL 的客户端
func NewHTTPClient(baseURL string, config *ClientConfig) *HTTPClient {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.RPCPath == "" {
		config.RPCPath = "/a2a"
	}
	if config.Headers == nil {
		config.Headers = make(map[string]string)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		httpClient: tlsutil.NewHTTPClient(tlsutil.TransportConfig{
			ConnectTimeout:        config.ConnectTimeout,
			ResponseHeaderTimeout: config.ReadTimeout,
		}),
	}
}

// BaseURL 返回对端地址
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// Discover 获取对端代理卡；结果按 CardTTL 缓存，并发请求合并为一次。
func (c *HTTPClient) Discover(ctx context.Context) (*AgentCard, error) {
	c.cardMu.RLock()
	if c.card != nil && time.Now().Before(c.cardUntil) {
		card := c.card
		c.cardMu.RUnlock()
		return card, nil
	}
	c.cardMu.RUnlock()

	v, err, _ := c.group.Do("card", func() (any, error) {
		return c.fetchCard(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AgentCard), nil
}

func (c *HTTPClient) fetchCard(ctx context.Context) (*AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/.well-known/agent.json", nil)
	if err != nil {
		return nil, types.NewValidationError("invalid peer url").WithCause(err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, "discover agent card", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, types.NewProtocolError("decode agent card", err)
	}
	if err := card.Validate(); err != nil {
		return nil, types.NewProtocolError("invalid agent card", err)
	}

	c.cardMu.Lock()
	c.card = &card
	c.cardUntil = time.Now().Add(c.config.CardTTL)
	c.cardMu.Unlock()
	return &card, nil
}

// ClearCache 清除代理卡缓存
func (c *HTTPClient) ClearCache() {
	c.cardMu.Lock()
	c.card = nil
	c.cardMu.Unlock()
}

// SendMessage 调用 message/send
func (c *HTTPClient) SendMessage(ctx context.Context, params *MessageSendParams) (*Task, error) {
	var task Task
	if err := c.call(ctx, MethodSendMessage, params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask 调用 tasks/get
func (c *HTTPClient) GetTask(ctx context.Context, taskID string, historyLength int) (*Task, error) {
	var task Task
	if err := c.call(ctx, MethodGetTask, &TaskQueryParams{ID: taskID, HistoryLength: historyLength}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask 调用 tasks/cancel
func (c *HTTPClient) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.call(ctx, MethodCancelTask, &TaskIDParams{ID: taskID}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// StreamMessage 调用 message/stream，返回 SSE 事件流
func (c *HTTPClient) StreamMessage(ctx context.Context, params *MessageSendParams) (Stream, error) {
	return c.openStream(ctx, MethodStreamMessage, params)
}

// Resubscribe 调用 tasks/resubscribe
func (c *HTTPClient) Resubscribe(ctx context.Context, taskID string) (Stream, error) {
	return c.openStream(ctx, MethodResubscribe, &TaskIDParams{ID: taskID})
}

// Watch 通过 WebSocket 订阅任务事件，逐个交给 fn，直到 final 事件或连接关闭。
func (c *HTTPClient) Watch(ctx context.Context, taskID string, fn func(StreamEvent) error) error {
	u, err := url.Parse(c.baseURL + c.config.RPCPath + "/ws")
	if err != nil {
		return types.NewValidationError("invalid peer url").WithCause(err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"task_id": []string{taskID}}.Encode()

	header := http.Header{}
	for k, v := range c.config.Headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return transportError(ctx, "dial websocket", err)
	}
	defer conn.CloseNow()

	for {
		var ev StreamEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return transportError(ctx, "read websocket", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.IsFinal() {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
	}
}

func (c *HTTPClient) call(ctx context.Context, method string, params any, out any) error {
	if c.config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ReadTimeout)
		defer cancel()
	}

	resp, err := c.post(ctx, method, params, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return types.NewProtocolError("decode "+method+" response", err)
	}
	if rpcResp.Error != nil {
		return fromRPCError(rpcResp.Error)
	}
	if len(rpcResp.Result) == 0 {
		return types.NewProtocolError(method+" returned empty result", nil)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return types.NewProtocolError("decode "+method+" result", err)
	}
	return nil
}

func (c *HTTPClient) openStream(ctx context.Context, method string, params any) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.post(ctx, method, params, "text/event-stream")
	if err != nil {
		cancel()
		return nil, err
	}

	// 不支持流式的服务端直接返回 JSON-RPC 错误
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		defer cancel()
		defer resp.Body.Close()
		var rpcResp JSONRPCResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, types.NewProtocolError("unexpected non-stream response", err)
		}
		if rpcResp.Error != nil {
			return nil, fromRPCError(rpcResp.Error)
		}
		return nil, types.NewProtocolError("unexpected non-stream response", nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBody)
	return &sseStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

func (c *HTTPClient) post(ctx context.Context, method string, params any, accept string) (*http.Response, error) {
	rpcReq, err := NewRequest(c.seq.Add(1), method, params)
	if err != nil {
		return nil, types.NewValidationError("invalid params").WithCause(err)
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, types.NewValidationError("invalid request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.config.RPCPath, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewValidationError("invalid peer url").WithCause(err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, method, err)
	}
	if err := statusError(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
}

// sseStream 解析 "data:" 帧，空行分隔事件
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *sseStream) Next() (StreamEvent, error) {
	var data strings.Builder
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			return decodeFrame(data.String())
		}
		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return StreamEvent{}, types.NewTransportError("read event stream", err)
	}
	if data.Len() > 0 {
		return decodeFrame(data.String())
	}
	return StreamEvent{}, io.EOF
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func decodeFrame(frame string) (StreamEvent, error) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(frame), &resp); err != nil {
		return StreamEvent{}, types.NewProtocolError("decode stream frame", err)
	}
	if resp.Error != nil {
		return StreamEvent{}, fromRPCError(resp.Error)
	}
	var ev StreamEvent
	if err := json.Unmarshal(resp.Result, &ev); err != nil {
		return StreamEvent{}, types.NewProtocolError("decode stream event", err)
	}
	return ev, nil
}

func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return types.NewTransportError(op+" failed", fmt.Errorf("%w: %v", ErrRemoteUnavailable, err))
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewValidationError(fmt.Sprintf("peer rejected credentials: status %d", resp.StatusCode)).WithCause(ErrAuthFailed)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.NewTransportError(fmt.Sprintf("peer returned status %d", resp.StatusCode),
			fmt.Errorf("%w: %s", ErrRemoteUnavailable, strings.TrimSpace(string(body))))
	default:
		return types.NewProtocolError(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil).WithRetryable(false)
	}
}

// fromRPCError 将 JSON-RPC 错误还原为分类错误
func fromRPCError(e *JSONRPCError) error {
	switch e.Code {
	case CodeTaskNotFound:
		return types.NewError(types.ErrTaskNotFound, e.Message).WithCause(ErrTaskNotFound)
	case CodeTaskNotCancelable:
		return types.NewError(types.ErrTaskNotCancelable, e.Message).WithCause(ErrTaskNotCancelable)
	case CodeInvalidParams, CodeInvalidRequest, CodeMethodNotFound, CodeUnsupportedOperation:
		return types.NewValidationError(e.Message).WithCause(e)
	default:
		return types.NewProtocolError(e.Message, e)
	}
}
