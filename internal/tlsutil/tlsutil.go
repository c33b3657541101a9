// Package tlsutil provides the hardened TLS and transport settings shared by
// the bridge's peer clients and its inbound HTTP surface.
// 安全加固：TLS 1.2+，仅 AEAD 密码套件。
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// DefaultTLSConfig returns a hardened TLS configuration.
// MinVersion TLS 1.2, AEAD-only cipher suites.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// TransportConfig 对端连接的超时设置
type TransportConfig struct {
	// ConnectTimeout 建立 TCP 连接的上限
	ConnectTimeout time.Duration
	// ResponseHeaderTimeout 等待响应头的上限，流式请求的正文不受其约束
	ResponseHeaderTimeout time.Duration
}

// DefaultTransportConfig 连接 60s，读取 600s
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ConnectTimeout:        60 * time.Second,
		ResponseHeaderTimeout: 600 * time.Second,
	}
}

// NewTransport returns an http.Transport with TLS hardening and the given timeouts.
func NewTransport(cfg TransportConfig) *http.Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultTransportConfig().ConnectTimeout
	}
	return &http.Transport{
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewHTTPClient returns a client without an overall timeout so that SSE bodies
// can be read for as long as the caller's context allows.
func NewHTTPClient(cfg TransportConfig) *http.Client {
	return &http.Client{Transport: NewTransport(cfg)}
}

// SecureHTTPClient returns an http.Client with TLS hardening and a fixed overall timeout.
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(DefaultTransportConfig()),
	}
}
