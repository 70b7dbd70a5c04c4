// Package upstream is the network layer of the image pipeline: one HTTP GET
// per call, no retries, cancellable through the request context.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultTimeout 是未配置时单次请求的整体超时。
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes 限制单张图片的最大字节数。
	DefaultMaxBodyBytes int64 = 20 << 20
)

var (
	// ErrNetwork 表示连接失败、超时或读取响应失败。
	ErrNetwork = errors.New("upstream network failure")
	// ErrTooLarge 表示响应体超过 MaxBodyBytes。
	ErrTooLarge = errors.New("upstream body too large")
)

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

// Fetcher 抽象一次网络取数，调用方通过 ctx 取消。
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Options 控制 Client 行为，零值字段使用默认值。
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	HTTPClient   *http.Client
}

// Client 是基于共享 http.Client 的 Fetcher 实现。
type Client struct {
	http         *http.Client
	maxBodyBytes int64
	userAgent    string
}

// NewClient 返回共享 transport 的 Client，所有图片请求复用同一连接池。
func NewClient(opts Options) *Client {
	timeout := DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	maxBody := DefaultMaxBodyBytes
	if opts.MaxBodyBytes > 0 {
		maxBody = opts.MaxBodyBytes
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		}
	}

	return &Client{
		http:         httpClient,
		maxBodyBytes: maxBody,
		userAgent:    opts.UserAgent,
	}
}

// Timeout 返回底层 http.Client 的超时设置。
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// Fetch 发起单次 GET，返回完整响应体。
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrNetwork, err)
	}
	req.Header.Set("Accept", "image/*")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: content-length %d", ErrTooLarge, resp.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBodyBytes)
	}
	return body, nil
}
