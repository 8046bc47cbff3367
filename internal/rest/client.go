package rest

import (
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
	"time"

	"kvperf/internal/logger"
	"kvperf/internal/memcached"
	"kvperf/internal/mgmt"
)

const (
	// DefaultTimeout は1リクエストあたりのタイムアウト
	DefaultTimeout = 60 * time.Second
	// DefaultPollInterval はリバランス進捗のポーリング間隔
	DefaultPollInterval = time.Second
	// ViewPort はビューAPI (CAPI) のポート
	ViewPort = 8092

	logTag = "rest"
)

// Ensure Client implements mgmt.API
var _ mgmt.API = (*Client)(nil)

// HTTPError は成功以外のHTTPステータスを表す
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Options はClientの設定
type Options struct {
	// HTTPClient が nil なら Timeout 付きのクライアントを作る
	HTTPClient   *http.Client
	Timeout      time.Duration
	PollInterval time.Duration
	// Admin はデータポートへの管理コマンドに使う
	Admin *memcached.Admin
	// ViewBase はビューAPIのベースURL（テスト用。空なら http://<ip>:8092）
	ViewBase string
}

// Client は管理REST APIのHTTP実装
type Client struct {
	base     string
	viewBase string
	ip       string
	http     *http.Client
	admin    *memcached.Admin
	poll     time.Duration

	mu       sync.RWMutex
	user     string
	password string
}

// New はプライマリサーバーに対するClientを作成する
func New(server mgmt.Server, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	admin := opts.Admin
	if admin == nil {
		admin = &memcached.Admin{}
	}
	viewBase := opts.ViewBase
	if viewBase == "" {
		viewBase = fmt.Sprintf("http://%s:%d", server.IP, ViewPort)
	}
	return &Client{
		base:     "http://" + server.RestAddr(),
		viewBase: strings.TrimSuffix(viewBase, "/"),
		ip:       server.IP,
		http:     hc,
		admin:    admin,
		poll:     poll,
		user:     server.RestUsername,
		password: server.RestPassword,
	}
}

// NewWithBase はベースURLを指定してClientを作成する
func NewWithBase(base string, server mgmt.Server, opts Options) *Client {
	c := New(server, opts)
	c.base = strings.TrimSuffix(base, "/")
	return c
}

func (c *Client) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user, c.password
}

// request は1回のHTTPリクエストを行い、out が非nilならJSONをデコードする
// 404 は mgmt.ErrNotFound としてラップする
func (c *Client) request(ctx context.Context, method, rawURL string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	user, password := c.credentials()
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, req.URL.Path, err)
	}

	if resp.StatusCode >= 300 {
		herr := &HTTPError{Method: method, Path: req.URL.Path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", mgmt.ErrNotFound, herr)
		}
		return herr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, req.URL.Path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.request(ctx, http.MethodGet, c.base+path, nil, "", out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) error {
	return c.request(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded", nil)
}

func (c *Client) sendJSON(ctx context.Context, method, rawURL string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.request(ctx, method, rawURL, bytes.NewReader(body), "application/json", nil)
}

// otpNode はIPからErlangノード名を作る
func otpNode(ip string) string {
	if strings.Contains(ip, "@") {
		return ip
	}
	return "ns_1@" + ip
}

// unsupported は機能が無いビルドの応答を mgmt.ErrUnsupported に変換する
func unsupported(what string, err error) error {
	var herr *HTTPError
	if errors.Is(err, mgmt.ErrNotFound) ||
		(errors.As(err, &herr) && herr.Status == http.StatusBadRequest && strings.Contains(herr.Body, "unknown")) {
		logger.Debug(logTag, "%s unsupported: %v", what, err)
		return fmt.Errorf("%s: %w", what, mgmt.ErrUnsupported)
	}
	return err
}
