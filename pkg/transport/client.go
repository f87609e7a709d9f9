package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/logging"
	"github.com/trackingdudes/offsync/internal/metrics"
	"github.com/trackingdudes/offsync/pkg/models"
	"github.com/trackingdudes/offsync/pkg/retry"
)

// Client is the HTTP Transport. Network errors and 5xx answers are retried
// with backoff; everything else is returned on the first attempt. A POST is
// only retried when it never left the client.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	streamHTTP  *http.Client
	retryConfig retry.Config
	now         func() time.Time
	log         *zap.Logger

	mu            sync.RWMutex
	authToken     string
	basicUser     string
	basicPassword string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config

	// AuthToken is sent as a bearer token. BasicUser/BasicPassword are used
	// when no token is set.
	AuthToken     string
	BasicUser     string
	BasicPassword string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	rt := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: cfg.Timeout, Transport: rt},
		streamHTTP:    &http.Client{Transport: rt}, // No timeout for streams
		retryConfig:   cfg.RetryConfig,
		now:           time.Now,
		log:           logging.Named("transport"),
		authToken:     cfg.AuthToken,
		basicUser:     cfg.BasicUser,
		basicPassword: cfg.BasicPassword,
	}
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAuthToken replaces the bearer token, e.g. after an external refresh.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// applyAuth adds credentials to req. A bearer token that is a JWT past its
// exp claim fails fast with ErrTokenExpired.
func (c *Client) applyAuth(req *http.Request) error {
	c.mu.RLock()
	token, user, pass := c.authToken, c.basicUser, c.basicPassword
	c.mu.RUnlock()

	switch {
	case token != "":
		if expired(token, c.now()) {
			return ErrTokenExpired
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case user != "":
		req.SetBasicAuth(user, pass)
	}
	return nil
}

// expired reports whether token is a JWT whose exp is in the past. Opaque
// tokens are never considered expired; the server decides.
func expired(token string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time)
}

// Do performs req and returns the JSON response body.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.NoRetry {
		return c.do(ctx, req)
	}
	return retry.DoWithResult(ctx, c.retryConfig, func() (json.RawMessage, error) {
		return c.do(ctx, req)
	})
}

func (c *Client) do(ctx context.Context, r Request) (json.RawMessage, error) {
	method := strings.ToUpper(string(r.Method))
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", method, r.Endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(r.Endpoint), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if r.UseToken {
		if err := c.applyAuth(req); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordTransportRequest(method, 0, time.Since(start))
		c.log.Debug("request failed", zap.String("method", method), zap.String("endpoint", r.Endpoint), zap.Error(err))
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, retryable(r, err, !dialFailed(err))
	}
	defer resp.Body.Close()
	metrics.RecordTransportRequest(method, resp.StatusCode, time.Since(start))

	data, err := readBody(resp)
	if err != nil {
		return nil, retryable(r, fmt.Errorf("read response: %w", err), true)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
		if resp.StatusCode >= 500 {
			return nil, retryable(r, se, true)
		}
		return nil, se
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, &StatusError{Code: resp.StatusCode, Message: "invalid JSON response"}
	}

	// Some APIs answer 200 with an error envelope.
	var eb errorBody
	if data[0] == '{' && json.Unmarshal(data, &eb) == nil && eb.Status == "error" {
		return nil, &StatusError{Code: resp.StatusCode, Message: eb.text()}
	}

	return json.RawMessage(data), nil
}

// retryable marks err for another attempt unless r is a POST the server
// may already have seen.
func retryable(r Request, err error, sent bool) error {
	if sent && r.Method == models.MethodPost {
		return err
	}
	return retry.Retryable(err)
}

// dialFailed reports whether err happened before a connection was made.
func dialFailed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Ping checks that the server answers path with a 2xx status.
func (c *Client) Ping(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Stream opens a long-lived authenticated event stream at path.
func (c *Client) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := c.applyAuth(req); err != nil {
		return nil, err
	}

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return resp.Body, nil
}

func (c *Client) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.baseURL + endpoint
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		reader = gr
	}
	return io.ReadAll(reader)
}

func errorMessage(data []byte) string {
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		if msg := eb.text(); msg != "" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// encodeBody returns the request body and its content type. Form data is
// sent as multipart with one part per top-level field of the JSON object.
func encodeBody(r Request) (io.Reader, string, error) {
	if len(r.Body) == 0 || r.Method == models.MethodGet {
		return nil, "", nil
	}
	if !r.IsFormData {
		return bytes.NewReader(r.Body), "application/json", nil
	}

	fields, err := models.DecodeRecord(r.Body)
	if err != nil {
		return nil, "", fmt.Errorf("form data must be a JSON object: %w", err)
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range names {
		if err := mw.WriteField(name, formValue(fields[name])); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func formValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
