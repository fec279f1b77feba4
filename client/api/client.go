// Package api is the REST collaborator of the chat client. Every call is
// tagged and reported to an Interceptor so the session layer can treat
// responses as activity or as an expired session.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatsession/client/model"

	"golang.org/x/sync/singleflight"
)

// Tag identifies the kind of request in interceptor callbacks.
type Tag string

const (
	TagSessionCheck        Tag = "session-check"
	TagLogin               Tag = "login"
	TagSignup              Tag = "signup"
	TagLogout              Tag = "logout"
	TagMessages            Tag = "messages"
	TagRoomInfo            Tag = "room-info"
	TagInvite              Tag = "invite"
	TagLeaveRoom           Tag = "leave-room"
	TagParticipantsHistory Tag = "participants-history"
	TagRooms               Tag = "rooms"
)

// Interceptor observes the outcome of every request. Network failures are
// reported with status 0. Callbacks run on the calling goroutine after the
// response has been read.
type Interceptor interface {
	OnRequestSucceeded(tag Tag)
	OnRequestFailed(status int, tag Tag)
}

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Status  int
	Tag     Tag
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s: status %d", e.Tag, e.Status)
	}
	return fmt.Sprintf("api: %s: status %d: %s", e.Tag, e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusUnauthorized
}

type errorBody struct {
	Code    string `json:"errCd"`
	Message string `json:"errMsg"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8081/api.
	BaseURL string
	// Timeout bounds each request.
	Timeout time.Duration
	// DefaultSessionDuration applies when the server omits the session timeout.
	DefaultSessionDuration time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTransport replaces the HTTP round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

// Client calls the chat REST API with a cookie-backed session.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu          sync.RWMutex
	interceptor Interceptor

	sessionChecks singleflight.Group
}

// New creates a client with its own cookie jar.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DefaultSessionDuration <= 0 {
		cfg.DefaultSessionDuration = model.DefaultSessionDuration
	}

	c := &Client{
		base:   base,
		cfg:    cfg,
		http:   &http.Client{Jar: jar, Timeout: cfg.Timeout},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c, nil
}

// Jar returns the cookie jar holding the session cookie. Share it with the
// WebSocket dialer so the broker handshake is authenticated.
func (c *Client) Jar() http.CookieJar {
	return c.http.Jar
}

// SetInterceptor installs i for all subsequent requests. A nil i removes it.
func (c *Client) SetInterceptor(i Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptor = i
}

func (c *Client) currentInterceptor() Interceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interceptor
}

// do sends one request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, tag Tag, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", tag, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", tag, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", "tag", tag, "method", method, "path", path, "error", err)
		c.failed(0, tag)
		return fmt.Errorf("%s: %w", tag, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request done", "tag", tag, "method", method, "path", path,
		"status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Status: resp.StatusCode, Tag: tag}
		var eb errorBody
		if json.NewDecoder(resp.Body).Decode(&eb) == nil {
			se.Message = eb.Message
		}
		c.failed(resp.StatusCode, tag)
		return se
	}

	c.succeeded(tag)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", tag, err)
	}
	return nil
}

func (c *Client) succeeded(tag Tag) {
	if i := c.currentInterceptor(); i != nil {
		i.OnRequestSucceeded(tag)
	}
}

func (c *Client) failed(status int, tag Tag) {
	if i := c.currentInterceptor(); i != nil {
		i.OnRequestFailed(status, tag)
	}
}
