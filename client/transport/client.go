// Package transport is a STOMP-over-WebSocket client that owns a single socket,
// reconnects on unexpected close, and re-subscribes after every reconnect.
//
// Subscriptions registered while the client is not connected are queued and
// flushed when the next handshake completes; every reconnect re-sends all
// registered subscriptions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatsession/client/metrics"
	"chatsession/client/stomp"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Publish while the client is not connected.
var ErrNotConnected = errors.New("transport: not connected")

// BrokerError is an ERROR frame sent by the broker.
type BrokerError struct {
	Message string
	Details string
}

func (e *BrokerError) Error() string {
	if e.Details == "" {
		return "broker error: " + e.Message
	}
	return fmt.Sprintf("broker error: %s: %s", e.Message, e.Details)
}

// Handler receives the body of every MESSAGE frame for a subscription.
// Handlers run on the read goroutine, one at a time, in receipt order.
type Handler func(body []byte)

const (
	// DefaultReconnectDelay is the fixed wait between reconnect attempts.
	DefaultReconnectDelay = 5 * time.Second

	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultHeartBeat      = 10 * time.Second
)

// Config holds client configuration.
type Config struct {
	// URL is the broker WebSocket endpoint.
	URL string
	// Host is sent in the CONNECT frame; defaults to the URL host.
	Host string
	// Header is added to the WebSocket handshake request.
	Header http.Header
	// Jar supplies cookies for the handshake, usually shared with the REST client.
	Jar http.CookieJar
	// ConnectTimeout bounds the dial plus STOMP handshake.
	ConnectTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// HeartBeat is offered in the CONNECT frame.
	HeartBeat stomp.HeartBeat
	// ReconnectDelay is the constant wait between reconnect attempts.
	ReconnectDelay time.Duration
}

// DefaultConfig returns a configuration for the given endpoint.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		ConnectTimeout: defaultConnectTimeout,
		WriteTimeout:   defaultWriteTimeout,
		HeartBeat:      stomp.HeartBeat{Send: defaultHeartBeat, Receive: defaultHeartBeat},
		ReconnectDelay: DefaultReconnectDelay,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCollector reports connection and frame events to m.
func WithCollector(m *metrics.Collector) Option {
	return func(c *Client) { c.collector = m }
}

// WithBackOff replaces the constant reconnect delay policy.
func WithBackOff(b backoff.BackOff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithDialer replaces the WebSocket dialer. Its Jar is overridden by Config.Jar when set.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// OnStateChange registers fn to observe every state transition.
func OnStateChange(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// run is one connection loop started by Connect and ended by Disconnect.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn // guarded by Client.mu
	done   chan struct{}
}

// Client owns at most one socket at a time.
type Client struct {
	cfg       Config
	dialer    *websocket.Dialer
	backoff   backoff.BackOff
	logger    *slog.Logger
	collector *metrics.Collector
	onState   func(State)

	mu    sync.Mutex
	state State
	run   *run
	subs  map[string]*subscription
	order []string

	writeMu sync.Mutex
}

// New creates a client. It does not connect.
func New(cfg Config, opts ...Option) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.backoff == nil {
		c.backoff = backoff.NewConstantBackOff(cfg.ReconnectDelay)
	}
	if c.dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = cfg.ConnectTimeout
		c.dialer = &d
	}
	if cfg.Jar != nil {
		c.dialer.Jar = cfg.Jar
	}
	c.logger = c.logger.With("component", "transport")
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether frames can be published right now.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect starts the connection loop. It returns immediately; onConnected runs
// after every successful handshake and onError after every failed attempt or
// lost connection. Calling Connect while a loop is already running is a no-op.
func (c *Client) Connect(onConnected func(), onError func(error)) {
	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		c.logger.Debug("connect ignored, loop already running", "state", c.State())
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	c.run = r
	c.mu.Unlock()

	go c.loop(r, onConnected, onError)
}

// Disconnect stops the loop, cancels any pending reconnect, and closes the
// socket. It is safe to call any number of times from any goroutine.
func (c *Client) Disconnect() {
	c.mu.Lock()
	r := c.run
	if r == nil {
		c.mu.Unlock()
		return
	}
	c.run = nil
	conn := r.conn
	wasConnected := c.state == StateConnected
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	r.cancel()
	if conn != nil {
		if wasConnected {
			if err := c.writeFrame(conn, stomp.New(stomp.CommandDisconnect)); err != nil {
				c.logger.Debug("disconnect frame not sent", "error", err)
			}
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	if changed {
		c.notify(StateDisconnected)
	}
	c.logger.Info("disconnected")
}

// Subscribe registers handler for topic and returns the subscription id.
func (c *Client) Subscribe(topic string, handler Handler) string {
	sub := &subscription{id: "sub-" + uuid.NewString(), topic: topic, handler: handler}

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.order = append(c.order, sub.id)
	conn := c.liveConnLocked()
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("subscription queued until connected", "topic", topic, "id", sub.id)
		return sub.id
	}
	if err := c.writeFrame(conn, subscribeFrame(sub)); err != nil {
		// The read loop sees the broken socket and the reconnect re-subscribes.
		c.logger.Warn("subscribe write failed", "topic", topic, "error", err)
	}
	return sub.id
}

// Unsubscribe forgets a subscription. Unknown ids are ignored.
func (c *Client) Unsubscribe(id string) {
	c.mu.Lock()
	if _, ok := c.subs[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	conn := c.liveConnLocked()
	c.mu.Unlock()

	if conn != nil {
		if err := c.writeFrame(conn, stomp.New(stomp.CommandUnsubscribe, stomp.HeaderID, id)); err != nil {
			c.logger.Debug("unsubscribe write failed", "id", id, "error", err)
		}
	}
}

// Publish JSON-encodes payload into a SEND frame. A []byte payload is sent as is.
// It returns ErrNotConnected without sending while the client is not connected.
func (c *Client) Publish(destination string, payload any) error {
	c.mu.Lock()
	conn := c.liveConnLocked()
	c.mu.Unlock()
	if conn == nil {
		c.collector.RecordDropped(destination)
		return ErrNotConnected
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("publish %s: encode: %w", destination, err)
		}
		body = b
	}

	f := stomp.New(stomp.CommandSend,
		stomp.HeaderDestination, destination,
		stomp.HeaderContentType, "application/json",
	)
	f.Body = body

	start := time.Now()
	if err := c.writeFrame(conn, f); err != nil {
		c.collector.RecordDropped(destination)
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	c.collector.RecordFrameOut(destination, len(body), time.Since(start))
	return nil
}

func (c *Client) liveConnLocked() *websocket.Conn {
	if c.state != StateConnected || c.run == nil {
		return nil
	}
	return c.run.conn
}

func subscribeFrame(sub *subscription) *stomp.Frame {
	return stomp.New(stomp.CommandSubscribe,
		stomp.HeaderID, sub.id,
		stomp.HeaderDestination, sub.topic,
	)
}

// transition moves r's client to state s. It reports false when r is no
// longer the current loop, in which case nothing changes.
func (c *Client) transition(r *run, s State) bool {
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return false
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.logger.Debug("state changed", "state", s)
		c.notify(s)
	}
	return true
}

func (c *Client) notify(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f *stomp.Frame) error {
	return c.writeRaw(conn, f.Marshal())
}

func (c *Client) writeRaw(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
