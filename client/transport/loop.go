package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"chatsession/client/stomp"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var heartBeatEOL = []byte("\n")

// loop dials, serves, and redials until r is cancelled.
func (c *Client) loop(r *run, onConnected func(), onError func(error)) {
	defer close(r.done)
	c.backoff.Reset()

	for attempt := 1; ; attempt++ {
		if !c.transition(r, StateConnecting) {
			return
		}
		if attempt > 1 {
			c.collector.RecordRetry()
		}
		c.logger.Info("connecting", "url", c.cfg.URL, "attempt", attempt)

		err := c.serve(r, onConnected)
		if r.ctx.Err() != nil {
			return
		}
		if !c.transition(r, StateErrored) {
			return
		}
		c.logger.Warn("connection failed", "error", err, "attempt", attempt)
		if onError != nil {
			onError(err)
		}

		delay := c.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = c.cfg.ReconnectDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve runs one socket from dial to close and returns why it ended.
func (c *Client) serve(r *run, onConnected func()) error {
	conn, err := c.dial(r)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.collector.RecordConnection()

	outgoing, incoming, err := c.handshake(conn)
	if err != nil {
		return err
	}

	// Flip to connected and snapshot subscriptions atomically so a concurrent
	// Subscribe is either in the snapshot or sends its own frame.
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return context.Canceled
	}
	c.state = StateConnected
	pending := make([]*subscription, 0, len(c.order))
	for _, id := range c.order {
		pending = append(pending, c.subs[id])
	}
	c.mu.Unlock()

	for _, sub := range pending {
		if err := c.writeFrame(conn, subscribeFrame(sub)); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
	}
	c.logger.Info("connected", "subscriptions", len(pending), "heartbeat_out", outgoing, "heartbeat_in", incoming)
	// Disconnect may have run since the flip; it has announced its own state.
	c.mu.Lock()
	current := c.run == r
	c.mu.Unlock()
	if !current {
		return context.Canceled
	}
	c.notify(StateConnected)
	if onConnected != nil {
		onConnected()
	}

	stopBeats := make(chan struct{})
	defer close(stopBeats)
	if outgoing > 0 {
		go c.heartBeats(conn, outgoing, stopBeats)
	}
	return c.readLoop(r, conn, incoming)
}

func (c *Client) dial(r *run) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(r.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		conn.Close()
		return nil, context.Canceled
	}
	r.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// handshake sends CONNECT and waits for CONNECTED.
func (c *Client) handshake(conn *websocket.Conn) (outgoing, incoming time.Duration, err error) {
	host := c.cfg.Host
	if host == "" {
		if u, perr := url.Parse(c.cfg.URL); perr == nil {
			host = u.Hostname()
		}
	}
	connect := stomp.New(stomp.CommandConnect,
		stomp.HeaderAcceptVersion, stomp.Version,
		stomp.HeaderHost, host,
		stomp.HeaderHeartBeat, c.cfg.HeartBeat.String(),
	)
	if err := c.writeFrame(conn, connect); err != nil {
		return 0, 0, fmt.Errorf("send connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return 0, 0, fmt.Errorf("await connected: %w", err)
		}
		f, err := stomp.Parse(data)
		if errors.Is(err, stomp.ErrHeartBeat) {
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("await connected: %w", err)
		}

		switch f.Command {
		case stomp.CommandConnected:
			server, err := stomp.ParseHeartBeat(f.Header(stomp.HeaderHeartBeat))
			if err != nil {
				return 0, 0, err
			}
			outgoing, incoming = stomp.Negotiate(c.cfg.HeartBeat, server)
			return outgoing, incoming, nil
		case stomp.CommandError:
			return 0, 0, &BrokerError{Message: f.Header(stomp.HeaderMessage), Details: string(f.Body)}
		default:
			return 0, 0, fmt.Errorf("await connected: unexpected %s frame", f.Command)
		}
	}
}

func (c *Client) readLoop(r *run, conn *websocket.Conn, incoming time.Duration) error {
	for {
		if incoming > 0 {
			// Allow one missed beat before declaring the broker gone.
			conn.SetReadDeadline(time.Now().Add(2 * incoming))
		} else {
			conn.SetReadDeadline(time.Time{})
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f, err := stomp.Parse(data)
		if errors.Is(err, stomp.ErrHeartBeat) {
			continue
		}
		if err != nil {
			c.collector.RecordMalformed("")
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f.Command {
		case stomp.CommandMessage:
			c.dispatch(r, f)
		case stomp.CommandError:
			return &BrokerError{Message: f.Header(stomp.HeaderMessage), Details: string(f.Body)}
		case stomp.CommandReceipt:
			c.logger.Debug("receipt", "id", f.Header(stomp.HeaderReceiptID))
		default:
			c.logger.Debug("ignoring frame", "command", f.Command)
		}
	}
}

func (c *Client) dispatch(r *run, f *stomp.Frame) {
	id := f.Header(stomp.HeaderSubscription)
	destination := f.Header(stomp.HeaderDestination)

	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return
	}
	sub := c.subs[id]
	c.mu.Unlock()

	c.collector.RecordFrameIn(destination, len(f.Body))
	if sub == nil {
		c.logger.Debug("message for unknown subscription", "subscription", id, "destination", destination)
		return
	}
	sub.handler(f.Body)
}

func (c *Client) heartBeats(conn *websocket.Conn, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeRaw(conn, heartBeatEOL); err != nil {
				c.logger.Debug("heart-beat write failed", "error", err)
				return
			}
		}
	}
}
