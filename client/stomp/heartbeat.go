package stomp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HeartBeat is the pair carried by the heart-beat header: the smallest
// interval at which the sender can emit beats and the interval at which it
// wants to receive them. Zero means "cannot" / "does not want".
type HeartBeat struct {
	Send    time.Duration
	Receive time.Duration
}

// String renders the header value in milliseconds.
func (h HeartBeat) String() string {
	return fmt.Sprintf("%d,%d", h.Send.Milliseconds(), h.Receive.Milliseconds())
}

// ParseHeartBeat parses a heart-beat header value. An empty value means 0,0.
func ParseHeartBeat(s string) (HeartBeat, error) {
	if s == "" {
		return HeartBeat{}, nil
	}
	sx, rx, ok := strings.Cut(s, ",")
	if !ok {
		return HeartBeat{}, fmt.Errorf("%w: heart-beat %q", ErrMalformed, s)
	}
	send, err := strconv.ParseInt(strings.TrimSpace(sx), 10, 64)
	if err != nil || send < 0 {
		return HeartBeat{}, fmt.Errorf("%w: heart-beat %q", ErrMalformed, s)
	}
	recv, err := strconv.ParseInt(strings.TrimSpace(rx), 10, 64)
	if err != nil || recv < 0 {
		return HeartBeat{}, fmt.Errorf("%w: heart-beat %q", ErrMalformed, s)
	}
	return HeartBeat{
		Send:    time.Duration(send) * time.Millisecond,
		Receive: time.Duration(recv) * time.Millisecond,
	}, nil
}

// Negotiate returns the effective outgoing and incoming intervals for the
// client given what it offered and what the server answered.
func Negotiate(client, server HeartBeat) (outgoing, incoming time.Duration) {
	if client.Send > 0 && server.Receive > 0 {
		outgoing = max(client.Send, server.Receive)
	}
	if client.Receive > 0 && server.Send > 0 {
		incoming = max(client.Receive, server.Send)
	}
	return outgoing, incoming
}
