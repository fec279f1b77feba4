// Package stomp encodes and decodes STOMP 1.2 frames carried one per
// WebSocket message.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Client and server commands.
const (
	CommandConnect     = "CONNECT"
	CommandConnected   = "CONNECTED"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandDisconnect  = "DISCONNECT"
	CommandMessage     = "MESSAGE"
	CommandReceipt     = "RECEIPT"
	CommandError       = "ERROR"
)

// Header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderVersion       = "version"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderMessage       = "message"
)

// Version is the protocol version this package speaks.
const Version = "1.2"

var (
	// ErrHeartBeat is returned by Parse for a bare end-of-line heart-beat.
	ErrHeartBeat = errors.New("stomp: heart-beat")
	// ErrMalformed wraps every decoding failure.
	ErrMalformed = errors.New("stomp: malformed frame")
)

// Frame is a single STOMP frame. Headers keep the first value seen for a name.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// New builds a frame from alternating header name/value pairs.
func New(command string, kv ...string) *Frame {
	f := &Frame{Command: command, Headers: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers[kv[i]] = kv[i+1]
	}
	return f
}

// Header returns the value of name, or "" when absent.
func (f *Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// Set sets a header value.
func (f *Frame) Set(name, value string) {
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers[name] = value
}

// Marshal renders the frame. Headers are written in sorted order so the
// output is deterministic; content-length is always emitted for frames with a body.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	escape := escapes(f.Command)
	names := make([]string, 0, len(f.Headers))
	for name := range f.Headers {
		if name == HeaderContentLength {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		buf.WriteString(encodeHeader(name, escape))
		buf.WriteByte(':')
		buf.WriteString(encodeHeader(f.Headers[name], escape))
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HeaderContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Parse decodes one frame. A payload made only of end-of-line characters
// is a heart-beat and yields ErrHeartBeat.
func Parse(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, ErrHeartBeat
	}

	line, rest, ok := cutLine(data)
	if !ok {
		return nil, fmt.Errorf("%w: missing command terminator", ErrMalformed)
	}
	f := &Frame{Command: line, Headers: make(map[string]string)}
	if f.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrMalformed)
	}
	escape := escapes(f.Command)

	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated headers", ErrMalformed)
		}
		if line == "" {
			break
		}
		rawName, rawValue, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: header %q has no colon", ErrMalformed, line)
		}
		name, err := decodeHeader(rawName, escape)
		if err != nil {
			return nil, err
		}
		value, err := decodeHeader(rawValue, escape)
		if err != nil {
			return nil, err
		}
		if _, seen := f.Headers[name]; !seen {
			f.Headers[name] = value
		}
	}

	if cl, ok := f.Headers[HeaderContentLength]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformed, cl)
		}
		if len(rest) < n+1 || rest[n] != 0 {
			return nil, fmt.Errorf("%w: body shorter than content-length %d", ErrMalformed, n)
		}
		f.Body = append([]byte(nil), rest[:n]...)
		return f, nil
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformed)
	}
	f.Body = append([]byte(nil), rest[:end]...)
	return f, nil
}

// cutLine splits off one line terminated by LF or CRLF.
func cutLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", nil, false
	}
	line := data[:i]
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line), data[i+1:], true
}

// CONNECT and CONNECTED headers are never escaped.
func escapes(command string) bool {
	return command != CommandConnect && command != CommandConnected
}

var headerEncoder = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func encodeHeader(s string, escape bool) string {
	if !escape {
		return s
	}
	return headerEncoder.Replace(s)
}

func decodeHeader(s string, escape bool) (string, error) {
	if !escape || !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrMalformed, s)
		}
		switch s[i] {
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformed, s[i])
		}
	}
	return b.String(), nil
}
