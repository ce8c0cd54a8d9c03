// Package frame implements the text pub/sub frame protocol: a verb line,
// key:value header lines, a blank line, a body, and a NUL terminator. A
// bare terminator with no verb line is a heartbeat ping.
package frame

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/5-re-5/smore-front-sub000/internal/chaterr"
)

// Terminator ends every frame on the wire.
const Terminator byte = 0x00

// Frame verbs. Decoding tolerates verbs outside this set; they are ignored
// upstream rather than treated as protocol errors.
const (
	VerbConnect   = "CONNECT"
	VerbConnected = "CONNECTED"
	VerbSubscribe = "SUBSCRIBE"
	VerbSend      = "SEND"
	VerbMessage   = "MESSAGE"
)

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrMessageID     = "message-id"
	HdrContentLength = "content-length"
	HdrToken         = "token"
)

// Frame is one protocol message unit. A heartbeat has an empty Verb, no
// headers, and no body.
type Frame struct {
	Verb    string
	Headers map[string]string
	Body    []byte
}

// Heartbeat returns the ping frame.
func Heartbeat() *Frame {
	return &Frame{}
}

// IsHeartbeat reports whether the frame is a bare ping.
func (f *Frame) IsHeartbeat() bool {
	return f.Verb == ""
}

// Header returns a header value, or "" when absent.
func (f *Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// Encode serializes the frame. The body must not contain the terminator
// byte; there is no escaping on this wire, so such a body is rejected.
func Encode(f *Frame) ([]byte, error) {
	if f.IsHeartbeat() {
		return []byte{Terminator}, nil
	}
	if bytes.IndexByte(f.Body, Terminator) >= 0 {
		return nil, chaterr.Newf(chaterr.Protocol, "frame.Encode", "body contains terminator byte")
	}

	var buf bytes.Buffer
	buf.WriteString(f.Verb)
	buf.WriteByte('\n')
	for k, v := range f.Headers {
		if strings.ContainsAny(k, ":\n\x00") || strings.ContainsAny(v, "\n\x00") {
			return nil, chaterr.Newf(chaterr.Protocol, "frame.Encode", "invalid header %q", k)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && f.Header(HdrContentLength) == "" {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(Terminator)
	return buf.Bytes(), nil
}

// Decode parses one frame. The trailing terminator is optional, since the
// transport delivers one frame per websocket message. Input that is empty
// or newlines-only is a heartbeat. A header line without a colon is a
// protocol error; the content-length header is advisory only, the
// terminator is authoritative for framing.
func Decode(data []byte) (*Frame, error) {
	if i := bytes.IndexByte(data, Terminator); i >= 0 {
		data = data[:i]
	}
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return Heartbeat(), nil
	}

	head, body := splitHead(data)
	lines := strings.Split(string(head), "\n")

	verb := strings.TrimRight(lines[0], "\r")
	if verb == "" || strings.ContainsRune(verb, ':') {
		return nil, chaterr.Newf(chaterr.Protocol, "frame.Decode", "missing verb line")
	}

	f := &Frame{Verb: verb, Headers: make(map[string]string)}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok || k == "" {
			return nil, chaterr.Newf(chaterr.Protocol, "frame.Decode", "malformed header line %q", line)
		}
		f.Headers[k] = v
	}
	if len(body) > 0 {
		f.Body = body
	}
	return f, nil
}

// splitHead cuts the frame at the blank line separating the header block
// from the body. Lines may be LF- or CRLF-terminated, so the blank line is
// "\n\n" or "\n\r\n"; whichever appears first wins.
func splitHead(data []byte) (head, body []byte) {
	i := bytes.Index(data, []byte("\n\n"))
	j := bytes.Index(data, []byte("\n\r\n"))
	switch {
	case j >= 0 && (i < 0 || j < i):
		return data[:j], data[j+3:]
	case i >= 0:
		return data[:i], data[i+2:]
	}
	return data, nil
}

// HeartBeatValue formats the heart-beat header for an interval in
// milliseconds, proposing the same value for both directions.
func HeartBeatValue(intervalMS int) string {
	return fmt.Sprintf("%d,%d", intervalMS, intervalMS)
}

// ParseHeartBeat parses a heart-beat header value into the peer's send and
// expected-receive intervals in milliseconds. Missing or malformed values
// parse as zeros, meaning no heartbeat.
func ParseHeartBeat(v string) (sendMS, recvMS int) {
	sx, sy, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0
	}
	sendMS, _ = strconv.Atoi(strings.TrimSpace(sx))
	recvMS, _ = strconv.Atoi(strings.TrimSpace(sy))
	return sendMS, recvMS
}
