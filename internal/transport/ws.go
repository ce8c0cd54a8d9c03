package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsDialer opens gorilla websocket connections carrying text frames.
type wsDialer struct {
	handshakeTimeout time.Duration
	header           http.Header
}

// NewWSDialer creates the production websocket dialer. header may carry the
// opaque credential for servers that authenticate at the HTTP upgrade.
func NewWSDialer(handshakeTimeout time.Duration, header http.Header) Dialer {
	return &wsDialer{handshakeTimeout: handshakeTimeout, header: header}
}

func (d *wsDialer) DialContext(ctx context.Context, url string) (Socket, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsSocket{conn: conn}, nil
}

// wsSocket adapts *websocket.Conn to the Socket interface. gorilla allows
// at most one concurrent writer, so writes are serialized here.
type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
