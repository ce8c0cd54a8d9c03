// Package transport owns the persistent duplex session to the room server:
// the CONNECT handshake, heartbeat liveness, and the reconnect policy. All
// state moves through the status machine; subscriptions are replayed from
// the router registry after every successful handshake.
package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/5-re-5/smore-front-sub000/internal/bus"
	"github.com/5-re-5/smore-front-sub000/internal/chaterr"
	"github.com/5-re-5/smore-front-sub000/internal/envelope"
	"github.com/5-re-5/smore-front-sub000/internal/frame"
	"github.com/5-re-5/smore-front-sub000/internal/router"
	"github.com/5-re-5/smore-front-sub000/internal/status"
	"go.uber.org/zap"
)

// Socket is one established duplex channel. Implementations must allow
// concurrent writers.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a new Socket. The gorilla/websocket implementation is the
// production one; tests use an in-memory pipe.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Socket, error)
}

// Options configures a Conn.
type Options struct {
	URL   string
	Token string
	// Heartbeat is the interval proposed in the CONNECT frame. Zero
	// proposes no heartbeat.
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	// SilenceMultiple times the negotiated interval without any inbound
	// activity marks the connection dead.
	SilenceMultiple int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

func (o *Options) withDefaults() {
	if o.Heartbeat == 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.SilenceMultiple == 0 {
		o.SilenceMultiple = 3
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 15 * time.Second
	}
}

// Conn is the transport connection for one room session.
type Conn struct {
	opts     Options
	dialer   Dialer
	registry *router.Registry
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu           sync.Mutex
	sock         Socket
	connCancel   context.CancelFunc
	connecting   bool
	wasConnected bool
	attempts     int
	closed       bool

	lastActivity atomic.Int64
}

// New creates a transport connection. Nothing is dialed until Connect.
func New(opts Options, dialer Dialer, registry *router.Registry, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Conn {
	opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		opts:       opts,
		dialer:     dialer,
		registry:   registry,
		machine:    machine,
		bus:        b,
		logger:     logger,
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// State returns the current connection state.
func (c *Conn) State() status.State {
	return c.machine.Current()
}

// Attempts returns the consecutive failed handshake count, for the host to
// render "reconnecting (n/cap)".
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect performs the initial handshake. A redundant call while a connect
// or reconnect is pending, or while connected, is coalesced into a no-op.
// If the first handshake fails the reconnect policy continues in the
// background and the first error is returned.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("transport closed")
	}
	if c.connecting || c.machine.Current() == status.Connected {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.attempts = 0
	c.mu.Unlock()

	if err := c.machine.Transition(status.Connecting); err != nil {
		c.setConnecting(false)
		return err
	}

	err := c.handshake(ctx)
	if err == nil {
		c.becomeConnected()
		c.setConnecting(false)
		return nil
	}

	c.logger.Warn("connect failed", zap.Error(err))
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
	_ = c.machine.Transition(status.Reconnecting)
	go c.reconnectLoop()
	return err
}

// Send writes a SEND frame carrying body to dest. While not connected the
// message is dropped with a warning; there is no outbound queue.
func (c *Conn) Send(dest string, body []byte) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	if sock == nil || c.machine.Current() != status.Connected {
		c.logger.Warn("dropping send while not connected", zap.String("destination", dest))
		return chaterr.ErrNotConnected
	}

	data, err := frame.Encode(&frame.Frame{
		Verb:    frame.VerbSend,
		Headers: map[string]string{frame.HdrDestination: dest},
		Body:    body,
	})
	if err != nil {
		return err
	}
	if err := sock.WriteMessage(data); err != nil {
		return chaterr.New(chaterr.Network, "transport.send", err)
	}
	return nil
}

// Close tears the connection down: pending backoff sleeps are cancelled and
// no reconnect fires afterwards.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.sock = nil
	if c.connCancel != nil {
		c.connCancel()
	}
	c.mu.Unlock()

	c.rootCancel()
	if sock != nil {
		_ = sock.Close()
	}
	_ = c.machine.Transition(status.Disconnected)
	return nil
}

func (c *Conn) setConnecting(v bool) {
	c.mu.Lock()
	c.connecting = v
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) sinceActivity() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Conn) becomeConnected() {
	c.mu.Lock()
	was := c.wasConnected
	c.wasConnected = true
	c.attempts = 0
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	if was && c.bus != nil {
		c.bus.Publish(bus.Now(bus.KindReconnected, nil))
	}
}

// handshake dials, exchanges CONNECT/CONNECTED within the handshake
// timeout, replays every registered subscription, and installs the socket.
func (c *Conn) handshake(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	sock, err := c.dialer.DialContext(dialCtx, c.opts.URL)
	if err != nil {
		return chaterr.New(chaterr.Network, "transport.dial", err)
	}
	installed := false
	defer func() {
		if !installed {
			_ = sock.Close()
		}
	}()

	proposedMS := int(c.opts.Heartbeat / time.Millisecond)
	headers := map[string]string{
		frame.HdrAcceptVersion: "1.2",
		frame.HdrHeartBeat:     frame.HeartBeatValue(proposedMS),
	}
	if c.opts.Token != "" {
		headers[frame.HdrToken] = c.opts.Token
	}
	data, err := frame.Encode(&frame.Frame{Verb: frame.VerbConnect, Headers: headers})
	if err != nil {
		return err
	}
	if err := sock.WriteMessage(data); err != nil {
		return chaterr.New(chaterr.Network, "transport.connect", err)
	}

	_ = sock.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	connected, err := awaitConnected(sock)
	if err != nil {
		return err
	}
	_ = sock.SetReadDeadline(time.Time{})

	serverSendMS, _ := frame.ParseHeartBeat(connected.Header(frame.HdrHeartBeat))
	interval := negotiate(proposedMS, serverSendMS)

	// Subscriptions do not survive a reconnect on the server; replay the
	// full registry on every handshake.
	for _, dest := range c.registry.Destinations() {
		subData, err := frame.Encode(&frame.Frame{
			Verb:    frame.VerbSubscribe,
			Headers: map[string]string{frame.HdrDestination: dest},
		})
		if err != nil {
			return err
		}
		if err := sock.WriteMessage(subData); err != nil {
			return chaterr.New(chaterr.Network, "transport.subscribe", err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("transport closed")
	}
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.sock != nil {
		_ = c.sock.Close()
	}
	connCtx, connCancel := context.WithCancel(c.rootCtx)
	c.sock = sock
	c.connCancel = connCancel
	c.mu.Unlock()

	c.touch()
	installed = true

	go c.readLoop(connCtx, sock)
	if interval > 0 {
		go c.heartbeatLoop(connCtx, sock, interval)
		go c.watchdog(connCtx, sock, interval)
	}

	c.logger.Info("handshake complete",
		zap.Duration("heartbeat", interval),
		zap.Int("subscriptions", len(c.registry.Destinations())))
	return nil
}

// awaitConnected reads frames until the server answers the CONNECT. Bare
// heartbeats are allowed in between; anything other than CONNECTED is a
// refusal.
func awaitConnected(sock Socket) (*frame.Frame, error) {
	for i := 0; i < 8; i++ {
		raw, err := sock.ReadMessage()
		if err != nil {
			return nil, chaterr.New(chaterr.Network, "transport.handshake", err)
		}
		f, err := frame.Decode(raw)
		if err != nil {
			return nil, err
		}
		if f.IsHeartbeat() {
			continue
		}
		if f.Verb != frame.VerbConnected {
			return nil, chaterr.Newf(chaterr.Auth, "transport.handshake", "CONNECT refused with %s", f.Verb)
		}
		return f, nil
	}
	return nil, chaterr.Newf(chaterr.Network, "transport.handshake", "no CONNECTED frame received")
}

// negotiate picks the effective heartbeat interval from the client proposal
// and the server's advertised send interval. A missing server header falls
// back to the client proposal; heartbeats are off only when both are zero.
func negotiate(clientMS, serverMS int) time.Duration {
	switch {
	case clientMS == 0 && serverMS == 0:
		return 0
	case serverMS == 0:
		return time.Duration(clientMS) * time.Millisecond
	case clientMS == 0:
		return time.Duration(serverMS) * time.Millisecond
	}
	return time.Duration(max(clientMS, serverMS)) * time.Millisecond
}

func (c *Conn) readLoop(ctx context.Context, sock Socket) {
	for {
		raw, err := sock.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			c.logger.Warn("transport read failed", zap.Error(err))
			c.connectionLost(sock)
			return
		}
		c.touch()

		f, err := frame.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if f.IsHeartbeat() {
			continue
		}

		switch f.Verb {
		case frame.VerbMessage:
			msg, err := envelope.Decode(f.Body)
			if err != nil {
				c.logger.Warn("dropping undecodable message envelope", zap.Error(err))
				continue
			}
			if msg.MessageID == "" {
				msg.MessageID = f.Header(frame.HdrMessageID)
			}
			c.registry.Dispatch(f.Header(frame.HdrDestination), msg)
		default:
			c.logger.Debug("ignoring frame", zap.String("verb", f.Verb))
		}
	}
}

// heartbeatLoop sends bare terminator pings on the negotiated interval.
func (c *Conn) heartbeatLoop(ctx context.Context, sock Socket, interval time.Duration) {
	ping, _ := frame.Encode(frame.Heartbeat())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sock.WriteMessage(ping); err != nil {
				_ = sock.Close()
				return
			}
		}
	}
}

// watchdog detects half-open connections: silence beyond the configured
// multiple of the interval closes the socket even without a transport-level
// close, which funnels into the normal reconnect path via the read loop.
func (c *Conn) watchdog(ctx context.Context, sock Socket, interval time.Duration) {
	limit := time.Duration(c.opts.SilenceMultiple) * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if since := c.sinceActivity(); since > limit {
				c.logger.Warn("heartbeat silence, treating connection as dead",
					zap.Duration("silent_for", since),
					zap.Duration("limit", limit))
				_ = sock.Close()
				return
			}
		}
	}
}

// connectionLost moves a connected session into the reconnect policy. Stale
// sockets from an already-superseded connection are ignored.
func (c *Conn) connectionLost(sock Socket) {
	c.mu.Lock()
	if c.closed || c.connecting || c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.sock = nil
	if c.connCancel != nil {
		c.connCancel()
	}
	c.mu.Unlock()
	_ = sock.Close()

	if err := c.machine.Transition(status.Reconnecting); err != nil {
		c.setConnecting(false)
		return
	}
	go c.reconnectLoop()
}

// reconnectLoop redoes the handshake with exponential backoff and jitter
// until it succeeds or the attempt cap is exhausted. Exhaustion is terminal:
// the machine parks in Failed until an explicit Connect.
func (c *Conn) reconnectLoop() {
	defer c.setConnecting(false)
	for {
		c.mu.Lock()
		attempt := c.attempts + 1
		c.mu.Unlock()

		if attempt > c.opts.MaxAttempts {
			_ = c.machine.Transition(status.Failed)
			err := chaterr.Newf(chaterr.ExhaustedRetries, "transport.reconnect",
				"gave up after %d attempts", c.opts.MaxAttempts)
			c.logger.Error("reconnect attempts exhausted", zap.Int("cap", c.opts.MaxAttempts))
			if c.bus != nil {
				c.bus.Publish(bus.Now(bus.KindFailed, err))
			}
			return
		}

		select {
		case <-time.After(c.backoff(attempt)):
		case <-c.rootCtx.Done():
			return
		}

		c.logger.Info("reconnect attempt",
			zap.Int("attempt", attempt),
			zap.Int("cap", c.opts.MaxAttempts))
		err := c.handshake(c.rootCtx)
		if err == nil {
			c.becomeConnected()
			return
		}
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()
		c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// backoff returns the delay before the given attempt: exponential from
// BackoffBase, capped at BackoffCap, with half the window randomized.
func (c *Conn) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase << (attempt - 1)
	if d > c.opts.BackoffCap || d <= 0 {
		d = c.opts.BackoffCap
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half+1)))
}
