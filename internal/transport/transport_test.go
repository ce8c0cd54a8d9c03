package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/5-re-5/smore-front-sub000/internal/bus"
	"github.com/5-re-5/smore-front-sub000/internal/chaterr"
	"github.com/5-re-5/smore-front-sub000/internal/frame"
	"github.com/5-re-5/smore-front-sub000/internal/router"
	"github.com/5-re-5/smore-front-sub000/internal/status"
	"github.com/5-re-5/smore-front-sub000/internal/timeline"
)

// fakeSocket is an in-memory duplex channel. The test plays the server side
// through push and take.
type fakeSocket struct {
	mu       sync.Mutex
	deadline time.Time
	in       chan []byte
	out      chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	s.mu.Lock()
	dl := s.deadline
	s.mu.Unlock()
	var timeout <-chan time.Time
	if !dl.IsZero() {
		timeout = time.After(time.Until(dl))
	}
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	case <-timeout:
		return nil, errors.New("read deadline exceeded")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	case s.out <- data:
		return nil
	}
}

func (s *fakeSocket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// push delivers a server frame to the client.
func (s *fakeSocket) push(data []byte) {
	select {
	case s.in <- data:
	case <-s.closed:
	}
}

// take reads the next client frame on the server side.
func (s *fakeSocket) take() ([]byte, bool) {
	select {
	case data := <-s.out:
		return data, true
	case <-s.closed:
		return nil, false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failNext int // -1 = fail every dial
	serve    func(*fakeSocket)
	socks    []*fakeSocket
}

func (d *fakeDialer) DialContext(_ context.Context, _ string) (Socket, error) {
	d.mu.Lock()
	d.dials++
	if d.failNext != 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	s := newFakeSocket()
	d.socks = append(d.socks, s)
	serve := d.serve
	d.mu.Unlock()
	if serve != nil {
		go serve(s)
	}
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastSock() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.socks) == 0 {
		return nil
	}
	return d.socks[len(d.socks)-1]
}

func (d *fakeDialer) setAlwaysFail() {
	d.mu.Lock()
	d.failNext = -1
	d.mu.Unlock()
}

func (d *fakeDialer) setNeverFail() {
	d.mu.Lock()
	d.failNext = 0
	d.mu.Unlock()
}

// acceptingServer answers CONNECT with CONNECTED carrying heartBeat and
// records every SUBSCRIBE destination into subs.
func acceptingServer(heartBeat string, subsMu *sync.Mutex, subs *[]string) func(*fakeSocket) {
	return func(s *fakeSocket) {
		for {
			raw, ok := s.take()
			if !ok {
				return
			}
			f, err := frame.Decode(raw)
			if err != nil || f.IsHeartbeat() {
				continue
			}
			switch f.Verb {
			case frame.VerbConnect:
				hdrs := map[string]string{frame.HdrVersion: "1.2"}
				if heartBeat != "" {
					hdrs[frame.HdrHeartBeat] = heartBeat
				}
				data, _ := frame.Encode(&frame.Frame{Verb: frame.VerbConnected, Headers: hdrs})
				s.push(data)
			case frame.VerbSubscribe:
				if subsMu != nil {
					subsMu.Lock()
					*subs = append(*subs, f.Header(frame.HdrDestination))
					subsMu.Unlock()
				}
			}
		}
	}
}

// refusingServer answers CONNECT with an ERROR frame.
func refusingServer() func(*fakeSocket) {
	return func(s *fakeSocket) {
		for {
			raw, ok := s.take()
			if !ok {
				return
			}
			f, err := frame.Decode(raw)
			if err != nil || f.Verb != frame.VerbConnect {
				continue
			}
			data, _ := frame.Encode(&frame.Frame{Verb: "ERROR", Headers: map[string]string{"message": "bad token"}})
			s.push(data)
		}
	}
}

func testOptions() Options {
	return Options{
		URL:              "ws://test/ws",
		Heartbeat:        20 * time.Millisecond,
		HandshakeTimeout: 500 * time.Millisecond,
		SilenceMultiple:  2,
		MaxAttempts:      5,
		BackoffBase:      time.Millisecond,
		BackoffCap:       4 * time.Millisecond,
	}
}

type testConn struct {
	conn     *Conn
	dialer   *fakeDialer
	registry *router.Registry
	machine  *status.Machine
	bus      *bus.Bus
	msgs     chan timeline.Message
}

func newTestConn(t *testing.T, opts Options, d *fakeDialer) *testConn {
	t.Helper()
	b := bus.New()
	reg := router.NewRegistry(nil)
	msgs := make(chan timeline.Message, 16)
	reg.Subscribe(router.Group(), func(m timeline.Message) { msgs <- m })
	machine := status.NewMachine(b)
	conn := New(opts, d, reg, machine, b, nil)
	t.Cleanup(func() { _ = conn.Close() })
	return &testConn{conn: conn, dialer: d, registry: reg, machine: machine, bus: b, msgs: msgs}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestConnectHandshakeReplaysSubscriptions(t *testing.T) {
	var subsMu sync.Mutex
	var subs []string
	d := &fakeDialer{serve: acceptingServer("", &subsMu, &subs)}
	tc := newTestConn(t, testOptions(), d)
	tc.registry.Subscribe(router.Inbox("u1"), func(timeline.Message) {})
	tc.registry.Subscribe(router.System(), func(timeline.Message) {})

	if err := tc.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := tc.conn.State(); got != status.Connected {
		t.Errorf("state = %s, want CONNECTED", got)
	}

	waitFor(t, "subscription replay", func() bool {
		subsMu.Lock()
		defer subsMu.Unlock()
		return len(subs) == 3
	})
	subsMu.Lock()
	defer subsMu.Unlock()
	want := map[string]bool{"/sub/message": true, "/sub/system": true, "/sub/user/u1": true}
	for _, dest := range subs {
		if !want[dest] {
			t.Errorf("unexpected subscription %q", dest)
		}
	}
}

func TestRedundantConnectCoalesced(t *testing.T) {
	d := &fakeDialer{serve: acceptingServer("", nil, nil)}
	tc := newTestConn(t, testOptions(), d)

	if err := tc.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tc.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (second connect coalesced)", d.dialCount())
	}
}

func TestConnectRefusedIsAuthError(t *testing.T) {
	d := &fakeDialer{serve: refusingServer()}
	opts := testOptions()
	opts.MaxAttempts = 1
	tc := newTestConn(t, opts, d)

	failed, unsub := tc.bus.Subscribe(bus.KindFailed, 4)
	defer unsub()

	err := tc.conn.Connect(context.Background())
	if !chaterr.IsKind(err, chaterr.Auth) {
		t.Errorf("err = %v, want AUTH", err)
	}

	waitFor(t, "terminal failed state", func() bool { return tc.conn.State() == status.Failed })

	select {
	case evt := <-failed:
		if !chaterr.IsKind(evt.Payload.(error), chaterr.ExhaustedRetries) {
			t.Errorf("failed payload = %v, want EXHAUSTED_RETRIES", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no transport.failed event")
	}
}

func TestSendWhileDisconnectedDropped(t *testing.T) {
	d := &fakeDialer{}
	tc := newTestConn(t, testOptions(), d)

	err := tc.conn.Send(router.PubGroup(), []byte(`{}`))
	if !errors.Is(err, chaterr.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestMessageFramesDispatchToRouter(t *testing.T) {
	d := &fakeDialer{serve: acceptingServer("", nil, nil)}
	tc := newTestConn(t, testOptions(), d)
	if err := tc.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"type":"group","user":{"id":"u2","displayName":"Bo"},"content":"hi","createdAt":"2025-03-01T12:00:00Z"}`)
	data, err := frame.Encode(&frame.Frame{
		Verb: frame.VerbMessage,
		Headers: map[string]string{
			frame.HdrDestination: router.Group(),
			frame.HdrMessageID:   "m-77",
		},
		Body: body,
	})
	if err != nil {
		t.Fatal(err)
	}
	d.lastSock().push(data)

	select {
	case m := <-tc.msgs:
		if m.MessageID != "m-77" {
			t.Errorf("MessageID = %q, want m-77 (filled from frame header)", m.MessageID)
		}
		if m.Content != "hi" || m.Sender == nil || m.Sender.ID != "u2" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestHeartbeatSilenceTriggersReconnect(t *testing.T) {
	// Server negotiates a 20ms heartbeat but never sends anything after the
	// handshake. The watchdog must detect the dead connection and redial
	// without any external input.
	d := &fakeDialer{serve: acceptingServer("20,20", nil, nil)}
	tc := newTestConn(t, testOptions(), d)

	reconnected, unsub := tc.bus.Subscribe(bus.KindReconnected, 4)
	defer unsub()

	if err := tc.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after heartbeat silence")
	}
	if d.dialCount() < 2 {
		t.Errorf("dials = %d, want at least 2", d.dialCount())
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	d := &fakeDialer{serve: acceptingServer("", nil, nil)}
	tc := newTestConn(t, testOptions(), d)
	if err := tc.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Kill the connection and refuse every redial.
	d.setAlwaysFail()
	d.lastSock().Close()

	waitFor(t, "terminal failed state", func() bool { return tc.conn.State() == status.Failed })
	if got := tc.conn.Attempts(); got != 5 {
		t.Errorf("attempts = %d, want 5", got)
	}

	// Terminal means terminal: no further dials happen on their own.
	dials := d.dialCount()
	time.Sleep(30 * time.Millisecond)
	if d.dialCount() != dials {
		t.Errorf("dials grew from %d to %d after FAILED", dials, d.dialCount())
	}

	// An explicit fresh connect recovers and resets the counter.
	d.setNeverFail()
	if err := tc.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := tc.conn.State(); got != status.Connected {
		t.Errorf("state = %s, want CONNECTED", got)
	}
	if got := tc.conn.Attempts(); got != 0 {
		t.Errorf("attempts = %d, want 0 after explicit reconnect", got)
	}
}

func TestFreshConnectDoesNotEmitReconnected(t *testing.T) {
	d := &fakeDialer{serve: acceptingServer("", nil, nil)}
	tc := newTestConn(t, testOptions(), d)

	reconnected, unsub := tc.bus.Subscribe(bus.KindReconnected, 4)
	defer unsub()

	if err := tc.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected state", func() bool { return tc.conn.State() == status.Connected })

	select {
	case <-reconnected:
		t.Error("reconnected event on a first connect")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseCancelsPendingBackoff(t *testing.T) {
	d := &fakeDialer{}
	d.setAlwaysFail()
	opts := testOptions()
	opts.BackoffBase = 100 * time.Millisecond
	opts.BackoffCap = time.Second
	tc := newTestConn(t, opts, d)

	if err := tc.conn.Connect(context.Background()); err == nil {
		t.Fatal("connect should fail")
	}
	dials := d.dialCount()
	if err := tc.conn.Close(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if d.dialCount() != dials {
		t.Errorf("dial fired after Close: %d -> %d", dials, d.dialCount())
	}
	if got := tc.conn.State(); got != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", got)
	}
}

func TestSendAfterConnect(t *testing.T) {
	var subsMu sync.Mutex
	var subs []string
	d := &fakeDialer{serve: acceptingServer("", &subsMu, &subs)}
	tc := newTestConn(t, testOptions(), d)
	if err := tc.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tc.conn.Send(router.PubGroup(), []byte(`{"content":"x"}`)); err != nil {
		t.Fatal(err)
	}
}
