// Package room owns one room session: the timeline store, the subscription
// registrations, and the load/send policies on top of the transport and the
// history client. A session is created on room entry and torn down on room
// exit; nothing here is process-global.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/5-re-5/smore-front-sub000/internal/envelope"
	"github.com/5-re-5/smore-front-sub000/internal/history"
	"github.com/5-re-5/smore-front-sub000/internal/router"
	"github.com/5-re-5/smore-front-sub000/internal/timeline"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config identifies the room and the local participant.
type Config struct {
	RoomID      string
	SelfID      string
	DisplayName string
	AvatarRef   string
	PageSize    int
}

// Pager is the slice of the history client the session uses.
type Pager interface {
	FetchPage(ctx context.Context, req history.PageRequest) (*history.Page, error)
}

// Transport is what the session needs from the connection.
type Transport interface {
	Send(dest string, body []byte) error
}

// Session coordinates the three producers feeding one room timeline.
type Session struct {
	cfg      Config
	store    *timeline.Store
	registry *router.Registry
	conn     Transport
	pager    Pager
	logger   *zap.Logger

	mu            sync.Mutex
	cursor        *history.Cursor
	hasNext       bool
	loading       bool
	gen           int
	cancelInitial context.CancelFunc
	olderInFlight bool
}

// New creates a session and registers the room's three destinations: the
// group topic, the local participant's inbox, and the system channel. The
// registry outlives connections, so these survive reconnects.
func New(cfg Config, store *timeline.Store, registry *router.Registry, conn Transport, pager Pager, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		cfg:      cfg,
		store:    store,
		registry: registry,
		conn:     conn,
		pager:    pager,
		logger:   logger,
	}

	ingest := func(m timeline.Message) {
		if m.RoomID == "" {
			m.RoomID = cfg.RoomID
		}
		store.Append([]timeline.Message{m})
	}
	registry.Subscribe(router.Group(), ingest)
	registry.Subscribe(router.Inbox(cfg.SelfID), ingest)
	registry.Subscribe(router.System(), ingest)

	return s
}

// LoadInitial fetches the most recent history page and resets the timeline
// to it. A newer call supersedes any in-flight one: the older request is
// cancelled and its page, if it still arrives, is discarded so a stale page
// can never overwrite a fresher one.
func (s *Session) LoadInitial(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelInitial != nil {
		s.cancelInitial()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelInitial = cancel
	s.gen++
	gen := s.gen
	s.loading = true
	s.mu.Unlock()

	page, err := s.pager.FetchPage(ctx, history.PageRequest{
		RoomID: s.cfg.RoomID,
		Size:   s.cfg.PageSize,
	})

	s.mu.Lock()
	stale := gen != s.gen
	if !stale {
		s.loading = false
	}
	s.mu.Unlock()
	if stale {
		return nil
	}

	if err != nil {
		// The loading flag is cleared but an already-rendered timeline
		// stays intact.
		s.logger.Warn("initial history load failed", zap.String("room", s.cfg.RoomID), zap.Error(err))
		return err
	}

	s.store.ReplaceAll(page.Messages)
	s.mu.Lock()
	s.cursor = page.Next
	s.hasNext = page.HasNext
	s.mu.Unlock()
	return nil
}

// LoadOlder fetches the page before the current cursor and merges it at the
// front. Calls are mutually exclusive: while one is in flight, another is a
// no-op. Failures leave the timeline untouched; the caller may surface a
// transient banner.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.olderInFlight || !s.hasNext || s.cursor == nil {
		s.mu.Unlock()
		return nil
	}
	s.olderInFlight = true
	cur := s.cursor
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.olderInFlight = false
		s.mu.Unlock()
	}()

	page, err := s.pager.FetchPage(ctx, history.PageRequest{
		RoomID: s.cfg.RoomID,
		Size:   s.cfg.PageSize,
		Cursor: cur,
	})
	if err != nil {
		s.logger.Warn("older page load failed", zap.String("room", s.cfg.RoomID), zap.Error(err))
		return err
	}

	s.store.Prepend(page.Messages)
	s.mu.Lock()
	s.cursor = page.Next
	s.hasNext = page.HasNext
	s.mu.Unlock()
	return nil
}

// Reset clears cursor and timeline and reruns the initial load, without
// destroying the session.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.cursor = nil
	s.hasNext = false
	s.mu.Unlock()
	s.store.Reset()
	return s.LoadInitial(ctx)
}

// SendGroup publishes a message to the room's group topic.
func (s *Session) SendGroup(content string) error {
	return s.send(timeline.TypeGroup, content, "", router.PubGroup())
}

// SendPrivate publishes a direct message to receiverID's inbox.
func (s *Session) SendPrivate(content, receiverID string) error {
	return s.send(timeline.TypePrivate, content, receiverID, router.PubInbox(receiverID))
}

// SendSystem publishes a system notice. System messages carry no sender.
func (s *Session) SendSystem(content string) error {
	return s.send(timeline.TypeSystem, content, "", router.PubSystem())
}

// send builds the envelope, hands it to the transport, and appends an
// optimistic entry keyed by ClientMessageID. The server echo later replaces
// that entry in place. A refused send (transport not connected) inserts
// nothing: the message is dropped, not queued.
func (s *Session) send(typ, content, receiver, dest string) error {
	m := timeline.Message{
		ClientMessageID: uuid.NewString(),
		RoomID:          s.cfg.RoomID,
		Type:            typ,
		Content:         content,
		CreatedAt:       time.Now().UTC(),
		Receiver:        receiver,
	}
	if typ != timeline.TypeSystem {
		m.Sender = &timeline.Sender{
			ID:          s.cfg.SelfID,
			DisplayName: s.cfg.DisplayName,
			AvatarRef:   s.cfg.AvatarRef,
		}
	}

	body, err := envelope.Encode(m)
	if err != nil {
		return err
	}
	if err := s.conn.Send(dest, body); err != nil {
		return err
	}

	s.store.Append([]timeline.Message{m})
	return nil
}

// Messages returns the current timeline.
func (s *Session) Messages() []timeline.Message {
	return s.store.Snapshot()
}

// Filtered returns timeline entries matching pred without mutating state.
func (s *Session) Filtered(pred func(timeline.Message) bool) []timeline.Message {
	return s.store.Filtered(pred)
}

// HasMoreHistory reports whether older pages remain.
func (s *Session) HasMoreHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasNext
}

// Loading reports whether an initial load is in flight.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Close cancels any in-flight initial load.
func (s *Session) Close() {
	s.mu.Lock()
	if s.cancelInitial != nil {
		s.cancelInitial()
	}
	s.mu.Unlock()
}
