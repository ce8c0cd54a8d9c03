// Package history fetches paged room history and reconnect gap-fill batches
// from the REST API. History uses keyset pagination: the previous page's
// oldest item is the next request's boundary, never a numeric offset, so
// concurrent inserts cannot shift pages.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/5-re-5/smore-front-sub000/internal/chaterr"
	"github.com/5-re-5/smore-front-sub000/internal/envelope"
	"github.com/5-re-5/smore-front-sub000/internal/timeline"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	defaultLimit    = 50
)

// Cursor marks the oldest item of the most recently fetched page. A nil
// cursor means "no cursor yet" or "no further pages", never "cursor zero".
type Cursor struct {
	LastMessageID string
	LastCreatedAt time.Time
}

// PageRequest asks for one bounded page of history. A nil Cursor fetches
// the most recent page.
type PageRequest struct {
	RoomID string
	Size   int
	Cursor *Cursor
	Type   string
}

// Page is one fetched history page, normalized ascending by time.
type Page struct {
	Messages      []timeline.Message
	HasNext       bool
	Next          *Cursor
	TotalElements int
}

// SinceRequest asks for everything created after Since, for reconnect
// gap-fill.
type SinceRequest struct {
	RoomID string
	Since  time.Time
	Limit  int
}

// Client is the REST history client.
type Client struct {
	base   *url.URL
	httpc  *http.Client
	token  string
	logger *zap.Logger
}

// New creates a history client for the given API base URL. token is the
// opaque credential attached as a bearer header; it is never inspected.
func New(baseURL, token string, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		token:  token,
		logger: logger,
	}, nil
}

type wireCursor struct {
	LastMessageID string `json:"lastMessageId"`
	LastCreatedAt string `json:"lastCreatedAt"`
}

type pageResponse struct {
	Content       []json.RawMessage `json:"content"`
	HasNext       bool              `json:"hasNext"`
	NextCursor    *wireCursor       `json:"nextCursor"`
	TotalElements int               `json:"totalElements"`
}

type syncResponse struct {
	Messages []json.RawMessage `json:"messages"`
	Count    int               `json:"count"`
}

// FetchPage fetches one page of room history. The returned messages are
// sorted ascending regardless of server page order.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	size := req.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	q := url.Values{}
	q.Set("size", strconv.Itoa(size))
	if req.Cursor != nil {
		q.Set("lastMessageId", req.Cursor.LastMessageID)
		q.Set("lastCreatedAt", req.Cursor.LastCreatedAt.UTC().Format(time.RFC3339Nano))
	}
	if req.Type != "" {
		q.Set("type", req.Type)
	}

	body, err := c.get(ctx, "/rooms/"+url.PathEscape(req.RoomID)+"/messages", q)
	if err != nil {
		return nil, err
	}

	var resp pageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, chaterr.New(chaterr.NonJSON, "history.FetchPage", err)
	}

	msgs, err := decodeBatch(resp.Content)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Messages:      msgs,
		HasNext:       resp.HasNext,
		TotalElements: resp.TotalElements,
	}
	// A null cursor on the wire normalizes to absent, never to a zero
	// cursor value.
	if resp.NextCursor != nil {
		at, err := time.Parse(time.RFC3339Nano, resp.NextCursor.LastCreatedAt)
		if err != nil {
			at, err = time.Parse(time.RFC3339, resp.NextCursor.LastCreatedAt)
		}
		if err != nil {
			return nil, chaterr.New(chaterr.NonJSON, "history.FetchPage", err)
		}
		page.Next = &Cursor{
			LastMessageID: resp.NextCursor.LastMessageID,
			LastCreatedAt: at,
		}
	}
	return page, nil
}

// FetchSince fetches messages created after req.Since. The server promises
// strict "created after" semantics, but callers must not rely on it; the
// results go through the same deduplicating merge as live delivery.
func (c *Client) FetchSince(ctx context.Context, req SinceRequest) ([]timeline.Message, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	q := url.Values{}
	q.Set("since", req.Since.UTC().Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/rooms/"+url.PathEscape(req.RoomID)+"/sync", q)
	if err != nil {
		return nil, err
	}

	var resp syncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, chaterr.New(chaterr.NonJSON, "history.FetchSince", err)
	}
	return decodeBatch(resp.Messages)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := *c.base
	u.Path = joinPath(u.Path, path)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, chaterr.New(chaterr.Network, "history.get", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		// A caller-initiated cancellation is not a network fault.
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, err
		}
		return nil, chaterr.New(chaterr.Network, "history.get", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, chaterr.New(chaterr.Network, "history.get", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, chaterr.Newf(chaterr.Auth, "history.get", "status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, chaterr.Newf(chaterr.Server, "history.get", "status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

// decodeBatch normalizes a batch of wire envelopes to internal messages in
// ascending (createdAt, messageId) order.
func decodeBatch(raw []json.RawMessage) ([]timeline.Message, error) {
	msgs := make([]timeline.Message, 0, len(raw))
	for _, item := range raw {
		m, err := envelope.Decode(item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].MessageID < msgs[j].MessageID
	})
	return msgs, nil
}

func joinPath(base, p string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + p
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
