// Package envelope translates between wire message envelopes and the
// internal timeline message. Two schema variants coexist at the boundary: a
// legacy sender/timestamp pair and the current user/createdAt pair.
// Ingestion accepts either and normalizes; anything else is a decode error.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/5-re-5/smore-front-sub000/internal/chaterr"
	"github.com/5-re-5/smore-front-sub000/internal/timeline"
)

type wireUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// wireEnvelope is the superset of both schema variants. Which variant a
// payload uses is decided by the timestamp key that is present.
type wireEnvelope struct {
	Type            string    `json:"type"`
	MessageID       string    `json:"messageId,omitempty"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	RoomID          string    `json:"roomId,omitempty"`
	Content         string    `json:"content"`
	Receiver        string    `json:"receiver,omitempty"`
	User            *wireUser `json:"user,omitempty"`
	CreatedAt       string    `json:"createdAt,omitempty"`
	Sender          *wireUser `json:"sender,omitempty"`
	Timestamp       string    `json:"timestamp,omitempty"`
}

// Decode parses a wire envelope of either schema variant into the internal
// message shape. Timestamps are ISO-8601.
func Decode(data []byte) (timeline.Message, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return timeline.Message{}, chaterr.New(chaterr.Malformed, "envelope.Decode", err)
	}

	var (
		user *wireUser
		raw  string
	)
	switch {
	case w.CreatedAt != "" && w.Timestamp != "":
		// A payload claiming both variants is ambiguous; rejecting it beats
		// guessing which timestamp is authoritative.
		return timeline.Message{}, chaterr.Newf(chaterr.Malformed, "envelope.Decode",
			"both createdAt and timestamp present")
	case w.CreatedAt != "":
		user, raw = w.User, w.CreatedAt
	case w.Timestamp != "":
		user, raw = w.Sender, w.Timestamp
	default:
		return timeline.Message{}, chaterr.Newf(chaterr.Malformed, "envelope.Decode",
			"neither createdAt nor timestamp present")
	}

	createdAt, err := parseTime(raw)
	if err != nil {
		return timeline.Message{}, chaterr.New(chaterr.Malformed, "envelope.Decode", err)
	}

	m := timeline.Message{
		MessageID:       w.MessageID,
		ClientMessageID: w.ClientMessageID,
		RoomID:          w.RoomID,
		Content:         w.Content,
		Type:            w.Type,
		CreatedAt:       createdAt,
		Receiver:        w.Receiver,
	}
	if user != nil {
		m.Sender = &timeline.Sender{
			ID:          user.ID,
			DisplayName: user.DisplayName,
			AvatarRef:   user.AvatarRef,
		}
	}
	return m, nil
}

// Encode serializes a message as the current schema variant for an outgoing
// SEND body.
func Encode(m timeline.Message) ([]byte, error) {
	w := wireEnvelope{
		Type:            m.Type,
		MessageID:       m.MessageID,
		ClientMessageID: m.ClientMessageID,
		RoomID:          m.RoomID,
		Content:         m.Content,
		Receiver:        m.Receiver,
		CreatedAt:       m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.Sender != nil {
		w.User = &wireUser{
			ID:          m.Sender.ID,
			DisplayName: m.Sender.DisplayName,
			AvatarRef:   m.Sender.AvatarRef,
		}
	}
	return json.Marshal(w)
}

// parseTime accepts RFC 3339 with or without sub-second precision, and the
// zone-less form some legacy payloads carry.
func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
