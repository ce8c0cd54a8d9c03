package timeline

import "time"

// Message types carried on the room timeline.
const (
	TypeGroup   = "group"
	TypePrivate = "private"
	TypeSystem  = "system"
)

// Sender identifies the participant a message came from.
type Sender struct {
	ID          string
	DisplayName string
	AvatarRef   string
}

// Message is one entry of the room timeline. MessageID is the server-assigned
// canonical key; ClientMessageID identifies an optimistic local entry until
// the server echo arrives. Sender is nil for system messages. Receiver is
// set only for private messages.
type Message struct {
	MessageID       string
	ClientMessageID string
	RoomID          string
	Sender          *Sender
	Content         string
	Type            string
	CreatedAt       time.Time
	Receiver        string
}

// Acked reports whether the message carries a server-assigned id.
func (m Message) Acked() bool {
	return m.MessageID != ""
}

// Update is the bus payload for a timeline mutation. Messages holds the
// entries admitted or replaced by the merge, not the whole timeline.
type Update struct {
	RoomID   string
	Messages []Message
}
