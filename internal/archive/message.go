package archive

import (
	"time"

	"github.com/5-re-5/smore-front-sub000/internal/timeline"
)

// SaveMessages upserts a batch of acknowledged messages in one transaction.
// Idempotent on (room_id, message_id); entries without a server id are
// skipped, optimistic state never reaches disk.
func (db *DB) SaveMessages(roomID string, msgs []timeline.Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	saved := 0
	for _, m := range msgs {
		if !m.Acked() {
			continue
		}
		senderID, senderName, avatarRef := "", "", ""
		if m.Sender != nil {
			senderID, senderName, avatarRef = m.Sender.ID, m.Sender.DisplayName, m.Sender.AvatarRef
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (room_id, message_id, client_message_id, sender_id, sender_name, avatar_ref, content, msg_type, receiver, created_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(room_id, message_id) DO UPDATE SET
				content = excluded.content,
				sender_name = excluded.sender_name`,
			roomID, m.MessageID, m.ClientMessageID, senderID, senderName, avatarRef,
			m.Content, m.Type, m.Receiver, m.CreatedAt.UnixMilli(), now); err != nil {
			return 0, err
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return saved, nil
}

// RecentMessages reads archived messages for a room using keyset pagination
// by timestamp, returned ascending. beforeTs of zero means "from now".
func (db *DB) RecentMessages(roomID string, beforeTs int64, limit int) ([]timeline.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT message_id, client_message_id, sender_id, sender_name, avatar_ref, content, msg_type, receiver, created_at
		FROM messages
		WHERE room_id = ? AND created_at < ?
		ORDER BY created_at DESC, message_id DESC
		LIMIT ?`, roomID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []timeline.Message
	for rows.Next() {
		var (
			m         timeline.Message
			senderID  string
			name      string
			avatar    string
			createdMS int64
		)
		if err := rows.Scan(&m.MessageID, &m.ClientMessageID, &senderID, &name, &avatar,
			&m.Content, &m.Type, &m.Receiver, &createdMS); err != nil {
			return nil, err
		}
		m.RoomID = roomID
		m.CreatedAt = time.UnixMilli(createdMS).UTC()
		if senderID != "" || name != "" {
			m.Sender = &timeline.Sender{ID: senderID, DisplayName: name, AvatarRef: avatar}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows come newest-first for the keyset; hand them off ascending like
	// every other producer.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
