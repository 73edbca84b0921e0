package store

import (
	"database/sql"
	"time"
)

// InsertMessage inserts a message only if no row with the same msg_id exists.
// Returns true when a new row was created. Insert-if-absent and update are
// deliberately distinct primitives so merge logic can decide what wins.
func (db *DB) InsertMessage(m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (msg_id, chat_id, sender_id, content, message_type, status, edited, media_url, media_type, reply_to_id, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO NOTHING`,
		m.MsgID, m.ChatID, m.SenderID, m.Content, m.MessageType, m.Status, m.Edited, m.MediaURL, m.MediaType, m.ReplyToID, m.Timestamp, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateMessage overwrites an existing message record.
func (db *DB) UpdateMessage(m *Message) error {
	_, err := db.Exec(`
		UPDATE messages SET
			chat_id = ?, sender_id = ?, content = ?, message_type = ?, status = ?,
			edited = ?, media_url = ?, media_type = ?, reply_to_id = ?, timestamp = ?
		WHERE msg_id = ?`,
		m.ChatID, m.SenderID, m.Content, m.MessageType, m.Status, m.Edited, m.MediaURL, m.MediaType, m.ReplyToID, m.Timestamp, m.MsgID)
	return err
}

// GetMessage returns a message by id, or nil if unknown.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT msg_id, chat_id, sender_id, content, message_type, status, edited, media_url, media_type, reply_to_id, timestamp
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.MsgID, &m.ChatID, &m.SenderID, &m.Content, &m.MessageType, &m.Status, &m.Edited, &m.MediaURL, &m.MediaType, &m.ReplyToID, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SetMessageStatus sets a message's display status unconditionally.
func (db *DB) SetMessageStatus(msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ?`, status, msgID)
	return err
}

// RaiseMessageStatus sets a message's status only if the new status ranks
// higher on the delivery ladder than the stored one. A stored READ is never
// downgraded by a late DELIVERED.
func (db *DB) RaiseMessageStatus(msgID, status string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE msg_id = ? AND
			(CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END) <
			(CASE ?      WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)`,
		status, msgID, status)
	return err
}

// UpdateMessageContent replaces a message's content and records the edit flag.
func (db *DB) UpdateMessageContent(msgID, content string, edited bool) error {
	_, err := db.Exec(`UPDATE messages SET content = ?, edited = ? WHERE msg_id = ?`, content, edited, msgID)
	return err
}

// DeleteMessage removes a message.
func (db *DB) DeleteMessage(msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE msg_id = ?`, msgID)
	return err
}

// MarkReadUpTo marks all of senderID's messages in a chat with timestamp at or
// below the given one as read. Returns the number of rows updated so callers
// can fall back to a single-message update when nothing matched.
func (db *DB) MarkReadUpTo(chatID, maxTimestamp, senderID int64) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = 'read'
		WHERE chat_id = ? AND sender_id = ? AND timestamp <= ? AND status != 'read'`,
		chatID, senderID, maxTimestamp)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListMessages returns messages for a chat using keyset pagination by timestamp.
func (db *DB) ListMessages(chatID int64, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT msg_id, chat_id, sender_id, content, message_type, status, edited, media_url, media_type, reply_to_id, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.ChatID, &m.SenderID, &m.Content, &m.MessageType, &m.Status, &m.Edited, &m.MediaURL, &m.MediaType, &m.ReplyToID, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
