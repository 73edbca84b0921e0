package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, type, name, avatar_url, participant_ids, last_message_id, unread_count, muted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			participant_ids = excluded.participant_ids,
			muted = excluded.muted,
			updated_at = excluded.updated_at`,
		c.ID, c.Type, c.Name, c.AvatarURL, c.ParticipantIDs, c.LastMessageID, c.UnreadCount, c.Muted, now, now)
	return err
}

// InsertChatIfAbsent inserts a chat only when no row with the same id exists.
// Used for placeholder chats so an incoming message is never dropped.
func (db *DB) InsertChatIfAbsent(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, type, name, avatar_url, participant_ids, last_message_id, unread_count, muted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Type, c.Name, c.AvatarURL, c.ParticipantIDs, c.LastMessageID, c.UnreadCount, c.Muted, now, now)
	return err
}

// GetChat returns a single chat by id, or nil if unknown.
func (db *DB) GetChat(id int64) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, type, name, avatar_url, participant_ids, last_message_id, unread_count, muted, created_at, updated_at
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Type, &c.Name, &c.AvatarURL, &c.ParticipantIDs, &c.LastMessageID, &c.UnreadCount, &c.Muted, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChat removes a chat (kick/ban eviction).
func (db *DB) DeleteChat(id int64) error {
	_, err := db.Exec(`DELETE FROM chats WHERE id = ?`, id)
	return err
}

// UpdateLastMessage records the chat's most recent message pointer.
func (db *DB) UpdateLastMessage(chatID int64, msgID string, timestamp int64) error {
	_, err := db.Exec(`UPDATE chats SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		msgID, timestamp, chatID)
	return err
}

// IncrementUnread bumps the unread counter for a chat.
func (db *DB) IncrementUnread(chatID int64) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = unread_count + 1 WHERE id = ?`, chatID)
	return err
}

// ClearUnread resets the unread counter for a chat.
func (db *DB) ClearUnread(chatID int64) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = 0 WHERE id = ?`, chatID)
	return err
}

// ListChats returns chats sorted by most recent activity.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, type, name, avatar_url, participant_ids, last_message_id, unread_count, muted, created_at, updated_at
		FROM chats
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &c.AvatarURL, &c.ParticipantIDs, &c.LastMessageID, &c.UnreadCount, &c.Muted, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
