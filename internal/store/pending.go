package store

import (
	"database/sql"
	"time"
)

// InsertPending persists an outgoing message in queued state. Fails if a
// pending row with the same message id already exists.
func (db *DB) InsertPending(p *PendingMessage) error {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}
	if p.SendState == "" {
		p.SendState = SendQueued
	}
	_, err := db.Exec(`
		INSERT INTO pending_messages (message_id, chat_id, sender_id, content, message_type, recipient_id, reply_to_id, media_url, media_type, send_state, retry_count, max_retries, created_at, last_attempt_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.MessageID, p.ChatID, p.SenderID, p.Content, p.MessageType, p.RecipientID, p.ReplyToID, p.MediaURL, p.MediaType, p.SendState, p.RetryCount, p.MaxRetries, p.CreatedAt, p.LastAttemptAt, p.ErrorMessage)
	return err
}

// GetPending returns a pending message by id, or nil if unknown.
func (db *DB) GetPending(messageID string) (*PendingMessage, error) {
	row := db.QueryRow(`
		SELECT message_id, chat_id, sender_id, content, message_type, recipient_id, reply_to_id, media_url, media_type, send_state, retry_count, max_retries, created_at, last_attempt_at, error_message
		FROM pending_messages WHERE message_id = ?`, messageID)
	return scanPending(row)
}

// PendingReady returns queued messages eligible for the next flush pass, in
// creation order: rows in queued state, plus rows stuck in sending whose last
// attempt is older than ackTimeout (crash or lost-ack redelivery). Rows that
// exhausted their retries are excluded.
func (db *DB) PendingReady(ackTimeout time.Duration) ([]PendingMessage, error) {
	cutoff := time.Now().Add(-ackTimeout).UnixMilli()
	rows, err := db.Query(`
		SELECT message_id, chat_id, sender_id, content, message_type, recipient_id, reply_to_id, media_url, media_type, send_state, retry_count, max_retries, created_at, last_attempt_at, error_message
		FROM pending_messages
		WHERE retry_count < max_retries
		  AND (send_state = 'queued' OR (send_state = 'sending' AND last_attempt_at <= ?))
		ORDER BY created_at ASC, rowid ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pending []PendingMessage
	for rows.Next() {
		p, err := scanPendingRows(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, *p)
	}
	return pending, rows.Err()
}

// PendingByState returns pending messages in a given send state.
func (db *DB) PendingByState(state string) ([]PendingMessage, error) {
	rows, err := db.Query(`
		SELECT message_id, chat_id, sender_id, content, message_type, recipient_id, reply_to_id, media_url, media_type, send_state, retry_count, max_retries, created_at, last_attempt_at, error_message
		FROM pending_messages WHERE send_state = ? ORDER BY created_at ASC, rowid ASC`, state)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pending []PendingMessage
	for rows.Next() {
		p, err := scanPendingRows(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, *p)
	}
	return pending, rows.Err()
}

// PendingCount returns the number of not-yet-confirmed outgoing messages.
func (db *DB) PendingCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pending_messages`).Scan(&n)
	return n, err
}

// MarkPendingSending moves a pending message into sending state and records
// the attempt time.
func (db *DB) MarkPendingSending(messageID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE pending_messages SET send_state = 'sending', last_attempt_at = ? WHERE message_id = ?`, now, messageID)
	return err
}

// MarkPendingFailed increments the retry counter and records the error,
// leaving the row in the given state (queued for another attempt, error when
// retries are exhausted).
func (db *DB) MarkPendingFailed(messageID, state, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE pending_messages
		SET send_state = ?, retry_count = retry_count + 1, last_attempt_at = ?, error_message = ?
		WHERE message_id = ?`, state, now, errMsg, messageID)
	return err
}

// ResetPendingRetry returns a pending message to queued state with a fresh
// retry budget. The user's escape hatch from terminal error state.
func (db *DB) ResetPendingRetry(messageID string) error {
	_, err := db.Exec(`
		UPDATE pending_messages
		SET send_state = 'queued', retry_count = 0, error_message = ''
		WHERE message_id = ?`, messageID)
	return err
}

// DeletePending removes a pending message (ack received or user cancel).
func (db *DB) DeletePending(messageID string) error {
	_, err := db.Exec(`DELETE FROM pending_messages WHERE message_id = ?`, messageID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingRow(s rowScanner) (*PendingMessage, error) {
	var p PendingMessage
	err := s.Scan(&p.MessageID, &p.ChatID, &p.SenderID, &p.Content, &p.MessageType, &p.RecipientID, &p.ReplyToID, &p.MediaURL, &p.MediaType, &p.SendState, &p.RetryCount, &p.MaxRetries, &p.CreatedAt, &p.LastAttemptAt, &p.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPending(row *sql.Row) (*PendingMessage, error) {
	p, err := scanPendingRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanPendingRows(rows *sql.Rows) (*PendingMessage, error) {
	return scanPendingRow(rows)
}
