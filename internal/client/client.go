// Package client is the in-process API surface of the daemon: everything a
// frontend does (send, retry, cancel, mark read, list) goes through here, so
// the canonical store row and the pending queue row are always created
// together.
package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vtstv/nexyc/internal/store"
	"github.com/vtstv/nexyc/internal/wire"
)

// Outbox is the slice of the queue manager the client uses.
type Outbox interface {
	Enqueue(p *store.PendingMessage) error
	RetryMessage(messageID string) error
	RetryAllFailed() (int, error)
	CancelMessage(messageID string) error
}

// Sender transmits transient envelopes that skip the durable queue.
type Sender interface {
	Send(env *wire.Envelope) error
}

// Client exposes messaging operations over the local session.
type Client struct {
	db        *store.DB
	outbox    Outbox
	transport Sender
	logger    *zap.Logger
	selfID    func() int64
}

// New creates a client facade.
func New(db *store.DB, outbox Outbox, transport Sender, logger *zap.Logger, selfID func() int64) *Client {
	return &Client{db: db, outbox: outbox, transport: transport, logger: logger, selfID: selfID}
}

func (c *Client) self() int64 {
	if c.selfID == nil {
		return 0
	}
	return c.selfID()
}

// SendText queues a text message for delivery and returns its message id.
// The message is durable before this returns; delivery happens asynchronously.
func (c *Client) SendText(chatID, recipientID, replyToID int64, content string) (string, error) {
	msgID := uuid.NewString()
	now := time.Now().UnixMilli()

	if _, err := c.db.InsertMessage(&store.Message{
		MsgID:       msgID,
		ChatID:      chatID,
		SenderID:    c.self(),
		Content:     content,
		MessageType: "text",
		Status:      store.StatusSending,
		ReplyToID:   replyToID,
		Timestamp:   now,
	}); err != nil {
		return "", fmt.Errorf("store outgoing message: %w", err)
	}
	_ = c.db.UpdateLastMessage(chatID, msgID, now)

	err := c.outbox.Enqueue(&store.PendingMessage{
		MessageID:   msgID,
		ChatID:      chatID,
		SenderID:    c.self(),
		RecipientID: recipientID,
		ReplyToID:   replyToID,
		Content:     content,
		MessageType: "text",
		CreatedAt:   now,
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// SendMedia queues a media or file message referencing already-uploaded
// content.
func (c *Client) SendMedia(chatID int64, messageType, mediaURL, mediaType, caption string) (string, error) {
	if mediaURL == "" {
		return "", fmt.Errorf("media message needs a media url")
	}
	msgID := uuid.NewString()
	now := time.Now().UnixMilli()

	if _, err := c.db.InsertMessage(&store.Message{
		MsgID:       msgID,
		ChatID:      chatID,
		SenderID:    c.self(),
		Content:     caption,
		MessageType: messageType,
		Status:      store.StatusSending,
		MediaURL:    mediaURL,
		MediaType:   mediaType,
		Timestamp:   now,
	}); err != nil {
		return "", fmt.Errorf("store outgoing message: %w", err)
	}
	_ = c.db.UpdateLastMessage(chatID, msgID, now)

	err := c.outbox.Enqueue(&store.PendingMessage{
		MessageID:   msgID,
		ChatID:      chatID,
		SenderID:    c.self(),
		Content:     caption,
		MessageType: messageType,
		MediaURL:    mediaURL,
		MediaType:   mediaType,
		CreatedAt:   now,
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// RetryMessage gives a failed message a fresh retry budget.
func (c *Client) RetryMessage(messageID string) error {
	return c.outbox.RetryMessage(messageID)
}

// RetryAllFailed retries every terminally failed message. Returns how many
// were reset.
func (c *Client) RetryAllFailed() (int, error) {
	return c.outbox.RetryAllFailed()
}

// CancelMessage abandons delivery and removes the local message.
func (c *Client) CancelMessage(messageID string) error {
	if err := c.outbox.CancelMessage(messageID); err != nil {
		return err
	}
	return c.db.DeleteMessage(messageID)
}

// SendTyping emits a transient typing indicator. Best effort: typing state
// is worthless once stale, so there is no queue and no retry.
func (c *Client) SendTyping(chatID int64, isTyping bool) {
	if err := c.transport.Send(wire.NewTypingIndicator(chatID, c.self(), isTyping)); err != nil {
		c.logger.Debug("typing indicator dropped", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// SendPresence reports the user going online or offline. Best effort, like
// typing.
func (c *Client) SendPresence(online bool) {
	if err := c.transport.Send(wire.NewPresence(c.self(), online)); err != nil {
		c.logger.Debug("presence update dropped", zap.Bool("online", online), zap.Error(err))
	}
}

// MarkRead reports the referenced message (and everything before it) as read
// and clears the chat's unread counter.
func (c *Client) MarkRead(chatID int64, readMessageID string) error {
	if msg, err := c.db.GetMessage(readMessageID); err == nil && msg != nil {
		if _, err := c.db.MarkReadUpTo(chatID, msg.Timestamp, msg.SenderID); err != nil {
			c.logger.Error("marking messages read failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
	if err := c.db.ClearUnread(chatID); err != nil {
		return err
	}
	if err := c.transport.Send(wire.NewReadReceipt(readMessageID, chatID, c.self())); err != nil {
		// The receipt is lost but local state is consistent; the next sync
		// reconciles the server's view.
		c.logger.Debug("read receipt dropped", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return nil
}

// ListChats returns known chats.
func (c *Client) ListChats(limit, offset int) ([]store.Chat, error) {
	return c.db.ListChats(limit, offset)
}

// ListMessages returns a chat's messages, newest first, paged by timestamp.
func (c *Client) ListMessages(chatID, beforeTs int64, limit int) ([]store.Message, error) {
	return c.db.ListMessages(chatID, beforeTs, limit)
}

// GetMessage returns a single message, or nil if unknown.
func (c *Client) GetMessage(messageID string) (*store.Message, error) {
	return c.db.GetMessage(messageID)
}

// PendingCount returns how many outgoing messages await server confirmation.
func (c *Client) PendingCount() (int, error) {
	return c.db.PendingCount()
}

// ListFailed returns messages whose delivery failed permanently.
func (c *Client) ListFailed() ([]store.PendingMessage, error) {
	return c.db.PendingByState(store.SendError)
}
