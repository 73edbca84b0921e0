// Package wire implements the Nexy real-time wire format: a JSON envelope
// with a typed header and a free-form body. The header type tag drives all
// inbound routing.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event type tags understood by this client. Unknown tags are logged and
// dropped by the router, which keeps the format forward-compatible.
const (
	TypeChatMessage     = "chat_message"
	TypeAck             = "ack"
	TypeRead            = "read"
	TypeEdit            = "edit"
	TypeDelete          = "delete"
	TypeTyping          = "typing"
	TypeHeartbeat       = "heartbeat"
	TypeOnline          = "online"
	TypeOffline         = "offline"
	TypeChatCreated     = "chat_created"
	TypeAddedToGroup    = "added_to_group"
	TypeKickedFromGroup = "kicked_from_group"
	TypeBannedFromGroup = "banned_from_group"
)

// Ack statuses carried in ack bodies.
const (
	AckOK    = "ok"
	AckError = "error"
)

// Header identifies and addresses an envelope.
type Header struct {
	Version     string `json:"version,omitempty"`
	Type        string `json:"type"`
	MessageID   string `json:"message_id"`
	Timestamp   int64  `json:"timestamp"`
	SenderID    int64  `json:"sender_id,omitempty"`
	RecipientID int64  `json:"recipient_id,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
}

// Envelope is one real-time payload in either direction.
type Envelope struct {
	Header Header         `json:"header"`
	Body   map[string]any `json:"body,omitempty"`
}

// Encode marshals the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire payload into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Header.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing header type")
	}
	return &e, nil
}

// BodyString returns a string body field, or "" if absent.
func (e *Envelope) BodyString(key string) string {
	if e.Body == nil {
		return ""
	}
	s, _ := e.Body[key].(string)
	return s
}

// BodyInt64 returns a numeric body field, tolerating the float64 that
// encoding/json produces for untyped numbers as well as string-encoded ids.
func (e *Envelope) BodyInt64(key string) int64 {
	if e.Body == nil {
		return 0
	}
	switch v := e.Body[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		var n int64
		_, _ = fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}

// BodyBool returns a boolean body field, or false if absent.
func (e *Envelope) BodyBool(key string) bool {
	if e.Body == nil {
		return false
	}
	b, _ := e.Body[key].(bool)
	return b
}

// Pts returns the authoritative event-log position attached to the envelope
// body, or 0 when the event carries none.
func (e *Envelope) Pts() int64 {
	return e.BodyInt64("pts")
}

// PtsCount returns the number of log positions this event accounts for.
// Events that carry a pts but no count account for one position.
func (e *Envelope) PtsCount() int64 {
	if _, ok := e.Body["pts_count"]; !ok {
		return 1
	}
	return e.BodyInt64("pts_count")
}

func newHeader(typ, msgID string) Header {
	if msgID == "" {
		msgID = uuid.NewString()
	}
	return Header{
		Version:   "1.0",
		Type:      typ,
		MessageID: msgID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewTextMessage builds an outgoing text chat message.
func NewTextMessage(msgID string, chatID, senderID, recipientID, replyToID int64, content string) *Envelope {
	h := newHeader(TypeChatMessage, msgID)
	h.ChatID = chatID
	h.SenderID = senderID
	h.RecipientID = recipientID
	body := map[string]any{
		"content":      content,
		"message_type": "text",
	}
	if replyToID != 0 {
		body["reply_to_id"] = replyToID
	}
	return &Envelope{Header: h, Body: body}
}

// NewMediaMessage builds an outgoing media or file message referencing
// already-uploaded content.
func NewMediaMessage(msgID string, chatID, senderID int64, messageType, mediaURL, mimeType, caption string) *Envelope {
	h := newHeader(TypeChatMessage, msgID)
	h.ChatID = chatID
	h.SenderID = senderID
	body := map[string]any{
		"message_type": messageType,
		"media_url":    mediaURL,
		"content":      caption,
	}
	if mimeType != "" {
		body["media_type"] = mimeType
	}
	return &Envelope{Header: h, Body: body}
}

// NewTypingIndicator builds a transient typing event.
func NewTypingIndicator(chatID, senderID int64, isTyping bool) *Envelope {
	h := newHeader(TypeTyping, "")
	h.SenderID = senderID
	return &Envelope{Header: h, Body: map[string]any{
		"chat_id":   chatID,
		"is_typing": isTyping,
	}}
}

// NewReadReceipt reports that the referenced message (and everything before
// it) has been read.
func NewReadReceipt(readMessageID string, chatID, senderID int64) *Envelope {
	h := newHeader(TypeRead, "")
	h.ChatID = chatID
	h.SenderID = senderID
	return &Envelope{Header: h, Body: map[string]any{
		"read_message_id": readMessageID,
	}}
}

// NewHeartbeat builds a keepalive frame.
func NewHeartbeat() *Envelope {
	return &Envelope{Header: newHeader(TypeHeartbeat, "")}
}

// NewPresence reports the user going online or offline.
func NewPresence(userID int64, online bool) *Envelope {
	typ := TypeOffline
	if online {
		typ = TypeOnline
	}
	h := newHeader(typ, "")
	h.SenderID = userID
	return &Envelope{Header: h}
}
