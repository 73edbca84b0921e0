// Package dispatch routes inbound real-time events to their handlers: the
// store for stateful events, the queue for acks, the bus for transient
// signals. Unknown event types are logged and dropped.
package dispatch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vtstv/nexyc/internal/bus"
	"github.com/vtstv/nexyc/internal/nexy"
	"github.com/vtstv/nexyc/internal/notify"
	"github.com/vtstv/nexyc/internal/rest"
	"github.com/vtstv/nexyc/internal/store"
	syncer "github.com/vtstv/nexyc/internal/sync"
	"github.com/vtstv/nexyc/internal/wire"
)

// Bus kinds re-broadcast for frontends.
const (
	KindMessage  = "dispatch.message"
	KindTyping   = "dispatch.typing"
	KindPresence = "dispatch.presence"
	KindChat     = "dispatch.chat_updated"
)

// Acker receives delivery outcomes for pending messages.
type Acker interface {
	HandleAck(messageID string)
	HandleNack(messageID, errMsg string)
}

// Positions checks inbound event positions against the sync cursor.
type Positions interface {
	HandleIncomingPosition(pos, count int64) syncer.Verdict
}

// Directory resolves chat and user metadata not yet known locally.
type Directory interface {
	GetChatByID(ctx context.Context, chatID int64) (*rest.Chat, error)
	GetUserByID(ctx context.Context, userID int64) (*rest.User, error)
}

// Dispatcher consumes transport payloads and applies them.
type Dispatcher struct {
	db       *store.DB
	acks     Acker
	position Positions
	dir      Directory
	notifier notify.Notifier
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   func() int64

	unsub func()
}

// New creates a dispatcher. selfID supplies the logged-in user id; events
// about the user's own messages update status instead of unread counts.
func New(db *store.DB, acks Acker, position Positions, dir Directory, notifier notify.Notifier, b *bus.Bus, logger *zap.Logger, selfID func() int64) *Dispatcher {
	return &Dispatcher{
		db:       db,
		acks:     acks,
		position: position,
		dir:      dir,
		notifier: notifier,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
	}
}

// Start begins consuming transport payloads.
func (d *Dispatcher) Start() {
	events, unsub := d.bus.Subscribe(nexy.PayloadKind, 128)
	d.unsub = unsub
	go func() {
		for evt := range events {
			env, ok := evt.Payload.(*wire.Envelope)
			if !ok {
				continue
			}
			d.Route(env)
		}
	}()
}

// Stop halts consumption.
func (d *Dispatcher) Stop() {
	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
}

// Route applies one inbound envelope.
func (d *Dispatcher) Route(env *wire.Envelope) {
	switch env.Header.Type {
	case wire.TypeHeartbeat:
		return
	case wire.TypeAck:
		d.handleAck(env)
		return
	case wire.TypeTyping:
		d.rebroadcast(KindTyping, env)
		return
	case wire.TypeOnline, wire.TypeOffline:
		d.handlePresence(env)
		return
	}

	// Everything below mutates local state and must respect event ordering.
	switch d.position.HandleIncomingPosition(env.Pts(), env.PtsCount()) {
	case syncer.Duplicate:
		return
	case syncer.Gap:
		// Dropped here; the difference sync will deliver it in order.
		return
	}

	switch env.Header.Type {
	case wire.TypeChatMessage:
		d.handleChatMessage(env)
	case wire.TypeRead:
		d.handleRead(env)
	case wire.TypeEdit:
		d.handleEdit(env)
	case wire.TypeDelete:
		d.handleDelete(env)
	case wire.TypeChatCreated, wire.TypeAddedToGroup:
		d.handleChatJoined(env)
	case wire.TypeKickedFromGroup, wire.TypeBannedFromGroup:
		d.handleChatEvicted(env)
	default:
		d.logger.Warn("dropping unknown event type",
			zap.String("type", env.Header.Type),
			zap.String("message_id", env.Header.MessageID))
	}
}

func (d *Dispatcher) handleAck(env *wire.Envelope) {
	mid := env.BodyString("message_id")
	if mid == "" {
		mid = env.Header.MessageID
	}
	if env.BodyString("status") == wire.AckOK {
		d.acks.HandleAck(mid)
		return
	}
	errMsg := env.BodyString("error")
	if errMsg == "" {
		errMsg = "rejected by server"
	}
	d.acks.HandleNack(mid, errMsg)
}

func (d *Dispatcher) handleChatMessage(env *wire.Envelope) {
	mid := env.Header.MessageID
	chatID := env.Header.ChatID
	senderID := env.Header.SenderID

	d.ensureUser(senderID)
	chat := d.ensureChat(chatID)

	self := d.selfID != nil && senderID == d.selfID()
	status := store.StatusDelivered
	if self {
		// Echo of our own message from another device.
		status = store.StatusSent
	}

	msgType := env.BodyString("message_type")
	if msgType == "" {
		msgType = "text"
	}
	inserted, err := d.db.InsertMessage(&store.Message{
		MsgID:       mid,
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     env.BodyString("content"),
		MessageType: msgType,
		Status:      status,
		MediaURL:    env.BodyString("media_url"),
		MediaType:   env.BodyString("media_type"),
		ReplyToID:   env.BodyInt64("reply_to_id"),
		Timestamp:   env.Header.Timestamp,
	})
	if err != nil {
		d.logger.Error("storing inbound message failed", zap.String("message_id", mid), zap.Error(err))
		return
	}
	if !inserted {
		// Known already (usually our own outbound copy); only raise status.
		if err := d.db.RaiseMessageStatus(mid, status); err != nil {
			d.logger.Error("raising message status failed", zap.String("message_id", mid), zap.Error(err))
		}
		return
	}

	if err := d.db.UpdateLastMessage(chatID, mid, env.Header.Timestamp); err != nil {
		d.logger.Error("updating last message failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if !self {
		if err := d.db.IncrementUnread(chatID); err != nil {
			d.logger.Error("bumping unread failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		d.notifier.Notify(chatID, d.notifyTitle(chat, senderID), env.BodyString("content"))
	}
	d.rebroadcast(KindMessage, env)
}

// handleRead marks our messages in a chat as read up to the referenced
// message. When the bulk update matches nothing (the referenced message is
// the only one, or timestamps are missing) it falls back to raising just the
// referenced message.
func (d *Dispatcher) handleRead(env *wire.Envelope) {
	readID := env.BodyString("read_message_id")
	if readID == "" {
		readID = env.BodyString("message_id")
	}
	if readID == "" {
		return
	}
	chatID := env.Header.ChatID

	var self int64
	if d.selfID != nil {
		self = d.selfID()
	}

	ref, err := d.db.GetMessage(readID)
	if err != nil {
		d.logger.Error("loading read reference failed", zap.String("message_id", readID), zap.Error(err))
		return
	}
	if ref != nil {
		if chatID == 0 {
			chatID = ref.ChatID
		}
		n, err := d.db.MarkReadUpTo(chatID, ref.Timestamp, self)
		if err != nil {
			d.logger.Error("marking read failed", zap.Int64("chat_id", chatID), zap.Error(err))
			return
		}
		if n > 0 {
			d.rebroadcast(KindMessage, env)
			return
		}
	}
	if err := d.db.RaiseMessageStatus(readID, store.StatusRead); err != nil {
		d.logger.Error("raising read status failed", zap.String("message_id", readID), zap.Error(err))
		return
	}
	d.rebroadcast(KindMessage, env)
}

func (d *Dispatcher) handleEdit(env *wire.Envelope) {
	mid := env.BodyString("message_id")
	if mid == "" {
		mid = env.Header.MessageID
	}
	if err := d.db.UpdateMessageContent(mid, env.BodyString("content"), true); err != nil {
		d.logger.Error("applying edit failed", zap.String("message_id", mid), zap.Error(err))
		return
	}
	d.rebroadcast(KindMessage, env)
}

func (d *Dispatcher) handleDelete(env *wire.Envelope) {
	mid := env.BodyString("message_id")
	if mid == "" {
		mid = env.Header.MessageID
	}
	if err := d.db.DeleteMessage(mid); err != nil {
		d.logger.Error("applying delete failed", zap.String("message_id", mid), zap.Error(err))
		return
	}
	d.rebroadcast(KindMessage, env)
}

func (d *Dispatcher) handleChatJoined(env *wire.Envelope) {
	chatID := env.Header.ChatID
	if chatID == 0 {
		chatID = env.BodyInt64("chat_id")
	}
	chat := d.ensureChat(chatID)

	name := "a chat"
	if chat != nil && chat.Name != "" {
		name = chat.Name
	}
	switch env.Header.Type {
	case wire.TypeChatCreated:
		d.notifier.Notify(chatID, "New chat", "You were added to "+name)
	case wire.TypeAddedToGroup:
		d.notifier.Notify(chatID, "Added to group", "You were added to "+name)
	}
	d.rebroadcast(KindChat, env)
}

func (d *Dispatcher) handleChatEvicted(env *wire.Envelope) {
	chatID := env.Header.ChatID
	if chatID == 0 {
		chatID = env.BodyInt64("chat_id")
	}
	chat, _ := d.db.GetChat(chatID)
	if err := d.db.DeleteChat(chatID); err != nil {
		d.logger.Error("evicting chat failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}

	name := "a group"
	if chat != nil && chat.Name != "" {
		name = chat.Name
	}
	// Eviction notices bypass the chat's own mute flag: the chat is gone.
	if env.Header.Type == wire.TypeKickedFromGroup {
		d.notifier.Notify(0, "Removed from group", "You were removed from "+name)
	} else {
		d.notifier.Notify(0, "Banned from group", "You were banned from "+name)
	}
	d.rebroadcast(KindChat, env)
}

func (d *Dispatcher) handlePresence(env *wire.Envelope) {
	userID := env.Header.SenderID
	if user, err := d.db.GetUser(userID); err == nil && user != nil {
		user.Status = "offline"
		if env.Header.Type == wire.TypeOnline {
			user.Status = "online"
		}
		_ = d.db.UpsertUser(user)
	}
	d.rebroadcast(KindPresence, env)
}

// ensureUser makes sure the sender exists locally, fetching the profile from
// the directory on a miss. Best effort: a failed fetch never blocks the event.
func (d *Dispatcher) ensureUser(userID int64) {
	if userID == 0 {
		return
	}
	if user, err := d.db.GetUser(userID); err != nil || user != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fetched, err := d.dir.GetUserByID(ctx, userID)
	if err != nil {
		d.logger.Debug("fetching unknown user failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	_ = d.db.UpsertUser(&store.User{
		ID:          fetched.ID,
		Username:    fetched.Username,
		DisplayName: fetched.DisplayName,
		AvatarURL:   fetched.AvatarURL,
		Status:      fetched.Status,
		PublicKey:   fetched.PublicKey,
	})
}

// ensureChat makes sure the chat exists locally. On a directory miss a
// placeholder row is inserted so messages always have a home; real metadata
// replaces it on a later fetch or sync.
func (d *Dispatcher) ensureChat(chatID int64) *store.Chat {
	if chatID == 0 {
		return nil
	}
	chat, err := d.db.GetChat(chatID)
	if err != nil {
		d.logger.Error("loading chat failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return nil
	}
	if chat != nil {
		return chat
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fetched, err := d.dir.GetChatByID(ctx, chatID)
	if err != nil {
		d.logger.Debug("fetching unknown chat failed", zap.Int64("chat_id", chatID), zap.Error(err))
		placeholder := &store.Chat{ID: chatID, Type: "private"}
		_ = d.db.InsertChatIfAbsent(placeholder)
		return placeholder
	}

	chat = &store.Chat{
		ID:             fetched.ID,
		Type:           fetched.Type,
		Name:           fetched.Name,
		AvatarURL:      fetched.AvatarURL,
		ParticipantIDs: joinIDs(fetched.ParticipantIDs),
		Muted:          fetched.Muted,
	}
	if err := d.db.UpsertChat(chat); err != nil {
		d.logger.Error("storing fetched chat failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return chat
}

func (d *Dispatcher) notifyTitle(chat *store.Chat, senderID int64) string {
	if chat != nil && chat.Name != "" {
		return chat.Name
	}
	if user, err := d.db.GetUser(senderID); err == nil && user != nil {
		if user.DisplayName != "" {
			return user.DisplayName
		}
		if user.Username != "" {
			return user.Username
		}
	}
	return "New message"
}

func (d *Dispatcher) rebroadcast(kind string, env *wire.Envelope) {
	d.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: env})
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
