// Package notify surfaces user-facing notifications. The daemon has no UI of
// its own, so notifications are published on the bus for frontends to render.
package notify

import (
	"time"

	"go.uber.org/zap"

	"github.com/vtstv/nexyc/internal/bus"
)

// Kind is the bus kind for notification events.
const Kind = "notify.event"

// Notification is the payload for notification events.
type Notification struct {
	ChatID int64  `json:"chat_id,omitempty"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	// Notify delivers a notification for a chat. Muted chats and disabled
	// notification settings are the implementation's concern.
	Notify(chatID int64, title, body string)
}

// BusNotifier publishes notifications on the bus, honoring the global
// notification toggle and per-chat mutes.
type BusNotifier struct {
	bus     *bus.Bus
	logger  *zap.Logger
	enabled func() bool
	muted   func(chatID int64) bool
}

// New creates a notifier. enabled gates all notifications; muted gates per
// chat. Either may be nil, which means "never suppress".
func New(b *bus.Bus, logger *zap.Logger, enabled func() bool, muted func(chatID int64) bool) *BusNotifier {
	return &BusNotifier{bus: b, logger: logger, enabled: enabled, muted: muted}
}

func (n *BusNotifier) Notify(chatID int64, title, body string) {
	if n.enabled != nil && !n.enabled() {
		return
	}
	if chatID != 0 && n.muted != nil && n.muted(chatID) {
		n.logger.Debug("suppressing notification for muted chat", zap.Int64("chat_id", chatID))
		return
	}
	n.bus.Publish(bus.Event{
		Kind:      Kind,
		Timestamp: time.Now(),
		Payload:   Notification{ChatID: chatID, Title: title, Body: body},
	})
}
