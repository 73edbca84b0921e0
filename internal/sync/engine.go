// Package sync reconciles the local store with the server's authoritative
// event log. Every log event carries a pts (position); the engine advances a
// durable local cursor event by event and falls back to the difference
// endpoints whenever it detects it has missed something.
package sync

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vtstv/nexyc/internal/bus"
	"github.com/vtstv/nexyc/internal/connstate"
	"github.com/vtstv/nexyc/internal/rest"
	"github.com/vtstv/nexyc/internal/store"
)

// KindCompleted is the bus kind published after a successful difference sync.
const KindCompleted = "sync.completed"

// Completed is the payload for sync completion events.
type Completed struct {
	Pts     int64
	Applied int
	Deleted int
	Edited  int
}

// Verdict is the outcome of checking an inbound event's position against the
// local cursor.
type Verdict int

const (
	// Apply - the event is the immediate successor; apply it.
	Apply Verdict = iota
	// Duplicate - the event was already accounted for; skip it.
	Duplicate
	// Gap - positions were missed; drop the event and run a difference sync.
	Gap
)

// API is the slice of the REST client the engine needs.
type API interface {
	GetDifference(ctx context.Context, pts int64, limit int) (*rest.Difference, error)
	GetChannelDifference(ctx context.Context, chatID, pts int64, limit int) (*rest.ChannelDifference, error)
}

const (
	defaultDiffLimit        = 500
	defaultChannelDiffLimit = 100
	defaultIdleResync       = 15 * time.Minute
)

// Engine owns the sync cursors and the difference reconciliation.
type Engine struct {
	db     *store.DB
	api    API
	bus    *bus.Bus
	logger *zap.Logger
	selfID func() int64

	DiffLimit        int
	ChannelDiffLimit int
	IdleResync       time.Duration

	syncing atomic.Bool
	stop    chan struct{}
	unsub   func()
}

// NewEngine creates a sync engine. selfID supplies the logged-in user id;
// messages from self never bump unread counters.
func NewEngine(db *store.DB, api API, b *bus.Bus, logger *zap.Logger, selfID func() int64) *Engine {
	return &Engine{
		db:               db,
		api:              api,
		bus:              b,
		logger:           logger,
		selfID:           selfID,
		DiffLimit:        defaultDiffLimit,
		ChannelDiffLimit: defaultChannelDiffLimit,
		IdleResync:       defaultIdleResync,
	}
}

// HandleIncomingPosition checks an inbound event's position against the
// local cursor and advances it when the event is the immediate successor.
// Events without position data (pos <= 0) are always applied. On a gap a
// difference sync is started in the background.
func (e *Engine) HandleIncomingPosition(pos, count int64) Verdict {
	if pos <= 0 {
		return Apply
	}
	local, err := e.db.Position()
	if err != nil {
		e.logger.Error("reading sync position failed", zap.Error(err))
		return Apply
	}
	switch {
	case local+count == pos:
		if err := e.db.AdvancePosition(pos); err != nil {
			e.logger.Error("advancing sync position failed", zap.Error(err))
		}
		return Apply
	case local+count > pos:
		// The event's position range overlaps what we already hold.
		e.logger.Debug("duplicate event position",
			zap.Int64("pos", pos), zap.Int64("count", count), zap.Int64("local", local))
		return Duplicate
	default:
		e.logger.Info("gap in event positions, requesting difference",
			zap.Int64("pos", pos), zap.Int64("count", count), zap.Int64("local", local))
		go func() {
			if err := e.SyncDifference(context.Background()); err != nil {
				e.logger.Warn("gap-triggered sync failed", zap.Error(err))
			}
		}()
		return Gap
	}
}

// SyncDifference pulls and applies the global event-log delta since the
// local cursor, paging until caught up. Single-flight: a call entered while
// a sync runs returns immediately.
func (e *Engine) SyncDifference(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.syncing.Store(false)

	totals := Completed{}
	for {
		local, err := e.db.Position()
		if err != nil {
			return err
		}
		diff, err := e.api.GetDifference(ctx, local, e.DiffLimit)
		if err != nil {
			e.logger.Warn("difference request failed", zap.Error(err))
			return err
		}

		applied, deleted, edited := e.applyDelta(diff.NewMessages, diff.EditedMessages, diff.DeletedMessages)
		totals.Applied += applied
		totals.Deleted += deleted
		totals.Edited += edited

		if diff.State.Pts > local {
			if err := e.db.AdvancePosition(diff.State.Pts); err != nil {
				return err
			}
		}
		events := len(diff.NewMessages) + len(diff.EditedMessages) + len(diff.DeletedMessages)
		if diff.State.Pts <= local || events < e.DiffLimit {
			totals.Pts = diff.State.Pts
			break
		}
	}

	if err := e.db.TouchLastSync(); err != nil {
		e.logger.Error("recording sync time failed", zap.Error(err))
	}
	e.logger.Info("sync completed",
		zap.Int64("pts", totals.Pts),
		zap.Int("applied", totals.Applied),
		zap.Int("deleted", totals.Deleted),
		zap.Int("edited", totals.Edited))
	e.bus.Publish(bus.Event{Kind: KindCompleted, Timestamp: time.Now(), Payload: totals})
	return nil
}

// SyncChannelDifference pulls a single channel's delta, paging until the
// server reports the final page.
func (e *Engine) SyncChannelDifference(ctx context.Context, chatID int64) error {
	for {
		local, err := e.db.ChannelPosition(chatID)
		if err != nil {
			return err
		}
		diff, err := e.api.GetChannelDifference(ctx, chatID, local, e.ChannelDiffLimit)
		if err != nil {
			e.logger.Warn("channel difference request failed",
				zap.Int64("chat_id", chatID), zap.Error(err))
			return err
		}

		e.applyDelta(diff.NewMessages, diff.EditedMessages, diff.DeletedMessages)
		if diff.Pts > local {
			if err := e.db.AdvanceChannelPosition(chatID, diff.Pts); err != nil {
				return err
			}
		}
		if diff.Final {
			return nil
		}
		if diff.Pts <= local {
			// Non-final page that did not advance; bail rather than spin.
			e.logger.Warn("channel difference made no progress",
				zap.Int64("chat_id", chatID), zap.Int64("pts", diff.Pts))
			return nil
		}
	}
}

// applyDelta applies one difference page. Deletions win over everything, so
// they land first: a message both delivered and deleted inside the window
// must not survive. New messages merge without clobbering local delivery
// progress; edits apply last.
func (e *Engine) applyDelta(newMsgs, edited []*rest.Message, deleted []string) (applied, removed, changed int) {
	for _, id := range deleted {
		if err := e.db.DeleteMessage(id); err != nil {
			e.logger.Error("applying deletion failed", zap.String("msg_id", id), zap.Error(err))
			continue
		}
		removed++
	}

	deletedSet := make(map[string]struct{}, len(deleted))
	for _, id := range deleted {
		deletedSet[id] = struct{}{}
	}

	for _, msg := range newMsgs {
		if _, gone := deletedSet[msg.ID]; gone {
			continue
		}
		if e.applyNewMessage(msg) {
			applied++
		}
	}

	for _, msg := range edited {
		if _, gone := deletedSet[msg.ID]; gone {
			continue
		}
		if err := e.db.UpdateMessageContent(msg.ID, msg.Content, true); err != nil {
			e.logger.Error("applying edit failed", zap.String("msg_id", msg.ID), zap.Error(err))
			continue
		}
		changed++
	}
	return applied, removed, changed
}

func (e *Engine) applyNewMessage(msg *rest.Message) bool {
	if msg.Sender != nil {
		_ = e.db.UpsertUser(&store.User{
			ID:          msg.Sender.ID,
			Username:    msg.Sender.Username,
			DisplayName: msg.Sender.DisplayName,
			AvatarURL:   msg.Sender.AvatarURL,
			Status:      msg.Sender.Status,
			PublicKey:   msg.Sender.PublicKey,
		})
	}
	if msg.ChatID != 0 {
		// Placeholder row so the message has a home; metadata arrives later.
		_ = e.db.InsertChatIfAbsent(&store.Chat{ID: msg.ChatID, Type: "private"})
	}

	status := msg.Status
	if status == "" {
		status = store.StatusDelivered
	}
	inserted, err := e.db.InsertMessage(&store.Message{
		MsgID:       msg.ID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		Status:      status,
		Edited:      msg.Edited,
		MediaURL:    msg.MediaURL,
		MediaType:   msg.MediaType,
		ReplyToID:   msg.ReplyToID,
		Timestamp:   msg.Timestamp,
	})
	if err != nil {
		e.logger.Error("applying new message failed", zap.String("msg_id", msg.ID), zap.Error(err))
		return false
	}
	if !inserted {
		// Already known locally; only let delivery progress move forward.
		_ = e.db.RaiseMessageStatus(msg.ID, status)
		return false
	}

	_ = e.db.UpdateLastMessage(msg.ChatID, msg.ID, msg.Timestamp)
	if e.selfID == nil || msg.SenderID != e.selfID() {
		_ = e.db.IncrementUnread(msg.ChatID)
	}
	return true
}

// Start runs an initial sync, resyncs on every reconnect, and resyncs after
// a period of idleness.
func (e *Engine) Start() {
	events, unsub := e.bus.Subscribe(connstate.EventKind, 16)
	e.unsub = unsub
	e.stop = make(chan struct{})
	stop := e.stop

	go func() {
		if err := e.SyncDifference(context.Background()); err != nil {
			e.logger.Warn("initial sync failed", zap.Error(err))
		}
	}()

	go func() {
		ticker := time.NewTicker(e.IdleResync)
		defer ticker.Stop()
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				if ch, ok := evt.Payload.(connstate.Change); ok && ch.To == connstate.Connected {
					if err := e.SyncDifference(context.Background()); err != nil {
						e.logger.Warn("reconnect sync failed", zap.Error(err))
					}
				}
			case <-ticker.C:
				last, err := e.db.LastSyncAt()
				if err == nil && time.Since(last) >= e.IdleResync {
					if err := e.SyncDifference(context.Background()); err != nil {
						e.logger.Warn("idle sync failed", zap.Error(err))
					}
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts background syncing.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

// Reset discards all sync cursors; the next sync starts from zero.
func (e *Engine) Reset() error {
	return e.db.ResetSyncState()
}
