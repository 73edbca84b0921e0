// Package queue implements the durable outbound message queue: every send is
// persisted before any network attempt, flushed oldest-first with pacing, and
// retried with exponential backoff until acked or exhausted. Delivery is
// at-least-once; a pending row is removed only by an ack or explicit cancel.
package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vtstv/nexyc/internal/bus"
	"github.com/vtstv/nexyc/internal/connstate"
	"github.com/vtstv/nexyc/internal/netmon"
	"github.com/vtstv/nexyc/internal/store"
	"github.com/vtstv/nexyc/internal/wire"
)

// Bus kinds published on delivery outcomes.
const (
	KindSent   = "queue.message_sent"
	KindFailed = "queue.message_failed"
)

const (
	defaultFlushDebounce = 500 * time.Millisecond
	defaultPacing        = 100 * time.Millisecond
	defaultAckTimeout    = 30 * time.Second

	baseRetryDelay = time.Second
	maxRetryDelay  = 30 * time.Second
)

// RetryDelay returns the backoff before attempt n+1, where n is the number of
// failures so far. Doubles from 2s and caps at 30s.
func RetryDelay(n int) time.Duration {
	if n > 5 {
		n = 5
	}
	d := baseRetryDelay << uint(n)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// Transport sends envelopes over the live connection.
type Transport interface {
	Send(env *wire.Envelope) error
	Connected() bool
}

// Network reports reachability.
type Network interface {
	Online() bool
}

// Manager owns the pending_messages table and the flush loop.
type Manager struct {
	db        *store.DB
	transport Transport
	network   Network
	bus       *bus.Bus
	logger    *zap.Logger

	FlushDebounce time.Duration
	Pacing        time.Duration
	AckTimeout    time.Duration

	mu         sync.Mutex
	flushTimer *time.Timer
	retryTimer *time.Timer
	unsub      func()

	flushing atomic.Bool
}

// NewManager creates a queue manager over db.
func NewManager(db *store.DB, transport Transport, network Network, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		db:            db,
		transport:     transport,
		network:       network,
		bus:           b,
		logger:        logger,
		FlushDebounce: defaultFlushDebounce,
		Pacing:        defaultPacing,
		AckTimeout:    defaultAckTimeout,
	}
}

// Start subscribes to connectivity events and schedules an initial flush for
// anything left over from a previous run.
func (m *Manager) Start() {
	states, unsubStates := m.bus.Subscribe(connstate.EventKind, 16)
	network, unsubNetwork := m.bus.Subscribe(netmon.KindAvailable, 16)
	m.mu.Lock()
	m.unsub = func() {
		unsubStates()
		unsubNetwork()
	}
	m.mu.Unlock()

	go func() {
		for evt := range states {
			if ch, ok := evt.Payload.(connstate.Change); ok && ch.To == connstate.Connected {
				m.ScheduleFlush()
			}
		}
	}()
	go func() {
		for range network {
			m.ScheduleFlush()
		}
	}()

	// Leftover rows from a previous run should not wait for traffic.
	time.AfterFunc(time.Second, m.ScheduleFlush)
}

// Stop unsubscribes and cancels any scheduled work.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// Enqueue persists an outgoing message and schedules a flush if the network
// and connection are up. The write is durable before this returns.
func (m *Manager) Enqueue(p *store.PendingMessage) error {
	if err := m.db.InsertPending(p); err != nil {
		return fmt.Errorf("enqueue %s: %w", p.MessageID, err)
	}
	m.logger.Debug("message enqueued",
		zap.String("message_id", p.MessageID),
		zap.Int64("chat_id", p.ChatID))
	if m.network.Online() && m.transport.Connected() {
		m.ScheduleFlush()
	}
	return nil
}

// ScheduleFlush arms the debounced flush. Calls landing inside the debounce
// window coalesce into one flush.
func (m *Manager) ScheduleFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushTimer != nil {
		return
	}
	m.flushTimer = time.AfterFunc(m.FlushDebounce, func() {
		m.mu.Lock()
		m.flushTimer = nil
		m.mu.Unlock()
		m.Flush()
	})
}

// Flush sends every ready pending message in creation order. Single-flight:
// a flush entered while one is running returns immediately.
func (m *Manager) Flush() {
	if !m.flushing.CompareAndSwap(false, true) {
		return
	}
	defer m.flushing.Store(false)

	ready, err := m.db.PendingReady(m.AckTimeout)
	if err != nil {
		m.logger.Error("loading pending messages failed", zap.Error(err))
		return
	}
	if len(ready) == 0 {
		return
	}
	m.logger.Info("flushing outbound queue", zap.Int("count", len(ready)))

	for i := range ready {
		p := &ready[i]
		if !m.network.Online() {
			m.logger.Warn("network lost mid-flush, aborting",
				zap.Int("remaining", len(ready)-i))
			return
		}
		m.sendOne(p)
		if i < len(ready)-1 {
			time.Sleep(m.Pacing)
		}
	}
}

func (m *Manager) sendOne(p *store.PendingMessage) {
	env, err := m.buildEnvelope(p)
	if err != nil {
		// Unsendable as stored; retrying cannot help.
		_ = m.db.MarkPendingFailed(p.MessageID, store.SendError, err.Error())
		m.failTerminal(p.MessageID, err.Error())
		return
	}

	if err := m.db.MarkPendingSending(p.MessageID); err != nil {
		m.logger.Error("marking pending sending failed",
			zap.String("message_id", p.MessageID), zap.Error(err))
		return
	}
	_ = m.db.SetMessageStatus(p.MessageID, store.StatusSending)

	if err := m.transport.Send(env); err != nil {
		m.logger.Warn("send failed",
			zap.String("message_id", p.MessageID), zap.Error(err))
		m.HandleNack(p.MessageID, err.Error())
	}
}

func (m *Manager) buildEnvelope(p *store.PendingMessage) (*wire.Envelope, error) {
	switch p.MessageType {
	case "", "text":
		return wire.NewTextMessage(p.MessageID, p.ChatID, p.SenderID, p.RecipientID, p.ReplyToID, p.Content), nil
	case "media", "file":
		if p.MediaURL == "" {
			return nil, fmt.Errorf("%s message %s has no media url", p.MessageType, p.MessageID)
		}
		return wire.NewMediaMessage(p.MessageID, p.ChatID, p.SenderID, p.MessageType, p.MediaURL, p.MediaType, p.Content), nil
	default:
		return nil, fmt.Errorf("unknown message type %q", p.MessageType)
	}
}

// HandleAck removes the pending row and raises the canonical message to sent.
// Unknown message ids are ignored: the ack may be a redelivery for a row we
// already cleared.
func (m *Manager) HandleAck(messageID string) {
	if err := m.db.DeletePending(messageID); err != nil {
		m.logger.Error("deleting acked pending failed",
			zap.String("message_id", messageID), zap.Error(err))
		return
	}
	if err := m.db.RaiseMessageStatus(messageID, store.StatusSent); err != nil {
		m.logger.Error("raising message status failed",
			zap.String("message_id", messageID), zap.Error(err))
	}
	m.logger.Debug("message acked", zap.String("message_id", messageID))
	m.bus.Publish(bus.Event{Kind: KindSent, Timestamp: time.Now(), Payload: messageID})
}

// HandleNack records a failed attempt. Below the retry ceiling the message
// goes back to queued and a flush is scheduled after the backoff delay; at
// the ceiling it becomes a terminal error.
func (m *Manager) HandleNack(messageID, errMsg string) {
	p, err := m.db.GetPending(messageID)
	if err != nil {
		m.logger.Error("loading nacked pending failed",
			zap.String("message_id", messageID), zap.Error(err))
		return
	}
	if p == nil {
		// Acked concurrently, or cancelled. Nothing to retry.
		return
	}

	attempts := p.RetryCount + 1
	if attempts >= p.MaxRetries {
		if err := m.db.MarkPendingFailed(messageID, store.SendError, errMsg); err != nil {
			m.logger.Error("marking pending failed", zap.String("message_id", messageID), zap.Error(err))
			return
		}
		m.failTerminal(messageID, errMsg)
		return
	}

	if err := m.db.MarkPendingFailed(messageID, store.SendQueued, errMsg); err != nil {
		m.logger.Error("requeueing pending failed", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	delay := RetryDelay(attempts)
	m.logger.Info("scheduling retry",
		zap.String("message_id", messageID),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))

	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, m.Flush)
	m.mu.Unlock()
}

func (m *Manager) failTerminal(messageID, errMsg string) {
	_ = m.db.SetMessageStatus(messageID, store.StatusFailed)
	m.logger.Warn("message failed permanently",
		zap.String("message_id", messageID), zap.String("error", errMsg))
	m.bus.Publish(bus.Event{Kind: KindFailed, Timestamp: time.Now(), Payload: messageID})
}

// RetryMessage resets a failed message for a fresh round of attempts.
func (m *Manager) RetryMessage(messageID string) error {
	p, err := m.db.GetPending(messageID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("no pending message %s", messageID)
	}
	if err := m.db.ResetPendingRetry(messageID); err != nil {
		return err
	}
	if err := m.db.SetMessageStatus(messageID, store.StatusSending); err != nil {
		return err
	}
	m.ScheduleFlush()
	return nil
}

// RetryAllFailed resets every terminally failed message.
func (m *Manager) RetryAllFailed() (int, error) {
	failed, err := m.db.PendingByState(store.SendError)
	if err != nil {
		return 0, err
	}
	for i := range failed {
		if err := m.db.ResetPendingRetry(failed[i].MessageID); err != nil {
			return i, err
		}
		if err := m.db.SetMessageStatus(failed[i].MessageID, store.StatusSending); err != nil {
			return i, err
		}
	}
	if len(failed) > 0 {
		m.ScheduleFlush()
	}
	return len(failed), nil
}

// CancelMessage abandons delivery of a pending message.
func (m *Manager) CancelMessage(messageID string) error {
	return m.db.DeletePending(messageID)
}
