// Package nexy owns the real-time connection to the Nexy server: at most one
// live websocket, a heartbeat loop, reconnection policy, and the broadcast of
// every inbound payload onto the bus. It deliberately does NOT retry message
// delivery; a failed send is dropped here and redelivered by the outbound
// queue, which owns retry semantics.
package nexy

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vtstv/nexyc/internal/bus"
	"github.com/vtstv/nexyc/internal/connstate"
	"github.com/vtstv/nexyc/internal/wire"
)

// PayloadKind is the bus kind for inbound payload broadcasts. Published
// sticky, so the latest payload is always observable.
const PayloadKind = "transport.payload"

const (
	defaultHeartbeatInterval = 20 * time.Second
	defaultReconnectDelay    = 3 * time.Second
)

// ErrNotConnected is returned by Send when no live connection exists. The
// payload is dropped; callers needing delivery must requeue.
var ErrNotConnected = errors.New("transport: not connected")

// Transport maintains the websocket connection.
type Transport struct {
	serverURL string
	bus       *bus.Bus
	machine   *connstate.Machine
	logger    *zap.Logger

	// Intervals are fields so tests can shorten them.
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	token     string
	gen       int // connection generation; stale read loops detect teardown
	reconnect *time.Timer
	hbStop    chan struct{}

	writeMu sync.Mutex
}

// New creates a transport for the given websocket endpoint.
func New(serverURL string, b *bus.Bus, logger *zap.Logger) *Transport {
	return &Transport{
		serverURL:         serverURL,
		bus:               b,
		machine:           connstate.NewMachine(b),
		logger:            logger,
		HeartbeatInterval: defaultHeartbeatInterval,
		ReconnectDelay:    defaultReconnectDelay,
	}
}

// State returns the current connection state.
func (t *Transport) State() connstate.State {
	return t.machine.Current()
}

// Connected reports whether the connection is live.
func (t *Transport) Connected() bool {
	return t.machine.Current() == connstate.Connected
}

// Latest returns the most recent inbound payload, if any.
func (t *Transport) Latest() (*wire.Envelope, bool) {
	evt, ok := t.bus.Latest(PayloadKind)
	if !ok {
		return nil, false
	}
	env, ok := evt.Payload.(*wire.Envelope)
	return env, ok
}

// Connect opens a connection authenticated with token. A no-op when already
// connected with the same token; otherwise any existing connection is torn
// down first.
func (t *Transport) Connect(token string) error {
	t.mu.Lock()
	if t.machine.Current() == connstate.Connected && t.token == token {
		t.mu.Unlock()
		t.logger.Debug("already connected with same token, skipping connect")
		return nil
	}
	t.token = token
	t.teardownLocked()
	if t.machine.Current() == connstate.Connected {
		_ = t.machine.Transition(connstate.Disconnected)
	}
	_ = t.machine.Transition(connstate.Connecting)
	t.mu.Unlock()

	u := t.serverURL + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.logger.Error("websocket dial failed", zap.Error(err))
		t.mu.Lock()
		_ = t.machine.Transition(connstate.Failed)
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		return fmt.Errorf("dial %s: %w", t.serverURL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.gen++
	gen := t.gen
	_ = t.machine.Transition(connstate.Connected)
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	t.hbStop = make(chan struct{})
	hbStop := t.hbStop
	t.mu.Unlock()

	t.logger.Info("websocket connected", zap.String("url", t.serverURL))
	go t.readLoop(conn, gen)
	go t.heartbeatLoop(hbStop)
	return nil
}

// Send transmits one envelope. With no live connection the payload is
// dropped, ErrNotConnected is returned, and an implicit reconnect is
// scheduled when a token is set.
func (t *Transport) Send(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Error("websocket write failed", zap.Error(err), zap.String("type", env.Header.Type))
		t.mu.Lock()
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		return fmt.Errorf("send %s: %w", env.Header.Type, err)
	}
	return nil
}

// Close tears the connection down without scheduling a reconnect
// (user-initiated disconnect).
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	t.teardownLocked()
	if t.machine.Current() != connstate.Disconnected {
		_ = t.machine.Transition(connstate.Disconnected)
	}
}

// Logout closes the connection and forgets the token, disabling reconnects.
func (t *Transport) Logout() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()
	t.Close()
}

// teardownLocked closes any current connection and invalidates its read
// loop. Caller holds t.mu.
func (t *Transport) teardownLocked() {
	if t.hbStop != nil {
		close(t.hbStop)
		t.hbStop = nil
	}
	if t.conn != nil {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "user disconnected"),
			time.Now().Add(time.Second))
		_ = t.conn.Close()
		t.conn = nil
	}
	t.gen++
}

func (t *Transport) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if gen != t.gen {
				// Deliberate teardown; a newer connection owns the state.
				t.mu.Unlock()
				return
			}
			if t.hbStop != nil {
				close(t.hbStop)
				t.hbStop = nil
			}
			t.conn = nil
			t.gen++

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Info("websocket closed")
				_ = t.machine.Transition(connstate.Disconnected)
			} else {
				t.logger.Warn("websocket failed", zap.Error(err))
				_ = t.machine.Transition(connstate.Failed)
				t.scheduleReconnectLocked()
			}
			t.mu.Unlock()
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			t.logger.Warn("dropping undecodable payload", zap.Error(err))
			continue
		}
		// Socket arrival order is preserved at this layer; no reordering.
		t.bus.PublishSticky(bus.Event{
			Kind:      PayloadKind,
			Timestamp: time.Now(),
			Payload:   env,
		})
	}
}

func (t *Transport) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !t.Connected() {
				return
			}
			if err := t.Send(wire.NewHeartbeat()); err != nil {
				t.logger.Warn("heartbeat send failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// scheduleReconnectLocked arms the reconnect timer. No-op without a token:
// reconnecting unauthenticated is pointless. Caller holds t.mu.
func (t *Transport) scheduleReconnectLocked() {
	if t.token == "" {
		return
	}
	if t.reconnect != nil {
		t.reconnect.Stop()
	}
	t.logger.Info("scheduling reconnect", zap.Duration("delay", t.ReconnectDelay))
	t.reconnect = time.AfterFunc(t.ReconnectDelay, func() {
		t.mu.Lock()
		token := t.token
		t.mu.Unlock()
		if token != "" {
			if err := t.Connect(token); err != nil {
				t.logger.Warn("reconnect attempt failed", zap.Error(err))
			}
		}
	})
}
