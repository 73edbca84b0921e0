package nexy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vtstv/nexyc/internal/bus"
	"github.com/vtstv/nexyc/internal/connstate"
	"github.com/vtstv/nexyc/internal/wire"
)

type fakeServer struct {
	*httptest.Server

	upgrades atomic.Int64
	tokens   []string

	mu    sync.Mutex
	conns []*websocket.Conn
}

// newFakeServer upgrades every request and keeps the connection open,
// recording the token each client presented.
func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.upgrades.Add(1)
		fs.mu.Lock()
		fs.tokens = append(fs.tokens, r.URL.Query().Get("token"))
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) lastConn(t *testing.T) *websocket.Conn {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		t.Fatal("no server-side connection")
	}
	return fs.conns[len(fs.conns)-1]
}

func newTestTransport(t *testing.T, fs *fakeServer) (*Transport, *bus.Bus) {
	t.Helper()
	b := bus.New()
	tr := New(fs.wsURL(), b, zap.NewNop())
	tr.HeartbeatInterval = time.Hour
	tr.ReconnectDelay = 50 * time.Millisecond
	t.Cleanup(tr.Logout)
	return tr, b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectDeliversPayloads(t *testing.T) {
	fs := newFakeServer(t)
	tr, b := newTestTransport(t, fs)

	events, unsub := b.Subscribe(PayloadKind, 16)
	defer unsub()

	if err := tr.Connect("tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if tr.State() != connstate.Connected {
		t.Fatalf("state = %s, want CONNECTED", tr.State())
	}

	env := wire.NewTextMessage("m1", 10, 1, 2, 0, "hello")
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.lastConn(t).WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-events:
		got := evt.Payload.(*wire.Envelope)
		if got.Header.MessageID != "m1" || got.Header.Type != wire.TypeChatMessage {
			t.Fatalf("unexpected payload: %+v", got.Header)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payload never reached the bus")
	}

	latest, ok := tr.Latest()
	if !ok || latest.Header.MessageID != "m1" {
		t.Fatalf("Latest() = %v, %v", latest, ok)
	}
}

func TestConnectSameTokenIsNoOp(t *testing.T) {
	fs := newFakeServer(t)
	tr, _ := newTestTransport(t, fs)

	if err := tr.Connect("tok-1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Connect("tok-1"); err != nil {
		t.Fatal(err)
	}
	if got := fs.upgrades.Load(); got != 1 {
		t.Fatalf("upgrades = %d, want 1", got)
	}
}

func TestConnectNewTokenReplacesConnection(t *testing.T) {
	fs := newFakeServer(t)
	tr, _ := newTestTransport(t, fs)

	if err := tr.Connect("tok-1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Connect("tok-2"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return fs.upgrades.Load() == 2 }, "second upgrade never happened")
	fs.mu.Lock()
	last := fs.tokens[len(fs.tokens)-1]
	fs.mu.Unlock()
	if last != "tok-2" {
		t.Fatalf("server saw token %q, want tok-2", last)
	}
	if tr.State() != connstate.Connected {
		t.Fatalf("state = %s, want CONNECTED", tr.State())
	}
}

func TestAbnormalCloseTriggersReconnect(t *testing.T) {
	fs := newFakeServer(t)
	tr, _ := newTestTransport(t, fs)

	if err := tr.Connect("tok-1"); err != nil {
		t.Fatal(err)
	}
	// Hard drop, no close handshake.
	_ = fs.lastConn(t).Close()

	waitFor(t, func() bool { return fs.upgrades.Load() >= 2 }, "no reconnect after abnormal close")
	waitFor(t, func() bool { return tr.State() == connstate.Connected }, "never reconnected")
	fs.mu.Lock()
	last := fs.tokens[len(fs.tokens)-1]
	fs.mu.Unlock()
	if last != "tok-1" {
		t.Fatalf("reconnect used token %q, want tok-1", last)
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)
	tr, _ := newTestTransport(t, fs)

	if err := tr.Connect("tok-1"); err != nil {
		t.Fatal(err)
	}
	conn := fs.lastConn(t)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))

	waitFor(t, func() bool { return tr.State() == connstate.Disconnected }, "never observed normal close")
	time.Sleep(4 * tr.ReconnectDelay)
	if got := fs.upgrades.Load(); got != 1 {
		t.Fatalf("upgrades = %d after normal close, want 1", got)
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	fs := newFakeServer(t)
	tr, _ := newTestTransport(t, fs)

	if err := tr.Connect("tok-1"); err != nil {
		t.Fatal(err)
	}
	tr.Close()
	if tr.State() != connstate.Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", tr.State())
	}
	time.Sleep(4 * tr.ReconnectDelay)
	if got := fs.upgrades.Load(); got != 1 {
		t.Fatalf("upgrades = %d after Close, want 1", got)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	b := bus.New()
	tr := New("ws://127.0.0.1:1", b, zap.NewNop())
	tr.ReconnectDelay = time.Hour

	err := tr.Send(wire.NewTextMessage("m1", 10, 1, 2, 0, "hi"))
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
