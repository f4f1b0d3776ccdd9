package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqui-im/loqui/internal/bus"
	"github.com/loqui-im/loqui/internal/status"
	"github.com/loqui-im/loqui/internal/wire"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{}

// wsServer starts a test WebSocket server; handler runs per connection.
func wsServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testManager(t *testing.T, opts Options) (*Manager, *status.Machine) {
	t.Helper()
	machine := status.NewMachine(bus.New())
	logger := zap.NewNop()
	m := NewManager(opts, machine, logger)
	t.Cleanup(m.Disconnect)
	return m, machine
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectDispatchesStatusAndFrames(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		// Push one chat frame, then hold the connection open.
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"chat","data":{"msgId":"c1","fromUserId":3,"content":"hi"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, machine := testManager(t, Options{URL: url, Token: "tok"})

	var gotStatus, gotChat atomic.Bool
	unsub := m.Subscribe(func(env *wire.Envelope) {
		switch env.Kind {
		case wire.KindStatus:
			if env.Status.State == "connected" {
				gotStatus.Store(true)
			}
		case wire.KindChat:
			if env.Message.MsgID == "c1" {
				gotChat.Store(true)
			}
		}
	})
	defer unsub()

	m.Connect()

	waitFor(t, 2*time.Second, gotStatus.Load, "no connected status envelope")
	waitFor(t, 2*time.Second, gotChat.Load, "chat frame not dispatched")
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", machine.Current())
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m, _ := testManager(t, Options{URL: "ws://127.0.0.1:1/ws", Token: "tok"})
	if m.Send(wire.PingFrame()) {
		t.Error("Send() = true while disconnected, want false")
	}
}

func TestConnectWithoutCredential(t *testing.T) {
	m, machine := testManager(t, Options{URL: "ws://127.0.0.1:1/ws"})
	m.Connect()
	time.Sleep(50 * time.Millisecond)
	if machine.Current() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED (no credential)", machine.Current())
	}
}

func TestSubscriberPanicDoesNotBreakDispatch(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	m, _ := testManager(t, Options{URL: url, Token: "tok"})

	var second atomic.Bool
	unsub1 := m.Subscribe(func(env *wire.Envelope) { panic("listener bug") })
	defer unsub1()
	unsub2 := m.Subscribe(func(env *wire.Envelope) { second.Store(true) })
	defer unsub2()

	m.Connect()
	waitFor(t, 2*time.Second, second.Load, "second subscriber never notified")
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	m, machine := testManager(t, Options{
		URL: url, Token: "tok",
		BackoffBase: 10 * time.Millisecond, BackoffCap: 20 * time.Millisecond,
	})

	m.Connect()
	waitFor(t, 2*time.Second, func() bool { return machine.Current() == status.Connected }, "never connected")

	m.Disconnect()
	waitFor(t, time.Second, func() bool { return machine.Current() == status.Disconnected }, "never disconnected")

	// No reconnect attempt should follow.
	time.Sleep(100 * time.Millisecond)
	if got := machine.Current(); got != status.Disconnected {
		t.Errorf("state after manual close = %s, want DISCONNECTED", got)
	}
}

func TestReconnectGivesUpAfterCap(t *testing.T) {
	// Nothing listens here: every dial fails.
	m, machine := testManager(t, Options{
		URL: "ws://127.0.0.1:1/ws", Token: "tok",
		BackoffBase: 5 * time.Millisecond, BackoffCap: 10 * time.Millisecond,
		MaxAttempts: 2, HandshakeTimeout: 100 * time.Millisecond,
	})

	var failed atomic.Bool
	unsub := m.Subscribe(func(env *wire.Envelope) {
		if env.Kind == wire.KindStatus && env.Status.State == "failed" {
			failed.Store(true)
		}
	})
	defer unsub()

	m.Connect()
	waitFor(t, 3*time.Second, failed.Load, "never gave up reconnecting")
	if machine.Current() != status.Failed {
		t.Errorf("state = %s, want FAILED", machine.Current())
	}
}

func TestLivenessWatchdogForcesReconnect(t *testing.T) {
	var conns atomic.Int32
	url := wsServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		// Answer the first ping, then go silent: simulates a half-open
		// connection the client must detect via the liveness timeout.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, _ := testManager(t, Options{
		URL: url, Token: "tok",
		HeartbeatInterval: 30 * time.Millisecond,
		LivenessTimeout:   150 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        20 * time.Millisecond,
	})
	m.Connect()

	waitFor(t, 5*time.Second, func() bool { return conns.Load() >= 2 },
		"watchdog never forced a reconnect")
}

func TestBackoffSchedule(t *testing.T) {
	base, ceil := time.Second, 10*time.Second
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(base, ceil, i+1); got != w {
			t.Errorf("backoffDelay(attempt %d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestEndpointURLTrimsBearerPrefix(t *testing.T) {
	m := NewManager(Options{URL: "wss://chat.example.com/ws", Token: "Bearer abc123"},
		status.NewMachine(nil), zap.NewNop())
	u, err := m.endpointURL()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(u, "token=abc123") {
		t.Errorf("endpoint URL = %q, want token=abc123", u)
	}
	if strings.Contains(u, "Bearer") {
		t.Errorf("endpoint URL %q leaks bearer scheme", u)
	}
}
