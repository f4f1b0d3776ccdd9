// Package transport owns the realtime connection to the chat backend:
// dial, heartbeat, reconnection with backoff, outbound send and inbound
// fan-out. It knows frame shapes but nothing about message semantics.
package transport

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqui-im/loqui/internal/status"
	"github.com/loqui-im/loqui/internal/wire"
	"go.uber.org/zap"
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	// URL is the realtime endpoint, ws:// or wss://.
	URL string
	// Token is the bearer credential; a "Bearer " prefix is trimmed
	// before it is attached as a query parameter.
	Token string

	HeartbeatInterval time.Duration // default 30s
	LivenessTimeout   time.Duration // default 65s
	BackoffBase       time.Duration // default 1s
	BackoffCap        time.Duration // default 10s
	MaxAttempts       int           // default 5
	WriteTimeout      time.Duration // default 10s
	HandshakeTimeout  time.Duration // default 10s
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.LivenessTimeout == 0 {
		o.LivenessTimeout = 65 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 10 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// Manager maintains one authenticated connection. All failures are
// logged and reported through the state machine and synthetic status
// envelopes; no method ever panics or returns a transport error.
type Manager struct {
	opts    Options
	machine *status.Machine
	logger  *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	connGen        int
	manualClose    bool
	attempts       int
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}
	lastInbound    time.Time
	sawPong        bool

	wmu sync.Mutex // serializes socket writes

	subMu   sync.RWMutex
	subs    map[int]func(*wire.Envelope)
	nextSub int
}

// NewManager creates a connection manager. It does not connect.
func NewManager(opts Options, machine *status.Machine, logger *zap.Logger) *Manager {
	return &Manager{
		opts:    opts.withDefaults(),
		machine: machine,
		logger:  logger,
		subs:    make(map[int]func(*wire.Envelope)),
	}
}

// Subscribe registers a listener for inbound envelopes (including the
// synthetic status ones). Listener panics are contained; they never
// break dispatch to other listeners. The returned function removes the
// listener.
func (m *Manager) Subscribe(fn func(*wire.Envelope)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Connect establishes the connection. It is a no-op while connecting or
// connected, and resets the reconnect attempt counter so a user-
// triggered retry gets a fresh budget. A missing credential is logged,
// not an error.
func (m *Manager) Connect() {
	cur := m.machine.Current()
	if cur == status.Connecting || cur == status.Connected {
		return
	}
	if m.opts.Token == "" {
		m.logger.Warn("connect skipped: no credential available")
		return
	}

	m.mu.Lock()
	m.manualClose = false
	m.attempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	go m.dial()
}

// Disconnect closes the connection and suppresses reconnection. Timers
// are torn down exactly once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
	conn := m.conn
	m.conn = nil
	m.connGen++ // invalidates the read loop's disconnect handling
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	if m.machine.Current() != status.Disconnected {
		if err := m.machine.Transition(status.Disconnected); err != nil {
			m.logger.Warn("disconnect transition", zap.Error(err))
		}
		m.dispatch(wire.StatusEnvelope("disconnected"))
	}
	m.logger.Info("disconnected")
}

// Send serializes and transmits a frame. Returns false when the socket
// is not open or the write fails; callers own any optimistic-state
// rollback.
func (m *Manager) Send(frame wire.Outbound) bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.machine.Current() != status.Connected {
		m.logger.Warn("send while not connected", zap.String("frame_type", frame.Type))
		return false
	}

	data, err := frame.Marshal()
	if err != nil {
		m.logger.Error("marshal outbound frame", zap.Error(err), zap.String("frame_type", frame.Type))
		return false
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.Warn("write frame", zap.Error(err), zap.String("frame_type", frame.Type))
		return false
	}
	return true
}

func (m *Manager) dial() {
	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connecting); err != nil {
		// Already connecting/connected via another path.
		return
	}

	endpoint, err := m.endpointURL()
	if err != nil {
		m.logger.Error("bad endpoint URL", zap.Error(err))
		m.toReconnecting()
		m.scheduleReconnect()
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err))
		m.toReconnecting()
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.connGen++
	gen := m.connGen
	m.attempts = 0
	m.lastInbound = time.Now()
	m.sawPong = false
	stop := make(chan struct{})
	m.stopHeartbeat = stop
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connected); err != nil {
		m.logger.Warn("connected transition", zap.Error(err))
	}
	m.logger.Info("connected", zap.String("endpoint", m.opts.URL))
	m.dispatch(wire.StatusEnvelope("connected"))

	go m.readLoop(conn, gen)
	go m.heartbeat(conn, stop)
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}

		// Any inbound traffic counts as liveness, not only pongs.
		m.mu.Lock()
		if gen == m.connGen {
			m.lastInbound = time.Now()
		}
		m.mu.Unlock()

		env, err := wire.Normalize(data)
		if err != nil {
			m.logger.Warn("dropping inbound frame", zap.Error(err))
			continue
		}
		if env.Kind == wire.KindPong {
			m.mu.Lock()
			m.sawPong = true
			m.mu.Unlock()
			continue
		}
		m.dispatch(env)
	}
}

// heartbeat pings on a fixed interval and watches for half-open
// connections: once a pong has been seen, prolonged total silence
// means the TCP peer is gone even though the socket looks open, so
// the connection is force-closed to trigger the reconnect path.
func (m *Manager) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ping := time.NewTicker(m.opts.HeartbeatInterval)
	defer ping.Stop()

	watchEvery := m.opts.LivenessTimeout / 4
	if watchEvery < 250*time.Millisecond {
		watchEvery = 250 * time.Millisecond
	}
	watch := time.NewTicker(watchEvery)
	defer watch.Stop()

	for {
		select {
		case <-ping.C:
			if !m.Send(wire.PingFrame()) {
				return
			}
		case <-watch.C:
			m.mu.Lock()
			silent := m.sawPong && time.Since(m.lastInbound) > m.opts.LivenessTimeout
			m.mu.Unlock()
			if silent {
				m.logger.Warn("liveness timeout, forcing close",
					zap.Duration("timeout", m.opts.LivenessTimeout))
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (m *Manager) handleDisconnect(gen int, err error) {
	m.mu.Lock()
	if gen != m.connGen {
		// A newer connection (or a manual disconnect) took over.
		m.mu.Unlock()
		return
	}
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
	conn := m.conn
	m.conn = nil
	manual := m.manualClose
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if manual {
		return
	}

	m.logger.Warn("connection lost", zap.Error(err))
	m.toReconnecting()
	m.dispatch(wire.StatusEnvelope("reconnecting"))
	m.scheduleReconnect()
}

func (m *Manager) toReconnecting() {
	if m.machine.Current() != status.Reconnecting {
		if err := m.machine.Transition(status.Reconnecting); err != nil {
			m.logger.Warn("reconnecting transition", zap.Error(err))
		}
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if attempt > m.opts.MaxAttempts {
		m.mu.Unlock()
		m.logger.Error("reconnect abandoned", zap.Int("attempts", m.opts.MaxAttempts))
		if err := m.machine.Transition(status.Failed); err != nil {
			m.logger.Warn("failed transition", zap.Error(err))
		}
		m.dispatch(wire.StatusEnvelope("failed"))
		return
	}
	delay := backoffDelay(m.opts.BackoffBase, m.opts.BackoffCap, attempt)
	m.reconnectTimer = time.AfterFunc(delay, m.dial)
	m.mu.Unlock()

	m.logger.Warn("scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

// backoffDelay doubles from base per attempt, capped: 1s, 2s, 4s, 8s, 10s.
func backoffDelay(base, ceil time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > ceil || d <= 0 {
		return ceil
	}
	return d
}

// endpointURL attaches the credential as a query parameter, trimming
// any bearer-scheme prefix off the configured token.
func (m *Manager) endpointURL() (string, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m.opts.Token), "Bearer"))
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) dispatch(env *wire.Envelope) {
	m.subMu.RLock()
	listeners := make([]func(*wire.Envelope), 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range listeners {
		m.safeDispatch(fn, env)
	}
}

func (m *Manager) safeDispatch(fn func(*wire.Envelope), env *wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panic", zap.Any("panic", r), zap.String("kind", string(env.Kind)))
		}
	}()
	fn(env)
}
