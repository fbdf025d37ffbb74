// link.go — Extension link lifecycle: discover, connect, handshake, keepalive,
// reconnect with backoff, and fail-closed shutdown via the kill switch.
// At most one link is CONNECTED broker-wide; the run loop owns the socket and
// every other goroutine talks to it through Send or SetEnabled.
package link

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tabbridge/tabbridge/internal/fault"
	"github.com/tabbridge/tabbridge/internal/wire"
)

// State is the link lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateHandshaking
	StateConnected
	StateDegraded
	StateReconnecting
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Handshake and keepalive bounds.
const (
	dialTimeout       = 1500 * time.Millisecond
	helloAckTimeout   = 1250 * time.Millisecond
	writeTimeout      = 5 * time.Second
	keepaliveInterval = 15 * time.Second
	maxFrameBytes     = 2 * 1024 * 1024
)

// Reconnect backoff shape: jittered exponential so several reconnecting
// instances don't storm the front-end in lockstep.
const (
	backoffInitial    = 400 * time.Millisecond
	backoffMultiplier = 1.8
	backoffMax        = 10 * time.Second
	backoffJitter     = 0.5
)

// newReconnectBackoff builds the reconnect schedule. Reset after a successful
// connection so the next failure starts from the base interval again.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.Multiplier = backoffMultiplier
	b.MaxInterval = backoffMax
	b.RandomizationFactor = backoffJitter
	b.MaxElapsedTime = 0 // retry forever; the kill switch is the off button
	b.Reset()
	return b
}

// Config holds the link manager's discovery and identity settings.
type Config struct {
	Host         string
	BasePort     int
	PortSpan     int
	ProbeTimeout time.Duration
	BridgeID     string
	StartedAtMs  int64
}

// Handlers are the broker's hooks into link lifecycle events. OnDown runs
// before the loss of CONNECTED becomes observable, so pending drains and tab
// releases complete while the link is still formally down-going.
type Handlers struct {
	OnFrame func(frame any)
	OnUp    func(ack wire.HelloAck)
	OnDown  func(err error)
}

// Status is a point-in-time snapshot for diagnostics and peer acks.
type Status struct {
	State             string `json:"state"`
	Enabled           bool   `json:"enabled"`
	SessionID         string `json:"sessionId,omitempty"`
	RemoteStartedAtMs int64  `json:"remoteStartedAtMs,omitempty"`
	LastError         string `json:"lastError,omitempty"`
}

// Manager drives the single extension link.
type Manager struct {
	cfg Config
	h   Handlers
	log *logrus.Entry

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	sessionID         string
	remoteStartedAtMs int64
	lastErr           error
	enabled           bool

	writeMu sync.Mutex // gorilla allows one concurrent writer

	kick chan struct{} // wakes the run loop out of backoff/disabled waits
}

// NewManager creates a link manager in IDLE with the kill switch on (enabled).
func NewManager(cfg Config, h Handlers, log *logrus.Entry) *Manager {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Manager{
		cfg:     cfg,
		h:       h,
		log:     log,
		state:   StateIdle,
		enabled: true,
		kick:    make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the link is in CONNECTED.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Enabled reports the kill switch position.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Snapshot returns the current status for diagnostics.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:             m.state.String(),
		Enabled:           m.enabled,
		SessionID:         m.sessionID,
		RemoteStartedAtMs: m.remoteStartedAtMs,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// SetEnabled flips the kill switch. Off tears the socket down immediately and
// parks the manager in DISABLED; on resumes discovery.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	if m.enabled == enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = enabled
	conn := m.conn
	m.mu.Unlock()

	if !enabled && conn != nil {
		_ = conn.Close() // read loop exits; run loop observes disabled
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
	m.log.WithField("enabled", enabled).Info("kill switch toggled")
}

// Send encodes and writes a frame to the connected link. Fails fast with
// LinkUnavailable when the link is not CONNECTED or the bridge is disabled.
func (m *Manager) Send(frame any) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	enabled := m.enabled
	m.mu.Unlock()

	if !enabled {
		return fault.New(fault.LinkUnavailable, "bridge is disabled by the kill switch").
			WithNext("re-enable with bridge.setEnabled")
	}
	if state != StateConnected || conn == nil {
		return fault.Newf(fault.LinkUnavailable, "extension link is %s", state).
			WithNext("wait for reconnect and retry")
	}

	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Debug("link state")
	}
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// Run drives the lifecycle until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	bo := newReconnectBackoff()

	for ctx.Err() == nil {
		if !m.Enabled() {
			m.teardown()
			m.setState(StateDisabled)
			select {
			case <-ctx.Done():
				return
			case <-m.kick:
			}
			bo.Reset()
			continue
		}

		m.setState(StateDiscovering)
		ports := CandidatePorts(m.cfg.BasePort, m.cfg.PortSpan)
		cand := DiscoverBest(ctx, m.cfg.Host, ports, wire.ProtocolVersion, m.cfg.ProbeTimeout)
		if cand == nil {
			m.setErr(fault.New(fault.LinkUnavailable, "no extension front-end answered discovery").
				WithNext("check that the browser extension is installed and enabled"))
			if !m.waitRetry(ctx, bo) {
				return
			}
			continue
		}

		err := m.connectAndServe(ctx, cand, bo)
		if err != nil {
			m.setErr(err)
		}
		if ctx.Err() != nil {
			return
		}
		if !m.Enabled() {
			continue // disabled branch handles teardown/state
		}
		if !m.waitRetry(ctx, bo) {
			return
		}
	}
}

// waitRetry parks in RECONNECTING for the next backoff interval. Returns
// false when ctx ended.
func (m *Manager) waitRetry(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	m.setState(StateReconnecting)
	timer := time.NewTimer(bo.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.kick:
		return true
	case <-timer.C:
		return true
	}
}

// connectAndServe runs one full connection attempt: dial, handshake, then the
// receive loop until the link degrades.
func (m *Manager) connectAndServe(ctx context.Context, cand *Candidate, bo *backoff.ExponentialBackOff) error {
	m.setState(StateConnecting)
	url := fmt.Sprintf("ws://%s:%d/ws", cand.Host, cand.Port)
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fault.Newf(fault.HandshakeFailed, "dial %s: %v", url, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	m.setState(StateHandshaking)
	ack, err := m.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.sessionID = ack.SessionID
	m.remoteStartedAtMs = ack.ServerStartedAtMs
	m.lastErr = nil
	m.mu.Unlock()
	m.setState(StateConnected)
	bo.Reset()
	m.log.WithFields(logrus.Fields{"session": ack.SessionID, "endpoint": url}).Info("extension link up")

	if m.h.OnUp != nil {
		m.h.OnUp(ack)
	}

	readErr := m.serveConnected(ctx, conn)

	// Drain everything before the loss of CONNECTED is observable elsewhere.
	m.setState(StateDegraded)
	if m.h.OnDown != nil {
		m.h.OnDown(readErr)
	}
	m.teardown()
	m.log.WithField("cause", fmt.Sprintf("%v", readErr)).Warn("extension link down")
	return readErr
}

// handshake sends hello and requires a matching helloAck within the bound.
func (m *Manager) handshake(conn *websocket.Conn) (wire.HelloAck, error) {
	hello := wire.Hello{
		Type:            wire.TypeHello,
		ProtocolVersion: wire.ProtocolVersion,
		BridgeID:        m.cfg.BridgeID,
		PID:             os.Getpid(),
		StartedAtMs:     m.cfg.StartedAtMs,
		Capabilities:    map[string]bool{"rpcBatch": true, "cdpSendMany": true},
	}
	data, err := wire.Encode(hello)
	if err != nil {
		return wire.HelloAck{}, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(helloAckTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return wire.HelloAck{}, fault.Newf(fault.HandshakeFailed, "send hello: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloAckTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return wire.HelloAck{}, fault.New(fault.HandshakeFailed, "no helloAck within the handshake bound").
			WithNext("the front-end may be busy or stale; discovery will retry")
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		return wire.HelloAck{}, fault.Newf(fault.HandshakeFailed, "bad helloAck: %v", err)
	}
	ack, ok := frame.(wire.HelloAck)
	if !ok {
		return wire.HelloAck{}, fault.Newf(fault.HandshakeFailed, "expected helloAck, got %T", frame)
	}
	if ack.ProtocolVersion != wire.ProtocolVersion {
		return wire.HelloAck{}, fault.Newf(fault.HandshakeFailed,
			"protocol mismatch: front-end speaks %s, bridge speaks %s", ack.ProtocolVersion, wire.ProtocolVersion)
	}
	return ack, nil
}

// serveConnected pumps frames until the connection errors. Keepalive pings go
// out on a fixed interval; silence for two intervals fails the read deadline.
func (m *Manager) serveConnected(ctx context.Context, conn *websocket.Conn) error {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				_ = m.Send(wire.Ping{Type: wire.TypePing, TS: time.Now().UnixMilli()})
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * keepaliveInterval))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			// Malformed frames are dropped and logged; the link stays open.
			m.log.WithField("err", err.Error()).Warn("dropped malformed frame from extension link")
			continue
		}

		switch f := frame.(type) {
		case wire.Ping:
			_ = m.Send(wire.Pong{Type: wire.TypePong, TS: time.Now().UnixMilli()})
		case wire.Pong:
			// Keepalive answered; the read deadline already advanced.
		default:
			if m.h.OnFrame != nil {
				m.h.OnFrame(f)
			}
		}
	}
}

// teardown closes the socket and clears connection state.
func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.sessionID = ""
	m.remoteStartedAtMs = 0
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
