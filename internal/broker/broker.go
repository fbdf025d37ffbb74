// Package broker is the bridge core: it owns the single extension link,
// serves the peer WebSocket endpoint and the discovery document, multiplexes
// peer RPC traffic onto the link, and routes replies and tab events back to
// the owning peer.
package broker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tabbridge/tabbridge/internal/fault"
	"github.com/tabbridge/tabbridge/internal/link"
	"github.com/tabbridge/tabbridge/internal/pending"
	"github.com/tabbridge/tabbridge/internal/tabs"
	"github.com/tabbridge/tabbridge/internal/util"
	"github.com/tabbridge/tabbridge/internal/wire"
)

// faultRemote tags failures reported by the extension itself, as opposed to
// the bridge-layer kinds in the fault package.
const faultRemote = fault.Kind("extension_error")

// waitForConnectionCap bounds bridge.waitForConnection so a peer can never
// park a broker goroutine indefinitely.
const waitForConnectionCap = 2 * time.Second

// revokedMethod is the notice event sent to a peer whose tab was taken over.
const revokedMethod = "bridge.tabRevoked"

// Config holds broker identity and extension link settings.
type Config struct {
	BridgeID    string
	StartedAtMs int64
	Link        link.Config
}

// Broker multiplexes peers onto the extension link.
type Broker struct {
	cfg     Config
	log     *logrus.Entry
	link    *link.Manager
	pending *pending.Table
	tabs    *tabs.Registry

	mu    sync.Mutex
	peers map[string]*peer
	port  int

	ctx context.Context
}

// New wires a broker around a fresh link manager, pending table, and tab
// registry.
func New(cfg Config, log *logrus.Entry) *Broker {
	if cfg.BridgeID == "" {
		cfg.BridgeID = uuid.NewString()
	}
	if cfg.StartedAtMs == 0 {
		cfg.StartedAtMs = time.Now().UnixMilli()
	}
	cfg.Link.BridgeID = cfg.BridgeID
	cfg.Link.StartedAtMs = cfg.StartedAtMs

	b := &Broker{
		cfg:     cfg,
		log:     log,
		pending: pending.NewTable(log.WithField("part", "pending")),
		tabs:    tabs.NewRegistry(log.WithField("part", "tabs")),
		peers:   make(map[string]*peer),
	}
	b.link = link.NewManager(cfg.Link, link.Handlers{
		OnFrame: b.onExtensionFrame,
		OnUp:    b.onLinkUp,
		OnDown:  b.onLinkDown,
	}, log.WithField("part", "link"))
	return b
}

// Link exposes the link manager for status probes.
func (b *Broker) Link() *link.Manager { return b.link }

// Serve runs the broker on lis until ctx ends. The listener is the leadership
// claim; closing it releases the lock for the next instance.
func (b *Broker) Serve(ctx context.Context, lis net.Listener) error {
	b.ctx = ctx
	if addr, ok := lis.Addr().(*net.TCPAddr); ok {
		b.port = addr.Port
	}

	util.SafeGo(b.log, func() { b.link.Run(ctx) })

	sweepStop := make(chan struct{})
	util.SafeGo(b.log, func() { b.pending.RunSweeper(sweepStop) })
	defer close(sweepStop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc(link.WellKnownPath, b.handleWellKnown)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	srv := &http.Server{Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		b.closeAllPeers()
		return nil
	case err := <-errc:
		return err
	}
}

// ---- discovery ----

func (b *Broker) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	peerCount := len(b.peers)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(link.Announcement{
		Type:               link.AnnouncementType,
		ProtocolVersion:    wire.ProtocolVersion,
		ServerStartedAtMs:  b.cfg.StartedAtMs,
		EndpointPort:       b.port,
		PID:                os.Getpid(),
		ExtensionConnected: b.link.Connected(),
		PeerCount:          peerCount,
	})
}

// ---- peer registration and read loop ----

var upgrader = websocket.Upgrader{
	// Peers are local processes; the endpoint binds to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	hello, err := readPeerHello(conn)
	if err != nil {
		b.log.WithField("err", err.Error()).Warn("peer handshake rejected")
		_ = conn.Close()
		return
	}

	id := hello.PeerID
	if id == "" {
		id = uuid.NewString()
	}
	p := newPeer(id, conn, b.log)

	b.mu.Lock()
	if prev := b.peers[id]; prev != nil {
		prev.close()
	}
	b.peers[id] = p
	peerCount := len(b.peers)
	b.mu.Unlock()

	snap := b.link.Snapshot()
	p.send(wire.PeerHelloAck{
		Type:               wire.TypePeerHelloAck,
		ProtocolVersion:    wire.ProtocolVersion,
		PeerID:             id,
		ServerStartedAtMs:  b.cfg.StartedAtMs,
		LinkState:          snap.State,
		ExtensionConnected: snap.State == link.StateConnected.String(),
		PeerCount:          peerCount,
		Enabled:            snap.Enabled,
	})
	util.SafeGo(p.log, p.writeLoop)
	p.log.Info("peer registered")

	b.readPeer(p)
	b.dropPeer(p)
}

// readPeerHello requires peerHello as the first frame, within the bound.
func readPeerHello(conn *websocket.Conn) (wire.PeerHello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(peerHelloTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return wire.PeerHello{}, fault.New(fault.HandshakeFailed, "no peerHello before the deadline")
	}
	_ = conn.SetReadDeadline(time.Time{})

	frame, err := wire.Decode(raw)
	if err != nil {
		return wire.PeerHello{}, err
	}
	hello, ok := frame.(wire.PeerHello)
	if !ok {
		return wire.PeerHello{}, fault.Newf(fault.HandshakeFailed, "expected peerHello, got %T", frame)
	}
	if hello.ProtocolVersion != "" && hello.ProtocolVersion != wire.ProtocolVersion {
		return wire.PeerHello{}, fault.Newf(fault.HandshakeFailed,
			"protocol mismatch: peer speaks %s", hello.ProtocolVersion)
	}
	return hello, nil
}

// readPeer pumps the peer's frames. RPCs are handled in arrival order, so one
// peer's batch never reorders its own calls and never blocks other peers.
func (b *Broker) readPeer(p *peer) {
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			p.log.WithField("err", err.Error()).Warn("dropped malformed frame from peer")
			continue
		}
		switch f := frame.(type) {
		case wire.RPC:
			b.handleRPC(p, f)
		case wire.Ping:
			p.send(wire.Pong{Type: wire.TypePong, TS: time.Now().UnixMilli()})
		case wire.Pong:
		default:
			p.log.WithField("frame", raw).Debug("ignored unexpected peer frame")
		}
	}
}

// dropPeer unregisters a peer and fails everything it still had in flight.
// A connection that was already replaced by a reconnect under the same id
// must not drain the replacement's state.
func (b *Broker) dropPeer(p *peer) {
	p.close()

	b.mu.Lock()
	active := b.peers[p.id] == p
	if active {
		delete(b.peers, p.id)
	}
	b.mu.Unlock()
	if !active {
		p.log.Debug("stale peer connection closed")
		return
	}

	drained := b.pending.DrainForPeer(p.id)
	released := b.tabs.ReleaseAllForPeer(p.id)
	p.log.WithFields(logrus.Fields{"drained": drained, "releasedTabs": len(released)}).
		Info("peer disconnected")
}

func (b *Broker) closeAllPeers() {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = make(map[string]*peer)
	b.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func (b *Broker) peerByID(id string) *peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[id]
}

// ---- rpc dispatch ----

func (b *Broker) handleRPC(p *peer, rpc wire.RPC) {
	switch rpc.Method {
	case wire.MethodStatus:
		b.replyOK(p, rpc.ID, b.statusResult())
	case wire.MethodWaitForConnection:
		b.replyOK(p, rpc.ID, b.waitForConnection(rpc))
	case wire.MethodSetEnabled:
		b.handleSetEnabled(p, rpc)
	case wire.MethodTabsAcquire:
		b.handleTabsAcquire(p, rpc)
	case wire.MethodTabsRelease:
		b.handleTabsRelease(p, rpc)
	case wire.MethodTabsList:
		b.replyOK(p, rpc.ID, map[string]any{"tabs": b.tabs.List()})
	case wire.MethodRPCBatch:
		b.handleBatch(p, rpc)
	case wire.MethodCDPSendMany:
		b.handleSendMany(p, rpc)
	default:
		b.forward(p, rpc)
	}
}

// forward ships a single RPC to the extension link under a broker-global id.
// Tab-scoped calls implicitly acquire the tab first.
func (b *Broker) forward(p *peer, rpc wire.RPC) {
	if tabID := tabIDOf(rpc.Params); tabID != "" {
		if _, err := b.tabs.Acquire(tabID, p.id, false); err != nil {
			b.replyErr(p, rpc.ID, err)
			return
		}
		b.tabs.Touch(tabID, p.id)
	}

	timeout := pending.ClampTimeout(rpc.TimeoutMs)
	id := b.pending.Register(p.id, rpc.ID, timeout, func(localID int64, out pending.Outcome) {
		b.deliverOutcome(p, localID, out)
	})
	err := b.link.Send(wire.RPC{
		Type:      wire.TypeRPC,
		ID:        id,
		Method:    rpc.Method,
		Params:    rpc.Params,
		TimeoutMs: int(timeout / time.Millisecond),
	})
	if err != nil {
		b.pending.Resolve(id, false, nil, asFault(err))
	}
}

// callExtension is the synchronous forward used by batch expansion. It blocks
// the calling peer's read loop only; the sweeper guarantees an outcome.
func (b *Broker) callExtension(peerID, method string, params json.RawMessage, timeoutMs int) pending.Outcome {
	ch := make(chan pending.Outcome, 1)
	timeout := pending.ClampTimeout(timeoutMs)
	id := b.pending.Register(peerID, 0, timeout, func(_ int64, out pending.Outcome) {
		ch <- out
	})
	err := b.link.Send(wire.RPC{
		Type:      wire.TypeRPC,
		ID:        id,
		Method:    method,
		Params:    params,
		TimeoutMs: int(timeout / time.Millisecond),
	})
	if err != nil {
		b.pending.Resolve(id, false, nil, asFault(err))
	}
	select {
	case out := <-ch:
		return out
	case <-b.ctx.Done():
		return pending.Outcome{Err: fault.New(fault.LinkLost, "bridge shutting down")}
	}
}

// deliverOutcome turns a pending outcome into an rpcResult on the peer's wire.
func (b *Broker) deliverOutcome(p *peer, localID int64, out pending.Outcome) {
	res := wire.RPCResult{Type: wire.TypeRPCResult, ID: localID, OK: out.OK, Result: out.Result}
	if out.Err != nil {
		res.OK = false
		res.Error = &wire.RPCError{Message: out.Err.Error()}
	}
	p.send(res)
}

func (b *Broker) replyOK(p *peer, id int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.replyErr(p, id, fault.Newf(fault.MalformedFrame, "encode result: %v", err))
		return
	}
	p.send(wire.RPCResult{Type: wire.TypeRPCResult, ID: id, OK: true, Result: data})
}

func (b *Broker) replyErr(p *peer, id int64, err error) {
	p.send(wire.RPCResult{
		Type:  wire.TypeRPCResult,
		ID:    id,
		OK:    false,
		Error: &wire.RPCError{Message: err.Error()},
	})
}

// ---- local methods ----

type statusResult struct {
	BridgeID        string      `json:"bridgeId"`
	ProtocolVersion string      `json:"protocolVersion"`
	StartedAtMs     int64       `json:"startedAtMs"`
	Link            link.Status `json:"link"`
	PeerCount       int         `json:"peerCount"`
	PendingCount    int         `json:"pendingCount"`
}

func (b *Broker) statusResult() statusResult {
	b.mu.Lock()
	peerCount := len(b.peers)
	b.mu.Unlock()
	return statusResult{
		BridgeID:        b.cfg.BridgeID,
		ProtocolVersion: wire.ProtocolVersion,
		StartedAtMs:     b.cfg.StartedAtMs,
		Link:            b.link.Snapshot(),
		PeerCount:       peerCount,
		PendingCount:    b.pending.Len(),
	}
}

type waitParams struct {
	TimeoutMs int `json:"timeoutMs"`
}

type waitResult struct {
	Connected bool        `json:"connected"`
	Link      link.Status `json:"link"`
}

// waitForConnection polls for the link to reach CONNECTED, bounded by the cap.
func (b *Broker) waitForConnection(rpc wire.RPC) waitResult {
	var params waitParams
	_ = json.Unmarshal(rpc.Params, &params)

	wait := time.Duration(params.TimeoutMs) * time.Millisecond
	if wait <= 0 || wait > waitForConnectionCap {
		wait = waitForConnectionCap
	}
	deadline := time.Now().Add(wait)
	for !b.link.Connected() && time.Now().Before(deadline) {
		select {
		case <-b.ctx.Done():
			return waitResult{Link: b.link.Snapshot()}
		case <-time.After(50 * time.Millisecond):
		}
	}
	return waitResult{Connected: b.link.Connected(), Link: b.link.Snapshot()}
}

type setEnabledParams struct {
	Enabled bool `json:"enabled"`
}

func (b *Broker) handleSetEnabled(p *peer, rpc wire.RPC) {
	var params setEnabledParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		b.replyErr(p, rpc.ID, fault.Newf(fault.MalformedFrame, "bad setEnabled params: %v", err))
		return
	}
	b.link.SetEnabled(params.Enabled)
	b.replyOK(p, rpc.ID, b.statusResult())
}

type acquireParams struct {
	TabID string `json:"tabId"`
	Force bool   `json:"force"`
}

type acquireResult struct {
	TabID         string `json:"tabId"`
	Owner         string `json:"owner"`
	PreviousOwner string `json:"previousOwner,omitempty"`
}

func (b *Broker) handleTabsAcquire(p *peer, rpc wire.RPC) {
	var params acquireParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil || params.TabID == "" {
		b.replyErr(p, rpc.ID, fault.New(fault.MalformedFrame, "tabs.acquire needs a tabId"))
		return
	}
	prev, err := b.tabs.Acquire(params.TabID, p.id, params.Force)
	if err != nil {
		b.replyErr(p, rpc.ID, err)
		return
	}
	if prev != "" && prev != p.id {
		b.notifyRevoked(prev, params.TabID, p.id)
	}
	b.replyOK(p, rpc.ID, acquireResult{TabID: params.TabID, Owner: p.id, PreviousOwner: prev})
}

type releaseParams struct {
	TabID string `json:"tabId"`
}

func (b *Broker) handleTabsRelease(p *peer, rpc wire.RPC) {
	var params releaseParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil || params.TabID == "" {
		b.replyErr(p, rpc.ID, fault.New(fault.MalformedFrame, "tabs.release needs a tabId"))
		return
	}
	b.tabs.Release(params.TabID, p.id)
	b.replyOK(p, rpc.ID, map[string]any{"released": true})
}

// notifyRevoked tells the ousted peer its tab was taken over. Takeover is
// never silent.
func (b *Broker) notifyRevoked(peerID, tabID, newOwner string) {
	p := b.peerByID(peerID)
	if p == nil {
		return
	}
	params, _ := json.Marshal(map[string]string{"newOwner": newOwner})
	p.send(wire.CDPEvent{Type: wire.TypeCDPEvent, TabID: tabID, Method: revokedMethod, Params: params})
}

// ---- extension link frames ----

func (b *Broker) onLinkUp(ack wire.HelloAck) {
	b.log.WithField("session", ack.SessionID).Info("extension link established")
}

// onLinkDown runs before the loss of CONNECTED is observable: every pending
// call fails as LinkLost and every tab ownership is released.
func (b *Broker) onLinkDown(err error) {
	drained := b.pending.DrainAll()
	released := b.tabs.ReleaseAll()
	b.log.WithFields(logrus.Fields{"drained": drained, "releasedTabs": released}).
		Warn("extension link lost, in-flight calls failed")
}

func (b *Broker) onExtensionFrame(frame any) {
	switch f := frame.(type) {
	case wire.RPCResult:
		var rpcErr *fault.Error
		if !f.OK {
			msg := "rpc failed"
			if f.Error != nil {
				msg = f.Error.Message
			}
			rpcErr = fault.New(faultRemote, msg)
		}
		b.pending.Resolve(f.ID, f.OK, f.Result, rpcErr)
	case wire.CDPEvent:
		owner, attached := b.tabs.Owner(f.TabID)
		if !attached {
			b.log.WithFields(logrus.Fields{"tab": f.TabID, "method": f.Method}).
				Debug("event for unowned tab dropped")
			return
		}
		if p := b.peerByID(owner); p != nil {
			p.send(f)
		}
	case wire.Log:
		b.logFromExtension(f)
	default:
		b.log.WithField("frame", frame).Debug("ignored unexpected extension frame")
	}
}

// logFromExtension maps extension diagnostics onto the broker's logger.
func (b *Broker) logFromExtension(f wire.Log) {
	entry := b.log.WithField("origin", "extension")
	if len(f.Meta) > 0 {
		entry = entry.WithField("meta", string(f.Meta))
	}
	switch strings.ToLower(f.Level) {
	case "error":
		entry.Error(f.Message)
	case "warn", "warning":
		entry.Warn(f.Message)
	case "debug":
		entry.Debug(f.Message)
	default:
		entry.Info(f.Message)
	}
}

// ---- helpers ----

// tabIDOf extracts a tabId from call params, if present.
func tabIDOf(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var probe struct {
		TabID string `json:"tabId"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	return probe.TabID
}

func asFault(err error) *fault.Error {
	if fe, ok := err.(*fault.Error); ok {
		return fe
	}
	return fault.New(fault.LinkUnavailable, err.Error())
}
