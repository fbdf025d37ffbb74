// upstream.go — Follower side: a proxy peer connection to the winning broker.
// An instance that loses leadership arbitration dials the leader's /ws
// endpoint, registers with peerHello, and relays calls through its own
// pending table. When the leader dies the proxy fails every in-flight call
// and signals Done so the owner can re-race for leadership.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tabbridge/tabbridge/internal/fault"
	"github.com/tabbridge/tabbridge/internal/pending"
	"github.com/tabbridge/tabbridge/internal/wire"
)

const (
	upstreamDialTimeout = 2 * time.Second
	upstreamKeepalive   = 15 * time.Second
)

// Upstream is a live proxy connection to the leading broker.
type Upstream struct {
	peerID string
	log    *logrus.Entry

	conn    *websocket.Conn
	writeMu sync.Mutex

	pending   *pending.Table
	sweepStop chan struct{}

	onEvent func(wire.CDPEvent)

	ack  wire.PeerHelloAck
	done chan struct{}
	once sync.Once
}

// DialUpstream connects and registers with the leader at host:port. onEvent
// receives tab events routed to this peer; it may be nil.
func DialUpstream(ctx context.Context, host string, port int, onEvent func(wire.CDPEvent), log *logrus.Entry) (*Upstream, error) {
	url := fmt.Sprintf("ws://%s:%d/ws", host, port)
	dialer := websocket.Dialer{HandshakeTimeout: upstreamDialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fault.Newf(fault.LinkUnavailable, "dial leader %s: %v", url, err).
			WithNext("the leader may have just exited; re-race for leadership")
	}

	u := &Upstream{
		peerID:    uuid.NewString(),
		log:       log,
		conn:      conn,
		pending:   pending.NewTable(log.WithField("part", "upstream-pending")),
		sweepStop: make(chan struct{}),
		onEvent:   onEvent,
		done:      make(chan struct{}),
	}

	hello := wire.PeerHello{
		Type:              wire.TypePeerHello,
		ProtocolVersion:   wire.ProtocolVersion,
		PeerID:            u.peerID,
		ClientStartedAtMs: time.Now().UnixMilli(),
	}
	if err := u.write(hello); err != nil {
		_ = conn.Close()
		return nil, fault.Newf(fault.HandshakeFailed, "send peerHello: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(peerHelloTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fault.New(fault.HandshakeFailed, "no peerHelloAck before the deadline")
	}
	_ = conn.SetReadDeadline(time.Time{})
	frame, err := wire.Decode(raw)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, ok := frame.(wire.PeerHelloAck)
	if !ok {
		_ = conn.Close()
		return nil, fault.Newf(fault.HandshakeFailed, "expected peerHelloAck, got %T", frame)
	}
	u.ack = ack
	u.peerID = ack.PeerID

	go u.pending.RunSweeper(u.sweepStop)
	go u.readLoop()
	go u.keepalive()
	u.log.WithFields(logrus.Fields{"peer": u.peerID, "linkState": ack.LinkState}).
		Info("registered with leading broker")
	return u, nil
}

// Ack returns the registration ack from the leader.
func (u *Upstream) Ack() wire.PeerHelloAck { return u.ack }

// PeerID returns the id assigned by the leader.
func (u *Upstream) PeerID() string { return u.peerID }

// Done is closed when the upstream connection is gone.
func (u *Upstream) Done() <-chan struct{} { return u.done }

// Call forwards one RPC to the leader and waits for its result.
func (u *Upstream) Call(ctx context.Context, method string, params json.RawMessage, timeoutMs int) (json.RawMessage, error) {
	select {
	case <-u.done:
		return nil, fault.New(fault.LinkUnavailable, "leader connection is down").
			WithNext("re-race for leadership and retry")
	default:
	}

	ch := make(chan pending.Outcome, 1)
	timeout := pending.ClampTimeout(timeoutMs)
	id := u.pending.Register(u.peerID, 0, timeout, func(_ int64, out pending.Outcome) {
		ch <- out
	})
	err := u.write(wire.RPC{
		Type:      wire.TypeRPC,
		ID:        id,
		Method:    method,
		Params:    params,
		TimeoutMs: int(timeout / time.Millisecond),
	})
	if err != nil {
		u.pending.Resolve(id, false, nil, fault.Newf(fault.LinkUnavailable, "write to leader: %v", err))
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		if !out.OK {
			return nil, fault.New(faultRemote, "rpc failed")
		}
		return out.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the proxy down. Idempotent.
func (u *Upstream) Close() {
	u.once.Do(func() {
		close(u.done)
		close(u.sweepStop)
		_ = u.conn.Close()
		n := u.pending.DrainAllAs(fault.New(fault.LinkUnavailable, "leader connection closed").
			WithNext("re-race for leadership and retry"))
		if n > 0 {
			u.log.WithField("drained", n).Warn("leader connection lost with calls in flight")
		}
	})
}

func (u *Upstream) write(frame any) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_ = u.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return u.conn.WriteMessage(websocket.TextMessage, data)
}

func (u *Upstream) readLoop() {
	defer u.Close()
	for {
		_, raw, err := u.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			u.log.WithField("err", err.Error()).Warn("dropped malformed frame from leader")
			continue
		}
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
			u.pending.Resolve(f.ID, f.OK, f.Result, rpcErr)
		case wire.CDPEvent:
			if u.onEvent != nil {
				u.onEvent(f)
			}
		case wire.Ping:
			_ = u.write(wire.Pong{Type: wire.TypePong, TS: time.Now().UnixMilli()})
		case wire.Pong:
		default:
		}
	}
}

func (u *Upstream) keepalive() {
	ticker := time.NewTicker(upstreamKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-u.done:
			return
		case <-ticker.C:
			_ = u.write(wire.Ping{Type: wire.TypePing, TS: time.Now().UnixMilli()})
		}
	}
}
