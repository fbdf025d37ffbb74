// Package wire frames and parses the bridge message set exchanged between the
// broker, its peers, and the extension front-end. JSON object frames with a
// "type" discriminator. The codec is stateless: schema violations yield a
// fault.MalformedFrame and the caller drops the frame without closing the link.
package wire

import (
	"bytes"
	"encoding/json"

	"github.com/tabbridge/tabbridge/internal/fault"
)

// ProtocolVersion identifies the bridge wire protocol.
const ProtocolVersion = "2026-01-11"

// Frame type discriminators.
const (
	TypeHello        = "hello"
	TypeHelloAck     = "helloAck"
	TypePeerHello    = "peerHello"
	TypePeerHelloAck = "peerHelloAck"
	TypeRPC          = "rpc"
	TypeRPCResult    = "rpcResult"
	TypeCDPEvent     = "cdpEvent"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeLog          = "log"
)

// RPC methods the broker serves locally (no extension round-trip).
const (
	MethodStatus            = "bridge.status"
	MethodWaitForConnection = "bridge.waitForConnection"
	MethodSetEnabled        = "bridge.setEnabled"
	MethodTabsAcquire       = "tabs.acquire"
	MethodTabsRelease       = "tabs.release"
	MethodTabsList          = "tabs.list"
)

// Batch methods, expanded by the broker into ordered call sequences.
const (
	MethodRPCBatch    = "rpc.batch"
	MethodCDPSend     = "cdp.send"
	MethodCDPSendMany = "cdp.sendMany"
)

// maxLogMessage bounds extension-supplied diagnostic text.
const maxLogMessage = 2000

// Hello opens the extension link handshake (sent by the dialing broker).
type Hello struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocolVersion"`
	BridgeID        string          `json:"bridgeId"`
	PID             int             `json:"pid,omitempty"`
	StartedAtMs     int64           `json:"startedAtMs,omitempty"`
	Capabilities    map[string]bool `json:"capabilities,omitempty"`
}

// HelloAck completes the extension link handshake.
type HelloAck struct {
	Type              string `json:"type"`
	ProtocolVersion   string `json:"protocolVersion"`
	SessionID         string `json:"sessionId"`
	ServerVersion     string `json:"serverVersion,omitempty"`
	ServerStartedAtMs int64  `json:"serverStartedAtMs,omitempty"`
	EndpointPort      int    `json:"endpointPort,omitempty"`
}

// PeerHello registers a peer connection with the broker.
type PeerHello struct {
	Type              string          `json:"type"`
	ProtocolVersion   string          `json:"protocolVersion,omitempty"`
	PeerID            string          `json:"peerId,omitempty"`
	PID               int             `json:"pid,omitempty"`
	ClientStartedAtMs int64           `json:"clientStartedAtMs,omitempty"`
	Capabilities      map[string]bool `json:"capabilities,omitempty"`
}

// PeerHelloAck acknowledges a peer registration and reports link health.
type PeerHelloAck struct {
	Type               string `json:"type"`
	ProtocolVersion    string `json:"protocolVersion"`
	PeerID             string `json:"peerId"`
	ServerStartedAtMs  int64  `json:"serverStartedAtMs,omitempty"`
	LinkState          string `json:"linkState"`
	ExtensionConnected bool   `json:"extensionConnected"`
	PeerCount          int    `json:"peerCount,omitempty"`
	Enabled            bool   `json:"enabled"`
}

// RPC is a single request frame. ID is scoped to the sending side: peers use
// their own local ids; the broker rewrites them to broker-global ids before
// forwarding to the extension link.
type RPC struct {
	Type      string          `json:"type"`
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// RPCError carries the failure side of an RPC result.
type RPCError struct {
	Message string `json:"message"`
}

// RPCResult resolves an RPC frame: ok=true with result, or ok=false with error.
type RPCResult struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// CDPEvent is a tab-scoped event forwarded from the extension. TabID is a
// stable string identifier.
type CDPEvent struct {
	Type   string          `json:"type"`
	TabID  string          `json:"tabId"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Ping is a best-effort keepalive; either side may send it.
type Ping struct {
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"`
}

// Log is bounded, best-effort diagnostic text from the extension. It is
// consumed by the broker and never delivered to peers.
type Log struct {
	Type    string          `json:"type"`
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// envelope peeks at the discriminator before a typed decode.
type envelope struct {
	Type string `json:"type"`
}

// Encode marshals a frame for the wire.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fault.Newf(fault.MalformedFrame, "encode frame: %v", err)
	}
	return data, nil
}

// Decode parses a raw wire frame into its typed message. Unknown types, a
// missing discriminator, or wrong field types yield fault.MalformedFrame.
func Decode(raw []byte) (any, error) {
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return nil, fault.Newf(fault.MalformedFrame, "frame is not a JSON object: %v", err)
	}
	if env.Type == "" {
		return nil, fault.New(fault.MalformedFrame, "frame has no type")
	}

	switch env.Type {
	case TypeHello:
		var f Hello
		return decodeInto(raw, &f, env.Type)
	case TypeHelloAck:
		var f HelloAck
		v, err := decodeInto(raw, &f, env.Type)
		if err != nil {
			return nil, err
		}
		if f.SessionID == "" {
			return nil, fault.New(fault.MalformedFrame, "helloAck missing sessionId")
		}
		return v, nil
	case TypePeerHello:
		var f PeerHello
		return decodeInto(raw, &f, env.Type)
	case TypePeerHelloAck:
		var f PeerHelloAck
		return decodeInto(raw, &f, env.Type)
	case TypeRPC:
		var f RPC
		v, err := decodeInto(raw, &f, env.Type)
		if err != nil {
			return nil, err
		}
		if f.Method == "" {
			return nil, fault.New(fault.MalformedFrame, "rpc missing method")
		}
		return v, nil
	case TypeRPCResult:
		var f RPCResult
		if _, err := decodeInto(raw, &f, env.Type); err != nil {
			return nil, err
		}
		if !f.OK && f.Error == nil {
			f.Error = &RPCError{Message: "rpc failed"}
		}
		return f, nil
	case TypeCDPEvent:
		var f CDPEvent
		v, err := decodeInto(raw, &f, env.Type)
		if err != nil {
			return nil, err
		}
		if f.TabID == "" || f.Method == "" {
			return nil, fault.New(fault.MalformedFrame, "cdpEvent missing tabId or method")
		}
		return v, nil
	case TypePing:
		var f Ping
		return decodeInto(raw, &f, env.Type)
	case TypePong:
		var f Pong
		return decodeInto(raw, &f, env.Type)
	case TypeLog:
		var f Log
		if _, err := decodeInto(raw, &f, env.Type); err != nil {
			return nil, err
		}
		if len(f.Message) > maxLogMessage {
			f.Message = f.Message[:maxLogMessage]
		}
		return f, nil
	default:
		return nil, fault.Newf(fault.MalformedFrame, "unknown frame type %q", env.Type)
	}
}

// decodeInto unmarshals raw into dst; dst must be a pointer to a frame struct.
func decodeInto[T any](raw []byte, dst *T, typ string) (T, error) {
	var zero T
	if err := strictUnmarshal(raw, dst); err != nil {
		return zero, fault.Newf(fault.MalformedFrame, "bad %s frame: %v", typ, err)
	}
	return *dst, nil
}

// strictUnmarshal rejects frames whose fields have the wrong JSON types.
// Unknown fields are tolerated for forward compatibility.
func strictUnmarshal(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	return dec.Decode(dst)
}
