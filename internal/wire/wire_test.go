// wire_test.go — Codec contract tests: typed decode, malformed-frame taxonomy.
package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabbridge/tabbridge/internal/fault"
)

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{nope`},
		{"not an object", `[1,2,3]`},
		{"missing type", `{"id":1}`},
		{"unknown type", `{"type":"teleport"}`},
		{"rpc without method", `{"type":"rpc","id":1}`},
		{"rpc with wrong id type", `{"type":"rpc","id":"x7","method":"tabs.list"}`},
		{"cdpEvent without tabId", `{"type":"cdpEvent","method":"Page.loadEventFired"}`},
		{"cdpEvent without method", `{"type":"cdpEvent","tabId":"7"}`},
		{"helloAck without sessionId", `{"type":"helloAck","protocolVersion":"2026-01-11"}`},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			assert.Equal(t, fault.MalformedFrame, fault.KindOf(err))
		})
	}
}

func TestDecodeRPC(t *testing.T) {
	t.Parallel()

	v, err := Decode([]byte(`{"type":"rpc","id":42,"method":"cdp.send","params":{"tabId":"7","method":"Input.dispatchKeyEvent"},"timeoutMs":5000}`))
	require.NoError(t, err)
	rpc, ok := v.(RPC)
	require.True(t, ok, "expected wire.RPC, got %T", v)
	assert.Equal(t, int64(42), rpc.ID)
	assert.Equal(t, "cdp.send", rpc.Method)
	assert.Equal(t, 5000, rpc.TimeoutMs)
	assert.Contains(t, string(rpc.Params), `"tabId":"7"`)
}

func TestDecodeRPCResultErrorDefault(t *testing.T) {
	t.Parallel()

	// A failed result with no error object still surfaces a message.
	v, err := Decode([]byte(`{"type":"rpcResult","id":3,"ok":false}`))
	require.NoError(t, err)
	res := v.(RPCResult)
	require.NotNil(t, res.Error)
	assert.Equal(t, "rpc failed", res.Error.Message)

	v, err = Decode([]byte(`{"type":"rpcResult","id":4,"ok":true,"result":{"tabs":[]}}`))
	require.NoError(t, err)
	res = v.(RPCResult)
	assert.True(t, res.OK)
	assert.Nil(t, res.Error)
}

func TestDecodeLogTruncates(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", maxLogMessage+500)
	v, err := Decode([]byte(`{"type":"log","level":"warn","message":"` + big + `"}`))
	require.NoError(t, err)
	lg := v.(Log)
	assert.Len(t, lg.Message, maxLogMessage)
	assert.Equal(t, "warn", lg.Level)
}

func TestEncodeDecodeHandshake(t *testing.T) {
	t.Parallel()

	raw, err := Encode(PeerHelloAck{
		Type:               TypePeerHelloAck,
		ProtocolVersion:    ProtocolVersion,
		PeerID:             "peer-1",
		LinkState:          "connected",
		ExtensionConnected: true,
		Enabled:            true,
	})
	require.NoError(t, err)

	v, err := Decode(raw)
	require.NoError(t, err)
	ack := v.(PeerHelloAck)
	assert.Equal(t, "peer-1", ack.PeerID)
	assert.True(t, ack.ExtensionConnected)
	assert.True(t, ack.Enabled)
}

func TestDecodePingPong(t *testing.T) {
	t.Parallel()

	v, err := Decode([]byte(`{"type":"ping","ts":12345}`))
	require.NoError(t, err)
	assert.Equal(t, int64(12345), v.(Ping).TS)

	v, err = Decode([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	_, ok := v.(Pong)
	assert.True(t, ok)
}
