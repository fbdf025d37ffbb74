// batch_test.go — rpc.batch and cdp.sendMany expansion semantics.
package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabbridge/tabbridge/internal/wire"
)

// failOn answers every rpc except the named ones, which fail.
func failOn(bad ...string) func(e *fakeExtension, rpc wire.RPC) {
	isBad := make(map[string]bool, len(bad))
	for _, m := range bad {
		isBad[m] = true
	}
	return func(e *fakeExtension, rpc wire.RPC) {
		if isBad[rpc.Method] {
			e.reply(wire.RPCResult{
				Type: wire.TypeRPCResult, ID: rpc.ID, OK: false,
				Error: &wire.RPCError{Message: "no such command"},
			})
			return
		}
		e.reply(wire.RPCResult{Type: wire.TypeRPCResult, ID: rpc.ID, OK: true, Result: rpc.Params})
	}
}

func decodeBatch(t *testing.T, res wire.RPCResult) batchResult {
	t.Helper()
	require.True(t, res.OK, "batch frame itself must resolve ok")
	var br batchResult
	require.NoError(t, json.Unmarshal(res.Result, &br))
	return br
}

func TestBatchRunsInOrder(t *testing.T) {
	ext, _, port := startBridge(t, nil)
	c := dialPeer(t, port, "peer-a")

	res := c.call(wire.MethodRPCBatch, batchParams{Calls: []batchCall{
		{Method: "first.op"},
		{Method: "second.op"},
		{Method: "third.op"},
	}}, 0)

	br := decodeBatch(t, res)
	require.Len(t, br.Results, 3)
	for _, r := range br.Results {
		assert.True(t, r.OK)
	}
	assert.Nil(t, br.FailedIndex)

	var methods []string
	for _, call := range ext.calls() {
		methods = append(methods, call.Method)
	}
	assert.Equal(t, []string{"first.op", "second.op", "third.op"}, methods)
}

func TestBatchStopOnError(t *testing.T) {
	ext, _, port := startBridge(t, failOn("bad.op"))
	c := dialPeer(t, port, "peer-a")

	// stopOnError defaults to true when the knob is omitted.
	res := c.call(wire.MethodRPCBatch, batchParams{
		Calls: []batchCall{
			{Method: "good.op"},
			{Method: "bad.op"},
			{Method: "never.op"},
		},
	}, 0)

	br := decodeBatch(t, res)
	require.Len(t, br.Results, 2)
	assert.True(t, br.Results[0].OK)
	assert.False(t, br.Results[1].OK)
	assert.Contains(t, br.Results[1].Error.Message, "no such command")
	require.NotNil(t, br.FailedIndex)
	assert.Equal(t, 1, *br.FailedIndex)

	for _, call := range ext.calls() {
		assert.NotEqual(t, "never.op", call.Method, "calls after the failure must not run")
	}
}

func TestBatchContinuesWhenStopOnErrorFalse(t *testing.T) {
	_, _, port := startBridge(t, failOn("bad.op"))
	c := dialPeer(t, port, "peer-a")

	keepGoing := false
	res := c.call(wire.MethodRPCBatch, batchParams{
		Calls: []batchCall{
			{Method: "good.op"},
			{Method: "bad.op"},
			{Method: "also.good"},
		},
		StopOnError: &keepGoing,
	}, 0)

	br := decodeBatch(t, res)
	require.Len(t, br.Results, 3)
	assert.True(t, br.Results[0].OK)
	assert.False(t, br.Results[1].OK)
	assert.True(t, br.Results[2].OK)
	assert.Nil(t, br.FailedIndex)
}

func TestBatchRejectsEmptyAndOversized(t *testing.T) {
	_, _, port := startBridge(t, nil)
	c := dialPeer(t, port, "peer-a")

	res := c.call(wire.MethodRPCBatch, batchParams{}, 0)
	require.False(t, res.OK)
	assert.Contains(t, res.Error.Message, "malformed_frame")

	big := make([]batchCall, maxBatchCalls+1)
	for i := range big {
		big[i] = batchCall{Method: "x.op"}
	}
	res = c.call(wire.MethodRPCBatch, batchParams{Calls: big}, 0)
	require.False(t, res.OK)
}

func TestSendManyForwardsOrderedCommands(t *testing.T) {
	ext, _, port := startBridge(t, nil)
	c := dialPeer(t, port, "peer-a")

	res := c.call(wire.MethodCDPSendMany, manyParams{
		TabID: "9",
		Commands: []manyCommand{
			{Method: "Page.enable"},
			{Method: "Runtime.enable"},
			{Method: "Page.navigate", Params: json.RawMessage(`{"url":"https://example.test"}`)},
		},
	}, 0)

	br := decodeBatch(t, res)
	require.Len(t, br.Results, 3)
	for _, r := range br.Results {
		assert.True(t, r.OK)
	}

	calls := ext.calls()
	require.Len(t, calls, 3)
	var inner []string
	for _, call := range calls {
		assert.Equal(t, wire.MethodCDPSend, call.Method)
		var p struct {
			TabID  string `json:"tabId"`
			Method string `json:"method"`
		}
		require.NoError(t, json.Unmarshal(call.Params, &p))
		assert.Equal(t, "9", p.TabID)
		inner = append(inner, p.Method)
	}
	assert.Equal(t, []string{"Page.enable", "Runtime.enable", "Page.navigate"}, inner)
}

func TestSendManyStopOnError(t *testing.T) {
	bad := func(e *fakeExtension, rpc wire.RPC) {
		var p struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(rpc.Params, &p)
		if p.Method == "Bad.cmd" {
			e.reply(wire.RPCResult{
				Type: wire.TypeRPCResult, ID: rpc.ID, OK: false,
				Error: &wire.RPCError{Message: "command rejected"},
			})
			return
		}
		e.reply(wire.RPCResult{Type: wire.TypeRPCResult, ID: rpc.ID, OK: true})
	}
	ext, _, port := startBridge(t, bad)
	c := dialPeer(t, port, "peer-a")

	res := c.call(wire.MethodCDPSendMany, manyParams{
		TabID: "9",
		Commands: []manyCommand{
			{Method: "Good.cmd"},
			{Method: "Bad.cmd"},
			{Method: "Never.cmd"},
		},
	}, 0)

	br := decodeBatch(t, res)
	require.Len(t, br.Results, 2)
	require.NotNil(t, br.FailedIndex)
	assert.Equal(t, 1, *br.FailedIndex)
	assert.Len(t, ext.calls(), 2)
}

func TestSendManyConflictsAsAWhole(t *testing.T) {
	_, _, port := startBridge(t, nil)
	a := dialPeer(t, port, "peer-a")
	b := dialPeer(t, port, "peer-b")

	require.True(t, a.call("dom.query", map[string]any{"tabId": "9"}, 0).OK)

	res := b.call(wire.MethodCDPSendMany, manyParams{
		TabID:    "9",
		Commands: []manyCommand{{Method: "Page.enable"}},
	}, 0)
	require.False(t, res.OK)
	assert.Contains(t, res.Error.Message, "conflict")
}

func TestSendManyHonorsDelay(t *testing.T) {
	ext, _, port := startBridge(t, nil)
	c := dialPeer(t, port, "peer-a")

	start := time.Now()
	res := c.call(wire.MethodCDPSendMany, manyParams{
		TabID: "2",
		Commands: []manyCommand{
			{Method: "Input.dispatchKeyEvent", DelayMs: 150},
			{Method: "Input.dispatchKeyEvent"},
		},
	}, 0)

	br := decodeBatch(t, res)
	require.Len(t, br.Results, 2)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Len(t, ext.calls(), 2)
}
