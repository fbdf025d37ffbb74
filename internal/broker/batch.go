// batch.go — Ordered multi-call expansion: rpc.batch and cdp.sendMany.
// A batch runs on the owning peer's read loop, so its steps are strictly
// ordered relative to each other and to that peer's other calls, and a slow
// batch never stalls any other peer.
package broker

import (
	"encoding/json"
	"time"

	"github.com/tabbridge/tabbridge/internal/fault"
	"github.com/tabbridge/tabbridge/internal/pending"
	"github.com/tabbridge/tabbridge/internal/wire"
)

const maxBatchCalls = 100

type batchCall struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type batchParams struct {
	Calls []batchCall `json:"calls"`
	// StopOnError defaults to true when omitted.
	StopOnError *bool `json:"stopOnError,omitempty"`
}

func stopOnError(v *bool) bool { return v == nil || *v }

type stepResult struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wire.RPCError  `json:"error,omitempty"`
}

type batchResult struct {
	Results     []stepResult `json:"results"`
	FailedIndex *int         `json:"failedIndex,omitempty"`
}

// handleBatch expands rpc.batch into sequential forwarded calls. Each step
// gets its own timeout budget; with stopOnError the first failure ends the
// batch and failedIndex names the step.
func (b *Broker) handleBatch(p *peer, rpc wire.RPC) {
	var params batchParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil || len(params.Calls) == 0 {
		b.replyErr(p, rpc.ID, fault.New(fault.MalformedFrame, "rpc.batch needs a non-empty calls array"))
		return
	}
	if len(params.Calls) > maxBatchCalls {
		b.replyErr(p, rpc.ID, fault.Newf(fault.MalformedFrame, "rpc.batch is capped at %d calls", maxBatchCalls))
		return
	}

	res := batchResult{Results: make([]stepResult, 0, len(params.Calls))}
	for i, call := range params.Calls {
		out := b.runStep(p, call.Method, call.Params, call.TimeoutMs)
		res.Results = append(res.Results, toStepResult(out))
		if !res.Results[i].OK && stopOnError(params.StopOnError) {
			idx := i
			res.FailedIndex = &idx
			break
		}
	}
	b.replyOK(p, rpc.ID, res)
}

// runStep forwards one batch step. Tab-scoped steps implicitly acquire the
// tab for the batch's peer, the same as standalone calls.
func (b *Broker) runStep(p *peer, method string, params json.RawMessage, timeoutMs int) pending.Outcome {
	if tabID := tabIDOf(params); tabID != "" {
		if _, err := b.tabs.Acquire(tabID, p.id, false); err != nil {
			return pending.Outcome{Err: asFault(err)}
		}
		b.tabs.Touch(tabID, p.id)
	}
	return b.callExtension(p.id, method, params, timeoutMs)
}

type manyCommand struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	DelayMs   int             `json:"delayMs,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type manyParams struct {
	TabID    string        `json:"tabId"`
	Commands []manyCommand `json:"commands"`
	// StopOnError defaults to true when omitted.
	StopOnError *bool `json:"stopOnError,omitempty"`
}

// handleSendMany expands cdp.sendMany: one tab, an ordered command list, an
// optional settle delay after each command.
func (b *Broker) handleSendMany(p *peer, rpc wire.RPC) {
	var params manyParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil || params.TabID == "" || len(params.Commands) == 0 {
		b.replyErr(p, rpc.ID, fault.New(fault.MalformedFrame, "cdp.sendMany needs a tabId and a non-empty commands array"))
		return
	}
	if len(params.Commands) > maxBatchCalls {
		b.replyErr(p, rpc.ID, fault.Newf(fault.MalformedFrame, "cdp.sendMany is capped at %d commands", maxBatchCalls))
		return
	}

	// The tab is claimed once, up front; a conflict fails the whole call.
	if _, err := b.tabs.Acquire(params.TabID, p.id, false); err != nil {
		b.replyErr(p, rpc.ID, err)
		return
	}

	res := batchResult{Results: make([]stepResult, 0, len(params.Commands))}
	for i, cmd := range params.Commands {
		sendParams, err := json.Marshal(map[string]any{
			"tabId":  params.TabID,
			"method": cmd.Method,
			"params": cmd.Params,
		})
		var out pending.Outcome
		if err != nil {
			out = pending.Outcome{Err: fault.Newf(fault.MalformedFrame, "encode command %d: %v", i, err)}
		} else {
			b.tabs.Touch(params.TabID, p.id)
			out = b.callExtension(p.id, wire.MethodCDPSend, sendParams, cmd.TimeoutMs)
		}
		res.Results = append(res.Results, toStepResult(out))
		if !res.Results[i].OK && stopOnError(params.StopOnError) {
			idx := i
			res.FailedIndex = &idx
			break
		}
		if cmd.DelayMs > 0 {
			select {
			case <-b.ctx.Done():
			case <-time.After(time.Duration(cmd.DelayMs) * time.Millisecond):
			}
		}
	}
	b.replyOK(p, rpc.ID, res)
}

func toStepResult(out pending.Outcome) stepResult {
	sr := stepResult{OK: out.OK, Result: out.Result}
	if out.Err != nil {
		sr.OK = false
		sr.Error = &wire.RPCError{Message: out.Err.Error()}
	}
	return sr
}
