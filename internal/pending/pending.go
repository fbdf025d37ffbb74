// Package pending tracks in-flight RPC calls forwarded to the extension link.
// Each entry maps a broker-global request id back to the owning peer and the
// id that peer used on its own connection. Resolution is exactly-once: the
// entry is removed under the table lock before its sink runs, so a concurrent
// resolve/sweep loser observes "already resolved" and is a no-op.
package pending

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tabbridge/tabbridge/internal/fault"
)

// Timeout budgets for forwarded calls.
const (
	DefaultTimeout = 10 * time.Second
	MaxTimeout     = 60 * time.Second
	MinTimeout     = 100 * time.Millisecond

	// SweepInterval is the fixed tick on which expired entries are reaped.
	// Entries never outlive deadline + one tick.
	SweepInterval = 250 * time.Millisecond
)

// Outcome is the terminal result of one in-flight call.
type Outcome struct {
	OK     bool
	Result json.RawMessage
	Err    *fault.Error
}

// Sink delivers an outcome to the owning peer, tagged with the id the peer
// used. Sinks must not block; the broker's per-peer writer makes them cheap.
type Sink func(peerLocalID int64, out Outcome)

type entry struct {
	id       int64
	peerID   string
	localID  int64
	deadline time.Time
	sink     Sink
}

// Table is the pending-request table. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*entry
	log     *logrus.Entry
}

// NewTable creates an empty table.
func NewTable(log *logrus.Entry) *Table {
	return &Table{
		nextID:  1,
		entries: make(map[int64]*entry),
		log:     log,
	}
}

// ClampTimeout normalizes a caller-supplied timeoutMs to the allowed budget.
// Zero or negative means the default.
func ClampTimeout(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Register allocates a fresh broker-global id for a call owned by peerID and
// returns the id to use on the wire to the extension.
func (t *Table) Register(peerID string, peerLocalID int64, timeout time.Duration, sink Sink) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.entries[id] = &entry{
		id:       id,
		peerID:   peerID,
		localID:  peerLocalID,
		deadline: time.Now().Add(timeout),
		sink:     sink,
	}
	return id
}

// Resolve delivers a reply for a broker-global id. Unknown ids (late or
// duplicate replies) are logged and ignored. Returns false when the id was
// already resolved or never registered.
func (t *Table) Resolve(requestID int64, ok bool, result json.RawMessage, rpcErr *fault.Error) bool {
	t.mu.Lock()
	e, found := t.entries[requestID]
	if found {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if !found {
		t.log.WithField("reqID", requestID).Debug("late or duplicate rpc reply dropped")
		return false
	}
	e.sink(e.localID, Outcome{OK: ok, Result: result, Err: rpcErr})
	return true
}

// Sweep resolves every entry past its deadline as a Timeout failure.
// Returns the number of entries reaped.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	var expired []*entry
	for id, e := range t.entries {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		e.sink(e.localID, Outcome{
			Err: fault.Newf(fault.Timeout, "request %d timed out waiting for the extension", e.id).
				WithNext("retry the call or raise timeoutMs"),
		})
	}
	return len(expired)
}

// DrainForPeer resolves every entry owned by peerID as PeerGone. Called on
// peer disconnect; other peers' in-flight calls are untouched.
func (t *Table) DrainForPeer(peerID string) int {
	return t.drain(func(e *entry) bool { return e.peerID == peerID },
		fault.New(fault.PeerGone, "owning peer disconnected before the reply arrived"))
}

// DrainAll resolves every entry as LinkLost. Called when the extension link
// leaves CONNECTED so no peer is left waiting on a dead link.
func (t *Table) DrainAll() int {
	return t.DrainAllAs(fault.New(fault.LinkLost, "extension link dropped while the request was in flight").
		WithNext("retry once the link reconnects"))
}

// DrainAllAs resolves every entry with the given cause.
func (t *Table) DrainAllAs(cause *fault.Error) int {
	return t.drain(func(*entry) bool { return true }, cause)
}

func (t *Table) drain(match func(*entry) bool, cause *fault.Error) int {
	t.mu.Lock()
	var drained []*entry
	for id, e := range t.entries {
		if match(e) {
			drained = append(drained, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range drained {
		e.sink(e.localID, Outcome{Err: cause})
	}
	return len(drained)
}

// Len returns the number of in-flight entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// RunSweeper sweeps on a fixed tick until stop is closed.
func (t *Table) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}
