// pending_test.go — Exactly-once resolution, timeout sweep, and bulk drains.
package pending

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tabbridge/tabbridge/internal/fault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestClampTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		timeoutMs int
		expected  time.Duration
	}{
		{"zero uses default", 0, DefaultTimeout},
		{"negative uses default", -5, DefaultTimeout},
		{"tiny clamps up", 10, MinTimeout},
		{"normal passes through", 5000, 5 * time.Second},
		{"huge clamps down", 600000, MaxTimeout},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, ClampTimeout(tc.timeoutMs))
		})
	}
}

func TestResolveDeliversOnce(t *testing.T) {
	t.Parallel()

	tbl := NewTable(testLog())
	var got []Outcome
	var gotLocal []int64
	id := tbl.Register("peer-a", 7, time.Minute, func(localID int64, out Outcome) {
		got = append(got, out)
		gotLocal = append(gotLocal, localID)
	})

	require.True(t, tbl.Resolve(id, true, json.RawMessage(`{"x":1}`), nil))
	// Duplicate reply is a logged no-op.
	require.False(t, tbl.Resolve(id, true, nil, nil))
	// Unknown id is a no-op too.
	require.False(t, tbl.Resolve(id+100, false, nil, fault.New(fault.Timeout, "late")))

	require.Len(t, got, 1)
	assert.True(t, got[0].OK)
	assert.Equal(t, int64(7), gotLocal[0])
	assert.Equal(t, 0, tbl.Len())
}

func TestConcurrentResolveAndSweepIsExactlyOnce(t *testing.T) {
	t.Parallel()

	tbl := NewTable(testLog())
	const n = 200
	var delivered int64

	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		// Already-expired deadlines so Sweep races Resolve for every entry.
		id := tbl.Register("peer-a", int64(i), -time.Second, func(int64, Outcome) {
			atomic.AddInt64(&delivered, 1)
		})
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			tbl.Resolve(id, true, nil, nil)
		}
	}()
	go func() {
		defer wg.Done()
		tbl.Sweep(time.Now())
	}()
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&delivered))
	assert.Equal(t, 0, tbl.Len())
}

func TestSweepResolvesOnlyExpired(t *testing.T) {
	t.Parallel()

	tbl := NewTable(testLog())
	var timedOut int64
	tbl.Register("peer-a", 1, -time.Second, func(_ int64, out Outcome) {
		require.NotNil(t, out.Err)
		assert.Equal(t, fault.Timeout, out.Err.Kind)
		atomic.AddInt64(&timedOut, 1)
	})
	fresh := tbl.Register("peer-a", 2, time.Minute, func(int64, Outcome) {
		t.Error("fresh entry must not be swept")
	})

	assert.Equal(t, 1, tbl.Sweep(time.Now()))
	assert.Equal(t, int64(1), atomic.LoadInt64(&timedOut))
	assert.Equal(t, 1, tbl.Len())

	tbl.mu.Lock()
	_, stillThere := tbl.entries[fresh]
	tbl.mu.Unlock()
	assert.True(t, stillThere)
}

func TestDrainForPeerLeavesOthers(t *testing.T) {
	t.Parallel()

	tbl := NewTable(testLog())
	var aOutcomes, bOutcomes []Outcome
	tbl.Register("peer-a", 1, time.Minute, func(_ int64, out Outcome) { aOutcomes = append(aOutcomes, out) })
	tbl.Register("peer-a", 2, time.Minute, func(_ int64, out Outcome) { aOutcomes = append(aOutcomes, out) })
	tbl.Register("peer-b", 1, time.Minute, func(_ int64, out Outcome) { bOutcomes = append(bOutcomes, out) })

	assert.Equal(t, 2, tbl.DrainForPeer("peer-a"))
	require.Len(t, aOutcomes, 2)
	for _, out := range aOutcomes {
		assert.Equal(t, fault.PeerGone, out.Err.Kind)
	}
	assert.Empty(t, bOutcomes)
	assert.Equal(t, 1, tbl.Len())

	// Disconnect is idempotent.
	assert.Equal(t, 0, tbl.DrainForPeer("peer-a"))
}

func TestDrainAllOnLinkLoss(t *testing.T) {
	t.Parallel()

	// Peer A has two pending requests when the link drops: both resolve
	// LinkLost, and nothing is delivered after the drain.
	tbl := NewTable(testLog())
	var outs []Outcome
	r1 := tbl.Register("peer-a", 1, time.Minute, func(_ int64, out Outcome) { outs = append(outs, out) })
	r2 := tbl.Register("peer-a", 2, time.Minute, func(_ int64, out Outcome) { outs = append(outs, out) })

	assert.Equal(t, 2, tbl.DrainAll())
	require.Len(t, outs, 2)
	assert.Equal(t, fault.LinkLost, outs[0].Err.Kind)
	assert.Equal(t, fault.LinkLost, outs[1].Err.Kind)

	// Late replies from the dead link are dropped.
	assert.False(t, tbl.Resolve(r1, true, nil, nil))
	assert.False(t, tbl.Resolve(r2, true, nil, nil))
	require.Len(t, outs, 2)
}

func TestRunSweeperStops(t *testing.T) {
	t.Parallel()

	tbl := NewTable(testLog())
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		tbl.RunSweeper(stop)
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
