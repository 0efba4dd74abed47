// ABOUTME: Sequence gate - holds out-of-order messages briefly so transitions
// ABOUTME: apply in sequence order, not arrival order.

package orchestrator

import (
	"context"
	"sync"
	"time"
)

// seqGate delays a message tagged with sequence number n until n-1 has been
// applied, up to a bounded wait. Messages without sequence numbers (seq 0)
// pass straight through. The gate is advisory: after the bound expires the
// message proceeds anyway, and staleness is still checked against the
// persisted session under the user lock.
type seqGate struct {
	mu      sync.Mutex
	users   map[string]*gateEntry
	maxWait time.Duration
}

// gateSweepThreshold is the user count above which idle watermarks are pruned.
const gateSweepThreshold = 4096

type gateEntry struct {
	cond    *sync.Cond
	applied int64
	waiters int
	touched time.Time
}

func newSeqGate(maxWait time.Duration) *seqGate {
	return &seqGate{users: make(map[string]*gateEntry), maxWait: maxWait}
}

// Wait blocks until seq-1 has been applied for the user, the bound expires,
// or ctx is done.
func (g *seqGate) Wait(ctx context.Context, userID string, seq int64) {
	if seq <= 0 {
		return
	}

	g.mu.Lock()
	e, ok := g.users[userID]
	if !ok {
		e = &gateEntry{}
		e.cond = sync.NewCond(&g.mu)
		g.users[userID] = e
	}
	e.waiters++

	deadline := time.Now().Add(g.maxWait)
	timer := time.AfterFunc(g.maxWait, func() {
		g.mu.Lock()
		e.cond.Broadcast()
		g.mu.Unlock()
	})
	defer timer.Stop()

	for e.applied < seq-1 && time.Now().Before(deadline) && ctx.Err() == nil {
		e.cond.Wait()
	}

	e.waiters--
	g.mu.Unlock()
}

// Applied records that the user's transitions are current through seq and
// wakes anything gated behind it.
func (g *seqGate) Applied(userID string, seq int64) {
	if seq <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.users[userID]
	if !ok {
		e = &gateEntry{}
		e.cond = sync.NewCond(&g.mu)
		g.users[userID] = e
	}
	if seq > e.applied {
		e.applied = seq
		e.touched = time.Now()
	}
	e.cond.Broadcast()
	g.sweepLocked()
}

// sweepLocked drops watermarks nobody has touched in an hour. Losing a
// watermark only costs a bounded wait on the next out-of-order pair; the
// durable staleness check lives in the session row.
func (g *seqGate) sweepLocked() {
	if len(g.users) < gateSweepThreshold {
		return
	}
	cutoff := time.Now().Add(-time.Hour)
	for id, e := range g.users {
		if e.waiters == 0 && e.touched.Before(cutoff) {
			delete(g.users, id)
		}
	}
}
