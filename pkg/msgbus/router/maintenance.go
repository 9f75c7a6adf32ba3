package router

import (
	"time"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// maxBlobFrameSize is the message size the router's own BLOB manipulator
// budgets every fragment against, for all targets alike. A connection's own
// MaxDataSize is not consulted, and no transport adapter here splits a
// fragment across several frames.
const maxBlobFrameSize = 56 * 1024

// maxBlobSendsPerTick caps how many fragment messages ProcessOutgoing may
// emit in a single DoWork iteration, so one huge BLOB can't starve
// admission and routing within the same tick.
const maxBlobSendsPerTick = 32

// doMaintenance drives every periodic, non-per-message concern: accepting
// new connections, advancing pending admissions, pumping the router's own
// BLOB manipulator, and sweeping stale bookkeeping.
func (r *Router) doMaintenance() bool {
	workDone := r.handleAccept()
	workDone = r.handlePending() || workDone
	workDone = r.manipulator.ProcessOutgoing(r.sendToNode, maxBlobFrameSize, maxBlobSendsPerTick) || workDone
	workDone = r.manipulator.CheckForGaps(r.sendToNode, maxBlobFrameSize) || workDone
	workDone = r.manipulator.Sweep() || workDone
	workDone = r.sweepRecentlyDisconnected() || workDone
	workDone = r.maybeAnnounceStillAlive() || workDone
	return workDone
}

// sendToNode implements blob.SendFunc against the router's own adopted
// nodes and parent link, so the router's manipulator can reach either an
// adopted peer or (target == selfID's parent path) the uplink.
func (r *Router) sendToNode(target msgbus.EndpointID, id msgbus.MessageID, view msgbus.Message) bool {
	r.mu.RLock()
	n, ok := r.nodes[target]
	p := r.parent
	r.mu.RUnlock()
	if ok {
		return n.conn.Send(id, view)
	}
	if p != nil {
		return p.conn.Send(id, view)
	}
	return false
}

func (r *Router) sweepRecentlyDisconnected() bool {
	ttl := r.cfg.RecentlyDisconnectedTTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	did := false
	now := time.Now()
	for id, at := range r.recentlyDisconnected {
		if now.Sub(at) > ttl {
			delete(r.recentlyDisconnected, id)
			did = true
		}
	}
	return did
}

// maybeAnnounceStillAlive broadcasts stillAlive on the router's own behalf
// at most once per alive-notify period, so peers with no other traffic can
// still detect this router's liveness (the router-level counterpart of an
// endpoint's own stillAlive broadcasts, for bridge/sub-router peers).
func (r *Router) maybeAnnounceStillAlive() bool {
	const period = 10 * time.Second
	r.mu.Lock()
	if time.Since(r.lastAliveAt) < period {
		r.mu.Unlock()
		return false
	}
	r.lastAliveAt = time.Now()
	nodes := make([]*routedNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.Unlock()

	msg := msgbus.Message{Header: msgbus.Header{SourceID: r.selfID, TargetID: msgbus.Broadcast, Priority: msgbus.PriorityIdle}}
	for _, n := range nodes {
		n.conn.Send(msgbus.Ctrl(msgbus.MethodStillAlive), msg)
	}
	return true
}
