package router

import (
	"sync/atomic"
	"time"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/telemetry"
)

// handleIncoming is the entry point for every message delivered by an
// adopted node's connection: control-plane messages are dispatched to
// their handler (which may also forward), everything else is routed.
func (r *Router) handleIncoming(from *routedNode, id msgbus.MessageID, age int8, view msgbus.Message) {
	view.Header.AgeQuarterSec = age
	if id.IsSpecial() {
		if r.dispatchControl(from, id, view) {
			return
		}
		// Unknown special message: log once, forward as ordinary (safe
		// default per spec §4.6).
		r.log.Debug().Str("method", id.Method).Msg("unknown control message, forwarding as ordinary")
	}
	r.routeMessage(from.id, false, id, view)
}

// handleParentIncoming is the entry point for messages arriving over the
// uplink to a parent router.
func (r *Router) handleParentIncoming(id msgbus.MessageID, age int8, view msgbus.Message) {
	view.Header.AgeQuarterSec = age
	if id.IsSpecial() {
		if r.dispatchParentControl(id, view) {
			return
		}
		r.log.Debug().Str("method", id.Method).Msg("unknown control message from parent, forwarding as ordinary")
	}
	r.routeMessage(msgbus.Broadcast, true, id, view)
}

// routeMessage implements spec §4.5: hop-count/age policy, then broadcast
// or targeted delivery. incoming identifies the adopted node the message
// arrived from (meaningless when fromParent is true).
func (r *Router) routeMessage(incoming msgbus.EndpointID, fromParent bool, id msgbus.MessageID, msg msgbus.Message) {
	if msg.Header.IncrementHop() {
		r.countDrop(telemetry.ReasonHopCount)
		return
	}
	msg.Header.AddAge(r.dwellSince(r.lastRouteTime()))
	r.markRouteTime()
	if msg.Header.IsStale() {
		r.countDrop(telemetry.ReasonStale)
		return
	}
	if bucket, changed := r.stats.recordAge(msg.Header.AgeQuarterSec); changed {
		r.broadcastFlowInfo(bucket)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if msg.Header.TargetID.IsBroadcast() {
		r.broadcastLocked(incoming, fromParent, id, msg)
		return
	}

	if _, recent := r.recentlyDisconnected[msg.Header.TargetID]; recent {
		return
	}

	if msg.Header.TargetID == r.selfID {
		if r.parent != nil {
			r.parent.conn.Send(id, msg)
		}
		r.countForward()
		return
	}

	if n, ok := r.nodes[msg.Header.TargetID]; ok {
		if n.filter.isAllowed(id) {
			n.conn.Send(id, msg)
			r.countForward()
		}
		return
	}

	// No direct index hit: fan out to every node that might itself be a
	// router able to reach the target, plus the parent link.
	delivered := false
	for nid, n := range r.nodes {
		if !fromParent && nid == incoming {
			continue
		}
		if !n.maybeRouter {
			continue
		}
		if n.filter.isAllowed(id) {
			n.conn.Send(id, msg)
			delivered = true
		}
	}
	if r.parent != nil && !fromParent {
		r.parent.conn.Send(id, msg)
		delivered = true
	}
	if delivered {
		r.countForward()
	} else {
		r.countDrop(telemetry.ReasonNoRoute)
	}
}

func (r *Router) broadcastLocked(incoming msgbus.EndpointID, fromParent bool, id msgbus.MessageID, msg msgbus.Message) {
	for nid, n := range r.nodes {
		if !fromParent && nid == incoming {
			continue
		}
		if n.filter.isAllowed(id) {
			n.conn.Send(id, msg)
		}
	}
	if r.parent != nil && !fromParent {
		r.parent.conn.Send(id, msg)
	}
	r.countForward()
}

func (r *Router) countForward() {
	if r.ctx.Metrics != nil {
		r.ctx.Metrics.ForwardedMessages.Inc()
	}
	r.stats.recordForward()
}

func (r *Router) countDrop(reason string) {
	if r.ctx.Metrics != nil {
		r.ctx.Metrics.DroppedMessages.WithLabelValues(reason).Inc()
	}
}

// dwellSince folds the elapsed interval since the router's previous
// routing pass into a message's age, per spec §4.5 message aging.
func (r *Router) dwellSince(last time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}

// lastRouteTime returns the timestamp recorded by the previous markRouteTime
// call, or the zero Time before the router has routed anything.
func (r *Router) lastRouteTime() time.Time {
	nanos := atomic.LoadInt64(&r.lastRouteAtNanos)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (r *Router) markRouteTime() {
	atomic.StoreInt64(&r.lastRouteAtNanos, time.Now().UnixNano())
}
