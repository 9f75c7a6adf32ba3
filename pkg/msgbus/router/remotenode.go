package router

import (
	"sync"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// RemoteNodeTracker records what the router has learned about the nodes
// reachable through it: their subscriptions, last observed process
// instance id, and a count of sightings (Touch). It backs
// qrySubscrb/qrySubscrp replies; the sighting count is recorded but not
// read by any liveness sweep.
type RemoteNodeTracker struct {
	mu       sync.RWMutex
	subs     map[msgbus.EndpointID]map[msgbus.MessageID]bool
	instance map[msgbus.EndpointID]msgbus.ProcessInstanceID
	seen     map[msgbus.EndpointID]int64
}

// NewRemoteNodeTracker returns an empty tracker.
func NewRemoteNodeTracker() *RemoteNodeTracker {
	return &RemoteNodeTracker{
		subs:     make(map[msgbus.EndpointID]map[msgbus.MessageID]bool),
		instance: make(map[msgbus.EndpointID]msgbus.ProcessInstanceID),
		seen:     make(map[msgbus.EndpointID]int64),
	}
}

// Observe records ept's process instance id. If it differs from the last
// one seen for ept (the peer restarted), ept's subscription set is cleared
// first, so stale subscriptions never outlive the process that made them
// (spec invariant 9). Reports whether a restart was detected.
func (t *RemoteNodeTracker) Observe(ept msgbus.EndpointID, instance msgbus.ProcessInstanceID) (restarted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, known := t.instance[ept]
	t.instance[ept] = instance
	if known && prev != instance {
		delete(t.subs, ept)
		return true
	}
	return false
}

// Subscribe records that ept is subscribed to id.
func (t *RemoteNodeTracker) Subscribe(ept msgbus.EndpointID, id msgbus.MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.subs[ept]
	if !ok {
		m = make(map[msgbus.MessageID]bool)
		t.subs[ept] = m
	}
	m[id] = true
}

// Unsubscribe records that ept is no longer subscribed to id.
func (t *RemoteNodeTracker) Unsubscribe(ept msgbus.EndpointID, id msgbus.MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.subs[ept]; ok {
		delete(m, id)
	}
}

// IsSubscribed reports whether ept is known to be subscribed to id, and
// whether the tracker has any record of ept at all (known=false means the
// router should stay silent rather than answer "not subscribed").
func (t *RemoteNodeTracker) IsSubscribed(ept msgbus.EndpointID, id msgbus.MessageID) (subscribed, known bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.subs[ept]
	if !ok {
		return false, false
	}
	return m[id], true
}

// Subscriptions returns every message id ept is currently subscribed to.
func (t *RemoteNodeTracker) Subscriptions(ept msgbus.EndpointID) []msgbus.MessageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.subs[ept]
	ids := make([]msgbus.MessageID, 0, len(m))
	for id, on := range m {
		if on {
			ids = append(ids, id)
		}
	}
	return ids
}

// Touch records a stillAlive (or any other) sighting of ept.
func (t *RemoteNodeTracker) Touch(ept msgbus.EndpointID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[ept] = t.seen[ept] + 1
}

// Forget drops every record of ept, called on disconnect or re-announce.
func (t *RemoteNodeTracker) Forget(ept msgbus.EndpointID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, ept)
	delete(t.seen, ept)
	delete(t.instance, ept)
}

// encodeMessageID and decodeMessageID give subscribTo/unsubFrom/notSubTo
// payloads the same length-prefixed-ASCII shape as the wire header's class
// and method fields, so a router need not special-case content decoding.
func encodeMessageID(id msgbus.MessageID) []byte {
	buf := make([]byte, 0, 2+len(id.Class)+len(id.Method))
	buf = append(buf, byte(len(id.Class)))
	buf = append(buf, id.Class...)
	buf = append(buf, byte(len(id.Method)))
	buf = append(buf, id.Method...)
	return buf
}

func decodeMessageID(content []byte) msgbus.MessageID {
	if len(content) < 1 {
		return msgbus.MessageID{}
	}
	cl := int(content[0])
	if len(content) < 1+cl+1 {
		return msgbus.MessageID{}
	}
	class := string(content[1 : 1+cl])
	rest := content[1+cl:]
	ml := int(rest[0])
	if len(rest) < 1+ml {
		return msgbus.MessageID{Class: class}
	}
	method := string(rest[1 : 1+ml])
	return msgbus.MessageID{Class: class, Method: method}
}

// decodeSubscriptionQuery splits a qrySubscrb payload into the endpoint
// being asked about and the message id the query concerns; it is encoded
// as an 8-byte endpoint id followed by an encodeMessageID payload.
func decodeSubscriptionQuery(content []byte) (msgbus.EndpointID, msgbus.MessageID) {
	if len(content) < 8 {
		return msgbus.Broadcast, msgbus.MessageID{}
	}
	return decodeEndpointID(content[:8]), decodeMessageID(content[8:])
}
