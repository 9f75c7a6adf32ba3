package router

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// ageBucketMs is the granularity at which the router's smoothed average
// message age is bucketed; a msgFlowInf advisory goes out only when the
// bucket itself changes, not on every fractional-millisecond wobble.
const ageBucketMs = 250.0

// ageSmoothingAlpha weights each new sample against the running average age
// (exponential moving average, spec §4.5 "smoothed average").
const ageSmoothingAlpha = 0.2

// routerStats keeps the windowed forward-rate figure behind statsRutr and
// the smoothed average age that drives the msgFlowInf advisory broadcast
// when a router's load shifts sharply (spec §4.5/§4.6).
type routerStats struct {
	forwarded    uint64
	windowStart  int64 // unix nanos, set lazily on first recordForward
	windowCount  uint64
	lastRatePerS float64

	ageMu      sync.Mutex
	avgAgeMs   float64
	lastBucket int
	haveAvg    bool
}

func (s *routerStats) recordForward() {
	atomic.AddUint64(&s.forwarded, 1)
	now := time.Now().UnixNano()
	start := atomic.LoadInt64(&s.windowStart)
	if start == 0 {
		atomic.CompareAndSwapInt64(&s.windowStart, 0, now)
		start = now
	}
	atomic.AddUint64(&s.windowCount, 1)
	if elapsed := time.Duration(now - start); elapsed >= time.Second {
		count := atomic.SwapUint64(&s.windowCount, 0)
		atomic.StoreInt64(&s.windowStart, now)
		s.lastRatePerS = float64(count) / elapsed.Seconds()
	}
}

func (s *routerStats) total() uint64          { return atomic.LoadUint64(&s.forwarded) }
func (s *routerStats) ratePerSecond() float64 { return s.lastRatePerS }

// recordAge folds one message's age-at-routing into the smoothed average
// and reports the bucket it now falls in, plus whether that bucket differs
// from the one last reported (the trigger for a msgFlowInf broadcast).
func (s *routerStats) recordAge(ageQuarterSec int8) (bucket int, changed bool) {
	ms := float64(ageQuarterSec) * 250
	s.ageMu.Lock()
	defer s.ageMu.Unlock()
	if !s.haveAvg {
		s.avgAgeMs = ms
		s.haveAvg = true
	} else {
		s.avgAgeMs = s.avgAgeMs*(1-ageSmoothingAlpha) + ms*ageSmoothingAlpha
	}
	bucket = int(s.avgAgeMs / ageBucketMs)
	changed = bucket != s.lastBucket
	s.lastBucket = bucket
	return bucket, changed
}

// emitStats answers a statsQuery with a statsRutr reply addressed to
// requester, carrying the total forwarded count and current rate.
func (r *Router) emitStats(requester msgbus.EndpointID) {
	r.mu.RLock()
	n, ok := r.nodes[requester]
	r.mu.RUnlock()
	if !ok {
		return
	}
	payload := make([]byte, 16)
	binary.BigEndian.PutUint64(payload[0:8], r.stats.total())
	binary.BigEndian.PutUint64(payload[8:16], uint64(r.stats.ratePerSecond()*1000))
	reply := msgbus.Message{Header: msgbus.Header{SourceID: r.selfID, TargetID: requester, Priority: msgbus.PriorityNormal}, Content: payload}
	n.conn.Send(msgbus.Ctrl(msgbus.MethodStatsRutr), reply)
}

// emitTopology answers a topoQuery with one topoRutrCn reply per adopted
// node, each naming that node's id and connection kind.
func (r *Router) emitTopology(requester msgbus.EndpointID) {
	r.mu.RLock()
	reqNode, ok := r.nodes[requester]
	if !ok {
		r.mu.RUnlock()
		return
	}
	type entry struct {
		id   msgbus.EndpointID
		kind msgbus.ConnectionKind
	}
	entries := make([]entry, 0, len(r.nodes))
	for id, n := range r.nodes {
		entries = append(entries, entry{id: id, kind: n.conn.Kind()})
	}
	r.mu.RUnlock()

	for _, e := range entries {
		payload := make([]byte, 9)
		copy(payload[0:8], encodeEndpointID(e.id))
		payload[8] = byte(e.kind)
		reply := msgbus.Message{Header: msgbus.Header{SourceID: r.selfID, TargetID: requester, Priority: msgbus.PriorityNormal}, Content: payload}
		reqNode.conn.Send(msgbus.Ctrl(msgbus.MethodTopoRutrCn), reply)
	}
}

// broadcastFlowInfo tells every adopted node that the router's smoothed
// average message age has moved into a new bucket, so endpoints can decide
// whether to throttle (spec §4.5's msgFlowInf advisory). content[0] != 0
// means "elevated age, consider throttling" (see endpoint.Throttled).
func (r *Router) broadcastFlowInfo(bucket int) {
	r.mu.RLock()
	nodes := make([]*routedNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	content := []byte{0}
	if bucket > 0 {
		content[0] = 1
	}
	msg := msgbus.Message{
		Header:  msgbus.Header{SourceID: r.selfID, TargetID: msgbus.Broadcast, Priority: msgbus.PriorityNormal},
		Content: content,
	}
	for _, n := range nodes {
		n.conn.Send(msgbus.Ctrl(msgbus.MethodMsgFlowInf), msg)
	}
}
