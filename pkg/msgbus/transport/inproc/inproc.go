// Package inproc implements a msgbus.Connection pair that exchanges
// messages over buffered Go channels, with no serialization: used for
// endpoints colocated with their router in the same process, and for
// tests throughout this repository.
package inproc

import (
	"sync"
	"sync/atomic"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// DefaultQueueDepth bounds how many undelivered messages one direction of
// a pair may hold before Send starts reporting failure.
const DefaultQueueDepth = 256

// DefaultMaxDataSize is the max_data_size() an inproc connection reports;
// since no framing/serialization actually happens, this only shapes BLOB
// fragment sizing in tests that exercise it.
const DefaultMaxDataSize = 4096

type frame struct {
	id   msgbus.MessageID
	msg  msgbus.Message
	size int
}

// Connection is one end of an in-process pair. Outgoing messages land in a
// msgbus.PriorityQueue before the outbox channel, so that a backlog (the
// peer not yet having called FetchMessages) drains higher-priority messages
// first instead of degrading to plain FIFO (spec §4.2/§5).
type Connection struct {
	maxDataSize int
	inbox       chan frame
	outbox      chan frame

	mu      sync.Mutex
	pending *msgbus.PriorityQueue
	usable  int32

	stats msgbus.ConnectionStatistics
}

// NewPair returns two connections wired to each other: messages sent on a
// are received by b and vice versa. maxDataSize <= 0 selects
// DefaultMaxDataSize; it is clamped up to msgbus.MinConnectionDataSize.
func NewPair(maxDataSize int) (a, b *Connection) {
	if maxDataSize <= 0 {
		maxDataSize = DefaultMaxDataSize
	}
	if maxDataSize < msgbus.MinConnectionDataSize {
		maxDataSize = msgbus.MinConnectionDataSize
	}
	ab := make(chan frame, DefaultQueueDepth)
	ba := make(chan frame, DefaultQueueDepth)
	a = &Connection{maxDataSize: maxDataSize, inbox: ba, outbox: ab, usable: 1, pending: msgbus.NewPriorityQueue(nil)}
	b = &Connection{maxDataSize: maxDataSize, inbox: ab, outbox: ba, usable: 1, pending: msgbus.NewPriorityQueue(nil)}
	return a, b
}

// Send implements msgbus.Connection. The message is pushed onto the
// priority queue and drained immediately; it only lingers there when the
// outbox channel is momentarily full, in which case the next drainLocked
// (triggered by Send or Update) delivers it in priority order alongside
// whatever else backed up meanwhile.
func (c *Connection) Send(id msgbus.MessageID, view msgbus.Message) bool {
	if atomic.LoadInt32(&c.usable) == 0 {
		return false
	}
	view.ID = id
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending.Len()+len(c.outbox) >= DefaultQueueDepth {
		return false
	}
	c.pending.Push(view)
	c.drainLocked()
	return true
}

// drainLocked moves queued messages into the outbox in priority order,
// highest first, stopping as soon as the channel has no free slot. c.mu
// must be held.
func (c *Connection) drainLocked() {
	for {
		sm, ok := c.pending.Pop()
		if !ok {
			return
		}
		f := frame{
			id:   sm.ID,
			msg:  msgbus.Message{ID: sm.ID, Header: sm.Header, Content: sm.Content},
			size: len(sm.Content),
		}
		select {
		case c.outbox <- f:
			atomic.AddUint64(&c.stats.MessagesSent, 1)
			atomic.AddUint64(&c.stats.BytesSent, uint64(f.size))
		default:
			c.pending.Push(f.msg)
			return
		}
	}
}

// FetchMessages implements msgbus.Connection.
func (c *Connection) FetchMessages(handler msgbus.MessageHandler) bool {
	workDone := false
	for {
		select {
		case f := <-c.inbox:
			atomic.AddUint64(&c.stats.MessagesReceived, 1)
			atomic.AddUint64(&c.stats.BytesReceived, uint64(f.size))
			handler(f.id, f.msg.Header.AgeQuarterSec, f.msg)
			workDone = true
		default:
			return workDone
		}
	}
}

// Update retries draining any outgoing backlog left behind by a Send that
// found the outbox momentarily full; there is no other external I/O to
// drive.
func (c *Connection) Update() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.pending.Len()
	if before == 0 {
		return false
	}
	c.drainLocked()
	return c.pending.Len() < before
}

// MaxDataSize implements msgbus.Connection.
func (c *Connection) MaxDataSize() int { return c.maxDataSize }

// IsUsable implements msgbus.Connection.
func (c *Connection) IsUsable() bool { return atomic.LoadInt32(&c.usable) != 0 }

// Kind implements msgbus.Connection.
func (c *Connection) Kind() msgbus.ConnectionKind { return msgbus.ConnInProcess }

// TypeID implements msgbus.Connection.
func (c *Connection) TypeID() string { return "inproc" }

// QueryStatistics implements msgbus.Connection.
func (c *Connection) QueryStatistics(stats *msgbus.ConnectionStatistics) {
	stats.MessagesSent = atomic.LoadUint64(&c.stats.MessagesSent)
	stats.MessagesReceived = atomic.LoadUint64(&c.stats.MessagesReceived)
	stats.BytesSent = atomic.LoadUint64(&c.stats.BytesSent)
	stats.BytesReceived = atomic.LoadUint64(&c.stats.BytesReceived)
	stats.BlockCount = atomic.LoadUint64(&c.stats.BlockCount)
}

// Cleanup marks the connection unusable; its peer's subsequent Send calls
// will still succeed until its own outbox fills, matching a real
// transport where one side closing doesn't instantly fail the other's
// writes.
func (c *Connection) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	atomic.StoreInt32(&c.usable, 0)
}

var _ msgbus.Connection = (*Connection)(nil)
