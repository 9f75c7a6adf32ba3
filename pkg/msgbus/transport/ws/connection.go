// Package ws implements a msgbus.Connection/Acceptor pair backed by
// websocket sockets (github.com/gorilla/websocket), routed through an
// github.com/gorilla/mux HTTP server. Each frame is one binary websocket
// message produced by pkg/msgbus.EncodeMessage/DecodeMessage.
package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// DefaultMaxDataSize is the max_data_size() a websocket connection reports.
const DefaultMaxDataSize = 60 * 1024

// DefaultQueueDepth bounds in-flight messages buffered in each direction
// while the reader/writer goroutines catch up with the socket.
const DefaultQueueDepth = 256

type wireFrame struct {
	id   msgbus.MessageID
	msg  msgbus.Message
	size int
}

// Connection wraps one *websocket.Conn. Reading and writing happen on
// dedicated goroutines so Send/FetchMessages/Update never block, per the
// cooperative-connection contract.
type Connection struct {
	sock *websocket.Conn
	log  zerolog.Logger

	maxDataSize int
	outbox      chan wireFrame
	inbox       chan wireFrame
	closed      chan struct{}
	closeOnce   sync.Once

	usable int32
	stats  msgbus.ConnectionStatistics
}

// Wrap starts reader and writer goroutines over sock and returns the
// resulting Connection. Its Kind is always ConnRemoteInterprocess.
func Wrap(sock *websocket.Conn, maxDataSize int, log zerolog.Logger) *Connection {
	if maxDataSize <= 0 {
		maxDataSize = DefaultMaxDataSize
	}
	c := &Connection{
		sock:        sock,
		log:         log.With().Str("component", "ws_connection").Logger(),
		maxDataSize: maxDataSize,
		outbox:      make(chan wireFrame, DefaultQueueDepth),
		inbox:       make(chan wireFrame, DefaultQueueDepth),
		closed:      make(chan struct{}),
		usable:      1,
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Connection) readLoop() {
	defer c.markUnusable()
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		msg, err := msgbus.DecodeMessage(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping frame with malformed header")
			continue
		}
		stored := msg.Stored(nil)
		select {
		case c.inbox <- wireFrame{id: stored.ID, msg: stored, size: len(data)}:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case f := <-c.outbox:
			buf, err := msgbus.EncodeMessage(nil, f.msg)
			if err != nil {
				continue
			}
			c.sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.sock.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				c.markUnusable()
				return
			}
			atomic.AddUint64(&c.stats.MessagesSent, 1)
			atomic.AddUint64(&c.stats.BytesSent, uint64(len(buf)))
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) markUnusable() { atomic.StoreInt32(&c.usable, 0) }

// Send implements msgbus.Connection.
func (c *Connection) Send(id msgbus.MessageID, view msgbus.Message) bool {
	if atomic.LoadInt32(&c.usable) == 0 {
		return false
	}
	view.ID = id
	select {
	case c.outbox <- wireFrame{id: id, msg: view.Stored(nil)}:
		return true
	default:
		return false
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

// Update implements msgbus.Connection; I/O happens on background
// goroutines, so there is nothing further to drive here.
func (c *Connection) Update() bool { return false }

// MaxDataSize implements msgbus.Connection.
func (c *Connection) MaxDataSize() int { return c.maxDataSize }

// IsUsable implements msgbus.Connection.
func (c *Connection) IsUsable() bool { return atomic.LoadInt32(&c.usable) != 0 }

// Kind implements msgbus.Connection.
func (c *Connection) Kind() msgbus.ConnectionKind { return msgbus.ConnRemoteInterprocess }

// TypeID implements msgbus.Connection.
func (c *Connection) TypeID() string { return "websocket" }

// QueryStatistics implements msgbus.Connection.
func (c *Connection) QueryStatistics(stats *msgbus.ConnectionStatistics) {
	stats.MessagesSent = atomic.LoadUint64(&c.stats.MessagesSent)
	stats.MessagesReceived = atomic.LoadUint64(&c.stats.MessagesReceived)
	stats.BytesSent = atomic.LoadUint64(&c.stats.BytesSent)
	stats.BytesReceived = atomic.LoadUint64(&c.stats.BytesReceived)
	stats.BlockCount = atomic.LoadUint64(&c.stats.BlockCount)
}

// Cleanup implements msgbus.Connection.
func (c *Connection) Cleanup() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sock.Close()
	})
}

var _ msgbus.Connection = (*Connection)(nil)
