package msgbus

// MessageHandler receives one delivered message and reports whether it made
// use of it; the return value is advisory, mirroring the spec's fetch_messages
// contract.
type MessageHandler func(id MessageID, age int8, view Message) bool

// Connection is a bidirectional, message-oriented transport, polled
// cooperatively by its owner (normally a router). No method may block:
// an implementation that would otherwise block must buffer internally and
// report workDone=false for the tick instead.
type Connection interface {
	// Send enqueues one message for delivery. It returns false on hard
	// failure (e.g. the peer is gone); repeated failures should eventually
	// make IsUsable return false.
	Send(id MessageID, view Message) bool

	// FetchMessages delivers any received messages to handler, returning
	// whether any were delivered.
	FetchMessages(handler MessageHandler) (workDone bool)

	// Update drives the transport's I/O for one cooperative tick.
	Update() (workDone bool)

	// MaxDataSize is the maximum payload size of one frame on this
	// connection; always >= MinConnectionDataSize.
	MaxDataSize() int

	// IsUsable reports whether the connection is still viable.
	IsUsable() bool

	// Kind classifies how this connection reaches its peer.
	Kind() ConnectionKind

	// TypeID names the concrete transport implementation.
	TypeID() string

	// QueryStatistics fills stats with this connection's current counters.
	QueryStatistics(stats *ConnectionStatistics)

	// Cleanup flushes and closes the connection. Called exactly once, at
	// shutdown or removal.
	Cleanup()
}

// AcceptedHandler receives one freshly accepted connection.
type AcceptedHandler func(conn Connection)

// Acceptor produces connections. Acceptors are attached to a router before
// it starts and are not removed thereafter.
type Acceptor interface {
	// Update drives the acceptor's own I/O for one cooperative tick.
	Update() (workDone bool)

	// ProcessAccepted drains newly accepted connections to handler.
	ProcessAccepted(handler AcceptedHandler) (workDone bool)
}

// ConnectionStatistics is the counter set reported by QueryStatistics and
// surfaced on the bus by the statsConn control message.
type ConnectionStatistics struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	BlockCount       uint64
}
