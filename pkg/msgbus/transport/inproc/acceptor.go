package inproc

import "github.com/eagine-msgbus/go-msgbus/pkg/msgbus"

// Acceptor hands pre-constructed in-process connections to a router; tests
// and same-process endpoint wiring call Offer directly instead of going
// through a real listen/accept cycle.
type Acceptor struct {
	offered chan *Connection
}

// NewAcceptor returns an Acceptor with room for queueDepth offered
// connections before Offer blocks.
func NewAcceptor(queueDepth int) *Acceptor {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &Acceptor{offered: make(chan *Connection, queueDepth)}
}

// Offer queues conn to be picked up by the router's next ProcessAccepted
// call. It blocks if the acceptor's queue is full.
func (a *Acceptor) Offer(conn *Connection) {
	a.offered <- conn
}

// Update implements msgbus.Acceptor; there is no external I/O to drive.
func (a *Acceptor) Update() bool { return false }

// ProcessAccepted implements msgbus.Acceptor.
func (a *Acceptor) ProcessAccepted(handler msgbus.AcceptedHandler) bool {
	workDone := false
	for {
		select {
		case conn := <-a.offered:
			handler(conn)
			workDone = true
		default:
			return workDone
		}
	}
}

var _ msgbus.Acceptor = (*Acceptor)(nil)
