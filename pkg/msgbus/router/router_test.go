package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/config"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/security"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/transport/inproc"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(config.RouterConfig{
		IDMajor:         1,
		IDCount:         1 << 16,
		PendingTimeout:  time.Second,
		WorkerThreshold: 2,
	}, &Context{})
	require.NoError(t, err)
	return r
}

// admitNode drives r through one side's requestId/assignId/confirmId
// handshake and returns the id it was assigned.
func admitNode(t *testing.T, r *Router, conn msgbus.Connection) msgbus.EndpointID {
	t.Helper()
	require.True(t, conn.Send(msgbus.Ctrl(msgbus.MethodRequestID), msgbus.Message{
		Header: msgbus.Header{Priority: msgbus.PriorityHigh},
	}))

	var assigned msgbus.EndpointID
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.DoWork(4)
		conn.Update()
		conn.FetchMessages(func(id msgbus.MessageID, age int8, view msgbus.Message) bool {
			if id.Method == msgbus.MethodAssignID || id.Method == msgbus.MethodConfirmID {
				assigned = view.Header.TargetID
			}
			return true
		})
		if assigned != 0 {
			return assigned
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("node was never assigned an id")
	return 0
}

func TestAdmissionAssignsDistinctIDs(t *testing.T) {
	r := newTestRouter(t)

	a, aRouter := inproc.NewPair(0)
	b, bRouter := inproc.NewPair(0)
	r.AddAcceptor(offerAcceptorNodes(aRouter, bRouter))

	idA := admitNode(t, r, a)
	idB := admitNode(t, r, b)

	assert.NotEqual(t, msgbus.EndpointID(0), idA)
	assert.NotEqual(t, msgbus.EndpointID(0), idB)
	assert.NotEqual(t, idA, idB)
	assert.Equal(t, 2, r.NodeCount())
}

func TestRoutingDeliversTargetedMessage(t *testing.T) {
	r := newTestRouter(t)

	a, aRouter := inproc.NewPair(0)
	b, bRouter := inproc.NewPair(0)
	r.AddAcceptor(offerAcceptorNodes(aRouter, bRouter))

	idA := admitNode(t, r, a)
	idB := admitNode(t, r, b)

	payload := []byte("hello from a")
	require.True(t, a.Send(msgbus.MessageID{Class: "app", Method: "greet"}, msgbus.Message{
		Header:  msgbus.Header{SourceID: idA, TargetID: idB, Priority: msgbus.PriorityNormal},
		Content: payload,
	}))

	var received []byte
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && received == nil {
		r.DoWork(4)
		b.Update()
		b.FetchMessages(func(id msgbus.MessageID, age int8, view msgbus.Message) bool {
			if id.Method == "greet" {
				received = view.Content
			}
			return true
		})
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, received)
	assert.Equal(t, payload, received)
}

func TestRoutingBroadcastReachesEveryOtherNode(t *testing.T) {
	r := newTestRouter(t)

	a, aRouter := inproc.NewPair(0)
	b, bRouter := inproc.NewPair(0)
	c, cRouter := inproc.NewPair(0)
	r.AddAcceptor(offerAcceptorNodes(aRouter, bRouter, cRouter))

	admitNode(t, r, a)
	admitNode(t, r, b)
	admitNode(t, r, c)

	require.True(t, a.Send(msgbus.MessageID{Class: "app", Method: "shout"}, msgbus.Message{
		Header: msgbus.Header{TargetID: msgbus.Broadcast, Priority: msgbus.PriorityNormal},
	}))

	gotB, gotC := false, false
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !(gotB && gotC) {
		r.DoWork(4)
		b.Update()
		b.FetchMessages(func(id msgbus.MessageID, age int8, view msgbus.Message) bool {
			gotB = gotB || id.Method == "shout"
			return true
		})
		c.Update()
		c.FetchMessages(func(id msgbus.MessageID, age int8, view msgbus.Message) bool {
			gotC = gotC || id.Method == "shout"
			return true
		})
		time.Sleep(time.Millisecond)
	}
	assert.True(t, gotB, "broadcast must reach node b")
	assert.True(t, gotC, "broadcast must reach node c")
}

func TestRouteMessageDropsAtMaxHopCount(t *testing.T) {
	r := newTestRouter(t)
	r.nodes[1] = &routedNode{id: 1, conn: discardConn{}, filter: newNodeFilter()}

	msg := msgbus.Message{Header: msgbus.Header{TargetID: 1, HopCount: msgbus.MaxHopCount}}
	r.routeMessage(0, false, msgbus.MessageID{Class: "app", Method: "x"}, msg)

	assert.Equal(t, uint64(0), r.stats.total(), "a max-hop message must be dropped, not forwarded")
}

func TestRouteMessageDropsStaleLowPriority(t *testing.T) {
	r := newTestRouter(t)
	r.nodes[1] = &routedNode{id: 1, conn: discardConn{}, filter: newNodeFilter()}

	msg := msgbus.Message{Header: msgbus.Header{
		TargetID:      1,
		Priority:      msgbus.PriorityIdle,
		AgeQuarterSec: msgbus.PriorityIdle.StaleAfterQuarterSeconds() + 1,
	}}
	r.routeMessage(0, false, msgbus.MessageID{Class: "app", Method: "x"}, msg)

	assert.Equal(t, uint64(0), r.stats.total())
}

// TestAdmissionWrongPasswordNeverPromotes covers S2 of the seed test list:
// a password-required connection that answers the reqRutrPwd challenge with
// the wrong ciphertext must time out of the pending set rather than being
// adopted.
func TestAdmissionWrongPasswordNeverPromotes(t *testing.T) {
	r, err := New(config.RouterConfig{
		IDMajor:          1,
		IDCount:          1 << 16,
		PendingTimeout:   80 * time.Millisecond,
		RequiresPassword: true,
		Password:         "hunter2",
	}, &Context{})
	require.NoError(t, err)

	client, routerSide := inproc.NewPair(0)
	r.AddAcceptor(offerAcceptorNodes(remoteKindConn{routerSide}))

	require.True(t, client.Send(msgbus.Ctrl(msgbus.MethodRequestID), msgbus.Message{
		Header: msgbus.Header{Priority: msgbus.PriorityHigh},
	}))

	var gotChallenge bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.DoWork(4)
		client.Update()
		client.FetchMessages(func(id msgbus.MessageID, age int8, view msgbus.Message) bool {
			if id.Method == msgbus.MethodReqRutrPwd {
				gotChallenge = true
				client.Send(msgbus.Ctrl(msgbus.MethodEncRutrPwd), msgbus.Message{
					Content: []byte("not the right ciphertext"),
				})
			}
			return true
		})
		time.Sleep(time.Millisecond)
	}

	require.True(t, gotChallenge, "a password-required connection must be challenged")
	assert.Equal(t, 0, r.NodeCount(), "wrong-password connections must never be adopted")
}

// TestAdmissionCorrectPasswordPromotesNode is S2's positive counterpart: a
// connection that answers the challenge with the correctly encrypted nonce
// is promoted to an adopted node.
func TestAdmissionCorrectPasswordPromotesNode(t *testing.T) {
	r, err := New(config.RouterConfig{
		IDMajor:          1,
		IDCount:          1 << 16,
		PendingTimeout:   2 * time.Second,
		RequiresPassword: true,
		Password:         "hunter2",
	}, &Context{})
	require.NoError(t, err)

	client, routerSide := inproc.NewPair(0)
	r.AddAcceptor(offerAcceptorNodes(remoteKindConn{routerSide}))

	require.True(t, client.Send(msgbus.Ctrl(msgbus.MethodRequestID), msgbus.Message{
		Header: msgbus.Header{Priority: msgbus.PriorityHigh},
	}))

	var assigned msgbus.EndpointID
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && assigned == 0 {
		r.DoWork(4)
		client.Update()
		client.FetchMessages(func(id msgbus.MessageID, age int8, view msgbus.Message) bool {
			switch id.Method {
			case msgbus.MethodReqRutrPwd:
				ciphertext, err := security.EncryptNonce(view.Content, "hunter2")
				require.NoError(t, err)
				client.Send(msgbus.Ctrl(msgbus.MethodEncRutrPwd), msgbus.Message{Content: ciphertext})
			case msgbus.MethodConfirmID:
				assigned = view.Header.TargetID
			}
			return true
		})
		time.Sleep(time.Millisecond)
	}

	require.NotEqual(t, msgbus.EndpointID(0), assigned, "the node must still be assigned an id once it proves the password")
	assert.Equal(t, 1, r.NodeCount())
}

func TestNodeFilterBlocksThenAllows(t *testing.T) {
	f := newNodeFilter()
	id := msgbus.MessageID{Class: "app", Method: "x"}
	assert.True(t, f.isAllowed(id))

	f.blockID(id)
	assert.False(t, f.isAllowed(id))

	f.clearBlock()
	assert.True(t, f.isAllowed(id))

	other := msgbus.MessageID{Class: "app", Method: "y"}
	f.allowID(id)
	assert.True(t, f.isAllowed(id))
	assert.False(t, f.isAllowed(other), "a non-empty allow list excludes anything not on it")
}

func TestNodeFilterNeverBlocksControlMessages(t *testing.T) {
	f := newNodeFilter()
	ctrl := msgbus.Ctrl(msgbus.MethodPing)
	f.blockID(ctrl)
	assert.True(t, f.isAllowed(ctrl), "control messages bypass block/allow lists")
}

// discardConn is a msgbus.Connection stub for unit tests that only need a
// destination routeMessage can look up; it records nothing and never
// blocks.
type discardConn struct{}

func (discardConn) Send(msgbus.MessageID, msgbus.Message) bool   { return true }
func (discardConn) FetchMessages(msgbus.MessageHandler) bool     { return false }
func (discardConn) Update() bool                                { return false }
func (discardConn) MaxDataSize() int                            { return 4096 }
func (discardConn) IsUsable() bool                               { return true }
func (discardConn) Kind() msgbus.ConnectionKind                  { return msgbus.ConnInProcess }
func (discardConn) TypeID() string                               { return "discard" }
func (discardConn) QueryStatistics(*msgbus.ConnectionStatistics) {}
func (discardConn) Cleanup()                                     {}

var _ msgbus.Connection = discardConn{}

// offerAcceptor wraps a fixed set of already-constructed connections as a
// one-shot msgbus.Acceptor, so tests can admit inproc pairs without a real
// listen/accept cycle.
type offerAcceptor struct {
	pending []msgbus.Connection
}

func offerAcceptorNodes(conns ...msgbus.Connection) *offerAcceptor {
	return &offerAcceptor{pending: conns}
}

func (a *offerAcceptor) Update() bool { return false }

func (a *offerAcceptor) ProcessAccepted(handler msgbus.AcceptedHandler) bool {
	if len(a.pending) == 0 {
		return false
	}
	for _, c := range a.pending {
		handler(c)
	}
	a.pending = nil
	return true
}

var _ msgbus.Acceptor = (*offerAcceptor)(nil)

// remoteKindConn wraps an inproc.Connection reporting a non-in-process
// Kind, so tests can exercise password-gated admission: admission.go only
// requires a password for connections whose Kind() isn't ConnInProcess.
type remoteKindConn struct{ *inproc.Connection }

func (remoteKindConn) Kind() msgbus.ConnectionKind { return msgbus.ConnRemoteInterprocess }

var _ msgbus.Connection = remoteKindConn{}
