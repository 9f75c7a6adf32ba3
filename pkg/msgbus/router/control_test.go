package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/config"
)

func newBareRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(config.RouterConfig{IDMajor: 1, IDCount: 16}, &Context{})
	require.NoError(t, err)
	return r
}

func TestHandlePingRepliesDirectlyWhenAddressedToRouter(t *testing.T) {
	r := newBareRouter(t)
	conn := &recordingConn{}
	r.nodes[5] = &routedNode{id: 5, conn: conn}

	handled := r.handlePing(5, msgbus.Message{Header: msgbus.Header{SourceID: 5, TargetID: r.SelfID(), SequenceNo: 9}})

	assert.True(t, handled)
	require.Len(t, conn.sent, 1)
	assert.Equal(t, msgbus.Ctrl(msgbus.MethodPong), conn.sent[0].id)
	assert.EqualValues(t, 9, conn.sent[0].msg.Header.SequenceNo)
}

func TestHandlePingForwardsWhenNotAddressedToRouter(t *testing.T) {
	r := newBareRouter(t)
	target := &recordingConn{}
	r.nodes[5] = &routedNode{id: 5, conn: &recordingConn{}, filter: newNodeFilter()}
	r.nodes[6] = &routedNode{id: 6, conn: target, filter: newNodeFilter()}

	handled := r.handlePing(5, msgbus.Message{Header: msgbus.Header{SourceID: 5, TargetID: 6}})

	assert.True(t, handled)
	require.Len(t, target.sent, 1)
	assert.Equal(t, msgbus.Ctrl(msgbus.MethodPing), target.sent[0].id)
}

func TestHandlePongAddressedToRouterIsConsumedSilently(t *testing.T) {
	r := newBareRouter(t)
	handled := r.handlePongOrForward(5, false, msgbus.Ctrl(msgbus.MethodPong), msgbus.Message{Header: msgbus.Header{TargetID: r.SelfID()}})
	assert.True(t, handled)
}

func TestDispatchControlSubscribeRecordsSubscription(t *testing.T) {
	r := newBareRouter(t)
	conn := &recordingConn{}
	node := &routedNode{id: 5, conn: conn, filter: newNodeFilter()}
	r.nodes[5] = node

	id := msgbus.MessageID{Class: "app", Method: "tick"}
	handled := r.dispatchControl(node, msgbus.Ctrl(msgbus.MethodSubscribe), msgbus.Message{
		Header:  msgbus.Header{SourceID: 5, TargetID: msgbus.Broadcast},
		Content: encodeMessageID(id),
	})

	assert.True(t, handled)
	subscribed, known := r.endpoints.IsSubscribed(5, id)
	assert.True(t, known)
	assert.True(t, subscribed)
}

func TestDispatchControlUnknownMethodFallsThrough(t *testing.T) {
	r := newBareRouter(t)
	node := &routedNode{id: 5, conn: &recordingConn{}, filter: newNodeFilter()}
	handled := r.dispatchControl(node, msgbus.MessageID{Class: msgbus.ControlClass, Method: "somethingNew"}, msgbus.Message{})
	assert.False(t, handled, "an unrecognized control method must fall through to ordinary forwarding")
}

func TestDispatchControlByeByeEndpMarksDisconnectAndForgets(t *testing.T) {
	r := newBareRouter(t)
	node := &routedNode{id: 5, conn: &recordingConn{}, filter: newNodeFilter()}
	r.nodes[5] = node
	r.endpoints.Observe(5, 1)

	handled := r.dispatchControl(node, msgbus.Ctrl(msgbus.MethodByeByeEndp), msgbus.Message{Header: msgbus.Header{SourceID: 5, TargetID: msgbus.Broadcast}})

	assert.True(t, handled)
	assert.True(t, node.doDisconnect)
	_, known := r.endpoints.IsSubscribed(5, msgbus.MessageID{Class: "app", Method: "tick"})
	assert.False(t, known, "Forget must drop all tracked state for the departing node")
}

func TestHandleEptCertQryForwardsWhenCertUnknown(t *testing.T) {
	r := newBareRouter(t)
	target := &recordingConn{}
	from := &routedNode{id: 5, conn: &recordingConn{}, filter: newNodeFilter()}
	r.nodes[5] = from
	r.nodes[6] = &routedNode{id: 6, conn: target, filter: newNodeFilter()}

	msg := msgbus.Message{Header: msgbus.Header{SourceID: 5, TargetID: 6}}
	handled := r.handleEptCertQry(from, msgbus.Ctrl(msgbus.MethodEptCertQry), msg)

	assert.True(t, handled)
	require.Len(t, target.sent, 1, "an unknown certificate falls back to ordinary forwarding")
}

func TestGetTargetIORejectsUnsolicitedBlobs(t *testing.T) {
	r := newBareRouter(t)
	assert.Nil(t, r.getTargetIO(msgbus.MessageID{Class: "app", Method: "xfer"}, 1024))
}
