package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/config"
)

func TestRouterStatsTotalCountsForwards(t *testing.T) {
	var s routerStats
	assert.Equal(t, uint64(0), s.total())
	s.recordForward()
	s.recordForward()
	assert.Equal(t, uint64(2), s.total())
}

func TestEmitStatsRepliesToRequester(t *testing.T) {
	r, err := New(config.RouterConfig{IDMajor: 1, IDCount: 16}, &Context{})
	require.NoError(t, err)

	n := &routedNode{id: 5, conn: &recordingConn{}}
	r.nodes[5] = n
	r.stats.recordForward()

	r.emitStats(5)

	rc := n.conn.(*recordingConn)
	require.Len(t, rc.sent, 1)
	assert.Equal(t, msgbus.Ctrl(msgbus.MethodStatsRutr), rc.sent[0].id)
	assert.Len(t, rc.sent[0].msg.Content, 16)
}

func TestEmitTopologyOneReplyPerAdoptedNode(t *testing.T) {
	r, err := New(config.RouterConfig{IDMajor: 1, IDCount: 16}, &Context{})
	require.NoError(t, err)

	requester := &routedNode{id: 1, conn: &recordingConn{}}
	other := &routedNode{id: 2, conn: &recordingConn{}}
	r.nodes[1] = requester
	r.nodes[2] = other

	r.emitTopology(1)

	rc := requester.conn.(*recordingConn)
	assert.Len(t, rc.sent, 2, "one topoRutrCn per adopted node, including the requester itself")
	for _, f := range rc.sent {
		assert.Equal(t, msgbus.Ctrl(msgbus.MethodTopoRutrCn), f.id)
		assert.Len(t, f.msg.Content, 9)
	}
}

type sentFrame struct {
	id  msgbus.MessageID
	msg msgbus.Message
}

type recordingConn struct {
	sent []sentFrame
}

func (c *recordingConn) Send(id msgbus.MessageID, msg msgbus.Message) bool {
	c.sent = append(c.sent, sentFrame{id: id, msg: msg})
	return true
}
func (c *recordingConn) FetchMessages(msgbus.MessageHandler) bool     { return false }
func (c *recordingConn) Update() bool                                 { return false }
func (c *recordingConn) MaxDataSize() int                             { return 4096 }
func (c *recordingConn) IsUsable() bool                               { return true }
func (c *recordingConn) Kind() msgbus.ConnectionKind                  { return msgbus.ConnInProcess }
func (c *recordingConn) TypeID() string                               { return "recording" }
func (c *recordingConn) QueryStatistics(*msgbus.ConnectionStatistics) {}
func (c *recordingConn) Cleanup()                                     {}

var _ msgbus.Connection = (*recordingConn)(nil)
