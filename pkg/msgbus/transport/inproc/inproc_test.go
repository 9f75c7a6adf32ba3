package inproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

func TestPairDeliversInBothDirections(t *testing.T) {
	a, b := NewPair(0)
	id := msgbus.MessageID{Class: "app", Method: "ping"}

	require.True(t, a.Send(id, msgbus.Message{Content: []byte("to b")}))
	require.True(t, b.Send(id, msgbus.Message{Content: []byte("to a")}))

	var gotB, gotA []byte
	require.True(t, b.FetchMessages(func(gotID msgbus.MessageID, age int8, view msgbus.Message) bool {
		gotB = view.Content
		return true
	}))
	require.True(t, a.FetchMessages(func(gotID msgbus.MessageID, age int8, view msgbus.Message) bool {
		gotA = view.Content
		return true
	}))

	assert.Equal(t, []byte("to b"), gotB)
	assert.Equal(t, []byte("to a"), gotA)
}

func TestFetchMessagesReportsNoWorkWhenEmpty(t *testing.T) {
	a, _ := NewPair(0)
	assert.False(t, a.FetchMessages(func(msgbus.MessageID, int8, msgbus.Message) bool { return true }))
}

func TestMaxDataSizeClampsToMinimum(t *testing.T) {
	a, _ := NewPair(1)
	assert.Equal(t, msgbus.MinConnectionDataSize, a.MaxDataSize())
}

func TestSendFailsOnceQueueIsFull(t *testing.T) {
	a, _ := NewPair(0)
	id := msgbus.MessageID{Class: "app", Method: "spam"}
	sent := 0
	for a.Send(id, msgbus.Message{}) {
		sent++
		if sent > DefaultQueueDepth+1 {
			t.Fatal("Send never reported a full queue")
		}
	}
	assert.Equal(t, DefaultQueueDepth, sent)
}

func TestCleanupMarksConnectionUnusable(t *testing.T) {
	a, _ := NewPair(0)
	assert.True(t, a.IsUsable())
	a.Cleanup()
	assert.False(t, a.IsUsable())
}

func TestQueryStatisticsTracksSendAndReceive(t *testing.T) {
	a, b := NewPair(0)
	id := msgbus.MessageID{Class: "app", Method: "x"}
	require.True(t, a.Send(id, msgbus.Message{Content: []byte("abc")}))
	b.FetchMessages(func(msgbus.MessageID, int8, msgbus.Message) bool { return true })

	var aStats, bStats msgbus.ConnectionStatistics
	a.QueryStatistics(&aStats)
	b.QueryStatistics(&bStats)

	assert.EqualValues(t, 1, aStats.MessagesSent)
	assert.EqualValues(t, 1, bStats.MessagesReceived)
	assert.EqualValues(t, 3, bStats.BytesReceived)
}

func TestKindAndTypeID(t *testing.T) {
	a, _ := NewPair(0)
	assert.Equal(t, msgbus.ConnInProcess, a.Kind())
	assert.Equal(t, "inproc", a.TypeID())
}
