package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

func TestRemoteNodeTrackerSubscriptionLifecycle(t *testing.T) {
	tr := NewRemoteNodeTracker()
	ept := msgbus.EndpointID(7)
	id := msgbus.MessageID{Class: "app", Method: "tick"}

	_, known := tr.IsSubscribed(ept, id)
	assert.False(t, known, "an endpoint the tracker has never heard from is unknown, not unsubscribed")

	tr.Subscribe(ept, id)
	subscribed, known := tr.IsSubscribed(ept, id)
	assert.True(t, known)
	assert.True(t, subscribed)
	assert.Equal(t, []msgbus.MessageID{id}, tr.Subscriptions(ept))

	tr.Unsubscribe(ept, id)
	subscribed, known = tr.IsSubscribed(ept, id)
	assert.True(t, known)
	assert.False(t, subscribed)
}

func TestObserveClearsSubscriptionsOnInstanceChange(t *testing.T) {
	tr := NewRemoteNodeTracker()
	ept := msgbus.EndpointID(42)
	id := msgbus.MessageID{Class: "app", Method: "tick"}

	restarted := tr.Observe(ept, 1)
	assert.False(t, restarted, "the first sighting of an instance id is never a restart")
	tr.Subscribe(ept, id)
	subscribed, _ := tr.IsSubscribed(ept, id)
	require.True(t, subscribed)

	restarted = tr.Observe(ept, 1)
	assert.False(t, restarted, "re-observing the same instance id changes nothing")
	subscribed, _ = tr.IsSubscribed(ept, id)
	assert.True(t, subscribed)

	restarted = tr.Observe(ept, 2)
	assert.True(t, restarted, "a new instance id for an already-known endpoint is a restart")
	_, known := tr.IsSubscribed(ept, id)
	assert.False(t, known, "restart must drop the stale subscription set entirely")
}

func TestForgetDropsEverything(t *testing.T) {
	tr := NewRemoteNodeTracker()
	ept := msgbus.EndpointID(9)
	id := msgbus.MessageID{Class: "app", Method: "tick"}

	tr.Observe(ept, 1)
	tr.Subscribe(ept, id)
	tr.Touch(ept)

	tr.Forget(ept)
	_, known := tr.IsSubscribed(ept, id)
	assert.False(t, known)

	restarted := tr.Observe(ept, 1)
	assert.False(t, restarted, "after Forget, the next Observe looks like a first sighting")
}

func TestMessageIDEncodeDecodeRoundTrip(t *testing.T) {
	id := msgbus.MessageID{Class: "eagiMsgBus", Method: "qrySubscrb"}
	got := decodeMessageID(encodeMessageID(id))
	assert.Equal(t, id, got)
}

func TestDecodeSubscriptionQuery(t *testing.T) {
	ept := msgbus.EndpointID(0x0102030405060708)
	id := msgbus.MessageID{Class: "app", Method: "tick"}

	payload := append(encodeEndpointID(ept), encodeMessageID(id)...)
	gotEpt, gotID := decodeSubscriptionQuery(payload)
	assert.Equal(t, ept, gotEpt)
	assert.Equal(t, id, gotID)
}

func TestDecodeSubscriptionQueryShortPayload(t *testing.T) {
	ept, id := decodeSubscriptionQuery([]byte{1, 2, 3})
	assert.Equal(t, msgbus.Broadcast, ept)
	assert.Equal(t, msgbus.MessageID{}, id)
}
