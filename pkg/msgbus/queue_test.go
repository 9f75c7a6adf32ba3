package msgbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewPriorityQueue(nil)
	push := func(p Priority, seq uint32) {
		q.Push(Message{ID: Ctrl(MethodPing), Header: Header{Priority: p, SequenceNo: SequenceNo(seq)}})
	}
	push(PriorityLow, 1)
	push(PriorityCritical, 2)
	push(PriorityNormal, 3)
	push(PriorityCritical, 4)

	var order []uint32
	for {
		sm, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, uint32(sm.Header.SequenceNo))
	}
	assert.Equal(t, []uint32{2, 4, 3, 1}, order)
}

func TestPriorityQueueProcessAllKeepsUnhandled(t *testing.T) {
	pool := NewBufferPool()
	q := NewPriorityQueue(pool)
	q.Push(Message{ID: Ctrl(MethodPing), Header: Header{Priority: PriorityNormal, SequenceNo: 1}})
	q.Push(Message{ID: Ctrl(MethodPing), Header: Header{Priority: PriorityNormal, SequenceNo: 2}})

	var handled []uint32
	q.ProcessAll(func(sm StoredMessage) bool {
		handled = append(handled, uint32(sm.Header.SequenceNo))
		return sm.Header.SequenceNo == 1
	})
	assert.Equal(t, []uint32{1, 2}, handled)
	require.Equal(t, 1, q.Len())
	sm, ok := q.Peek()
	require.True(t, ok)
	assert.EqualValues(t, 2, sm.Header.SequenceNo)
}
