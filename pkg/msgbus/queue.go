package msgbus

import "container/heap"

// StoredMessage is one queued, owned (Stored) message, timestamped by
// insertion order so equal-priority entries stay FIFO.
type StoredMessage struct {
	ID      MessageID
	Header  Header
	Content []byte
	seq     uint64
}

// PriorityQueue holds StoredMessage entries sorted so that higher-priority
// messages are served first; among equal priorities, insertion order
// (FIFO) is preserved. Push is O(log n) via container/heap.
type PriorityQueue struct {
	items  pqHeap
	nextSeq uint64
	pool   *BufferPool
}

// NewPriorityQueue constructs an empty queue. pool may be nil.
func NewPriorityQueue(pool *BufferPool) *PriorityQueue {
	return &PriorityQueue{pool: pool}
}

func (q *PriorityQueue) Len() int { return len(q.items) }

// Push enqueues m, taking ownership of a Stored copy of its content.
func (q *PriorityQueue) Push(m Message) {
	stored := m.Stored(q.pool)
	heap.Push(&q.items, StoredMessage{
		ID:      stored.ID,
		Header:  stored.Header,
		Content: stored.Content,
		seq:     q.nextSeq,
	})
	q.nextSeq++
}

// Pop removes and returns the highest-priority, oldest-inserted message.
// ok is false if the queue is empty.
func (q *PriorityQueue) Pop() (StoredMessage, bool) {
	if q.items.Len() == 0 {
		return StoredMessage{}, false
	}
	return heap.Pop(&q.items).(StoredMessage), true
}

// Peek returns the next message without removing it.
func (q *PriorityQueue) Peek() (StoredMessage, bool) {
	if q.items.Len() == 0 {
		return StoredMessage{}, false
	}
	return q.items[0], true
}

// ProcessAll iterates messages highest-priority first, calling handler for
// each; entries for which handler returns true are removed (and their
// buffer returned to the pool), the rest stay queued in their original
// relative order.
func (q *PriorityQueue) ProcessAll(handler func(StoredMessage) bool) {
	var keep pqHeap
	for q.items.Len() > 0 {
		sm := heap.Pop(&q.items).(StoredMessage)
		if handler(sm) {
			if q.pool != nil {
				q.pool.Put(sm.Content)
			}
			continue
		}
		keep = append(keep, sm)
	}
	for _, sm := range keep {
		heap.Push(&q.items, sm)
	}
}

// pqHeap implements container/heap.Interface: max-priority first, then
// lowest seq (oldest) first.
type pqHeap []StoredMessage

func (h pqHeap) Len() int { return len(h) }
func (h pqHeap) Less(i, j int) bool {
	if h[i].Header.Priority != h[j].Header.Priority {
		return h[i].Header.Priority > h[j].Header.Priority
	}
	return h[i].seq < h[j].seq
}
func (h pqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pqHeap) Push(x any) { *h = append(*h, x.(StoredMessage)) }

func (h *pqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
