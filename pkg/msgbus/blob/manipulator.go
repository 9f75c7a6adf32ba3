package blob

import (
	"sync"
	"time"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// Options configures a Manipulator's timeouts and size cap.
type Options struct {
	// SizeCap rejects any incoming BLOB whose declared total size exceeds
	// it. Zero selects msgbus.DefaultBlobSizeCap.
	SizeCap int64
	// AgeTimeout drops a pending BLOB (either direction) that has made no
	// progress for this long.
	AgeTimeout time.Duration
	// LingerTimeout keeps a fully-sent outgoing BLOB queued for this long
	// after its last byte, so late resend requests can still be served.
	LingerTimeout time.Duration
	// ResendInterval is the minimum spacing between resend requests for the
	// same incoming BLOB.
	ResendInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SizeCap == 0 {
		o.SizeCap = msgbus.DefaultBlobSizeCap
	}
	if o.AgeTimeout == 0 {
		o.AgeTimeout = 30 * time.Second
	}
	if o.LingerTimeout == 0 {
		o.LingerTimeout = 2 * time.Second
	}
	if o.ResendInterval == 0 {
		o.ResendInterval = 250 * time.Millisecond
	}
	return o
}

type sendEntry struct {
	id           msgbus.MessageID
	source       msgbus.EndpointID
	target       msgbus.EndpointID
	sourceBlobID uint32
	targetBlobID uint32
	priority     msgbus.Priority
	options      uint16
	io           SourceIO
	totalSize    int64
	todo         []Range
	sentSize     int64
	lastActivity time.Time
	completedAt  time.Time
	completed    bool
	prepareSent  float32
}

type recvKey struct {
	source       msgbus.EndpointID
	sourceBlobID uint32
}

type pendingKey struct {
	id           msgbus.MessageID
	targetBlobID uint32
	source       msgbus.EndpointID // msgbus.Broadcast matches any source
}

type recvEntry struct {
	id                  msgbus.MessageID
	source              msgbus.EndpointID
	target              msgbus.EndpointID
	sourceBlobID        uint32
	targetBlobID        uint32
	totalSize           int64
	done                []Range
	io                  TargetIO
	lastActivity        time.Time
	lastResendRequestAt time.Time
}

// Manipulator fragments outgoing BLOBs and reassembles incoming ones. A
// single Manipulator instance is normally owned by one router or endpoint.
type Manipulator struct {
	mu   sync.Mutex
	opts Options

	outgoing      []*sendEntry
	outgoingIndex int
	nextBlobID    uint32

	bySourceAndID map[recvKey]*recvEntry
	pending       map[pendingKey]*recvEntry

	ioGetter IOGetter
}

// New constructs a Manipulator. ioGetter is consulted the first time a
// fragment for an unknown BLOB arrives.
func New(ioGetter IOGetter, opts Options) *Manipulator {
	return &Manipulator{
		opts:          opts.withDefaults(),
		bySourceAndID: make(map[recvKey]*recvEntry),
		pending:       make(map[pendingKey]*recvEntry),
		ioGetter:      ioGetter,
	}
}

// PushOutgoing queues src for fragmented delivery, assigning and returning a
// sender-scoped source BLOB id. targetBlobID is the receiver-scoped id, 0 if
// not yet known (the first fragment will carry 0 and the receiver will bind
// by (msgID, targetBlobID, source) once it learns otherwise via
// out-of-band coordination).
func (m *Manipulator) PushOutgoing(id msgbus.MessageID, source, target msgbus.EndpointID, priority msgbus.Priority, src SourceIO, options uint16, targetBlobID uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	blobID := m.nextBlobID
	m.nextBlobID++
	total := src.TotalSize()
	m.outgoing = append(m.outgoing, &sendEntry{
		id:           id,
		source:       source,
		target:       target,
		sourceBlobID: blobID,
		targetBlobID: targetBlobID,
		priority:     priority,
		options:      options,
		io:           src,
		totalSize:    total,
		todo:         []Range{{Begin: 0, End: total}},
		lastActivity: time.Now(),
	})
	return blobID
}

// fragmentBudget returns the payload bytes available for one fragment out
// of a maxMessageSize frame, per SPEC_FULL.md §4.3's priority-scaled shares.
func fragmentBudget(p msgbus.Priority, maxMessageSize int) int {
	switch p {
	case msgbus.PriorityCritical:
		b := maxMessageSize - 92
		if b < 1 {
			b = 1
		}
		return b
	case msgbus.PriorityHigh:
		return maxMessageSize * 4 / 5
	case msgbus.PriorityNormal:
		return maxMessageSize * 3 / 4
	case msgbus.PriorityLow:
		return maxMessageSize * 2 / 3
	default: // idle
		return maxMessageSize / 2
	}
}

// ProcessOutgoing round-robins through queued outgoing BLOBs, producing at
// most one fragment message per BLOB per call, up to maxMessages total
// sends. It reports whether it made progress.
func (m *Manipulator) ProcessOutgoing(send SendFunc, maxMessageSize, maxMessages int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	workDone := false
	sent := 0
	n := len(m.outgoing)
	for i := 0; i < n && sent < maxMessages; i++ {
		if len(m.outgoing) == 0 {
			break
		}
		idx := m.outgoingIndex % len(m.outgoing)
		m.outgoingIndex = (idx + 1) % max(len(m.outgoing), 1)
		e := m.outgoing[idx]

		if pio, ok := e.io.(PreparingSourceIO); ok {
			progress, _, err := pio.Prepare()
			if err == nil && (progress-e.prepareSent >= 0.001 || (progress >= 1 && e.prepareSent < 1)) {
				payload := EncodePrepare(nil, PreparePayload{TargetBlobID: uint64(e.targetBlobID), Progress: progress})
				if send(e.target, msgbus.Ctrl(msgbus.MethodBlobPrpare), msgbus.Message{Content: payload}) {
					e.prepareSent = progress
				}
			}
		}

		if len(e.todo) == 0 {
			continue
		}
		r := e.todo[0]
		budget := fragmentBudget(e.priority, maxMessageSize)
		fragLen := r.Len()
		if fragLen > int64(budget) {
			fragLen = int64(budget)
		}
		if fragLen <= 0 {
			continue
		}
		data := make([]byte, fragLen)
		got, err := e.io.FetchFragment(r.Begin, data)
		if err != nil || got <= 0 {
			continue
		}
		data = data[:got]
		payload, err := EncodeFragment(nil, FragmentHeader{
			ID:           e.id,
			SourceBlobID: e.sourceBlobID,
			TargetBlobID: e.targetBlobID,
			Offset:       r.Begin,
			TotalSize:    e.totalSize,
			Options:      e.options,
		}, data)
		if err != nil {
			continue
		}
		if !send(e.target, msgbus.Ctrl(msgbus.MethodBlobFrgmnt), msgbus.Message{Content: payload}) {
			continue
		}
		e.todo = subtractRange(e.todo, r.Begin, r.Begin+int64(got))
		e.sentSize += int64(got)
		e.lastActivity = time.Now()
		if len(e.todo) == 0 && !e.completed {
			e.completed = true
			e.completedAt = time.Now()
		}
		sent++
		workDone = true
	}
	return workDone
}

// HandleResendRequest merges the requested range back into an outgoing
// BLOB's todo set so ProcessOutgoing will retransmit it.
func (m *Manipulator) HandleResendRequest(requester msgbus.EndpointID, payload []byte) error {
	req, err := DecodeResendRequest(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.outgoing {
		if e.sourceBlobID != req.SourceBlobID || e.target != requester {
			continue
		}
		end := int64(req.End)
		if req.End == 0 {
			end = e.totalSize
		}
		e.todo = insertRange(e.todo, int64(req.Begin), end)
		e.completed = false
		break
	}
	return nil
}

// ProcessIncoming feeds one received blobFrgmnt payload into reassembly.
// absorbed reports whether the fragment was consumed (true) or rejected
// (e.g. the BLOB exceeds the size cap, or no match and no source to bind
// to), in which case it should be treated as an unmerged drop.
func (m *Manipulator) ProcessIncoming(sourceID msgbus.EndpointID, payload []byte, age int8) (absorbed bool, err error) {
	h, data, err := DecodeFragment(payload)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := recvKey{source: sourceID, sourceBlobID: h.SourceBlobID}
	entry, ok := m.bySourceAndID[key]
	if !ok {
		// Try to bind via a pre-registered (or first-fragment-created)
		// pending entry, keyed by (msgID, targetBlobID, source-or-broadcast).
		pk := pendingKey{id: h.ID, targetBlobID: h.TargetBlobID, source: sourceID}
		entry, ok = m.pending[pk]
		if !ok {
			pk.source = msgbus.Broadcast
			entry, ok = m.pending[pk]
		}
		if ok {
			delete(m.pending, pk)
			entry.source = sourceID
			entry.sourceBlobID = h.SourceBlobID
			m.bySourceAndID[key] = entry
		}
	}

	if !ok {
		if sourceID.IsBroadcast() {
			return false, nil
		}
		if h.TotalSize > m.opts.SizeCap {
			return false, nil
		}
		tio := m.ioGetter(h.ID, h.TotalSize)
		if tio == nil {
			return false, nil
		}
		entry = &recvEntry{
			id:           h.ID,
			source:       sourceID,
			sourceBlobID: h.SourceBlobID,
			targetBlobID: h.TargetBlobID,
			totalSize:    h.TotalSize,
			io:           tio,
		}
		m.bySourceAndID[key] = entry
	}

	m.mergeFragment(entry, h.Offset, h.Offset+int64(len(data)), data)
	entry.lastActivity = time.Now()

	if isFull(entry.done, entry.totalSize) {
		entry.io.HandleFinished(entry.id, age, Info{
			SourceID:     entry.source,
			TargetID:     entry.target,
			SourceBlobID: entry.sourceBlobID,
			TargetBlobID: entry.targetBlobID,
			TotalSize:    entry.totalSize,
		})
		delete(m.bySourceAndID, key)
	}
	return true, nil
}

// mergeFragment applies the idempotent merge algorithm of SPEC_FULL.md
// §4.3: bytes already in the done set are verified via CheckStored, new
// bytes are written via StoreFragment, and the done set is updated last.
func (m *Manipulator) mergeFragment(e *recvEntry, b, end int64, data []byte) {
	for _, seg := range partitionAgainstDone(e.done, b, end) {
		sub := data[seg.Begin-b : seg.End-b]
		if seg.AlreadyDone {
			e.io.CheckStored(seg.Begin, sub)
		} else {
			e.io.StoreFragment(seg.Begin, sub)
		}
	}
	e.done = insertRange(e.done, b, end)
}

// ExpectIncoming pre-registers a receive-side entry for a BLOB whose
// target-scoped id has already been communicated to the sender
// out-of-band (e.g. an application-level request/response exchange),
// before any fragment has arrived. source may be msgbus.Broadcast to match
// the first sender that uses targetBlobID for this message id.
func (m *Manipulator) ExpectIncoming(id msgbus.MessageID, source msgbus.EndpointID, targetBlobID uint32, totalSize int64, tio TargetIO) bool {
	if totalSize > m.opts.SizeCap {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &recvEntry{id: id, targetBlobID: targetBlobID, totalSize: totalSize, io: tio, lastActivity: time.Now()}
	m.pending[pendingKey{id: id, targetBlobID: targetBlobID, source: source}] = entry
	return true
}

// CheckForGaps examines incoming BLOBs for gaps that have been stable for
// at least the configured resend interval, and emits one blobResend request
// per qualifying BLOB via send. It reports whether it emitted anything.
func (m *Manipulator) CheckForGaps(send SendFunc, maxMessageSize int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	did := false
	for _, e := range m.bySourceAndID {
		gaps := complement(e.done, e.totalSize)
		if len(gaps) == 0 {
			continue
		}
		if now.Sub(e.lastActivity) < m.opts.ResendInterval {
			continue
		}
		if now.Sub(e.lastResendRequestAt) < m.opts.ResendInterval {
			continue
		}
		gap := gaps[0]
		if len(gaps) > 1 && gap.Len() == 0 {
			gap = gaps[1]
		}
		bound := int64(maxMessageSize) * 2 / 3
		end := gap.End
		if gap.Len() > bound {
			end = gap.Begin + bound
		}
		payload := EncodeResendRequest(nil, ResendRequest{SourceBlobID: e.sourceBlobID, Begin: uint64(gap.Begin), End: uint64(end)})
		if send(e.source, msgbus.Ctrl(msgbus.MethodBlobResend), msgbus.Message{Content: payload}) {
			e.lastResendRequestAt = now
			did = true
		}
	}
	return did
}

// Sweep drops BLOBs that have exceeded their age/linger timeouts, invoking
// HandleCancelled for incomplete receive-side entries. It reports whether
// anything was dropped.
func (m *Manipulator) Sweep() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	did := false

	kept := m.outgoing[:0]
	for _, e := range m.outgoing {
		if e.completed && now.Sub(e.completedAt) > m.opts.LingerTimeout {
			did = true
			continue
		}
		if !e.completed && now.Sub(e.lastActivity) > m.opts.AgeTimeout {
			did = true
			continue
		}
		kept = append(kept, e)
	}
	m.outgoing = kept

	for k, e := range m.bySourceAndID {
		if now.Sub(e.lastActivity) > m.opts.AgeTimeout {
			e.io.HandleCancelled()
			delete(m.bySourceAndID, k)
			did = true
		}
	}
	for k, e := range m.pending {
		if now.Sub(e.lastActivity) > m.opts.AgeTimeout {
			e.io.HandleCancelled()
			delete(m.pending, k)
			did = true
		}
	}
	return did
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
