package msgbus

import "time"

// Header is the fixed part of every bus message (see SPEC_FULL.md §6 wire
// framing). It travels with every message regardless of content codec.
type Header struct {
	SourceID     EndpointID
	TargetID     EndpointID
	SerializerID uint64
	SequenceNo   SequenceNo
	HopCount     int8
	AgeQuarterSec int8
	Priority     Priority
	CryptoFlags  CryptoFlags
}

// IncrementHop bumps the hop count, saturating at MaxHopCount rather than
// wrapping, and reports whether the message must now be dropped.
func (h *Header) IncrementHop() (drop bool) {
	if int(h.HopCount) >= MaxHopCount {
		return true
	}
	h.HopCount++
	return int(h.HopCount) >= MaxHopCount
}

// AddAge accumulates dwell time, in quarter seconds, clamping at the int8
// ceiling rather than overflowing.
func (h *Header) AddAge(d time.Duration) {
	qs := int64(d / (250 * time.Millisecond))
	if qs < 0 {
		qs = 0
	}
	n := int64(h.AgeQuarterSec) + qs
	if n > 127 {
		n = 127
	}
	h.AgeQuarterSec = int8(n)
}

// IsStale reports whether the message has aged past its priority's
// threshold and should be dropped by a router.
func (h *Header) IsStale() bool {
	if h.Priority >= PriorityHigh {
		return false
	}
	return h.AgeQuarterSec > h.Priority.StaleAfterQuarterSeconds()
}

// Message pairs a Header with a message id and content. View wraps
// borrowed content (no copy, valid only for the call); Stored owns its
// bytes (safe to queue).
type Message struct {
	ID      MessageID
	Header  Header
	Content []byte
}

// View returns a shallow copy of m sharing the same Content slice. Callers
// that need to retain the message past the current call must use Stored.
func (m Message) View() Message { return m }

// Stored returns a copy of m with its own, independently owned Content
// buffer, safe to place on a queue that outlives the current call.
func (m Message) Stored(pool *BufferPool) Message {
	var buf []byte
	if pool != nil {
		buf = pool.Get(len(m.Content))
	} else {
		buf = make([]byte, len(m.Content))
	}
	buf = buf[:len(m.Content)]
	copy(buf, m.Content)
	m.Content = buf
	return m
}

// Release returns m's content buffer to pool, if any. Call once a stored
// message has been fully consumed.
func (m Message) Release(pool *BufferPool) {
	if pool != nil && m.Content != nil {
		pool.Put(m.Content)
	}
}
