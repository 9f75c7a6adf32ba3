package msgbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortFrame is returned when a frame ends before a complete header (or a
// length-prefixed identifier/content field) has been read.
var ErrShortFrame = errors.New("msgbus: short frame")

// maxIdentLen bounds a wire identifier (class or method token) the way the
// spec's "short ASCII token, <= 10 chars" calls for, with headroom for
// forward compatibility.
const maxIdentLen = 16

// EncodeHeader writes id and h in the bit-stable wire order of SPEC_FULL.md
// §6: class, method, source, target, serializer, sequence, hop, age,
// priority, crypto flags. Each identifier is length-prefixed (1 byte) ASCII.
func EncodeHeader(dst []byte, id MessageID, h Header) ([]byte, error) {
	if len(id.Class) > maxIdentLen || len(id.Method) > maxIdentLen {
		return nil, fmt.Errorf("msgbus: identifier %q/%q exceeds %d bytes", id.Class, id.Method, maxIdentLen)
	}
	dst = append(dst, byte(len(id.Class)))
	dst = append(dst, id.Class...)
	dst = append(dst, byte(len(id.Method)))
	dst = append(dst, id.Method...)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(h.SourceID))
	dst = append(dst, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(h.TargetID))
	dst = append(dst, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], h.SerializerID)
	dst = append(dst, buf[:]...)
	binary.BigEndian.PutUint32(buf[:4], uint32(h.SequenceNo))
	dst = append(dst, buf[:4]...)
	dst = append(dst, byte(h.HopCount), byte(h.AgeQuarterSec), byte(h.Priority), byte(h.CryptoFlags))
	return dst, nil
}

// DecodeHeader reads a header written by EncodeHeader, returning the
// remaining bytes after it (the content). A malformed frame yields
// ErrShortFrame. The ws and p2p connections drop such a frame, log it at
// debug level and keep the connection open; the drop is not counted.
func DecodeHeader(src []byte) (id MessageID, h Header, rest []byte, err error) {
	read := func(n int) ([]byte, bool) {
		if len(src) < n {
			return nil, false
		}
		b := src[:n]
		src = src[n:]
		return b, true
	}

	lb, ok := read(1)
	if !ok {
		return id, h, nil, ErrShortFrame
	}
	classBytes, ok := read(int(lb[0]))
	if !ok {
		return id, h, nil, ErrShortFrame
	}
	id.Class = string(classBytes)

	lb, ok = read(1)
	if !ok {
		return id, h, nil, ErrShortFrame
	}
	methodBytes, ok := read(int(lb[0]))
	if !ok {
		return id, h, nil, ErrShortFrame
	}
	id.Method = string(methodBytes)

	b8, ok := read(8)
	if !ok {
		return id, h, nil, ErrShortFrame
	}
	h.SourceID = EndpointID(binary.BigEndian.Uint64(b8))

	b8, ok = read(8)
	if !ok {
		return id, h, nil, ErrShortFrame
	}
	h.TargetID = EndpointID(binary.BigEndian.Uint64(b8))

	b8, ok = read(8)
	if !ok {
		return id, h, nil, ErrShortFrame
	}
	h.SerializerID = binary.BigEndian.Uint64(b8)

	b4, ok := read(4)
	if !ok {
		return id, h, nil, ErrShortFrame
	}
	h.SequenceNo = SequenceNo(binary.BigEndian.Uint32(b4))

	tail, ok := read(4)
	if !ok {
		return id, h, nil, ErrShortFrame
	}
	h.HopCount = int8(tail[0])
	h.AgeQuarterSec = int8(tail[1])
	h.Priority = Priority(tail[2])
	h.CryptoFlags = CryptoFlags(tail[3])

	return id, h, src, nil
}

// EncodeMessage serializes a full message (header + content) into dst.
func EncodeMessage(dst []byte, m Message) ([]byte, error) {
	dst, err := EncodeHeader(dst, m.ID, m.Header)
	if err != nil {
		return nil, err
	}
	return append(dst, m.Content...), nil
}

// DecodeMessage is the inverse of EncodeMessage. The returned Message's
// Content aliases src; callers that must retain it should call m.Stored.
func DecodeMessage(src []byte) (Message, error) {
	id, h, rest, err := DecodeHeader(src)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Header: h, Content: rest}, nil
}
