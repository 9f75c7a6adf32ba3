package blob

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// ErrShortPayload is returned when a BLOB control payload is truncated.
var ErrShortPayload = errors.New("blob: short payload")

// FragmentHeader is the inner header carried by a blobFrgmnt message,
// followed by the fragment's data bytes.
type FragmentHeader struct {
	ID           msgbus.MessageID
	SourceBlobID uint32
	TargetBlobID uint32
	Offset       int64
	TotalSize    int64
	Options      uint16
}

// EncodeFragment writes h followed by data.
func EncodeFragment(dst []byte, h FragmentHeader, data []byte) ([]byte, error) {
	dst = append(dst, byte(len(h.ID.Class)))
	dst = append(dst, h.ID.Class...)
	dst = append(dst, byte(len(h.ID.Method)))
	dst = append(dst, h.ID.Method...)
	var b8 [8]byte
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], h.SourceBlobID)
	dst = append(dst, b4[:]...)
	binary.BigEndian.PutUint32(b4[:], h.TargetBlobID)
	dst = append(dst, b4[:]...)
	binary.BigEndian.PutUint64(b8[:], uint64(h.Offset))
	dst = append(dst, b8[:]...)
	binary.BigEndian.PutUint64(b8[:], uint64(h.TotalSize))
	dst = append(dst, b8[:]...)
	var b2 [2]byte
	binary.BigEndian.PutUint16(b2[:], h.Options)
	dst = append(dst, b2[:]...)
	return append(dst, data...), nil
}

// DecodeFragment is the inverse of EncodeFragment, validating the offset
// and size invariants from SPEC_FULL.md §6: 0 <= offset < total_size and
// fragment_size <= total_size - offset.
func DecodeFragment(src []byte) (FragmentHeader, []byte, error) {
	read := func(n int) ([]byte, bool) {
		if len(src) < n {
			return nil, false
		}
		b := src[:n]
		src = src[n:]
		return b, true
	}
	var h FragmentHeader
	lb, ok := read(1)
	if !ok {
		return h, nil, ErrShortPayload
	}
	cls, ok := read(int(lb[0]))
	if !ok {
		return h, nil, ErrShortPayload
	}
	h.ID.Class = string(cls)
	lb, ok = read(1)
	if !ok {
		return h, nil, ErrShortPayload
	}
	meth, ok := read(int(lb[0]))
	if !ok {
		return h, nil, ErrShortPayload
	}
	h.ID.Method = string(meth)

	b4, ok := read(4)
	if !ok {
		return h, nil, ErrShortPayload
	}
	h.SourceBlobID = binary.BigEndian.Uint32(b4)
	b4, ok = read(4)
	if !ok {
		return h, nil, ErrShortPayload
	}
	h.TargetBlobID = binary.BigEndian.Uint32(b4)
	b8, ok := read(8)
	if !ok {
		return h, nil, ErrShortPayload
	}
	h.Offset = int64(binary.BigEndian.Uint64(b8))
	b8, ok = read(8)
	if !ok {
		return h, nil, ErrShortPayload
	}
	h.TotalSize = int64(binary.BigEndian.Uint64(b8))
	b2, ok := read(2)
	if !ok {
		return h, nil, ErrShortPayload
	}
	h.Options = binary.BigEndian.Uint16(b2)

	if h.Offset < 0 || h.Offset >= h.TotalSize {
		return h, nil, errBadFragment
	}
	if int64(len(src)) > h.TotalSize-h.Offset {
		return h, nil, errBadFragment
	}
	return h, src, nil
}

var errBadFragment = errors.New("blob: fragment offset/size out of range")

// ResendRequest is the payload of a blobResend message: request
// retransmission of [Begin, End) of SourceBlobID. End == 0 means "to the
// end of the BLOB".
type ResendRequest struct {
	SourceBlobID uint32
	Begin        uint64
	End          uint64
}

func EncodeResendRequest(dst []byte, r ResendRequest) []byte {
	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], uint64(r.SourceBlobID))
	dst = append(dst, b8[:]...)
	binary.BigEndian.PutUint64(b8[:], r.Begin)
	dst = append(dst, b8[:]...)
	binary.BigEndian.PutUint64(b8[:], r.End)
	return append(dst, b8[:]...)
}

func DecodeResendRequest(src []byte) (ResendRequest, error) {
	if len(src) < 24 {
		return ResendRequest{}, ErrShortPayload
	}
	return ResendRequest{
		SourceBlobID: uint32(binary.BigEndian.Uint64(src[0:8])),
		Begin:        binary.BigEndian.Uint64(src[8:16]),
		End:          binary.BigEndian.Uint64(src[16:24]),
	}, nil
}

// PreparePayload is the payload of a blobPrpare message.
type PreparePayload struct {
	TargetBlobID uint64
	Progress     float32
}

func EncodePrepare(dst []byte, p PreparePayload) []byte {
	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], p.TargetBlobID)
	dst = append(dst, b8[:]...)
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], math.Float32bits(p.Progress))
	return append(dst, b4[:]...)
}

func DecodePrepare(src []byte) (PreparePayload, error) {
	if len(src) < 12 {
		return PreparePayload{}, ErrShortPayload
	}
	return PreparePayload{
		TargetBlobID: binary.BigEndian.Uint64(src[0:8]),
		Progress:     math.Float32frombits(binary.BigEndian.Uint32(src[8:12])),
	}, nil
}
