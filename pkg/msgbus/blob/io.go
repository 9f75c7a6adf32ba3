package blob

import "github.com/eagine-msgbus/go-msgbus/pkg/msgbus"

// SourceIO produces the bytes of one outgoing BLOB.
type SourceIO interface {
	// TotalSize is the full byte length of the BLOB.
	TotalSize() int64

	// FetchFragment copies up to len(dst) bytes starting at offset into
	// dst, returning how many were written.
	FetchFragment(offset int64, dst []byte) (n int, err error)
}

// PreparingSourceIO is implemented by streaming producers that need to
// report readiness progress before (or while) bytes can be fetched.
type PreparingSourceIO interface {
	SourceIO
	// Prepare reports current progress in [0,1] and whether preparation has
	// finished (progress == 1 implies done, but a producer may also finish
	// early with a non-1 progress in an error case).
	Prepare() (progress float32, done bool, err error)
}

// Info describes a completed or in-progress BLOB transfer, passed to
// TargetIO completion/cancellation callbacks.
type Info struct {
	SourceID     msgbus.EndpointID
	TargetID     msgbus.EndpointID
	SourceBlobID uint32
	TargetBlobID uint32
	TotalSize    int64
}

// TargetIO consumes the bytes of one incoming BLOB.
type TargetIO interface {
	// StoreFragment writes newly received bytes at offset.
	StoreFragment(offset int64, data []byte) error

	// CheckStored verifies that bytes already marked done at offset match
	// data (e.g. via hash/checksum), rather than re-writing them. Called
	// for idempotent replays of already-merged fragments.
	CheckStored(offset int64, data []byte) bool

	// HandleFinished is called exactly once when done-ranges collapse to
	// the whole BLOB.
	HandleFinished(id msgbus.MessageID, age int8, info Info)

	// HandleCancelled is called if the BLOB's age timeout expires before
	// completion.
	HandleCancelled()

	// HandlePrepared forwards a sender's prepare-progress update.
	HandlePrepared(progress float32)
}

// IOGetter obtains a TargetIO for a newly observed incoming BLOB. It
// returns nil to reject the transfer (e.g. totalSize exceeds the
// configured cap); no receive entry is created in that case.
type IOGetter func(id msgbus.MessageID, totalSize int64) TargetIO

// SendFunc enqueues one message for delivery to a specific endpoint (or
// broadcast, for Info.TargetID == 0); it is the manipulator's only way to
// talk to the outside world, breaking the router<->manipulator reference
// cycle per SPEC_FULL/DESIGN.md.
type SendFunc func(target msgbus.EndpointID, id msgbus.MessageID, view msgbus.Message) bool
