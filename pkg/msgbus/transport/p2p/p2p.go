// Package p2p implements a msgbus.Connection/Acceptor pair over a
// github.com/libp2p/go-libp2p Host: each router or endpoint peer is one
// libp2p stream carrying length-prefixed wire frames produced by
// pkg/msgbus.EncodeMessage/DecodeMessage.
package p2p

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
	"github.com/rs/zerolog"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// ProtocolID is the libp2p protocol this transport speaks.
const ProtocolID protocol.ID = "/eagine-msgbus/1.0.0"

// DefaultMaxDataSize is the max_data_size() a p2p connection reports.
const DefaultMaxDataSize = 60 * 1024

const maxFrameSize = 16 * 1024 * 1024

// DefaultQueueDepth bounds in-flight messages buffered in each direction.
const DefaultQueueDepth = 256

// CertificateFingerprint derives a content-addressed id for a PEM
// certificate blob, used to name it in rtrCertQry/eptCertQry exchanges
// without pinning a particular hash to the wire format.
func CertificateFingerprint(pem []byte) (cid.Cid, error) {
	digest, err := mh.Sum(pem, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("p2p: hashing certificate: %w", err)
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}

type wireFrame struct {
	id   msgbus.MessageID
	msg  msgbus.Message
	size int
}

// Connection wraps one libp2p network.Stream.
type Connection struct {
	stream network.Stream
	log    zerolog.Logger

	maxDataSize int
	outbox      chan wireFrame
	inbox       chan wireFrame
	closed      chan struct{}
	closeOnce   sync.Once

	usable int32
	stats  msgbus.ConnectionStatistics
}

// Wrap starts reader/writer goroutines over stream and returns the
// resulting Connection.
func Wrap(stream network.Stream, maxDataSize int, log zerolog.Logger) *Connection {
	if maxDataSize <= 0 {
		maxDataSize = DefaultMaxDataSize
	}
	c := &Connection{
		stream:      stream,
		log:         log.With().Str("component", "p2p_connection").Str("peer", stream.Conn().RemotePeer().String()).Logger(),
		maxDataSize: maxDataSize,
		outbox:      make(chan wireFrame, DefaultQueueDepth),
		inbox:       make(chan wireFrame, DefaultQueueDepth),
		closed:      make(chan struct{}),
		usable:      1,
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Connection) readLoop() {
	defer c.markUnusable()
	r := bufio.NewReader(c.stream)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameSize {
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		msg, err := msgbus.DecodeMessage(buf)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping frame with malformed header")
			continue
		}
		stored := msg.Stored(nil)
		select {
		case c.inbox <- wireFrame{id: stored.ID, msg: stored, size: len(buf)}:
		case <-c.closed:
			return
		}
	}
}

// writeLoop drains c.outbox into a msgbus.FrameStore and bin-packs whatever
// has queued up by the time the stream is ready to write into as few
// Write/Flush calls as possible (spec §4.2's byte-packing), instead of one
// write+flush per message. Each queued entry is pre-framed with its own
// 4-byte length prefix before being stored, so the reader's length-prefixed
// parsing is unaffected by how many frames a given Write happened to batch.
func (c *Connection) writeLoop() {
	w := bufio.NewWriter(c.stream)
	store := msgbus.NewFrameStore(nil)
	for {
		select {
		case f := <-c.outbox:
			n := c.enqueueFramed(store, f)
		drain:
			for {
				select {
				case f2 := <-c.outbox:
					n += c.enqueueFramed(store, f2)
				default:
					break drain
				}
			}
			if !c.flushStore(w, store, n) {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// enqueueFramed encodes f and appends it, already length-prefixed, to store.
// It returns 1 on success and 0 if f failed to encode (dropped, as the
// previous per-message writeLoop also did).
func (c *Connection) enqueueFramed(store *msgbus.FrameStore, f wireFrame) int {
	buf, err := msgbus.EncodeMessage(nil, f.msg)
	if err != nil {
		return 0
	}
	framed := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(buf)))
	copy(framed[4:], buf)
	store.Add(framed)
	return 1
}

// flushStore packs store's queued frames into maxFrameSize-sized writes and
// flushes once per batch, crediting sentCount messages worth of stats to
// the connection. maxFrameSize bounds each PackInto call so a single frame
// can never be too large to ever pack.
func (c *Connection) flushStore(w *bufio.Writer, store *msgbus.FrameStore, sentCount int) bool {
	var written int
	for store.Len() > 0 {
		buf, packed, used := store.PackInto(nil, maxFrameSize)
		if used == 0 {
			break
		}
		if _, err := w.Write(buf); err != nil {
			c.markUnusable()
			return false
		}
		store.Cleanup(packed)
		written += used
	}
	if err := w.Flush(); err != nil {
		c.markUnusable()
		return false
	}
	if sentCount > 0 {
		atomic.AddUint64(&c.stats.MessagesSent, uint64(sentCount))
		atomic.AddUint64(&c.stats.BytesSent, uint64(written))
	}
	return true
}

func (c *Connection) markUnusable() { atomic.StoreInt32(&c.usable, 0) }

// Send implements msgbus.Connection.
func (c *Connection) Send(id msgbus.MessageID, view msgbus.Message) bool {
	if atomic.LoadInt32(&c.usable) == 0 {
		return false
	}
	view.ID = id
	select {
	case c.outbox <- wireFrame{id: id, msg: view.Stored(nil)}:
		return true
	default:
		return false
	}
}

// FetchMessages implements msgbus.Connection.
func (c *Connection) FetchMessages(handler msgbus.MessageHandler) bool {
	workDone := false
	for {
		select {
		case f := <-c.inbox:
			atomic.AddUint64(&c.stats.MessagesReceived, 1)
			atomic.AddUint64(&c.stats.BytesReceived, uint64(f.size))
			handler(f.id, f.msg.Header.AgeQuarterSec, f.msg)
			workDone = true
		default:
			return workDone
		}
	}
}

// Update implements msgbus.Connection; I/O happens on background
// goroutines.
func (c *Connection) Update() bool { return false }

// MaxDataSize implements msgbus.Connection.
func (c *Connection) MaxDataSize() int { return c.maxDataSize }

// IsUsable implements msgbus.Connection.
func (c *Connection) IsUsable() bool { return atomic.LoadInt32(&c.usable) != 0 }

// Kind implements msgbus.Connection.
func (c *Connection) Kind() msgbus.ConnectionKind { return msgbus.ConnRemoteInterprocess }

// TypeID implements msgbus.Connection.
func (c *Connection) TypeID() string { return "libp2p" }

// QueryStatistics implements msgbus.Connection.
func (c *Connection) QueryStatistics(stats *msgbus.ConnectionStatistics) {
	stats.MessagesSent = atomic.LoadUint64(&c.stats.MessagesSent)
	stats.MessagesReceived = atomic.LoadUint64(&c.stats.MessagesReceived)
	stats.BytesSent = atomic.LoadUint64(&c.stats.BytesSent)
	stats.BytesReceived = atomic.LoadUint64(&c.stats.BytesReceived)
	stats.BlockCount = atomic.LoadUint64(&c.stats.BlockCount)
}

// Cleanup implements msgbus.Connection.
func (c *Connection) Cleanup() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stream.Close()
	})
}

var _ msgbus.Connection = (*Connection)(nil)

// Acceptor wraps a libp2p Host, handing every inbound stream opened on
// ProtocolID to the router as a new Connection.
type Acceptor struct {
	host        host.Host
	log         zerolog.Logger
	accepted    chan *Connection
	maxDataSize int
}

// NewAcceptor starts a libp2p host listening on listenAddrs (multiaddr
// strings, e.g. "/ip4/0.0.0.0/tcp/4001") and registers the msgbus stream
// handler on it.
func NewAcceptor(listenAddrs []string, maxDataSize int, log zerolog.Logger) (*Acceptor, error) {
	addrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
	for _, s := range listenAddrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("p2p: parsing listen addr %q: %w", s, err)
		}
		addrs = append(addrs, ma)
	}
	h, err := libp2p.New(libp2p.ListenAddrs(addrs...))
	if err != nil {
		return nil, fmt.Errorf("p2p: constructing host: %w", err)
	}
	a := &Acceptor{
		host:        h,
		log:         log.With().Str("component", "p2p_acceptor").Logger(),
		accepted:    make(chan *Connection, 64),
		maxDataSize: maxDataSize,
	}
	h.SetStreamHandler(ProtocolID, a.handleStream)
	return a, nil
}

func (a *Acceptor) handleStream(s network.Stream) {
	a.accepted <- Wrap(s, a.maxDataSize, a.log)
}

// Dial opens an outbound stream to peerID (already known to the host's
// peerstore, e.g. via an out-of-band address exchange) and wraps it as a
// Connection, for establishing a parent-router uplink.
func (a *Acceptor) Dial(ctx context.Context, peerID peer.ID) (*Connection, error) {
	s, err := a.host.NewStream(ctx, peerID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("p2p: dialing %s: %w", peerID, err)
	}
	return Wrap(s, a.maxDataSize, a.log), nil
}

// Update implements msgbus.Acceptor; libp2p's own event loop drives I/O.
func (a *Acceptor) Update() bool { return false }

// ProcessAccepted implements msgbus.Acceptor.
func (a *Acceptor) ProcessAccepted(handler msgbus.AcceptedHandler) bool {
	workDone := false
	for {
		select {
		case conn := <-a.accepted:
			handler(conn)
			workDone = true
		default:
			return workDone
		}
	}
}

// Close shuts down the libp2p host.
func (a *Acceptor) Close() error {
	return a.host.Close()
}

var _ msgbus.Acceptor = (*Acceptor)(nil)
