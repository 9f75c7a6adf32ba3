// Package msgbus implements the core types of the eagiMsgBus-style message
// bus: identifiers, the wire message, priority queues, and the connection
// contract routers and endpoints are built on.
package msgbus

import "fmt"

// EndpointID is the 64-bit identifier a router assigns to each endpoint or
// sub-router it adopts. Zero is the broadcast/anonymous sentinel.
type EndpointID uint64

// Broadcast is the target id meaning "every adopted node", and the source id
// meaning "anonymous sender".
const Broadcast EndpointID = 0

// IsBroadcast reports whether id is the broadcast/anonymous sentinel.
func (id EndpointID) IsBroadcast() bool { return id == Broadcast }

func (id EndpointID) String() string { return fmt.Sprintf("%d", uint64(id)) }

// HostID identifies the physical or virtual host a router runs on. Endpoint
// id ranges are conventionally derived from it: base = (hostID << 32) | minor.
type HostID uint32

// ProcessInstanceID is a per-process nonce that lets a router detect a peer
// restart and invalidate cached subscriptions for that peer.
type ProcessInstanceID uint64

// SequenceNo is a sender-chosen request/response correlation number.
type SequenceNo uint32

// MessageID identifies a message class/method pair, e.g. ("eagiMsgBus",
// "ping"). Equality is by both components.
type MessageID struct {
	Class  string
	Method string
}

func (id MessageID) String() string { return id.Class + "." + id.Method }

// ControlClass is the reserved class of bus-internal control messages.
// Messages in this class are "special": never subject to subscriber
// block/allow filters, and typically consumed by the router itself.
const ControlClass = "eagiMsgBus"

// IsSpecial reports whether id belongs to the reserved control-plane class.
func (id MessageID) IsSpecial() bool { return id.Class == ControlClass }

// Control message method identifiers, all in ControlClass.
const (
	MethodPing       = "ping"
	MethodPong       = "pong"
	MethodSubscribe  = "subscribTo"
	MethodUnsubFrom  = "unsubFrom"
	MethodNotSubTo   = "notSubTo"
	MethodQrySubscrb = "qrySubscrb"
	MethodQrySubscrp = "qrySubscrp"
	MethodBlobFrgmnt = "blobFrgmnt"
	MethodBlobResend = "blobResend"
	MethodBlobPrpare = "blobPrpare"
	MethodRtrCertQry = "rtrCertQry"
	MethodEptCertQry = "eptCertQry"
	MethodTopoQuery  = "topoQuery"
	MethodTopoRutrCn = "topoRutrCn"
	MethodStatsQuery = "statsQuery"
	MethodStatsRutr  = "statsRutr"
	MethodStatsConn  = "statsConn"
	MethodReqRutrPwd = "reqRutrPwd"
	MethodEncRutrPwd = "encRutrPwd"
	MethodStillAlive = "stillAlive"
	MethodByeByeEndp = "byeByeEndp"
	MethodByeByeRutr = "byeByeRutr"
	MethodByeByeBrdg = "byeByeBrdg"
	MethodNotARouter = "notARouter"
	MethodMsgBlkList = "msgBlkList"
	MethodMsgAlwList = "msgAlwList"
	MethodClrBlkList = "clrBlkList"
	MethodClrAlwList = "clrAlwList"
	MethodAssignID   = "assignId"
	MethodConfirmID  = "confirmId"
	MethodAnnounceID = "announceId"
	MethodAnnEndptID = "annEndptId"
	MethodRequestID  = "requestId"
	MethodMsgFlowInf = "msgFlowInf"
)

// Ctrl builds a MessageID in the reserved control-plane class.
func Ctrl(method string) MessageID { return MessageID{Class: ControlClass, Method: method} }

// Priority orders messages for delivery; higher values are served first.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// StaleAfterQuarterSeconds returns the age threshold, in quarter-second
// units, past which a message of this priority is considered stale and
// should be dropped by a router. High and critical priority never go stale
// this way (math.MaxInt8, the field's clamp ceiling).
func (p Priority) StaleAfterQuarterSeconds() int8 {
	switch p {
	case PriorityIdle:
		return 40
	case PriorityLow:
		return 80
	case PriorityNormal:
		return 120
	default:
		return 127
	}
}

// CryptoFlags is a bitfield carried in every message header.
type CryptoFlags uint8

const (
	CryptoAsymmetric   CryptoFlags = 1 << 0
	CryptoSignedHeader CryptoFlags = 1 << 1
	CryptoSignedContent CryptoFlags = 1 << 2
)

func (f CryptoFlags) Has(bit CryptoFlags) bool { return f&bit != 0 }

// ConnectionKind classifies how a connection reaches its peer, used for
// topoQuery replies.
type ConnectionKind uint8

const (
	ConnUnknown ConnectionKind = iota
	ConnInProcess
	ConnLocalInterprocess
	ConnRemoteInterprocess
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnInProcess:
		return "in-process"
	case ConnLocalInterprocess:
		return "local-ipc"
	case ConnRemoteInterprocess:
		return "remote"
	default:
		return "unknown"
	}
}

// MaxHopCount is the hop count at which a message is dropped rather than
// forwarded one more time.
const MaxHopCount = 64

// MinConnectionDataSize is the minimum max_data_size a connection may report;
// large enough to carry a BLOB fragment header plus a nontrivial chunk.
const MinConnectionDataSize = 1024

// DefaultBlobSizeCap is the default maximum accepted BLOB size.
const DefaultBlobSizeCap = 128 * 1024 * 1024
