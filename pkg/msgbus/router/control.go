package router

import (
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/blob"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/security"
)

// dispatchControl handles one control-plane message received from an
// adopted node. It returns true if the message was fully handled (whether
// or not it also forwarded), false if the caller should fall through to
// ordinary forwarding (unknown special message).
func (r *Router) dispatchControl(from *routedNode, id msgbus.MessageID, msg msgbus.Message) bool {
	switch id.Method {
	case msgbus.MethodPing:
		return r.handlePing(from.id, msg)
	case msgbus.MethodPong:
		return r.handlePongOrForward(from.id, false, id, msg)
	case msgbus.MethodSubscribe:
		r.endpoints.Subscribe(from.id, decodeMessageID(msg.Content))
		r.routeMessage(from.id, false, id, msg)
		return true
	case msgbus.MethodUnsubFrom, msgbus.MethodNotSubTo:
		r.endpoints.Unsubscribe(from.id, decodeMessageID(msg.Content))
		r.routeMessage(from.id, false, id, msg)
		return true
	case msgbus.MethodQrySubscrb:
		r.handleQrySubscrb(from, id, msg)
		return true
	case msgbus.MethodQrySubscrp:
		r.handleQrySubscrp(from, msg)
		r.routeMessage(from.id, false, id, msg)
		return true
	case msgbus.MethodBlobFrgmnt:
		return r.handleBlobFragment(from.id, false, id, msg)
	case msgbus.MethodBlobResend:
		return r.handleBlobResend(from.id, false, id, msg)
	case msgbus.MethodRtrCertQry:
		return r.handleRtrCertQry(from.id, id, msg)
	case msgbus.MethodEptCertQry:
		return r.handleEptCertQry(from, id, msg)
	case msgbus.MethodTopoQuery:
		r.emitTopology(from.id)
		r.routeMessage(from.id, false, id, msg)
		return true
	case msgbus.MethodStatsQuery:
		r.emitStats(from.id)
		r.routeMessage(from.id, false, id, msg)
		return true
	case msgbus.MethodStillAlive:
		if _, instance, ok := decodeAnnounce(msg.Content); ok {
			r.endpoints.Observe(from.id, instance)
		}
		r.endpoints.Touch(from.id)
		r.routeMessage(from.id, false, id, msg)
		return true
	case msgbus.MethodByeByeEndp, msgbus.MethodByeByeRutr, msgbus.MethodByeByeBrdg:
		from.doDisconnect = id.Method == msgbus.MethodByeByeEndp
		r.endpoints.Forget(from.id)
		r.routeMessage(from.id, false, id, msg)
		return true
	case msgbus.MethodNotARouter:
		from.maybeRouter = false
		return true
	case msgbus.MethodMsgBlkList:
		from.filter.blockID(decodeMessageID(msg.Content))
		return true
	case msgbus.MethodMsgAlwList:
		from.filter.allowID(decodeMessageID(msg.Content))
		return true
	case msgbus.MethodClrBlkList:
		from.filter.clearBlock()
		return true
	case msgbus.MethodClrAlwList:
		from.filter.clearAllow()
		return true
	case msgbus.MethodAssignID, msgbus.MethodConfirmID, msgbus.MethodAnnounceID, msgbus.MethodAnnEndptID, msgbus.MethodRequestID:
		// Admission handshake: consumed only during the pending phase;
		// an adopted node re-sending one of these (e.g. after a restart)
		// is treated as a re-announce.
		if id.Method == msgbus.MethodAnnounceID || id.Method == msgbus.MethodAnnEndptID {
			r.endpoints.Forget(from.id)
		}
		return true
	case msgbus.MethodMsgFlowInf:
		return true
	default:
		return false
	}
}

// dispatchParentControl mirrors dispatchControl for messages received over
// the parent uplink; only the "common" subset applies there (no admission
// handshake, no filter edits — the parent link isn't a routed node).
func (r *Router) dispatchParentControl(id msgbus.MessageID, msg msgbus.Message) bool {
	switch id.Method {
	case msgbus.MethodPing:
		return r.handlePing(msgbus.Broadcast, msg)
	case msgbus.MethodPong:
		return r.handlePongOrForward(msgbus.Broadcast, true, id, msg)
	case msgbus.MethodReqRutrPwd:
		r.answerParentPasswordChallenge(msg.Content)
		return true
	case msgbus.MethodConfirmID:
		r.mu.Lock()
		if r.parent != nil {
			r.parent.confirmedID = msg.Header.TargetID
			r.parent.confirmed = true
		}
		r.mu.Unlock()
		return true
	case msgbus.MethodBlobFrgmnt:
		return r.handleBlobFragment(msgbus.Broadcast, true, id, msg)
	case msgbus.MethodBlobResend:
		return r.handleBlobResend(msgbus.Broadcast, true, id, msg)
	case msgbus.MethodMsgFlowInf:
		return true
	default:
		return false
	}
}

func (r *Router) handlePing(incoming msgbus.EndpointID, msg msgbus.Message) bool {
	if msg.Header.TargetID != r.selfID {
		r.routeMessage(incoming, incoming == msgbus.Broadcast, msgbus.Ctrl(msgbus.MethodPing), msg)
		return true
	}
	reply := msgbus.Message{Header: msgbus.Header{SourceID: r.selfID, TargetID: msg.Header.SourceID, SequenceNo: msg.Header.SequenceNo, Priority: msg.Header.Priority}}
	r.mu.RLock()
	n, ok := r.nodes[msg.Header.SourceID]
	r.mu.RUnlock()
	if ok {
		n.conn.Send(msgbus.Ctrl(msgbus.MethodPong), reply)
	}
	return true
}

func (r *Router) handlePongOrForward(incoming msgbus.EndpointID, fromParent bool, id msgbus.MessageID, msg msgbus.Message) bool {
	if msg.Header.TargetID == r.selfID {
		return true // a pong addressed to the router itself is consumed silently
	}
	r.routeMessage(incoming, fromParent, id, msg)
	return true
}

func (r *Router) handleQrySubscrb(from *routedNode, id msgbus.MessageID, msg msgbus.Message) {
	target, mid := decodeSubscriptionQuery(msg.Content)
	if sub, known := r.endpoints.IsSubscribed(target, mid); known {
		method := msgbus.MethodNotSubTo
		if sub {
			method = msgbus.MethodSubscribe
		}
		reply := msgbus.Message{
			Header:  msgbus.Header{SourceID: target, TargetID: msg.Header.SourceID, Priority: msgbus.PriorityNormal},
			Content: encodeMessageID(mid),
		}
		r.mu.RLock()
		n, ok := r.nodes[msg.Header.SourceID]
		r.mu.RUnlock()
		if ok {
			n.conn.Send(msgbus.Ctrl(method), reply)
		}
	}
	r.routeMessage(from.id, false, id, msg)
}

func (r *Router) handleQrySubscrp(from *routedNode, msg msgbus.Message) {
	target := decodeEndpointID(msg.Content)
	for _, mid := range r.endpoints.Subscriptions(target) {
		reply := msgbus.Message{
			Header:  msgbus.Header{SourceID: target, TargetID: msg.Header.SourceID, Priority: msgbus.PriorityNormal},
			Content: encodeMessageID(mid),
		}
		r.mu.RLock()
		n, ok := r.nodes[msg.Header.SourceID]
		r.mu.RUnlock()
		if ok {
			n.conn.Send(msgbus.Ctrl(msgbus.MethodSubscribe), reply)
		}
	}
}

func (r *Router) handleBlobFragment(incoming msgbus.EndpointID, fromParent bool, id msgbus.MessageID, msg msgbus.Message) bool {
	if msg.Header.TargetID != r.selfID {
		r.routeMessage(incoming, fromParent, id, msg)
		return true
	}
	if _, err := r.manipulator.ProcessIncoming(msg.Header.SourceID, msg.Content, msg.Header.AgeQuarterSec); err != nil {
		r.log.Error().Err(err).Msg("dropping malformed blob fragment")
	}
	return true
}

func (r *Router) handleBlobResend(incoming msgbus.EndpointID, fromParent bool, id msgbus.MessageID, msg msgbus.Message) bool {
	if msg.Header.TargetID != r.selfID {
		r.routeMessage(incoming, fromParent, id, msg)
		return true
	}
	if err := r.manipulator.HandleResendRequest(msg.Header.SourceID, msg.Content); err != nil {
		r.log.Debug().Err(err).Msg("dropping malformed resend request")
	}
	return true
}

func (r *Router) handleRtrCertQry(incoming msgbus.EndpointID, id msgbus.MessageID, msg msgbus.Message) bool {
	if msg.Header.TargetID != r.selfID {
		r.routeMessage(incoming, false, id, msg)
		return true
	}
	if len(r.ctx.CertPEM) == 0 {
		return true
	}
	r.manipulator.PushOutgoing(msgbus.Ctrl(msgbus.MethodRtrCertQry), r.selfID, msg.Header.SourceID, msgbus.PriorityNormal, certSource{r.ctx.CertPEM}, 0, 0)
	return true
}

func (r *Router) handleEptCertQry(from *routedNode, id msgbus.MessageID, msg msgbus.Message) bool {
	target := msg.Header.TargetID
	r.mu.RLock()
	cert, known := r.endpointCerts[target]
	r.mu.RUnlock()
	if !known {
		r.routeMessage(from.id, false, id, msg)
		return true
	}
	r.manipulator.PushOutgoing(msgbus.Ctrl(msgbus.MethodEptCertQry), target, msg.Header.SourceID, msgbus.PriorityNormal, certSource{cert}, 0, 0)
	return true
}

type certSource struct{ data []byte }

func (c certSource) TotalSize() int64 { return int64(len(c.data)) }
func (c certSource) FetchFragment(offset int64, dst []byte) (int, error) {
	return copy(dst, c.data[offset:]), nil
}

var _ blob.SourceIO = certSource{}

func (r *Router) answerParentPasswordChallenge(nonce []byte) {
	r.mu.RLock()
	p := r.parent
	r.mu.RUnlock()
	if p == nil {
		return
	}
	ciphertext, err := security.EncryptNonce(nonce, p.secret)
	if err != nil {
		r.log.Error().Err(err).Msg("encrypting parent password challenge")
		return
	}
	reply := msgbus.Message{Header: msgbus.Header{SourceID: r.selfID, Priority: msgbus.PriorityHigh}, Content: ciphertext}
	p.conn.Send(msgbus.Ctrl(msgbus.MethodEncRutrPwd), reply)
}

// getTargetIO is consulted by the router's own BLOB manipulator for
// fragments addressed to the router itself. It returns nil, and the router
// registers no ExpectIncoming entries, so every BLOB addressed to the
// router is rejected.
func (r *Router) getTargetIO(msgbus.MessageID, int64) blob.TargetIO { return nil }
