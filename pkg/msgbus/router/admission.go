package router

import (
	"time"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/security"
)

// getNextID scans forward through the router's configured id range for an
// id not currently in use by an adopted or recently-disconnected node,
// wrapping once. It returns 0 (the invariant "never issues 0") if a full
// cycle finds nothing free.
func (r *Router) getNextID() msgbus.EndpointID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idCount < 2 {
		return msgbus.Broadcast
	}
	start := r.idSequence
	for i := uint64(0); i < r.idCount; i++ {
		candidate := r.idBase + 1 + ((start - r.idBase - 1 + i) % (r.idCount - 1))
		id := msgbus.EndpointID(candidate)
		if id == r.selfID {
			continue
		}
		if _, busy := r.nodes[id]; busy {
			continue
		}
		if _, recent := r.recentlyDisconnected[id]; recent {
			continue
		}
		r.idSequence = candidate + 1
		return id
	}
	return msgbus.Broadcast
}

// handleAccept pumps every acceptor, wrapping newly accepted connections as
// pending admissions.
func (r *Router) handleAccept() bool {
	r.mu.RLock()
	acceptors := append([]msgbus.Acceptor(nil), r.acceptors...)
	r.mu.RUnlock()

	workDone := false
	for _, a := range acceptors {
		if a.Update() {
			workDone = true
		}
		if a.ProcessAccepted(func(conn msgbus.Connection) {
			workDone = true
			pc := &pendingConnection{
				conn:             conn,
				acceptedAt:       time.Now(),
				passwordRequired: r.cfg.RequiresPassword && conn.Kind() != msgbus.ConnInProcess,
				inProcess:        conn.Kind() == msgbus.ConnInProcess,
			}
			r.mu.Lock()
			r.pending = append(r.pending, pc)
			if r.ctx.Metrics != nil {
				r.ctx.Metrics.PendingConns.Set(float64(len(r.pending)))
			}
			r.mu.Unlock()
		}) {
			workDone = true
		}
	}
	return workDone
}

// handlePending drives every pending connection's admission state machine:
// accepted -> pending -> has-id -> adopted, dropping entries that time out.
func (r *Router) handlePending() bool {
	r.mu.RLock()
	pendings := append([]*pendingConnection(nil), r.pending...)
	r.mu.RUnlock()

	workDone := false
	var toDrop []*pendingConnection
	var toAdopt []*pendingConnection

	for _, pc := range pendings {
		if pc.conn.Update() {
			workDone = true
		}
		if pc.conn.FetchMessages(func(id msgbus.MessageID, age int8, view msgbus.Message) bool {
			workDone = true
			r.handlePendingMessage(pc, id, view)
			return true
		}) {
			workDone = true
		}

		if time.Since(pc.acceptedAt) > r.cfg.PendingTimeout {
			r.log.Warn().Str("reason", "pending_timeout").Msg("dropping pending connection")
			toDrop = append(toDrop, pc)
			continue
		}
		if !pc.conn.IsUsable() {
			toDrop = append(toDrop, pc)
			continue
		}
		if pc.id != msgbus.Broadcast && (!pc.passwordRequired || pc.passwordVerified) {
			toAdopt = append(toAdopt, pc)
		}
	}

	if len(toDrop) > 0 || len(toAdopt) > 0 {
		r.mu.Lock()
		remaining := r.pending[:0]
		drop := make(map[*pendingConnection]bool, len(toDrop))
		for _, pc := range toDrop {
			drop[pc] = true
		}
		adopt := make(map[*pendingConnection]bool, len(toAdopt))
		for _, pc := range toAdopt {
			adopt[pc] = true
		}
		for _, pc := range r.pending {
			switch {
			case drop[pc]:
				pc.conn.Cleanup()
			case adopt[pc]:
				r.adoptLocked(pc)
			default:
				remaining = append(remaining, pc)
			}
		}
		r.pending = remaining
		if r.ctx.Metrics != nil {
			r.ctx.Metrics.PendingConns.Set(float64(len(r.pending)))
			r.ctx.Metrics.AdoptedNodes.Set(float64(len(r.nodes)))
		}
		r.mu.Unlock()
		workDone = true
	}
	return workDone
}

func (r *Router) adoptLocked(pc *pendingConnection) {
	n := &routedNode{id: pc.id, conn: pc.conn, filter: newNodeFilter(), maybeRouter: pc.maybeRouter}
	r.nodes[pc.id] = n
	confirm := msgbus.Message{Header: msgbus.Header{SourceID: r.selfID, TargetID: pc.id, Priority: msgbus.PriorityHigh}}
	pc.conn.Send(msgbus.Ctrl(msgbus.MethodConfirmID), confirm)
}

// handlePendingMessage processes one admission-phase message: requestId,
// announceId/annEndptId, or encRutrPwd.
func (r *Router) handlePendingMessage(pc *pendingConnection, id msgbus.MessageID, view msgbus.Message) {
	if !id.IsSpecial() {
		return
	}
	switch id.Method {
	case msgbus.MethodRequestID:
		newID := r.getNextID()
		pc.id = newID
		reply := msgbus.Message{Header: msgbus.Header{SourceID: r.selfID, TargetID: newID, Priority: msgbus.PriorityHigh}}
		pc.conn.Send(msgbus.Ctrl(msgbus.MethodAssignID), reply)
		r.maybeChallengePassword(pc)

	case msgbus.MethodAnnounceID, msgbus.MethodAnnEndptID:
		// Both are entry points to the same admission state: the peer
		// self-announces an id it already has (a non-endpoint peer via
		// announceId, an endpoint peer via annEndptId).
		announced, instance, hasInstance := decodeAnnounce(view.Content)
		pc.id = announced
		pc.maybeRouter = id.Method == msgbus.MethodAnnounceID
		if hasInstance {
			r.endpoints.Observe(announced, instance)
		}
		r.maybeChallengePassword(pc)

	case msgbus.MethodEncRutrPwd:
		if pc.nonce == nil {
			return
		}
		if r.ctx.Verifier(pc.nonce, r.cfg.Password, view.Content) {
			pc.passwordVerified = true
		} else {
			r.log.Warn().Msg("password verification failed for pending connection")
		}
	}
}

func (r *Router) maybeChallengePassword(pc *pendingConnection) {
	if !pc.passwordRequired {
		pc.passwordVerified = true
		return
	}
	nonce, err := security.NewNonce()
	if err != nil {
		r.log.Error().Err(err).Msg("generating password nonce")
		return
	}
	pc.nonce = nonce
	challenge := msgbus.Message{Header: msgbus.Header{SourceID: r.selfID, TargetID: pc.id, Priority: msgbus.PriorityHigh}, Content: nonce}
	pc.conn.Send(msgbus.Ctrl(msgbus.MethodReqRutrPwd), challenge)
}

func decodeEndpointID(content []byte) msgbus.EndpointID {
	var v uint64
	for _, b := range content {
		v = v<<8 | uint64(b)
	}
	return msgbus.EndpointID(v)
}

// decodeAnnounce splits an announceId/annEndptId payload into the
// self-announced endpoint id and, if the peer appended one, its process
// instance id (8 bytes each, big-endian).
func decodeAnnounce(content []byte) (id msgbus.EndpointID, instance msgbus.ProcessInstanceID, hasInstance bool) {
	if len(content) < 8 {
		return msgbus.Broadcast, 0, false
	}
	id = decodeEndpointID(content[:8])
	if len(content) < 16 {
		return id, 0, false
	}
	var v uint64
	for _, b := range content[8:16] {
		v = v<<8 | uint64(b)
	}
	return id, msgbus.ProcessInstanceID(v), true
}

func encodeEndpointID(id msgbus.EndpointID) []byte {
	v := uint64(id)
	return []byte{byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
