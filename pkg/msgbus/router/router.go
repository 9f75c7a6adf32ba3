// Package router implements the concurrent, multi-connection switching
// fabric described in spec.md §4: admission, id assignment, subscription
// tracking, forwarding, and BLOB hosting.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/blob"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/config"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/security"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/telemetry"
)

// Context bundles the collaborators a Router needs from its embedding
// application, in place of hidden globals (spec §9: "a single explicit
// main context value threaded through constructors").
type Context struct {
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
	Pool        *msgbus.BufferPool
	Verifier    func(nonce []byte, secret string, ciphertext []byte) bool
	CertPEM     []byte
	BlobSizeCap int64
}

func (c *Context) withDefaults() *Context {
	if c == nil {
		c = &Context{}
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewMetrics()
	}
	if c.Pool == nil {
		c.Pool = msgbus.NewBufferPool()
	}
	if c.Verifier == nil {
		c.Verifier = security.MatchesEncryptedSharedPassword
	}
	if c.BlobSizeCap == 0 {
		c.BlobSizeCap = msgbus.DefaultBlobSizeCap
	}
	return c
}

type routedNode struct {
	id           msgbus.EndpointID
	conn         msgbus.Connection
	filter       *nodeFilter
	maybeRouter  bool
	doDisconnect bool
}

type pendingConnection struct {
	conn             msgbus.Connection
	acceptedAt       time.Time
	id               msgbus.EndpointID
	maybeRouter      bool
	inProcess        bool
	passwordRequired bool
	passwordVerified bool
	nonce            []byte
}

// Router is the bus switching fabric: it admits connections, assigns
// endpoint ids, tracks subscriptions, and forwards messages.
type Router struct {
	mu sync.RWMutex

	cfg config.RouterConfig
	ctx *Context
	log zerolog.Logger

	selfID     msgbus.EndpointID
	idBase     uint64
	idCount    uint64
	idSequence uint64

	acceptors []msgbus.Acceptor
	pending   []*pendingConnection
	nodes     map[msgbus.EndpointID]*routedNode

	recentlyDisconnected map[msgbus.EndpointID]time.Time

	endpoints *RemoteNodeTracker

	manipulator   *blob.Manipulator
	endpointCerts map[msgbus.EndpointID][]byte

	parent *parentLink

	lastAliveAt time.Time

	// lastRouteAtNanos is the unix-nanos timestamp of the previous
	// routeMessage pass, read/written via sync/atomic so the forwarding hot
	// path never needs r.mu just to compute dwell time.
	lastRouteAtNanos int64

	instanceID msgbus.ProcessInstanceID

	stats routerStats

	workers *workerPool
}

type parentLink struct {
	conn         msgbus.Connection
	confirmedID  msgbus.EndpointID
	confirmed    bool
	passwordReqd bool
	secret       string
	lastAnnounce time.Time
}

// New constructs a Router from cfg and ctx. cfg.IDMajor/IDMinor combine into
// the router's host id the way spec §3 describes (base = host_id<<32 |
// minor); the router reserves "base" for itself and assigns ids starting
// at base+1.
func New(cfg config.RouterConfig, ctx *Context) (*Router, error) {
	if cfg.IDCount == 0 {
		return nil, fmt.Errorf("router: id_count must be > 0")
	}
	ctx = ctx.withDefaults()
	base := (uint64(cfg.IDMajor) << 32) | uint64(cfg.IDMinor)
	r := &Router{
		cfg:                  cfg,
		ctx:                  ctx,
		log:                  ctx.Logger.With().Str("component", "router").Logger(),
		selfID:               msgbus.EndpointID(base),
		idBase:               base,
		idCount:              uint64(cfg.IDCount),
		idSequence:           base + 1,
		nodes:                make(map[msgbus.EndpointID]*routedNode),
		recentlyDisconnected: make(map[msgbus.EndpointID]time.Time),
		endpoints:            NewRemoteNodeTracker(),
		endpointCerts:        make(map[msgbus.EndpointID][]byte),
		instanceID:           msgbus.ProcessInstanceID(uuid.New().ID()),
	}
	r.manipulator = blob.New(r.getTargetIO, blob.Options{SizeCap: ctx.BlobSizeCap})
	r.workers = newWorkerPool(cfg.WorkerThreshold)
	return r, nil
}

// SelfID returns the id this router reserves for itself (the base of its
// configured id range).
func (r *Router) SelfID() msgbus.EndpointID { return r.selfID }

// AddAcceptor attaches an acceptor. Acceptors must be added before the
// router starts processing and are never removed.
func (r *Router) AddAcceptor(a msgbus.Acceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acceptors = append(r.acceptors, a)
}

// SetParent attaches an uplink connection to another router, forming a
// tree. passwordSecret is used to answer that parent's reqRutrPwd
// challenge, if any.
func (r *Router) SetParent(conn msgbus.Connection, passwordSecret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parent = &parentLink{conn: conn, secret: passwordSecret}
}

// HasParent reports whether a parent uplink is attached.
func (r *Router) HasParent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parent != nil
}

// NodeCount returns the number of currently adopted nodes.
func (r *Router) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// DoWork drives one or more update passes (admission, routing, connection
// I/O), returning whether any pass made progress. It iterates up to
// maxIterations times while work remains, per spec §4.7.
func (r *Router) DoWork(maxIterations int) bool {
	any := false
	for i := 0; i < maxIterations; i++ {
		workDone := r.doMaintenance()
		workDone = r.routeAndUpdate() || workDone
		if workDone {
			any = true
		} else {
			break
		}
	}
	return any
}

// routeAndUpdate drives per-node FetchMessages/Update, choosing the serial
// or worker-pool path based on adopted node count (spec §4.4/§5).
func (r *Router) routeAndUpdate() bool {
	r.mu.RLock()
	nodes := make([]*routedNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	threshold := r.cfg.WorkerThreshold
	r.mu.RUnlock()

	if threshold <= 0 {
		threshold = 2
	}
	if len(nodes) > threshold {
		return r.workers.run(nodes, r.serviceNode)
	}
	workDone := false
	for _, n := range nodes {
		if r.serviceNode(n) {
			workDone = true
		}
	}
	return workDone
}

// serviceNode drains one node's incoming messages and drives its
// connection update. Forwarding (routeMessage) holds the router-wide read
// lock while it sends; a node whose connection is no longer usable is
// removed under the write lock.
func (r *Router) serviceNode(n *routedNode) bool {
	workDone := false
	if n.conn.FetchMessages(func(id msgbus.MessageID, age int8, view msgbus.Message) bool {
		workDone = true
		r.handleIncoming(n, id, age, view)
		return true
	}) {
		workDone = true
	}
	if n.conn.Update() {
		workDone = true
	}
	if !n.conn.IsUsable() {
		r.mu.Lock()
		r.removeNodeLocked(n.id)
		r.mu.Unlock()
	}
	return workDone
}

func (r *Router) removeNodeLocked(id msgbus.EndpointID) {
	if n, ok := r.nodes[id]; ok {
		n.conn.Cleanup()
		delete(r.nodes, id)
		r.recentlyDisconnected[id] = time.Now()
		if r.ctx.Metrics != nil {
			r.ctx.Metrics.AdoptedNodes.Set(float64(len(r.nodes)))
		}
	}
}

// Finish broadcasts byeByeRutr, drains output for up to drain, then calls
// Cleanup on every adopted connection exactly once (spec §5 shutdown).
func (r *Router) Finish(drain time.Duration) {
	r.mu.Lock()
	nodes := make([]*routedNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.Unlock()

	bye := msgbus.Message{ID: msgbus.Ctrl(msgbus.MethodByeByeRutr), Header: msgbus.Header{SourceID: r.selfID, TargetID: msgbus.Broadcast, Priority: msgbus.PriorityHigh}}
	for _, n := range nodes {
		n.conn.Send(bye.ID, bye)
	}

	deadline := time.Now().Add(drain)
	for time.Now().Before(deadline) {
		workDone := false
		for _, n := range nodes {
			if n.conn.Update() {
				workDone = true
			}
		}
		if !workDone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, n := range r.nodes {
		n.conn.Cleanup()
		delete(r.nodes, id)
	}
	if r.parent != nil && r.parent.conn != nil {
		r.parent.conn.Cleanup()
	}
}
