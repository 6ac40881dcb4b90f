package membership

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
)

// Membership is one node's view of the SWIM-style cluster: its node table,
// probe/gossip/push-pull schedulers, and the broadcast queue they share
// with the upper (cluster) layer via Delegate.
type Membership struct {
	config *Config
	logger *log.Logger

	transport *Transport
	keyring   *Keyring

	delegate         Delegate
	eventDelegate    EventDelegate
	conflictDelegate ConflictDelegate
	mergeDelegate    MergeDelegate
	pingDelegate     PingDelegate

	nodeLock sync.RWMutex
	nodeMap  map[string]*nodeState
	nodes    []*nodeState

	numNodes int32 // atomic, mirrors len(nodes) for lock-free reads

	incarnation uint32 // atomic, local node's own incarnation
	sequenceNum uint32 // atomic, next probe sequence number

	probeIndex int

	ackLock     sync.Mutex
	ackHandlers map[uint32]*ackHandler

	suspicionLock sync.Mutex
	suspicions    map[string]*suspicion

	broadcasts *Queue

	leaveLock   sync.Mutex
	leaving     bool
	leaveBroadcastCh chan struct{}

	degraded int32 // atomic consecutive probe-cycle failure count

	shutdownLock sync.Mutex
	shutdownCh   chan struct{}
	shutdown     int32 // atomic
	wg           sync.WaitGroup
}

// ackHandler correlates an outstanding ping/indirect-ping by sequence
// number to the channels its caller is waiting on, and to a timer that
// cleans it up if nothing ever arrives.
type ackHandler struct {
	ackCh  chan ackMessage
	nackCh chan struct{}
	timer  *time.Timer
}

type ackMessage struct {
	Complete bool
	Payload  []byte
	RTT      time.Duration
}

// Create starts a Membership listening per config and wires delegate as the
// upper-layer callback surface. Any of the optional delegate interfaces
// (EventDelegate, ConflictDelegate, MergeDelegate, PingDelegate) may be nil.
func Create(config *Config, delegate Delegate, keyring *Keyring) (*Membership, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	transport, err := NewTransport(config.BindAddr, config.BindPort)
	if err != nil {
		return nil, err
	}

	logOutput := config.LogOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}

	m := &Membership{
		config:           config,
		logger:           log.New(logOutput, "membership: ", log.LstdFlags),
		transport:        transport,
		keyring:          keyring,
		delegate:         delegate,
		nodeMap:          make(map[string]*nodeState),
		ackHandlers:      make(map[uint32]*ackHandler),
		suspicions:       make(map[string]*suspicion),
		shutdownCh:       make(chan struct{}),
		leaveBroadcastCh: make(chan struct{}),
	}
	m.broadcasts = NewQueue(config.RetransmitMult, m.NumNodes)

	if ed, ok := delegate.(EventDelegate); ok {
		m.eventDelegate = ed
	}
	if cd, ok := delegate.(ConflictDelegate); ok {
		m.conflictDelegate = cd
	}
	if md, ok := delegate.(MergeDelegate); ok {
		m.mergeDelegate = md
	}
	if pd, ok := delegate.(PingDelegate); ok {
		m.pingDelegate = pd
	}

	advertiseAddr := config.AdvertiseAddr
	if advertiseAddr == "" {
		advertiseAddr = transport.LocalAddr().IP.String()
	}
	advertisePort := config.AdvertisePort
	if advertisePort == 0 {
		advertisePort = transport.LocalAddr().Port
	}

	var meta []byte
	if delegate != nil {
		meta = delegate.NodeMeta(512)
	}
	local := &nodeState{
		Node: Node{
			Name: config.Name,
			Addr: net.ParseIP(advertiseAddr),
			Port: uint16(advertisePort),
			Meta: meta,
			PMin: ProtocolVersionMin, PMax: ProtocolVersionMax, PCur: config.ProtocolVersion,
			DMin: DelegateVersionMin, DMax: DelegateVersionMax, DCur: config.DelegateVersion,
		},
		Incarnation: 0,
		State:       StateAlive,
		StateChange: time.Now().UnixNano(),
	}
	m.nodeMap[local.Name] = local
	m.nodes = append(m.nodes, local)
	atomic.StoreInt32(&m.numNodes, 1)

	m.wg.Add(3)
	go m.streamListen()
	go m.packetListen()
	go m.scheduleLoops()

	return m, nil
}

// LocalNode returns a copy of this node's own entry.
func (m *Membership) LocalNode() *Node {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	local := m.nodeMap[m.config.Name]
	n := local.Node
	return &n
}

// Members returns a snapshot of the full node table.
func (m *Membership) Members() []*Node {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, ns := range m.nodes {
		n := ns.Node
		out = append(out, &n)
	}
	return out
}

// MemberStates returns a snapshot including each node's failure-detector
// state, for callers (the cluster layer) that need to distinguish
// Alive/Suspect/Dead/Left rather than just the Node identity.
func (m *Membership) MemberStates() []MemberState {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	out := make([]MemberState, 0, len(m.nodes))
	for _, ns := range m.nodes {
		n := ns.Node
		out = append(out, MemberState{
			Node:        &n,
			Incarnation: ns.Incarnation,
			State:       ns.State,
		})
	}
	return out
}

// MemberState is the exported view of nodeState handed to the cluster
// layer, which needs the failure-detector state to derive its own Member
// status (Alive/Leaving/Left/Failed).
type MemberState struct {
	Node        *Node
	Incarnation uint32
	State       NodeStateType
}

// NumNodes returns the size of the node table, including non-Alive
// entries still being tracked (e.g. recently dead, not yet reaped).
func (m *Membership) NumNodes() int {
	return int(atomic.LoadInt32(&m.numNodes))
}

// GetHealthScore reports the number of consecutive probe cycles that ended
// without reaching any Alive peer; 0 means healthy.
func (m *Membership) GetHealthScore() int {
	return int(atomic.LoadInt32(&m.degraded))
}

// Join contacts each of existing in turn via push/pull, returning the
// number that succeeded and an aggregate error of the failures (nil if all
// succeeded), per the spec's per-peer error taxonomy.
func (m *Membership) Join(existing []string) (int, error) {
	var successes int
	var errs error
	for _, addr := range existing {
		if err := m.pushPullNode(addr, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		successes++
	}
	if successes > 0 {
		metrics.IncrCounter([]string{"membership", "join"}, float32(successes))
	}
	return successes, errs
}

// Leave broadcasts a graceful Dead-about-self (From == self, so peers
// classify it as Left rather than Failed) and blocks up to timeout for it
// to propagate via at least one gossip/probe cycle.
func (m *Membership) Leave(timeout time.Duration) error {
	m.leaveLock.Lock()
	if m.leaving {
		m.leaveLock.Unlock()
		return nil
	}
	m.leaving = true
	m.leaveLock.Unlock()

	m.nodeLock.RLock()
	local := m.nodeMap[m.config.Name]
	m.nodeLock.RUnlock()
	if local == nil {
		return nil
	}

	d := dead{Incarnation: local.Incarnation, Node: local.Name, From: local.Name}
	m.deadNode(&d)

	if m.anyAlivePeer() {
		select {
		case <-m.leaveBroadcastCh:
		case <-time.After(timeout):
		}
	}
	return nil
}

func (m *Membership) anyAlivePeer() bool {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	for _, ns := range m.nodes {
		if ns.Name != m.config.Name && ns.State == StateAlive {
			return true
		}
	}
	return false
}

// Shutdown tears down all background tasks and closes the transport. It is
// idempotent: subsequent calls return nil immediately.
func (m *Membership) Shutdown() error {
	m.shutdownLock.Lock()
	defer m.shutdownLock.Unlock()

	if atomic.LoadInt32(&m.shutdown) == 1 {
		return nil
	}
	atomic.StoreInt32(&m.shutdown, 1)
	close(m.shutdownCh)

	m.suspicionLock.Lock()
	for _, s := range m.suspicions {
		s.Stop()
	}
	m.suspicionLock.Unlock()

	m.broadcasts.Reset()

	err := m.transport.Shutdown()
	m.wg.Wait()
	return err
}

// HasShutdown reports whether Shutdown has been invoked.
func (m *Membership) HasShutdown() bool {
	return atomic.LoadInt32(&m.shutdown) == 1
}

func (m *Membership) nextSeqNo() uint32 {
	return atomic.AddUint32(&m.sequenceNum, 1)
}

func (m *Membership) nextIncarnation() uint32 {
	return atomic.AddUint32(&m.incarnation, 1)
}

// skewIncarnation bumps the local incarnation to at least offset+1, used
// when refuting a Suspect/Dead that already claims an incarnation at or
// above our own.
func (m *Membership) skewIncarnation(offset uint32) uint32 {
	for {
		cur := atomic.LoadUint32(&m.incarnation)
		if offset < cur {
			return m.nextIncarnation()
		}
		if atomic.CompareAndSwapUint32(&m.incarnation, cur, offset+1) {
			return offset + 1
		}
	}
}

func (m *Membership) encodeAndBroadcast(tok string, t messageType, msg interface{}, notify chan struct{}) {
	buf, err := encodeMessage(t, msg)
	if err != nil {
		m.logger.Printf("[ERR] encoding broadcast %v: %v", t, err)
		return
	}
	m.broadcasts.QueueBroadcast(newSimpleBroadcast(tok, buf, notify))
}

// QueueBroadcast enqueues an upper-layer broadcast (user event, query,
// intent, etc.) onto the same priority queue membership's own Alive/Suspect/
// Dead messages ride, so everything shares one retransmit/piggyback budget.
func (m *Membership) QueueBroadcast(b Broadcast) {
	m.broadcasts.QueueBroadcast(b)
}

// NumQueuedBroadcasts reports how many broadcasts (membership's own plus any
// queued by the cluster layer) are still pending transmission.
func (m *Membership) NumQueuedBroadcasts() int {
	return m.broadcasts.Len()
}

// LocalName returns this node's configured name, a convenience accessor for
// callers that hold a Config-less reference.
func (m *Membership) LocalName() string { return m.config.Name }

// Config exposes the (immutable-by-convention) tuning config.
func (m *Membership) Config() *Config { return m.config }

func (m *Membership) parseHostPort(addr string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("membership: cannot resolve host %q", host)
		}
		ip = ips[0]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, err
	}
	return ip, uint16(port), nil
}
