package membership

import (
	"bytes"
	"net"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
)

// aliveNode installs or refutes an Alive claim. notify, if non-nil, is
// closed once the resulting broadcast (if any) completes its retransmit
// budget; bootstrap marks an alive arriving from the local Join path rather
// than gossip, which skips the MergeDelegate veto (we always trust our own
// discovery of a peer we just dialed).
func (m *Membership) aliveNode(a *alive, notify chan struct{}, bootstrap bool) {
	m.nodeLock.Lock()

	state, ok := m.nodeMap[a.Node]

	// Invoke the conflict/merge delegate outside the lock where possible,
	// but the existence check itself needs the lock held.
	if !ok {
		n := &nodeState{
			Node: Node{
				Name: a.Node,
				Addr: net.IP(a.Addr),
				Port: a.Port,
				Meta: a.Meta,
			},
			State: StateDead,
		}
		if len(a.Vsn) >= 6 {
			n.PMin, n.PMax, n.PCur = a.Vsn[0], a.Vsn[1], a.Vsn[2]
			n.DMin, n.DMax, n.DCur = a.Vsn[3], a.Vsn[4], a.Vsn[5]
		}
		m.nodeMap[a.Node] = n
		m.nodes = append(m.nodes, n)
		atomic.StoreInt32(&m.numNodes, int32(len(m.nodes)))
		state = n
	}

	isLocalNode := state.Name == m.config.Name

	if !bootstrap && m.mergeDelegate != nil {
		n := state.Node
		n.Addr = net.IP(a.Addr)
		n.Port = a.Port
		n.Meta = a.Meta
		if err := m.mergeDelegate.NotifyAlive(&n); err != nil {
			m.nodeLock.Unlock()
			m.logger.Printf("[WARN] alive rejected for %s: %v", a.Node, err)
			return
		}
	}

	// Check for an address conflict: same name, different address, and
	// not something we can resolve ourselves.
	if state.State != StateDead && !bytes.Equal(state.Addr, net.IP(a.Addr)) {
		if !isLocalNode && m.conflictDelegate != nil {
			existing := state.Node
			other := state.Node
			other.Addr = net.IP(a.Addr)
			other.Port = a.Port
			m.nodeLock.Unlock()
			m.conflictDelegate.NotifyConflict(&existing, &other)
			return
		}
	}

	// Refutation: this Alive is about us, with an incarnation that isn't
	// strictly behind ours. Re-broadcast our own Alive at a higher
	// incarnation so the claim is overridden cluster-wide.
	if isLocalNode && a.Incarnation >= state.Incarnation {
		newIncarnation := m.skewIncarnation(a.Incarnation)
		m.nodeLock.Unlock()
		m.refute(newIncarnation)
		return
	}

	// Stale claim: ignore anything not strictly newer than what we have,
	// except the always-accept case of a currently-Dead entry coming
	// back (handled by the isOlder check below evaluating to false for
	// Dead peers being revived at any incarnation >= stored).
	isOlder := a.Incarnation < state.Incarnation ||
		(a.Incarnation == state.Incarnation && state.State != StateDead && state.State != StateLeft)
	if isOlder && !isLocalNode {
		m.nodeLock.Unlock()
		return
	}

	m.clearSuspicionLocked(a.Node)

	wasDead := state.State == StateDead || state.State == StateLeft
	state.Incarnation = a.Incarnation
	state.Addr = net.IP(a.Addr)
	state.Port = a.Port
	state.Meta = a.Meta
	if len(a.Vsn) >= 6 {
		state.PMin, state.PMax, state.PCur = a.Vsn[0], a.Vsn[1], a.Vsn[2]
		state.DMin, state.DMax, state.DCur = a.Vsn[3], a.Vsn[4], a.Vsn[5]
	}
	state.State = StateAlive
	state.StateChange = time.Now().UnixNano()
	m.nodeLock.Unlock()

	metrics.IncrCounter([]string{"membership", "alive"}, 1)
	if !isLocalNode {
		if wasDead {
			m.notifyJoin(&state.Node)
		} else {
			m.notifyUpdate(&state.Node)
		}
	}

	if !bootstrap {
		m.encodeAndBroadcast(a.Node, aliveMsg, a, notify)
	}
}

// refute is called when the local node must contest a Suspect/Dead claim
// about itself: bump to newIncarnation and rebroadcast Alive.
func (m *Membership) refute(newIncarnation uint32) {
	m.nodeLock.Lock()
	local := m.nodeMap[m.config.Name]
	local.Incarnation = newIncarnation
	local.StateChange = time.Now().UnixNano()
	a := alive{
		Incarnation: newIncarnation,
		Node:        local.Name,
		Addr:        []byte(local.Addr),
		Port:        local.Port,
		Meta:        local.Meta,
		Vsn:         []uint8{local.PMin, local.PMax, local.PCur, local.DMin, local.DMax, local.DCur},
	}
	m.nodeLock.Unlock()

	m.encodeAndBroadcast(local.Name, aliveMsg, &a, nil)
}

// suspectNode handles a Suspect claim: refute if it's about us, register an
// independent confirmation if we're already tracking this suspicion, or
// start a new suspicion timer.
func (m *Membership) suspectNode(s *suspectMsgAlias) {
	m.nodeLock.Lock()
	state, ok := m.nodeMap[s.Node]
	if !ok {
		m.nodeLock.Unlock()
		return
	}
	if s.Incarnation < state.Incarnation {
		m.nodeLock.Unlock()
		return
	}

	if state.Name == m.config.Name {
		m.nodeLock.Unlock()
		newIncarnation := m.skewIncarnation(s.Incarnation)
		m.refute(newIncarnation)
		return
	}

	if state.State != StateAlive {
		m.nodeLock.Unlock()
		m.suspicionLock.Lock()
		if susp, tracking := m.suspicions[s.Node]; tracking {
			susp.Confirm(s.From)
		}
		m.suspicionLock.Unlock()
		return
	}

	state.State = StateSuspect
	state.StateChange = time.Now().UnixNano()
	n := state.Node
	incarnation := state.Incarnation
	numNodes := len(m.nodes)
	m.nodeLock.Unlock()

	metrics.IncrCounter([]string{"membership", "suspect"}, 1)

	min := suspicionTimeout(m.config.SuspicionMult, numNodes, m.config.ProbeInterval) / time.Duration(m.config.SuspicionMaxTimeoutMult)
	max := suspicionTimeout(m.config.SuspicionMult, numNodes, m.config.ProbeInterval)
	expectedConfirmations := m.config.IndirectChecks

	m.suspicionLock.Lock()
	m.suspicions[s.Node] = newSuspicion(s.From, expectedConfirmations, min, max, func(confirmations int) {
		d := dead{Incarnation: incarnation, Node: s.Node, From: m.config.Name}
		m.deadNode(&d)
	})
	m.suspicionLock.Unlock()

	m.notifyUpdate(&n)
	m.encodeAndBroadcast(s.Node, suspectMsg, s, nil)
}

// suspectMsgAlias avoids importing the exported suspect wire struct under
// two names; handleSuspect constructs one directly from the decoded frame.
type suspectMsgAlias = suspect

// deadNode handles a Dead claim (from suspicion timeout or graceful leave):
// refute if it's about us and we're not actually leaving, otherwise mark
// Dead/Left and notify.
func (m *Membership) deadNode(d *dead) {
	m.nodeLock.Lock()
	state, ok := m.nodeMap[d.Node]
	if !ok || d.Incarnation < state.Incarnation {
		m.nodeLock.Unlock()
		return
	}
	if state.State == StateDead || state.State == StateLeft {
		m.nodeLock.Unlock()
		return
	}

	isLocalNode := state.Name == m.config.Name
	m.leaveLock.Lock()
	leaving := m.leaving
	m.leaveLock.Unlock()

	if isLocalNode && !leaving {
		m.nodeLock.Unlock()
		newIncarnation := m.skewIncarnation(d.Incarnation)
		m.refute(newIncarnation)
		return
	}

	m.clearSuspicionLocked(d.Node)

	graceful := d.Node == d.From
	if graceful || isLocalNode {
		state.State = StateLeft
	} else {
		state.State = StateDead
	}
	state.Incarnation = d.Incarnation
	state.StateChange = time.Now().UnixNano()
	n := state.Node
	m.nodeLock.Unlock()

	metrics.IncrCounter([]string{"membership", "dead"}, 1)
	m.notifyLeave(&n)

	if !isLocalNode {
		m.encodeAndBroadcast(d.Node, deadMsg, d, nil)
	} else {
		notify := make(chan struct{})
		m.encodeAndBroadcast(d.Node, deadMsg, d, notify)
		go func() {
			select {
			case <-notify:
			case <-time.After(1 * time.Second):
			}
			close(m.leaveBroadcastCh)
		}()
	}
}

func (m *Membership) clearSuspicionLocked(name string) {
	m.suspicionLock.Lock()
	if s, ok := m.suspicions[name]; ok {
		s.Stop()
		delete(m.suspicions, name)
	}
	m.suspicionLock.Unlock()
}

func (m *Membership) notifyJoin(n *Node) {
	if m.eventDelegate != nil {
		m.eventDelegate.NotifyJoin(n)
	}
}

func (m *Membership) notifyLeave(n *Node) {
	if m.eventDelegate != nil {
		m.eventDelegate.NotifyLeave(n)
	}
}

func (m *Membership) notifyUpdate(n *Node) {
	if m.eventDelegate != nil {
		m.eventDelegate.NotifyUpdate(n)
	}
}

// mergeState reconciles a remote full-state view (from push/pull) against
// the local node table: for each remote entry, the higher incarnation
// wins; on a tie, a "worse" state wins (Alive < Suspect < Dead/Left).
func (m *Membership) mergeState(remote []pushNodeState) {
	if m.mergeDelegate != nil {
		nodes := make([]*Node, 0, len(remote))
		for i := range remote {
			n := &Node{Name: remote[i].Name, Addr: net.IP(remote[i].Addr), Port: remote[i].Port, Meta: remote[i].Meta}
			nodes = append(nodes, n)
		}
		if err := m.mergeDelegate.NotifyMerge(nodes); err != nil {
			m.logger.Printf("[WARN] push/pull merge rejected: %v", err)
			return
		}
	}

	for _, r := range remote {
		switch r.State {
		case StateAlive:
			a := alive{Incarnation: r.Incarnation, Node: r.Name, Addr: r.Addr, Port: r.Port, Meta: r.Meta, Vsn: r.Vsn}
			m.aliveNode(&a, nil, false)
		case StateLeft:
			d := dead{Incarnation: r.Incarnation, Node: r.Name, From: r.Name}
			m.deadNode(&d)
		case StateDead, StateSuspect:
			s := suspect{Incarnation: r.Incarnation, Node: r.Name, From: m.config.Name}
			m.suspectNode(&s)
		}
	}
}

// resetNodes reshuffles the probe ring for the next probe cycle. It reaps
// nothing: Dead/Left nodes leave the node table only when the upper layer
// calls ForceRemove.
func (m *Membership) resetNodes() {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	shuffleNodes(m.nodes)
}

// ForceRemove deletes name from the node table outright, used by
// administrative force-leave with prune=true and by the cluster layer's
// tombstone reaper.
func (m *Membership) ForceRemove(name string) {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	if _, ok := m.nodeMap[name]; !ok {
		return
	}
	delete(m.nodeMap, name)
	for i, ns := range m.nodes {
		if ns.Name == name {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			break
		}
	}
	atomic.StoreInt32(&m.numNodes, int32(len(m.nodes)))
}
