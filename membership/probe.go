package membership

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"
)

// scheduleLoops runs the probe, gossip, and (optional) push/pull tickers
// until Shutdown. Each is its own goroutine bound to shutdownCh, matching
// the concurrency model's "independent long-running tasks" list.
func (m *Membership) scheduleLoops() {
	defer m.wg.Done()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() { defer loops.Done(); m.tickerLoop(m.config.ProbeInterval, m.probe) }()
	go func() { defer loops.Done(); m.tickerLoop(m.config.GossipInterval, m.gossip) }()
	if m.config.PushPullInterval > 0 {
		loops.Add(1)
		go func() { defer loops.Done(); m.tickerLoop(m.config.PushPullInterval, m.periodicPushPull) }()
	}

	loops.Wait()
}

func (m *Membership) tickerLoop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-m.shutdownCh:
			return
		}
	}
}

// probe runs one SWIM probe cycle: pick the next ring candidate, direct
// ping it, and on timeout fall back to indirect pings via k relays.
func (m *Membership) probe() {
	m.nodeLock.Lock()
	if len(m.nodes) <= 1 {
		m.nodeLock.Unlock()
		return
	}
	if m.probeIndex >= len(m.nodes) {
		m.probeIndex = 0
		nodes := append([]*nodeState(nil), m.nodes...)
		m.nodeLock.Unlock()
		shuffleNodes(nodes)
		m.nodeLock.Lock()
		m.nodes = nodes
	}

	var target *nodeState
	for i := 0; i < len(m.nodes); i++ {
		idx := (m.probeIndex + i) % len(m.nodes)
		cand := m.nodes[idx]
		if cand.Name == m.config.Name || cand.DeadOrLeft() {
			continue
		}
		target = cand
		m.probeIndex = idx + 1
		break
	}
	m.nodeLock.Unlock()

	if target == nil {
		return
	}
	m.probeNode(target)
}

// probeNode executes the direct-then-indirect probe sequence against
// target and, on total failure, enqueues a Suspect broadcast.
func (m *Membership) probeNode(target *nodeState) {
	seq := m.nextSeqNo()
	sent := time.Now()

	ackCh := make(chan ackMessage, m.config.IndirectChecks+1)
	nackCh := make(chan struct{}, m.config.IndirectChecks+1)
	m.setAckHandler(seq, ackCh, nackCh, m.config.ProbeTimeout)

	p := ping{SeqNo: seq, Node: target.Name}
	if err := m.sendMsg(target, pingMsg, &p); err != nil {
		m.logger.Printf("[ERR] probe: failed to send ping to %s: %v", target.Name, err)
	}

	select {
	case ack := <-ackCh:
		if ack.Complete {
			m.finishProbeSuccess(target, sent, ack.RTT, ack.Payload)
			return
		}
	case <-time.After(m.config.ProbeTimeout):
	}

	// Direct probe failed or timed out; ask k random Alive peers to relay.
	m.nodeLock.RLock()
	relays := kRandomNodes(m.config.IndirectChecks, m.nodes, func(n *nodeState) bool {
		return n.Name == m.config.Name || n.Name == target.Name || n.State != StateAlive
	})
	m.nodeLock.RUnlock()

	for _, relay := range relays {
		req := indirectPingReq{SeqNo: seq, Target: []byte(target.Addr), Port: target.Port, Node: target.Name, Nack: true}
		m.sendMsg(relay, indirectPingMsg, &req)
	}

	indirectTimeout := m.config.ProbeInterval - m.config.ProbeTimeout
	if indirectTimeout < 0 {
		indirectTimeout = m.config.ProbeTimeout
	}
	deadline := time.NewTimer(indirectTimeout)
	defer deadline.Stop()

waitIndirect:
	for {
		select {
		case ack := <-ackCh:
			if ack.Complete {
				m.finishProbeSuccess(target, sent, ack.RTT, ack.Payload)
				return
			}
		case <-nackCh:
			// A relay that is itself reachable just told us it couldn't
			// raise the target, so there's little value in waiting out
			// the rest of the indirect timeout for a slower relay.
			if !deadline.Stop() {
				<-deadline.C
			}
			deadline.Reset(m.config.ProbeTimeout / 2)
		case <-deadline.C:
			break waitIndirect
		}
	}

	// Both the direct UDP ping and every indirect relay came up empty.
	// UDP loss can be asymmetric (our probe got there but the ack didn't
	// make it back, or vice versa), so try one TCP round trip before
	// committing to a Suspect claim.
	if m.tcpPingNode(target, seq, m.config.ProbeTimeout) {
		m.finishProbeSuccess(target, sent, time.Since(sent), nil)
		return
	}

	m.recordDegraded(true)
	metrics.IncrCounter([]string{"membership", "probe", "failed"}, 1)
	s := suspect{Incarnation: target.Incarnation, Node: target.Name, From: m.config.Name}
	m.suspectNode(&s)
}

// tcpPingNode makes a best-effort attempt to confirm target is actually
// down over a TCP stream, used as the last check before a failed UDP probe
// turns into a Suspect claim. Any error (dial, write, malformed reply, or a
// seq mismatch) is treated as "still looks down" rather than retried.
func (m *Membership) tcpPingNode(target *nodeState, seq uint32, timeout time.Duration) bool {
	conn, err := m.transport.DialStream(target.Address(), timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	buf, err := encodeMessage(pingMsg, &ping{SeqNo: seq, Node: target.Name})
	if err != nil {
		return false
	}
	if _, err := conn.Write(buf); err != nil {
		return false
	}

	bufReader := bufio.NewReader(conn)
	msgType, err := bufReader.ReadByte()
	if err != nil || messageType(msgType) != ackRespMsg {
		return false
	}
	var resp ackResp
	if err := codec.NewDecoder(bufReader, msgpackHandle).Decode(&resp); err != nil {
		return false
	}
	return resp.SeqNo == seq
}

func (m *Membership) finishProbeSuccess(target *nodeState, sent time.Time, rtt time.Duration, payload []byte) {
	m.recordDegraded(false)
	if m.pingDelegate != nil {
		n := target.Node
		m.pingDelegate.NotifyPingComplete(&n, rtt, payload)
	}
}

func (m *Membership) recordDegraded(failed bool) {
	if !failed {
		atomic.StoreInt32(&m.degraded, 0)
		return
	}
	if !m.anyAlivePeer() {
		n := atomic.AddInt32(&m.degraded, 1)
		if int(n) == m.config.DegradedThreshold {
			metrics.IncrCounter([]string{"membership", "degraded"}, 1)
		}
	}
}

// gossip piggybacks pending broadcasts onto small UDP packets sent to a
// handful of random peers every GossipInterval.
func (m *Membership) gossip() {
	m.nodeLock.RLock()
	targets := kRandomNodes(m.config.GossipNodes, m.nodes, func(n *nodeState) bool {
		return n.Name == m.config.Name || n.State != StateAlive
	})
	m.nodeLock.RUnlock()

	for _, target := range targets {
		msgs := m.broadcasts.GetBroadcasts(compoundOverhead, m.config.UDPBufferSize)
		if m.delegate != nil {
			used := 0
			for _, msg := range msgs {
				used += len(msg) + compoundOverhead
			}
			if remaining := m.config.UDPBufferSize - used; remaining > compoundOverhead {
				msgs = append(msgs, m.delegate.GetBroadcasts(compoundOverhead, remaining)...)
			}
		}
		if len(msgs) == 0 {
			return
		}
		var payload []byte
		if len(msgs) == 1 {
			payload = msgs[0]
		} else {
			payload = makeCompoundMessage(msgs)
		}
		m.rawSend(target, payload)
	}
}

const compoundOverhead = 2

// periodicPushPull performs a full-state exchange with one random Alive
// peer, repairing any gaps gossip alone might have missed.
func (m *Membership) periodicPushPull() {
	m.nodeLock.RLock()
	candidates := kRandomNodes(1, m.nodes, func(n *nodeState) bool {
		return n.Name == m.config.Name || n.State != StateAlive
	})
	m.nodeLock.RUnlock()
	if len(candidates) == 0 {
		return
	}
	if err := m.pushPullNode(candidates[0].Address(), false); err != nil {
		m.logger.Printf("[ERR] push/pull with %s failed: %v", candidates[0].Name, err)
	}
}

// pushPullNode opens a TCP stream to addr and exchanges full node-table and
// upper-layer state. If addr is not yet a known peer (the Join case), the
// local node installs it as Alive on success.
func (m *Membership) pushPullNode(addr string, join bool) error {
	conn, err := m.transport.DialStream(addr, 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := m.sendLocalState(conn, join); err != nil {
		return err
	}
	remoteNodes, userState, err := m.readRemoteState(conn)
	if err != nil {
		return err
	}

	m.mergeState(remoteNodes)
	if m.delegate != nil && len(userState) > 0 {
		m.delegate.MergeRemoteState(userState, join)
	}
	return nil
}

func (m *Membership) sendLocalState(conn net.Conn, join bool) error {
	m.nodeLock.RLock()
	localNodes := make([]pushNodeState, 0, len(m.nodes))
	for _, n := range m.nodes {
		localNodes = append(localNodes, pushNodeState{
			Name: n.Name, Addr: []byte(n.Addr), Port: n.Port, Meta: n.Meta,
			Incarnation: n.Incarnation, State: n.State,
			Vsn: []uint8{n.PMin, n.PMax, n.PCur, n.DMin, n.DMax, n.DCur},
		})
	}
	m.nodeLock.RUnlock()

	var userState []byte
	if m.delegate != nil {
		userState = m.delegate.LocalState(join)
	}

	header := pushPullHeader{Nodes: len(localNodes), UserStateLen: len(userState), Join: join}
	bufWriter := bufio.NewWriter(conn)
	handle := &codec.MsgpackHandle{}
	enc := codec.NewEncoder(bufWriter, handle)
	if err := enc.Encode(&header); err != nil {
		return err
	}
	for i := range localNodes {
		if err := enc.Encode(&localNodes[i]); err != nil {
			return err
		}
	}
	if len(userState) > 0 {
		if _, err := bufWriter.Write(userState); err != nil {
			return err
		}
	}
	return bufWriter.Flush()
}

func (m *Membership) readRemoteState(conn net.Conn) ([]pushNodeState, []byte, error) {
	return m.decodeRemoteState(bufio.NewReader(conn))
}

func (m *Membership) decodeRemoteState(bufReader *bufio.Reader) ([]pushNodeState, []byte, error) {
	handle := &codec.MsgpackHandle{}
	dec := codec.NewDecoder(bufReader, handle)

	var header pushPullHeader
	if err := dec.Decode(&header); err != nil {
		return nil, nil, err
	}
	nodes := make([]pushNodeState, header.Nodes)
	for i := range nodes {
		if err := dec.Decode(&nodes[i]); err != nil {
			return nil, nil, err
		}
	}
	var userState []byte
	if header.UserStateLen > 0 {
		userState = make([]byte, header.UserStateLen)
		if _, err := io.ReadFull(bufReader, userState); err != nil {
			return nil, nil, err
		}
	}
	return nodes, userState, nil
}

// streamListen accepts inbound TCP connections and serves either a
// push/pull exchange or a TCP ping, per handleConn's dispatch (user-
// originated stream traffic is handled by the cluster layer via a raw
// user-message send over the same transport).
func (m *Membership) streamListen() {
	defer m.wg.Done()
	for {
		select {
		case conn := <-m.transport.StreamCh():
			go m.handleConn(conn)
		case <-m.shutdownCh:
			return
		}
	}
}

// handleConn serves a single inbound TCP stream. Most connections are a
// push/pull state exchange, but probeNode also dials in a tagged TCP ping
// as a last resort when UDP looks down, so the first byte is peeked to
// decide which protocol is on the wire: push/pull frames start with a
// msgpack map/array header (>= 0x80), which never collides with the
// single-byte messageType tags (all < 0x80).
func (m *Membership) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	bufReader := bufio.NewReader(conn)
	peek, err := bufReader.Peek(1)
	if err != nil {
		m.logger.Printf("[ERR] stream read failed: %v", err)
		return
	}
	if messageType(peek[0]) == pingMsg {
		m.handleTCPPing(conn, bufReader)
		return
	}

	remoteNodes, userState, err := m.decodeRemoteState(bufReader)
	if err != nil {
		m.logger.Printf("[ERR] push/pull read failed: %v", err)
		return
	}
	if err := m.sendLocalState(conn, false); err != nil {
		m.logger.Printf("[ERR] push/pull reply failed: %v", err)
		return
	}

	m.mergeState(remoteNodes)
	if m.delegate != nil && len(userState) > 0 {
		m.delegate.MergeRemoteState(userState, false)
	}
}

// handleTCPPing answers the TCP ping disambiguation probe dialed by
// tcpPingNode, mirroring handlePing's UDP ack but over the stream.
func (m *Membership) handleTCPPing(conn net.Conn, bufReader *bufio.Reader) {
	if _, err := bufReader.ReadByte(); err != nil {
		return
	}
	var req ping
	if err := codec.NewDecoder(bufReader, msgpackHandle).Decode(&req); err != nil {
		m.logger.Printf("[ERR] tcp ping decode failed: %v", err)
		return
	}

	ack := ackResp{SeqNo: req.SeqNo}
	if m.pingDelegate != nil {
		ack.Payload = m.pingDelegate.AckPayload()
	}
	buf, err := encodeMessage(ackRespMsg, &ack)
	if err != nil {
		return
	}
	if _, err := conn.Write(buf); err != nil {
		m.logger.Printf("[ERR] tcp ping ack failed: %v", err)
	}
}

// packetListen dispatches inbound UDP datagrams by type tag.
func (m *Membership) packetListen() {
	defer m.wg.Done()
	for {
		select {
		case p := <-m.transport.PacketCh():
			m.handlePacket(p)
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Membership) handlePacket(p *packetIn) {
	buf := p.Buf
	if len(buf) < 1 {
		return
	}

	msgType := messageType(buf[0])
	if msgType == encryptMsg {
		if m.keyring == nil {
			metrics.IncrCounter([]string{"membership", "drop", "unencryptable"}, 1)
			return
		}
		plain, err := decryptPayload(m.keyring.Keys(), buf[1:])
		if err != nil {
			m.logger.Printf("[WARN] decrypt failed from %s: %v", p.From, err)
			return
		}
		buf = plain
		if len(buf) < 1 {
			return
		}
		msgType = messageType(buf[0])
	}
	body := buf[1:]

	switch msgType {
	case compoundMsg:
		parts, err := decodeCompoundMessage(body)
		if err != nil {
			m.logger.Printf("[WARN] bad compound message from %s: %v", p.From, err)
			return
		}
		for _, part := range parts {
			if len(part) < 1 {
				continue
			}
			m.handlePacket(&packetIn{Buf: part, From: p.From, Timestamp: p.Timestamp})
		}
	case pingMsg:
		var req ping
		if err := decodeMessage(body, &req); err != nil {
			return
		}
		m.handlePing(&req, p.From)
	case indirectPingMsg:
		var req indirectPingReq
		if err := decodeMessage(body, &req); err != nil {
			return
		}
		m.handleIndirectPing(&req, p.From)
	case ackRespMsg:
		var resp ackResp
		if err := decodeMessage(body, &resp); err != nil {
			return
		}
		m.invokeAckHandler(resp, p.Timestamp)
	case nackRespMsg:
		var resp nackResp
		if err := decodeMessage(body, &resp); err != nil {
			return
		}
		m.invokeNackHandler(resp)
	case suspectMsg:
		var s suspect
		if err := decodeMessage(body, &s); err != nil {
			return
		}
		m.suspectNode(&s)
	case aliveMsg:
		var a alive
		if err := decodeMessage(body, &a); err != nil {
			return
		}
		m.aliveNode(&a, nil, false)
	case deadMsg:
		var d dead
		if err := decodeMessage(body, &d); err != nil {
			return
		}
		m.deadNode(&d)
	case userMsg:
		if m.delegate != nil {
			m.delegate.NotifyMsg(body)
		}
	default:
		metrics.IncrCounter([]string{"membership", "drop", "unknown_type"}, 1)
	}
}

func (m *Membership) handlePing(req *ping, from net.Addr) {
	ack := ackResp{SeqNo: req.SeqNo}
	if m.pingDelegate != nil {
		ack.Payload = m.pingDelegate.AckPayload()
	}
	m.rawSendTo(from, ackRespMsg, &ack)
}

func (m *Membership) handleIndirectPing(req *indirectPingReq, from net.Addr) {
	m.nodeLock.RLock()
	target, ok := m.nodeMap[req.Node]
	m.nodeLock.RUnlock()
	if !ok {
		return
	}

	seq := m.nextSeqNo()
	ackCh := make(chan ackMessage, 1)
	nackCh := make(chan struct{}, 1)
	m.setAckHandler(seq, ackCh, nackCh, m.config.ProbeTimeout)

	p := ping{SeqNo: seq, Node: target.Name}
	m.sendMsg(target, pingMsg, &p)

	select {
	case ack := <-ackCh:
		if ack.Complete {
			resp := ackResp{SeqNo: req.SeqNo, Payload: ack.Payload}
			m.rawSendTo(from, ackRespMsg, &resp)
			return
		}
	case <-time.After(m.config.ProbeTimeout):
	}

	if req.Nack {
		nack := nackResp{SeqNo: req.SeqNo}
		m.rawSendTo(from, nackRespMsg, &nack)
	}
}

func (m *Membership) setAckHandler(seq uint32, ackCh chan ackMessage, nackCh chan struct{}, timeout time.Duration) {
	m.ackLock.Lock()
	m.ackHandlers[seq] = &ackHandler{ackCh: ackCh, nackCh: nackCh}
	m.ackLock.Unlock()

	time.AfterFunc(timeout*2, func() {
		m.ackLock.Lock()
		delete(m.ackHandlers, seq)
		m.ackLock.Unlock()
	})
}

func (m *Membership) invokeAckHandler(resp ackResp, timestamp time.Time) {
	m.ackLock.Lock()
	h, ok := m.ackHandlers[resp.SeqNo]
	if ok {
		delete(m.ackHandlers, resp.SeqNo)
	}
	m.ackLock.Unlock()
	if !ok {
		return
	}
	rtt := time.Since(timestamp)
	select {
	case h.ackCh <- ackMessage{Complete: true, Payload: resp.Payload, RTT: rtt}:
	default:
	}
}

func (m *Membership) invokeNackHandler(resp nackResp) {
	m.ackLock.Lock()
	h, ok := m.ackHandlers[resp.SeqNo]
	m.ackLock.Unlock()
	if !ok {
		return
	}
	select {
	case h.nackCh <- struct{}{}:
	default:
	}
}

// sendMsg encodes and sends a UDP message to target, applying encryption
// if a keyring is configured.
func (m *Membership) sendMsg(target *nodeState, t messageType, msg interface{}) error {
	buf, err := encodeMessage(t, msg)
	if err != nil {
		return err
	}
	return m.rawSend(target, buf)
}

// SendUserMsg delivers buf to the upper layer's NotifyMsg at addr ("ip:port"),
// tagged as a user message and encrypted like any other packet when a
// keyring is configured. Used by the cluster layer to unicast a query
// response or relay directly to a peer outside the normal gossip path.
func (m *Membership) SendUserMsg(addr string, buf []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	wrapped := append([]byte{uint8(userMsg)}, buf...)
	return m.sendRaw(udpAddr, wrapped)
}

func (m *Membership) rawSend(target *nodeState, buf []byte) error {
	addr := &net.UDPAddr{IP: target.Addr, Port: int(target.Port)}
	return m.sendRaw(addr, buf)
}

func (m *Membership) rawSendTo(addr net.Addr, t messageType, msg interface{}) error {
	buf, err := encodeMessage(t, msg)
	if err != nil {
		return err
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		var e error
		udpAddr, e = net.ResolveUDPAddr("udp", addr.String())
		if e != nil {
			return e
		}
	}
	return m.sendRaw(udpAddr, buf)
}

func (m *Membership) sendRaw(addr *net.UDPAddr, buf []byte) error {
	if m.keyring != nil {
		if primary := m.keyring.PrimaryKey(); primary != nil {
			enc, err := encryptPayload(primary, buf)
			if err != nil {
				return fmt.Errorf("membership: encrypt failed: %w", err)
			}
			wrapped := append([]byte{uint8(encryptMsg)}, enc...)
			return m.transport.SendPacket(addr, wrapped)
		}
	}
	return m.transport.SendPacket(addr, buf)
}
