package cluster

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/flocknet/flock/coordinate"
	"github.com/flocknet/flock/eventbus"
	"github.com/flocknet/flock/membership"
)

// userEvents groups every user event witnessed at one Lamport time, so a
// push/pull exchange only needs one slot per distinct clock value rather
// than one per event.
type userEvents struct {
	LTime  LamportTime
	Events []UserEvent
}

// Cluster is the overlay built on membership.Membership: Lamport-ordered
// user events and queries, tag propagation, join/leave intent buffering,
// and Vivaldi network coordinates, all riding membership's gossip and
// push/pull transport.
type Cluster struct {
	config *Config
	logger *log.Logger

	m *membership.Membership

	clock      LamportClock
	eventClock LamportClock
	queryClock LamportClock

	tagLock sync.RWMutex
	tags    map[string]string

	memberLock sync.RWMutex
	members    map[string]*memberState
	leftMembers []string

	eventLock  sync.Mutex
	eventCore  *eventCore
	recentEvents *recentFilter
	recentQueries *recentFilter

	intents *intentBuffer
	tombstones *tombstoneFilter

	queryLock   sync.Mutex
	queries     map[uint32]*QueryResponse
	queryIDLock sync.Mutex
	queryIDSeq  uint32

	coord     *coordinate.Client
	coordLock sync.RWMutex
	coords    map[string]*coordinate.Coordinate

	detector partitionDetector

	snap *snapshotter

	bus       *eventbus.Bus
	eventCh   chan<- eventbus.Event
	userEvCh  chan<- eventbus.Event

	shutdownLock sync.Mutex
	shutdownCh   chan struct{}
	shutdown     bool
	wg           sync.WaitGroup
}

// eventCore stores the buffered user events, indexed by the Lamport time
// they were witnessed at, for replay during push/pull (mirrors how
// membership's node table is replayed, but for user events/queries rather
// than membership state).
type eventCore struct {
	mu     sync.Mutex
	byTime map[LamportTime]*userEvents
	buffer int
}

func newEventCore(buffer int) *eventCore {
	return &eventCore{byTime: make(map[LamportTime]*userEvents), buffer: buffer}
}

func (e *eventCore) record(ltime LamportTime, ev UserEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ue, ok := e.byTime[ltime]
	if !ok {
		ue = &userEvents{LTime: ltime}
		e.byTime[ltime] = ue
	}
	ue.Events = append(ue.Events, ev)
	for t := range e.byTime {
		if int(ltime-t) > e.buffer {
			delete(e.byTime, t)
		}
	}
}

func (e *eventCore) snapshot() []*userEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*userEvents, 0, len(e.byTime))
	for _, ue := range e.byTime {
		out = append(out, ue)
	}
	return out
}

func (e *eventCore) merge(remote []*userEvents) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ue := range remote {
		if _, ok := e.byTime[ue.LTime]; !ok {
			e.byTime[ue.LTime] = ue
		}
	}
}

// Create starts the membership engine and the overlay on top of it,
// publishing member and user-event notifications to bus.
func Create(config *Config, bus *eventbus.Bus) (*Cluster, error) {
	if config.MemberlistConfig == nil {
		return nil, fmt.Errorf("cluster: MemberlistConfig is required")
	}
	logOutput := config.LogOutput
	if logOutput == nil {
		logOutput = io.Discard
	}

	c := &Cluster{
		config:        config,
		logger:        log.New(logOutput, "cluster: ", log.LstdFlags),
		tags:          make(map[string]string),
		members:       make(map[string]*memberState),
		recentEvents:  newRecentFilter(2 * config.EventBuffer),
		recentQueries: newRecentFilter(2 * config.QueryBuffer),
		intents:       newIntentBuffer(config.RecentIntentBuffer),
		tombstones:    newTombstoneFilter(),
		queries:       make(map[uint32]*QueryResponse),
		eventCore:     newEventCore(config.EventBuffer),
		coords:        make(map[string]*coordinate.Coordinate),
		bus:           bus,
		shutdownCh:    make(chan struct{}),
	}
	c.detector = newPartitionDetector(config)
	coord, err := coordinate.NewClient(coordinate.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("cluster: creating coordinate client: %w", err)
	}
	c.coord = coord
	for k, v := range config.Tags {
		c.tags[k] = v
	}

	if config.SnapshotPath != "" {
		snap, err := newSnapshotter(config.SnapshotPath, config.SnapshotMaxSize, c.logger, &c.clock, &c.eventClock, &c.queryClock, c.shutdownCh)
		if err != nil {
			return nil, err
		}
		c.snap = snap
		c.clock.Witness(snap.LastClock())
		c.eventClock.Witness(snap.LastEventClock())
		c.queryClock.Witness(snap.LastQueryClock())
		for name, buf := range snap.Coordinates() {
			if coord, err := decodeCoordinate(buf); err == nil {
				c.coords[name] = coord
			}
		}
	}

	if config.CoalescePeriod > 0 && config.QuiescentPeriod > 0 {
		c.eventCh = coalescedEventCh(bus, c.shutdownCh, config.CoalescePeriod, config.QuiescentPeriod, newMemberEventCoalescer())
	}
	if config.UserCoalescePeriod > 0 {
		c.userEvCh = coalescedEventCh(bus, c.shutdownCh, config.UserCoalescePeriod, config.UserQuiescentPeriod, newUserEventCoalescer())
	}

	config.MemberlistConfig.Name = config.NodeName
	cd := &clusterDelegate{
		delegate:         &delegate{c: c},
		eventDelegate:    &eventDelegate{c: c},
		mergeDelegate:    &mergeDelegate{c: c},
		pingDelegate:     &pingDelegate{c: c},
		conflictDelegate: &conflictDelegate{c: c},
	}
	config.MemberlistConfig.EncryptionEnabled = config.Keyring != nil
	m, err := membership.Create(config.MemberlistConfig, cd, config.Keyring)
	if err != nil {
		return nil, err
	}
	c.m = m

	local := m.LocalNode()
	c.memberLock.Lock()
	c.members[local.Name] = &memberState{Member: memberFromNode(local, StatusAlive)}
	c.memberLock.Unlock()

	c.wg.Add(1)
	go c.reapLoop()

	if c.snap != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.snap.stream(bus)
		}()
	}

	return c, nil
}

// PreviousNodes returns the peers recovered from the snapshot file as of
// the last clean run, for use as extra join candidates alongside any
// configured seed list. Empty if snapshotting is disabled or this is a
// first run.
func (c *Cluster) PreviousNodes() []*PreviousNode {
	if c.snap == nil {
		return nil
	}
	return c.snap.AliveNodes()
}

// clusterDelegate bundles the five membership delegate interfaces by
// embedding each concern's own struct (see delegate.go), so a single value
// can be handed to membership.Create while each method set still lives
// grouped by concern.
type clusterDelegate struct {
	*delegate
	*eventDelegate
	*mergeDelegate
	*pingDelegate
	*conflictDelegate
}

// publish routes a member event through the coalescer (if configured) or
// straight to the bus.
func (c *Cluster) publish(e eventbus.Event) {
	if c.eventCh != nil {
		select {
		case c.eventCh <- e:
		case <-c.shutdownCh:
		}
		return
	}
	c.bus.Publish(e)
}

func (c *Cluster) publishUser(e eventbus.Event) {
	if c.userEvCh != nil {
		select {
		case c.userEvCh <- e:
		case <-c.shutdownCh:
		}
		return
	}
	c.bus.Publish(e)
}

// Join asks membership to contact each address in existing. ignoreOld is
// accepted but has no effect: no intents or events are filtered or replayed
// on its account.
func (c *Cluster) Join(existing []string, ignoreOld bool) (int, error) {
	_ = ignoreOld
	return c.m.Join(existing)
}

// Leave broadcasts a graceful departure and blocks until it has propagated
// or timeout elapses.
func (c *Cluster) Leave() error {
	c.memberLock.Lock()
	if ms, ok := c.members[c.m.LocalName()]; ok {
		ms.Status = StatusLeaving
	}
	c.memberLock.Unlock()

	ltime := c.clock.Increment()
	msg := messageLeave{LTime: ltime, Node: c.m.LocalName()}
	buf, err := encodeMessage(messageLeaveType, &msg)
	if err == nil {
		c.m.QueueBroadcast(newClusterBroadcast("leave-"+msg.Node, buf))
	}

	if c.snap != nil {
		c.snap.Leave()
	}

	return c.m.Leave(5 * time.Second)
}

// Members returns a snapshot of every known member, Alive, Leaving, Left,
// Failed, or Partitioned.
func (c *Cluster) Members() []Member {
	c.memberLock.RLock()
	defer c.memberLock.RUnlock()
	out := make([]Member, 0, len(c.members))
	for _, ms := range c.members {
		out = append(out, ms.Member)
	}
	return out
}

// LocalMember returns this node's own entry.
func (c *Cluster) LocalMember() Member {
	c.memberLock.RLock()
	defer c.memberLock.RUnlock()
	return c.members[c.m.LocalName()].Member
}

// LocalCoordinate returns this node's own estimated network coordinate.
func (c *Cluster) LocalCoordinate() *coordinate.Coordinate {
	return c.coord.GetCoordinate()
}

// GetCoordinate returns the last known coordinate for name, as learned from
// a ping ack it rode on. ok is false if no coordinate has been recorded for
// that node, including for the local node (use LocalCoordinate instead), or
// if the recorded coordinate is invalid.
func (c *Cluster) GetCoordinate(name string) (coord *coordinate.Coordinate, ok bool) {
	c.coordLock.RLock()
	defer c.coordLock.RUnlock()
	coord, ok = c.coords[name]
	if ok && !coord.IsValid() {
		return nil, false
	}
	return
}

// setCoordinate records the last known coordinate for a peer, learned from
// a ping ack.
func (c *Cluster) setCoordinate(name string, coord *coordinate.Coordinate) {
	c.coordLock.Lock()
	defer c.coordLock.Unlock()
	c.coords[name] = coord
}

// Stats reports a snapshot of cluster-wide counters for operator
// inspection, grouped the way the RPC "stats" command and CLI "info"
// surface it: one inner map per subsystem, values stringified so the wire
// format stays a flat map[string]map[string]string regardless of the
// underlying type.
func (c *Cluster) Stats() map[string]map[string]string {
	coordStats := c.coord.Stats()
	return map[string]map[string]string{
		"cluster": {
			"member_count": fmt.Sprintf("%d", c.m.NumNodes()),
			"health_score": fmt.Sprintf("%d", c.m.GetHealthScore()),
			"bytes_clock":  fmt.Sprintf("%d", c.clock.Time()),
			"event_clock":  fmt.Sprintf("%d", c.eventClock.Time()),
			"query_clock":  fmt.Sprintf("%d", c.queryClock.Time()),
			"encrypted":    fmt.Sprintf("%v", c.config.Keyring != nil),
		},
		"coordinate": {
			"adjustment_resets": fmt.Sprintf("%d", coordStats.Resets),
		},
	}
}

// SetTags replaces the local tag set and the local member's Tags, so
// LocalMember and Members reflect the change at once. Peers are not told:
// membership keeps advertising the Meta bytes it captured at Create and
// SetTags queues no new Alive broadcast, so remote nodes keep seeing the
// tags this node started with.
func (c *Cluster) SetTags(tags map[string]string) error {
	buf := encodeTags(tags)
	if len(buf) > 512 {
		return fmt.Errorf("cluster: encoded tags exceed the 512 byte metadata limit")
	}
	c.tagLock.Lock()
	c.tags = make(map[string]string, len(tags))
	for k, v := range tags {
		c.tags[k] = v
	}
	c.tagLock.Unlock()

	c.memberLock.Lock()
	if ms, ok := c.members[c.m.LocalName()]; ok {
		ms.Tags = make(map[string]string, len(tags))
		for k, v := range tags {
			ms.Tags[k] = v
		}
	}
	c.memberLock.Unlock()
	return nil
}

// UserEvent broadcasts a named application event, optionally coalesced
// with other same-named events within the cluster's UserCoalescePeriod.
func (c *Cluster) UserEvent(name string, payload []byte, coalesce bool) error {
	if limit := c.config.UserEventSizeLimit; len(name)+len(payload) > limit {
		return fmt.Errorf("user event payload exceeds limit of %d bytes", limit)
	}

	ltime := c.eventClock.Increment()

	if c.recentEvents.Seen(ltime, name, payload) {
		return nil
	}
	c.recentEvents.Record(ltime, name, payload)
	c.eventCore.record(ltime, UserEvent{LTime: ltime, Name: name, Payload: payload, Coalesce: coalesce})

	msg := messageUserEvent{LTime: ltime, Name: name, Payload: payload, Coalesce: coalesce}
	buf, err := encodeMessage(messageUserEventType, &msg)
	if err != nil {
		return err
	}
	c.m.QueueBroadcast(newClusterBroadcast(fmt.Sprintf("ev-%s-%d", name, ltime), buf))
	c.publishUser(UserEvent{LTime: ltime, Name: name, Payload: payload, Coalesce: coalesce})
	return nil
}

// ForceLeave marks node Left immediately without waiting for the failure
// detector, optionally pruning it from the roster entirely.
func (c *Cluster) ForceLeave(node string, prune bool) error {
	c.memberLock.Lock()
	defer c.memberLock.Unlock()
	ms, ok := c.members[node]
	if !ok {
		return fmt.Errorf("cluster: unknown node %q", node)
	}
	ms.Status = StatusLeft
	ms.leaveTime = time.Now()
	if prune {
		delete(c.members, node)
	}
	return nil
}

// Shutdown tears down the overlay and the underlying membership engine.
func (c *Cluster) Shutdown() error {
	c.shutdownLock.Lock()
	defer c.shutdownLock.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true
	close(c.shutdownCh)
	c.wg.Wait()
	return c.m.Shutdown()
}

func (c *Cluster) handleNodeJoin(n *membership.Node) {
	c.memberLock.Lock()
	ms, existing := c.members[n.Name]
	if !existing {
		ms = &memberState{}
		c.members[n.Name] = ms
	}
	ms.Member = memberFromNode(n, StatusAlive)
	c.tombstones.Clear(n.Name)
	c.memberLock.Unlock()
	c.unsuspectPartition(n.Name)

	c.publish(MemberEvent{Type: EventMemberJoin, Members: []Member{ms.Member}})
}

func (c *Cluster) handleNodeLeave(n *membership.Node) {
	c.memberLock.Lock()
	ms, ok := c.members[n.Name]
	if !ok {
		ms = &memberState{Member: memberFromNode(n, StatusFailed)}
		c.members[n.Name] = ms
	}
	status := StatusFailed
	if ms.Status == StatusLeaving {
		status = StatusLeft
	}
	ms.Status = status
	ms.Member.Status = status
	ms.leaveTime = time.Now()
	c.tombstones.Set(n.Name, ms.leaveTime.Add(c.config.TombstoneTimeout).UnixNano())
	member := ms.Member
	c.memberLock.Unlock()

	evType := EventMemberFailed
	if status == StatusLeft {
		evType = EventMemberLeave
	} else {
		c.suspectPartition(n.Name)
	}
	c.publish(MemberEvent{Type: evType, Members: []Member{member}})
}

func (c *Cluster) handleNodeUpdate(n *membership.Node) {
	c.memberLock.Lock()
	ms, ok := c.members[n.Name]
	if !ok {
		ms = &memberState{}
		c.members[n.Name] = ms
	}
	status := ms.Status
	if status == StatusNone {
		status = StatusAlive
	}
	ms.Member = memberFromNode(n, status)
	member := ms.Member
	c.memberLock.Unlock()

	c.publish(MemberEvent{Type: EventMemberUpdate, Members: []Member{member}})
}

func (c *Cluster) handleUserMessage(buf []byte) {
	if len(buf) < 1 {
		return
	}
	t := messageType(buf[0])
	body := buf[1:]

	switch t {
	case messageLeaveType:
		var msg messageLeave
		if err := decodeMessage(body, &msg); err != nil {
			c.logger.Printf("[ERR] decoding leave message: %v", err)
			return
		}
		c.clock.Witness(msg.LTime)
		if c.intents.Witness(msg.Node, msg.LTime) {
			c.memberLock.Lock()
			if ms, ok := c.members[msg.Node]; ok {
				ms.statusLTime = msg.LTime
				if ms.Status == StatusAlive {
					ms.Status = StatusLeaving
				}
			}
			c.memberLock.Unlock()
		}

	case messageJoinType:
		var msg messageJoin
		if err := decodeMessage(body, &msg); err != nil {
			c.logger.Printf("[ERR] decoding join message: %v", err)
			return
		}
		c.clock.Witness(msg.LTime)
		c.intents.Witness(msg.Node, msg.LTime)

	case messageUserEventType:
		var msg messageUserEvent
		if err := decodeMessage(body, &msg); err != nil {
			c.logger.Printf("[ERR] decoding user event: %v", err)
			return
		}
		c.eventClock.Witness(msg.LTime)
		if c.recentEvents.Seen(msg.LTime, msg.Name, msg.Payload) {
			return
		}
		c.recentEvents.Record(msg.LTime, msg.Name, msg.Payload)
		c.eventCore.record(msg.LTime, UserEvent{LTime: msg.LTime, Name: msg.Name, Payload: msg.Payload, Coalesce: msg.Coalesce})
		c.m.QueueBroadcast(newClusterBroadcast(fmt.Sprintf("ev-%s-%d", msg.Name, msg.LTime), buf))
		c.publishUser(UserEvent{LTime: msg.LTime, Name: msg.Name, Payload: msg.Payload, Coalesce: msg.Coalesce})

	case messageQueryType:
		c.handleQuery(body, buf)

	case messageQueryResponseType:
		c.handleQueryResponse(body)

	case messageRelayType:
		c.handleRelay(body)

	default:
		c.logger.Printf("[WARN] cluster: unrecognized user message type %d", t)
	}
}

func (c *Cluster) localState(join bool) []byte {
	c.memberLock.RLock()
	statusLTimes := make(map[string]LamportTime, len(c.members))
	var left []string
	for name, ms := range c.members {
		statusLTimes[name] = ms.statusLTime
		if ms.Status == StatusLeft {
			left = append(left, name)
		}
	}
	c.memberLock.RUnlock()

	coords := make(map[string][]byte)
	if buf, err := encodeCoordinate(c.coord.GetCoordinate()); err == nil {
		coords[c.m.LocalName()] = buf
	}

	msg := messagePushPull{
		LTime:        c.clock.Time(),
		StatusLTimes: statusLTimes,
		LeftMembers:  left,
		EventLTime:   c.eventClock.Time(),
		Events:       c.eventCore.snapshot(),
		QueryLTime:   c.queryClock.Time(),
		Coordinates:  coords,
	}
	buf := bytes.NewBuffer(nil)
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(&msg); err != nil {
		c.logger.Printf("[ERR] encoding push/pull state: %v", err)
		return nil
	}
	return buf.Bytes()
}

func (c *Cluster) mergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var msg messagePushPull
	if err := codec.NewDecoderBytes(buf, msgpackHandle).Decode(&msg); err != nil {
		c.logger.Printf("[ERR] decoding push/pull state: %v", err)
		return
	}
	c.clock.Witness(msg.LTime)
	c.eventClock.Witness(msg.EventLTime)
	c.queryClock.Witness(msg.QueryLTime)
	c.eventCore.merge(msg.Events)

	c.memberLock.Lock()
	for name, ltime := range msg.StatusLTimes {
		if ms, ok := c.members[name]; ok && ltime > ms.statusLTime {
			ms.statusLTime = ltime
		}
	}
	for _, name := range msg.LeftMembers {
		if ms, ok := c.members[name]; ok {
			ms.Status = StatusLeft
			ms.Member.Status = StatusLeft
		}
	}
	c.memberLock.Unlock()
}

// handleNameConflict is invoked via ConflictDelegate; it hands off to the
// internal conflict query so the cluster can referee which node legitimately
// owns the contested name.
func (c *Cluster) handleNameConflict(existing, other *membership.Node) {
	go c.resolveConflict(existing.Name)
}

