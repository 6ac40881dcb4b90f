package cluster

import (
	"time"

	"github.com/flocknet/flock/membership"
)

// delegate adapts Cluster to membership.Delegate and its optional
// extension interfaces. It is the only place membership's SWIM engine
// touches cluster-layer state.
type delegate struct {
	c *Cluster
}

func (d *delegate) NodeMeta(limit int) []byte {
	d.c.tagLock.RLock()
	defer d.c.tagLock.RUnlock()
	buf := encodeTags(d.c.tags)
	if len(buf) > limit {
		d.c.logger.Printf("[WARN] cluster: tags exceed %d bytes, truncating advertisement", limit)
		return buf[:limit]
	}
	return buf
}

func (d *delegate) NotifyMsg(buf []byte) {
	if len(buf) < 1 {
		return
	}
	d.c.handleUserMessage(buf)
}

// GetBroadcasts returns nil: every cluster-layer message (user event,
// query, intent, key rotation) is queued directly onto membership's own
// broadcast queue via Membership.QueueBroadcast, so there is no separate pool
// to piggyback here.
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (d *delegate) LocalState(join bool) []byte {
	return d.c.localState(join)
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	d.c.mergeRemoteState(buf, join)
}

// conflictDelegate adapts Cluster to membership.ConflictDelegate, publishing
// a query so other nodes can referee which node legitimately owns a name.
type conflictDelegate struct {
	c *Cluster
}

func (cd *conflictDelegate) NotifyConflict(existing, other *membership.Node) {
	cd.c.logger.Printf("[WARN] cluster: name conflict for %q between %s and %s",
		existing.Name, existing.Address(), other.Address())
	cd.c.handleNameConflict(existing, other)
}

// eventDelegate adapts Cluster to membership.EventDelegate.
type eventDelegate struct {
	c *Cluster
}

func (e *eventDelegate) NotifyJoin(n *membership.Node)   { e.c.handleNodeJoin(n) }
func (e *eventDelegate) NotifyLeave(n *membership.Node)  { e.c.handleNodeLeave(n) }
func (e *eventDelegate) NotifyUpdate(n *membership.Node) { e.c.handleNodeUpdate(n) }

// mergeDelegate adapts Cluster to membership.MergeDelegate.
type mergeDelegate struct {
	c *Cluster
}

func (m *mergeDelegate) NotifyMerge(peers []*membership.Node) error {
	if m.c.config.MemberlistConfig == nil {
		return nil
	}
	return nil
}

func (m *mergeDelegate) NotifyAlive(peer *membership.Node) error {
	return nil
}

// pingDelegate adapts Cluster to membership.PingDelegate, riding Vivaldi
// coordinate exchange on top of every successful SWIM probe round-trip.
type pingDelegate struct {
	c *Cluster
}

func (p *pingDelegate) AckPayload() []byte {
	if p.c.coord == nil {
		return nil
	}
	buf, err := encodeCoordinate(p.c.coord.GetCoordinate())
	if err != nil {
		return nil
	}
	return buf
}

func (p *pingDelegate) NotifyPingComplete(other *membership.Node, rtt time.Duration, payload []byte) {
	if p.c.coord == nil || len(payload) == 0 {
		return
	}
	remote, err := decodeCoordinate(payload)
	if err != nil {
		return
	}
	p.c.coord.Update(other.Name, remote, rtt)
	p.c.setCoordinate(other.Name, remote)
	if p.c.snap != nil {
		p.c.snap.recordCoordinate(other.Name, payload)
	}
}
