package cluster

import (
	"net"
	"strconv"
	"time"
)

// reapLoop periodically prunes Left/Failed members whose tombstone
// deadline has passed, and attempts to reconnect to Failed (not Left)
// members as a safety net for partitions gossip alone can't repair.
func (c *Cluster) reapLoop() {
	defer c.wg.Done()

	var reapTick, reconnectTick <-chan time.Time
	if c.config.ReapInterval > 0 {
		t := time.NewTicker(c.config.ReapInterval)
		defer t.Stop()
		reapTick = t.C
	}
	if c.config.ReconnectInterval > 0 {
		t := time.NewTicker(c.config.ReconnectInterval)
		defer t.Stop()
		reconnectTick = t.C
	}

	for {
		select {
		case <-reapTick:
			c.reap()
		case <-reconnectTick:
			c.reconnect()
		case <-c.shutdownCh:
			return
		}
	}
}

// reap removes any member whose tombstone deadline has passed, whether it
// left gracefully or was marked Failed.
func (c *Cluster) reap() {
	expired := c.tombstones.Expired(time.Now().UnixNano())
	if len(expired) == 0 {
		return
	}
	c.memberLock.Lock()
	var reaped []Member
	for _, name := range expired {
		if ms, ok := c.members[name]; ok {
			reaped = append(reaped, ms.Member)
			delete(c.members, name)
		}
	}
	c.memberLock.Unlock()
	if len(reaped) > 0 {
		c.publish(MemberEvent{Type: EventMemberReap, Members: reaped})
	}
}

// reconnect attempts to re-establish contact with one Failed member per
// tick (Left members are never retried), so an asymmetric partition that
// dropped only the outbound path toward a peer can heal before that peer's
// tombstone timeout reaps it.
func (c *Cluster) reconnect() {
	c.memberLock.RLock()
	var target *Member
	for _, ms := range c.members {
		if ms.Status != StatusFailed {
			continue
		}
		if time.Since(ms.leaveTime) > c.config.ReconnectTimeout {
			continue
		}
		m := ms.Member
		target = &m
		break
	}
	c.memberLock.RUnlock()
	if target == nil {
		return
	}

	addr := net.JoinHostPort(target.Addr.String(), strconv.Itoa(int(target.Port)))
	if _, err := c.m.Join([]string{addr}); err != nil {
		c.logger.Printf("[DEBUG] cluster: reconnect to %s failed: %v", target.Name, err)
	}
}
