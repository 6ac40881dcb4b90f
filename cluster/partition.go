package cluster

import (
	"sync"
	"time"
)

// partitionDetector is a pluggable heuristic for suspecting a network
// partition from a burst of member failures.
type partitionDetector interface {
	suspect(name string)
	unsuspect(name string)
	detected() bool
	partitioned() []string
}

// memberFailure tracks one member's failure time for the ring.
type memberFailure struct {
	name     string
	failTime time.Time
}

// partitionRing signals a suspected partition when PartitionCount distinct
// failures all land within PartitionInterval of each other: a ring of that
// size where every slot is filled and none has aged past the interval.
type partitionRing struct {
	mu    sync.Mutex
	index int
	ring  []*memberFailure
	window time.Duration
}

func newPartitionRing(count int, window time.Duration) *partitionRing {
	if count <= 0 {
		count = 1
	}
	return &partitionRing{ring: make([]*memberFailure, count), window: window}
}

func (p *partitionRing) suspect(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring[p.index] = &memberFailure{name: name, failTime: time.Now()}
	p.index = (p.index + 1) % len(p.ring)
}

func (p *partitionRing) unsuspect(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.ring {
		if f != nil && f.name == name {
			p.ring[i] = nil
		}
	}
}

func (p *partitionRing) detected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.window)
	for _, f := range p.ring {
		if f == nil || f.failTime.Before(cutoff) {
			return false
		}
	}
	return true
}

func (p *partitionRing) partitioned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.ring))
	for _, f := range p.ring {
		if f != nil {
			out = append(out, f.name)
		}
	}
	return out
}

// noopPartitionDetector disables partition detection (PartitionCount <= 0).
type noopPartitionDetector struct{}

func (noopPartitionDetector) suspect(string)     {}
func (noopPartitionDetector) unsuspect(string)   {}
func (noopPartitionDetector) detected() bool     { return false }
func (noopPartitionDetector) partitioned() []string { return nil }

func newPartitionDetector(config *Config) partitionDetector {
	if config.PartitionCount <= 0 || config.PartitionInterval <= 0 {
		return noopPartitionDetector{}
	}
	return newPartitionRing(config.PartitionCount, config.PartitionInterval)
}

// suspectPartition runs the failure past the detector and, if the
// heuristic now believes the cluster is split, flips every member it
// implicates from Failed to Partitioned and republishes a MemberEvent.
func (c *Cluster) suspectPartition(name string) {
	c.detector.suspect(name)
	if !c.detector.detected() {
		return
	}

	var changed []Member
	c.memberLock.Lock()
	for _, n := range c.detector.partitioned() {
		ms, ok := c.members[n]
		if !ok || ms.Status != StatusFailed {
			continue
		}
		ms.Status = StatusPartitioned
		ms.Member.Status = StatusPartitioned
		changed = append(changed, ms.Member)
	}
	c.memberLock.Unlock()

	if len(changed) > 0 {
		c.publish(MemberEvent{Type: EventMemberUpdate, Members: changed})
	}
}

// unsuspectPartition clears any pending partition suspicion for name, used
// when a previously-failed member rejoins.
func (c *Cluster) unsuspectPartition(name string) {
	c.detector.unsuspect(name)
}
