package cluster

import "github.com/flocknet/flock/eventbus"

// nodeEvent is the last transition recorded for one member name.
type nodeEvent struct {
	Type   EventType
	Member Member
}

func (n *nodeEvent) Equal(other *nodeEvent) bool {
	return n.Type == other.Type && n.Member.Name == other.Member.Name
}

// memberEventCoalescer buffers member state transitions and flushes one
// MemberEvent per type per window, deduping repeated flaps of the same
// member within the coalescing period.
type memberEventCoalescer struct {
	lastEvents map[string]*nodeEvent
	newEvents  map[string]*nodeEvent
}

func newMemberEventCoalescer() *memberEventCoalescer {
	return &memberEventCoalescer{
		lastEvents: make(map[string]*nodeEvent),
		newEvents:  make(map[string]*nodeEvent),
	}
}

func (c *memberEventCoalescer) Handle(e eventbus.Event) bool {
	ke, ok := e.(kindEvent)
	if !ok {
		return false
	}
	switch ke.Kind() {
	case EventMemberJoin, EventMemberLeave, EventMemberFailed, EventMemberUpdate, EventMemberReap:
		return true
	default:
		return false
	}
}

func (c *memberEventCoalescer) Coalesce(e eventbus.Event) {
	me := e.(MemberEvent)
	for _, m := range me.Members {
		c.newEvents[m.Name] = &nodeEvent{Type: me.Type, Member: m}
	}
}

func (c *memberEventCoalescer) Flush(publish func(eventbus.Event)) {
	byType := make(map[EventType][]Member)
	for name, ev := range c.newEvents {
		if last, ok := c.lastEvents[name]; ok && last.Equal(ev) {
			continue
		}
		byType[ev.Type] = append(byType[ev.Type], ev.Member)
		c.lastEvents[name] = ev
	}
	for t, members := range byType {
		publish(MemberEvent{Type: t, Members: members})
	}
	c.newEvents = make(map[string]*nodeEvent)
}
