package cluster

import "github.com/flocknet/flock/eventbus"

// latestUserEvents tracks the highest Lamport time seen so far for one
// event name, plus every event tied at that time.
type latestUserEvents struct {
	LTime  LamportTime
	Events []UserEvent
}

// userEventCoalescer buffers user events marked Coalesce and flushes only
// the most recent (by Lamport time) event per name each window, so a burst
// of rapid updates to the same key collapses to its final value.
type userEventCoalescer struct {
	events map[string]*latestUserEvents
}

func newUserEventCoalescer() *userEventCoalescer {
	return &userEventCoalescer{events: make(map[string]*latestUserEvents)}
}

func (c *userEventCoalescer) Handle(e eventbus.Event) bool {
	ue, ok := e.(UserEvent)
	return ok && ue.Coalesce
}

func (c *userEventCoalescer) Coalesce(e eventbus.Event) {
	ue := e.(UserEvent)
	cur, ok := c.events[ue.Name]
	if !ok {
		c.events[ue.Name] = &latestUserEvents{LTime: ue.LTime, Events: []UserEvent{ue}}
		return
	}
	switch {
	case ue.LTime > cur.LTime:
		c.events[ue.Name] = &latestUserEvents{LTime: ue.LTime, Events: []UserEvent{ue}}
	case ue.LTime == cur.LTime:
		cur.Events = append(cur.Events, ue)
	}
}

func (c *userEventCoalescer) Flush(publish func(eventbus.Event)) {
	for _, le := range c.events {
		for _, ue := range le.Events {
			publish(ue)
		}
	}
	c.events = make(map[string]*latestUserEvents)
}
