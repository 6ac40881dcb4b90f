package cluster

import (
	"time"

	"github.com/flocknet/flock/eventbus"
)

// coalescer is implemented by the member-event and user-event coalescing
// strategies that sit in front of the event bus.
type coalescer interface {
	// Handle reports whether this coalescer wants to buffer e itself; a
	// false result passes e straight through uncoalesced.
	Handle(e eventbus.Event) bool

	// Coalesce folds e into whatever is currently buffered.
	Coalesce(e eventbus.Event)

	// Flush publishes whatever is buffered and resets for the next round.
	Flush(publish func(eventbus.Event))
}

// coalescedEventCh returns an input channel; events sent to it are either
// passed straight to bus (if the coalescer doesn't want them) or folded
// into the coalescer's buffer and flushed at most once per coalescePeriod,
// sooner if quiescentPeriod elapses with no new events.
func coalescedEventCh(bus *eventbus.Bus, shutdownCh <-chan struct{},
	coalescePeriod, quiescentPeriod time.Duration, c coalescer) chan<- eventbus.Event {
	inCh := make(chan eventbus.Event, 1024)
	go coalesceLoop(inCh, bus, shutdownCh, coalescePeriod, quiescentPeriod, c)
	return inCh
}

func coalesceLoop(inCh <-chan eventbus.Event, bus *eventbus.Bus, shutdownCh <-chan struct{},
	coalescePeriod, quiescentPeriod time.Duration, c coalescer) {
	var quiescent <-chan time.Time
	var quantum <-chan time.Time
	shutdown := false

ingest:
	quantum = nil
	quiescent = nil

	for {
		select {
		case e := <-inCh:
			if !c.Handle(e) {
				bus.Publish(e)
				continue
			}
			if quantum == nil {
				quantum = time.After(coalescePeriod)
			}
			quiescent = time.After(quiescentPeriod)
			c.Coalesce(e)

		case <-quantum:
			goto flush
		case <-quiescent:
			goto flush
		case <-shutdownCh:
			shutdown = true
			goto flush
		}
	}

flush:
	c.Flush(bus.Publish)
	if !shutdown {
		goto ingest
	}
}
