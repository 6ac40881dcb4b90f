package cluster

import "github.com/flocknet/flock/membership"

// clusterBroadcast wraps an encoded cluster message for membership's
// broadcast queue. Dedup is by token: queuing a broadcast with a token
// already in flight invalidates (and finishes) the older one. Tokens are
// "ev-<name>-<ltime>" for user events, "q-<id>" for queries and
// "leave-<node>" for leave intents.
type clusterBroadcast struct {
	tok    string
	msg    []byte
	notify chan struct{}
}

func newClusterBroadcast(tok string, msg []byte) *clusterBroadcast {
	return &clusterBroadcast{tok: tok, msg: msg}
}

func (b *clusterBroadcast) Invalidates(other membership.Broadcast) bool {
	o, ok := other.(*clusterBroadcast)
	return ok && b.tok == o.tok
}

func (b *clusterBroadcast) Message() []byte { return b.msg }

func (b *clusterBroadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}
