package membership

import "time"

// Delegate is the narrow interface the upper (cluster) layer implements and
// hands to Create. It is the only coupling between the two layers: no
// pointer back from Membership into cluster-specific types exists anywhere
// else.
type Delegate interface {
	// NodeMeta returns the opaque metadata blob to advertise for the
	// local node, truncated to at most limit bytes.
	NodeMeta(limit int) []byte

	// NotifyMsg is invoked for every user message (type tag 8, "user")
	// received over the wire, already decrypted/decompressed.
	NotifyMsg(buf []byte)

	// GetBroadcasts is called when the engine is about to send a
	// compound message and wants to piggy-back additional
	// upper-layer-owned broadcasts. overhead bounds the per-message
	// envelope and limit bounds the total returned size.
	GetBroadcasts(overhead, limit int) [][]byte

	// LocalState is included in the outgoing half of a push/pull
	// exchange; join is true if this call is part of the initial join
	// sync rather than a periodic one.
	LocalState(join bool) []byte

	// MergeRemoteState is given the other side's LocalState output
	// during a push/pull exchange.
	MergeRemoteState(buf []byte, join bool)
}

// EventDelegate receives membership state-transition notifications. All
// calls happen outside any core lock.
type EventDelegate interface {
	NotifyJoin(node *Node)
	NotifyLeave(node *Node)
	NotifyUpdate(node *Node)
}

// ConflictDelegate is notified when two nodes claim the same name with
// addresses that don't match, which the engine cannot resolve on its own.
type ConflictDelegate interface {
	NotifyConflict(existing, other *Node)
}

// MergeDelegate gets a chance to veto a push/pull merge or a gossiped Alive
// before it's applied, e.g. to validate name/tag constraints.
type MergeDelegate interface {
	NotifyMerge(peers []*Node) error
	NotifyAlive(peer *Node) error
}

// PingDelegate is consulted on every probe round-trip so the upper layer
// can ride coordinate exchange and custom ack payloads on the SWIM ping
// path without the engine needing to know anything about Vivaldi.
type PingDelegate interface {
	// AckPayload returns the payload to attach to an outgoing ack.
	AckPayload() []byte

	// NotifyPingComplete is invoked with the round-trip time and the
	// peer's ack payload once an ack is received (or not called at all
	// on timeout).
	NotifyPingComplete(other *Node, rtt time.Duration, payload []byte)
}
