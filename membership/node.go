package membership

import (
	"fmt"
	"net"
)

// NodeStateType is the state of a node as seen by the local node table.
type NodeStateType int

const (
	StateAlive NodeStateType = iota
	StateSuspect
	StateDead
	StateLeft
)

func (s NodeStateType) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Node represents a single peer as known to the membership engine.
type Node struct {
	Name        string
	Addr        net.IP
	Port        uint16
	Meta        []byte
	PMin        uint8
	PMax        uint8
	PCur        uint8
	DMin        uint8
	DMax        uint8
	DCur        uint8
}

// Address returns the "ip:port" form used for dialing and as a map key
// fallback when names collide across addresses.
func (n *Node) Address() string {
	return net.JoinHostPort(n.Addr.String(), fmt.Sprintf("%d", n.Port))
}

// nodeState tracks a Node plus the failure-detector bookkeeping the engine
// needs: its state, incarnation, and when it last changed state.
type nodeState struct {
	Node
	Incarnation uint32
	State       NodeStateType
	StateChange int64 // unix nanos
}

// address is a convenience passthrough so nodeState satisfies the same
// address accessor as Node in call sites that only have a *nodeState.
func (n *nodeState) address() string {
	return n.Node.Address()
}

// DeadOrLeft reports whether this node should be excluded from the active
// probe ring and from gossip fanout target selection.
func (n *nodeState) DeadOrLeft() bool {
	return n.State == StateDead || n.State == StateLeft
}
