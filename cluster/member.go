package cluster

import (
	"fmt"
	"net"
	"time"

	"github.com/flocknet/flock/membership"
)

// MemberStatus is the cluster-level view of a node, derived from (but
// richer than) membership's own Alive/Suspect/Dead/Left state: it adds the
// Leaving (graceful-departure-in-progress) and Partitioned states the
// overlay layer is responsible for recognizing.
type MemberStatus int

const (
	StatusNone MemberStatus = iota
	StatusAlive
	StatusLeaving
	StatusLeft
	StatusFailed
	StatusPartitioned
)

func (s MemberStatus) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	case StatusFailed:
		return "failed"
	case StatusPartitioned:
		return "partitioned"
	default:
		return "none"
	}
}

// Member is a single cluster member as exposed to callers (CLI/RPC/event
// handlers): identity, address, decoded tags, and protocol version info.
type Member struct {
	Name   string
	Addr   net.IP
	Port   uint16
	Tags   map[string]string
	Status MemberStatus

	ProtocolMin uint8
	ProtocolMax uint8
	ProtocolCur uint8
	DelegateMin uint8
	DelegateMax uint8
	DelegateCur uint8
}

func (m Member) String() string {
	return fmt.Sprintf("%s(%s:%d)[%s]", m.Name, m.Addr, m.Port, m.Status)
}

// memberState tracks a Member plus the bookkeeping the overlay needs beyond
// what membership already tracks: the lamport time of the last applied
// status change (for intent ordering) and, for Left/Failed members, when
// they transitioned (for tombstone reaping).
type memberState struct {
	Member
	statusLTime LamportTime
	leaveTime   time.Time
}

func memberFromNode(n *membership.Node, status MemberStatus) Member {
	return Member{
		Name:        n.Name,
		Addr:        n.Addr,
		Port:        n.Port,
		Tags:        decodeTags(n.Meta),
		Status:      status,
		ProtocolMin: n.PMin,
		ProtocolMax: n.PMax,
		ProtocolCur: n.PCur,
		DelegateMin: n.DMin,
		DelegateMax: n.DMax,
		DelegateCur: n.DCur,
	}
}

func clusterStatus(s membership.NodeStateType) MemberStatus {
	switch s {
	case membership.StateAlive:
		return StatusAlive
	case membership.StateSuspect:
		return StatusFailed
	case membership.StateDead:
		return StatusFailed
	case membership.StateLeft:
		return StatusLeft
	default:
		return StatusNone
	}
}
