package cluster

import (
	"bytes"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// messageType tags every gossip message the cluster layer queues onto the
// membership broadcast queue (membership's own Alive/Suspect/Dead frames use
// a disjoint tag space, see membership.messageType).
type messageType uint8

const (
	messageLeaveType messageType = iota
	messageJoinType
	messagePushPullType
	messageUserEventType
	messageQueryType
	messageQueryResponseType
	messageRelayType
	messageConflictResponseType
	messageKeyRequestType
	messageKeyResponseType
)

// filterType tags the kind of query-restricting filter frame embedded in a
// messageQuery's Filters slice.
type filterType uint8

const (
	filterNodeType filterType = iota
	filterTagType
)

// messageJoin associates a node with a join lamport time. A received one is
// witnessed into the intent buffer (see filter.go); this package never
// sends one.
type messageJoin struct {
	LTime LamportTime
	Node  string
}

// messageLeave is broadcast to signal an intentional departure.
type messageLeave struct {
	LTime LamportTime
	Node  string
}

// messagePushPull is the cluster layer's half of a push/pull exchange,
// carried as the opaque LocalState/MergeRemoteState blob membership hands
// off without interpreting.
type messagePushPull struct {
	LTime        LamportTime
	StatusLTimes map[string]LamportTime
	LeftMembers  []string
	EventLTime   LamportTime
	Events       []*userEvents
	QueryLTime   LamportTime
	Coordinates  map[string][]byte
}

// messageUserEvent carries a user-broadcast event.
type messageUserEvent struct {
	LTime    LamportTime
	Name     string
	Payload  []byte
	Coalesce bool
}

// messageQuery carries a user- or internally-issued query.
type messageQuery struct {
	LTime     LamportTime
	ID        uint32
	Addr      []byte
	Port      uint16
	Filters   [][]byte
	Ack       bool
	RelayFactor uint8
	Timeout   time.Duration
	Name      string
	Payload   []byte
}

// filterNode restricts delivery to the listed node names.
type filterNode []string

// filterTag restricts delivery to nodes whose tag Tag matches the anchored
// regular expression Expr.
type filterTag struct {
	Tag  string
	Expr string
}

// messageQueryResponse carries an ack or a reply to a query.
type messageQueryResponse struct {
	LTime   LamportTime
	ID      uint32
	From    string
	Ack     bool
	Payload []byte
}

// messageRelay wraps a messageQueryResponse that the origin couldn't reach
// directly, asking an intermediate node to forward it on.
type messageRelay struct {
	Addr    []byte
	Port    uint16
	Payload []byte
}

var msgpackHandle = &codec.MsgpackHandle{}

func decodeMessage(buf []byte, out interface{}) error {
	return codec.NewDecoderBytes(buf, msgpackHandle).Decode(out)
}

func encodeMessage(t messageType, msg interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(t))
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeFilter(f filterType, filt interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(f))
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(filt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
