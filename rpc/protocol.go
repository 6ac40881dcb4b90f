// Package rpc puts a length-prefix-free, msgpack-framed control channel in
// front of an agent.Agent, the same shape the agent's own command-line
// tooling and any external operator client speak: one TCP connection,
// handshake first, then a stream of {Command, Seq} requests each answered
// by at least one {Seq, Error} response.
package rpc

import (
	"github.com/flocknet/flock/cluster"
)

const (
	// MinIPCVersion and MaxIPCVersion bound the handshake version a client
	// may request; both are 1 until the wire format actually changes.
	MinIPCVersion = 1
	MaxIPCVersion = 1
)

const (
	handshakeCommand        = "handshake"
	authCommand             = "auth"
	membersCommand          = "members"
	membersFilteredCommand  = "members-filtered"
	eventCommand            = "event"
	queryCommand            = "query"
	respondCommand          = "respond"
	joinCommand             = "join"
	leaveCommand            = "leave"
	forceLeaveCommand       = "force-leave"
	tagsCommand             = "tags"
	installKeyCommand       = "install-key"
	useKeyCommand           = "use-key"
	removeKeyCommand        = "remove-key"
	listKeysCommand         = "list-keys"
	statsCommand            = "stats"
	getCoordinateCommand    = "get-coordinate"
	monitorCommand          = "monitor"
	streamCommand           = "stream"
	stopCommand             = "stop"
)

const (
	unsupportedCommand    = "Unsupported command"
	unsupportedIPCVersion = "Unsupported IPC version"
	duplicateHandshake    = "Duplicate handshake"
	handshakeRequired     = "Handshake required"
	authRequired          = "Authentication required"
	invalidAuthKey        = "Invalid authentication token"
	monitorExists         = "Monitor exists"
	invalidFilter         = "Invalid filter"
	streamExists          = "Stream exists"
	streamNotFound        = "Stream does not exist"
	frameTooLarge         = "frame too large"
)

// requestHeader is decoded first out of every client frame; Command
// dispatches, Seq correlates this request's eventual response(s).
type requestHeader struct {
	Command string
	Seq     uint64
}

// responseHeader is encoded first for every reply; a non-empty Error means
// the request failed and no body follows.
type responseHeader struct {
	Seq   uint64
	Error string
}

type handshakeRequest struct {
	Version int
}

type authRequest struct {
	AuthKey string
}

type membersFilteredRequest struct {
	Tags   map[string]string
	Status string
	Name   string
}

// ipcMember is the wire projection of cluster.Member: member.Tags rides
// across as a plain map rather than the cluster package's encoded byte
// form, since the wire format is this package's contract, not cluster's.
type ipcMember struct {
	Name   string
	Addr   string
	Port   uint16
	Tags   map[string]string
	Status string
}

func toIPCMember(m cluster.Member) ipcMember {
	return ipcMember{
		Name:   m.Name,
		Addr:   m.Addr.String(),
		Port:   m.Port,
		Tags:   m.Tags,
		Status: m.Status.String(),
	}
}

type membersResponse struct {
	Members []ipcMember
}

type eventRequest struct {
	Name     string
	Payload  []byte
	Coalesce bool
}

type queryRequest struct {
	FilterNodes []string
	FilterTags  map[string]string
	RequestAck  bool
	RelayFactor uint8
	Timeout     int64 // nanoseconds; zero picks the cluster default
	Name        string
	Payload     []byte
}

// queryRecord streams down to a client that issued a query, one per ack
// and one per response, terminated by a Type: "done" record once the
// query's window closes.
type queryRecord struct {
	Type    string // "ack", "response", or "done"
	From    string
	Payload []byte
}

// respondRequest answers a query this connection received over an active
// "query" stream subscription; ID must match the ID carried on the
// corresponding streamed queryEventRecord.
type respondRequest struct {
	ID      uint32
	Payload []byte
}

type joinRequest struct {
	Existing []string
	Replay   bool
}

type joinResponse struct {
	Num int
}

type forceLeaveRequest struct {
	Node  string
	Prune bool
}

type tagsRequest struct {
	Tags       map[string]string
	DeleteTags []string
}

type keyRequest struct {
	Key string
}

type keyResponse struct {
	Messages map[string]string
	Keys     map[string]int
	NumNodes int
	NumErr   int
	NumResp  int
}

type statsResponse struct {
	Stats map[string]map[string]string
}

type coordinateRequest struct {
	Node string
}

type coordinateResponse struct {
	Coord *wireCoord
	Ok    bool
}

// wireCoord is the msgpack-friendly projection of coordinate.Coordinate's
// exported fields, so this package doesn't need the coordinate package's
// own (de)serialization helpers, which are cluster-internal.
type wireCoord struct {
	Vec        []float64
	Error      float64
	Adjustment float64
}

type monitorRequest struct {
	LogLevel string
}

type logRecord struct {
	Log string
}

// streamRequest's Type is a comma-separated filter list: "*", "user",
// "user:NAME", "query", "query:NAME", "member-join", "member-leave",
// "member-failed", "member-update", "member-reap".
type streamRequest struct {
	Type string
}

type memberEventRecord struct {
	Event   string
	Members []ipcMember
}

type userEventRecord struct {
	Event    string
	LTime    uint64
	Name     string
	Payload  []byte
	Coalesce bool
}

// queryEventRecord is what a "stream" subscriber covering query events
// receives; ID is what a later respondRequest must echo back.
type queryEventRecord struct {
	Event   string
	ID      uint32
	LTime   uint64
	Name    string
	Payload []byte
}

type stopRequest struct {
	Stop uint64
}
