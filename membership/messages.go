package membership

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// messageType is the 1-byte tag prefixing every packet/stream frame, as
// named in the cluster wire protocol.
type messageType uint8

const (
	pingMsg messageType = iota
	indirectPingMsg
	ackRespMsg
	suspectMsg
	aliveMsg
	deadMsg
	pushPullMsg
	compoundMsg
	userMsg
	compressMsg
	encryptMsg
	nackRespMsg
	hasCrcMsg
	errMsg
)

var msgpackHandle = &codec.MsgpackHandle{}

// ping is sent to directly probe a node.
type ping struct {
	SeqNo      uint32
	Node       string
	SourceAddr []byte `codec:",omitempty"`
	SourcePort uint16 `codec:",omitempty"`
	SourceNode string `codec:",omitempty"`
}

// indirectPingReq asks Node to relay a ping to Target on behalf of the
// sender, replying directly to SourceAddr/SourcePort.
type indirectPingReq struct {
	SeqNo      uint32
	Target     []byte
	Port       uint16
	Node       string
	Nack       bool
	SourceAddr []byte `codec:",omitempty"`
	SourcePort uint16 `codec:",omitempty"`
	SourceNode string `codec:",omitempty"`
}

// ackResp is sent in response to a ping or relayed indirect ping.
type ackResp struct {
	SeqNo   uint32
	Payload []byte `codec:",omitempty"`
}

// nackResp is sent by a relay that could not reach the indirect ping's
// target, so the origin doesn't have to wait the full timeout believing a
// relay failure is a target failure.
type nackResp struct {
	SeqNo uint32
}

// suspect is broadcast when a probe believes a peer may be down.
type suspect struct {
	Incarnation uint32
	Node        string
	From        string
}

// alive is broadcast to install or refute a node, and is also the vehicle
// for propagating updated Meta (tags).
type alive struct {
	Incarnation uint32
	Node        string
	Addr        []byte
	Port        uint16
	Meta        []byte
	Vsn         []uint8 // [PMin, PMax, PCur, DMin, DMax, DCur]
}

// dead is broadcast when a suspicion timer fires, or to announce a
// graceful leave (From == Node, Incarnation == the leaving node's own).
type dead struct {
	Incarnation uint32
	Node        string
	From        string
}

// pushPullHeader precedes the per-node state list in a push/pull stream
// exchange; Nodes bounds how many pushNodeState records follow, and
// UserStateLen bounds the upper-layer opaque blob that follows those.
type pushPullHeader struct {
	Nodes        int
	UserStateLen int
	Join         bool
}

// pushNodeState is one entry in a push/pull full-state exchange.
type pushNodeState struct {
	Name        string
	Addr        []byte
	Port        uint16
	Meta        []byte
	Incarnation uint32
	State       NodeStateType
	Vsn         []uint8
}

// compoundHeader precedes NumParts length-prefixed sub-messages packed into
// one UDP datagram, used to piggy-back gossip on top of small packets
// without risking one slow send per broadcast.
type compoundHeader struct {
	NumParts uint8
}

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

// makeCompoundMessage packs multiple already-encoded messages into a single
// buffer prefixed with a compound type tag and per-message length headers.
func makeCompoundMessage(msgs [][]byte) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(compoundMsg))
	buf.WriteByte(uint8(len(msgs)))
	for _, m := range msgs {
		lengthBuf := []byte{uint8(len(m) >> 8), uint8(len(m))}
		buf.Write(lengthBuf)
	}
	for _, m := range msgs {
		buf.Write(m)
	}
	return buf.Bytes()
}

// decodeCompoundMessage splits a compound message body (without its leading
// type byte) back into the individual sub-message buffers.
func decodeCompoundMessage(buf []byte) ([][]byte, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("membership: truncated compound message")
	}
	numParts := int(buf[0])
	buf = buf[1:]

	if len(buf) < numParts*2 {
		return nil, fmt.Errorf("membership: truncated compound message length headers")
	}
	lengths := make([]int, numParts)
	for i := 0; i < numParts; i++ {
		lengths[i] = int(buf[i*2])<<8 | int(buf[i*2+1])
	}
	buf = buf[numParts*2:]

	parts := make([][]byte, 0, numParts)
	for _, l := range lengths {
		if len(buf) < l {
			return nil, fmt.Errorf("membership: truncated compound message part")
		}
		parts = append(parts, buf[:l])
		buf = buf[l:]
	}
	return parts, nil
}
