package cluster

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
)

// encodeTags msgpack-encodes a tag map into the opaque bytes carried as a
// membership Node's Meta, truncated by the caller to the delegate's
// advertised limit.
func encodeTags(tags map[string]string) []byte {
	if len(tags) == 0 {
		return nil
	}
	buf := bytes.NewBuffer(nil)
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(tags); err != nil {
		return nil
	}
	return buf.Bytes()
}

// decodeTags is the inverse of encodeTags; a malformed or empty blob
// decodes to an empty, non-nil map so callers can range over it safely.
func decodeTags(buf []byte) map[string]string {
	tags := make(map[string]string)
	if len(buf) == 0 {
		return tags
	}
	if err := codec.NewDecoderBytes(buf, msgpackHandle).Decode(&tags); err != nil {
		return make(map[string]string)
	}
	return tags
}
