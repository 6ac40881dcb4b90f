package cluster

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/flocknet/flock/coordinate"
)

// wireCoordinate is the msgpack-friendly projection of coordinate.Coordinate
// ridden on ping acks; coordinate.Coordinate's own fields are exported so
// this just exists to keep the wire encoding decoupled from internal field
// naming changes in the coordinate package.
type wireCoordinate struct {
	Vec        []float64
	Error      float64
	Adjustment float64
}

func encodeCoordinate(c *coordinate.Coordinate) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	enc := codec.NewEncoder(buf, msgpackHandle)
	w := wireCoordinate{Vec: c.Vec, Error: c.Error, Adjustment: c.Adjustment}
	if err := enc.Encode(&w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCoordinate(buf []byte) (*coordinate.Coordinate, error) {
	var w wireCoordinate
	if err := codec.NewDecoderBytes(buf, msgpackHandle).Decode(&w); err != nil {
		return nil, err
	}
	return &coordinate.Coordinate{Vec: w.Vec, Error: w.Error, Adjustment: w.Adjustment}, nil
}
