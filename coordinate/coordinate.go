package coordinate

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Coordinate is a specialized structure for holding network coordinates for
// the Vivaldi-based coordinate mapping algorithm. All of the fields should
// be public to enable this to be serialized.
type Coordinate struct {
	// Vec is the Euclidean portion of the coordinate. This is used along
	// with the other fields to provide an overall distance estimate.
	Vec []float64

	// Error reflects the confidence in the given coordinate and is updated
	// dynamically by the Vivaldi Client.
	Error float64

	// Adjustment is a distance offset computed based on a calculation over
	// observations from all other nodes over a fixed window and is updated
	// dynamically by the Vivaldi Client.
	Adjustment float64
}

// ErrDimensionalityConflict is returned if you try to perform operations
// with incompatible dimensions.
var ErrDimensionalityConflict = errors.New("coordinate dimensionality does not match")

// NewCoordinate creates a new coordinate at the origin, using the given
// config to supply key initial values.
func NewCoordinate(config *Config) *Coordinate {
	return &Coordinate{
		Vec:        make([]float64, config.Dimensionality),
		Error:      config.VivaldiErrorMax,
		Adjustment: 0.0,
	}
}

// Clone creates an independent copy of this coordinate.
func (c *Coordinate) Clone() *Coordinate {
	vec := make([]float64, len(c.Vec))
	copy(vec, c.Vec)
	return &Coordinate{
		Vec:        vec,
		Error:      c.Error,
		Adjustment: c.Adjustment,
	}
}

// IsValid returns false if any component of the coordinate is NaN or
// infinite. A coordinate can reach an invalid state after enough malformed
// or adversarial updates; callers should reset to the origin rather than
// keep using it.
func (c *Coordinate) IsValid() bool {
	check := append([]float64{c.Error, c.Adjustment}, c.Vec...)
	for _, v := range check {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ApplyForce returns the result of applying the force in the direction of
// the other coordinate.
func (c *Coordinate) ApplyForce(force float64, other *Coordinate) *Coordinate {
	if len(c.Vec) != len(other.Vec) {
		panic(ErrDimensionalityConflict)
	}

	ret := c.Clone()
	ret.Vec = add(ret.Vec, mul(unitVectorAt(ret.Vec, other.Vec), force))
	return ret
}

// rawDistanceTo returns the Euclidean-only distance (seconds) between this
// coordinate and other, ignoring the adjustment term. Used internally when
// computing the adjustment window itself, which must not include its own
// output.
func (c *Coordinate) rawDistanceTo(other *Coordinate) float64 {
	if len(c.Vec) != len(other.Vec) {
		panic(ErrDimensionalityConflict)
	}
	return magnitude(diff(c.Vec, other.Vec))
}

// DistanceTo returns the estimated RTT between this coordinate and other.
func (c *Coordinate) DistanceTo(other *Coordinate) time.Duration {
	dist := c.rawDistanceTo(other) + c.Adjustment + other.Adjustment
	if dist < 0 {
		dist = 0
	}
	return time.Duration(dist * float64(time.Second))
}

func add(vec1 []float64, vec2 []float64) []float64 {
	ret := make([]float64, len(vec1))
	for i := range ret {
		ret[i] = vec1[i] + vec2[i]
	}
	return ret
}

func diff(vec1 []float64, vec2 []float64) []float64 {
	ret := make([]float64, len(vec1))
	for i := range ret {
		ret[i] = vec1[i] - vec2[i]
	}
	return ret
}

func mul(vec []float64, factor float64) []float64 {
	ret := make([]float64, len(vec))
	for i := range vec {
		ret[i] = vec[i] * factor
	}
	return ret
}

func magnitude(vec []float64) float64 {
	sum := 0.0
	for i := range vec {
		sum += vec[i] * vec[i]
	}
	return math.Sqrt(sum)
}

// unitVectorAt returns a unit vector pointing at vec1 from vec2 (the way an
// object positioned at vec1 would move if it was being repelled by an
// object at vec2). If the two positions are the same then a random unit
// vector is returned.
func unitVectorAt(vec1 []float64, vec2 []float64) []float64 {
	ret := diff(vec1, vec2)

	const zeroThreshold = 1.0e-6
	if mag := magnitude(ret); mag > zeroThreshold {
		return mul(ret, 1.0/mag)
	}

	for i := range ret {
		ret[i] = rand.Float64() - 0.5
	}
	if mag := magnitude(ret); mag > zeroThreshold {
		return mul(ret, 1.0/mag)
	}

	for i := range ret {
		if i == 0 {
			ret[i] = 1.0
		} else {
			ret[i] = 0.0
		}
	}
	return ret
}
