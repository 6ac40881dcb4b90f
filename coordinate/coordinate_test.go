package coordinate

import (
	"math"
	"testing"
)

func TestCoordinateArithmetic(t *testing.T) {
	// A is at (1, 1, 1), B is at (2, 3, 4).
	// B - A = (1, 2, 3), dist(A, B) = sqrt(14).
	config := DefaultConfig()
	config.Dimensionality = 3

	a := NewCoordinate(config)
	a.Vec[0], a.Vec[1], a.Vec[2] = 1, 1, 1

	b := NewCoordinate(config)
	b.Vec[0], b.Vec[1], b.Vec[2] = 2, 3, 4

	d := diff(b.Vec, a.Vec)
	if !(d[0] == 1 && d[1] == 2 && d[2] == 3) {
		t.Fatalf("incorrect difference: %+v", d)
	}

	dist := a.rawDistanceTo(b)
	if math.Abs(dist-math.Sqrt(14)) > 1e-9 {
		t.Fatalf("incorrect distance: %f", dist)
	}

	dist2 := b.rawDistanceTo(a)
	if dist != dist2 {
		t.Fatalf("distance should be symmetrical: %f vs %f", dist, dist2)
	}
}

func TestCoordinateIsValid(t *testing.T) {
	config := DefaultConfig()
	c := NewCoordinate(config)
	if !c.IsValid() {
		t.Fatalf("fresh coordinate should be valid")
	}

	c.Vec[0] = math.NaN()
	if c.IsValid() {
		t.Fatalf("NaN component should be invalid")
	}

	c2 := NewCoordinate(config)
	c2.Adjustment = math.Inf(1)
	if c2.IsValid() {
		t.Fatalf("infinite adjustment should be invalid")
	}
}

func TestCoordinateClone(t *testing.T) {
	config := DefaultConfig()
	c := NewCoordinate(config)
	c.Vec[0] = 5
	clone := c.Clone()
	clone.Vec[0] = 10
	if c.Vec[0] != 5 {
		t.Fatalf("mutating the clone should not affect the original")
	}
}
