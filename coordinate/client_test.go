package coordinate

import (
	"math"
	"reflect"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	config := DefaultConfig()
	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(NewCoordinate(config), client.GetCoordinate()) {
		t.Fatalf("A new client should come with a new coordinate")
	}
}

func TestNewClientBadDimensionality(t *testing.T) {
	config := DefaultConfig()
	config.Dimensionality = 0
	if _, err := NewClient(config); err == nil {
		t.Fatalf("expected error for zero dimensionality")
	}
}

func TestClientUpdate(t *testing.T) {
	rtt := 100 * time.Millisecond
	a, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	b, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	for i := 0; i < 10000; i++ {
		a.Update("b", b.GetCoordinate(), rtt)
		b.Update("a", a.GetCoordinate(), rtt)
	}

	dist := a.DistanceTo(b.GetCoordinate())
	if !(math.Abs(float64((rtt - dist).Nanoseconds())) < 0.05*float64(rtt.Nanoseconds())) {
		t.Fatalf("computed distance should converge near %v, got %v", rtt, dist)
	}
}

func TestClientUpdateFiltersOutliers(t *testing.T) {
	a, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	b, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// A single absurd RTT sample, above the 10s ceiling, is rejected
	// outright before it reaches the median filter.
	a.Update("b", b.GetCoordinate(), 50*time.Millisecond)
	a.Update("b", b.GetCoordinate(), 50*time.Millisecond)
	a.Update("b", b.GetCoordinate(), 20*time.Second)

	if got := a.Stats().Resets; got != 0 {
		t.Fatalf("expected no resets, got %d", got)
	}
}

func TestClientForgetNode(t *testing.T) {
	a, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	b, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	a.Update("b", b.GetCoordinate(), 50*time.Millisecond)
	if _, ok := a.samples["b"]; !ok {
		t.Fatalf("expected sample state for b")
	}

	a.ForgetNode("b")
	if _, ok := a.samples["b"]; ok {
		t.Fatalf("expected sample state for b to be forgotten")
	}
}
