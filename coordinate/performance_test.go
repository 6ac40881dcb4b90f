package coordinate

import (
	"testing"
	"time"
)

func TestPerformance_Line(t *testing.T) {
	const spacing = 10 * time.Millisecond
	const nodes, cycles = 10, 2000
	config := DefaultConfig()
	clients, err := GenerateClients(nodes, config)
	if err != nil {
		t.Fatal(err)
	}
	truth := GenerateLine(nodes, spacing)
	Simulate(clients, truth, cycles, nil)
	stats := Evaluate(clients, truth)
	if stats.ErrorAvg > 0.006 || stats.ErrorMax > 0.02 {
		t.Fatalf("performance stats are out of spec: %v", stats)
	}
}

func TestPerformance_Grid(t *testing.T) {
	const spacing = 10 * time.Millisecond
	const nodes, cycles = 25, 2000
	config := DefaultConfig()
	clients, err := GenerateClients(nodes, config)
	if err != nil {
		t.Fatal(err)
	}
	truth := GenerateGrid(nodes, spacing)
	Simulate(clients, truth, cycles, nil)
	stats := Evaluate(clients, truth)
	if stats.ErrorAvg > 0.006 || stats.ErrorMax > 0.07 {
		t.Fatalf("performance stats are out of spec: %v", stats)
	}
}

func TestPerformance_Split(t *testing.T) {
	const lan, wan = 1 * time.Millisecond, 10 * time.Millisecond
	const nodes, cycles = 25, 2000
	config := DefaultConfig()
	clients, err := GenerateClients(nodes, config)
	if err != nil {
		t.Fatal(err)
	}
	truth := GenerateSplit(nodes, lan, wan)
	Simulate(clients, truth, cycles, nil)
	stats := Evaluate(clients, truth)
	if stats.ErrorAvg > 0.0003 || stats.ErrorMax > 0.002 {
		t.Fatalf("performance stats are out of spec: %v", stats)
	}
}

func TestPerformance_Height(t *testing.T) {
	const radius = 100 * time.Millisecond
	const nodes, cycles = 25, 2000

	// Constrain us to two dimensions so that we can just exactly represent
	// the circle.
	config := DefaultConfig()
	config.Dimensionality = 2
	clients, err := GenerateClients(nodes, config)
	if err != nil {
		t.Fatal(err)
	}

	// Generate truth where the first coordinate is in the "middle" because
	// it's equidistant from all the nodes, but it will have an extra radius
	// added to the distance, so it should come out above all the others.
	truth := GenerateCircle(nodes, radius)
	Simulate(clients, truth, cycles, nil)

	// Make sure the adjustment term looks reasonable with the regular nodes
	// all clustered together, and the center node elevated above them.
	for i := range clients {
		coord := clients[i].GetCoordinate()
		if i == 0 {
			if coord.Adjustment < 0.90*radius.Seconds() {
				t.Fatalf("adjustment is out of spec: %9.6f", coord.Adjustment)
			}
		} else {
			if coord.Adjustment > 0.10*radius.Seconds() {
				t.Fatalf("adjustment is out of spec: %9.6f", coord.Adjustment)
			}
		}
	}
	stats := Evaluate(clients, truth)
	if stats.ErrorAvg > 0.01 || stats.ErrorMax > 0.2 {
		t.Fatalf("performance stats are out of spec: %v", stats)
	}
}

func TestPerformance_Random(t *testing.T) {
	const mean, deviation = 100 * time.Millisecond, 10 * time.Millisecond
	const nodes, cycles = 25, 2000
	config := DefaultConfig()
	clients, err := GenerateClients(nodes, config)
	if err != nil {
		t.Fatal(err)
	}
	truth := GenerateRandom(nodes, mean, deviation)
	Simulate(clients, truth, cycles, nil)
	stats := Evaluate(clients, truth)
	if stats.ErrorAvg > 0.12 || stats.ErrorMax > 0.5 {
		t.Fatalf("performance stats are out of spec: %v", stats)
	}
}
